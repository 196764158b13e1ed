// Command vigil validates humanoid robot actions against a safety profile.
//
// It runs in two shapes: one-shot commands for operators and CI (check,
// validate, replay) and a long-running supervision daemon (serve) that
// ingests telemetry and serves validation over NATS.
package main

import (
	"fmt"
	"io"
	"os"
)

// version is stamped at build time; "dev" marks a source build.
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches one CLI invocation. It is the entrypoint for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "check":
		return runCheckCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "serve":
		return runServeCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "vigil %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `vigil %s - humanoid physical safety validation

USAGE:
  vigil <command> [flags]

COMMANDS:
  check     Validate and materialize a safety profile (check <profile.yaml>)
  validate  Validate one action against a profile (-profile, -action, -json)
  replay    Stream recorded telemetry through a session (-profile, -telemetry, -audit)
  serve     Run the supervision daemon (-profile, -nats, -robot)
  version   Show version information
  help      Show this help

Exit codes: 0 success/safe, 1 rejected/unsafe, 2 usage or runtime error.
`, version)
}
