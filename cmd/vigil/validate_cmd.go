package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/halcyon-robotics/vigil/pkg/config"
	"github.com/halcyon-robotics/vigil/pkg/supervisor"
	"github.com/halcyon-robotics/vigil/pkg/validator"
)

// runValidateCmd implements `vigil validate`.
//
// Runs one action through the full validation path: the four gates plus the
// profile's deployment rules. No telemetry is involved, so the balance gate
// judges nothing; use replay for telemetry-coupled verdicts.
//
// Exit codes:
//
//	0 = action is safe
//	1 = action rejected
//	2 = usage or runtime error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		actionArg   string
		jsonOutput  bool
	)
	cmd.StringVar(&profilePath, "profile", "", "Path to safety profile YAML (REQUIRED)")
	cmd.StringVar(&actionArg, "action", "", "Action as inline JSON or a path to a JSON file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verdict as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if profilePath == "" || actionArg == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -profile and -action are required")
		cmd.Usage()
		return 2
	}

	action, err := readAction(actionArg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	p, err := config.Load(profilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	m, err := p.Materialize()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	s, err := supervisor.NewSession("cli", m,
		supervisor.WithLogger(quietLogger(stderr)))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	res := s.ValidateAction(context.Background(), action)

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printVerdict(stdout, action, res)
	}

	if !res.Safe {
		return 1
	}
	return 0
}

// readAction accepts inline JSON or a file path; inline is recognized by a
// leading brace.
func readAction(arg string) (validator.HumanoidAction, error) {
	var action validator.HumanoidAction
	data := []byte(arg)
	if !strings.HasPrefix(strings.TrimSpace(arg), "{") {
		var err error
		data, err = os.ReadFile(arg)
		if err != nil {
			return action, fmt.Errorf("read action: %w", err)
		}
	}
	if err := json.Unmarshal(data, &action); err != nil {
		return action, fmt.Errorf("decode action: %w", err)
	}
	return action, nil
}

func printVerdict(w io.Writer, action validator.HumanoidAction, res validator.Result) {
	name := action.Name
	if name == "" {
		name = "(unnamed)"
	}
	if res.Safe {
		_, _ = fmt.Fprintf(w, "✅ SAFE: %s\n", name)
	} else {
		_, _ = fmt.Fprintf(w, "❌ UNSAFE: %s\n", name)
	}
	_, _ = fmt.Fprintf(w, "   %s\n", res.Reasoning)
	for _, v := range res.Violations {
		_, _ = fmt.Fprintf(w, "   [%s] %s: %s\n", v.Gate, v.Code, v.Description)
	}
	for _, v := range res.Warnings {
		_, _ = fmt.Fprintf(w, "   warning [%s] %s: %s\n", v.Gate, v.Code, v.Description)
	}
}

// quietLogger keeps one-shot commands readable: session logs go to stderr
// and only when something is wrong.
func quietLogger(stderr io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
