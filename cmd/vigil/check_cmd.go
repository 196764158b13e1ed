package main

import (
	"fmt"
	"io"

	"github.com/halcyon-robotics/vigil/pkg/config"
)

// runCheckCmd implements `vigil check <profile.yaml>`.
//
// Parses, schema-validates and materializes a profile without starting
// anything, so deployment pipelines can gate on it.
//
// Exit codes:
//
//	0 = profile is valid
//	1 = profile rejected
//	2 = usage error
func runCheckCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: vigil check <profile.yaml>")
		return 2
	}

	p, err := config.Load(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "❌ profile rejected: %v\n", err)
		return 1
	}
	m, err := p.Materialize()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "❌ profile rejected: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "✅ profile %q is valid\n", m.Name)
	_, _ = fmt.Fprintf(stdout, "   schema:              %s\n", p.SchemaVersion)
	_, _ = fmt.Fprintf(stdout, "   mode:                %s\n", m.Constraints.Mode())
	if p.Preset != "" {
		_, _ = fmt.Fprintf(stdout, "   preset:              %s\n", p.Preset)
	}
	_, _ = fmt.Fprintf(stdout, "   joints:              %d\n", len(m.Constraints.JointNames()))
	_, _ = fmt.Fprintf(stdout, "   zones:               %d\n", len(m.Constraints.Zones()))
	_, _ = fmt.Fprintf(stdout, "   max height:          %.2f m\n", m.Constraints.MaxHeight())
	_, _ = fmt.Fprintf(stdout, "   max cart. velocity:  %.2f m/s\n", m.Constraints.MaxCartesianVelocity())
	_, _ = fmt.Fprintf(stdout, "   fall debounce:       %d cycles\n", m.Thresholds.FallDebounceCycles)
	_, _ = fmt.Fprintf(stdout, "   strict mode:         %t\n", m.Policy.StrictMode)
	_, _ = fmt.Fprintf(stdout, "   deployment rules:    %d\n", m.Rules.Len())
	return 0
}
