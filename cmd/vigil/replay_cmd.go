package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/halcyon-robotics/vigil/pkg/audit"
	"github.com/halcyon-robotics/vigil/pkg/config"
	"github.com/halcyon-robotics/vigil/pkg/supervisor"
)

// runReplayCmd implements `vigil replay`.
//
// Streams a recorded telemetry log, one JSON frame per line, through a
// supervision session and prints every balance transition. With -audit the
// session's records are persisted to a SQLite database, which turns a
// recorded incident into a signed, chained audit trail after the fact.
//
// Exit codes:
//
//	0 = replay finished in a safe state
//	1 = replay finished unsafe (falling, fallen, or stopped)
//	2 = usage or runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		telemetry   string
		auditPath   string
		robotID     string
	)
	cmd.StringVar(&profilePath, "profile", "", "Path to safety profile YAML (REQUIRED)")
	cmd.StringVar(&telemetry, "telemetry", "", "Path to telemetry log, one JSON frame per line (REQUIRED)")
	cmd.StringVar(&auditPath, "audit", "", "Persist audit records to this SQLite database")
	cmd.StringVar(&robotID, "robot", "replay", "Robot id recorded in the audit trail")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if profilePath == "" || telemetry == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -profile and -telemetry are required")
		cmd.Usage()
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

	opts := []supervisor.Option{supervisor.WithLogger(quietLogger(stderr))}
	if auditPath != "" {
		db, err := audit.Open(auditPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open audit db: %v\n", err)
			return 2
		}
		defer db.Close()
		store, err := audit.NewSQLiteStore(db)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: audit db: %v\n", err)
			return 2
		}
		opts = append(opts, supervisor.WithAuditStore(store))
	}

	s, err := supervisor.NewSession(robotID, m, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	s.Trail().AddHandler(func(r *audit.Record) {
		if r.Kind != audit.KindAssessment {
			return
		}
		var tr struct {
			From     string `json:"from"`
			To       string `json:"to"`
			Snapshot struct {
				Cycle  uint64 `json:"cycle"`
				Advice string `json:"advice"`
			} `json:"snapshot"`
		}
		if err := json.Unmarshal(r.Payload, &tr); err != nil {
			return
		}
		_, _ = fmt.Fprintf(stdout, "cycle %d: %s -> %s (advice: %s)\n",
			tr.Snapshot.Cycle, tr.From, tr.To, tr.Snapshot.Advice)
	})

	f, err := os.Open(telemetry)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer f.Close()

	ctx := context.Background()
	frames := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fr supervisor.Frame
		if err := json.Unmarshal(line, &fr); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: line %d: bad frame: %v\n", frames+1, err)
			return 2
		}
		s.IngestFrame(ctx, fr)
		frames++
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read telemetry: %v\n", err)
		return 2
	}

	final, ok := s.LatestAssessment()
	if !ok {
		_, _ = fmt.Fprintln(stderr, "Error: telemetry log contained no frames")
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "replayed %d frames: final state %s\n", frames, final.State)
	_, _ = fmt.Fprintf(stdout, "audit records: %d (head %s)\n", s.Trail().Len(), s.Trail().Head())

	if !final.Safe {
		return 1
	}
	return 0
}
