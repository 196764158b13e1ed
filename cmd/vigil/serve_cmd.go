package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/halcyon-robotics/vigil/pkg/audit"
	"github.com/halcyon-robotics/vigil/pkg/config"
	"github.com/halcyon-robotics/vigil/pkg/observability"
	"github.com/halcyon-robotics/vigil/pkg/supervisor"
)

// runServeCmd implements `vigil serve`.
//
// Runs one supervision session until SIGINT or SIGTERM: telemetry frames in
// over NATS, assessments and verdicts out, operator commands and
// request/reply validation served, the profile hot-reloaded on change.
// Flags default to the VIGIL_* environment variables so the daemon can be
// configured either way.
//
// Exit codes:
//
//	0 = clean shutdown
//	2 = startup failure
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	rt := config.LoadRuntime()

	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "vigil"
	}

	var (
		profilePath = cmd.String("profile", rt.ProfilePath, "Path to safety profile YAML")
		natsURL     = cmd.String("nats", rt.NATSURL, "NATS server URL (REQUIRED)")
		robotID     = cmd.String("robot", hostname, "Robot id for subjects and audit records")
		auditPath   = cmd.String("audit", rt.AuditDBPath, "SQLite audit database path (empty disables persistence)")
		otlp        = cmd.String("otlp", rt.OTLPEndpoint, "OTLP gRPC endpoint for metrics and traces (empty disables)")
		rate        = cmd.Float64("rate", rt.PublishRateHz, "Assessment publish cap in Hz")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *natsURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: a NATS URL is required (-nats or VIGIL_NATS_URL); without one no telemetry can reach the session")
		cmd.Usage()
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: parseLogLevel(rt.LogLevel),
	}))

	p, err := config.Load(*profilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	m, err := p.Materialize()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer, err := audit.NewSigner(*robotID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: audit signer: %v\n", err)
		return 2
	}
	opts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithSigner(signer),
	}

	if *auditPath != "" {
		db, err := audit.Open(*auditPath)
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

	if *otlp != "" {
		cfg := observability.DefaultConfig()
		cfg.ServiceVersion = version
		cfg.OTLPEndpoint = *otlp
		provider, err := observability.New(ctx, cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: observability: %v\n", err)
			return 2
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = provider.Shutdown(shutdownCtx)
		}()
		opts = append(opts, supervisor.WithTelemetry(provider))
	}

	pub, err := supervisor.Connect(*natsURL,
		supervisor.WithPublishRate(*rate),
		supervisor.WithPublisherLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer pub.Close()
	opts = append(opts, supervisor.WithPublisher(pub))

	s, err := supervisor.NewSession(*robotID, m, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	unbind, err := pub.BindSession(ctx, s)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer unbind()

	watcher, err := supervisor.NewProfileWatcher(*profilePath, s,
		supervisor.WithWatcherLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := watcher.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = watcher.Stop() }()

	_, _ = fmt.Fprintf(stdout, "vigil %s supervising %q (profile %q)\n", version, *robotID, m.Name)
	_, _ = fmt.Fprintf(stdout, "  telemetry:  %s\n", supervisor.SubjectTelemetry(*robotID))
	_, _ = fmt.Fprintf(stdout, "  commands:   %s\n", supervisor.SubjectCommand(*robotID))
	_, _ = fmt.Fprintf(stdout, "  validation: %s\n", supervisor.SubjectValidate(*robotID))
	_, _ = fmt.Fprintf(stdout, "  events:     %s, %s\n",
		supervisor.SubjectAssessment(*robotID), supervisor.SubjectVerdict(*robotID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down", "robot", *robotID)
	return 0
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
