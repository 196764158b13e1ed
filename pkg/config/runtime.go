package config

import (
	"os"
	"strconv"
)

// Runtime holds daemon configuration: everything the serve command reads
// from the environment rather than from the safety profile.
type Runtime struct {
	LogLevel      string
	ProfilePath   string
	AuditDBPath   string
	NATSURL       string
	OTLPEndpoint  string
	PublishRateHz float64
}

// LoadRuntime loads daemon configuration from environment variables.
// Empty NATSURL disables telemetry publishing; empty OTLPEndpoint
// disables metrics export.
func LoadRuntime() *Runtime {
	logLevel := os.Getenv("VIGIL_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	profilePath := os.Getenv("VIGIL_PROFILE")
	if profilePath == "" {
		profilePath = "/etc/vigil/profile.yaml"
	}

	auditDB := os.Getenv("VIGIL_AUDIT_DB")
	if auditDB == "" {
		auditDB = "/var/lib/vigil/audit.db"
	}

	rate := 20.0
	if raw := os.Getenv("VIGIL_PUBLISH_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			rate = v
		}
	}

	return &Runtime{
		LogLevel:      logLevel,
		ProfilePath:   profilePath,
		AuditDBPath:   auditDB,
		NATSURL:       os.Getenv("VIGIL_NATS_URL"),
		OTLPEndpoint:  os.Getenv("VIGIL_OTLP_ENDPOINT"),
		PublishRateHz: rate,
	}
}
