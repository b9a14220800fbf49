package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"fringe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.IncomingDir = filepath.Join(base, "incoming")
	cfgVal.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Metrics.Listen = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithExpectedFragments overrides the fragment cardinality for a complete group.
func WithExpectedFragments(count int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.ExpectedFragments = count
	}
}

// WithTolerance overrides the arrival jitter tolerance in seconds.
func WithTolerance(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.ToleranceSeconds = seconds
	}
}

// WithStaleAfter overrides the open-group staleness bound in minutes.
func WithStaleAfter(minutes int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ingest.StaleAfterMinutes = minutes
	}
}

// WithLeaseSeconds overrides the job lease duration.
func WithLeaseSeconds(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.LeaseSeconds = seconds
	}
}

// WithMaxAttempts overrides the bounded retry count before dead-lettering.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the base retry backoff in seconds.
func WithRetryBackoff(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.RetryBackoff = seconds
	}
}

// WithConverterCommand points the converter at an explicit executable.
func WithConverterCommand(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Converter.Command = path
	}
}

// WithStubbedConverter installs a converter stub that echoes a successful
// result for any request, writing the artifact it claims to produce.
func WithStubbedConverter() ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := `#!/bin/sh
input=$(cat)
group=$(printf '%s' "$input" | sed -n 's/.*"group_key":"\([^"]*\)".*/\1/p')
out="` + b.cfg.Paths.ArtifactDir + `/${group}.ms"
mkdir -p "` + b.cfg.Paths.ArtifactDir + `"
printf 'stub' > "$out"
printf '{"artifact_path":"%s","byte_size":4,"checksum":"stub"}' "$out"
`
		target := filepath.Join(binDir, "fringe-convert")
		if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
			b.t.Fatalf("write converter stub: %v", err)
		}
		b.cfg.Converter.Command = target
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
