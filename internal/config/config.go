package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	IncomingDir string `toml:"incoming_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
}

// Ingest contains configuration for fragment arrival and grouping.
type Ingest struct {
	ExpectedFragments int  `toml:"expected_fragments"`
	ToleranceSeconds  int  `toml:"tolerance_seconds"`
	StaleAfterMinutes int  `toml:"stale_after_minutes"`
	ScanInterval      int  `toml:"scan_interval"`
	ReconcileInterval int  `toml:"reconcile_interval"`
	WatchEnabled      bool `toml:"watch_enabled"`
}

// Queue contains configuration for conversion job durability and retry.
type Queue struct {
	LeaseSeconds      int `toml:"lease_seconds"`
	HeartbeatInterval int `toml:"heartbeat_interval"`
	MaxAttempts       int `toml:"max_attempts"`
	RetryBackoff      int `toml:"retry_backoff"`
	RetryBackoffMax   int `toml:"retry_backoff_max"`
	RetentionDays     int `toml:"retention_days"`
}

// Workers contains configuration for the conversion worker pool.
type Workers struct {
	Count        int `toml:"count"`
	PollInterval int `toml:"poll_interval"`
}

// Converter contains configuration for the external conversion command.
type Converter struct {
	Command        string   `toml:"command"`
	ExtraArgs      []string `toml:"extra_args"`
	TimeoutMinutes int      `toml:"timeout_minutes"`
}

// Sweeper contains configuration for storage/registry reconciliation.
type Sweeper struct {
	IntervalMinutes int `toml:"interval_minutes"`
	LowSpaceGiB     int `toml:"low_space_gib"`
}

// Metrics contains configuration for the Prometheus exposition endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Notifications contains configuration for webhook alerts.
type Notifications struct {
	WebhookURL     string `toml:"webhook_url"`
	RequestTimeout int    `toml:"request_timeout"`
	DeadLetters    bool   `toml:"dead_letters"`
	StaleGroups    bool   `toml:"stale_groups"`
	SweepFindings  bool   `toml:"sweep_findings"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for fringe.
//
// Configuration sections by subsystem:
//   - Paths: incoming/artifact/state/log directories
//   - Ingest: expected cardinality, jitter tolerance, stale age, scan cadence
//   - Queue: lease duration, heartbeat cadence, retry policy, retention
//   - Workers: pool size and poll interval
//   - Converter: external conversion command contract
//   - Sweeper: reconciliation cadence and disk headroom reporting
//   - Metrics: Prometheus exposition listener
//   - Notifications: webhook alert settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Ingest        Ingest        `toml:"ingest"`
	Queue         Queue         `toml:"queue"`
	Workers       Workers       `toml:"workers"`
	Converter     Converter     `toml:"converter"`
	Sweeper       Sweeper       `toml:"sweeper"`
	Metrics       Metrics       `toml:"metrics"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/fringe/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/fringe/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("fringe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// ArtifactDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.IncomingDir, c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.ArtifactDir) != "" {
		_ = os.MkdirAll(c.Paths.ArtifactDir, 0o755)
	}
	return nil
}

// DatabasePath returns the SQLite database location under the state directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "fringe.db")
}

// EventArchivePath returns the bbolt event archive location.
func (c *Config) EventArchivePath() string {
	return filepath.Join(c.Paths.StateDir, "events.db")
}

// SocketPath returns the daemon control socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.LogDir, "fringe.sock")
}

// PIDPath returns the daemon PID file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.LogDir, "fringe.pid")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "fringe.lock")
}

// Tolerance returns the grouping jitter tolerance.
func (c *Config) Tolerance() time.Duration {
	return time.Duration(c.Ingest.ToleranceSeconds) * time.Second
}

// StaleAfter returns the maximum age an open group may reach before it is
// declared stale.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Ingest.StaleAfterMinutes) * time.Minute
}

// ScanInterval returns the incoming-directory rescan cadence.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Ingest.ScanInterval) * time.Second
}

// ReconcileInterval returns the clustering pass cadence.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Ingest.ReconcileInterval) * time.Second
}

// LeaseDuration returns how long a worker owns a leased job between
// heartbeats.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// HeartbeatInterval returns how often workers renew their leases.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Queue.HeartbeatInterval) * time.Second
}

// RetryBackoff returns the base delay before a retrying job becomes
// leasable again; the delay doubles with each attempt up to RetryBackoffMax.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Queue.RetryBackoff) * time.Second
}

// RetryBackoffMax returns the ceiling for retry delays.
func (c *Config) RetryBackoffMax() time.Duration {
	return time.Duration(c.Queue.RetryBackoffMax) * time.Second
}

// QueueRetention returns how long terminal jobs are kept before pruning.
func (c *Config) QueueRetention() time.Duration {
	return time.Duration(c.Queue.RetentionDays) * 24 * time.Hour
}

// WorkerPollInterval returns the idle poll cadence for workers.
func (c *Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.Workers.PollInterval) * time.Second
}

// ConverterTimeout returns the per-invocation converter deadline.
func (c *Config) ConverterTimeout() time.Duration {
	return time.Duration(c.Converter.TimeoutMinutes) * time.Minute
}

// SweepInterval returns the reconciliation sweeper cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweeper.IntervalMinutes) * time.Minute
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
