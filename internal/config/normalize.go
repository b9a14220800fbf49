package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeIngest()
	c.normalizeQueue()
	c.normalizeWorkers()
	c.normalizeConverter()
	c.normalizeSweeper()
	c.normalizeMetrics()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.IncomingDir, err = expandPath(c.Paths.IncomingDir); err != nil {
		return fmt.Errorf("paths.incoming_dir: %w", err)
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeIngest() {
	if c.Ingest.ExpectedFragments <= 0 {
		c.Ingest.ExpectedFragments = defaultExpectedFragments
	}
	if c.Ingest.ToleranceSeconds <= 0 {
		c.Ingest.ToleranceSeconds = defaultToleranceSeconds
	}
	if c.Ingest.StaleAfterMinutes <= 0 {
		c.Ingest.StaleAfterMinutes = defaultStaleAfterMinutes
	}
	if c.Ingest.ScanInterval <= 0 {
		c.Ingest.ScanInterval = defaultScanInterval
	}
	if c.Ingest.ReconcileInterval <= 0 {
		c.Ingest.ReconcileInterval = defaultReconcileInterval
	}
}

func (c *Config) normalizeQueue() {
	if c.Queue.LeaseSeconds <= 0 {
		c.Queue.LeaseSeconds = defaultLeaseSeconds
	}
	if c.Queue.HeartbeatInterval <= 0 {
		c.Queue.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = defaultMaxAttempts
	}
	if c.Queue.RetryBackoff <= 0 {
		c.Queue.RetryBackoff = defaultRetryBackoff
	}
	if c.Queue.RetryBackoffMax <= 0 {
		c.Queue.RetryBackoffMax = defaultRetryBackoffMax
	}
	if c.Queue.RetentionDays < 0 {
		c.Queue.RetentionDays = 0
	}
}

func (c *Config) normalizeWorkers() {
	if c.Workers.Count <= 0 {
		c.Workers.Count = defaultWorkerCount
	}
	if c.Workers.PollInterval <= 0 {
		c.Workers.PollInterval = defaultPollInterval
	}
}

func (c *Config) normalizeConverter() {
	c.Converter.Command = strings.TrimSpace(c.Converter.Command)
	if c.Converter.TimeoutMinutes <= 0 {
		c.Converter.TimeoutMinutes = defaultConverterTimeout
	}
}

func (c *Config) normalizeSweeper() {
	if c.Sweeper.IntervalMinutes <= 0 {
		c.Sweeper.IntervalMinutes = defaultSweepInterval
	}
	if c.Sweeper.LowSpaceGiB < 0 {
		c.Sweeper.LowSpaceGiB = 0
	}
}

func (c *Config) normalizeMetrics() {
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = defaultMetricsListen
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.WebhookURL = strings.TrimSpace(c.Notifications.WebhookURL)
	if c.Notifications.WebhookURL == "" {
		if value, ok := os.LookupEnv("FRINGE_WEBHOOK_URL"); ok {
			c.Notifications.WebhookURL = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
