package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.IncomingDir == "" {
		return errors.New("paths.incoming_dir must be set")
	}
	if c.Paths.ArtifactDir == "" {
		return errors.New("paths.artifact_dir must be set")
	}
	if c.Paths.IncomingDir == c.Paths.ArtifactDir {
		return errors.New("paths.incoming_dir and paths.artifact_dir must differ")
	}
	return nil
}

func (c *Config) validateIngest() error {
	if err := ensurePositiveMap(map[string]int{
		"ingest.expected_fragments": c.Ingest.ExpectedFragments,
		"ingest.tolerance_seconds":  c.Ingest.ToleranceSeconds,
		"ingest.scan_interval":      c.Ingest.ScanInterval,
		"ingest.reconcile_interval": c.Ingest.ReconcileInterval,
	}); err != nil {
		return err
	}
	if c.Ingest.ExpectedFragments > 99 {
		return errors.New("ingest.expected_fragments must fit a two-digit ordinal")
	}
	staleSeconds := c.Ingest.StaleAfterMinutes * 60
	if staleSeconds <= c.Ingest.ToleranceSeconds {
		return errors.New("ingest.stale_after_minutes must exceed ingest.tolerance_seconds")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if err := ensurePositiveMap(map[string]int{
		"queue.lease_seconds":      c.Queue.LeaseSeconds,
		"queue.heartbeat_interval": c.Queue.HeartbeatInterval,
		"queue.max_attempts":       c.Queue.MaxAttempts,
		"queue.retry_backoff":      c.Queue.RetryBackoff,
	}); err != nil {
		return err
	}
	if c.Queue.HeartbeatInterval >= c.Queue.LeaseSeconds {
		return errors.New("queue.heartbeat_interval must be less than queue.lease_seconds")
	}
	if c.Queue.RetryBackoffMax < c.Queue.RetryBackoff {
		return errors.New("queue.retry_backoff_max must be at least queue.retry_backoff")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	return ensurePositiveMap(map[string]int{
		"workers.count":         c.Workers.Count,
		"workers.poll_interval": c.Workers.PollInterval,
	})
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen must be set when metrics.enabled is true")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
