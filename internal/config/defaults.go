package config

const (
	defaultIncomingDir       = "~/.local/share/fringe/incoming"
	defaultArtifactDir       = "~/.local/share/fringe/artifacts"
	defaultStateDir          = "~/.local/share/fringe/state"
	defaultLogDir            = "~/.local/share/fringe/logs"
	defaultExpectedFragments = 16
	defaultToleranceSeconds  = 60
	defaultStaleAfterMinutes = 30
	defaultScanInterval      = 10
	defaultReconcileInterval = 5
	defaultLeaseSeconds      = 120
	defaultHeartbeatInterval = 30
	defaultMaxAttempts       = 3
	defaultRetryBackoff      = 30
	defaultRetryBackoffMax   = 1800
	defaultRetentionDays     = 7
	defaultWorkerCount       = 2
	defaultPollInterval      = 5
	defaultConverterTimeout  = 60
	defaultSweepInterval     = 10
	defaultLowSpaceGiB       = 10
	defaultMetricsListen     = "127.0.0.1:9617"
	defaultNotifyTimeout     = 10
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			IncomingDir: defaultIncomingDir,
			ArtifactDir: defaultArtifactDir,
			StateDir:    defaultStateDir,
			LogDir:      defaultLogDir,
		},
		Ingest: Ingest{
			ExpectedFragments: defaultExpectedFragments,
			ToleranceSeconds:  defaultToleranceSeconds,
			StaleAfterMinutes: defaultStaleAfterMinutes,
			ScanInterval:      defaultScanInterval,
			ReconcileInterval: defaultReconcileInterval,
			WatchEnabled:      true,
		},
		Queue: Queue{
			LeaseSeconds:      defaultLeaseSeconds,
			HeartbeatInterval: defaultHeartbeatInterval,
			MaxAttempts:       defaultMaxAttempts,
			RetryBackoff:      defaultRetryBackoff,
			RetryBackoffMax:   defaultRetryBackoffMax,
			RetentionDays:     defaultRetentionDays,
		},
		Workers: Workers{
			Count:        defaultWorkerCount,
			PollInterval: defaultPollInterval,
		},
		Converter: Converter{
			TimeoutMinutes: defaultConverterTimeout,
		},
		Sweeper: Sweeper{
			IntervalMinutes: defaultSweepInterval,
			LowSpaceGiB:     defaultLowSpaceGiB,
		},
		Metrics: Metrics{
			Enabled: false,
			Listen:  defaultMetricsListen,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			DeadLetters:    true,
			StaleGroups:    true,
			SweepFindings:  true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
