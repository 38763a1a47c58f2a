package config

const (
	defaultRuntimeDir              = "~/.local/share/warden"
	defaultLogDir                  = "~/.local/share/warden/logs"
	defaultExtensionDir            = "~/.local/share/warden/extensions"
	defaultThrottleMS              = 80
	defaultInboxIntervalMS         = 500
	defaultMaxConcurrency          = 64
	defaultRequireRoot             = true
	defaultShutdownDeadlineSeconds = 10
	defaultTerminateGraceMS        = 3000
	defaultConnectTimeoutMS        = 5000
	defaultLockTimeoutMS           = 5000
	defaultReadTimeoutMS           = 5000
	defaultBoardFanoutThreshold    = 10
	defaultAnnounceBoard           = "processes"
	defaultMaxRestarts             = 5
	defaultJournalRetention        = 1000
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultLogRetentionDays        = 30

	runtimeDirEnv = "WARDEN_RUNTIME_DIR"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RuntimeDir: defaultRuntimeDir,
			LogDir:     defaultLogDir,
		},
		Daemon: Daemon{
			ThrottleMS:              defaultThrottleMS,
			InboxIntervalMS:         defaultInboxIntervalMS,
			MaxConcurrency:          defaultMaxConcurrency,
			RequireRoot:             defaultRequireRoot,
			ShutdownDeadlineSeconds: defaultShutdownDeadlineSeconds,
			TerminateGraceMS:        defaultTerminateGraceMS,
		},
		Channel: Channel{
			ConnectTimeoutMS: defaultConnectTimeoutMS,
			LockTimeoutMS:    defaultLockTimeoutMS,
			ReadTimeoutMS:    defaultReadTimeoutMS,
		},
		Handlers: Handlers{
			ExtensionDir:         defaultExtensionDir,
			BoardFanoutThreshold: defaultBoardFanoutThreshold,
			AnnounceBoard:        defaultAnnounceBoard,
			MaxRestarts:          defaultMaxRestarts,
		},
		Journal: Journal{
			Enabled:   true,
			Retention: defaultJournalRetention,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
