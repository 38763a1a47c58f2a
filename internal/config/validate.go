package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateChannel(); err != nil {
		return err
	}
	if err := c.validateHandlers(); err != nil {
		return err
	}
	if err := c.validateJournal(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDaemon() error {
	if c.Daemon.ThrottleMS <= 0 {
		return errors.New("daemon.throttle_ms must be positive")
	}
	if c.Daemon.InboxIntervalMS <= 0 {
		return errors.New("daemon.inbox_interval_ms must be positive")
	}
	if c.Daemon.MaxConcurrency <= 0 {
		return errors.New("daemon.max_concurrency must be positive")
	}
	if c.Daemon.ShutdownDeadlineSeconds <= 0 {
		return errors.New("daemon.shutdown_deadline_seconds must be positive")
	}
	if c.Daemon.TerminateGraceMS < 0 {
		return errors.New("daemon.terminate_grace_ms must be >= 0")
	}
	return nil
}

func (c *Config) validateChannel() error {
	if c.Channel.ConnectTimeoutMS <= 0 {
		return errors.New("channel.connect_timeout_ms must be positive")
	}
	if c.Channel.LockTimeoutMS <= 0 {
		return errors.New("channel.lock_timeout_ms must be positive")
	}
	if c.Channel.ReadTimeoutMS <= 0 {
		return errors.New("channel.read_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) validateHandlers() error {
	if c.Handlers.BoardFanoutThreshold < 0 {
		return errors.New("handlers.board_fanout_threshold must be >= 0")
	}
	if c.Handlers.MaxRestarts < 0 {
		return errors.New("handlers.max_restarts must be >= 0")
	}
	return nil
}

func (c *Config) validateJournal() error {
	if c.Journal.Retention < 0 {
		return errors.New("journal.retention must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}
