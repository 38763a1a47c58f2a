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
	c.normalizeHandlers()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv(runtimeDirEnv); ok && strings.TrimSpace(value) != "" {
		c.Paths.RuntimeDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}

	var err error
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Handlers.ExtensionDir) != "" {
		if c.Handlers.ExtensionDir, err = expandPath(c.Handlers.ExtensionDir); err != nil {
			return fmt.Errorf("handlers.extension_dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeHandlers() {
	c.Handlers.AnnounceBoard = strings.TrimSpace(c.Handlers.AnnounceBoard)
	if c.Handlers.AnnounceBoard == "" {
		c.Handlers.AnnounceBoard = defaultAnnounceBoard
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
