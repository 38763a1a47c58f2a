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
	RuntimeDir string `toml:"runtime_dir"`
	LogDir     string `toml:"log_dir"`
}

// Daemon contains dispatch loop timing and lifecycle settings.
type Daemon struct {
	ThrottleMS              int      `toml:"throttle_ms"`
	InboxIntervalMS         int      `toml:"inbox_interval_ms"`
	MaxConcurrency          int      `toml:"max_concurrency"`
	RequireRoot             bool     `toml:"require_root"`
	ShutdownDeadlineSeconds int      `toml:"shutdown_deadline_seconds"`
	TerminateGraceMS        int      `toml:"terminate_grace_ms"`
	StartupCommand          []string `toml:"startup_command"`
}

// Channel contains IPC channel timeouts.
type Channel struct {
	ConnectTimeoutMS int `toml:"connect_timeout_ms"`
	LockTimeoutMS    int `toml:"lock_timeout_ms"`
	ReadTimeoutMS    int `toml:"read_timeout_ms"`
}

// Handlers contains process handler and message board settings.
type Handlers struct {
	ExtensionDir         string `toml:"extension_dir"`
	BoardFanoutThreshold int    `toml:"board_fanout_threshold"`
	AnnounceBoard        string `toml:"announce_board"`
	MaxRestarts          int    `toml:"max_restarts"`
}

// Journal contains lifecycle journal settings.
type Journal struct {
	Enabled   bool `toml:"enabled"`
	Retention int  `toml:"retention"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for warden.
//
// Configuration sections by subsystem:
//   - Paths: runtime directory (socket, locks, pid, journal) and log directory
//   - Daemon: dispatch loop throttle, inbox polling, concurrency and shutdown
//   - Channel: IPC connect, lock and read timeouts
//   - Handlers: extension directory and message board tuning
//   - Journal: lifecycle event history
//   - Logging: log format, level, and retention
type Config struct {
	Paths    Paths    `toml:"paths"`
	Daemon   Daemon   `toml:"daemon"`
	Channel  Channel  `toml:"channel"`
	Handlers Handlers `toml:"handlers"`
	Journal  Journal  `toml:"journal"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/warden/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
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
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("warden.toml")
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

// EnsureDirectories creates the runtime and log directories. The extension
// directory is created on a best-effort basis since an absent directory only
// means no extensions are installed.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.RuntimeDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Handlers.ExtensionDir) != "" {
		_ = os.MkdirAll(c.Handlers.ExtensionDir, 0o755)
	}
	return nil
}

// SocketPath is the unix socket the daemon inbox listens on.
func (c *Config) SocketPath() string { return filepath.Join(c.Paths.RuntimeDir, "warden.sock") }

// InstanceLockPath is held exclusively by the running daemon.
func (c *Config) InstanceLockPath() string { return filepath.Join(c.Paths.RuntimeDir, "warden.lock") }

// WriteLockPath serializes frame writes across processes.
func (c *Config) WriteLockPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "warden.write.lock")
}

// PIDPath records the daemon pid for stop/kill helpers.
func (c *Config) PIDPath() string { return filepath.Join(c.Paths.RuntimeDir, "warden.pid") }

// JournalPath is the sqlite lifecycle journal.
func (c *Config) JournalPath() string { return filepath.Join(c.Paths.RuntimeDir, "journal.db") }

func (c *Config) Throttle() time.Duration {
	return time.Duration(c.Daemon.ThrottleMS) * time.Millisecond
}

func (c *Config) InboxInterval() time.Duration {
	return time.Duration(c.Daemon.InboxIntervalMS) * time.Millisecond
}

func (c *Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.Daemon.ShutdownDeadlineSeconds) * time.Second
}

func (c *Config) TerminateGrace() time.Duration {
	return time.Duration(c.Daemon.TerminateGraceMS) * time.Millisecond
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Channel.ConnectTimeoutMS) * time.Millisecond
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Channel.LockTimeoutMS) * time.Millisecond
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Channel.ReadTimeoutMS) * time.Millisecond
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
