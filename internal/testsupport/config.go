package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"warden/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The runtime directory lives under a short path so unix socket names stay
// within the kernel's length limit.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := ShortTempDir(t)
	cfgVal := config.Default()
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Handlers.ExtensionDir = filepath.Join(base, "ext")
	cfgVal.Daemon.RequireRoot = false
	cfgVal.Daemon.ThrottleMS = 10
	cfgVal.Daemon.InboxIntervalMS = 20
	cfgVal.Daemon.TerminateGraceMS = 500

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithStartupCommand sets the command the daemon runs before its first iteration.
func WithStartupCommand(args ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.StartupCommand = args
	}
}

// WithJournalDisabled turns off the sqlite lifecycle journal.
func WithJournalDisabled() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Journal.Enabled = false
	}
}

// ShortTempDir creates a temp directory directly under the system temp root
// and removes it when the test ends.
func ShortTempDir(t testing.TB) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "wd")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	return dir
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.RuntimeDir)
}
