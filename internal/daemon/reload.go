package daemon

import (
	"context"
	"errors"
	"fmt"

	"warden/internal/config"
	"warden/internal/logging"
)

type reloadTarget string

const (
	reloadSettings   reloadTarget = "settings"
	reloadExtensions reloadTarget = "extensions"
	reloadAll        reloadTarget = "all"
)

func (t reloadTarget) valid() bool {
	switch t {
	case reloadSettings, reloadExtensions, reloadAll:
		return true
	}
	return false
}

// Reload re-reads settings, rescans extensions, or both. It runs as a
// sensitive action so nothing else is in flight.
func (d *Daemon) Reload(ctx context.Context, target reloadTarget) error {
	var errs []error
	if target == reloadSettings || target == reloadAll {
		if err := d.reloadSettings(); err != nil {
			errs = append(errs, err)
		}
	}
	if target == reloadExtensions || target == reloadAll {
		if err := d.LoadExtensions(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) reloadSettings() error {
	cfg, path, exists, err := config.Load(d.cfgPath)
	if err != nil {
		return fmt.Errorf("reload settings: %w", err)
	}
	previous := d.Settings()
	if previous.Paths != cfg.Paths {
		d.logger.Warn("path changes take effect after restart",
			logging.String(logging.FieldEventType, "settings_paths_ignored"),
			logging.String("runtime_dir", cfg.Paths.RuntimeDir),
		)
		cfg.Paths = previous.Paths
	}
	d.setSettings(cfg)
	d.handlers.Configure(handlerOptions(cfg))
	d.boards.SetFanout(cfg.Handlers.BoardFanoutThreshold)
	if d.levelVar != nil {
		d.levelVar.Set(logging.ParseLevel(cfg.Logging.Level))
	}
	d.logger.Info("settings reloaded",
		logging.String(logging.FieldEventType, "settings_reloaded"),
		logging.String("path", path),
		logging.Bool("file_exists", exists),
		logging.Duration("throttle", cfg.Throttle()),
		logging.String("log_level", cfg.Logging.Level),
	)
	return nil
}

// LoadExtensions rescans the configured extension directory.
func (d *Daemon) LoadExtensions() error {
	_, err := d.handlers.LoadExtensions(d.Settings().Handlers.ExtensionDir)
	return err
}
