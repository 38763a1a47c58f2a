package handler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ManifestName is the file that marks a directory as an extension.
const ManifestName = "extension.toml"

// Manifest is the decoded extension.toml.
type Manifest struct {
	Name        string            `toml:"name"`
	Description string            `toml:"description"`
	Handlers    []ManifestHandler `toml:"handlers"`
}

// ManifestHandler names one scripted handler of an extension. Script is
// relative to the extension directory.
type ManifestHandler struct {
	Name   string `toml:"name"`
	Script string `toml:"script"`
}

// Extension is a loaded extension with its compiled handler scripts.
type Extension struct {
	Name     string
	Dir      string
	Handlers []ExtensionHandler
}

// ExtensionHandler is one compiled handler of an extension.
type ExtensionHandler struct {
	Name   string
	Script *Script
}

// ScanExtensions loads every subdirectory of dir that holds a manifest.
// Extensions that fail are left out and their errors joined; a missing dir
// yields no extensions and no error.
func ScanExtensions(dir string) ([]Extension, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read extension dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		loaded []Extension
		errs   []error
		seen   = make(map[string]string)
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		extDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(extDir, ManifestName)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("extension %s: %w", entry.Name(), err))
			continue
		}
		ext, err := loadExtension(extDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[ext.Name]; dup {
			errs = append(errs, fmt.Errorf("extension %s: name %q already used by %s", extDir, ext.Name, prev))
			continue
		}
		seen[ext.Name] = extDir
		loaded = append(loaded, ext)
	}
	return loaded, errors.Join(errs...)
}

func loadExtension(dir string) (Extension, error) {
	manifestPath := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return Extension{}, fmt.Errorf("extension %s: read manifest: %w", dir, err)
	}
	var manifest Manifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return Extension{}, fmt.Errorf("extension %s: parse manifest: %w", dir, err)
	}

	name := strings.TrimSpace(manifest.Name)
	if name == "" {
		name = filepath.Base(dir)
	}
	if strings.Contains(name, ":") {
		return Extension{}, fmt.Errorf("extension %s: name %q must not contain ':'", dir, name)
	}
	if len(manifest.Handlers) == 0 {
		return Extension{}, fmt.Errorf("extension %s: manifest declares no handlers", dir)
	}

	ext := Extension{Name: name, Dir: dir}
	for i, h := range manifest.Handlers {
		handlerName := strings.TrimSpace(h.Name)
		if handlerName == "" || strings.Contains(handlerName, ":") {
			return Extension{}, fmt.Errorf("extension %s: handler %d: invalid name %q", dir, i, h.Name)
		}
		if strings.TrimSpace(h.Script) == "" {
			return Extension{}, fmt.Errorf("extension %s: handler %s: script is required", dir, handlerName)
		}
		scriptPath := h.Script
		if !filepath.IsAbs(scriptPath) {
			scriptPath = filepath.Join(dir, scriptPath)
		}
		script, err := LoadScript(scriptPath)
		if err != nil {
			return Extension{}, fmt.Errorf("extension %s: handler %s: %w", dir, handlerName, err)
		}
		ext.Handlers = append(ext.Handlers, ExtensionHandler{Name: handlerName, Script: script})
	}
	return ext, nil
}
