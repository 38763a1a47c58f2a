package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"warden/internal/logging"
)

// Options tunes the built-in handlers.
type Options struct {
	// AnnounceBoard is where core:announce posts when given no board argument.
	AnnounceBoard string
	// MaxRestarts bounds core:restart when given no count argument.
	MaxRestarts int
	// RestartInterval is the minimum spacing between restarts of one executable.
	RestartInterval time.Duration
}

const (
	defaultAnnounceBoard   = "processes"
	defaultMaxRestarts     = 5
	defaultRestartInterval = time.Second
)

func (o Options) withDefaults() Options {
	if o.AnnounceBoard == "" {
		o.AnnounceBoard = defaultAnnounceBoard
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = defaultMaxRestarts
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = defaultRestartInterval
	}
	return o
}

// Registry maps handler names to constructors. Static handlers are registered
// in code; extension handlers come from the extension directory and are
// replaced wholesale on reload.
type Registry struct {
	mu         sync.RWMutex
	static     map[string]Constructor
	extensions map[string]Constructor
	opts       Options
	restarts   map[string]*rate.Limiter
	logger     *slog.Logger
}

// NewRegistry creates a registry holding the core handlers.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		static:     make(map[string]Constructor),
		extensions: make(map[string]Constructor),
		opts:       opts.withDefaults(),
		restarts:   make(map[string]*rate.Limiter),
		logger:     logging.NewComponentLogger(logger, "handlers"),
	}
	r.registerBuiltins()
	return r
}

// Configure replaces the built-in handler options.
func (r *Registry) Configure(opts Options) {
	r.mu.Lock()
	r.opts = opts.withDefaults()
	r.mu.Unlock()
}

func (r *Registry) options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

// Register adds a static handler. The name must contain exactly one colon.
func (r *Registry) Register(name string, ctor Constructor) error {
	if !IsStaticName(name) {
		return fmt.Errorf("register %q: static handler names take the form container:name", name)
	}
	if ctor == nil {
		return fmt.Errorf("register %q: nil constructor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.static[name]; exists {
		return fmt.Errorf("register %q: already registered", name)
	}
	r.static[name] = ctor
	return nil
}

// Names lists every static and extension handler name in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Collect(maps.Keys(r.static))
	for name := range r.extensions {
		if _, shadowed := r.static[name]; !shadowed {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Resolve finds the constructor for name. A name with exactly one colon is
// looked up among static and extension handlers; anything else is treated as
// the path of a Lua script.
func (r *Registry) Resolve(name string) (Constructor, error) {
	if IsStaticName(name) {
		r.mu.RLock()
		ctor, ok := r.static[name]
		if !ok {
			ctor, ok = r.extensions[name]
		}
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
		}
		return ctor, nil
	}

	script, err := LoadScript(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
		}
		return nil, err
	}
	return script.Constructor(name), nil
}

// New resolves name and constructs a handler for p.
func (r *Registry) New(name string, p Process, args []string, host Host) (Handler, error) {
	ctor, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	h, err := ctor(p, args, host)
	if err != nil {
		return nil, fmt.Errorf("construct handler %s: %w", name, err)
	}
	return h, nil
}

// LoadExtensions rescans dir and replaces the extension handler set with what
// it finds. Handlers that load are registered even when others fail; every
// failure is returned joined.
func (r *Registry) LoadExtensions(dir string) (int, error) {
	found, err := ScanExtensions(dir)
	loaded := make(map[string]Constructor, len(found))
	for _, ext := range found {
		for _, h := range ext.Handlers {
			loaded[ext.Name+":"+h.Name] = h.Script.Constructor(ext.Name + ":" + h.Name)
		}
	}

	r.mu.Lock()
	r.extensions = loaded
	r.mu.Unlock()

	if err != nil {
		logging.WarnWithContext(r.logger, "extension load incomplete", "extension_load_failed",
			logging.String("dir", dir),
			logging.Int("loaded", len(loaded)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix or remove the listed extension manifests and run reload extensions"),
			logging.String(logging.FieldImpact, "handlers from failing extensions are unavailable"),
		)
	}
	r.logger.Info("extensions loaded",
		logging.String(logging.FieldEventType, "extensions_loaded"),
		logging.String("dir", dir),
		logging.Int("handlers", len(loaded)),
	)
	return len(loaded), err
}

// restartLimiter returns the shared limiter spacing restarts of path.
func (r *Registry) restartLimiter(path string) *rate.Limiter {
	interval := r.options().RestartInterval
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.restarts[path]
	if !ok {
		lim = rate.NewLimiter(rate.Every(interval), 1)
		r.restarts[path] = lim
	}
	return lim
}
