// Package registry holds the active storage backend and switches it at
// runtime. Readers load the active state without locking; switches are
// serialized and only commit after the candidate configuration has been
// validated, instantiated and persisted.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/metrics"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// DefaultRetireAfter is how long a replaced backend stays open for calls
// that already hold it.
const DefaultRetireAfter = 30 * time.Second

// ConfigSource loads stored backend configurations.
type ConfigSource interface {
	Get(ctx context.Context, id string) (types.BackendConfig, error)
}

// PointerStore persists which backend is active. GetActive returns a nil
// pointer when nothing has been recorded.
type PointerStore interface {
	GetActive(ctx context.Context) (*types.ActivePointer, error)
	SetActive(ctx context.Context, ptr types.ActivePointer) error
	ClearActive(ctx context.Context) error
}

// Validator tests a configuration against the live service.
type Validator interface {
	Test(ctx context.Context, cfg types.BackendConfig) error
}

// Driver instantiates the adapter of one remote kind.
type Driver func(cfg types.BackendConfig) (types.Backend, error)

// State is the active backend. It is replaced wholesale on every switch.
type State struct {
	Kind        types.BackendKind
	ConfigID    string
	ActivatedAt time.Time
	Backend     types.Backend
}

// Options configures a Registry.
type Options struct {
	Configs     ConfigSource
	Pointer     PointerStore
	Validator   Validator
	Local       types.Backend
	Drivers     map[types.BackendKind]Driver
	RetireAfter time.Duration
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Registry owns the active backend.
type Registry struct {
	configs     ConfigSource
	pointer     PointerStore
	validator   Validator
	local       types.Backend
	drivers     map[types.BackendKind]Driver
	retireAfter time.Duration
	metrics     *metrics.Collector
	logger      *zap.Logger

	state atomic.Pointer[State]

	mu       sync.Mutex // serializes switches
	retiring map[*time.Timer]types.Backend
	closed   bool
}

// New creates a registry. No backend is active until Start.
func New(opts Options) (*Registry, error) {
	if opts.Configs == nil || opts.Pointer == nil || opts.Validator == nil || opts.Local == nil {
		return nil, errors.NewError(errors.ErrCodeInternal, "registry needs a config source, pointer store, validator and local backend")
	}
	if opts.Local.Kind() != types.KindLocal {
		return nil, errors.Newf(errors.ErrCodeInternal, "fallback backend has kind %s", opts.Local.Kind())
	}
	drivers := make(map[types.BackendKind]Driver, len(opts.Drivers))
	for kind, d := range opts.Drivers {
		if !kind.IsRemote() {
			return nil, errors.Newf(errors.ErrCodeInvalidKind, "no driver may be registered for %s", kind)
		}
		if _, err := types.ParseBackendKind(string(kind)); err != nil {
			return nil, err
		}
		drivers[kind] = d
	}

	r := &Registry{
		configs:     opts.Configs,
		pointer:     opts.Pointer,
		validator:   opts.Validator,
		local:       opts.Local,
		drivers:     drivers,
		retireAfter: opts.RetireAfter,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		retiring:    make(map[*time.Timer]types.Backend),
	}
	if r.retireAfter <= 0 {
		r.retireAfter = DefaultRetireAfter
	}
	if r.logger == nil {
		r.logger = logging.Named("registry")
	}
	return r, nil
}

// Start restores the persisted backend. When there is none, or it can no
// longer be activated, the registry falls back to the local backend and
// clears the pointer.
func (r *Registry) Start(ctx context.Context) error {
	ptr, err := r.pointer.GetActive(ctx)
	if err != nil {
		r.logger.Warn("failed to read active backend pointer, using local backend", logging.Err(err))
		return r.fallback(ctx)
	}
	if ptr == nil || ptr.Kind == types.KindLocal {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.activate(types.KindLocal, "", r.local)
		r.logger.Info("local backend active")
		return nil
	}

	if err := r.Switch(ctx, ptr.Kind, ptr.ConfigID); err != nil {
		r.logger.Warn("persisted backend could not be restored, falling back to local backend",
			logging.Backend(string(ptr.Kind)), logging.ConfigID(ptr.ConfigID), logging.Err(err))
		return r.fallback(ctx)
	}
	return nil
}

func (r *Registry) fallback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pointer.ClearActive(ctx); err != nil {
		r.logger.Error("failed to clear active backend pointer", logging.Err(err))
	}
	r.activate(types.KindLocal, "", r.local)
	r.metrics.RecordSwitch(types.KindLocal, nil)
	return nil
}

// Switch makes the configuration configID of kind the active backend. Any
// failure leaves the active backend unchanged and returns the failing
// step's error. Switching to the local backend needs no configuration.
func (r *Registry) Switch(ctx context.Context, kind types.BackendKind, configID string) (err error) {
	logger := r.logger.With(logging.Backend(string(kind)), logging.ConfigID(configID))
	defer func() {
		r.metrics.RecordSwitch(kind, err)
		if err != nil {
			logger.Warn("backend switch rejected", logging.Err(err))
		}
	}()

	if _, err := types.ParseBackendKind(string(kind)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.NewError(errors.ErrCodeStorageUnavailable, "registry is closed")
	}

	if kind == types.KindLocal {
		if err := r.pointer.SetActive(ctx, types.ActivePointer{Kind: types.KindLocal}); err != nil {
			return errors.Wrap(errors.ErrCodeInternal, err, "failed to persist active backend")
		}
		r.activate(types.KindLocal, "", r.local)
		logger.Info("switched to local backend")
		return nil
	}

	driver, ok := r.drivers[kind]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidKind, "no driver registered for %s", kind)
	}
	cfg, err := r.configs.Get(ctx, configID)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.Wrap(errors.ErrCodeConfigNotFound, err, "failed to load configuration")
	}
	if cfg.Kind != kind {
		return errors.Newf(errors.ErrCodeMalformedConfig, "configuration %s is for %s, not %s", configID, cfg.Kind, kind)
	}
	if err := r.validator.Test(ctx, cfg); err != nil {
		return err
	}

	backend, err := driver(cfg)
	if err != nil {
		return err
	}
	if err := r.pointer.SetActive(ctx, types.ActivePointer{Kind: kind, ConfigID: configID}); err != nil {
		_ = backend.Close()
		return errors.Wrap(errors.ErrCodeInternal, err, "failed to persist active backend")
	}

	r.activate(kind, configID, backend)
	logger.Info("switched backend")
	return nil
}

// activate swaps in the new state and schedules the old remote backend for
// closing. Callers hold r.mu.
func (r *Registry) activate(kind types.BackendKind, configID string, backend types.Backend) {
	prev := r.state.Swap(&State{
		Kind:        kind,
		ConfigID:    configID,
		ActivatedAt: time.Now(),
		Backend:     backend,
	})
	r.metrics.SetActiveBackend(kind)
	if prev == nil || prev.Backend == r.local || prev.Backend == backend {
		return
	}
	r.retire(prev)
}

func (r *Registry) retire(prev *State) {
	var timer *time.Timer
	timer = time.AfterFunc(r.retireAfter, func() {
		r.mu.Lock()
		_, pending := r.retiring[timer]
		delete(r.retiring, timer)
		r.mu.Unlock()
		if pending {
			r.closeBackend(prev.Backend)
		}
	})
	r.retiring[timer] = prev.Backend
	r.logger.Debug("retiring backend",
		logging.Backend(string(prev.Kind)), logging.ConfigID(prev.ConfigID), zap.Duration("after", r.retireAfter))
}

func (r *Registry) closeBackend(b types.Backend) {
	if err := b.Close(); err != nil {
		r.logger.Warn("failed to close retired backend", logging.Backend(string(b.Kind())), logging.Err(err))
	}
}

// Current returns the active backend.
func (r *Registry) Current() (types.Backend, error) {
	s := r.state.Load()
	if s == nil {
		return nil, errors.NewError(errors.ErrCodeStorageUnavailable, "no storage backend is active")
	}
	return s.Backend, nil
}

// State returns a copy of the active state.
func (r *Registry) State() (State, error) {
	s := r.state.Load()
	if s == nil {
		return State{}, errors.NewError(errors.ErrCodeStorageUnavailable, "no storage backend is active")
	}
	return *s, nil
}

// Close closes the active remote backend and every backend still waiting
// to retire. The local backend is left to its owner.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var backends []types.Backend
	for timer, b := range r.retiring {
		timer.Stop()
		backends = append(backends, b)
		delete(r.retiring, timer)
	}
	if s := r.state.Load(); s != nil && s.Backend != r.local {
		backends = append(backends, s.Backend)
	}
	r.mu.Unlock()

	// Backends drain their in-flight calls on Close; switches must not
	// queue behind that.
	for _, b := range backends {
		r.closeBackend(b)
	}
	return nil
}
