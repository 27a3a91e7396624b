package adapter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/objectfs/storagehub/internal/config"
	"github.com/objectfs/storagehub/internal/configstore"
	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/metrics"
	"github.com/objectfs/storagehub/internal/registry"
	"github.com/objectfs/storagehub/internal/storage/local"
	"github.com/objectfs/storagehub/internal/storage/s3"
	"github.com/objectfs/storagehub/internal/validator"
	"github.com/objectfs/storagehub/pkg/api"
	"github.com/objectfs/storagehub/pkg/types"
)

// Adapter wires a storagehub instance together: configuration store,
// metrics, the local backend, the validator, the remote drivers and the
// registry that owns the active backend.
type Adapter struct {
	config *config.Configuration
	logger *zap.Logger

	store     *configstore.GormStore
	redis     *configstore.RedisPointer
	metrics   *metrics.Collector
	local     *local.Backend
	validator *validator.Validator
	registry  *registry.Registry
	server    *api.Server
}

// New builds every component from cfg. Nothing talks to a remote backend
// until Start.
func New(ctx context.Context, cfg *config.Configuration) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Adapter{config: cfg, logger: logging.Named("adapter")}
	ok := false
	defer func() {
		if !ok {
			_ = a.Stop(ctx)
		}
	}()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Global.MetricsEnabled,
		Addr:      cfg.Global.MetricsAddr,
		Path:      "/metrics",
		Namespace: "storagehub",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.metrics = collector

	store, err := configstore.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	a.store = store
	if addr := cfg.Store.Redis.Addr; addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
		}
		a.redis = configstore.NewRedisPointer(client, cfg.Store.Redis.Key)
		store.UsePointer(a.redis)
	}

	threshold, err := cfg.LocalThreshold()
	if err != nil {
		return nil, err
	}
	localBackend, err := local.New(local.Options{
		Root: cfg.Local.Root,
		Buckets: types.BucketSet{
			Public:   cfg.Local.PublicBucket,
			Private:  cfg.Local.PrivateBucket,
			UserInfo: cfg.Local.UserInfoBucket,
		},
		ReservedPrefix: cfg.Local.ReservedPrefix,
		LinkBaseURL:    cfg.Local.LinkBaseURL,
		Threshold:      threshold,
		Metrics:        collector,
	})
	if err != nil {
		return nil, err
	}
	a.local = localBackend

	a.validator = validator.New(validator.Options{
		Timeout:        cfg.Registry.ValidateTimeout,
		ConnectTimeout: cfg.Network.Timeouts.Connect,
	})

	reg, err := registry.New(registry.Options{
		Configs:     store,
		Pointer:     store.ActivePointer(),
		Validator:   a.validator,
		Local:       localBackend,
		Drivers:     a.drivers(),
		RetireAfter: cfg.Registry.RetireAfter,
		Metrics:     collector,
	})
	if err != nil {
		return nil, err
	}
	a.registry = reg

	ok = true
	return a, nil
}

// drivers builds the closed kind to adapter table.
func (a *Adapter) drivers() map[types.BackendKind]registry.Driver {
	drivers := make(map[types.BackendKind]registry.Driver)
	for _, kind := range types.AllKinds {
		if !kind.IsRemote() {
			continue
		}
		drivers[kind] = a.remoteBackend
	}
	return drivers
}

func (a *Adapter) remoteBackend(cfg types.BackendConfig) (types.Backend, error) {
	profile, err := s3.ProfileFor(cfg.Kind)
	if err != nil {
		return nil, err
	}
	uploadOpts, err := a.config.UploadOptions(string(cfg.Kind), profile.UploadThreshold(cfg))
	if err != nil {
		return nil, err
	}
	opts := s3.Options{
		Config:         cfg,
		ReservedPrefix: a.config.Local.ReservedPrefix,
		Pool:           a.config.ClientPoolConfig(),
		MaxClientAge:   a.config.Pool.MaxClientAge,
		ConnectTimeout: a.config.Network.Timeouts.Connect,
		RequestTimeout: a.config.Network.Timeouts.Request,
		Upload:         uploadOpts,
		Retry:          a.config.RetryPolicy(),
		LinkTTL:        a.config.Links.TTL,
		Metrics:        a.metrics,
	}
	if breaker, enabled := a.config.BreakerConfig(); enabled {
		opts.Breaker = &breaker
	}
	return s3.New(opts)
}

// Start restores the active backend.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.registry.Start(ctx); err != nil {
		return err
	}
	state, err := a.registry.State()
	if err != nil {
		return err
	}
	a.logger.Info("storagehub started",
		logging.Backend(string(state.Kind)),
		logging.ConfigID(state.ConfigID),
		zap.String("local_root", a.config.Local.Root))
	return nil
}

// Serve runs the HTTP endpoints until ctx is cancelled.
func (a *Adapter) Serve(ctx context.Context) error {
	serverCfg := api.DefaultServerConfig()
	serverCfg.Address = a.config.Global.ListenAddr
	if u, err := url.Parse(a.config.Local.LinkBaseURL); err == nil && u.Path != "" && u.Path != "/" {
		serverCfg.FilesPrefix = u.Path
	}
	a.server = api.NewServer(serverCfg, a.registry, api.Handlers{
		Metrics: a.metrics.Handler(),
		Files:   a.local.FileHandler(),
	}, logging.Named("api"))

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	a.server.StartBackground()
	<-ctx.Done()
	return nil
}

// Stop releases every component. It is safe to call on a partially built adapter.
func (a *Adapter) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.server != nil {
		keep(a.server.Shutdown(ctx))
	}
	keep(a.metrics.Stop(ctx))
	if a.registry != nil {
		keep(a.registry.Close())
	}
	if a.local != nil {
		keep(a.local.Close())
	}
	if a.redis != nil {
		keep(a.redis.Close())
	}
	if a.store != nil {
		keep(a.store.Close())
	}
	return firstErr
}

// Registry returns the backend registry.
func (a *Adapter) Registry() *registry.Registry { return a.registry }

// Store returns the configuration store.
func (a *Adapter) Store() *configstore.GormStore { return a.store }

// Validator returns the configuration validator.
func (a *Adapter) Validator() *validator.Validator { return a.validator }

// Current returns the active backend.
func (a *Adapter) Current() (types.Backend, error) { return a.registry.Current() }
