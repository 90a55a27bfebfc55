// Package daemon wires the long-running extraction process.
package daemon

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dailybot/wcbridge/internal/bus"
	"github.com/dailybot/wcbridge/internal/checkpoint"
	"github.com/dailybot/wcbridge/internal/config"
	"github.com/dailybot/wcbridge/internal/decrypt"
	"github.com/dailybot/wcbridge/internal/export"
	"github.com/dailybot/wcbridge/internal/lock"
	"github.com/dailybot/wcbridge/internal/logging"
	"github.com/dailybot/wcbridge/internal/service"
	"github.com/dailybot/wcbridge/internal/source"
	"github.com/dailybot/wcbridge/internal/wcpath"
)

// initializeTimeout bounds the first decryption pass. Cold caches on
// large accounts re-export every shard, which takes minutes.
const initializeTimeout = 5 * time.Minute

// Params holds the resolved invocation options passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideEngine,
			provideCheckpoints,
			provideService,
			provideWriter,
			providePoller,
			provideMonitor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("state_dir", cfg.StateDir))
	l, err := lock.Acquire(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return l, nil
}

func provideEngine(cfg *config.Config, logger *zap.Logger) *decrypt.Engine {
	// Validate already rejected unknown profile names.
	params, _ := decrypt.Profile(cfg.CipherProfile)
	logger.Info("decryption engine ready",
		zap.String("profile", params.Name), zap.String("cache_dir", cfg.CacheDir))
	return decrypt.NewEngine(cfg.CacheDir, params, logger)
}

func provideCheckpoints(cfg *config.Config, logger *zap.Logger) (*checkpoint.Store, error) {
	marks, err := checkpoint.Load(wcpath.CheckpointPath(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	logger.Info("checkpoints loaded", zap.Int("conversations", len(marks.All())))
	return marks, nil
}

func provideService(cfg *config.Config, engine *decrypt.Engine, marks *checkpoint.Store, logger *zap.Logger) (*service.Service, error) {
	key, err := decrypt.ParseKey(cfg.Key)
	if err != nil {
		return nil, err
	}
	return service.New(engine, marks, logger, service.Options{
		ContainerRoot: cfg.ContainerRoot,
		Key:           key,
		PerTableLimit: cfg.PerTableLimit,
	}), nil
}

func provideWriter(cfg *config.Config, logger *zap.Logger) (*export.Writer, error) {
	w, err := export.NewWriter(cfg.OutputPath)
	if err != nil {
		return nil, err
	}
	logger.Info("output file opened", zap.String("path", w.Path()))
	return w, nil
}

func providePoller(svc *service.Service, w *export.Writer, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *source.Poller {
	return source.NewPoller(svc, w, b, logger, cfg.PollInterval())
}

func provideMonitor(b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Monitor {
	return NewMonitor(b, logger, filepath.Join(cfg.StateDir, "status.toml"))
}

// initializer and runner are the slices of the service and poller the
// startup routine touches, split out so it can be exercised with fakes.
type initializer interface {
	Initialize(ctx context.Context) error
}

type runner interface {
	Start(ctx context.Context)
}

// startup runs initialization off the fx start path and starts the
// poller once it succeeds. ctx canceling aborts the routine without
// treating it as a failure; the returned channel closes when the routine
// is finished, so shutdown can wait for it before tearing anything down.
func startup(ctx context.Context, svc initializer, poller runner, logger *zap.Logger, onFatal func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ictx, cancel := context.WithTimeout(ctx, initializeTimeout)
		defer cancel()
		if err := svc.Initialize(ictx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("initialization failed", zap.Error(err))
			onFatal()
			return
		}
		if ctx.Err() != nil {
			return
		}
		poller.Start(ctx)
		logger.Info("poller started")
	}()
	return done
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, svc *service.Service, poller *source.Poller, monitor *Monitor, w *export.Writer, lk *lock.Lock, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	var initDone <-chan struct{}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			monitor.Start()
			initDone = startup(ctx, svc, poller, logger, func() {
				_ = shutdowner.Shutdown(fx.ExitCode(1))
			})
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			if initDone != nil {
				<-initDone
			}
			poller.Stop()
			monitor.Stop()
			if err := w.Close(); err != nil {
				logger.Warn("error closing output file", zap.Error(err))
			}
			if err := svc.Close(); err != nil {
				logger.Warn("error closing databases", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
