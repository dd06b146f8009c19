// Package app composes the sync daemon from its components.
package app

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/health"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/remote/pgstore"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	CachePath  string // optional override for testing; empty = use default

	// Logger replaces the file logger when set.
	Logger *zap.Logger
	// Remote replaces the store selected by remote_dsn when set.
	Remote remote.Store
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideRemote,
			provideCache,
			provideQueue,
			provideTracker,
			provideGate,
			provideEngine,
			provideHealth,
			provideSyncService,
		),
		fx.Invoke(registerSyncService, registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath(p.Profile), profile.EnvPath(p.Profile))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Profile, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(status.Offline, b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideRemote(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (remote.Store, error) {
	if p.Remote != nil {
		return p.Remote, nil
	}
	if cfg.RemoteDSN == "" {
		logger.Warn("no remote_dsn configured, using in-memory remote store")
		return memstore.New(), nil
	}
	pool, err := pgstore.Connect(context.Background(), cfg.RemoteDSN)
	if err != nil {
		return nil, err
	}
	s := pgstore.New(pool, logger)
	if err := s.EnsureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	lc.Append(fx.StopHook(pool.Close))
	logger.Info("remote store connected")
	return s, nil
}

// provideCache opens the local cache. A cache that cannot be opened leaves
// the daemon running remote-only, so a nil *store.DB is a valid result.
func provideCache(lc fx.Lifecycle, p Params, logger *zap.Logger) *store.DB {
	path := p.CachePath
	if path == "" {
		path = profile.CacheDBPath(p.Profile)
	}
	db, err := store.OpenCache(path, logger)
	if err != nil {
		logger.Warn("local cache unavailable, running remote-only",
			zap.String("path", path),
			zap.Error(fmt.Errorf("%w: %w", intsync.ErrLocalCacheUnavailable, err)))
		return nil
	}
	lc.Append(fx.StopHook(db.Close))
	logger.Info("local cache opened", zap.String("path", path))
	return db
}

func provideQueue(db *store.DB, logger *zap.Logger) *outbox.Queue {
	if db == nil {
		return outbox.NewQueue(nil, logger)
	}
	return outbox.NewQueue(db, logger)
}

// names returns the cache as a resolver, or nil without a cache.
func names(db *store.DB) chat.NameResolver {
	if db == nil {
		return nil
	}
	return db
}

func provideTracker(cfg *config.Config, rs remote.Store, db *store.DB, b *bus.Bus, logger *zap.Logger) *typing.Tracker {
	return typing.New(typing.Options{
		UserID:          cfg.UserID,
		Remote:          rs,
		Names:           names(db),
		Bus:             b,
		Logger:          logger.Named("typing"),
		RefreshInterval: cfg.Typing.RefreshInterval,
		Window:          cfg.Typing.Window,
		PruneInterval:   cfg.Typing.PruneInterval,
	})
}

func provideGate(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *notify.Gate {
	return notify.NewGate(cfg.UserID, notify.NewLogDisplay(logger.Named("notify"), b), names(db), logger.Named("notify"))
}

func provideEngine(cfg *config.Config, rs remote.Store, db *store.DB, q *outbox.Queue, m *status.Machine, gate *notify.Gate, tracker *typing.Tracker, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	opts := intsync.Options{
		UserID:   cfg.UserID,
		Remote:   rs,
		Queue:    q,
		Machine:  m,
		Notifier: gate,
		Presence: tracker,
		Bus:      b,
		Logger:   logger.Named("sync"),
		Backoff: outbox.Backoff{
			Base:   cfg.Outbox.BaseDelay,
			Max:    cfg.Outbox.MaxDelay,
			Jitter: outbox.DefaultBackoff.Jitter,
		},
	}
	if db != nil {
		opts.Cache = db
	}
	return intsync.New(opts)
}

func provideHealth(p Params, m *status.Machine, b *bus.Bus, logger *zap.Logger) (*health.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}
	return health.NewServer(socketPath, m, b, logger.Named("health"))
}

func provideSyncService(cfg *config.Config, engine *intsync.Engine, gate *notify.Gate, tracker *typing.Tracker, m *status.Machine, b *bus.Bus, logger *zap.Logger) *rpc.SyncService {
	self := rpc.Identity{Name: cfg.DisplayName, PhotoRef: cfg.PhotoRef}
	return rpc.NewSyncService(cfg.UserID, self, engine, gate, tracker, m, b, logger.Named("rpc"))
}

// registerSyncService shares the health socket with the command service.
func registerSyncService(srv *health.Server, svc *rpc.SyncService) {
	rpc.Register(srv, svc)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, cfg *config.Config, srv *health.Server, engine *intsync.Engine, tracker *typing.Tracker, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("health server error", zap.Error(err))
				}
			}()

			if err := machine.Transition(status.Connecting); err != nil {
				return err
			}
			engine.Start(ctx, cfg.Outbox.PollInterval)
			engine.WatchConnectivity(cfg.Connectivity.PingInterval, cfg.Connectivity.PingTimeout)
			if err := engine.MonitorConversations(ctx); err != nil {
				// The status machine is already Degraded; the daemon stays up
				// so queued sends and health queries keep working.
				logger.Error("conversation monitor failed to start", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Close()
			tracker.Close()
			if err := machine.Transition(status.Offline); err != nil {
				logger.Warn("error marking sync offline", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
