// Package daemon composes the session daemon: one inbox socket, the REST
// snapshot sync, the outbox drain and the notification pipeline, all scoped
// to a single named session holding its own lock, store and credentials.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/auth"
	"github.com/mutabaka/msync/internal/bus"
	"github.com/mutabaka/msync/internal/config"
	"github.com/mutabaka/msync/internal/inbox"
	"github.com/mutabaka/msync/internal/lock"
	"github.com/mutabaka/msync/internal/logging"
	"github.com/mutabaka/msync/internal/notify"
	"github.com/mutabaka/msync/internal/outbox"
	"github.com/mutabaka/msync/internal/rest"
	"github.com/mutabaka/msync/internal/session"
	"github.com/mutabaka/msync/internal/store"
	"github.com/mutabaka/msync/internal/ws"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideTokens,
			provideRESTClient,
			provideRegistry,
			provideSurface,
			providePresenter,
			provideInboxManager,
			provideInboxSupervisor,
			provideOutboxSender,
			NewSessions,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Warn("config not loaded, using defaults", zap.Error(err))
	}
	return cfg
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokens(p Params, b *bus.Bus, logger *zap.Logger) (*auth.TokenSource, error) {
	return auth.NewTokenSource(session.TokensPath(p.SessionName), b, logger)
}

func provideRESTClient(cfg *config.Config, tokens *auth.TokenSource, logger *zap.Logger) *rest.Client {
	return rest.New(cfg.APIBaseURL, cfg.TenantHost, tokens, logger)
}

func provideRegistry() *notify.Registry {
	return notify.NewRegistry()
}

func provideSurface(logger *zap.Logger) *notify.LogSurface {
	return notify.NewLogSurface(logger)
}

func providePresenter(registry *notify.Registry, surface *notify.LogSurface, db *store.DB, logger *zap.Logger) *notify.Presenter {
	return notify.NewPresenter(registry, surface, surface, db, logger)
}

func provideInboxManager(db *store.DB, api *rest.Client, b *bus.Bus, presenter *notify.Presenter, logger *zap.Logger) *inbox.Manager {
	return inbox.NewManager(db, api, b, presenter, logger)
}

func provideInboxSupervisor(cfg *config.Config, tokens *auth.TokenSource, api *rest.Client, manager *inbox.Manager, b *bus.Bus, logger *zap.Logger) *ws.Supervisor {
	return ws.NewSupervisor(ws.Options{
		Name:     "inbox",
		Endpoint: cfg.Inbox,
		Dial:     ws.NewDialFunc(cfg.WSBaseURL, "inbox", cfg.TenantHost, tokens),
		Handler:  manager.HandleFrame,
		Refresh: func(ctx context.Context) error {
			return tokens.RefreshOnce(ctx, api)
		},
		Bus:    b,
		Logger: logger,
	})
}

func provideOutboxSender(db *store.DB, api *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, api, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, sup *ws.Supervisor, manager *inbox.Manager, sender *outbox.Sender, sessions *Sessions, registry *notify.Registry, surface *notify.LogSurface, tokens *auth.TokenSource, db *store.DB, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	var cancelSessionWatch func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			cancelSessionWatch = watchSession(ctx, sup, sessions, registry, surface, db, b, logger)

			sender.Start(ctx)
			sup.EnsureConnection(ctx)

			go func() {
				if err := manager.SyncSnapshot(ctx); err != nil {
					logger.Warn("initial snapshot failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancelSessionWatch != nil {
				cancelSessionWatch()
			}
			sessions.CloseAll()
			sender.Stop()
			sup.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchSession reacts to credential changes: a fresh token pair wakes the
// inbox socket, a logout tears down everything the session presented.
func watchSession(ctx context.Context, sup *ws.Supervisor, sessions *Sessions, registry *notify.Registry, surface *notify.LogSurface, db *store.DB, b *bus.Bus, logger *zap.Logger) func() {
	events, unsubscribe := b.Subscribe("session.", 16)
	quit := make(chan struct{})

	go func() {
		for {
			var evt bus.Event
			select {
			case evt = <-events:
			case <-quit:
				return
			}
			switch evt.Kind {
			case bus.KindTokensChanged:
				sup.EnsureConnection(ctx)
			case bus.KindLoggedOut:
				logger.Info("logged out, clearing session surfaces")
				sessions.CloseAll()
				registry.DismissAll(ctx, surface, logger, "logout")
				registry.Reset()
				if err := db.ClearAllNotificationHistory(); err != nil {
					logger.Warn("failed to clear notification history", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		unsubscribe()
		close(quit)
	}
}
