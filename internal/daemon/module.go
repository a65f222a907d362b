// Package daemon composes the engine with fx: every component is a
// provider, startup order and shutdown order live in one lifecycle hook.
package daemon

import (
	"context"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nimbusworks/chatsync/internal/bus"
	"github.com/nimbusworks/chatsync/internal/chat"
	"github.com/nimbusworks/chatsync/internal/config"
	"github.com/nimbusworks/chatsync/internal/connectivity"
	"github.com/nimbusworks/chatsync/internal/gateway"
	"github.com/nimbusworks/chatsync/internal/lock"
	"github.com/nimbusworks/chatsync/internal/logging"
	"github.com/nimbusworks/chatsync/internal/notify"
	"github.com/nimbusworks/chatsync/internal/observability"
	"github.com/nimbusworks/chatsync/internal/outbox"
	"github.com/nimbusworks/chatsync/internal/profile"
	"github.com/nimbusworks/chatsync/internal/rest"
	"github.com/nimbusworks/chatsync/internal/status"
	"github.com/nimbusworks/chatsync/internal/store"
	intsync "github.com/nimbusworks/chatsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	// UserID identifies the account on the gateway. Empty means the
	// engine starts parked until Restart is called with credentials.
	UserID string
}

// Module returns the fx module for the engine, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRESTClient,
			provideMonitor,
			provideGateway,
			provideReconciler,
			provideSender,
			provideNotifier,
			provideBridge,
			provideChatService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config unreadable, using defaults", zap.Error(err))
		}
		cfg = &config.Config{
			APIBaseURL: "http://localhost:8080/api",
			WSBaseURL:  "ws://localhost:8080/ws",
		}
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
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

func provideRESTClient(p Params, cfg *config.Config) *rest.Client {
	return rest.New(cfg.APIBaseURL, cfg.Token(), p.UserID)
}

func provideMonitor(b *bus.Bus) *connectivity.Monitor {
	return connectivity.NewMonitor(b)
}

func provideGateway(p Params, cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *gateway.Manager {
	return gateway.NewManager(cfg.WSBaseURL, cfg.Token(), p.UserID, b, m, logger)
}

func provideReconciler(p Params, cfg *config.Config, db *store.DB, b *bus.Bus, client *rest.Client, logger *zap.Logger) *intsync.Reconciler {
	return intsync.New(db, b, client, p.UserID, cfg.AssistantBotID, logger)
}

func provideSender(db *store.DB, b *bus.Bus, client *rest.Client, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, b, client, logger)
}

func provideNotifier(b *bus.Bus) *notify.Notifier {
	return notify.New(b)
}

func provideBridge(b *bus.Bus, n *notify.Notifier, logger *zap.Logger) *notify.Bridge {
	return notify.NewBridge(b, n, logger)
}

func provideChatService(p Params, db *store.DB, b *bus.Bus, gw *gateway.Manager, client *rest.Client, mon *connectivity.Monitor, sender *outbox.Sender, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, b, gw, client, mon, sender, p.UserID, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, lk *lock.Lock, gw *gateway.Manager, reconciler *intsync.Reconciler, sender *outbox.Sender, bridge *notify.Bridge, mon *connectivity.Monitor, svc *chat.Service, logger *zap.Logger) {
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers first so no gateway event is dropped on startup.
			bridge.Start()
			reconciler.Start()
			sender.Start()

			metricsSrv = observability.Serve(cfg.MetricsAddr, logger)

			if p.UserID == "" {
				logger.Info("no user id, engine parked until credentials arrive")
				return nil
			}

			// Startup belief: the gateway dial settles the truth moments
			// later.
			mon.SetOnline(true)

			go func() {
				if err := gw.Start(); err != nil {
					logger.Warn("gateway start failed", zap.Error(err))
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := svc.RefreshConversations(ctx); err != nil {
					logger.Warn("initial conversation refresh failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if err := gw.Close(); err != nil {
				logger.Debug("gateway close", zap.Error(err))
			}
			sender.Stop()
			reconciler.Stop()
			bridge.Stop()
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
