package daemon

import (
	"context"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/hubclient/internal/api"
	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/config"
	"github.com/matheus3301/hubclient/internal/dedup"
	"github.com/matheus3301/hubclient/internal/lock"
	"github.com/matheus3301/hubclient/internal/logging"
	"github.com/matheus3301/hubclient/internal/metrics"
	"github.com/matheus3301/hubclient/internal/notify"
	"github.com/matheus3301/hubclient/internal/outbound"
	"github.com/matheus3301/hubclient/internal/outbox"
	"github.com/matheus3301/hubclient/internal/profile"
	"github.com/matheus3301/hubclient/internal/rest"
	"github.com/matheus3301/hubclient/internal/router"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/store"
	"github.com/matheus3301/hubclient/internal/supervisor"
	intsync "github.com/matheus3301/hubclient/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default

	// Dial and HTTPClient override the hub transport, for tests.
	Dial       supervisor.Dialer
	HTTPClient *http.Client
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideMetrics,
			provideLock,
			provideStore,
			provideDedup,
			provideSupervisor,
			provideInvoker,
			provideNotifier,
			provideConnector,
			provideREST,
			provideSyncEngine,
			provideSender,
			provideSessionService,
			provideChatService,
			provideMessageService,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Profile, error) {
	cfg, err := config.LoadProfile(profile.ConfigPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile config loaded",
		zap.String("server_url", cfg.ServerURL),
		zap.String("hub_path", cfg.HubPath),
		zap.Bool("auto_flush", cfg.AutoFlush))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.AppDBPath(p.Profile)
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
	db.SetBus(b)
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDedup(cfg *config.Profile, m *metrics.Metrics, logger *zap.Logger) *dedup.Cache {
	return dedup.New(dedup.Options{
		Capacity:   cfg.DedupCapacity,
		Retain:     cfg.DedupRetain,
		OnSuppress: m.DedupSuppressed,
		Logger:     logger.Named("dedup"),
	})
}

func provideSupervisor(p Params, cfg *config.Profile, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) (*supervisor.Supervisor, error) {
	return supervisor.New(supervisor.Options{
		URL:              cfg.ServerURL,
		HubPath:          cfg.HubPath,
		NegotiateTimeout: cfg.NegotiateTimeout.Duration,
		HealthInterval:   cfg.HealthInterval.Duration,
		MaxAttempts:      cfg.MaxConnectAttempts,
		Dial:             p.Dial,
		HTTPClient:       p.HTTPClient,
		Machine:          machine,
		Bus:              b,
		Metrics:          m,
		Logger:           logger.Named("supervisor"),
	})
}

func provideInvoker(cfg *config.Profile, sup *supervisor.Supervisor, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbound.Invoker {
	return outbound.New(outbound.Options{
		Caller:     sup,
		Store:      db,
		Identity:   sup.Identity,
		TypingRate: cfg.TypingRate,
		Bus:        b,
		Metrics:    m,
		Logger:     logger.Named("outbound"),
	})
}

func provideNotifier(db *store.DB, b *bus.Bus, logger *zap.Logger) *notify.Sink {
	return notify.New(b, db.SelectedChatID, logger.Named("notify"))
}

func provideConnector(sup *supervisor.Supervisor, db *store.DB, notifier *notify.Sink, invoker *outbound.Invoker, cache *dedup.Cache, m *metrics.Metrics, logger *zap.Logger) *Connector {
	build := func(identity int64) *router.Table {
		return router.New(router.Options{
			Identity: identity,
			Store:    db,
			Notifier: notifier,
			Seen:     invoker,
			Dedup:    cache,
			Metrics:  m,
			Logger:   logger.Named("router"),
		})
	}
	return NewConnector(sup, build, logger)
}

func provideREST(p Params, cfg *config.Profile, conn *Connector, logger *zap.Logger) *rest.Client {
	return rest.New(rest.Options{
		BaseURL:    cfg.ServerURL,
		Token:      conn.Token,
		HTTPClient: p.HTTPClient,
		Logger:     logger.Named("rest"),
	})
}

func provideSyncEngine(db *store.DB, client *rest.Client, b *bus.Bus, sup *supervisor.Supervisor, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, b, sup.Identity, logger.Named("sync"))
}

func provideSender(db *store.DB, invoker *outbound.Invoker, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, invoker, b, logger.Named("outbox"))
}

func provideSessionService(p Params, sup *supervisor.Supervisor, m *status.Machine, b *bus.Bus, db *store.DB, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.Profile, sup, m, b, db, logger.Named("api"))
}

func provideChatService(db *store.DB, engine *intsync.Engine) *api.ChatService {
	return api.NewChatService(db, engine)
}

func provideMessageService(db *store.DB, invoker *outbound.Invoker, client *rest.Client) *api.MessageService {
	return api.NewMessageService(db, invoker, client)
}

func provideMetricsServer(cfg *config.Profile, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	return NewMetricsServer(cfg.MetricsAddr, m, logger)
}

type lifecycleParams struct {
	fx.In

	Params    Params
	Config    *config.Profile
	Server    *Server
	Metrics   *MetricsServer
	Lock      *lock.Lock
	DB        *store.DB
	Dedup     *dedup.Cache
	Sup       *supervisor.Supervisor
	Connector *Connector
	Engine    *intsync.Engine
	Sender    *outbox.Sender
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := lp.Logger

	connect := func(creds config.Credentials) {
		if !creds.Valid() {
			logger.Warn("no credentials, waiting for credentials file",
				zap.String("path", profile.CredentialsPath(lp.Params.Profile)))
			lp.Sup.Teardown()
			return
		}
		go func() {
			if err := lp.Connector.Connect(ctx, creds); err != nil {
				logger.Warn("connect failed", zap.Error(err))
			}
		}()
	}
	var watcher *CredentialWatcher

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			credsPath := profile.CredentialsPath(lp.Params.Profile)
			creds, err := config.LoadCredentials(credsPath)
			if err != nil {
				return err
			}

			// Start sync engine (subscribes to lifecycle and selection events).
			lp.Engine.Start(ctx)
			if lp.Config.AutoFlush {
				lp.Sender.Start(ctx)
			}
			lp.Dedup.Start(ctx, lp.Config.DedupTrimInterval.Duration)

			// Start gRPC server in background.
			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			lp.Metrics.Start()

			watcher = NewCredentialWatcher(credsPath, creds, connect, logger.Named("credentials"))
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("credential watcher unavailable", zap.Error(err))
			}

			connect(creds)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if watcher != nil {
				watcher.Stop()
			}
			cancel()
			lp.Sender.Stop()
			lp.Engine.Stop()
			lp.Sup.Close()
			lp.Server.Stop(stopCtx)
			lp.Metrics.Stop(stopCtx)
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
