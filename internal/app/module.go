// Package app composes the sync core into a runnable daemon.
package app

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/cache"
	"github.com/rferraz/syncline/internal/config"
	"github.com/rferraz/syncline/internal/engine"
	"github.com/rferraz/syncline/internal/gate"
	"github.com/rferraz/syncline/internal/lock"
	"github.com/rferraz/syncline/internal/logging"
	"github.com/rferraz/syncline/internal/merge"
	"github.com/rferraz/syncline/internal/metrics"
	"github.com/rferraz/syncline/internal/netstatus"
	"github.com/rferraz/syncline/internal/push"
	"github.com/rferraz/syncline/internal/queue"
	"github.com/rferraz/syncline/internal/receipts"
	"github.com/rferraz/syncline/internal/session"
	"github.com/rferraz/syncline/internal/store"
	"github.com/rferraz/syncline/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Sink        unread.Sink // optional badge consumer; defaults to a log sink
}

// Module returns the fx module for the sync daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("syncline",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideCache,
			provideNetMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideChannel,
			provideQueue,
			provideEngine,
			provideMerger,
			provideReceipts,
			provideUnread,
			provideGate,
			NewBootstrap,
			NewFacade,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Warn("config not found, using defaults", zap.Error(err))
		cfg = &config.Config{}
		cfg.Defaults()
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideCache() *cache.Store {
	return cache.New()
}

func provideNetMachine(b *bus.Bus) *netstatus.Machine {
	return netstatus.NewMachine(b)
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

func provideBackend(cfg *config.Config, logger *zap.Logger) backend.Client {
	return backend.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.Token, logger)
}

func provideChannel(cfg *config.Config, b *bus.Bus, m *netstatus.Machine, logger *zap.Logger) *push.Channel {
	return push.NewChannel(cfg.Backend.WSURL, cfg.Backend.Token, b, m, logger)
}

func provideQueue(db *store.DB, client backend.Client, b *bus.Bus, m *netstatus.Machine, cfg *config.Config, logger *zap.Logger) *queue.Manager {
	return queue.NewManager(db, NewDispatcher(client), b, m, logger, queue.Options{
		BackoffBase: cfg.BackoffBase(),
		QueryCap:    cfg.QueryCap(),
		MutationCap: cfg.MutationCap(),
		MaxAttempts: cfg.Sync.MaxAttempts,
	})
}

func provideEngine(s *cache.Store, q *queue.Manager, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(s, q, b, logger)
}

func provideMerger(s *cache.Store, client backend.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *merge.Merger {
	return merge.New(s, client, db, b, logger)
}

func provideReceipts(s *cache.Store, client backend.Client, b *bus.Bus, q *queue.Manager, cfg *config.Config, logger *zap.Logger) *receipts.Reconciler {
	return receipts.New(s, client, b, q, cfg.Debounce(), cfg.DedupWindow(), logger)
}

func provideUnread(p Params, s *cache.Store, logger *zap.Logger) *unread.Aggregator {
	sink := p.Sink
	if sink == nil {
		sink = unread.SinkFunc(func(text string) {
			logger.Info("unread badge", zap.String("badge", text))
		})
	}
	return unread.New(s, sink, logger)
}

func provideGate(s *cache.Store, b *bus.Bus) *gate.Gate {
	return gate.New(s, b, cache.KeyConversations, cache.KeyProfile)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	cfg *config.Config,
	ch *push.Channel,
	q *queue.Manager,
	e *engine.Engine,
	m *merge.Merger,
	r *receipts.Reconciler,
	u *unread.Aggregator,
	g *gate.Gate,
	boot *Bootstrap,
	db *store.DB,
	logger *zap.Logger,
) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			runCtx := context.Background()

			g.Start()
			u.Start()
			e.Start(runCtx)
			m.Start(runCtx)
			r.Start(runCtx)

			if err := q.Load(); err != nil {
				logger.Error("failed to restore outbox", zap.Error(err))
			}
			q.Start(runCtx)

			ch.Start(runCtx)
			boot.Run(runCtx)

			if metricsSrv != nil {
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			ch.Stop()
			q.Stop()
			r.Stop()
			m.Stop()
			e.Stop()
			u.Stop()
			g.Stop()
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
