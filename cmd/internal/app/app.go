// Package app wires the wander server runtime: config, logging, storage, metrics, HTTP
// routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"wander/cmd/internal/chat"
	"wander/cmd/internal/chatapi"
	"wander/cmd/internal/realtime"
)

// App is the wander server runtime. It owns the store, the optional DB pool and Redis
// client, and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store  chat.Store
	dbPool *pgxpool.Pool
	rdb    *redis.Client

	hub   *realtime.Hub
	ws    *realtime.WSGateway
	relay realtime.Relay
	api   *chatapi.Handler

	handler http.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokens, err := newTokenManager(cfg, log)
	if err != nil {
		return nil, err
	}

	var (
		reg         *prometheus.Registry
		registerer  prometheus.Registerer
		gatherer    prometheus.Gatherer
		httpMetrics *HTTPMetrics
	)
	if cfg.MetricsEnabled {
		reg = newRegistry()
		registerer, gatherer = reg, reg
		httpMetrics = NewHTTPMetrics(reg)
	}

	st, pool, err := newChatStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, store: st, dbPool: pool}

	a.hub = realtime.NewHub(log, realtime.WithMetrics(realtime.NewMetrics(registerer)))

	a.relay, a.rdb, err = newRelay(ctx, cfg, log, a.hub)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, a.hub, st, tokens, realtime.WithRelay(a.relay))
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.api, err = chatapi.NewHandler(log, st, tokens,
		chatapi.WithWriteLimiter(chatapi.NewWriteLimiter(cfg.APIWriteEvents, cfg.APIWriteWindow)))
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.handler = newRouter(routes{
		log:      log,
		cfg:      cfg,
		dbPool:   pool,
		api:      a.api,
		ws:       a.ws,
		gatherer: gatherer,
		metrics:  httpMetrics,
	})
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and the relay consumer and blocks until ctx is canceled
// or either of them fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.rdb != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := a.relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("relay.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.closeResources()
	a.log.Info("server.stopped")
	return err
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
