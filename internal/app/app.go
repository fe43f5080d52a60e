// Package app wires the Festiva chat runtime: config, logging, HTTP routes, and the realtime gateway.
//
// It is intentionally small and deterministic to keep behavior predictable across environments.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"festiva/internal/chat"
	"festiva/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// closer is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type closer interface {
	Close(ctx context.Context) error
}

// nopCloser is used for in-memory store mode.
type nopCloser struct{}

func (nopCloser) Close(_ context.Context) error { return nil }

// App is the Festiva server runtime: it owns HTTP server wiring and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	res closer

	dbPool    *pgxpool.Pool
	dbEnabled bool

	store chat.Store
	ws    *realtime.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	res, dbPool, dbEnabled, store, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	ws := realtime.NewGateway(log, realtime.NewHub(log))

	return &App{
		cfg:       cfg,
		log:       log,
		res:       res,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		store:     store,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.store, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.res.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (closer, *pgxpool.Pool, bool, chat.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopCloser{}, nil, false, chat.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store")

	store, err := chat.NewPostgresStore(pool) // default schema "festiva"
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return poolCloser{pool: pool}, pool, true, store, nil
}

// poolCloser owns the pool lifecycle; the store itself holds no
// resources beyond the shared pool.
type poolCloser struct {
	pool *pgxpool.Pool
}

func (c poolCloser) Close(_ context.Context) error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}
