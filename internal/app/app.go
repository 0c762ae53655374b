package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lockbox/internal/retention"
	"lockbox/pkg/api"
	"lockbox/pkg/blob"
	"lockbox/pkg/config"
	"lockbox/pkg/fanout"
	"lockbox/pkg/logger"
	"lockbox/pkg/pathreg"
	"lockbox/pkg/registry"
	"lockbox/pkg/store"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg *config.Config
	st  *store.Store
	reg *registry.Registry
	eng *fanout.Engine
	srv *http.Server

	stopRetention context.CancelFunc
}

// New initializes resources that do not require a running context:
// store, registries, version chain, fanout engine, HTTP routes. Call
// Run to start the workers and the server and block until shutdown.
func New(cfg *config.Config) (*App, error) {
	_ = godotenv.Load(".env")

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Storage.DBPath, err)
	}

	reg := registry.New(st)
	eng := fanout.New(st, reg, fanout.Config{PaceInterval: cfg.Fanout.Pace.Duration()})
	paths := pathreg.New(st, reg)
	chain := blob.New(st, eng)

	r := mux.NewRouter()
	api.NewServer(st, reg, paths, chain).Register(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &App{cfg: cfg, st: st, reg: reg, eng: eng, srv: srv}, nil
}

// Run repairs mailboxes from the update log, starts the fanout pool,
// the retention sweeper and the HTTP server, then blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := fanout.Recover(a.st, a.reg); err != nil {
		return fmt.Errorf("fanout recovery failed: %w", err)
	}
	a.eng.Start(ctx, a.cfg.Fanout.Workers)

	cancelRet, err := retention.Start(ctx, a.st, a.cfg.Retention)
	if err != nil {
		return err
	}
	a.stopRetention = cancelRet

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		_ = a.shutdown()
		return err
	}
}

func (a *App) shutdown() error {
	logger.Info("shutting_down")
	if a.stopRetention != nil {
		a.stopRetention()
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(shutCtx)
	a.eng.Stop()
	return a.st.Close()
}
