// Command api serves the read-only transit risk query API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/riomobi/transitrisk/cmd/internal/app"
	"github.com/riomobi/transitrisk/engine/batch"
	"github.com/riomobi/transitrisk/engine/query"
	"github.com/riomobi/transitrisk/pkg/config"
	"github.com/riomobi/transitrisk/pkg/natsutil"
)

// viewTTL bounds staleness when no run notifications arrive.
const viewTTL = 5 * time.Minute

func main() {
	logger := app.NewLogger(true, slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}
	if err := serve(cfg, logger); err != nil {
		logger.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func serve(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Metrics.ServeAsync(ctx, cfg.MetricsAddr(), logger)

	views := query.NewCache(a.LoadView, viewTTL)
	if v, err := views.Get(ctx); err != nil {
		logger.Warn("no graph view yet, serving 503 until one loads", "err", err)
	} else {
		s := v.Summary()
		logger.Info("graph view loaded", "stops", s.Stops, "routes", s.Routes, "complaints", s.Complaints)
	}

	// Without NATS the view still refreshes on viewTTL.
	if nc, err := nats.Connect(cfg.NATSURL, nats.Name("transitrisk-api"), nats.MaxReconnects(-1)); err != nil {
		logger.Warn("nats unavailable, view refreshes on ttl only", "ttl", viewTTL, "err", err)
	} else {
		defer nc.Drain()
		sub, err := refreshOnRun(nc, views, logger)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.APIAddr(),
		Handler:           newRouter(views, a.Metrics, logger, cfg.CORSOrigin),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("api draining")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// invalidator drops the cached view.
type invalidator interface {
	Invalidate()
}

// refreshOnRun drops the cached view whenever a run commits, so the next
// request reads the new results.
func refreshOnRun(nc *nats.Conn, views invalidator, logger *slog.Logger) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, batch.SubjectCompleted, func(_ context.Context, sum batch.Summary) {
		if sum.Error != "" {
			return
		}
		logger.Info("run completed, refreshing view", "run_id", sum.RunID, "reason", sum.Reason)
		views.Invalidate()
	})
}
