// Command riskd loads complaint files dropped into an inbox directory and
// executes graph runs requested over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/riomobi/transitrisk/cmd/internal/app"
	"github.com/riomobi/transitrisk/engine/batch"
	"github.com/riomobi/transitrisk/engine/ingest"
	"github.com/riomobi/transitrisk/pkg/config"
	"github.com/riomobi/transitrisk/pkg/natsutil"
)

// SubjectDLQ receives triggers whose run failed on every retry.
const SubjectDLQ = batch.SubjectTrigger + ".dlq"

// runner executes one graph run.
type runner interface {
	Run(ctx context.Context, t batch.Trigger) (batch.Summary, error)
}

func main() {
	logger := app.NewLogger(true, slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("riskd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Metrics.ServeAsync(ctx, cfg.MetricsAddr(), logger)

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("riskd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	sub, err := subscribeRuns(nc, a.Runner(), logger)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	logger.Info("listening for run triggers", "subject", batch.SubjectTrigger)

	in := newInbox(cfg.ComplaintsInbox, a.ComplaintLoader(), logger, triggerOnLoad(nc, logger))
	return in.Watch(ctx)
}

// subscribeRuns executes every trigger on the run subject and publishes the
// summary, failed runs included. Failed runs are retried and then
// dead-lettered.
func subscribeRuns(nc *nats.Conn, r runner, logger *slog.Logger) (*nats.Subscription, error) {
	return natsutil.Consume(nc, batch.SubjectTrigger, natsutil.ConsumeOpts{
		DLQSubject: SubjectDLQ,
		Logger:     logger,
	}, func(ctx context.Context, t batch.Trigger) error {
		sum, err := r.Run(ctx, t)
		if perr := natsutil.Publish(ctx, nc, batch.SubjectCompleted, sum); perr != nil {
			logger.Error("publish run summary", "run_id", sum.RunID, "error", perr)
		}
		return err
	})
}

// triggerOnLoad requests a full run after new complaints land.
func triggerOnLoad(nc *nats.Conn, logger *slog.Logger) func(context.Context, ingest.Report) {
	return func(ctx context.Context, rep ingest.Report) {
		t := batch.Trigger{Reason: "inbox " + rep.Source, Sync: true, Analyze: true}
		if err := natsutil.Publish(ctx, nc, batch.SubjectTrigger, t); err != nil {
			logger.Error("publish run trigger", "source", rep.Source, "error", err)
		}
	}
}
