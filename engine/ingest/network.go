package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/transit"
	"github.com/riomobi/transitrisk/pkg/fn"
	"github.com/riomobi/transitrisk/pkg/metrics"
)

// NetworkWriter persists a built network.
type NetworkWriter interface {
	SaveNetwork(ctx context.Context, net *transit.Network) error
}

// StopIndexer receives the stop set after each network load, for spatial
// backends that keep their own copy of the stops.
type StopIndexer interface {
	Load(ctx context.Context, stops []domain.Stop, batch int) error
}

// Built is a network together with its build report.
type Built struct {
	Network *transit.Network
	Report  transit.Report
}

// NetworkDeps holds the dependencies of the GTFS pipeline. Index is
// optional.
type NetworkDeps struct {
	Builder   *transit.Builder
	Graph     NetworkWriter
	Index     StopIndexer
	BatchSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// ReadFeed loads a GTFS directory or zip archive.
var ReadFeed fn.Stage[string, transit.Feed] = func(_ context.Context, path string) fn.Result[transit.Feed] {
	return fn.FromPair(transit.ReadFeed(path))
}

// NewBuild creates the stage deriving the network from a feed.
func NewBuild(b *transit.Builder) fn.Stage[transit.Feed, Built] {
	return func(ctx context.Context, feed transit.Feed) fn.Result[Built] {
		net, rep := b.Build(ctx, feed)
		return fn.Ok(Built{Network: net, Report: rep})
	}
}

// NewSaveNetwork creates the stage writing the network to the graph store.
func NewSaveNetwork(w NetworkWriter) fn.Stage[Built, Built] {
	return func(ctx context.Context, b Built) fn.Result[Built] {
		if err := w.SaveNetwork(ctx, b.Network); err != nil {
			return fn.Err[Built](fmt.Errorf("ingest: save network: %w", err))
		}
		return fn.Ok(b)
	}
}

// NewIndexStops creates the stage loading stops into a spatial backend.
func NewIndexStops(idx StopIndexer, batch int) fn.Stage[Built, Built] {
	return func(ctx context.Context, b Built) fn.Result[Built] {
		if err := idx.Load(ctx, b.Network.Stops, batch); err != nil {
			return fn.Err[Built](fmt.Errorf("ingest: index stops: %w", err))
		}
		return fn.Ok(b)
	}
}

// NewNetworkPipeline wires Read → Build → Save, and Index when an indexer
// is configured.
func NewNetworkPipeline(deps NetworkDeps) fn.Stage[string, Built] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	read := fn.Then(LoggedTap[string]("read_feed", log), fn.TracedStage("ingest.read_feed", ReadFeed))
	built := fn.Then(read, fn.Then(LoggedTap[transit.Feed]("build", log), NewBuild(deps.Builder)))
	saved := fn.Then(built, fn.Then(LoggedTap[Built]("save", log),
		fn.TracedStage("ingest.save_network", NewSaveNetwork(deps.Graph))))
	if deps.Index == nil {
		return saved
	}
	return fn.Then(saved, fn.TracedStage("ingest.index_stops", NewIndexStops(deps.Index, deps.BatchSize)))
}

// NetworkLoader runs GTFS feeds through the network pipeline.
type NetworkLoader struct {
	pipeline fn.Stage[string, Built]
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewNetworkLoader creates a NetworkLoader.
func NewNetworkLoader(deps NetworkDeps) *NetworkLoader {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &NetworkLoader{pipeline: NewNetworkPipeline(deps), metrics: deps.Metrics, logger: deps.Logger}
}

// Load reads, builds and persists the feed at path. Rejected records are
// reported, never fatal.
func (l *NetworkLoader) Load(ctx context.Context, path string) (transit.Report, error) {
	start := time.Now()
	defer l.metrics.ObserveStage("ingest.gtfs", start)

	b, err := l.pipeline(ctx, path).Unwrap()
	if err != nil {
		l.logger.Error("gtfs load failed", "path", path, "error", err)
		return transit.Report{}, err
	}
	recordRows(l.metrics, "gtfs_stops", b.Report.Stops)
	recordRows(l.metrics, "gtfs_routes", b.Report.Routes)
	recordRows(l.metrics, "gtfs_trips", b.Report.Trips)
	l.logger.Info("gtfs feed loaded", "path", path, "report", b.Report, "elapsed", time.Since(start))
	return b.Report, nil
}
