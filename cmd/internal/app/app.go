// Package app wires configuration into the stores and engines shared by the
// binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/riomobi/transitrisk/engine/batch"
	"github.com/riomobi/transitrisk/engine/docstore"
	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/graph"
	"github.com/riomobi/transitrisk/engine/ingest"
	"github.com/riomobi/transitrisk/engine/normalize"
	"github.com/riomobi/transitrisk/engine/query"
	"github.com/riomobi/transitrisk/engine/spatial"
	"github.com/riomobi/transitrisk/engine/transit"
	"github.com/riomobi/transitrisk/pkg/config"
	"github.com/riomobi/transitrisk/pkg/fn"
	"github.com/riomobi/transitrisk/pkg/metrics"
)

// NewLogger returns the process logger: JSON to stdout, or text to stderr
// for interactive use.
func NewLogger(jsonOut bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// App holds the open stores of one process.
type App struct {
	Config  config.Config
	Params  domain.Params
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Driver neo4j.DriverWithContext
	Graph  *graph.GraphStore
	Docs   docstore.Store
	// Qdrant is set when SPATIAL_INDEX=qdrant.
	Qdrant *spatial.QdrantIndex
}

// Open connects to Neo4j, the document store and, when configured, Qdrant.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Params:  cfg.Params(),
		Logger:  logger,
		Metrics: metrics.New(),
	}

	connect := fn.Retry(ctx, fn.DefaultRetry, func(ctx context.Context) fn.Result[neo4j.DriverWithContext] {
		d, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			logger.Warn("neo4j not reachable", "uri", cfg.Neo4jURI, "error", err)
		}
		return fn.FromPair(d, err)
	})
	driver, err := connect.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Driver = driver
	a.Graph = graph.New(driver, "", graph.Options{
		BatchSize:       a.Params.BatchSize,
		WritesPerSecond: cfg.GraphWritesPerSecond,
		Logger:          logger,
	})
	logger.Info("connected to Neo4j", "uri", cfg.Neo4jURI)

	docs, err := docstore.Open(ctx, docstore.Options{
		Kind:        cfg.DocStore,
		DatabaseURL: cfg.DatabaseURL,
		BadgerPath:  cfg.BadgerPath,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Docs = docs
	logger.Info("document store open", "kind", cfg.DocStore)

	if cfg.SpatialIndex == "qdrant" {
		q, err := spatial.NewQdrantIndex(cfg.QdrantAddr, cfg.QdrantCollection)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.Qdrant = q
		logger.Info("connected to Qdrant", "addr", cfg.QdrantAddr, "collection", cfg.QdrantCollection)
	}
	return a, nil
}

// Close releases every open store.
func (a *App) Close() {
	if a.Qdrant != nil {
		a.Qdrant.Close()
	}
	if a.Docs != nil {
		if err := a.Docs.Close(); err != nil {
			a.Logger.Warn("close document store", "error", err)
		}
	}
	if a.Driver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Driver.Close(ctx)
	}
}

// Setup creates the graph schema and, with Qdrant, the stop collection.
func (a *App) Setup(ctx context.Context) error {
	if err := a.Graph.Setup(ctx); err != nil {
		return err
	}
	if a.Qdrant != nil {
		return a.Qdrant.EnsureCollection(ctx)
	}
	return nil
}

// Runner returns a batch runner over the open stores.
func (a *App) Runner() *batch.Runner {
	deps := batch.Deps{
		Graph:     a.Graph,
		Documents: a.Docs,
		Params:    a.Params,
		Workers:   runtime.GOMAXPROCS(0),
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	}
	if a.Qdrant != nil {
		deps.Index = batch.StaticIndex(a.Qdrant)
	}
	return batch.New(deps)
}

// ComplaintLoader returns the complaint ingestion loader.
func (a *App) ComplaintLoader() *ingest.Loader {
	return ingest.NewLoader(ingest.Deps{
		Normalizer: normalize.New(a.Params.Vocabulary),
		Store:      a.Docs,
		BatchSize:  a.Params.BatchSize,
		Metrics:    a.Metrics,
		Logger:     a.Logger,
	})
}

// NetworkLoader returns the GTFS import loader. Stops are also indexed in
// Qdrant when it is configured.
func (a *App) NetworkLoader() *ingest.NetworkLoader {
	deps := ingest.NetworkDeps{
		Builder:   transit.NewBuilder(a.Params, runtime.GOMAXPROCS(0), a.Logger),
		Graph:     a.Graph,
		BatchSize: a.Params.BatchSize,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	}
	if a.Qdrant != nil {
		deps.Index = a.Qdrant
	}
	return ingest.NewNetworkLoader(deps)
}

// LoadView reads the graph snapshot and every complaint document into a
// query view.
func (a *App) LoadView(ctx context.Context) (*query.View, error) {
	start := time.Now()
	defer a.Metrics.ObserveStage("query.load_view", start)

	snap, err := a.Graph.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	complaints, err := a.Docs.All(ctx)
	if err != nil {
		return nil, err
	}
	return query.NewView(snap, complaints, a.Params), nil
}

// RecordCounts reads node and relationship counts into the graph gauges.
func (a *App) RecordCounts(ctx context.Context) (graph.Counts, error) {
	counts, err := a.Graph.Counts(ctx)
	if err != nil {
		return counts, err
	}
	a.Metrics.SetGraphElements("node", counts.Nodes)
	a.Metrics.SetGraphElements("relationship", counts.Relationships)
	return counts, nil
}
