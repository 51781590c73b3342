package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/riomobi/transitrisk/engine/domain"
)

// Result holds every analysis for one projection, indexed like
// Projection.IDs.
type Result struct {
	IDs         []string
	Betweenness []float64
	PageRank    []float64
	Communities *Communities
	Elapsed     time.Duration
}

// Engine runs the three analyses over a read-only projection.
type Engine struct {
	params domain.Params
	logger *slog.Logger
}

// New creates an Engine.
func New(params domain.Params, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{params: params, logger: logger}
}

// Run projects the connection graph and computes betweenness, PageRank and
// communities concurrently. Any failure fails the whole run and no partial
// result is returned.
func (e *Engine) Run(ctx context.Context, stops []domain.Stop, conns []domain.Connection) (*Result, error) {
	ctx, span := otel.Tracer("engine/analytics").Start(ctx, "analytics.Run")
	defer span.End()
	start := time.Now()

	p, err := Project(stops, conns)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("nodes", p.Len()), attribute.Int("edges", p.Edges))

	res := &Result{IDs: p.IDs}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bc, err := Betweenness(gctx, p)
		res.Betweenness = bc
		return err
	})
	g.Go(func() error {
		pr, err := PageRank(gctx, p, PageRankOptions{
			DampingFactor: e.params.PageRankDamping,
			Iterations:    e.params.PageRankIterations,
		})
		res.PageRank = pr
		return err
	})
	g.Go(func() error {
		c, err := Louvain(gctx, p)
		res.Communities = c
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analytics: run: %w", err)
	}

	res.Elapsed = time.Since(start)
	e.logger.Info("graph analytics complete",
		"nodes", p.Len(),
		"edges", p.Edges,
		"communities", res.Communities.Count,
		"modularity", res.Communities.Modularity,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// Apply writes the analysis fields onto matching stops.
func (r *Result) Apply(stops []domain.Stop) {
	idx := make(map[string]int, len(r.IDs))
	for i, id := range r.IDs {
		idx[id] = i
	}
	for i := range stops {
		j, ok := idx[stops[i].ID]
		if !ok {
			continue
		}
		stops[i].Betweenness = r.Betweenness[j]
		stops[i].PageRank = r.PageRank[j]
		stops[i].CommunityID = r.Communities.Of[j]
	}
}
