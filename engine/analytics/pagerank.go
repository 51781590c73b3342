package analytics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultDampingFactor = 0.85
	DefaultIterations    = 20
)

// PageRankOptions configures PageRank.
type PageRankOptions struct {
	// DampingFactor must be in [0, 1].
	DampingFactor float64
	// Iterations is a fixed budget; there is no convergence check.
	Iterations int
}

// Validate replaces out-of-range values with defaults.
func (o *PageRankOptions) Validate() {
	if o.DampingFactor < 0 || o.DampingFactor > 1 {
		o.DampingFactor = DefaultDampingFactor
	}
	if o.Iterations <= 0 {
		o.Iterations = DefaultIterations
	}
}

// PageRank runs power iteration over the projection, treating every
// undirected edge as a link in both directions. It starts from the uniform
// distribution and runs exactly opts.Iterations rounds. Nodes without
// edges spread their mass uniformly, so the scores always sum to 1.
func PageRank(ctx context.Context, p *Projection, opts PageRankOptions) ([]float64, error) {
	opts.Validate()
	ctx, span := otel.Tracer("engine/analytics").Start(ctx, "analytics.PageRank")
	defer span.End()
	span.SetAttributes(
		attribute.Int("nodes", p.Len()),
		attribute.Float64("damping_factor", opts.DampingFactor),
		attribute.Int("iterations", opts.Iterations),
	)

	n := p.Len()
	N := float64(n)
	d := opts.DampingFactor

	scores := make([]float64, n)
	next := make([]float64, n)
	for i := range scores {
		scores[i] = 1 / N
	}

	for iter := 0; iter < opts.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("analytics: pagerank: %w", err)
		}
		sink := 0.0
		for v := 0; v < n; v++ {
			if len(p.Adj[v]) == 0 {
				sink += scores[v]
			}
		}
		base := (1-d)/N + d*sink/N
		for v := 0; v < n; v++ {
			sum := 0.0
			for _, nb := range p.Adj[v] {
				sum += scores[nb.To] / float64(len(p.Adj[nb.To]))
			}
			next[v] = base + d*sum
		}
		scores, next = next, scores
	}
	return scores, nil
}
