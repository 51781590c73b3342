package analytics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Betweenness computes hop-count betweenness centrality with Brandes'
// algorithm. Every shortest path between a pair is counted, and pairs in
// different components contribute nothing. Scores are normalized by the
// number of unordered pairs excluding the node, (N-1)(N-2)/2.
func Betweenness(ctx context.Context, p *Projection) ([]float64, error) {
	ctx, span := otel.Tracer("engine/analytics").Start(ctx, "analytics.Betweenness")
	defer span.End()
	span.SetAttributes(attribute.Int("nodes", p.Len()), attribute.Int("edges", p.Edges))

	n := p.Len()
	cb := make([]float64, n)

	sigma := make([]float64, n)
	dist := make([]int, n)
	delta := make([]float64, n)
	preds := make([][]int, n)
	stack := make([]int, 0, n)
	queue := make([]int, 0, n)

	for s := 0; s < n; s++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("analytics: betweenness: %w", err)
		}
		for i := 0; i < n; i++ {
			sigma[i], dist[i], delta[i] = 0, -1, 0
			preds[i] = preds[i][:0]
		}
		sigma[s], dist[s] = 1, 0
		stack = stack[:0]
		queue = append(queue[:0], s)

		for head := 0; head < len(queue); head++ {
			v := queue[head]
			stack = append(stack, v)
			for _, nb := range p.Adj[v] {
				w := nb.To
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				cb[w] += delta[w]
			}
		}
	}

	// Each undirected pair was visited from both ends.
	scale := 0.5
	if n > 2 {
		scale /= float64(n-1) * float64(n-2) / 2
	}
	for i := range cb {
		cb[i] *= scale
	}
	return cb, nil
}
