package analytics

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const gainEpsilon = 1e-12

// Communities is a Louvain partition of a projection.
type Communities struct {
	// Of maps node index to community id. Ids are dense and numbered by
	// first appearance in node order.
	Of         []int
	Count      int
	Modularity float64
	Levels     int
}

type wedge struct {
	to int
	w  float64
}

// wgraph is one aggregation level. self[i] is A_ii and adj holds the
// off-diagonal entries, sorted by neighbor.
type wgraph struct {
	adj  [][]wedge
	self []float64
	k    []float64
	m2   float64
}

func newWGraph(adj [][]wedge, self []float64) *wgraph {
	g := &wgraph{adj: adj, self: self, k: make([]float64, len(adj))}
	for i := range adj {
		g.k[i] = self[i]
		for _, e := range adj[i] {
			g.k[i] += e.w
		}
		g.m2 += g.k[i]
	}
	return g
}

// Louvain partitions the projection by modularity, using the raw
// connection distance as edge weight. The result is deterministic: nodes
// are visited in index order, a node moves only for a strictly positive
// gain over staying, and equal gains resolve to the smallest community.
func Louvain(ctx context.Context, p *Projection) (*Communities, error) {
	ctx, span := otel.Tracer("engine/analytics").Start(ctx, "analytics.Louvain")
	defer span.End()

	n := p.Len()
	adj := make([][]wedge, n)
	for i, nbs := range p.Adj {
		for _, nb := range nbs {
			adj[i] = append(adj[i], wedge{to: nb.To, w: nb.Distance})
		}
	}
	base := newWGraph(adj, make([]float64, n))

	of := make([]int, n)
	for i := range of {
		of[i] = i
	}
	res := &Communities{}

	if base.m2 > 0 {
		g := base
		for {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("analytics: louvain: %w", err)
			}
			comm, moved := localMoving(g)
			if !moved {
				break
			}
			comm, count := renumber(comm)
			for i := range of {
				of[i] = comm[of[i]]
			}
			res.Levels++
			if count == len(g.adj) {
				break
			}
			g = aggregate(g, comm, count)
		}
	}

	res.Of, res.Count = renumber(of)
	res.Modularity = modularity(base, res.Of, res.Count)
	span.SetAttributes(
		attribute.Int("communities", res.Count),
		attribute.Float64("modularity", res.Modularity),
		attribute.Int("levels", res.Levels),
	)
	return res, nil
}

// localMoving runs the first Louvain phase until no node moves.
func localMoving(g *wgraph) ([]int, bool) {
	n := len(g.adj)
	comm := make([]int, n)
	tot := make([]float64, n)
	for i := range comm {
		comm[i] = i
		tot[i] = g.k[i]
	}

	links := make([]float64, n)
	mark := make([]bool, n)
	var touched []int
	movedAny := false
	for {
		moved := false
		for i := 0; i < n; i++ {
			own := comm[i]
			touched = touched[:0]
			for _, e := range g.adj[i] {
				c := comm[e.to]
				if !mark[c] {
					mark[c] = true
					touched = append(touched, c)
				}
				links[c] += e.w
			}

			tot[own] -= g.k[i]
			best, bestGain := own, links[own]-tot[own]*g.k[i]/g.m2
			sort.Ints(touched)
			for _, c := range touched {
				if c == own {
					continue
				}
				// touched is ascending, so only a strictly better gain
				// replaces an earlier candidate.
				gain := links[c] - tot[c]*g.k[i]/g.m2
				if gain > bestGain+gainEpsilon {
					best, bestGain = c, gain
				}
			}
			tot[best] += g.k[i]
			if best != own {
				comm[i] = best
				moved = true
				movedAny = true
			}

			for _, c := range touched {
				links[c], mark[c] = 0, false
			}
		}
		if !moved {
			break
		}
	}
	return comm, movedAny
}

// renumber maps community labels to dense ids by first appearance.
func renumber(comm []int) ([]int, int) {
	ids := make(map[int]int)
	out := make([]int, len(comm))
	for i, c := range comm {
		id, ok := ids[c]
		if !ok {
			id = len(ids)
			ids[c] = id
		}
		out[i] = id
	}
	return out, len(ids)
}

// aggregate collapses each community into one node.
func aggregate(g *wgraph, comm []int, count int) *wgraph {
	self := make([]float64, count)
	acc := make([]map[int]float64, count)
	for i := range g.adj {
		ci := comm[i]
		self[ci] += g.self[i]
		for _, e := range g.adj[i] {
			cj := comm[e.to]
			if cj == ci {
				self[ci] += e.w
				continue
			}
			if acc[ci] == nil {
				acc[ci] = make(map[int]float64)
			}
			acc[ci][cj] += e.w
		}
	}
	adj := make([][]wedge, count)
	for c, m := range acc {
		for to, w := range m {
			adj[c] = append(adj[c], wedge{to: to, w: w})
		}
		sort.Slice(adj[c], func(a, b int) bool { return adj[c][a].to < adj[c][b].to })
	}
	return newWGraph(adj, self)
}

// modularity returns Q = sum_c in_c/2m - (tot_c/2m)^2.
func modularity(g *wgraph, of []int, count int) float64 {
	if g.m2 == 0 {
		return 0
	}
	in := make([]float64, count)
	tot := make([]float64, count)
	for i := range g.adj {
		c := of[i]
		tot[c] += g.k[i]
		in[c] += g.self[i]
		for _, e := range g.adj[i] {
			if of[e.to] == c {
				in[c] += e.w
			}
		}
	}
	q := 0.0
	for c := range in {
		q += in[c]/g.m2 - (tot[c]/g.m2)*(tot[c]/g.m2)
	}
	return q
}
