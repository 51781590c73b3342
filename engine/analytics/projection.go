// Package analytics runs betweenness centrality, PageRank and Louvain
// community detection over the undirected projection of the connection
// graph, and classifies stops by centrality and risk.
package analytics

import (
	"fmt"
	"sort"

	"github.com/riomobi/transitrisk/engine/domain"
)

// Neighbor is one adjacency entry of a projection.
type Neighbor struct {
	To       int
	Distance float64
}

// Projection is the undirected, route-collapsed view of the connection
// graph. Nodes are indexed in ascending stop-id order; each adjacency list
// is sorted by neighbor index.
type Projection struct {
	IDs   []string
	Adj   [][]Neighbor
	Edges int

	index map[string]int
}

// Project builds a projection over every stop. Direction and route are
// ignored; parallel edges collapse to the minimum distance. Connections
// that reference unknown stops, and self-loops, are skipped. A projection
// with no nodes or no edges cannot be analyzed and yields ErrComputation.
func Project(stops []domain.Stop, conns []domain.Connection) (*Projection, error) {
	if len(stops) == 0 {
		return nil, fmt.Errorf("analytics: project: no stops: %w", domain.ErrComputation)
	}

	ids := make([]string, 0, len(stops))
	seen := make(map[string]struct{}, len(stops))
	for _, s := range stops {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)

	p := &Projection{IDs: ids, index: make(map[string]int, len(ids))}
	for i, id := range ids {
		p.index[id] = i
	}

	type pair struct{ a, b int }
	best := make(map[pair]float64)
	for _, c := range conns {
		a, ok1 := p.index[c.From]
		b, ok2 := p.index[c.To]
		if !ok1 || !ok2 || a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		k := pair{a, b}
		if d, ok := best[k]; !ok || c.DistanceMeters < d {
			best[k] = c.DistanceMeters
		}
	}
	if len(best) == 0 {
		return nil, fmt.Errorf("analytics: project: no connections among %d stops: %w", len(ids), domain.ErrComputation)
	}

	p.Adj = make([][]Neighbor, len(ids))
	for k, d := range best {
		p.Adj[k.a] = append(p.Adj[k.a], Neighbor{To: k.b, Distance: d})
		p.Adj[k.b] = append(p.Adj[k.b], Neighbor{To: k.a, Distance: d})
	}
	for i := range p.Adj {
		sort.Slice(p.Adj[i], func(x, y int) bool { return p.Adj[i][x].To < p.Adj[i][y].To })
	}
	p.Edges = len(best)
	return p, nil
}

// Len returns the node count.
func (p *Projection) Len() int { return len(p.IDs) }

// Index returns the node index of a stop id.
func (p *Projection) Index(id string) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}
