package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Labels and relationship types the store writes. Counts reports each of
// them, zero when absent, so gauges drop back after a reset.
var (
	nodeLabels = []string{"Stop", "Route", "Trip", "Complaint", "Neighborhood", "Category", "Analysis"}
	relTypes   = []string{"CONNECTS_TO", "SERVES", "AFFECTS", "CLUSTERS_WITH"}
)

// Counts is the size of the graph by node label and relationship type.
type Counts struct {
	Nodes         map[string]int64 `json:"nodes"`
	Relationships map[string]int64 `json:"relationships"`
}

func (c Counts) LogValue() slog.Value {
	var attrs []slog.Attr
	for _, m := range []map[string]int64{c.Nodes, c.Relationships} {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, slog.Int64(k, m[k]))
		}
	}
	return slog.GroupValue(attrs...)
}

// Counts tallies nodes by first label and relationships by type.
func (g *GraphStore) Counts(ctx context.Context) (Counts, error) {
	nodes, err := g.tally(ctx, `MATCH (n) RETURN labels(n)[0] AS type, count(*) AS count`, nodeLabels)
	if err != nil {
		return Counts{}, fmt.Errorf("graph: count nodes: %w", err)
	}
	rels, err := g.tally(ctx, `MATCH ()-[r]->() RETURN type(r) AS type, count(*) AS count`, relTypes)
	if err != nil {
		return Counts{}, fmt.Errorf("graph: count relationships: %w", err)
	}
	return Counts{Nodes: nodes, Relationships: rels}, nil
}

func (g *GraphStore) tally(ctx context.Context, cypher string, known []string) (map[string]int64, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(known))
	for _, k := range known {
		out[k] = 0
	}
	for res.Next(ctx) {
		rec := res.Record()
		name, isNil, err := neo4j.GetRecordValue[string](rec, "type")
		if err != nil || isNil {
			continue
		}
		n, _, err := neo4j.GetRecordValue[int64](rec, "count")
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, res.Err()
}
