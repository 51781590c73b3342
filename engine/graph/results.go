package graph

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/transit"
)

const (
	setStopResults = `UNWIND $rows AS row
MATCH (s:Stop {id: row.id})
SET s.total_complaints = row.total_complaints, s.active_complaints = row.active_complaints,
    s.open_complaints = row.open_complaints, s.risk_score = row.risk_score,
    s.risk_score_normalized = row.risk_normalized, s.risk_level = row.risk_level,
    s.betweenness_centrality = row.betweenness, s.pagerank = row.pagerank,
    s.community_id = row.community_id`

	setRouteResults = `UNWIND $rows AS row
MATCH (r:Route {id: row.id})
SET r.total_stops = row.total_stops, r.avg_risk_score = row.avg_risk_score,
    r.high_risk_stops = row.high_risk_stops`

	setConnectionCosts = `UNWIND $rows AS row
MATCH (:Stop {id: row.from})-[c:CONNECTS_TO {route_id: row.route_id}]->(:Stop {id: row.to})
SET c.risk_adjusted_cost = row.cost`

	setAnalysis = `UNWIND $rows AS row
MERGE (a:Analysis {id: 'latest'})
SET a.run_id = row.run_id, a.communities = row.communities,
    a.modularity = row.modularity, a.computed_at = row.computed_at`
)

// WriteResults persists every derived field of net (stop risk, centrality,
// community, route aggregates and connection costs) in one transaction.
// Readers never observe a partially written run. A non-nil analysis
// replaces the stored graph-wide analytics outcome.
func (g *GraphStore) WriteResults(ctx context.Context, net *transit.Network, analysis *domain.Analysis) error {
	ctx, span := otel.Tracer("engine/graph").Start(ctx, "graph.WriteResults")
	defer span.End()
	span.SetAttributes(
		attribute.Int("stops", len(net.Stops)),
		attribute.Int("routes", len(net.Routes)),
		attribute.Int("connections", len(net.Connections)),
	)

	err := g.write(ctx, func(tx CypherRunner) error {
		if err := g.runInTx(ctx, tx, setStopResults, rows(net.Stops, stopResultRow)); err != nil {
			return err
		}
		if err := g.runInTx(ctx, tx, setRouteResults, rows(net.Routes, routeResultRow)); err != nil {
			return err
		}
		if err := g.runInTx(ctx, tx, setConnectionCosts, rows(net.Connections, connectionRow)); err != nil {
			return err
		}
		if analysis == nil {
			return nil
		}
		return g.runInTx(ctx, tx, setAnalysis, []any{map[string]any{
			"run_id":      analysis.RunID,
			"communities": int64(analysis.Communities),
			"modularity":  analysis.Modularity,
			"computed_at": analysis.ComputedAt,
		}})
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("graph: write results: %w", err)
	}
	return nil
}
