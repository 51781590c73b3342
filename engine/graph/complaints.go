package graph

import (
	"context"
	"fmt"

	"github.com/riomobi/transitrisk/engine/domain"
)

const (
	mergeComplaints = `UNWIND $rows AS row
MERGE (c:Complaint {protocol: row.protocol})
SET c.opened_at = row.opened_at, c.category = row.category, c.description = row.description,
    c.status = row.status, c.lat = row.lat, c.lon = row.lon,
    c.location = point({latitude: row.lat, longitude: row.lon}),
    c.weight = row.weight, c.criticality = row.criticality, c.neighborhood = row.neighborhood
MERGE (k:Category {name: row.category})
MERGE (c)-[:HAS_TYPE]->(k)
WITH row WHERE row.neighborhood <> ''
MERGE (:Neighborhood {name: row.neighborhood})`

	recountCategories = `MATCH (k:Category)
OPTIONAL MATCH (c:Complaint)-[:HAS_TYPE]->(k)
WITH k, count(c) AS n
SET k.total_occurrences = n`

	recountNeighborhoods = `MATCH (nb:Neighborhood)
OPTIONAL MATCH (c:Complaint {neighborhood: nb.name})
WITH nb, count(c) AS n
SET nb.total_complaints = n`

	mergeAffects = `UNWIND $rows AS row
MATCH (c:Complaint {protocol: row.protocol}), (s:Stop {id: row.stop_id})
MERGE (c)-[a:AFFECTS]->(s)
SET a.distance_meters = row.distance, a.impact_level = row.impact_level,
    a.risk_contribution = row.risk_contribution, a.criticality_weight = row.criticality,
    a.timestamp = row.timestamp`

	deleteClusters = `MATCH (:Complaint)-[r:CLUSTERS_WITH]->(:Complaint) DELETE r`

	mergeClusters = `UNWIND $rows AS row
MATCH (a:Complaint {protocol: row.a}), (b:Complaint {protocol: row.b})
MERGE (a)-[r:CLUSTERS_WITH]->(b)
SET r.category = row.category, r.spatial_proximity_meters = row.spatial,
    r.temporal_proximity_hours = row.temporal`
)

// SaveComplaints merges complaint nodes with their category and
// neighbourhood, then recounts category occurrences and neighbourhood
// totals from the graph.
func (g *GraphStore) SaveComplaints(ctx context.Context, complaints []domain.Complaint) error {
	if err := g.writeBatches(ctx, "save_complaints", mergeComplaints, rows(complaints, complaintRow)); err != nil {
		return err
	}
	err := g.write(ctx, func(tx CypherRunner) error {
		if _, err := tx.Run(ctx, recountCategories, nil); err != nil {
			return err
		}
		_, err := tx.Run(ctx, recountNeighborhoods, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("graph: recount categories: %w", err)
	}
	return nil
}

// SaveAffects merges AFFECTS edges. Properties of an existing edge are
// overwritten.
func (g *GraphStore) SaveAffects(ctx context.Context, edges []domain.AffectsEdge) error {
	return g.writeBatches(ctx, "save_affects", mergeAffects, rows(edges, affectsRow))
}

// ReplaceClusters drops every CLUSTERS_WITH edge and writes edges.
func (g *GraphStore) ReplaceClusters(ctx context.Context, edges []domain.ClusterEdge) error {
	err := g.write(ctx, func(tx CypherRunner) error {
		_, err := tx.Run(ctx, deleteClusters, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("graph: delete clusters: %w", err)
	}
	return g.writeBatches(ctx, "save_clusters", mergeClusters, rows(edges, clusterRow))
}
