package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/riomobi/transitrisk/engine/domain"
)

const (
	readStops  = `MATCH (n:Stop) RETURN n ORDER BY n.id`
	readRoutes = `MATCH (n:Route) RETURN n ORDER BY n.id`
	readTrips  = `MATCH (n:Trip) RETURN n ORDER BY n.id`

	readConnections = `MATCH (a:Stop)-[c:CONNECTS_TO]->(b:Stop)
RETURN a.id AS from, b.id AS to, c.route_id AS route_id, c.distance_meters AS distance,
       c.sequence AS sequence, c.travel_time_seconds AS travel_time, c.risk_adjusted_cost AS cost
ORDER BY c.route_id, c.sequence, from, to`

	readServes = `MATCH (r:Route)-[v:SERVES]->(s:Stop)
RETURN r.id AS route_id, s.id AS stop_id, v.total_trips AS total_trips
ORDER BY route_id, stop_id`

	readAffects = `MATCH (c:Complaint)-[a:AFFECTS]->(s:Stop)
RETURN c.protocol AS protocol, s.id AS stop_id, a.distance_meters AS distance,
       a.impact_level AS impact_level, a.risk_contribution AS risk_contribution,
       a.criticality_weight AS criticality, a.timestamp AS timestamp
ORDER BY protocol, stop_id`

	readClusters = `MATCH (a:Complaint)-[r:CLUSTERS_WITH]->(b:Complaint)
RETURN a.protocol AS a, b.protocol AS b, r.category AS category,
       r.spatial_proximity_meters AS spatial, r.temporal_proximity_hours AS temporal
ORDER BY a, b`

	readAnalysis = `MATCH (a:Analysis {id: 'latest'})
RETURN a.run_id AS run_id, a.communities AS communities, a.modularity AS modularity,
       a.computed_at AS computed_at`
)

// LoadSnapshot reads the persisted graph. The reads run concurrently on
// separate sessions.
func (g *GraphStore) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	ctx, span := otel.Tracer("engine/graph").Start(ctx, "graph.LoadSnapshot")
	defer span.End()

	var snap domain.Snapshot
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		snap.Stops, err = readAll(ctx, g, readStops, func(rec *neo4j.Record) (domain.Stop, error) {
			p, err := nodeProps(rec, "n")
			return stopFromProps(p), err
		})
		return err
	})
	eg.Go(func() (err error) {
		snap.Routes, err = readAll(ctx, g, readRoutes, func(rec *neo4j.Record) (domain.Route, error) {
			p, err := nodeProps(rec, "n")
			return routeFromProps(p), err
		})
		return err
	})
	eg.Go(func() (err error) {
		snap.Trips, err = readAll(ctx, g, readTrips, func(rec *neo4j.Record) (domain.Trip, error) {
			p, err := nodeProps(rec, "n")
			return tripFromProps(p), err
		})
		return err
	})
	eg.Go(func() (err error) {
		snap.Connections, err = readAll(ctx, g, readConnections, func(rec *neo4j.Record) (domain.Connection, error) {
			p := recordProps(rec)
			return domain.Connection{
				From:              strProp(p, "from"),
				To:                strProp(p, "to"),
				RouteID:           strProp(p, "route_id"),
				DistanceMeters:    floatProp(p, "distance"),
				Sequence:          int(intProp(p, "sequence")),
				TravelTimeSeconds: int(intProp(p, "travel_time")),
				RiskAdjustedCost:  floatProp(p, "cost"),
			}, nil
		})
		return err
	})
	eg.Go(func() (err error) {
		snap.Serves, err = readAll(ctx, g, readServes, func(rec *neo4j.Record) (domain.Serves, error) {
			p := recordProps(rec)
			return domain.Serves{
				RouteID:    strProp(p, "route_id"),
				StopID:     strProp(p, "stop_id"),
				TotalTrips: int(intProp(p, "total_trips")),
			}, nil
		})
		return err
	})
	eg.Go(func() (err error) {
		snap.Affects, err = readAll(ctx, g, readAffects, func(rec *neo4j.Record) (domain.AffectsEdge, error) {
			p := recordProps(rec)
			return domain.AffectsEdge{
				Protocol:          strProp(p, "protocol"),
				StopID:            strProp(p, "stop_id"),
				DistanceMeters:    floatProp(p, "distance"),
				ImpactLevel:       domain.Criticality(strProp(p, "impact_level")),
				RiskContribution:  floatProp(p, "risk_contribution"),
				CriticalityWeight: floatProp(p, "criticality"),
				Timestamp:         timeProp(p, "timestamp"),
			}, nil
		})
		return err
	})
	eg.Go(func() (err error) {
		snap.Clusters, err = readAll(ctx, g, readClusters, func(rec *neo4j.Record) (domain.ClusterEdge, error) {
			p := recordProps(rec)
			return domain.ClusterEdge{
				A:                      strProp(p, "a"),
				B:                      strProp(p, "b"),
				Category:               strProp(p, "category"),
				SpatialProximityMeters: floatProp(p, "spatial"),
				TemporalProximityHours: floatProp(p, "temporal"),
			}, nil
		})
		return err
	})
	eg.Go(func() error {
		found, err := readAll(ctx, g, readAnalysis, func(rec *neo4j.Record) (domain.Analysis, error) {
			p := recordProps(rec)
			return domain.Analysis{
				RunID:       strProp(p, "run_id"),
				Communities: int(intProp(p, "communities")),
				Modularity:  floatProp(p, "modularity"),
				ComputedAt:  timeProp(p, "computed_at"),
			}, nil
		})
		if len(found) > 0 {
			snap.Analysis = &found[0]
		}
		return err
	})
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		return domain.Snapshot{}, fmt.Errorf("graph: load snapshot: %w", err)
	}
	return snap, nil
}

func readAll[T any](ctx context.Context, g *GraphStore, cypher string, decode func(*neo4j.Record) (T, error)) ([]T, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	var out []T
	for res.Next(ctx) {
		v, err := decode(res.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, res.Err()
}
