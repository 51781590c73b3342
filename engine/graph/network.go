package graph

import (
	"context"

	"github.com/riomobi/transitrisk/engine/transit"
)

const (
	mergeStops = `UNWIND $rows AS row
MERGE (s:Stop {id: row.id})
ON CREATE SET s.total_complaints = 0, s.active_complaints = 0, s.open_complaints = 0,
              s.risk_score = 0.0, s.risk_score_normalized = 0.0
SET s.name = row.name, s.lat = row.lat, s.lon = row.lon,
    s.location = point({latitude: row.lat, longitude: row.lon}),
    s.wheelchair_accessible = row.wheelchair`

	mergeRoutes = `UNWIND $rows AS row
MERGE (r:Route {id: row.id})
SET r.short_name = row.short_name, r.long_name = row.long_name,
    r.route_type = row.route_type, r.route_color = row.color`

	mergeTrips = `UNWIND $rows AS row
MERGE (t:Trip {id: row.id})
SET t.route_id = row.route_id, t.headsign = row.headsign,
    t.direction_id = row.direction, t.service_id = row.service_id`

	mergeTripLinks = `UNWIND $rows AS row
MATCH (t:Trip {id: row.trip_id}), (r:Route {id: row.route_id})
MERGE (t)-[:BELONGS_TO]->(r)`

	// The first write of a (from, to, route) triple wins.
	mergeConnections = `UNWIND $rows AS row
MATCH (a:Stop {id: row.from}), (b:Stop {id: row.to})
MERGE (a)-[c:CONNECTS_TO {route_id: row.route_id}]->(b)
ON CREATE SET c.distance_meters = row.distance, c.sequence = row.sequence,
              c.travel_time_seconds = row.travel_time, c.risk_adjusted_cost = row.cost`

	mergeServes = `UNWIND $rows AS row
MATCH (r:Route {id: row.route_id}), (s:Stop {id: row.stop_id})
MERGE (r)-[v:SERVES]->(s)
SET v.total_trips = row.total_trips`
)

// SaveNetwork merges the nodes and edges of a built network. Reloading the
// same feed is a no-op apart from refreshed descriptive properties.
func (g *GraphStore) SaveNetwork(ctx context.Context, net *transit.Network) error {
	steps := []struct {
		op     string
		cypher string
		data   []any
	}{
		{"save_stops", mergeStops, rows(net.Stops, stopRow)},
		{"save_routes", mergeRoutes, rows(net.Routes, routeRow)},
		{"save_trips", mergeTrips, rows(net.Trips, tripRow)},
		{"save_trip_links", mergeTripLinks, rows(net.TripLinks, tripLinkRow)},
		{"save_connections", mergeConnections, rows(net.Connections, connectionRow)},
		{"save_serves", mergeServes, rows(net.Serves, servesRow)},
	}
	for _, st := range steps {
		if err := g.writeBatches(ctx, st.op, st.cypher, st.data); err != nil {
			return err
		}
	}
	g.logger.Info("network saved",
		"stops", len(net.Stops),
		"routes", len(net.Routes),
		"trips", len(net.Trips),
		"connections", len(net.Connections),
		"serves", len(net.Serves),
	)
	return nil
}
