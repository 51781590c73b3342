package graph

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/transit"
)

// Row builders. Every write statement UNWINDs a list of these maps.

func stopRow(s domain.Stop) any {
	return map[string]any{
		"id":         s.ID,
		"name":       s.Name,
		"lat":        s.Lat,
		"lon":        s.Lon,
		"wheelchair": s.Wheelchair,
	}
}

func stopResultRow(s domain.Stop) any {
	return map[string]any{
		"id":                s.ID,
		"total_complaints":  int64(s.TotalComplaints),
		"active_complaints": int64(s.ActiveComplaints),
		"open_complaints":   int64(s.OpenComplaints),
		"risk_score":        s.RiskScore,
		"risk_normalized":   s.RiskScoreNormalized,
		"risk_level":        string(s.RiskLevel),
		"betweenness":       s.Betweenness,
		"pagerank":          s.PageRank,
		"community_id":      int64(s.CommunityID),
	}
}

func routeRow(r domain.Route) any {
	return map[string]any{
		"id":         r.ID,
		"short_name": r.ShortName,
		"long_name":  r.LongName,
		"route_type": int64(r.Type),
		"color":      r.Color,
	}
}

func routeResultRow(r domain.Route) any {
	return map[string]any{
		"id":              r.ID,
		"total_stops":     int64(r.TotalStops),
		"avg_risk_score":  r.AvgRiskScore,
		"high_risk_stops": int64(r.HighRiskStops),
	}
}

func tripRow(t domain.Trip) any {
	return map[string]any{
		"id":         t.ID,
		"route_id":   t.RouteID,
		"headsign":   t.Headsign,
		"direction":  int64(t.Direction),
		"service_id": t.ServiceID,
	}
}

func tripLinkRow(l transit.TripLink) any {
	return map[string]any{"trip_id": l.TripID, "route_id": l.RouteID}
}

func connectionRow(c domain.Connection) any {
	return map[string]any{
		"from":        c.From,
		"to":          c.To,
		"route_id":    c.RouteID,
		"distance":    c.DistanceMeters,
		"sequence":    int64(c.Sequence),
		"travel_time": int64(c.TravelTimeSeconds),
		"cost":        c.RiskAdjustedCost,
	}
}

func servesRow(s domain.Serves) any {
	return map[string]any{"route_id": s.RouteID, "stop_id": s.StopID, "total_trips": int64(s.TotalTrips)}
}

func complaintRow(c domain.Complaint) any {
	return map[string]any{
		"protocol":     c.Protocol,
		"opened_at":    c.OpenedAt,
		"category":     c.Category,
		"description":  c.Description,
		"status":       string(c.Status),
		"lat":          c.Lat,
		"lon":          c.Lon,
		"weight":       c.Weight,
		"criticality":  string(c.Criticality),
		"neighborhood": c.Neighborhood,
	}
}

func affectsRow(e domain.AffectsEdge) any {
	return map[string]any{
		"protocol":          e.Protocol,
		"stop_id":           e.StopID,
		"distance":          e.DistanceMeters,
		"impact_level":      string(e.ImpactLevel),
		"risk_contribution": e.RiskContribution,
		"criticality":       e.CriticalityWeight,
		"timestamp":         e.Timestamp,
	}
}

func clusterRow(e domain.ClusterEdge) any {
	return map[string]any{
		"a":        e.A,
		"b":        e.B,
		"category": e.Category,
		"spatial":  e.SpatialProximityMeters,
		"temporal": e.TemporalProximityHours,
	}
}

func rows[T any](items []T, f func(T) any) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = f(it)
	}
	return out
}

func neighborhoodToMap(n domain.Neighborhood) map[string]any {
	return map[string]any{
		"name":             n.Name,
		"region":           n.Region,
		"population":       int64(n.Population),
		"total_stops":      int64(n.TotalStops),
		"total_complaints": int64(n.TotalComplaints),
	}
}

func neighborhoodFromRecord(rec *neo4j.Record) (domain.Neighborhood, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Neighborhood{}, err
	}
	p := node.Props
	return domain.Neighborhood{
		Name:            strProp(p, "name"),
		Region:          strProp(p, "region"),
		Population:      int(intProp(p, "population")),
		TotalStops:      int(intProp(p, "total_stops")),
		TotalComplaints: int(intProp(p, "total_complaints")),
	}, nil
}

// Record decoding. Missing or null columns decode to the zero value.

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func intProp(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func boolProp(props map[string]any, key string) bool {
	b, _ := props[key].(bool)
	return b
}

func timeProp(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case time.Time:
		return v
	case dbtype.LocalDateTime:
		return v.Time()
	}
	return time.Time{}
}

func stopFromProps(p map[string]any) domain.Stop {
	return domain.Stop{
		ID:                  strProp(p, "id"),
		Name:                strProp(p, "name"),
		Lat:                 floatProp(p, "lat"),
		Lon:                 floatProp(p, "lon"),
		Wheelchair:          boolProp(p, "wheelchair_accessible"),
		TotalComplaints:     int(intProp(p, "total_complaints")),
		ActiveComplaints:    int(intProp(p, "active_complaints")),
		OpenComplaints:      int(intProp(p, "open_complaints")),
		RiskScore:           floatProp(p, "risk_score"),
		RiskScoreNormalized: floatProp(p, "risk_score_normalized"),
		RiskLevel:           domain.RiskLevel(strProp(p, "risk_level")),
		Betweenness:         floatProp(p, "betweenness_centrality"),
		PageRank:            floatProp(p, "pagerank"),
		CommunityID:         int(intProp(p, "community_id")),
	}
}

func routeFromProps(p map[string]any) domain.Route {
	return domain.Route{
		ID:            strProp(p, "id"),
		ShortName:     strProp(p, "short_name"),
		LongName:      strProp(p, "long_name"),
		Type:          domain.RouteType(intProp(p, "route_type")),
		Color:         strProp(p, "route_color"),
		TotalStops:    int(intProp(p, "total_stops")),
		AvgRiskScore:  floatProp(p, "avg_risk_score"),
		HighRiskStops: int(intProp(p, "high_risk_stops")),
	}
}

func tripFromProps(p map[string]any) domain.Trip {
	return domain.Trip{
		ID:        strProp(p, "id"),
		RouteID:   strProp(p, "route_id"),
		Headsign:  strProp(p, "headsign"),
		Direction: int(intProp(p, "direction_id")),
		ServiceID: strProp(p, "service_id"),
	}
}

// recordProps flattens a record's columns into a property map.
func recordProps(rec *neo4j.Record) map[string]any {
	m := make(map[string]any, len(rec.Keys))
	for i, k := range rec.Keys {
		m[k] = rec.Values[i]
	}
	return m
}

// nodeProps returns the properties of the node in column key.
func nodeProps(rec *neo4j.Record, key string) (map[string]any, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, key)
	if err != nil {
		return nil, err
	}
	return node.Props, nil
}
