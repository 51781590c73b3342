// Package domain defines the transit-risk data model, the complaint
// vocabularies and the error taxonomy shared by every engine package.
package domain

import "time"

// RouteType distinguishes transport modes in a GTFS feed.
type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCableTram  RouteType = 5
	RouteTypeAerialLift RouteType = 6
	RouteTypeFunicular  RouteType = 7
)

func (t RouteType) String() string {
	switch t {
	case RouteTypeTram:
		return "tram"
	case RouteTypeSubway:
		return "subway"
	case RouteTypeRail:
		return "rail"
	case RouteTypeBus:
		return "bus"
	case RouteTypeFerry:
		return "ferry"
	case RouteTypeCableTram:
		return "cable_tram"
	case RouteTypeAerialLift:
		return "aerial_lift"
	case RouteTypeFunicular:
		return "funicular"
	default:
		return "unknown"
	}
}

// RiskLevel is the tier assigned to a stop after normalization.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "Alto"
	RiskMedium RiskLevel = "Medio"
	RiskLow    RiskLevel = "Baixo"
)

// Stop is a physical boarding point. Derived fields are written only by the
// risk aggregator and the analytics engine.
type Stop struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Wheelchair bool    `json:"wheelchair_accessible"`

	// TotalComplaints counts every affecting complaint. ActiveComplaints and
	// OpenComplaints count only those inside the risk recency window.
	TotalComplaints     int       `json:"total_complaints"`
	ActiveComplaints    int       `json:"active_complaints"`
	OpenComplaints      int       `json:"open_complaints"`
	RiskScore           float64   `json:"risk_score"`
	RiskScoreNormalized float64   `json:"risk_score_normalized"`
	RiskLevel           RiskLevel `json:"risk_level,omitempty"`
	Betweenness         float64   `json:"betweenness_centrality"`
	PageRank            float64   `json:"pagerank"`
	CommunityID         int       `json:"community_id"`
}

// Route is a transit line. It owns no stops; see Serves.
type Route struct {
	ID        string    `json:"id"`
	ShortName string    `json:"short_name"`
	LongName  string    `json:"long_name"`
	Type      RouteType `json:"type"`
	Color     string    `json:"color"`

	TotalStops    int     `json:"total_stops"`
	AvgRiskScore  float64 `json:"avg_risk_score"`
	HighRiskStops int     `json:"high_risk_stops"`
}

// Trip defines a stop visitation order for one route.
type Trip struct {
	ID        string `json:"id"`
	RouteID   string `json:"route_id"`
	Headsign  string `json:"headsign"`
	Direction int    `json:"direction"`
	ServiceID string `json:"service_type"`
}

// StopTime is one scheduled visit of a trip to a stop.
type StopTime struct {
	TripID    string `json:"trip_id"`
	StopID    string `json:"stop_id"`
	Sequence  int    `json:"sequence"`
	Arrival   string `json:"arrival"`
	Departure string `json:"departure"`
}

// Connection is a directed CONNECTS_TO edge between consecutive stops of a
// trip, keyed by (From, To, RouteID).
type Connection struct {
	From              string  `json:"from"`
	To                string  `json:"to"`
	RouteID           string  `json:"route_id"`
	DistanceMeters    float64 `json:"distance_meters"`
	Sequence          int     `json:"sequence"`
	TravelTimeSeconds int     `json:"travel_time_seconds"`
	RiskAdjustedCost  float64 `json:"risk_adjusted_cost"`
}

// ConnectionKey identifies a connection for idempotent merges.
type ConnectionKey struct {
	From, To, RouteID string
}

// Key returns the merge key of c.
func (c Connection) Key() ConnectionKey {
	return ConnectionKey{From: c.From, To: c.To, RouteID: c.RouteID}
}

// Serves links a route to a stop visited by at least one of its trips.
type Serves struct {
	RouteID    string `json:"route_id"`
	StopID     string `json:"stop_id"`
	TotalTrips int    `json:"total_trips"`
}

// Status is the lifecycle state of a complaint.
type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "In Progress"
	StatusClosed     Status = "Closed"
)

// Active reports whether complaints in this state count toward risk.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress
}

// Criticality is the severity tier of a complaint.
type Criticality string

const (
	CriticalityHigh   Criticality = "High"
	CriticalityMedium Criticality = "Medium"
	CriticalityLow    Criticality = "Low"
)

// Complaint is a geocoded citizen complaint in canonical form.
type Complaint struct {
	Protocol     string      `json:"protocol"`
	OpenedAt     time.Time   `json:"opened_at"`
	Category     string      `json:"category"`
	Description  string      `json:"description"`
	Status       Status      `json:"status"`
	Lat          float64     `json:"lat"`
	Lon          float64     `json:"lon"`
	Weight       float64     `json:"weight"`
	Criticality  Criticality `json:"criticality"`
	Neighborhood string      `json:"neighborhood"`
	Synced       bool        `json:"synced"`
	ImportedAt   time.Time   `json:"imported_at"`
}

// AffectsEdge links a complaint to a stop within the join radius.
type AffectsEdge struct {
	Protocol          string      `json:"protocol"`
	StopID            string      `json:"stop_id"`
	DistanceMeters    float64     `json:"distance_meters"`
	ImpactLevel       Criticality `json:"impact_level"`
	RiskContribution  float64     `json:"risk_contribution"`
	CriticalityWeight float64     `json:"criticality_weight"`
	Timestamp         time.Time   `json:"timestamp"`
}

// ClusterEdge links two proximate complaints of the same category. A is
// always the lexically smaller protocol.
type ClusterEdge struct {
	A                      string  `json:"complaint_a"`
	B                      string  `json:"complaint_b"`
	Category               string  `json:"category"`
	SpatialProximityMeters float64 `json:"spatial_proximity_meters"`
	TemporalProximityHours float64 `json:"temporal_proximity_hours"`
}

// Neighborhood is informational and not used by the core algorithms.
type Neighborhood struct {
	Name            string `json:"name"`
	Region          string `json:"region"`
	Population      int    `json:"population"`
	TotalStops      int    `json:"total_stops"`
	TotalComplaints int    `json:"total_complaints"`
}

// SeedNeighborhoods is written once by schema setup.
var SeedNeighborhoods = []Neighborhood{
	{Name: "Copacabana", Region: "Zona Sul", Population: 146392},
	{Name: "Ipanema", Region: "Zona Sul", Population: 42080},
	{Name: "Centro", Region: "Centro", Population: 41142},
	{Name: "Botafogo", Region: "Zona Sul", Population: 82890},
	{Name: "Tijuca", Region: "Zona Norte", Population: 181839},
	{Name: "Barra da Tijuca", Region: "Zona Oeste", Population: 300823},
}

// Analysis is the graph-wide outcome of the last analytics pass.
type Analysis struct {
	RunID       string    `json:"run_id"`
	Communities int       `json:"communities"`
	Modularity  float64   `json:"modularity"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Snapshot is the persisted graph state read back from a graph store.
type Snapshot struct {
	Stops       []Stop
	Routes      []Route
	Trips       []Trip
	Connections []Connection
	Serves      []Serves
	Affects     []AffectsEdge
	Clusters    []ClusterEdge
	// Analysis is nil until analytics have run once.
	Analysis *Analysis
}
