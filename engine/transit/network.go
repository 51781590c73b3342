// Package transit builds the stop/route/trip connectivity graph from a
// transit schedule feed.
package transit

import (
	"fmt"
	"sort"

	"github.com/riomobi/transitrisk/engine/domain"
)

// TripLink is the Trip->Route ownership edge.
type TripLink struct {
	TripID  string
	RouteID string
}

type servesKey struct{ route, stop string }

// Network is an arena of nodes keyed by id. Edges reference nodes by key
// only, so the graph holds no pointer cycles.
type Network struct {
	Stops       []domain.Stop
	Routes      []domain.Route
	Trips       []domain.Trip
	TripLinks   []TripLink
	Connections []domain.Connection
	Serves      []domain.Serves

	stopIdx   map[string]int
	routeIdx  map[string]int
	tripIdx   map[string]int
	connIdx   map[domain.ConnectionKey]int
	servesIdx map[servesKey]int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		stopIdx:   make(map[string]int),
		routeIdx:  make(map[string]int),
		tripIdx:   make(map[string]int),
		connIdx:   make(map[domain.ConnectionKey]int),
		servesIdx: make(map[servesKey]int),
	}
}

// AddStop inserts a stop node. Re-creating an existing id is an integrity
// error; the first node wins.
func (n *Network) AddStop(s domain.Stop) error {
	if err := domain.ValidateStop(s); err != nil {
		return err
	}
	if _, ok := n.stopIdx[s.ID]; ok {
		return domain.NewRecordError("stop", s.ID, "id", domain.ErrIntegrity)
	}
	n.stopIdx[s.ID] = len(n.Stops)
	n.Stops = append(n.Stops, s)
	return nil
}

// AddRoute inserts a route node.
func (n *Network) AddRoute(r domain.Route) error {
	if r.ID == "" {
		return domain.NewRecordError("route", r.ID, "id", domain.ErrSchema)
	}
	if _, ok := n.routeIdx[r.ID]; ok {
		return domain.NewRecordError("route", r.ID, "id", domain.ErrIntegrity)
	}
	n.routeIdx[r.ID] = len(n.Routes)
	n.Routes = append(n.Routes, r)
	return nil
}

// AddTrip inserts a trip node and links it to its route when the route is
// known. It reports whether the link was made; an unlinked trip is kept.
func (n *Network) AddTrip(t domain.Trip) (bool, error) {
	if t.ID == "" {
		return false, domain.NewRecordError("trip", t.ID, "id", domain.ErrSchema)
	}
	if _, ok := n.tripIdx[t.ID]; ok {
		return false, domain.NewRecordError("trip", t.ID, "id", domain.ErrIntegrity)
	}
	n.tripIdx[t.ID] = len(n.Trips)
	n.Trips = append(n.Trips, t)
	if _, ok := n.routeIdx[t.RouteID]; !ok {
		return false, nil
	}
	n.TripLinks = append(n.TripLinks, TripLink{TripID: t.ID, RouteID: t.RouteID})
	return true, nil
}

// MergeConnection inserts c unless its key exists. The first computed
// distance and cost are kept. It reports whether c was inserted.
func (n *Network) MergeConnection(c domain.Connection) bool {
	k := c.Key()
	if _, ok := n.connIdx[k]; ok {
		return false
	}
	n.connIdx[k] = len(n.Connections)
	n.Connections = append(n.Connections, c)
	return true
}

// MergeServes records that a route serves a stop, keeping the larger trip
// count on conflict.
func (n *Network) MergeServes(s domain.Serves) {
	k := servesKey{s.RouteID, s.StopID}
	if i, ok := n.servesIdx[k]; ok {
		if s.TotalTrips > n.Serves[i].TotalTrips {
			n.Serves[i].TotalTrips = s.TotalTrips
		}
		return
	}
	n.servesIdx[k] = len(n.Serves)
	n.Serves = append(n.Serves, s)
}

// StopIndex returns the arena index of a stop.
func (n *Network) StopIndex(id string) (int, bool) {
	i, ok := n.stopIdx[id]
	return i, ok
}

// Stop returns a stop by id.
func (n *Network) Stop(id string) (domain.Stop, bool) {
	i, ok := n.stopIdx[id]
	if !ok {
		return domain.Stop{}, false
	}
	return n.Stops[i], true
}

// Route returns a route by id.
func (n *Network) Route(id string) (domain.Route, bool) {
	i, ok := n.routeIdx[id]
	if !ok {
		return domain.Route{}, false
	}
	return n.Routes[i], true
}

// Trip returns a trip by id.
func (n *Network) Trip(id string) (domain.Trip, bool) {
	i, ok := n.tripIdx[id]
	if !ok {
		return domain.Trip{}, false
	}
	return n.Trips[i], true
}

// Connection returns a connection by key.
func (n *Network) Connection(k domain.ConnectionKey) (domain.Connection, bool) {
	i, ok := n.connIdx[k]
	if !ok {
		return domain.Connection{}, false
	}
	return n.Connections[i], true
}

// UpdateStop replaces the derived fields of an existing stop.
func (n *Network) UpdateStop(s domain.Stop) error {
	i, ok := n.stopIdx[s.ID]
	if !ok {
		return fmt.Errorf("transit: update stop %q: %w", s.ID, domain.ErrNotFound)
	}
	n.Stops[i] = s
	return nil
}

// StopsServedBy returns the stop ids served by a route, sorted.
func (n *Network) StopsServedBy(routeID string) []string {
	var out []string
	for _, s := range n.Serves {
		if s.RouteID == routeID {
			out = append(out, s.StopID)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy. Analyses run on clones so a failed run leaves
// the source untouched.
func (n *Network) Clone() *Network {
	c := NewNetwork()
	c.Stops = append([]domain.Stop(nil), n.Stops...)
	c.Routes = append([]domain.Route(nil), n.Routes...)
	c.Trips = append([]domain.Trip(nil), n.Trips...)
	c.TripLinks = append([]TripLink(nil), n.TripLinks...)
	c.Connections = append([]domain.Connection(nil), n.Connections...)
	c.Serves = append([]domain.Serves(nil), n.Serves...)
	for k, v := range n.stopIdx {
		c.stopIdx[k] = v
	}
	for k, v := range n.routeIdx {
		c.routeIdx[k] = v
	}
	for k, v := range n.tripIdx {
		c.tripIdx[k] = v
	}
	for k, v := range n.connIdx {
		c.connIdx[k] = v
	}
	for k, v := range n.servesIdx {
		c.servesIdx[k] = v
	}
	return c
}

// Restore rebuilds a network from persisted node and edge lists, such as a
// graph store snapshot. Duplicate keys keep the first occurrence.
func Restore(stops []domain.Stop, routes []domain.Route, trips []domain.Trip,
	conns []domain.Connection, serves []domain.Serves) *Network {
	n := NewNetwork()
	for _, s := range stops {
		if _, ok := n.stopIdx[s.ID]; ok {
			continue
		}
		n.stopIdx[s.ID] = len(n.Stops)
		n.Stops = append(n.Stops, s)
	}
	for _, r := range routes {
		_ = n.AddRoute(r)
	}
	for _, t := range trips {
		_, _ = n.AddTrip(t)
	}
	for _, c := range conns {
		n.MergeConnection(c)
	}
	for _, s := range serves {
		n.MergeServes(s)
	}
	return n
}
