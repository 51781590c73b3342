// Package query exposes read-only accessors and reports over a settled
// graph snapshot. It never writes back.
package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/riomobi/transitrisk/engine/analytics"
	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/geo"
	"github.com/riomobi/transitrisk/engine/transit"
)

// StopView is a stop as presented to callers.
type StopView struct {
	domain.Stop
	Classification string `json:"classification"`
}

// AffectedStop is one stop a complaint affects.
type AffectedStop struct {
	StopID         string  `json:"stop_id"`
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters"`
}

// ComplaintView is a complaint with the stops it affects.
type ComplaintView struct {
	domain.Complaint
	AffectedStops []AffectedStop `json:"affected_stops"`
}

// StopDetail adds the neighbourhood of a stop.
type StopDetail struct {
	StopView
	Complaints  []domain.Complaint `json:"complaints"`
	Categories  []string           `json:"complaint_types"`
	Connections int                `json:"connections"`
}

// RouteDetail is a route with the stops it serves.
type RouteDetail struct {
	domain.Route
	Stops       []StopView `json:"stops"`
	MaxStopRisk float64    `json:"max_stop_risk"`
}

// Edge is a connection prepared for visualization.
type Edge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	SourceName string  `json:"source_name"`
	TargetName string  `json:"target_name"`
	RouteID    string  `json:"route_id"`
	Distance   float64 `json:"distance"`
	Cost       float64 `json:"cost"`
	SourceRisk float64 `json:"source_risk"`
	TargetRisk float64 `json:"target_risk"`
}

// NearbyStop is a stop returned by a radius lookup.
type NearbyStop struct {
	StopView
	DistanceMeters float64 `json:"distance_meters"`
}

// View is an immutable in-memory read model.
type View struct {
	params     domain.Params
	net        *transit.Network
	complaints []domain.Complaint
	byProto    map[string]int
	affProto   map[string][]domain.AffectsEdge
	affStop    map[string][]domain.AffectsEdge
	clusters   []domain.ClusterEdge
	analysis   *domain.Analysis
	grid       *geo.Grid
	builtAt    time.Time
}

// NewView indexes a snapshot and the complaint documents.
func NewView(snap domain.Snapshot, complaints []domain.Complaint, params domain.Params) *View {
	v := &View{
		params:   params,
		net:      transit.Restore(snap.Stops, snap.Routes, snap.Trips, snap.Connections, snap.Serves),
		byProto:  make(map[string]int, len(complaints)),
		affProto: make(map[string][]domain.AffectsEdge),
		affStop:  make(map[string][]domain.AffectsEdge),
		clusters: snap.Clusters,
		analysis: snap.Analysis,
		builtAt:  time.Now(),
	}

	v.complaints = append([]domain.Complaint(nil), complaints...)
	sort.SliceStable(v.complaints, func(i, j int) bool { return v.complaints[i].Protocol < v.complaints[j].Protocol })
	for i, c := range v.complaints {
		if _, ok := v.byProto[c.Protocol]; !ok {
			v.byProto[c.Protocol] = i
		}
	}
	for _, e := range snap.Affects {
		v.affProto[e.Protocol] = append(v.affProto[e.Protocol], e)
		v.affStop[e.StopID] = append(v.affStop[e.StopID], e)
	}

	pts := make([]geo.Point, 0, len(v.net.Stops))
	for _, s := range v.net.Stops {
		pts = append(pts, geo.Point{ID: s.ID, Lat: s.Lat, Lon: s.Lon})
	}
	v.grid = geo.NewGrid(500, pts)
	return v
}

// BuiltAt returns when the view was indexed.
func (v *View) BuiltAt() time.Time { return v.builtAt }

func (v *View) stopView(s domain.Stop) StopView {
	return StopView{Stop: s, Classification: analytics.Classify(s, v.params)}
}

// StopFilter narrows Stops.
type StopFilter struct {
	Level domain.RiskLevel
	Limit int
}

// Stops returns stops ordered by normalized risk, highest first, then id.
func (v *View) Stops(f StopFilter) []StopView {
	var out []StopView
	for _, s := range v.net.Stops {
		if f.Level != "" && s.RiskLevel != f.Level {
			continue
		}
		out = append(out, v.stopView(s))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RiskScoreNormalized != out[j].RiskScoreNormalized {
			return out[i].RiskScoreNormalized > out[j].RiskScoreNormalized
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit)
}

// Stop returns one stop with its affecting complaints.
func (v *View) Stop(id string) (StopDetail, error) {
	s, ok := v.net.Stop(id)
	if !ok {
		return StopDetail{}, fmt.Errorf("query: stop %q: %w", id, domain.ErrNotFound)
	}
	d := StopDetail{StopView: v.stopView(s)}
	cats := make(map[string]struct{})
	for _, e := range v.affStop[id] {
		c, ok := v.complaint(e.Protocol)
		if !ok {
			continue
		}
		d.Complaints = append(d.Complaints, c)
		if _, seen := cats[c.Category]; !seen {
			cats[c.Category] = struct{}{}
			d.Categories = append(d.Categories, c.Category)
		}
	}
	sort.Slice(d.Complaints, func(i, j int) bool { return d.Complaints[i].Protocol < d.Complaints[j].Protocol })
	sort.Strings(d.Categories)
	for _, c := range v.net.Connections {
		if c.From == id {
			d.Connections++
		}
	}
	return d, nil
}

// Routes returns routes ordered by average risk, highest first.
func (v *View) Routes(n int) []domain.Route {
	out := append([]domain.Route(nil), v.net.Routes...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AvgRiskScore != out[j].AvgRiskScore {
			return out[i].AvgRiskScore > out[j].AvgRiskScore
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, n)
}

// Route returns a route by id or short name with the stops it serves.
func (v *View) Route(key string) (RouteDetail, error) {
	r, ok := v.net.Route(key)
	if !ok {
		for _, cand := range v.net.Routes {
			if cand.ShortName == key {
				r, ok = cand, true
				break
			}
		}
	}
	if !ok {
		return RouteDetail{}, fmt.Errorf("query: route %q: %w", key, domain.ErrNotFound)
	}
	d := RouteDetail{Route: r}
	for _, id := range v.net.StopsServedBy(r.ID) {
		s, _ := v.net.Stop(id)
		d.Stops = append(d.Stops, v.stopView(s))
		d.MaxStopRisk = max(d.MaxStopRisk, s.RiskScore)
	}
	return d, nil
}

func (v *View) complaint(protocol string) (domain.Complaint, bool) {
	i, ok := v.byProto[protocol]
	if !ok {
		return domain.Complaint{}, false
	}
	return v.complaints[i], true
}

// Complaint returns a complaint and the stops it affects, nearest first.
func (v *View) Complaint(protocol string) (ComplaintView, error) {
	c, ok := v.complaint(protocol)
	if !ok {
		return ComplaintView{}, fmt.Errorf("query: complaint %q: %w", protocol, domain.ErrNotFound)
	}
	cv := ComplaintView{Complaint: c, AffectedStops: []AffectedStop{}}
	for _, e := range v.affProto[protocol] {
		s, _ := v.net.Stop(e.StopID)
		cv.AffectedStops = append(cv.AffectedStops, AffectedStop{StopID: e.StopID, Name: s.Name, DistanceMeters: e.DistanceMeters})
	}
	sort.Slice(cv.AffectedStops, func(i, j int) bool {
		a, b := cv.AffectedStops[i], cv.AffectedStops[j]
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		return a.StopID < b.StopID
	})
	return cv, nil
}

// Complaints returns complaints ordered by protocol, optionally filtered
// by category (case-insensitive).
func (v *View) Complaints(category string, n int) []domain.Complaint {
	var out []domain.Complaint
	for i, c := range v.complaints {
		if i > 0 && v.complaints[i-1].Protocol == c.Protocol {
			continue
		}
		if category != "" && !strings.EqualFold(c.Category, category) {
			continue
		}
		out = append(out, c)
	}
	return limit(out, n)
}

// Clusters returns the cluster edges touching protocol, or all of them
// when protocol is empty.
func (v *View) Clusters(protocol string) []domain.ClusterEdge {
	if protocol == "" {
		return v.clusters
	}
	var out []domain.ClusterEdge
	for _, e := range v.clusters {
		if e.A == protocol || e.B == protocol {
			out = append(out, e)
		}
	}
	return out
}

// Edges returns connections for visualization.
func (v *View) Edges(n int) []Edge {
	out := make([]Edge, 0, len(v.net.Connections))
	for _, c := range v.net.Connections {
		from, _ := v.net.Stop(c.From)
		to, _ := v.net.Stop(c.To)
		out = append(out, Edge{
			Source:     c.From,
			Target:     c.To,
			SourceName: from.Name,
			TargetName: to.Name,
			RouteID:    c.RouteID,
			Distance:   c.DistanceMeters,
			Cost:       c.RiskAdjustedCost,
			SourceRisk: from.RiskScore,
			TargetRisk: to.RiskScore,
		})
	}
	return limit(out, n)
}

// NearbyStops returns stops within radius of a point, nearest first.
func (v *View) NearbyStops(lat, lon, radius float64, n int) ([]NearbyStop, error) {
	if err := domain.ValidateCoordinates(lat, lon); err != nil {
		return nil, fmt.Errorf("query: nearby: %w", err)
	}
	var out []NearbyStop
	for _, m := range v.grid.Within(lat, lon, radius) {
		s, _ := v.net.Stop(m.ID)
		out = append(out, NearbyStop{StopView: v.stopView(s), DistanceMeters: m.DistanceMeters})
	}
	return limit(out, n), nil
}

func limit[T any](xs []T, n int) []T {
	if n > 0 && len(xs) > n {
		return xs[:n]
	}
	return xs
}
