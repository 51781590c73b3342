// Package spatial links complaints to every stop within the join radius.
package spatial

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/geo"
	"github.com/riomobi/transitrisk/pkg/fn"
)

// Index answers radius queries over stop coordinates. Implementations
// must return exactly the stops a brute-force scan would.
type Index interface {
	Within(ctx context.Context, lat, lon, radius float64) ([]geo.Match, error)
}

// GridIndex is the in-process Index.
type GridIndex struct {
	grid *geo.Grid
}

// NewGridIndex indexes stops in cells of cellMeters.
func NewGridIndex(stops []domain.Stop, cellMeters float64) *GridIndex {
	return &GridIndex{grid: geo.NewGrid(cellMeters, stopPoints(stops))}
}

// Within implements Index.
func (g *GridIndex) Within(_ context.Context, lat, lon, radius float64) ([]geo.Match, error) {
	return g.grid.Within(lat, lon, radius), nil
}

func stopPoints(stops []domain.Stop) []geo.Point {
	pts := make([]geo.Point, len(stops))
	for i, s := range stops {
		pts[i] = geo.Point{ID: s.ID, Lat: s.Lat, Lon: s.Lon}
	}
	return pts
}

// Result is the outcome of one join.
type Result struct {
	Edges     []domain.AffectsEdge
	Summary   domain.Summary
	Unmatched int
	// Joined lists protocols whose edges were derived; they can be marked
	// synced.
	Joined []string
}

// Joiner derives AffectsEdges.
type Joiner struct {
	idx     Index
	params  domain.Params
	workers int
	logger  *slog.Logger
}

// NewJoiner creates a Joiner over idx.
func NewJoiner(idx Index, params domain.Params, workers int, logger *slog.Logger) *Joiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Joiner{idx: idx, params: params, workers: workers, logger: logger}
}

// Join links each complaint to every stop within the configured radius.
// A failing lookup is counted against that complaint and does not abort
// the batch. Edge order is deterministic.
func (j *Joiner) Join(ctx context.Context, complaints []domain.Complaint) Result {
	ctx, span := otel.Tracer("engine/spatial").Start(ctx, "spatial.Join")
	defer span.End()

	radius := j.params.AffectsRadiusMeters
	outcomes := fn.ParMapResult(complaints, j.workers, func(c domain.Complaint) fn.Result[[]domain.AffectsEdge] {
		return j.joinOne(ctx, c, radius)
	})

	var res Result
	for i, o := range outcomes {
		edges, err := o.Unwrap()
		res.Summary.Record(err)
		if err != nil {
			j.logger.Warn("join failed", "protocol", complaints[i].Protocol, "error", err)
			continue
		}
		if len(edges) == 0 {
			res.Unmatched++
		}
		res.Edges = append(res.Edges, edges...)
		res.Joined = append(res.Joined, complaints[i].Protocol)
	}

	span.SetAttributes(
		attribute.Int("complaints", len(complaints)),
		attribute.Int("edges", len(res.Edges)),
	)
	j.logger.Info("spatial join complete", "summary", res.Summary, "edges", len(res.Edges), "unmatched", res.Unmatched)
	return res
}

func (j *Joiner) joinOne(ctx context.Context, c domain.Complaint, radius float64) fn.Result[[]domain.AffectsEdge] {
	if err := domain.ValidateCoordinates(c.Lat, c.Lon); err != nil {
		return fn.Err[[]domain.AffectsEdge](domain.NewRecordError("complaint", c.Protocol, "lat/lon", err))
	}
	matches, err := j.idx.Within(ctx, c.Lat, c.Lon, radius)
	if err != nil {
		return fn.Err[[]domain.AffectsEdge](fmt.Errorf("spatial: lookup %s: %w", c.Protocol, err))
	}
	edges := make([]domain.AffectsEdge, 0, len(matches))
	for _, m := range matches {
		edges = append(edges, domain.AffectsEdge{
			Protocol:          c.Protocol,
			StopID:            m.ID,
			DistanceMeters:    math.Round(m.DistanceMeters),
			ImpactLevel:       c.Criticality,
			RiskContribution:  c.Weight,
			CriticalityWeight: j.params.Vocabulary.CriticalityWeight(c.Criticality),
			Timestamp:         c.OpenedAt,
		})
	}
	return fn.Ok(edges)
}

type edgeKey struct{ protocol, stop string }

// MergeEdges merges fresh edges into existing ones keyed by
// (complaint, stop); a fresh edge replaces the stored one. The result is
// sorted by protocol then stop id.
func MergeEdges(existing, fresh []domain.AffectsEdge) []domain.AffectsEdge {
	idx := make(map[edgeKey]int, len(existing)+len(fresh))
	out := make([]domain.AffectsEdge, 0, len(existing)+len(fresh))
	for _, set := range [][]domain.AffectsEdge{existing, fresh} {
		for _, e := range set {
			k := edgeKey{e.Protocol, e.StopID}
			if i, ok := idx[k]; ok {
				out[i] = e
				continue
			}
			idx[k] = len(out)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Protocol != out[b].Protocol {
			return out[a].Protocol < out[b].Protocol
		}
		return out[a].StopID < out[b].StopID
	})
	return out
}

// CountAffects resets every stop's TotalComplaints and recounts it from
// the full edge set, once per distinct affecting complaint.
func CountAffects(stops []domain.Stop, edges []domain.AffectsEdge) {
	seen := make(map[edgeKey]struct{}, len(edges))
	counts := make(map[string]int)
	for _, e := range edges {
		k := edgeKey{e.Protocol, e.StopID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		counts[e.StopID]++
	}
	for i := range stops {
		stops[i].TotalComplaints = counts[stops[i].ID]
	}
}
