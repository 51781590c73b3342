// Package cluster links complaints of the same category that are close in
// both space and time.
package cluster

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/geo"
	"github.com/riomobi/transitrisk/pkg/fn"
)

// Clusterer derives CLUSTERS_WITH edges.
type Clusterer struct {
	radius  float64
	window  time.Duration
	workers int
	logger  *slog.Logger
}

// New creates a Clusterer from the clustering thresholds in params.
func New(params domain.Params, workers int, logger *slog.Logger) *Clusterer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clusterer{
		radius:  params.ClusterRadiusMeters,
		window:  params.ClusterWindow,
		workers: workers,
		logger:  logger,
	}
}

// Cluster returns one edge per unordered pair of same-category complaints
// within the radius and the time window. Edge A is always the smaller
// protocol. Complaints with invalid coordinates are skipped, and repeated
// protocols keep their first record. Output is sorted by (A, B).
func (c *Clusterer) Cluster(ctx context.Context, complaints []domain.Complaint) []domain.ClusterEdge {
	_, span := otel.Tracer("engine/cluster").Start(ctx, "cluster.Cluster")
	defer span.End()

	seen := make(map[string]struct{}, len(complaints))
	var valid []domain.Complaint
	skipped := 0
	for _, cp := range complaints {
		if _, dup := seen[cp.Protocol]; dup {
			continue
		}
		seen[cp.Protocol] = struct{}{}
		if domain.ValidateCoordinates(cp.Lat, cp.Lon) != nil {
			skipped++
			continue
		}
		valid = append(valid, cp)
	}

	groups := fn.GroupBy(valid, func(cp domain.Complaint) string { return cp.Category })
	cats := make([]string, 0, len(groups))
	for cat := range groups {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	perCat := fn.ParMap(cats, c.workers, func(cat string) []domain.ClusterEdge {
		return c.clusterGroup(cat, groups[cat])
	})
	edges := fn.FlatMap(perCat, func(es []domain.ClusterEdge) []domain.ClusterEdge { return es })
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})

	span.SetAttributes(
		attribute.Int("complaints", len(valid)),
		attribute.Int("categories", len(cats)),
		attribute.Int("edges", len(edges)),
	)
	c.logger.Info("complaint clustering complete", "complaints", len(valid), "skipped", skipped, "edges", len(edges))
	return edges
}

func (c *Clusterer) clusterGroup(cat string, group []domain.Complaint) []domain.ClusterEdge {
	byProto := make(map[string]domain.Complaint, len(group))
	pts := make([]geo.Point, len(group))
	for i, cp := range group {
		byProto[cp.Protocol] = cp
		pts[i] = geo.Point{ID: cp.Protocol, Lat: cp.Lat, Lon: cp.Lon}
	}
	grid := geo.NewGrid(c.radius, pts)

	var out []domain.ClusterEdge
	for _, a := range group {
		for _, m := range grid.Within(a.Lat, a.Lon, c.radius) {
			if m.ID <= a.Protocol {
				continue
			}
			b := byProto[m.ID]
			dt := b.OpenedAt.Sub(a.OpenedAt)
			if dt < 0 {
				dt = -dt
			}
			if dt > c.window {
				continue
			}
			out = append(out, domain.ClusterEdge{
				A:                      a.Protocol,
				B:                      b.Protocol,
				Category:               cat,
				SpatialProximityMeters: m.DistanceMeters,
				TemporalProximityHours: dt.Hours(),
			})
		}
	}
	return out
}
