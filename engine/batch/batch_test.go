package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/spatial"
	"github.com/riomobi/transitrisk/engine/transit"
)

var now = time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)

type fakeGraph struct {
	mu        sync.Mutex
	snap      domain.Snapshot
	calls     []string
	loadErr   error
	resultErr error
}

func (g *fakeGraph) LoadSnapshot(context.Context) (domain.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loadErr != nil {
		return domain.Snapshot{}, g.loadErr
	}
	s := g.snap
	s.Stops = append([]domain.Stop(nil), g.snap.Stops...)
	return s, nil
}

func (g *fakeGraph) SaveComplaints(_ context.Context, cs []domain.Complaint) error {
	g.record("complaints")
	return nil
}

func (g *fakeGraph) SaveAffects(_ context.Context, edges []domain.AffectsEdge) error {
	g.record("affects")
	g.mu.Lock()
	g.snap.Affects = spatial.MergeEdges(g.snap.Affects, edges)
	g.mu.Unlock()
	return nil
}

func (g *fakeGraph) ReplaceClusters(_ context.Context, edges []domain.ClusterEdge) error {
	g.record("clusters")
	g.mu.Lock()
	g.snap.Clusters = edges
	g.mu.Unlock()
	return nil
}

func (g *fakeGraph) WriteResults(_ context.Context, net *transit.Network, analysis *domain.Analysis) error {
	g.record("results")
	if g.resultErr != nil {
		return g.resultErr
	}
	g.mu.Lock()
	g.snap.Stops = append([]domain.Stop(nil), net.Stops...)
	g.snap.Routes = append([]domain.Route(nil), net.Routes...)
	if analysis != nil {
		g.snap.Analysis = analysis
	}
	g.mu.Unlock()
	return nil
}

func (g *fakeGraph) record(op string) {
	g.mu.Lock()
	g.calls = append(g.calls, op)
	g.mu.Unlock()
}

type fakeDocs struct {
	docs   map[string]domain.Complaint
	marked []string
}

func (d *fakeDocs) list(pred func(domain.Complaint) bool) []domain.Complaint {
	var out []domain.Complaint
	for _, c := range d.docs {
		if pred(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}

func (d *fakeDocs) Unsynced(context.Context) ([]domain.Complaint, error) {
	return d.list(func(c domain.Complaint) bool { return !c.Synced }), nil
}

func (d *fakeDocs) All(context.Context) ([]domain.Complaint, error) {
	return d.list(func(domain.Complaint) bool { return true }), nil
}

func (d *fakeDocs) MarkSynced(_ context.Context, protocols []string) error {
	for _, p := range protocols {
		c := d.docs[p]
		c.Synced = true
		d.docs[p] = c
	}
	d.marked = append(d.marked, protocols...)
	return nil
}

// A-B-C path 100 m apart with five open public-safety complaints at B.
func scenario() (*fakeGraph, *fakeDocs) {
	g := &fakeGraph{snap: domain.Snapshot{
		Stops: []domain.Stop{
			{ID: "A", Name: "Alfa", Lat: -22.9700, Lon: -43.1800},
			{ID: "B", Name: "Bravo", Lat: -22.9709, Lon: -43.1800},
			{ID: "C", Name: "Charlie", Lat: -22.9718, Lon: -43.1800},
		},
		Routes: []domain.Route{{ID: "R1", ShortName: "100"}},
		Connections: []domain.Connection{
			{From: "A", To: "B", RouteID: "R1", DistanceMeters: 100},
			{From: "B", To: "C", RouteID: "R1", DistanceMeters: 100},
		},
		Serves: []domain.Serves{
			{RouteID: "R1", StopID: "A"}, {RouteID: "R1", StopID: "B"}, {RouteID: "R1", StopID: "C"},
		},
	}}
	d := &fakeDocs{docs: map[string]domain.Complaint{}}
	for i := 0; i < 5; i++ {
		p := fmt.Sprintf("P%d", i)
		d.docs[p] = domain.Complaint{
			Protocol:    p,
			OpenedAt:    now.Add(-time.Duration(i+1) * time.Hour),
			Category:    domain.CategoryPublicSafety,
			Status:      domain.StatusOpen,
			Lat:         -22.9709,
			Lon:         -43.1800,
			Weight:      1.5,
			Criticality: domain.CriticalityHigh,
		}
	}
	return g, d
}

func newRunner(g Graph, d Documents) *Runner {
	return New(Deps{Graph: g, Documents: d, Params: domain.DefaultParams(), Workers: 2, Now: func() time.Time { return now }})
}

func stopByID(stops []domain.Stop, id string) domain.Stop {
	for _, s := range stops {
		if s.ID == id {
			return s
		}
	}
	return domain.Stop{}
}

func TestRun_SyncAndAnalyze(t *testing.T) {
	g, d := scenario()
	r := newRunner(g, d)

	sum, err := r.Run(context.Background(), Trigger{Reason: "test", Sync: true, Analyze: true})
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, domain.Summary{Inserted: 5}, sum.Sync)
	assert.Equal(t, 5, sum.NewEdges, "complaints sit on B, A and C are just over 100 m away")
	assert.Equal(t, 10, sum.Clusters)
	assert.Equal(t, []string{"complaints", "affects", "clusters", "results"}, g.calls)
	assert.Len(t, d.marked, 5)

	b := stopByID(g.snap.Stops, "B")
	assert.InDelta(t, 7.5/17.5, b.RiskScore, 1e-9)
	assert.Equal(t, domain.RiskHigh, b.RiskLevel)
	assert.Equal(t, 5, b.TotalComplaints)
	assert.Equal(t, 100.0, b.RiskScoreNormalized)
	assert.Greater(t, b.Betweenness, 0.0)
	assert.Equal(t, 0.0, stopByID(g.snap.Stops, "A").Betweenness)

	require.NotNil(t, g.snap.Analysis)
	assert.Equal(t, sum.RunID, g.snap.Analysis.RunID)
	assert.Equal(t, sum.Communities, g.snap.Analysis.Communities)
	assert.Equal(t, sum.Modularity, g.snap.Analysis.Modularity)
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	g, d := scenario()
	r := newRunner(g, d)
	ctx := context.Background()

	_, err := r.Run(ctx, Trigger{Sync: true, Analyze: true})
	require.NoError(t, err)
	first := append([]domain.Stop(nil), g.snap.Stops...)
	g.calls = nil

	sum, err := r.Run(ctx, Trigger{Sync: true, Analyze: true})
	require.NoError(t, err)
	assert.Zero(t, sum.NewEdges)
	assert.Equal(t, 5, sum.Edges)
	assert.Equal(t, []string{"clusters", "results"}, g.calls, "nothing new to save")
	assert.Equal(t, first, g.snap.Stops)
}

func TestRun_SyncOnlySkipsAnalytics(t *testing.T) {
	g, d := scenario()
	sum, err := newRunner(g, d).Run(context.Background(), Trigger{Sync: true})
	require.NoError(t, err)
	assert.False(t, sum.Analyzed)
	assert.NotContains(t, g.calls, "clusters")
	assert.Nil(t, g.snap.Analysis)
	assert.Equal(t, domain.RiskHigh, stopByID(g.snap.Stops, "B").RiskLevel)
}

func TestRun_EmptyGraphFailsWithoutWrites(t *testing.T) {
	_, d := scenario()
	g := &fakeGraph{}
	sum, err := newRunner(g, d).Run(context.Background(), Trigger{Sync: true, Analyze: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrComputation)
	assert.NotEmpty(t, sum.Error)
	assert.Empty(t, g.calls)
	assert.Empty(t, d.marked)
}

func TestRun_FailedWriteLeavesComplaintsUnsynced(t *testing.T) {
	g, d := scenario()
	g.resultErr = errors.New("neo4j down")
	_, err := newRunner(g, d).Run(context.Background(), Trigger{Sync: true})
	require.Error(t, err)
	assert.Empty(t, d.marked)

	unsynced, _ := d.Unsynced(context.Background())
	assert.Len(t, unsynced, 5)
}

func TestRun_SnapshotError(t *testing.T) {
	g, d := scenario()
	g.loadErr = errors.New("unreachable")
	_, err := newRunner(g, d).Run(context.Background(), Trigger{Sync: true})
	require.ErrorContains(t, err, "load snapshot")
}

func TestRun_IndexError(t *testing.T) {
	g, d := scenario()
	r := New(Deps{
		Graph:     g,
		Documents: d,
		Params:    domain.DefaultParams(),
		Index: func(context.Context, []domain.Stop) (spatial.Index, error) {
			return nil, errors.New("qdrant unavailable")
		},
	})
	_, err := r.Run(context.Background(), Trigger{Sync: true})
	require.ErrorContains(t, err, "spatial index")
	assert.Empty(t, g.calls)
}
