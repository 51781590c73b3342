package spatial

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/geo"
)

// A, B, C sit roughly 100 m apart on a north-south line.
func pathStops() []domain.Stop {
	return []domain.Stop{
		{ID: "A", Lat: -22.9700, Lon: -43.1800},
		{ID: "B", Lat: -22.9709, Lon: -43.1800},
		{ID: "C", Lat: -22.9718, Lon: -43.1800},
	}
}

func complaint(p string, lat, lon float64) domain.Complaint {
	return domain.Complaint{
		Protocol:    p,
		OpenedAt:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Category:    domain.CategoryPublicSafety,
		Status:      domain.StatusOpen,
		Lat:         lat,
		Lon:         lon,
		Weight:      1.5,
		Criticality: domain.CriticalityHigh,
	}
}

func TestJoin_RadiusAndFields(t *testing.T) {
	stops := pathStops()
	j := NewJoiner(NewGridIndex(stops, 100), domain.DefaultParams(), 2, nil)

	res := j.Join(context.Background(), []domain.Complaint{
		complaint("P1", -22.9709, -43.1800),  // on B: A and C are ~100.07 m away
		complaint("P2", -22.97045, -43.1800), // halfway A-B
		complaint("P3", -22.90, -43.10),      // far away
		{Protocol: "P4", Lat: 0, Lon: 0},
	})

	assert.Equal(t, domain.Summary{Inserted: 3, Dropped: 1}, res.Summary)
	assert.Equal(t, 1, res.Unmatched)
	assert.Equal(t, []string{"P1", "P2", "P3"}, res.Joined)

	byProto := map[string][]string{}
	for _, e := range res.Edges {
		byProto[e.Protocol] = append(byProto[e.Protocol], e.StopID)
		assert.LessOrEqual(t, e.DistanceMeters, 100.0)
		assert.Equal(t, domain.CriticalityHigh, e.ImpactLevel)
		assert.Equal(t, 1.5, e.RiskContribution)
		assert.Equal(t, 1.5, e.CriticalityWeight)
	}
	assert.Equal(t, []string{"B"}, byProto["P1"])
	assert.ElementsMatch(t, []string{"A", "B"}, byProto["P2"])
	assert.Empty(t, byProto["P3"])
}

func TestJoin_Idempotent(t *testing.T) {
	stops := pathStops()
	j := NewJoiner(NewGridIndex(stops, 50), domain.DefaultParams(), 4, nil)
	in := []domain.Complaint{
		complaint("P1", -22.9709, -43.1800),
		complaint("P2", -22.97045, -43.1800),
	}
	r1 := j.Join(context.Background(), in)
	r2 := j.Join(context.Background(), in)
	assert.Equal(t, r1.Edges, r2.Edges)

	merged := MergeEdges(r1.Edges, r2.Edges)
	assert.Equal(t, MergeEdges(nil, r1.Edges), merged)

	s1 := pathStops()
	CountAffects(s1, merged)
	CountAffects(s1, merged)
	assert.Equal(t, 1, s1[0].TotalComplaints)
	assert.Equal(t, 2, s1[1].TotalComplaints)
	assert.Equal(t, 0, s1[2].TotalComplaints)
}

func TestJoin_GridEqualsBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	stops := make([]domain.Stop, 500)
	for i := range stops {
		stops[i] = domain.Stop{ID: fmt.Sprintf("S%03d", i), Lat: -22.95 + rng.Float64()*0.02, Lon: -43.2 + rng.Float64()*0.02}
	}
	var complaints []domain.Complaint
	for i := 0; i < 300; i++ {
		complaints = append(complaints, complaint(fmt.Sprintf("P%03d", i), -22.95+rng.Float64()*0.02, -43.2+rng.Float64()*0.02))
	}
	grid := NewJoiner(NewGridIndex(stops, 100), domain.DefaultParams(), 8, nil).Join(context.Background(), complaints)
	brute := NewJoiner(bruteIndex(stops), domain.DefaultParams(), 1, nil).Join(context.Background(), complaints)
	assert.Equal(t, brute.Edges, grid.Edges)
}

type bruteIndex []domain.Stop

func (b bruteIndex) Within(_ context.Context, lat, lon, r float64) ([]geo.Match, error) {
	return geo.BruteForce(stopPoints(b), lat, lon, r), nil
}

type failingIndex struct{}

func (failingIndex) Within(context.Context, float64, float64, float64) ([]geo.Match, error) {
	return nil, errors.New("index down")
}

func TestJoin_LookupFailureIsCounted(t *testing.T) {
	res := NewJoiner(failingIndex{}, domain.DefaultParams(), 1, nil).
		Join(context.Background(), []domain.Complaint{complaint("P1", -22.97, -43.18)})
	assert.Equal(t, domain.Summary{Errors: 1}, res.Summary)
	assert.Empty(t, res.Joined)
}

func TestMergeEdges_FreshReplaces(t *testing.T) {
	old := []domain.AffectsEdge{{Protocol: "P1", StopID: "B", RiskContribution: 1}}
	fresh := []domain.AffectsEdge{
		{Protocol: "P1", StopID: "B", RiskContribution: 2},
		{Protocol: "P0", StopID: "A", RiskContribution: 3},
	}
	got := MergeEdges(old, fresh)
	require.Len(t, got, 2)
	assert.Equal(t, "P0", got[0].Protocol)
	assert.Equal(t, 2.0, got[1].RiskContribution)
}
