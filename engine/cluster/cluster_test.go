package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/geo"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func cp(p, cat string, lat, lon float64, opened time.Time) domain.Complaint {
	return domain.Complaint{Protocol: p, Category: cat, Lat: lat, Lon: lon, OpenedAt: opened}
}

func TestCluster_Thresholds(t *testing.T) {
	safety, light := domain.CategoryPublicSafety, domain.CategoryLighting
	in := []domain.Complaint{
		cp("P2", safety, -22.9700, -43.1800, t0),
		cp("P1", safety, -22.9710, -43.1800, t0.Add(48*time.Hour)),    // ~111 m, 2 days
		cp("P3", safety, -22.9700, -43.1800, t0.Add(8*24*time.Hour)),  // same place, 8 days
		cp("P4", light, -22.9700, -43.1800, t0),                       // other category
		cp("P5", safety, -22.9730, -43.1800, t0),                      // ~334 m
		cp("P6", safety, 0, 0, t0),                                    // invalid
		cp("P2", safety, -22.9800, -43.1800, t0),                      // repeated protocol
		cp("P7", safety, -22.97005, -43.1800, t0.Add(7*24*time.Hour)), // exactly 7 days
	}
	edges := New(domain.DefaultParams(), 2, nil).Cluster(context.Background(), in)

	var pairs []string
	for _, e := range edges {
		pairs = append(pairs, e.A+"-"+e.B)
		assert.Equal(t, safety, e.Category)
	}
	assert.Equal(t, []string{"P1-P2", "P1-P3", "P1-P7", "P2-P7", "P3-P7"}, pairs)

	require.Len(t, edges, 5)
	assert.InDelta(t, 111.2, edges[0].SpatialProximityMeters, 0.5)
	assert.Equal(t, 48.0, edges[0].TemporalProximityHours)
	assert.Equal(t, 7*24.0, edges[3].TemporalProximityHours)
}

func TestCluster_SymmetricAndDuplicateFree(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	cats := []string{domain.CategoryPublicSafety, domain.CategoryCleaning, domain.CategoryRoads}
	var in []domain.Complaint
	for i := 0; i < 400; i++ {
		in = append(in, cp(
			fmt.Sprintf("P%03d", i),
			cats[rng.Intn(len(cats))],
			-22.97+rng.Float64()*0.01,
			-43.18+rng.Float64()*0.01,
			t0.Add(time.Duration(rng.Intn(30*24))*time.Hour),
		))
	}
	edges := New(domain.DefaultParams(), 4, nil).Cluster(context.Background(), in)
	require.NotEmpty(t, edges)

	seen := map[[2]string]bool{}
	for _, e := range edges {
		assert.Less(t, e.A, e.B)
		assert.False(t, seen[[2]string{e.A, e.B}], "duplicate %s-%s", e.A, e.B)
		assert.False(t, seen[[2]string{e.B, e.A}], "reverse %s-%s", e.A, e.B)
		seen[[2]string{e.A, e.B}] = true
	}

	// Compare with an exhaustive pairwise scan.
	want := 0
	for i := range in {
		for j := i + 1; j < len(in); j++ {
			a, b := in[i], in[j]
			if a.Category != b.Category {
				continue
			}
			dt := a.OpenedAt.Sub(b.OpenedAt)
			if dt < 0 {
				dt = -dt
			}
			if dt <= 7*24*time.Hour && geo.Distance(a.Lat, a.Lon, b.Lat, b.Lon) <= 200 {
				want++
			}
		}
	}
	assert.Len(t, edges, want)
}

func TestCluster_Empty(t *testing.T) {
	assert.Empty(t, New(domain.DefaultParams(), 1, nil).Cluster(context.Background(), nil))
}
