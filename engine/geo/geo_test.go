package geo

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	assert.InDelta(t, 0, Distance(-22.9, -43.2, -22.9, -43.2), 1e-9)
	// one degree of latitude
	assert.InDelta(t, 111195, Distance(0, 10, 1, 10), 1)
	// symmetric
	a := Distance(-22.97, -43.18, -22.91, -43.17)
	b := Distance(-22.91, -43.17, -22.97, -43.18)
	assert.InDelta(t, a, b, 1e-9)
}

func TestGrid_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pts := make([]Point, 2000)
	for i := range pts {
		pts[i] = Point{
			ID:  fmt.Sprintf("s%04d", i),
			Lat: -22.95 + rng.Float64()*0.05,
			Lon: -43.25 + rng.Float64()*0.05,
		}
	}
	g := NewGrid(100, pts)
	require.Equal(t, len(pts), g.Len())

	for _, radius := range []float64{25, 100, 250, 1000} {
		for q := 0; q < 200; q++ {
			lat := -22.95 + rng.Float64()*0.05
			lon := -43.25 + rng.Float64()*0.05
			want := BruteForce(pts, lat, lon, radius)
			got := g.Within(lat, lon, radius)
			require.Equal(t, want, got, "radius=%v lat=%v lon=%v", radius, lat, lon)
		}
	}
}

func TestGrid_CellBoundary(t *testing.T) {
	// two points straddling a cell edge, 50 m apart
	pts := []Point{{ID: "a", Lat: 0.0004, Lon: 10}, {ID: "b", Lat: 0.0004, Lon: 10.00045}}
	g := NewGrid(10, pts)
	got := g.Within(0.0004, 10, 60)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestGrid_NearAntimeridianFallsBack(t *testing.T) {
	pts := []Point{{ID: "east", Lat: 0, Lon: 179.9999}, {ID: "west", Lat: 0, Lon: -179.9999}}
	g := NewGrid(100, pts)
	got := g.Within(0, 179.9999, 100)
	assert.Equal(t, BruteForce(pts, 0, 179.9999, 100), got)
	assert.Len(t, got, 2)
}

func TestGrid_Empty(t *testing.T) {
	g := NewGrid(0, nil)
	assert.Empty(t, g.Within(1, 1, 100))
}
