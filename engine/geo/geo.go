// Package geo provides great-circle distance and a uniform-grid radius index.
package geo

import (
	"math"
	"sort"
)

// EarthRadiusMeters is the mean Earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

const metersPerDegree = EarthRadiusMeters * math.Pi / 180

// Distance returns the haversine distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dφ := (lat2 - lat1) * math.Pi / 180
	dλ := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dφ/2)*math.Sin(dφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Point is an indexed location.
type Point struct {
	ID  string
	Lat float64
	Lon float64
}

// Match is a point found within a query radius.
type Match struct {
	ID             string
	DistanceMeters float64
}

type cellKey struct{ row, col int }

// Grid buckets points into square cells of a fixed angular size. Queries
// return exactly what a brute-force scan would.
type Grid struct {
	cellDeg float64
	points  []Point
	cells   map[cellKey][]int
}

// NewGrid indexes pts with cells roughly cellMeters on a side.
func NewGrid(cellMeters float64, pts []Point) *Grid {
	if cellMeters <= 0 {
		cellMeters = 100
	}
	g := &Grid{
		cellDeg: cellMeters / metersPerDegree,
		points:  pts,
		cells:   make(map[cellKey][]int, len(pts)),
	}
	for i, p := range pts {
		k := g.key(p.Lat, p.Lon)
		g.cells[k] = append(g.cells[k], i)
	}
	return g
}

// Len returns the number of indexed points.
func (g *Grid) Len() int { return len(g.points) }

func (g *Grid) key(lat, lon float64) cellKey {
	return cellKey{row: int(math.Floor(lat / g.cellDeg)), col: int(math.Floor(lon / g.cellDeg))}
}

// Within returns every point whose distance to (lat, lon) is at most
// radius, ordered by distance then id.
func (g *Grid) Within(lat, lon, radius float64) []Match {
	dLat := radius / metersPerDegree * 1.01
	maxLat := math.Min(math.Abs(lat)+dLat, 89.9)
	cos := math.Cos(maxLat * math.Pi / 180)
	dLon := dLat / cos
	if lat+dLat >= 89.9 || lat-dLat <= -89.9 || lon-dLon < -180 || lon+dLon > 180 {
		return BruteForce(g.points, lat, lon, radius)
	}

	lo := g.key(lat-dLat, lon-dLon)
	hi := g.key(lat+dLat, lon+dLon)
	var out []Match
	for r := lo.row; r <= hi.row; r++ {
		for c := lo.col; c <= hi.col; c++ {
			for _, i := range g.cells[cellKey{r, c}] {
				p := g.points[i]
				if d := Distance(lat, lon, p.Lat, p.Lon); d <= radius {
					out = append(out, Match{ID: p.ID, DistanceMeters: d})
				}
			}
		}
	}
	sortMatches(out)
	return out
}

// BruteForce scans every point. It is the reference for Grid.Within.
func BruteForce(pts []Point, lat, lon, radius float64) []Match {
	var out []Match
	for _, p := range pts {
		if d := Distance(lat, lon, p.Lat, p.Lon); d <= radius {
			out = append(out, Match{ID: p.ID, DistanceMeters: d})
		}
	}
	sortMatches(out)
	return out
}

func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].DistanceMeters != ms[j].DistanceMeters {
			return ms[i].DistanceMeters < ms[j].DistanceMeters
		}
		return ms[i].ID < ms[j].ID
	})
}
