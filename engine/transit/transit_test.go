package transit

import (
	"archive/zip"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/geo"
)

func sampleFeed() Feed {
	return Feed{
		Stops: []domain.Stop{
			{ID: "A", Name: "Alpha", Lat: -22.9700, Lon: -43.1800},
			{ID: "B", Name: "Bravo", Lat: -22.9709, Lon: -43.1800},
			{ID: "C", Name: "Charlie", Lat: -22.9718, Lon: -43.1800},
			{ID: "A", Name: "Alpha again", Lat: -22.0, Lon: -43.0},
			{ID: "X", Name: "No coords", Lat: math.NaN(), Lon: -43.0},
		},
		Routes: []domain.Route{
			{ID: "R1", ShortName: "100", Type: domain.RouteTypeBus},
			{ID: "R2", ShortName: "200", Type: domain.RouteTypeBus},
		},
		Trips: []domain.Trip{
			{ID: "T1", RouteID: "R1"},
			{ID: "T2", RouteID: "R1"},
			{ID: "T3", RouteID: "R2"},
			{ID: "T4", RouteID: "GHOST"},
		},
		StopTimes: []domain.StopTime{
			// out of order on purpose
			{TripID: "T1", StopID: "C", Sequence: 3, Arrival: "08:04:00", Departure: "08:04:00"},
			{TripID: "T1", StopID: "A", Sequence: 1, Arrival: "08:00:00", Departure: "08:00:30"},
			{TripID: "T1", StopID: "B", Sequence: 2, Arrival: "08:02:00", Departure: "08:02:10"},
			{TripID: "T2", StopID: "A", Sequence: 1},
			{TripID: "T2", StopID: "B", Sequence: 2},
			{TripID: "T3", StopID: "B", Sequence: 1, Departure: "25:10:00"},
			{TripID: "T3", StopID: "A", Sequence: 2, Arrival: "25:11:00"},
			{TripID: "T4", StopID: "A", Sequence: 1},
			{TripID: "T4", StopID: "C", Sequence: 2},
			{TripID: "T9", StopID: "A", Sequence: 1},
			{TripID: "T1", StopID: "X", Sequence: 9},
		},
	}
}

func TestBuild(t *testing.T) {
	n, rep := NewBuilder(domain.DefaultParams(), 4, nil).Build(context.Background(), sampleFeed())

	assert.Equal(t, domain.Summary{Inserted: 3, Duplicates: 1, Dropped: 1}, rep.Stops)
	assert.Equal(t, 2, rep.Routes.Inserted)
	assert.Equal(t, 4, rep.Trips.Inserted)
	assert.Equal(t, 1, rep.UnlinkedTrips)
	assert.Equal(t, 2, rep.SkippedStopTimes)

	a, ok := n.Stop("A")
	require.True(t, ok)
	assert.Equal(t, "Alpha", a.Name, "first stop wins")

	// T1: A->B, B->C on R1; T2 repeats A->B on R1; T3: B->A on R2; T4: A->C on GHOST
	require.Len(t, n.Connections, 4)
	assert.Equal(t, 4, rep.Connections)

	ab, ok := n.Connection(domain.ConnectionKey{From: "A", To: "B", RouteID: "R1"})
	require.True(t, ok)
	assert.InDelta(t, geo.Distance(-22.97, -43.18, -22.9709, -43.18), ab.DistanceMeters, 1e-9)
	assert.Equal(t, 90, ab.TravelTimeSeconds, "first trip's timing is kept")
	assert.Equal(t, 1, ab.Sequence)
	assert.Equal(t, ab.DistanceMeters, ab.RiskAdjustedCost)

	ba, ok := n.Connection(domain.ConnectionKey{From: "B", To: "A", RouteID: "R2"})
	require.True(t, ok)
	assert.Equal(t, 60, ba.TravelTimeSeconds, "hours past 24 parse")

	_, ok = n.Connection(domain.ConnectionKey{From: "A", To: "C", RouteID: "GHOST"})
	assert.True(t, ok, "unlinked trips still contribute connections")

	require.Len(t, n.TripLinks, 3)

	assert.Equal(t, 5, rep.Serves)
	assert.Equal(t, []string{"A", "B", "C"}, n.StopsServedBy("R1"))
	assert.Equal(t, []string{"A", "B"}, n.StopsServedBy("R2"))
	assert.Empty(t, n.StopsServedBy("GHOST"))
	for _, s := range n.Serves {
		if s.RouteID == "R1" && s.StopID == "A" {
			assert.Equal(t, 2, s.TotalTrips)
		}
		if s.RouteID == "R1" && s.StopID == "C" {
			assert.Equal(t, 1, s.TotalTrips)
		}
	}
}

func TestBuild_Idempotent(t *testing.T) {
	b := NewBuilder(domain.DefaultParams(), 0, nil)
	n1, _ := b.Build(context.Background(), sampleFeed())
	n2, _ := b.Build(context.Background(), sampleFeed())
	assert.Equal(t, n1.Connections, n2.Connections)
	assert.Equal(t, n1.Serves, n2.Serves)

	for _, c := range n1.Connections {
		assert.False(t, n1.MergeConnection(c), "re-merge must not duplicate %v", c.Key())
	}
	assert.Len(t, n1.Connections, 4)
}

func TestDefaultTravelTime(t *testing.T) {
	n, _ := NewBuilder(domain.DefaultParams(), 1, nil).Build(context.Background(), sampleFeed())
	c, _ := n.Connection(domain.ConnectionKey{From: "A", To: "C", RouteID: "GHOST"})
	assert.Equal(t, 120, c.TravelTimeSeconds)
}

func TestParseClock(t *testing.T) {
	v, ok := ParseClock("25:01:02")
	assert.True(t, ok)
	assert.Equal(t, 25*3600+62, v)
	for _, bad := range []string{"", "8:00", "aa:00:00", "08:61:00", "-1:00:00"} {
		_, ok := ParseClock(bad)
		assert.False(t, ok, bad)
	}
}

func TestNetwork_CloneIsDeep(t *testing.T) {
	n, _ := NewBuilder(domain.DefaultParams(), 1, nil).Build(context.Background(), sampleFeed())
	c := n.Clone()
	s, _ := c.Stop("A")
	s.RiskScore = 0.9
	require.NoError(t, c.UpdateStop(s))
	orig, _ := n.Stop("A")
	assert.Zero(t, orig.RiskScore)
	assert.ErrorIs(t, c.UpdateStop(domain.Stop{ID: "nope"}), domain.ErrNotFound)
}

func TestRestore(t *testing.T) {
	n, _ := NewBuilder(domain.DefaultParams(), 1, nil).Build(context.Background(), sampleFeed())
	r := Restore(n.Stops, n.Routes, n.Trips, n.Connections, n.Serves)
	assert.Equal(t, n.Stops, r.Stops)
	assert.Equal(t, n.Connections, r.Connections)
	assert.Len(t, r.TripLinks, 3)
}

var feedTables = map[string]string{
	"stops.txt": "stop_id,stop_name,stop_lat,stop_lon,wheelchair_boarding\n" +
		"S1,Praça,-22.90,-43.17,1\nS2,Largo,-22.91,-43.18,0\nS3,Bad,,\n",
	"routes.txt": "route_id,route_short_name,route_long_name,route_type,route_color\n" +
		"R1,100,Centro - Zona Sul,3,FF0000\n",
	"trips.txt": "route_id,service_id,trip_id,trip_headsign,direction_id\n" +
		"R1,U,T1,Centro,0\n",
	"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
		"T1,06:00:00,06:00:00,S1,1\nT1,06:03:00,06:03:00,S2,2\n",
}

func TestReadFeed_Dir(t *testing.T) {
	dir := t.TempDir()
	for name, body := range feedTables {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	feed, err := ReadFeed(dir)
	require.NoError(t, err)
	require.Len(t, feed.Stops, 3)
	assert.True(t, feed.Stops[0].Wheelchair)
	assert.True(t, math.IsNaN(feed.Stops[2].Lat))
	assert.Equal(t, domain.RouteTypeBus, feed.Routes[0].Type)
	assert.Equal(t, "Centro", feed.Trips[0].Headsign)
	require.Len(t, feed.StopTimes, 2)

	n, rep := NewBuilder(domain.DefaultParams(), 1, nil).Build(context.Background(), feed)
	assert.Equal(t, 1, rep.Stops.Dropped)
	c, ok := n.Connection(domain.ConnectionKey{From: "S1", To: "S2", RouteID: "R1"})
	require.True(t, ok)
	assert.Equal(t, 180, c.TravelTimeSeconds)
}

func TestReadFeed_Zip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtfs.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range feedTables {
		w, err := zw.Create("feed/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	feed, err := ReadFeed(path)
	require.NoError(t, err)
	assert.Len(t, feed.Stops, 3)
	assert.Len(t, feed.StopTimes, 2)
}

func TestReadFeed_MissingColumn(t *testing.T) {
	dir := t.TempDir()
	for name, body := range feedTables {
		if name == "stops.txt" {
			body = "stop_id,stop_name\nS1,x\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	_, err := ReadFeed(dir)
	assert.ErrorIs(t, err, domain.ErrSchema)
}
