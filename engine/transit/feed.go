package transit

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/riomobi/transitrisk/engine/domain"
)

var feedFiles = []string{"stops.txt", "routes.txt", "trips.txt", "stop_times.txt"}

// ReadFeed loads a static GTFS feed from a directory or a .zip archive.
func ReadFeed(path string) (Feed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Feed{}, fmt.Errorf("transit: read feed: %w", err)
	}
	if !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".zip") {
		return readZip(path)
	}
	if !info.IsDir() {
		return Feed{}, fmt.Errorf("transit: read feed: %s: %w: not a directory or zip", path, domain.ErrSchema)
	}

	var feed Feed
	for _, name := range feedFiles {
		f, err := os.Open(filepath.Join(path, name))
		if err != nil {
			return Feed{}, fmt.Errorf("transit: open %s: %w", name, err)
		}
		err = consume(&feed, name, f)
		f.Close()
		if err != nil {
			return Feed{}, err
		}
	}
	return feed, nil
}

func readZip(path string) (Feed, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Feed{}, fmt.Errorf("transit: open zip: %w", err)
	}
	defer zr.Close()

	var feed Feed
	seen := map[string]bool{}
	for _, f := range zr.File {
		name := strings.ToLower(filepath.Base(f.Name))
		if !isFeedFile(name) {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return Feed{}, fmt.Errorf("transit: open %s: %w", name, err)
		}
		err = consume(&feed, name, r)
		r.Close()
		if err != nil {
			return Feed{}, err
		}
		seen[name] = true
	}
	for _, name := range feedFiles {
		if !seen[name] {
			return Feed{}, fmt.Errorf("transit: zip %s: %w: missing %s", path, domain.ErrSchema, name)
		}
	}
	return feed, nil
}

func isFeedFile(name string) bool {
	for _, f := range feedFiles {
		if f == name {
			return true
		}
	}
	return false
}

func consume(feed *Feed, name string, r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transit: %s header: %w", name, err)
	}
	idx := func(col string) int {
		for i, h := range head {
			if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), col) {
				return i
			}
		}
		return -1
	}
	need := func(cols ...string) error {
		for _, c := range cols {
			if idx(c) < 0 {
				return fmt.Errorf("transit: %s: %w: missing column %s", name, domain.ErrSchema, c)
			}
		}
		return nil
	}
	field := func(rec []string, i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	switch name {
	case "stops.txt":
		if err := need("stop_id", "stop_lat", "stop_lon"); err != nil {
			return err
		}
		iID, iName, iLat, iLon, iWheel := idx("stop_id"), idx("stop_name"), idx("stop_lat"), idx("stop_lon"), idx("wheelchair_boarding")
		return eachRecord(cr, name, func(rec []string) {
			feed.Stops = append(feed.Stops, domain.Stop{
				ID:         field(rec, iID),
				Name:       field(rec, iName),
				Lat:        parseFloat(field(rec, iLat)),
				Lon:        parseFloat(field(rec, iLon)),
				Wheelchair: field(rec, iWheel) == "1",
			})
		})
	case "routes.txt":
		if err := need("route_id"); err != nil {
			return err
		}
		iID, iShort, iLong, iType, iColor := idx("route_id"), idx("route_short_name"), idx("route_long_name"), idx("route_type"), idx("route_color")
		return eachRecord(cr, name, func(rec []string) {
			rt, err := strconv.Atoi(field(rec, iType))
			if err != nil {
				rt = int(domain.RouteTypeBus)
			}
			feed.Routes = append(feed.Routes, domain.Route{
				ID:        field(rec, iID),
				ShortName: field(rec, iShort),
				LongName:  field(rec, iLong),
				Type:      domain.RouteType(rt),
				Color:     field(rec, iColor),
			})
		})
	case "trips.txt":
		if err := need("trip_id", "route_id"); err != nil {
			return err
		}
		iID, iRoute, iHead, iDir, iSvc := idx("trip_id"), idx("route_id"), idx("trip_headsign"), idx("direction_id"), idx("service_id")
		return eachRecord(cr, name, func(rec []string) {
			dir, _ := strconv.Atoi(field(rec, iDir))
			feed.Trips = append(feed.Trips, domain.Trip{
				ID:        field(rec, iID),
				RouteID:   field(rec, iRoute),
				Headsign:  field(rec, iHead),
				Direction: dir,
				ServiceID: field(rec, iSvc),
			})
		})
	case "stop_times.txt":
		if err := need("trip_id", "stop_id", "stop_sequence"); err != nil {
			return err
		}
		iTrip, iStop, iSeq, iArr, iDep := idx("trip_id"), idx("stop_id"), idx("stop_sequence"), idx("arrival_time"), idx("departure_time")
		return eachRecord(cr, name, func(rec []string) {
			seq, err := strconv.Atoi(field(rec, iSeq))
			if err != nil {
				return
			}
			feed.StopTimes = append(feed.StopTimes, domain.StopTime{
				TripID:    field(rec, iTrip),
				StopID:    field(rec, iStop),
				Sequence:  seq,
				Arrival:   field(rec, iArr),
				Departure: field(rec, iDep),
			})
		})
	}
	return nil
}

func eachRecord(cr *csv.Reader, name string, f func([]string)) error {
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transit: %s: %w", name, err)
		}
		f(rec)
	}
}

// parseFloat returns NaN for unparsable input so validation drops the row.
func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
