package transit

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/geo"
	"github.com/riomobi/transitrisk/pkg/fn"
)

// Feed is the static schedule input of the builder.
type Feed struct {
	Stops     []domain.Stop
	Routes    []domain.Route
	Trips     []domain.Trip
	StopTimes []domain.StopTime
}

// Report summarizes one build.
type Report struct {
	Stops            domain.Summary `json:"stops"`
	Routes           domain.Summary `json:"routes"`
	Trips            domain.Summary `json:"trips"`
	UnlinkedTrips    int            `json:"unlinked_trips"`
	Connections      int            `json:"connections"`
	SkippedStopTimes int            `json:"skipped_stop_times"`
	Serves           int            `json:"serves"`
}

// LogValue implements slog.LogValuer.
func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("stops", r.Stops),
		slog.Any("routes", r.Routes),
		slog.Any("trips", r.Trips),
		slog.Int("unlinked_trips", r.UnlinkedTrips),
		slog.Int("connections", r.Connections),
		slog.Int("skipped_stop_times", r.SkippedStopTimes),
		slog.Int("serves", r.Serves),
	)
}

// Builder derives the connectivity graph from a feed.
type Builder struct {
	params  domain.Params
	workers int
	logger  *slog.Logger
}

// NewBuilder creates a Builder. workers bounds per-trip parallelism.
func NewBuilder(params domain.Params, workers int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{params: params, workers: workers, logger: logger}
}

// Build creates nodes and connections. Record-level failures are counted
// in the report and never abort the build.
func (b *Builder) Build(ctx context.Context, feed Feed) (*Network, Report) {
	_, span := otel.Tracer("engine/transit").Start(ctx, "transit.Build")
	defer span.End()

	n := NewNetwork()
	var rep Report
	for _, s := range feed.Stops {
		err := n.AddStop(s)
		if err != nil {
			b.logger.Debug("stop rejected", "stop_id", s.ID, "error", err)
		}
		rep.Stops.Record(err)
	}
	for _, r := range feed.Routes {
		rep.Routes.Record(n.AddRoute(r))
	}
	for _, t := range feed.Trips {
		linked, err := n.AddTrip(t)
		rep.Trips.Record(err)
		if err == nil && !linked {
			rep.UnlinkedTrips++
		}
	}

	byTrip, tripOrder, skipped := groupStopTimes(n, feed.StopTimes)
	rep.SkippedStopTimes = skipped

	// per-trip derivation is independent; merging stays in input order
	derived := fn.ParMap(tripOrder, b.workers, func(tripID string) []domain.Connection {
		return b.tripConnections(n, tripID, byTrip[tripID])
	})
	for _, conns := range derived {
		for _, c := range conns {
			if n.MergeConnection(c) {
				rep.Connections++
			}
		}
	}

	rep.Serves = deriveServes(n, byTrip, tripOrder)

	span.SetAttributes(
		attribute.Int("stops", len(n.Stops)),
		attribute.Int("connections", len(n.Connections)),
	)
	b.logger.Info("network built", "report", rep)
	return n, rep
}

func groupStopTimes(n *Network, sts []domain.StopTime) (map[string][]domain.StopTime, []string, int) {
	byTrip := make(map[string][]domain.StopTime)
	var order []string
	skipped := 0
	for _, st := range sts {
		if _, ok := n.Trip(st.TripID); !ok {
			skipped++
			continue
		}
		if _, ok := n.StopIndex(st.StopID); !ok {
			skipped++
			continue
		}
		if _, seen := byTrip[st.TripID]; !seen {
			order = append(order, st.TripID)
		}
		byTrip[st.TripID] = append(byTrip[st.TripID], st)
	}
	return byTrip, order, skipped
}

func (b *Builder) tripConnections(n *Network, tripID string, sts []domain.StopTime) []domain.Connection {
	trip, _ := n.Trip(tripID)
	sorted := make([]domain.StopTime, len(sts))
	copy(sorted, sts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	out := make([]domain.Connection, 0, len(sorted))
	for i := 0; i+1 < len(sorted); i++ {
		from, to := sorted[i], sorted[i+1]
		if from.StopID == to.StopID {
			continue
		}
		a, _ := n.Stop(from.StopID)
		z, _ := n.Stop(to.StopID)
		d := geo.Distance(a.Lat, a.Lon, z.Lat, z.Lon)
		out = append(out, domain.Connection{
			From:              from.StopID,
			To:                to.StopID,
			RouteID:           trip.RouteID,
			DistanceMeters:    d,
			Sequence:          from.Sequence,
			TravelTimeSeconds: b.travelTime(from.Departure, to.Arrival),
			RiskAdjustedCost:  d,
		})
	}
	return out
}

func (b *Builder) travelTime(departure, arrival string) int {
	dep, ok1 := ParseClock(departure)
	arr, ok2 := ParseClock(arrival)
	if ok1 && ok2 && arr > dep {
		return arr - dep
	}
	return b.params.DefaultTravelTimeSeconds
}

// ParseClock parses a GTFS HH:MM:SS time into seconds after midnight.
// Hours may exceed 23.
func ParseClock(s string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	var v [3]int
	for i, p := range parts {
		x, err := strconv.Atoi(p)
		if err != nil || x < 0 {
			return 0, false
		}
		v[i] = x
	}
	if v[1] > 59 || v[2] > 59 {
		return 0, false
	}
	return v[0]*3600 + v[1]*60 + v[2], true
}

func deriveServes(n *Network, byTrip map[string][]domain.StopTime, order []string) int {
	type key struct{ route, stop string }
	trips := make(map[key]map[string]struct{})
	var keys []key
	for _, tripID := range order {
		trip, _ := n.Trip(tripID)
		if _, ok := n.Route(trip.RouteID); !ok {
			continue
		}
		for _, st := range byTrip[tripID] {
			k := key{trip.RouteID, st.StopID}
			set, ok := trips[k]
			if !ok {
				set = make(map[string]struct{})
				trips[k] = set
				keys = append(keys, k)
			}
			set[tripID] = struct{}{}
		}
	}
	for _, k := range keys {
		n.MergeServes(domain.Serves{RouteID: k.route, StopID: k.stop, TotalTrips: len(trips[k])})
	}
	return len(keys)
}
