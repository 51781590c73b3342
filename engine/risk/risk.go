// Package risk scores stops from their recent affecting complaints,
// normalizes and tiers the scores, and rolls them up to routes and
// connections.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/transit"
)

// Score is the risk of one stop for one run.
type Score struct {
	StopID     string
	Sum        float64
	Raw        float64
	Normalized float64
	Active     int
	Open       int
}

// Report summarizes one aggregation.
type Report struct {
	Policy string
	Stops  int
	Alto   int
	Medio  int
	Baixo  int
	MinRaw float64
	MaxRaw float64
}

// LogValue implements slog.LogValuer.
func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("policy", r.Policy),
		slog.Int("stops", r.Stops),
		slog.Int("alto", r.Alto),
		slog.Int("medio", r.Medio),
		slog.Int("baixo", r.Baixo),
		slog.Float64("min_raw", r.MinRaw),
		slog.Float64("max_raw", r.MaxRaw),
	)
}

// Aggregator recomputes risk over the full stop set on every call.
type Aggregator struct {
	params domain.Params
	policy TierPolicy
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPolicy overrides the tier policy named in Params.
func WithPolicy(p TierPolicy) Option { return func(a *Aggregator) { a.policy = p } }

// WithClock sets the reference time for the recency window.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// New creates an Aggregator.
func New(params domain.Params, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{params: params, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.policy == nil {
		p, err := PolicyFor(params)
		if err != nil {
			return nil, err
		}
		a.policy = p
	}
	return a, nil
}

// Policy returns the active tier policy.
func (a *Aggregator) Policy() TierPolicy { return a.policy }

// RawScores sums the risk contribution of every edge whose complaint is
// active and was opened inside the recency window. Edges whose complaint
// is unknown are ignored. The result is parallel to stops.
func (a *Aggregator) RawScores(stops []domain.Stop, edges []domain.AffectsEdge, complaints map[string]domain.Complaint) []Score {
	cutoff := a.now().Add(-a.params.RecencyWindow)

	type key struct{ protocol, stop string }
	seen := make(map[key]struct{}, len(edges))
	byStop := make(map[string]*Score, len(stops))
	scores := make([]Score, len(stops))
	for i, s := range stops {
		scores[i].StopID = s.ID
		byStop[s.ID] = &scores[i]
	}

	for _, e := range edges {
		sc, ok := byStop[e.StopID]
		if !ok {
			continue
		}
		c, ok := complaints[e.Protocol]
		if !ok || !c.Status.Active() || c.OpenedAt.Before(cutoff) {
			continue
		}
		k := key{e.Protocol, e.StopID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		sc.Sum += e.RiskContribution
		sc.Active++
		if c.Status == domain.StatusOpen {
			sc.Open++
		}
	}

	for i := range scores {
		scores[i].Raw = Saturate(scores[i].Sum, a.params.Smoothing)
	}
	return scores
}

// Saturate maps a non-negative sum onto [0,1).
func Saturate(sum, smoothing float64) float64 {
	if sum <= 0 {
		return 0
	}
	return sum / (sum + smoothing)
}

// Normalize min-max rescales Raw into Normalized on [0,100] across all
// scores. When every score is equal each one gets 50.
func Normalize(scores []Score) (lo, hi float64) {
	if len(scores) == 0 {
		return 0, 0
	}
	lo, hi = scores[0].Raw, scores[0].Raw
	for _, s := range scores[1:] {
		lo = min(lo, s.Raw)
		hi = max(hi, s.Raw)
	}
	for i := range scores {
		if hi == lo {
			scores[i].Normalized = 50
			continue
		}
		scores[i].Normalized = (scores[i].Raw - lo) / (hi - lo) * 100
	}
	return lo, hi
}

// Apply scores every stop of net, then recomputes route aggregates and
// connection costs. Raw scores are fully computed before any tier is
// assigned. net is modified in place; callers pass a clone when the run
// may still fail.
func (a *Aggregator) Apply(ctx context.Context, net *transit.Network, edges []domain.AffectsEdge, complaints map[string]domain.Complaint) (Report, error) {
	_, span := otel.Tracer("engine/risk").Start(ctx, "risk.Apply")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Report{}, fmt.Errorf("risk: apply: %w", err)
	}

	scores := a.RawScores(net.Stops, edges, complaints)
	lo, hi := Normalize(scores)
	levels := a.policy.Tiers(scores)

	rep := Report{Policy: a.policy.Name(), Stops: len(scores), MinRaw: lo, MaxRaw: hi}
	for i := range net.Stops {
		s := &net.Stops[i]
		s.RiskScore = scores[i].Raw
		s.RiskScoreNormalized = scores[i].Normalized
		s.ActiveComplaints = scores[i].Active
		s.OpenComplaints = scores[i].Open
		s.RiskLevel = levels[i]
		switch levels[i] {
		case domain.RiskHigh:
			rep.Alto++
		case domain.RiskMedium:
			rep.Medio++
		default:
			rep.Baixo++
		}
	}

	RouteAggregates(net, a.params.RouteHighRisk)
	ConnectionCosts(net)

	span.SetAttributes(
		attribute.Int("stops", rep.Stops),
		attribute.Int("alto", rep.Alto),
	)
	a.logger.Info("risk aggregation complete", "report", rep)
	return rep, nil
}

// RouteAggregates recomputes total_stops, avg_risk_score and
// high_risk_stops of every route from its Serves edges.
func RouteAggregates(net *transit.Network, highRisk float64) {
	type agg struct {
		n, high int
		sum     float64
	}
	byRoute := make(map[string]*agg, len(net.Routes))
	for _, sv := range net.Serves {
		st, ok := net.Stop(sv.StopID)
		if !ok {
			continue
		}
		g := byRoute[sv.RouteID]
		if g == nil {
			g = &agg{}
			byRoute[sv.RouteID] = g
		}
		g.n++
		g.sum += st.RiskScore
		if st.RiskScore >= highRisk {
			g.high++
		}
	}
	for i := range net.Routes {
		r := &net.Routes[i]
		r.TotalStops, r.AvgRiskScore, r.HighRiskStops = 0, 0, 0
		if g := byRoute[r.ID]; g != nil {
			r.TotalStops = g.n
			r.AvgRiskScore = g.sum / float64(g.n)
			r.HighRiskStops = g.high
		}
	}
}

// ConnectionCosts sets risk_adjusted_cost = distance * (1 + mean endpoint
// risk) on every connection.
func ConnectionCosts(net *transit.Network) {
	for i := range net.Connections {
		c := &net.Connections[i]
		from, _ := net.Stop(c.From)
		to, _ := net.Stop(c.To)
		c.RiskAdjustedCost = c.DistanceMeters * (1 + (from.RiskScore+to.RiskScore)/2)
	}
}
