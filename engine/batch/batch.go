// Package batch runs the sync and analysis passes over the graph and
// document stores.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/riomobi/transitrisk/engine/analytics"
	"github.com/riomobi/transitrisk/engine/cluster"
	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/risk"
	"github.com/riomobi/transitrisk/engine/spatial"
	"github.com/riomobi/transitrisk/engine/transit"
	"github.com/riomobi/transitrisk/pkg/metrics"
)

// NATS subjects of the run protocol.
const (
	SubjectTrigger   = "riskgraph.run"
	SubjectCompleted = "riskgraph.run.completed"
)

// Graph is the graph-store surface a run reads and writes.
type Graph interface {
	LoadSnapshot(ctx context.Context) (domain.Snapshot, error)
	SaveComplaints(ctx context.Context, cs []domain.Complaint) error
	SaveAffects(ctx context.Context, edges []domain.AffectsEdge) error
	ReplaceClusters(ctx context.Context, edges []domain.ClusterEdge) error
	WriteResults(ctx context.Context, net *transit.Network, analysis *domain.Analysis) error
}

// Documents is the document-store surface a run reads and writes.
type Documents interface {
	Unsynced(ctx context.Context) ([]domain.Complaint, error)
	All(ctx context.Context) ([]domain.Complaint, error)
	MarkSynced(ctx context.Context, protocols []string) error
}

// IndexFunc returns the spatial index used to join complaints against
// stops.
type IndexFunc func(ctx context.Context, stops []domain.Stop) (spatial.Index, error)

// GridIndexFunc indexes the snapshot stops in memory.
func GridIndexFunc(cellMeters float64) IndexFunc {
	return func(_ context.Context, stops []domain.Stop) (spatial.Index, error) {
		return spatial.NewGridIndex(stops, cellMeters), nil
	}
}

// StaticIndex returns an IndexFunc that always answers with idx, for
// backends loaded at network-import time.
func StaticIndex(idx spatial.Index) IndexFunc {
	return func(context.Context, []domain.Stop) (spatial.Index, error) { return idx, nil }
}

// Trigger requests a run. It is the payload of SubjectTrigger.
type Trigger struct {
	Reason  string `json:"reason"`
	Sync    bool   `json:"sync"`
	Analyze bool   `json:"analyze"`
}

// Summary is the outcome of one run. It is the payload of
// SubjectCompleted.
type Summary struct {
	RunID       string         `json:"run_id"`
	Reason      string         `json:"reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Elapsed     time.Duration  `json:"elapsed"`
	Sync        domain.Summary `json:"sync"`
	Unmatched   int            `json:"unmatched"`
	NewEdges    int            `json:"new_edges"`
	Edges       int            `json:"edges"`
	Risk        risk.Report    `json:"risk"`
	Analyzed    bool           `json:"analyzed"`
	Communities int            `json:"communities,omitempty"`
	Modularity  float64        `json:"modularity,omitempty"`
	Clusters    int            `json:"clusters,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", s.RunID),
		slog.Any("sync", s.Sync),
		slog.Int("unmatched", s.Unmatched),
		slog.Int("new_edges", s.NewEdges),
		slog.Any("risk", s.Risk),
		slog.Bool("analyzed", s.Analyzed),
		slog.Int("communities", s.Communities),
		slog.Float64("modularity", s.Modularity),
		slog.Int("clusters", s.Clusters),
		slog.Duration("elapsed", s.Elapsed),
	)
}

// Deps holds the collaborators of a Runner.
type Deps struct {
	Graph     Graph
	Documents Documents
	Index     IndexFunc
	Params    domain.Params
	Workers   int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Now is the risk recency clock. Defaults to time.Now.
	Now func() time.Time
}

// Runner executes runs one at a time.
type Runner struct {
	deps Deps
	mu   sync.Mutex
}

// New creates a Runner.
func New(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Index == nil {
		deps.Index = GridIndexFunc(deps.Params.AffectsRadiusMeters)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Runner{deps: deps}
}

// Run performs one pass. With t.Sync, unsynced complaints are joined to
// stops and their edges merged into the persisted set; risk is always
// recomputed over the full stop set; with t.Analyze, centrality, PageRank,
// communities and complaint clusters are recomputed too. Everything is
// computed on a private copy before the first write, so a failed run
// leaves the stores untouched.
func (r *Runner) Run(ctx context.Context, t Trigger) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := Summary{RunID: uuid.NewString(), Reason: t.Reason, StartedAt: time.Now(), Analyzed: t.Analyze}
	log := r.deps.Logger.With("run_id", sum.RunID)
	ctx, span := otel.Tracer("engine/batch").Start(ctx, "batch.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", sum.RunID), attribute.Bool("analyze", t.Analyze))

	err := r.run(ctx, t, &sum, log)
	sum.Elapsed = time.Since(sum.StartedAt)
	r.deps.Metrics.RunFinished(err)
	if err != nil {
		sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("run failed", "error", err, "elapsed", sum.Elapsed)
		return sum, err
	}
	log.Info("run complete", "summary", sum)
	return sum, nil
}

type plan struct {
	net      *transit.Network
	fresh    []domain.Complaint
	newEdges []domain.AffectsEdge
	synced   []string
	clusters []domain.ClusterEdge
	analysis *domain.Analysis
}

func (r *Runner) run(ctx context.Context, t Trigger, sum *Summary, log *slog.Logger) error {
	p, err := r.compute(ctx, t, sum)
	if err != nil {
		return err
	}
	return r.commit(ctx, t, p, log)
}

// compute derives every result in memory.
func (r *Runner) compute(ctx context.Context, t Trigger, sum *Summary) (*plan, error) {
	d := r.deps

	start := time.Now()
	snap, err := d.Graph.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch: load snapshot: %w", err)
	}
	all, err := d.Documents.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch: load complaints: %w", err)
	}
	d.Metrics.ObserveStage("batch.load", start)

	p := &plan{net: transit.Restore(snap.Stops, snap.Routes, snap.Trips, snap.Connections, snap.Serves)}
	edges := snap.Affects

	if t.Sync {
		start = time.Now()
		unsynced, err := d.Documents.Unsynced(ctx)
		if err != nil {
			return nil, fmt.Errorf("batch: load unsynced: %w", err)
		}
		idx, err := d.Index(ctx, p.net.Stops)
		if err != nil {
			return nil, fmt.Errorf("batch: spatial index: %w", err)
		}
		res := spatial.NewJoiner(idx, d.Params, d.Workers, d.Logger).Join(ctx, unsynced)
		sum.Sync, sum.Unmatched, sum.NewEdges = res.Summary, res.Unmatched, len(res.Edges)

		joined := make(map[string]bool, len(res.Joined))
		for _, protocol := range res.Joined {
			joined[protocol] = true
		}
		for _, c := range unsynced {
			if joined[c.Protocol] {
				p.fresh = append(p.fresh, c)
			}
		}
		p.newEdges, p.synced = res.Edges, res.Joined
		edges = spatial.MergeEdges(edges, res.Edges)
		d.Metrics.ObserveStage("batch.join", start)
	}
	sum.Edges = len(edges)

	start = time.Now()
	byProtocol := make(map[string]domain.Complaint, len(all))
	for _, c := range all {
		byProtocol[c.Protocol] = c
	}
	spatial.CountAffects(p.net.Stops, edges)
	agg, err := risk.New(d.Params, risk.WithClock(d.Now), risk.WithLogger(d.Logger))
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	sum.Risk, err = agg.Apply(ctx, p.net, edges, byProtocol)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	d.Metrics.ObserveStage("batch.risk", start)

	if t.Analyze {
		start = time.Now()
		res, err := analytics.New(d.Params, d.Logger).Run(ctx, p.net.Stops, p.net.Connections)
		if err != nil {
			return nil, fmt.Errorf("batch: %w", err)
		}
		res.Apply(p.net.Stops)
		sum.Communities, sum.Modularity = res.Communities.Count, res.Communities.Modularity
		p.analysis = &domain.Analysis{
			RunID:       sum.RunID,
			Communities: sum.Communities,
			Modularity:  sum.Modularity,
			ComputedAt:  d.Now(),
		}
		d.Metrics.ObserveStage("batch.analytics", start)

		start = time.Now()
		p.clusters = cluster.New(d.Params, d.Workers, d.Logger).Cluster(ctx, all)
		sum.Clusters = len(p.clusters)
		d.Metrics.ObserveStage("batch.cluster", start)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	return p, nil
}

// commit writes a computed plan. Complaint nodes precede their edges, and
// documents are marked synced last so an interrupted commit is retried
// in full.
func (r *Runner) commit(ctx context.Context, t Trigger, p *plan, log *slog.Logger) error {
	d := r.deps
	start := time.Now()
	defer d.Metrics.ObserveStage("batch.commit", start)

	if len(p.fresh) > 0 {
		if err := d.Graph.SaveComplaints(ctx, p.fresh); err != nil {
			return fmt.Errorf("batch: save complaints: %w", err)
		}
	}
	if len(p.newEdges) > 0 {
		if err := d.Graph.SaveAffects(ctx, p.newEdges); err != nil {
			return fmt.Errorf("batch: save affects: %w", err)
		}
	}
	if t.Analyze {
		if err := d.Graph.ReplaceClusters(ctx, p.clusters); err != nil {
			return fmt.Errorf("batch: save clusters: %w", err)
		}
	}
	if err := d.Graph.WriteResults(ctx, p.net, p.analysis); err != nil {
		return fmt.Errorf("batch: write results: %w", err)
	}
	if len(p.synced) > 0 {
		if err := d.Documents.MarkSynced(ctx, p.synced); err != nil {
			return fmt.Errorf("batch: mark synced: %w", err)
		}
	}

	levels := map[string]int{}
	for _, s := range p.net.Stops {
		levels[string(s.RiskLevel)]++
	}
	d.Metrics.SetRiskLevels(levels)
	log.Debug("run committed", "complaints", len(p.fresh), "edges", len(p.newEdges), "synced", len(p.synced))
	return nil
}
