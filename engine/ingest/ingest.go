// Package ingest runs complaint files into the document store and GTFS
// feeds into the graph store, each as a chain of fn.Stage steps.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/normalize"
	"github.com/riomobi/transitrisk/pkg/fn"
	"github.com/riomobi/transitrisk/pkg/metrics"
)

// DefaultBatchSize is the number of documents per InsertMany call.
const DefaultBatchSize = 500

// ComplaintStore is the part of the document store ingestion writes to.
type ComplaintStore interface {
	InsertMany(ctx context.Context, cs []domain.Complaint) ([]error, error)
}

// Source is one complaint file.
type Source struct {
	Name   string
	Reader io.Reader
}

// Batch is a complaint file moving through the pipeline.
type Batch struct {
	Source     string
	Format     normalize.Format
	Complaints []domain.Complaint
	// Summary holds every row outcome seen so far.
	Summary domain.Summary
}

// Report is the per-file outcome of a complaint load.
type Report struct {
	Source  string         `json:"source"`
	Format  string         `json:"format"`
	Summary domain.Summary `json:"summary"`
	Elapsed time.Duration  `json:"elapsed"`
}

// LogValue implements slog.LogValuer.
func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("source", r.Source),
		slog.String("format", r.Format),
		slog.Any("summary", r.Summary),
		slog.Duration("elapsed", r.Elapsed),
	)
}

// Deps holds the external dependencies of the complaint pipeline.
type Deps struct {
	Normalizer *normalize.Normalizer
	Store      ComplaintStore
	BatchSize  int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// --- Pipeline Stages ---

// NewNormalize creates the stage that maps a file onto canonical
// complaints. An unmappable header fails the stage; row failures are
// folded into the batch summary.
func NewNormalize(n *normalize.Normalizer, log *slog.Logger) fn.Stage[Source, Batch] {
	return func(_ context.Context, src Source) fn.Result[Batch] {
		format, rows, err := n.Read(src.Reader)
		if err != nil {
			return fn.Err[Batch](fmt.Errorf("ingest: %s: %w", src.Name, err))
		}
		b := Batch{Source: src.Name, Format: format}
		for _, r := range rows {
			c, err := r.Unwrap()
			if err != nil {
				b.Summary.Record(err)
				log.Debug("row rejected", "source", src.Name, "error", err)
				continue
			}
			b.Complaints = append(b.Complaints, c)
		}
		return fn.Ok(b)
	}
}

// NewStore creates the stage that inserts the batch in chunks. Duplicate
// protocols are counted, not failed.
func NewStore(store ComplaintStore, size int, log *slog.Logger) fn.Stage[Batch, Batch] {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return func(ctx context.Context, b Batch) fn.Result[Batch] {
		for _, chunk := range fn.Chunk(b.Complaints, size) {
			outcomes, err := store.InsertMany(ctx, chunk)
			if err != nil {
				return fn.Err[Batch](fmt.Errorf("ingest: store %s: %w", b.Source, err))
			}
			for i, err := range outcomes {
				b.Summary.Record(err)
				if err != nil {
					log.Debug("insert rejected", "protocol", chunk[i].Protocol, "error", err)
				}
			}
		}
		return fn.Ok(b)
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the complaint pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[Source, Batch] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	// Normalize → Store, traced, with logging taps between stages.
	normalized := fn.Then(LoggedTap[Source]("normalize", log),
		fn.TracedStage("ingest.normalize", NewNormalize(deps.Normalizer, log)))
	return fn.Then(normalized, fn.Then(LoggedTap[Batch]("store", log),
		fn.TracedStage("ingest.store", NewStore(deps.Store, deps.BatchSize, log))))
}

// Loader runs complaint files through the pipeline.
type Loader struct {
	pipeline fn.Stage[Source, Batch]
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(deps Deps) *Loader {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loader{pipeline: NewPipeline(deps), metrics: deps.Metrics, logger: deps.Logger}
}

// Load ingests one complaint stream.
func (l *Loader) Load(ctx context.Context, src Source) (Report, error) {
	start := time.Now()
	defer l.metrics.ObserveStage("ingest.complaints", start)

	b, err := l.pipeline(ctx, src).Unwrap()
	if err != nil {
		l.logger.Error("complaint load failed", "source", src.Name, "error", err)
		return Report{}, err
	}
	recordRows(l.metrics, "complaints", b.Summary)
	rep := Report{
		Source:  b.Source,
		Format:  b.Format.String(),
		Summary: b.Summary,
		Elapsed: time.Since(start),
	}
	l.logger.Info("complaints loaded", "report", rep)
	return rep, nil
}

// LoadFile ingests the complaint file at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()
	return l.Load(ctx, Source{Name: filepath.Base(path), Reader: f})
}

func recordRows(m *metrics.Metrics, source string, s domain.Summary) {
	m.AddRows(source, metrics.OutcomeInserted, s.Inserted)
	m.AddRows(source, metrics.OutcomeDuplicate, s.Duplicates)
	m.AddRows(source, metrics.OutcomeDropped, s.Dropped)
	m.AddRows(source, metrics.OutcomeError, s.Errors)
}
