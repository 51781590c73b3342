package domain

import (
	"errors"
	"log/slog"
	"time"
)

// Params is the immutable parameter set threaded into every algorithm entry
// point. Components never read process-wide configuration.
type Params struct {
	Vocabulary Vocabulary

	AffectsRadiusMeters float64
	BatchSize           int

	RecencyWindow     time.Duration
	Smoothing         float64
	RouteHighRisk     float64
	TierPolicy        string
	TierHighRawSum    float64
	TierMediumRawSum  float64
	CentralityCutoff  float64
	ClassifyRiskLimit float64

	PageRankDamping    float64
	PageRankIterations int

	ClusterRadiusMeters float64
	ClusterWindow       time.Duration

	DefaultTravelTimeSeconds int
}

// DefaultParams returns the stock parameter set.
func DefaultParams() Params {
	return Params{
		Vocabulary:               DefaultVocabulary(),
		AffectsRadiusMeters:      100,
		BatchSize:                1000,
		RecencyWindow:            30 * 24 * time.Hour,
		Smoothing:                10.0,
		RouteHighRisk:            0.6,
		TierPolicy:               "thirds",
		TierHighRawSum:           5.0,
		TierMediumRawSum:         2.0,
		CentralityCutoff:         0.05,
		ClassifyRiskLimit:        0.6,
		PageRankDamping:          0.85,
		PageRankIterations:       20,
		ClusterRadiusMeters:      200,
		ClusterWindow:            7 * 24 * time.Hour,
		DefaultTravelTimeSeconds: 120,
	}
}

// Summary is the per-run outcome contract of ingestion and sync.
type Summary struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
	Errors     int `json:"errors"`
}

// Record folds one row outcome into s.
func (s *Summary) Record(err error) {
	switch {
	case err == nil:
		s.Inserted++
	case errors.Is(err, ErrIntegrity):
		s.Duplicates++
	case errors.Is(err, ErrGeometry):
		s.Dropped++
	default:
		s.Errors++
	}
}

// Add merges o into s.
func (s *Summary) Add(o Summary) {
	s.Inserted += o.Inserted
	s.Duplicates += o.Duplicates
	s.Dropped += o.Dropped
	s.Errors += o.Errors
}

// Total is the number of rows seen.
func (s Summary) Total() int {
	return s.Inserted + s.Duplicates + s.Dropped + s.Errors
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("inserted", s.Inserted),
		slog.Int("duplicates", s.Duplicates),
		slog.Int("dropped", s.Dropped),
		slog.Int("errors", s.Errors),
	)
}
