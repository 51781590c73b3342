package risk

import (
	"fmt"
	"sort"

	"github.com/riomobi/transitrisk/engine/domain"
)

// Policy names accepted by PolicyFor.
const (
	PolicyThirds     = "thirds"
	PolicyThresholds = "thresholds"
)

// TierPolicy assigns a risk level to every score. The returned slice is
// parallel to scores.
type TierPolicy interface {
	Name() string
	Tiers(scores []Score) []domain.RiskLevel
}

// EqualThirds ranks the stops that carry risk descending by normalized
// score and cuts them into floor thirds: the top third is Alto, the next
// third Medio and the remainder Baixo. The top stop is Alto even when fewer
// than three stops carry risk. Ties keep input order. A stop with no risk is
// always Baixo and takes no part in the ranking.
type EqualThirds struct{}

func (EqualThirds) Name() string { return PolicyThirds }

func (EqualThirds) Tiers(scores []Score) []domain.RiskLevel {
	out := make([]domain.RiskLevel, len(scores))
	var ranked []int
	for i, s := range scores {
		out[i] = domain.RiskLow
		if s.Normalized > 0 && s.Raw > 0 {
			ranked = append(ranked, i)
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return scores[ranked[a]].Normalized > scores[ranked[b]].Normalized
	})

	third := len(ranked) / 3
	high := max(third, min(1, len(ranked)))
	for rank, i := range ranked {
		switch {
		case rank < high:
			out[i] = domain.RiskHigh
		case rank < high+third:
			out[i] = domain.RiskMedium
		}
	}
	return out
}

// RawThresholds tiers on the recent weighted complaint sum of each stop.
type RawThresholds struct {
	High   float64
	Medium float64
}

func (RawThresholds) Name() string { return PolicyThresholds }

func (p RawThresholds) Tiers(scores []Score) []domain.RiskLevel {
	out := make([]domain.RiskLevel, len(scores))
	for i, s := range scores {
		switch {
		case s.Sum >= p.High:
			out[i] = domain.RiskHigh
		case s.Sum >= p.Medium:
			out[i] = domain.RiskMedium
		default:
			out[i] = domain.RiskLow
		}
	}
	return out
}

// PolicyFor resolves the configured tier policy.
func PolicyFor(p domain.Params) (TierPolicy, error) {
	switch p.TierPolicy {
	case "", PolicyThirds:
		return EqualThirds{}, nil
	case PolicyThresholds:
		return RawThresholds{High: p.TierHighRawSum, Medium: p.TierMediumRawSum}, nil
	default:
		return nil, fmt.Errorf("risk: unknown tier policy %q", p.TierPolicy)
	}
}
