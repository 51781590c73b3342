package analytics

import "github.com/riomobi/transitrisk/engine/domain"

// Classification labels.
const (
	ClassCritical   = "CRITICO"
	ClassStructural = "Structurally Critical"
	ClassHighRisk   = "High Risk"
	ClassNormal     = "Normal"
)

// Classify combines centrality and raw risk. Both cutoffs are strict.
func Classify(s domain.Stop, p domain.Params) string {
	central := s.Betweenness > p.CentralityCutoff
	risky := s.RiskScore > p.ClassifyRiskLimit
	switch {
	case central && risky:
		return ClassCritical
	case central:
		return ClassStructural
	case risky:
		return ClassHighRisk
	default:
		return ClassNormal
	}
}
