package query

import (
	"sort"

	"github.com/riomobi/transitrisk/engine/domain"
)

// CategoryCount is a complaint category with its frequency.
type CategoryCount struct {
	Category  string  `json:"category"`
	Count     int     `json:"count"`
	AvgWeight float64 `json:"avg_weight"`
}

// SystemSummary is the headline report.
type SystemSummary struct {
	Stops            int             `json:"total_stops"`
	Routes           int             `json:"total_routes"`
	Complaints       int             `json:"total_complaints"`
	OpenComplaints   int             `json:"open_complaints"`
	AvgRisk          float64         `json:"avg_risk"`
	AvgRiskNorm      float64         `json:"avg_risk_normalized"`
	HighRiskStops    int             `json:"high_risk_stops"`
	Connections      int             `json:"total_connections"`
	ClusterEdges     int             `json:"cluster_edges"`
	TopCategories    []CategoryCount `json:"top_categories"`
	RiskDistribution map[string]int  `json:"risk_distribution"`
	// Analysis is absent until analytics have run.
	Analysis *domain.Analysis `json:"analysis,omitempty"`
}

// CommunityRisk is the mean risk of one community.
type CommunityRisk struct {
	ID      int      `json:"community_id"`
	Stops   int      `json:"stops"`
	AvgRisk float64  `json:"avg_risk"`
	MaxRisk float64  `json:"max_risk"`
	Sample  []string `json:"sample_stops"`
}

// Summary aggregates counts across the view.
func (v *View) Summary() SystemSummary {
	s := SystemSummary{
		Stops:            len(v.net.Stops),
		Routes:           len(v.net.Routes),
		Connections:      len(v.net.Connections),
		ClusterEdges:     len(v.clusters),
		RiskDistribution: map[string]int{},
		Analysis:         v.analysis,
	}
	for _, st := range v.net.Stops {
		s.AvgRisk += st.RiskScore
		s.AvgRiskNorm += st.RiskScoreNormalized
		if st.RiskLevel == domain.RiskHigh {
			s.HighRiskStops++
		}
		if st.RiskLevel != "" {
			s.RiskDistribution[string(st.RiskLevel)]++
		}
	}
	if s.Stops > 0 {
		s.AvgRisk /= float64(s.Stops)
		s.AvgRiskNorm /= float64(s.Stops)
	}

	cats := map[string]*CategoryCount{}
	for _, c := range v.Complaints("", 0) {
		s.Complaints++
		if c.Status == domain.StatusOpen {
			s.OpenComplaints++
		}
		cc := cats[c.Category]
		if cc == nil {
			cc = &CategoryCount{Category: c.Category}
			cats[c.Category] = cc
		}
		cc.Count++
		cc.AvgWeight += c.Weight
	}
	for _, cc := range cats {
		cc.AvgWeight /= float64(cc.Count)
		s.TopCategories = append(s.TopCategories, *cc)
	}
	sort.Slice(s.TopCategories, func(i, j int) bool {
		a, b := s.TopCategories[i], s.TopCategories[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
	s.TopCategories = limit(s.TopCategories, 10)
	return s
}

// TopCritical returns stops with positive centrality, most central first,
// with their classification.
func (v *View) TopCritical(n int) []StopView {
	var out []StopView
	for _, s := range v.net.Stops {
		if s.Betweenness > 0 {
			out = append(out, v.stopView(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Betweenness != out[j].Betweenness {
			return out[i].Betweenness > out[j].Betweenness
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, n)
}

// TopPageRank returns stops by PageRank, highest first.
func (v *View) TopPageRank(n int) []StopView {
	out := make([]StopView, 0, len(v.net.Stops))
	for _, s := range v.net.Stops {
		out = append(out, v.stopView(s))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PageRank != out[j].PageRank {
			return out[i].PageRank > out[j].PageRank
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, n)
}

// CommunitiesByRisk ranks communities by mean stop risk.
func (v *View) CommunitiesByRisk(n int) []CommunityRisk {
	byID := map[int]*CommunityRisk{}
	ids := append([]domain.Stop(nil), v.net.Stops...)
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
	for _, s := range ids {
		c := byID[s.CommunityID]
		if c == nil {
			c = &CommunityRisk{ID: s.CommunityID}
			byID[s.CommunityID] = c
		}
		c.Stops++
		c.AvgRisk += s.RiskScore
		c.MaxRisk = max(c.MaxRisk, s.RiskScore)
		if len(c.Sample) < 5 {
			c.Sample = append(c.Sample, s.ID)
		}
	}
	out := make([]CommunityRisk, 0, len(byID))
	for _, c := range byID {
		c.AvgRisk /= float64(c.Stops)
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgRisk != out[j].AvgRisk {
			return out[i].AvgRisk > out[j].AvgRisk
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, n)
}

// Neighborhoods returns the seed neighbourhoods with complaint counts
// aggregated from complaint documents. Neighbourhoods that only appear in
// complaints are appended after the seed list.
func (v *View) Neighborhoods() []domain.Neighborhood {
	out := append([]domain.Neighborhood(nil), domain.SeedNeighborhoods...)
	idx := make(map[string]int, len(out))
	for i, nb := range out {
		idx[nb.Name] = i
	}
	for _, c := range v.Complaints("", 0) {
		if c.Neighborhood == "" {
			continue
		}
		i, ok := idx[c.Neighborhood]
		if !ok {
			i = len(out)
			idx[c.Neighborhood] = i
			out = append(out, domain.Neighborhood{Name: c.Neighborhood})
		}
		out[i].TotalComplaints++
	}
	return out
}
