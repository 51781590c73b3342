package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/graph"
	"github.com/riomobi/transitrisk/engine/query"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"setup", "load", "sync", "reset", "metrics", "analyze", "run", "report", "trigger"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestPrintCounts_Sorted(t *testing.T) {
	var buf bytes.Buffer
	err := printCounts(&buf, graph.Counts{
		Nodes:         map[string]int64{"Stop": 3, "Route": 1},
		Relationships: map[string]int64{"CONNECTS_TO": 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Index(out, "Route") > strings.Index(out, "Stop") {
		t.Errorf("node names not sorted:\n%s", out)
	}
	if !strings.Contains(out, "relationship  CONNECTS_TO") {
		t.Errorf("missing relationship row:\n%s", out)
	}
}

func testView() *query.View {
	snap := domain.Snapshot{
		Stops: []domain.Stop{
			{ID: "A", Name: "Central", Lat: -22.90, Lon: -43.17, RiskScore: 0.4, RiskLevel: domain.RiskHigh, Betweenness: 0.5, PageRank: 0.4},
			{ID: "B", Name: "Lapa", Lat: -22.91, Lon: -43.18, RiskScore: 0.1, RiskLevel: domain.RiskLow, PageRank: 0.6},
		},
		Analysis: &domain.Analysis{RunID: "run-9", Communities: 1, Modularity: 0.1234},
	}
	return query.NewView(snap, nil, domain.DefaultParams())
}

func TestReport_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := printReport(&buf, buildReport(testView(), 5)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"stops 2", "CRITICAL STOP", "Central", "PAGERANK STOP", "COMMUNITY", "modularity 0.1234"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestReport_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, buildReport(testView(), 1)); err != nil {
		t.Fatal(err)
	}
	var got struct {
		Summary struct {
			Stops int `json:"total_stops"`
		} `json:"summary"`
		PageRank []struct {
			ID string `json:"id"`
		} `json:"pagerank"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Summary.Stops != 2 || len(got.PageRank) != 1 || got.PageRank[0].ID != "B" {
		t.Fatalf("report: %+v", got)
	}
}
