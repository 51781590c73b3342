//go:build integration

package graph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/riomobi/transitrisk/engine/domain"
)

func testDriver(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	ctx := context.Background()
	driver, err := Connect(ctx, envOr("NEO4J_URI", "neo4j://localhost:7687"), os.Getenv("NEO4J_USER"), os.Getenv("NEO4J_PASSWORD"))
	if err != nil {
		t.Fatalf("neo4j: %v", err)
	}
	t.Cleanup(func() {
		New(driver, "", Options{}).Clear(ctx)
		driver.Close(ctx)
	})
	return driver
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestNeo4j_RoundTrip(t *testing.T) {
	store := New(testDriver(t), "", Options{BatchSize: 2})
	ctx := context.Background()

	if err := store.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := store.Setup(ctx); err != nil {
		t.Fatalf("Setup is not idempotent: %v", err)
	}

	net := sampleNetwork()
	if err := store.SaveNetwork(ctx, net); err != nil {
		t.Fatalf("SaveNetwork: %v", err)
	}
	// A second load must not duplicate anything.
	if err := store.SaveNetwork(ctx, net); err != nil {
		t.Fatalf("SaveNetwork again: %v", err)
	}

	opened := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	complaints := []domain.Complaint{
		{Protocol: "P1", Category: domain.CategoryLighting, Status: domain.StatusOpen, Lat: -22.971, Lon: -43.18, OpenedAt: opened, Neighborhood: "Centro"},
		{Protocol: "P2", Category: domain.CategoryLighting, Status: domain.StatusOpen, Lat: -22.971, Lon: -43.18, OpenedAt: opened},
	}
	if err := store.SaveComplaints(ctx, complaints); err != nil {
		t.Fatalf("SaveComplaints: %v", err)
	}
	if err := store.SaveAffects(ctx, []domain.AffectsEdge{{Protocol: "P1", StopID: "B", Timestamp: opened}}); err != nil {
		t.Fatalf("SaveAffects: %v", err)
	}
	if err := store.ReplaceClusters(ctx, []domain.ClusterEdge{{A: "P1", B: "P2", Category: domain.CategoryLighting}}); err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}

	net.Stops[1].RiskScore = 0.42
	net.Stops[1].CommunityID = 3
	run := &domain.Analysis{RunID: "run-1", Communities: 2, Modularity: 0.31, ComputedAt: opened}
	if err := store.WriteResults(ctx, net, run); err != nil {
		t.Fatalf("WriteResults: %v", err)
	}

	snap, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.Stops) != 3 || len(snap.Connections) != 2 || len(snap.Affects) != 1 || len(snap.Clusters) != 1 {
		t.Fatalf("snapshot sizes: %d stops %d conns %d affects %d clusters",
			len(snap.Stops), len(snap.Connections), len(snap.Affects), len(snap.Clusters))
	}
	if snap.Stops[1].RiskScore != 0.42 || snap.Stops[1].CommunityID != 3 {
		t.Fatalf("results not persisted: %+v", snap.Stops[1])
	}
	if snap.Analysis == nil || snap.Analysis.RunID != "run-1" || snap.Analysis.Modularity != 0.31 {
		t.Fatalf("analysis = %+v", snap.Analysis)
	}
	if !snap.Affects[0].Timestamp.Equal(opened) {
		t.Fatalf("timestamp = %v", snap.Affects[0].Timestamp)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Nodes["Category"] != 1 || counts.Relationships["HAS_TYPE"] != 2 {
		t.Fatalf("counts = %+v", counts)
	}
}
