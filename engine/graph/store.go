// Package graph persists the transit network, complaint edges and analysis
// results in Neo4j.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/pkg/fn"
	"github.com/riomobi/transitrisk/pkg/repo"
	"github.com/riomobi/transitrisk/pkg/resilience"
)

// Options tunes write behaviour.
type Options struct {
	// BatchSize is the number of rows per UNWIND statement.
	BatchSize int
	// WritesPerSecond paces batch statements. Zero disables pacing.
	WritesPerSecond float64
	// TripAfter consecutive failed transactions stop writes for a cooldown.
	TripAfter int
	Logger    *slog.Logger
}

// GraphStore is the Neo4j implementation of the graph store.
type GraphStore struct {
	opener        SessionOpener
	neighborhoods *repo.Nodes[domain.Neighborhood]
	batchSize     int
	guard         *resilience.Guard
	logger        *slog.Logger
}

// Connect opens a driver and verifies connectivity.
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("graph: connect: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity: %w", err)
	}
	return driver, nil
}

// New creates a GraphStore over a driver.
func New(driver neo4j.DriverWithContext, database string, opts Options) *GraphStore {
	return NewWithOpener(driverOpener{driver: driver, database: database}, opts)
}

// NewWithOpener creates a GraphStore over an arbitrary session source.
func NewWithOpener(opener SessionOpener, opts Options) *GraphStore {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	g := &GraphStore{
		opener:    opener,
		batchSize: opts.BatchSize,
		guard: resilience.NewGuard(resilience.GuardOpts{
			PerSecond: opts.WritesPerSecond,
			Trip:      opts.TripAfter,
			OnStateChange: func(from, to resilience.State) {
				logger.Warn("graph writes", "circuit", to.String(), "was", from.String())
			},
		}),
		logger: logger,
	}
	g.neighborhoods = repo.NewNodes("Neighborhood", "name",
		repo.Codec[domain.Neighborhood]{Encode: neighborhoodToMap, Decode: neighborhoodFromRecord},
		func(ctx context.Context) repo.Runner { return opener.OpenSession(ctx) },
	)
	return g
}

var schemaStatements = []string{
	`CREATE CONSTRAINT stop_id IF NOT EXISTS FOR (s:Stop) REQUIRE s.id IS UNIQUE`,
	`CREATE CONSTRAINT route_id IF NOT EXISTS FOR (r:Route) REQUIRE r.id IS UNIQUE`,
	`CREATE CONSTRAINT trip_id IF NOT EXISTS FOR (t:Trip) REQUIRE t.id IS UNIQUE`,
	`CREATE CONSTRAINT complaint_protocol IF NOT EXISTS FOR (c:Complaint) REQUIRE c.protocol IS UNIQUE`,
	`CREATE CONSTRAINT neighborhood_name IF NOT EXISTS FOR (n:Neighborhood) REQUIRE n.name IS UNIQUE`,
	`CREATE CONSTRAINT category_name IF NOT EXISTS FOR (k:Category) REQUIRE k.name IS UNIQUE`,
	`CREATE INDEX stop_name IF NOT EXISTS FOR (s:Stop) ON (s.name)`,
	`CREATE INDEX stop_risk IF NOT EXISTS FOR (s:Stop) ON (s.risk_score)`,
	`CREATE POINT INDEX stop_location IF NOT EXISTS FOR (s:Stop) ON (s.location)`,
	`CREATE INDEX complaint_opened_at IF NOT EXISTS FOR (c:Complaint) ON (c.opened_at)`,
	`CREATE INDEX complaint_status IF NOT EXISTS FOR (c:Complaint) ON (c.status)`,
	`CREATE INDEX route_short_name IF NOT EXISTS FOR (r:Route) ON (r.short_name)`,
}

// Setup creates constraints and indexes and seeds the neighbourhood list.
// It is idempotent.
func (g *GraphStore) Setup(ctx context.Context) error {
	ctx, span := otel.Tracer("engine/graph").Start(ctx, "graph.Setup")
	defer span.End()

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	for _, stmt := range schemaStatements {
		if err := drain(sess.Run(ctx, stmt, nil)); err != nil {
			return fmt.Errorf("graph: setup: %w", err)
		}
	}
	if err := g.neighborhoods.PutAll(ctx, domain.SeedNeighborhoods); err != nil {
		return fmt.Errorf("graph: seed neighborhoods: %w", err)
	}
	g.logger.Info("graph schema ready", "statements", len(schemaStatements), "neighborhoods", len(domain.SeedNeighborhoods))
	return nil
}

// Clear removes every node and relationship.
func (g *GraphStore) Clear(ctx context.Context) error {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	err := drain(sess.Run(ctx, `MATCH (n) CALL { WITH n DETACH DELETE n } IN TRANSACTIONS OF 10000 ROWS`, nil))
	if err != nil {
		return fmt.Errorf("graph: clear: %w", err)
	}
	return nil
}

// Neighborhoods lists the neighbourhood nodes.
func (g *GraphStore) Neighborhoods(ctx context.Context) ([]domain.Neighborhood, error) {
	out, err := g.neighborhoods.List(ctx, repo.Page{Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("graph: neighborhoods: %w", err)
	}
	return out, nil
}

// write runs work in one managed write transaction behind the guard.
func (g *GraphStore) write(ctx context.Context, work func(tx CypherRunner) error) error {
	return g.guard.Do(ctx, func(ctx context.Context) error {
		sess := g.opener.OpenSession(ctx)
		defer sess.Close(ctx)
		_, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
			return nil, work(tx)
		})
		return err
	})
}

// writeBatches UNWINDs data through cypher in paced batches, one
// transaction per batch.
func (g *GraphStore) writeBatches(ctx context.Context, op, cypher string, data []any) error {
	ctx, span := otel.Tracer("engine/graph").Start(ctx, "graph."+op)
	defer span.End()
	span.SetAttributes(attribute.Int("rows", len(data)))

	for i, chunk := range fn.Chunk(data, g.batchSize) {
		if err := g.guard.Pace(ctx); err != nil {
			return fmt.Errorf("graph: %s: %w", op, err)
		}
		err := g.write(ctx, func(tx CypherRunner) error {
			_, err := tx.Run(ctx, cypher, map[string]any{"rows": chunk})
			return err
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("graph: %s: batch %d: %w", op, i, err)
		}
	}
	return nil
}

// runInTx runs one UNWIND statement per chunk of data inside tx.
func (g *GraphStore) runInTx(ctx context.Context, tx CypherRunner, cypher string, data []any) error {
	for _, chunk := range fn.Chunk(data, g.batchSize) {
		if _, err := tx.Run(ctx, cypher, map[string]any{"rows": chunk}); err != nil {
			return err
		}
	}
	return nil
}

// drain consumes a result so that server-side failures surface.
func drain(res CypherResult, err error) error {
	if err != nil {
		return err
	}
	for res.Next(context.Background()) {
	}
	return res.Err()
}
