// Package docstore keeps the canonical complaint documents and their
// synced-to-graph flag.
package docstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riomobi/transitrisk/engine/domain"
)

// Store is a complaint document store. Protocol is the unique key; a
// second insert of the same protocol fails with domain.ErrIntegrity.
type Store interface {
	Insert(ctx context.Context, c domain.Complaint) error
	// InsertMany inserts cs and reports one outcome per document. The
	// returned error is set only when the whole call failed.
	InsertMany(ctx context.Context, cs []domain.Complaint) ([]error, error)
	Get(ctx context.Context, protocol string) (domain.Complaint, error)
	// Unsynced returns documents not yet written to the graph, ordered by
	// protocol.
	Unsynced(ctx context.Context) ([]domain.Complaint, error)
	// All returns every document ordered by protocol.
	All(ctx context.Context) ([]domain.Complaint, error)
	MarkSynced(ctx context.Context, protocols []string) error
	// ResetSync clears every synced flag and returns how many flags were
	// set.
	ResetSync(ctx context.Context) (int, error)
	Close() error
}

// Kind selects a Store implementation.
const (
	KindPostgres = "postgres"
	KindBadger   = "badger"
)

// Options selects and configures a Store.
type Options struct {
	Kind        string
	DatabaseURL string
	BadgerPath  string
	Logger      *slog.Logger
}

// Open creates the Store named by opts.Kind.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case KindPostgres, "":
		return OpenPostgres(ctx, opts.DatabaseURL)
	case KindBadger:
		cfg := DefaultBadgerConfig(opts.BadgerPath)
		cfg.Logger = opts.Logger
		return OpenBadger(cfg)
	default:
		return nil, fmt.Errorf("docstore: unknown kind %q", opts.Kind)
	}
}

func duplicate(protocol string) error {
	return domain.NewRecordError("complaint", protocol, "protocol", domain.ErrIntegrity)
}
