package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/riomobi/transitrisk/engine/domain"
)

// Key layout: "c/<protocol>" holds the JSON document, "u/<protocol>" marks
// it unsynced. Both prefixes iterate in protocol order.
var (
	docPrefix      = []byte("c/")
	unsyncedPrefix = []byte("u/")
)

func docKey(protocol string) []byte      { return append([]byte("c/"), protocol...) }
func unsyncedKey(protocol string) []byte { return append([]byte("u/"), protocol...) }

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns a durable configuration rooted at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is an embedded Store for single-node runs.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens or creates the embedded store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, errors.New("docstore: badger path is required")
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("docstore: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("docstore: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error { return b.db.Close() }

func insertTxn(txn *badger.Txn, c domain.Complaint) error {
	key := docKey(c.Protocol)
	if _, err := txn.Get(key); err == nil {
		return duplicate(c.Protocol)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	doc, err := encode(c)
	if err != nil {
		return fmt.Errorf("docstore: encode %q: %w", c.Protocol, err)
	}
	if err := txn.Set(key, doc); err != nil {
		return err
	}
	return txn.Set(unsyncedKey(c.Protocol), nil)
}

func (b *Badger) Insert(ctx context.Context, c domain.Complaint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error { return insertTxn(txn, c) })
}

// InsertMany uses one transaction per document so that a duplicate never
// rolls back its neighbours.
func (b *Badger) InsertMany(ctx context.Context, cs []domain.Complaint) ([]error, error) {
	errs := make([]error, len(cs))
	for i, c := range cs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		errs[i] = b.db.Update(func(txn *badger.Txn) error { return insertTxn(txn, c) })
	}
	return errs, nil
}

func decode(item *badger.Item, c *domain.Complaint) error {
	return item.Value(func(val []byte) error { return json.Unmarshal(val, c) })
}

func (b *Badger) Get(ctx context.Context, protocol string) (domain.Complaint, error) {
	var c domain.Complaint
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(protocol))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("docstore: complaint %q: %w", protocol, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := decode(item, &c); err != nil {
			return err
		}
		_, err = txn.Get(unsyncedKey(protocol))
		c.Synced = errors.Is(err, badger.ErrKeyNotFound)
		return nil
	})
	return c, err
}

func (b *Badger) All(ctx context.Context) ([]domain.Complaint, error) {
	out := make([]domain.Complaint, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: docPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c domain.Complaint
			if err := decode(it.Item(), &c); err != nil {
				return err
			}
			_, err := txn.Get(unsyncedKey(c.Protocol))
			c.Synced = errors.Is(err, badger.ErrKeyNotFound)
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: all: %w", err)
	}
	return out, nil
}

func (b *Badger) Unsynced(ctx context.Context) ([]domain.Complaint, error) {
	out := make([]domain.Complaint, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: unsyncedPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			protocol := string(it.Item().Key()[len(unsyncedPrefix):])
			item, err := txn.Get(docKey(protocol))
			if err != nil {
				return fmt.Errorf("complaint %q: %w", protocol, err)
			}
			var c domain.Complaint
			if err := decode(item, &c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: unsynced: %w", err)
	}
	return out, nil
}

func (b *Badger) MarkSynced(ctx context.Context, protocols []string) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, p := range protocols {
		if err := wb.Delete(unsyncedKey(p)); err != nil {
			return fmt.Errorf("docstore: mark synced: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("docstore: mark synced: %w", err)
	}
	return nil
}

func (b *Badger) ResetSync(ctx context.Context) (int, error) {
	var synced []string
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: docPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			protocol := string(it.Item().Key()[len(docPrefix):])
			if _, err := txn.Get(unsyncedKey(protocol)); errors.Is(err, badger.ErrKeyNotFound) {
				synced = append(synced, protocol)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("docstore: reset sync: %w", err)
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, p := range synced {
		if err := wb.Set(unsyncedKey(p), nil); err != nil {
			return 0, fmt.Errorf("docstore: reset sync: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("docstore: reset sync: %w", err)
	}
	return len(synced), nil
}
