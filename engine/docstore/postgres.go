package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riomobi/transitrisk/engine/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS complaints (
    protocol    TEXT PRIMARY KEY,
    doc         JSONB NOT NULL,
    synced      BOOLEAN NOT NULL DEFAULT FALSE,
    opened_at   TIMESTAMPTZ,
    imported_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS complaints_synced_idx ON complaints (synced);
CREATE INDEX IF NOT EXISTS complaints_opened_at_idx ON complaints (opened_at);
`

const insertSQL = `INSERT INTO complaints (protocol, doc, synced, opened_at, imported_at)
VALUES ($1, $2, FALSE, $3, $4)
ON CONFLICT (protocol) DO NOTHING`

// Postgres stores complaints as jsonb rows.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore: schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool resources.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func encode(c domain.Complaint) ([]byte, error) {
	c.Synced = false
	return json.Marshal(c)
}

func (p *Postgres) Insert(ctx context.Context, c domain.Complaint) error {
	doc, err := encode(c)
	if err != nil {
		return fmt.Errorf("docstore: encode %q: %w", c.Protocol, err)
	}
	tag, err := p.pool.Exec(ctx, insertSQL, c.Protocol, doc, c.OpenedAt, c.ImportedAt)
	if err != nil {
		return fmt.Errorf("docstore: insert %q: %w", c.Protocol, err)
	}
	if tag.RowsAffected() == 0 {
		return duplicate(c.Protocol)
	}
	return nil
}

func (p *Postgres) InsertMany(ctx context.Context, cs []domain.Complaint) ([]error, error) {
	errs := make([]error, len(cs))
	if len(cs) == 0 {
		return errs, nil
	}

	batch := &pgx.Batch{}
	queued := make([]int, 0, len(cs))
	for i, c := range cs {
		doc, err := encode(c)
		if err != nil {
			errs[i] = fmt.Errorf("docstore: encode %q: %w", c.Protocol, err)
			continue
		}
		batch.Queue(insertSQL, c.Protocol, doc, c.OpenedAt, c.ImportedAt)
		queued = append(queued, i)
	}

	res := p.pool.SendBatch(ctx, batch)
	defer res.Close()
	for _, i := range queued {
		tag, err := res.Exec()
		switch {
		case err != nil:
			return nil, fmt.Errorf("docstore: insert batch: %w", err)
		case tag.RowsAffected() == 0:
			errs[i] = duplicate(cs[i].Protocol)
		}
	}
	return errs, nil
}

func (p *Postgres) Get(ctx context.Context, protocol string) (domain.Complaint, error) {
	var (
		doc    []byte
		synced bool
	)
	err := p.pool.QueryRow(ctx, `SELECT doc, synced FROM complaints WHERE protocol = $1`, protocol).Scan(&doc, &synced)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Complaint{}, fmt.Errorf("docstore: complaint %q: %w", protocol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Complaint{}, fmt.Errorf("docstore: get %q: %w", protocol, err)
	}
	var c domain.Complaint
	if err := json.Unmarshal(doc, &c); err != nil {
		return domain.Complaint{}, fmt.Errorf("docstore: decode %q: %w", protocol, err)
	}
	c.Synced = synced
	return c, nil
}

func (p *Postgres) Unsynced(ctx context.Context) ([]domain.Complaint, error) {
	return p.query(ctx, `SELECT doc, synced FROM complaints WHERE NOT synced ORDER BY protocol`)
}

func (p *Postgres) All(ctx context.Context) ([]domain.Complaint, error) {
	return p.query(ctx, `SELECT doc, synced FROM complaints ORDER BY protocol`)
}

func (p *Postgres) query(ctx context.Context, sql string) ([]domain.Complaint, error) {
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("docstore: query: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Complaint, 0)
	for rows.Next() {
		var (
			doc    []byte
			synced bool
			c      domain.Complaint
		)
		if err := rows.Scan(&doc, &synced); err != nil {
			return nil, fmt.Errorf("docstore: scan: %w", err)
		}
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("docstore: decode: %w", err)
		}
		c.Synced = synced
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkSynced(ctx context.Context, protocols []string) error {
	if len(protocols) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `UPDATE complaints SET synced = TRUE WHERE protocol = ANY($1)`, protocols)
	if err != nil {
		return fmt.Errorf("docstore: mark synced: %w", err)
	}
	return nil
}

func (p *Postgres) ResetSync(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE complaints SET synced = FALSE WHERE synced`)
	if err != nil {
		return 0, fmt.Errorf("docstore: reset sync: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
