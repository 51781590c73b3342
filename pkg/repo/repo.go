// Package repo stores values as Neo4j nodes of one label, unique on a key
// property. The graph store keeps its reference nodes, which carry no
// relationships of their own, in a Nodes table.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ErrNotFound is returned by Get when no node has the key.
var ErrNotFound = errors.New("repo: not found")

// Result is a streamed query result.
type Result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// Runner runs statements on one session.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	Close(ctx context.Context) error
}

// Codec maps T to node properties and back. Decode reads the node from the
// "n" column.
type Codec[T any] struct {
	Encode func(T) map[string]any
	Decode func(*neo4j.Record) (T, error)
}

// Page bounds a List call. Limit defaults to 100.
type Page struct {
	Skip  int
	Limit int
}

// Nodes is a keyed table of label nodes.
type Nodes[T any] struct {
	label string
	key   string
	codec Codec[T]
	open  func(ctx context.Context) Runner
}

// NewNodes returns a table over label nodes unique on key. open supplies a
// fresh session per call.
func NewNodes[T any](label, key string, codec Codec[T], open func(ctx context.Context) Runner) *Nodes[T] {
	return &Nodes[T]{label: label, key: key, codec: codec, open: open}
}

func (n *Nodes[T]) match() string {
	return fmt.Sprintf("MATCH (n:%s {%s: $key})", n.label, n.key)
}

// Get loads the node whose key property equals key.
func (n *Nodes[T]) Get(ctx context.Context, key any) (T, error) {
	items, err := n.query(ctx, n.match()+" RETURN n", map[string]any{"key": key})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("repo: get %s %v: %w", n.label, key, err)
	}
	if len(items) == 0 {
		var zero T
		return zero, fmt.Errorf("repo: %s %v: %w", n.label, key, ErrNotFound)
	}
	return items[0], nil
}

// List returns one page of nodes ordered by key.
func (n *Nodes[T]) List(ctx context.Context, p Page) ([]T, error) {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	cypher := fmt.Sprintf("MATCH (n:%s) RETURN n ORDER BY n.%s SKIP $skip LIMIT $limit", n.label, n.key)
	items, err := n.query(ctx, cypher, map[string]any{"skip": p.Skip, "limit": p.Limit})
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", n.label, err)
	}
	return items, nil
}

// PutAll merges every value on its key in one statement. Properties of an
// existing node are overwritten, others are kept.
func (n *Nodes[T]) PutAll(ctx context.Context, values []T) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]any, len(values))
	for i, v := range values {
		rows[i] = n.codec.Encode(v)
	}
	cypher := fmt.Sprintf("UNWIND $rows AS row MERGE (n:%s {%s: row.%s}) SET n += row", n.label, n.key, n.key)
	if err := n.exec(ctx, cypher, map[string]any{"rows": rows}); err != nil {
		return fmt.Errorf("repo: put %d %s: %w", len(values), n.label, err)
	}
	return nil
}

// Delete removes the node and its relationships. A missing node is not an
// error.
func (n *Nodes[T]) Delete(ctx context.Context, key any) error {
	if err := n.exec(ctx, n.match()+" DETACH DELETE n", map[string]any{"key": key}); err != nil {
		return fmt.Errorf("repo: delete %s %v: %w", n.label, key, err)
	}
	return nil
}

func (n *Nodes[T]) exec(ctx context.Context, cypher string, params map[string]any) error {
	sess := n.open(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	for res.Next(ctx) {
	}
	return res.Err()
}

func (n *Nodes[T]) query(ctx context.Context, cypher string, params map[string]any) ([]T, error) {
	sess := n.open(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var out []T
	for res.Next(ctx) {
		v, err := n.codec.Decode(res.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, res.Err()
}
