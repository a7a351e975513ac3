// Package sqlite implements store.Store on an on-device SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithNotifier registers a callback fired after writes that enqueued a PendingOp.
func WithNotifier(n store.Notifier) Option {
	return func(s *Store) { s.notify = n }
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the SQLite-backed store.Store.
type Store struct {
	db     *sql.DB
	notify store.Notifier
	now    func() time.Time
}

// New opens (or creates) the database at path and ensures the schema.
func New(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := NewWithDB(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wires a Store around an existing connection.
func NewWithDB(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: model.Now}
	for _, o := range opts {
		o(s)
	}
	if err := ensureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Conversations() store.Conversations { return &conversations{s} }
func (s *Store) Messages() store.Messages           { return &messages{s} }
func (s *Store) Memories() store.Memories           { return &memories{s} }
func (s *Store) Personas() store.Personas           { return &personas{s} }
func (s *Store) Sync() store.Sync                   { return &syncRepo{s} }

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

// HealthPing implements health.HealthPinger.
func (s *Store) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Counts returns aggregate row counts.
func (s *Store) Counts(ctx context.Context) (model.Counts, error) {
	var c model.Counts
	row := s.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(1) FROM conversations),
            (SELECT COUNT(1) FROM messages),
            (SELECT COUNT(1) FROM memories),
            (SELECT COUNT(1) FROM personas)
    `)
	if err := row.Scan(&c.Conversations, &c.Messages, &c.Memories, &c.Personas); err != nil {
		return c, err
	}
	return c, nil
}

// pendingWrite names an op enqueued inside a transaction, announced after commit.
type pendingWrite struct {
	t  model.EntityType
	id string
}

// txn runs fn in a transaction and fires the notifier for every enqueued op
// once the transaction committed.
func (s *Store) txn(ctx context.Context, fn func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var written []pendingWrite
	enqueue := func(t model.EntityType, id string, op model.OpKind) error {
		if err := enqueueOp(ctx, tx, t, id, op, s.now()); err != nil {
			return err
		}
		written = append(written, pendingWrite{t: t, id: id})
		return nil
	}
	if err := fn(tx, enqueue); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.notify != nil {
		for _, w := range written {
			s.notify(w.t, w.id)
		}
	}
	return nil
}

const upsertPendingOpSQL = `
INSERT INTO pending_ops (entity_type, entity_id, op, seq, attempts, next_attempt_at, failed, created_at)
VALUES (?,?,?,1,0,?,0,?)
ON CONFLICT(entity_type, entity_id, op) DO UPDATE SET
    seq = pending_ops.seq + 1,
    attempts = 0,
    next_attempt_at = excluded.next_attempt_at,
    failed = 0,
    last_error = NULL`

// enqueueOp records (or coalesces into) a PendingOp. A delete supersedes any
// outstanding upsert for the same entity.
func enqueueOp(ctx context.Context, tx *sql.Tx, t model.EntityType, id string, op model.OpKind, now time.Time) error {
	if op == model.OpDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ops WHERE entity_type=? AND entity_id=? AND op=?`, t, id, model.OpUpsert); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, upsertPendingOpSQL, t, id, op, ms(now), ms(now)); err != nil {
		return err
	}
	// the row is now this device's write
	_, err := tx.ExecContext(ctx, `UPDATE sync_state SET origin = '' WHERE entity_type = ? AND entity_id = ?`, t, id)
	return err
}

func tombstone(ctx context.Context, tx *sql.Tx, t model.EntityType, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tombstones (entity_type, entity_id, deleted_at) VALUES (?,?,?)
        ON CONFLICT(entity_type, entity_id) DO NOTHING`, t, id, ms(now))
	return err
}

// bumpConversation advances the parent's UpdatedAt (never backwards) after a
// child write. withVersion also increments its logical version.
func bumpConversation(ctx context.Context, tx *sql.Tx, id string, at time.Time, withVersion bool) (bool, error) {
	q := `UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`
	if withVersion {
		q = `UPDATE conversations SET updated_at = MAX(updated_at, ?), version = version + 1 WHERE id = ?`
	}
	res, err := tx.ExecContext(ctx, q, ms(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func tableFor(t model.EntityType) (string, error) {
	switch t {
	case model.EntityConversation:
		return "conversations", nil
	case model.EntityMessage:
		return "messages", nil
	case model.EntityMemory:
		return "memories", nil
	case model.EntityPersona:
		return "personas", nil
	}
	return "", fmt.Errorf("unknown entity type %q: %w", t, model.ErrValidation)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFound maps sql.ErrNoRows to model.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return err
}
