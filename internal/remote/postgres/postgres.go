// Package postgres hosts the remote mirror in a shared PostgreSQL database.
// Devices write rows with compare-and-swap and learn about each other's
// writes through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
)

const notifyChannel = "relay_changes"

// Open opens a PostgreSQL connection using the pgx stdlib driver and verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Mirror is a remote.Mirror on PostgreSQL.
type Mirror struct {
	db  *sql.DB
	dsn string
	log zerolog.Logger
}

// New opens dsn and ensures the mirror schema.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Mirror, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, remote.NewNetworkError("open", err)
	}
	m := &Mirror{db: db, dsn: dsn, log: log.With().Str("component", "remote_postgres").Logger()}
	if err := m.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mirror schema: %w", err)
	}
	return m, nil
}

func (m *Mirror) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS relay_change_seq`,
		`CREATE TABLE IF NOT EXISTS relay_rows (
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            version BIGINT NOT NULL,
            seq BIGINT NOT NULL,
            deleted BOOLEAN NOT NULL DEFAULT FALSE,
            origin TEXT NOT NULL DEFAULT '',
            data JSONB,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (entity_type, entity_id)
        )`,
		`CREATE INDEX IF NOT EXISTS relay_rows_seq_idx ON relay_rows (entity_type, seq)`,
	}
	for _, s := range stmts {
		if _, err := m.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) Name() string { return "postgres" }

// Writers of one entity type are serialized with a transaction-scoped
// advisory lock so seq values commit in order and pulls never skip a row.
const pushSQL = `
INSERT INTO relay_rows (entity_type, entity_id, version, seq, deleted, origin, data, updated_at)
VALUES ($1, $2, $3, nextval('relay_change_seq'), $4, $5, $6, now())
ON CONFLICT (entity_type, entity_id) DO UPDATE SET
    version = excluded.version,
    seq = excluded.seq,
    deleted = excluded.deleted,
    origin = excluded.origin,
    data = excluded.data,
    updated_at = excluded.updated_at
WHERE relay_rows.version = $7
RETURNING seq, updated_at`

func (m *Mirror) Push(ctx context.Context, rec remote.Record, expectedVersion int64) (remote.Record, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return remote.Record{}, classify("push", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(rec.Type)); err != nil {
		return remote.Record{}, classify("push lock", err)
	}

	var data interface{}
	if len(rec.Data) > 0 {
		data = string(rec.Data)
	}
	out := rec
	err = tx.QueryRowContext(ctx, pushSQL, string(rec.Type), rec.ID, rec.Version, rec.Deleted, rec.Origin, data, expectedVersion).
		Scan(&out.Seq, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := getRow(ctx, tx, rec.Type, rec.ID)
		if gerr != nil {
			return remote.Record{}, classify("push conflict read", gerr)
		}
		return remote.Record{}, &remote.ConflictError{Current: cur}
	}
	if err != nil {
		return remote.Record{}, classify("push", err)
	}

	payload, _ := json.Marshal(remote.Change{Type: rec.Type, ID: rec.ID, Seq: out.Seq})
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return remote.Record{}, classify("push notify", err)
	}
	if err := tx.Commit(); err != nil {
		return remote.Record{}, classify("push commit", err)
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

const rowColumns = `entity_type, entity_id, version, seq, deleted, origin, data, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(r rowScanner) (remote.Record, error) {
	var rec remote.Record
	var et string
	var data []byte
	if err := r.Scan(&et, &rec.ID, &rec.Version, &rec.Seq, &rec.Deleted, &rec.Origin, &data, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.Type = model.EntityType(et)
	if len(data) > 0 {
		rec.Data = json.RawMessage(data)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func getRow(ctx context.Context, tx *sql.Tx, t model.EntityType, id string) (remote.Record, error) {
	return scanRow(tx.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM relay_rows WHERE entity_type = $1 AND entity_id = $2`, string(t), id))
}

func (m *Mirror) Pull(ctx context.Context, t model.EntityType, since remote.Cursor, limit int) ([]remote.Record, remote.Cursor, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := m.db.QueryContext(ctx, `
        SELECT `+rowColumns+` FROM relay_rows
        WHERE entity_type = $1 AND seq > $2
        ORDER BY seq ASC
        LIMIT $3
    `, string(t), int64(since), limit)
	if err != nil {
		return nil, since, classify("pull", err)
	}
	defer func() { _ = rows.Close() }()

	next := since
	var out []remote.Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, since, classify("pull scan", err)
		}
		out = append(out, rec)
		next = remote.Cursor(rec.Seq)
	}
	if err := rows.Err(); err != nil {
		return nil, since, classify("pull", err)
	}
	return out, next, nil
}

// Subscribe LISTENs on a dedicated native pgx connection.
func (m *Mirror) Subscribe(ctx context.Context, t model.EntityType) (<-chan remote.Change, error) {
	conn, err := pgx.Connect(ctx, m.dsn)
	if err != nil {
		return nil, remote.NewNetworkError("subscribe", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, remote.NewNetworkError("listen", err)
	}

	out := make(chan remote.Change, 16)
	go func() {
		defer close(out)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = conn.Close(closeCtx)
		}()
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					m.log.Warn().Err(err).Str("entity_type", string(t)).Msg("listen connection dropped")
				}
				return
			}
			var c remote.Change
			if err := json.Unmarshal([]byte(n.Payload), &c); err != nil || c.Type != t {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *Mirror) HealthPing(ctx context.Context) error { return m.db.PingContext(ctx) }

func (m *Mirror) Close() error { return m.db.Close() }

// classify marks connection-level failures recoverable and rejected
// statements (constraint or data errors) irrecoverable.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return remote.NewInvalidError(op, err)
		}
	}
	return remote.NewNetworkError(op, err)
}
