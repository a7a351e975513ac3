package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

type memories struct{ s *Store }

const memoryColumns = `id, conversation_id, message_id, fact, created_at, persona_id, version`

func scanMemory(row scanner) (*model.MemoryEntry, error) {
	var m model.MemoryEntry
	var conv, msg, persona sql.NullString
	var created int64
	if err := row.Scan(&m.ID, &conv, &msg, &m.Fact, &created, &persona, &m.Version); err != nil {
		return nil, err
	}
	m.ConversationID = stringPtr(conv)
	m.MessageID = stringPtr(msg)
	m.PersonaID = stringPtr(persona)
	m.CreatedAt = fromMS(created)
	return &m, nil
}

func (r *memories) Create(ctx context.Context, in *model.MemoryEntry) (*model.MemoryEntry, error) {
	m := *in
	if m.ID == "" {
		m.ID = model.NewID()
	}
	m.CreatedAt = r.s.now()
	m.Version = 1
	err := r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO memories (`+memoryColumns+`) VALUES (?,?,?,?,?,?,?)`,
			m.ID, nullString(m.ConversationID), nullString(m.MessageID), m.Fact, ms(m.CreatedAt),
			nullString(m.PersonaID), m.Version); err != nil {
			return err
		}
		return enqueue(model.EntityMemory, m.ID, model.OpUpsert)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *memories) Get(ctx context.Context, id string) (*model.MemoryEntry, error) {
	m, err := scanMemory(r.s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "memory", id)
	}
	return m, nil
}

func (r *memories) List(ctx context.Context, f store.MemoryFilter) ([]*model.MemoryEntry, error) {
	var where []string
	var args []interface{}
	if f.PersonaID != nil {
		where = append(where, "persona_id = ?")
		args = append(args, *f.PersonaID)
	}
	if f.ConversationID != nil {
		where = append(where, "conversation_id = ?")
		args = append(args, *f.ConversationID)
	}
	q := `SELECT ` + memoryColumns + ` FROM memories`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id ASC`
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.MemoryEntry
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *memories) Delete(ctx context.Context, id string) error {
	return r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
		}
		if err := tombstone(ctx, tx, model.EntityMemory, id, r.s.now()); err != nil {
			return err
		}
		return enqueue(model.EntityMemory, id, model.OpDelete)
	})
}
