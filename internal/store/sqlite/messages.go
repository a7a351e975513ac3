package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/yourownai/relay/internal/model"
)

type messages struct{ s *Store }

const messageColumns = `id, conversation_id, role, content, created_at, token_count, model, image_ref, file_ref, is_streaming, status, device_id, version`

func scanMessage(row scanner) (*model.Message, error) {
	var m model.Message
	var role, status string
	var created int64
	var mdl, img, file sql.NullString
	var streaming int
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &created, &m.TokenCount,
		&mdl, &img, &file, &streaming, &status, &m.DeviceID, &m.Version); err != nil {
		return nil, err
	}
	m.Role = model.Role(role)
	m.Status = model.MessageStatus(status)
	m.CreatedAt = fromMS(created)
	m.Model = stringPtr(mdl)
	m.ImageRef = stringPtr(img)
	m.FileRef = stringPtr(file)
	m.IsStreaming = streaming == 1
	return &m, nil
}

// Create inserts a message and bumps the parent conversation. A streaming
// message is not enqueued for sync until it is finalized.
func (r *messages) Create(ctx context.Context, in *model.Message) (*model.Message, error) {
	m := *in
	if m.ID == "" {
		m.ID = model.NewMessageID()
	}
	now := r.s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.IsStreaming {
		m.Status = model.StatusStreaming
	} else if m.Status == "" {
		m.Status = model.StatusComplete
	}
	m.Version = 1

	err := r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		ok, err := bumpConversation(ctx, tx, m.ConversationID, now, true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("conversation %s: %w", m.ConversationID, model.ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO messages (`+messageColumns+`)
            VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
        `, m.ID, m.ConversationID, string(m.Role), m.Content, ms(m.CreatedAt), m.TokenCount,
			nullString(m.Model), nullString(m.ImageRef), nullString(m.FileRef),
			boolInt(m.IsStreaming), string(m.Status), m.DeviceID, m.Version)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("conversation %s already has a streaming message: %w", m.ConversationID, model.ErrConflict)
			}
			return err
		}
		if !m.IsStreaming {
			if err := enqueue(model.EntityMessage, m.ID, model.OpUpsert); err != nil {
				return err
			}
		}
		return enqueue(model.EntityConversation, m.ConversationID, model.OpUpsert)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *messages) Get(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(r.s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "message", id)
	}
	return m, nil
}

// ListByConversation returns messages oldest first. ULIDs break timestamp ties.
func (r *messages) ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error) {
	var exists int
	if err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	rows, err := r.s.db.QueryContext(ctx, `
        SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC
    `, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []*model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *messages) AppendContent(ctx context.Context, id, delta string) error {
	return r.s.txn(ctx, func(tx *sql.Tx, _ func(model.EntityType, string, model.OpKind) error) error {
		var convID string
		err := tx.QueryRowContext(ctx, `
            UPDATE messages SET content = content || ?, version = version + 1
            WHERE id = ? AND is_streaming = 1
            RETURNING conversation_id
        `, delta, id).Scan(&convID)
		if err != nil {
			if err == sql.ErrNoRows {
				return r.finalOrMissing(ctx, tx, id)
			}
			return err
		}
		_, err = bumpConversation(ctx, tx, convID, r.s.now(), false)
		return err
	})
}

func (r *messages) Finalize(ctx context.Context, id, content string, status model.MessageStatus, tokenCount int) (*model.Message, error) {
	if status == model.StatusStreaming || status == "" {
		return nil, fmt.Errorf("finalize with status %q: %w", status, model.ErrValidation)
	}
	var out *model.Message
	err := r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		var convID string
		err := tx.QueryRowContext(ctx, `
            UPDATE messages
            SET content = ?, status = ?, token_count = ?, is_streaming = 0, version = version + 1
            WHERE id = ? AND is_streaming = 1
            RETURNING conversation_id
        `, content, string(status), tokenCount, id).Scan(&convID)
		if err != nil {
			if err == sql.ErrNoRows {
				return r.finalOrMissing(ctx, tx, id)
			}
			return err
		}
		if _, err := bumpConversation(ctx, tx, convID, r.s.now(), true); err != nil {
			return err
		}
		out, err = scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if err := enqueue(model.EntityMessage, id, model.OpUpsert); err != nil {
			return err
		}
		return enqueue(model.EntityConversation, convID, model.OpUpsert)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// finalOrMissing explains why a streaming-only update matched no row.
func (r *messages) finalOrMissing(ctx context.Context, tx *sql.Tx, id string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return fmt.Errorf("message %s is final: %w", id, model.ErrConflict)
}

func (r *messages) FailStreaming(ctx context.Context) (int, error) {
	var count int
	err := r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, conversation_id FROM messages WHERE is_streaming = 1`)
		if err != nil {
			return err
		}
		type orphan struct{ id, conv string }
		var orphans []orphan
		for rows.Next() {
			var o orphan
			if err := rows.Scan(&o.id, &o.conv); err != nil {
				_ = rows.Close()
				return err
			}
			orphans = append(orphans, o)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		now := r.s.now()
		for _, o := range orphans {
			if _, err := tx.ExecContext(ctx, `
                UPDATE messages SET is_streaming = 0, status = ?, version = version + 1 WHERE id = ?
            `, string(model.StatusFailed), o.id); err != nil {
				return err
			}
			if _, err := bumpConversation(ctx, tx, o.conv, now, true); err != nil {
				return err
			}
			if err := enqueue(model.EntityMessage, o.id, model.OpUpsert); err != nil {
				return err
			}
			if err := enqueue(model.EntityConversation, o.conv, model.OpUpsert); err != nil {
				return err
			}
		}
		count = len(orphans)
		return nil
	})
	return count, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
