package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

type syncRepo struct{ s *Store }

const pendingOpColumns = `id, entity_type, entity_id, op, seq, attempts, next_attempt_at, failed, last_error, created_at`

func scanPendingOp(row scanner) (*model.PendingOp, error) {
	var op model.PendingOp
	var et, kind string
	var next, created int64
	var failed int
	var lastErr sql.NullString
	if err := row.Scan(&op.ID, &et, &op.EntityID, &kind, &op.Seq, &op.Attempts, &next, &failed, &lastErr, &created); err != nil {
		return nil, err
	}
	op.EntityType = model.EntityType(et)
	op.Op = model.OpKind(kind)
	op.NextAttemptAt = fromMS(next)
	op.Failed = failed == 1
	op.LastError = lastErr.String
	op.CreatedAt = fromMS(created)
	return &op, nil
}

func (r *syncRepo) listOps(ctx context.Context, q string, args ...interface{}) ([]*model.PendingOp, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.PendingOp
	for rows.Next() {
		op, err := scanPendingOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Lease returns due ops in creation order so parents reach the mirror before
// their children.
func (r *syncRepo) Lease(ctx context.Context, now time.Time, limit int) ([]*model.PendingOp, error) {
	return r.listOps(ctx, `
        SELECT `+pendingOpColumns+` FROM pending_ops
        WHERE failed = 0 AND next_attempt_at <= ?
        ORDER BY id ASC
        LIMIT ?
    `, ms(now), limit)
}

func (r *syncRepo) Ack(ctx context.Context, op *model.PendingOp) (bool, error) {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ? AND seq = ?`, op.ID, op.Seq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *syncRepo) Retry(ctx context.Context, op *model.PendingOp, cause error, next time.Time) error {
	_, err := r.s.db.ExecContext(ctx, `
        UPDATE pending_ops SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
        WHERE id = ? AND seq = ?
    `, errString(cause), ms(next), op.ID, op.Seq)
	return err
}

func (r *syncRepo) Defer(ctx context.Context, op *model.PendingOp, next time.Time) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE pending_ops SET next_attempt_at = ? WHERE id = ?`, ms(next), op.ID)
	return err
}

func (r *syncRepo) Fail(ctx context.Context, op *model.PendingOp, cause error) error {
	_, err := r.s.db.ExecContext(ctx, `
        UPDATE pending_ops SET failed = 1, attempts = attempts + 1, last_error = ?
        WHERE id = ? AND seq = ?
    `, errString(cause), op.ID, op.Seq)
	return err
}

func (r *syncRepo) Enqueue(ctx context.Context, t model.EntityType, id string, op model.OpKind) error {
	return r.s.txn(ctx, func(_ *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		return enqueue(t, id, op)
	})
}

// HasPending reports an unacknowledged, non-failed op for the entity.
func (r *syncRepo) HasPending(ctx context.Context, t model.EntityType, id string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
        SELECT COUNT(1) FROM pending_ops WHERE entity_type = ? AND entity_id = ? AND failed = 0
    `, t, id).Scan(&n)
	return n > 0, err
}

func (r *syncRepo) Stats(ctx context.Context) (store.PendingStats, error) {
	var st store.PendingStats
	err := r.s.db.QueryRowContext(ctx, `
        SELECT
            COALESCE(SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0)
        FROM pending_ops
    `).Scan(&st.Pending, &st.Failed)
	return st, err
}

func (r *syncRepo) FailedOps(ctx context.Context, limit int) ([]*model.PendingOp, error) {
	return r.listOps(ctx, `
        SELECT `+pendingOpColumns+` FROM pending_ops WHERE failed = 1 ORDER BY id ASC LIMIT ?
    `, limit)
}

func (r *syncRepo) Cursor(ctx context.Context, t model.EntityType, source string) (int64, error) {
	var v int64
	err := r.s.db.QueryRowContext(ctx, `SELECT version FROM sync_cursors WHERE entity_type = ? AND source = ?`, t, source).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func (r *syncRepo) SetCursor(ctx context.Context, t model.EntityType, source string, v int64) error {
	_, err := r.s.db.ExecContext(ctx, `
        INSERT INTO sync_cursors (entity_type, source, version) VALUES (?,?,?)
        ON CONFLICT(entity_type, source) DO UPDATE SET version = MAX(sync_cursors.version, excluded.version)
    `, t, source, v)
	return err
}

func (r *syncRepo) RemoteVersion(ctx context.Context, t model.EntityType, id string) (int64, error) {
	var v int64
	err := r.s.db.QueryRowContext(ctx, `SELECT remote_version FROM sync_state WHERE entity_type = ? AND entity_id = ?`, t, id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func (r *syncRepo) SetRemoteVersion(ctx context.Context, t model.EntityType, id string, v int64) error {
	_, err := r.s.db.ExecContext(ctx, `
        INSERT INTO sync_state (entity_type, entity_id, remote_version) VALUES (?,?,?)
        ON CONFLICT(entity_type, entity_id) DO UPDATE SET remote_version = excluded.remote_version
    `, t, id, v)
	return err
}

func (r *syncRepo) Snapshot(ctx context.Context, t model.EntityType, id string) (*model.Snapshot, error) {
	snap := &model.Snapshot{Type: t, ID: id}
	var v interface{}
	switch t {
	case model.EntityConversation:
		c, err := (&conversations{r.s}).Get(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Version, v = c.Version, c
	case model.EntityMessage:
		m, err := (&messages{r.s}).Get(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Version, snap.Streaming, snap.DeviceID, v = m.Version, m.IsStreaming, m.DeviceID, m
	case model.EntityMemory:
		m, err := (&memories{r.s}).Get(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Version, v = m.Version, m
	case model.EntityPersona:
		p, err := (&personas{r.s}).Get(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Version, v = p.Version, p
	default:
		return nil, fmt.Errorf("unknown entity type %q: %w", t, model.ErrValidation)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	snap.Data = data

	err = r.s.db.QueryRowContext(ctx, `SELECT origin FROM sync_state WHERE entity_type = ? AND entity_id = ?`, t, id).Scan(&snap.Origin)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return snap, nil
}

// ApplyRemote writes a remote entity without enqueueing. The remote version is
// kept as-is. A local streaming message is never overwritten.
func (r *syncRepo) ApplyRemote(ctx context.Context, t model.EntityType, data json.RawMessage, origin string) error {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.ID == "" {
		return fmt.Errorf("decode %s: missing id: %w", t, model.ErrValidation)
	}
	return r.s.txn(ctx, func(tx *sql.Tx, _ func(model.EntityType, string, model.OpKind) error) error {
		applied, err := applyRow(ctx, tx, t, data)
		if err != nil || !applied {
			return err
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO sync_state (entity_type, entity_id, remote_version, origin) VALUES (?,?,0,?)
            ON CONFLICT(entity_type, entity_id) DO UPDATE SET origin = excluded.origin
        `, t, head.ID, origin)
		return err
	})
}

// applyRow reports false when the local row was left untouched.
func applyRow(ctx context.Context, tx *sql.Tx, t model.EntityType, data json.RawMessage) (bool, error) {
	switch t {
	case model.EntityConversation:
		var c model.Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			return false, fmt.Errorf("decode conversation: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
            INSERT INTO conversations (`+conversationColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
            ON CONFLICT(id) DO UPDATE SET
                title = excluded.title, persona_id = excluded.persona_id,
                created_at = excluded.created_at,
                updated_at = MAX(conversations.updated_at, excluded.updated_at),
                archived = excluded.archived, pinned = excluded.pinned,
                web_search = excluded.web_search, version = excluded.version
        `, c.ID, c.Title, nullString(c.PersonaID), ms(c.CreatedAt), ms(c.UpdatedAt),
			boolInt(c.Archived), boolInt(c.Pinned), boolInt(c.WebSearchEnabled), c.Version)
		return affected(res, err)
	case model.EntityMessage:
		var m model.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return false, fmt.Errorf("decode message: %w", err)
		}
		if m.Status == model.StatusStreaming || m.Status == "" {
			m.Status = model.StatusFailed
		}
		res, err := tx.ExecContext(ctx, `
            INSERT INTO messages (`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,0,?,?,?)
            ON CONFLICT(id) DO UPDATE SET
                conversation_id = excluded.conversation_id, role = excluded.role,
                content = excluded.content, created_at = excluded.created_at,
                token_count = excluded.token_count, model = excluded.model,
                image_ref = excluded.image_ref, file_ref = excluded.file_ref,
                status = excluded.status, device_id = excluded.device_id,
                version = excluded.version
            WHERE messages.is_streaming = 0
        `, m.ID, m.ConversationID, string(m.Role), m.Content, ms(m.CreatedAt), m.TokenCount,
			nullString(m.Model), nullString(m.ImageRef), nullString(m.FileRef),
			string(m.Status), m.DeviceID, m.Version)
		return affected(res, err)
	case model.EntityMemory:
		var m model.MemoryEntry
		if err := json.Unmarshal(data, &m); err != nil {
			return false, fmt.Errorf("decode memory: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
            INSERT INTO memories (`+memoryColumns+`) VALUES (?,?,?,?,?,?,?)
            ON CONFLICT(id) DO UPDATE SET
                conversation_id = excluded.conversation_id, message_id = excluded.message_id,
                fact = excluded.fact, created_at = excluded.created_at,
                persona_id = excluded.persona_id, version = excluded.version
        `, m.ID, nullString(m.ConversationID), nullString(m.MessageID), m.Fact, ms(m.CreatedAt),
			nullString(m.PersonaID), m.Version)
		return affected(res, err)
	case model.EntityPersona:
		var p model.Persona
		if err := json.Unmarshal(data, &p); err != nil {
			return false, fmt.Errorf("decode persona: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
            INSERT INTO personas (`+personaColumns+`) VALUES (?,?,?,?,?,?,?,?)
            ON CONFLICT(id) DO UPDATE SET
                name = excluded.name, description = excluded.description,
                system_prompt = excluded.system_prompt, created_at = excluded.created_at,
                updated_at = MAX(personas.updated_at, excluded.updated_at),
                archived = excluded.archived, version = excluded.version
        `, p.ID, p.Name, p.Description, p.SystemPrompt, ms(p.CreatedAt), ms(p.UpdatedAt),
			boolInt(p.Archived), p.Version)
		return affected(res, err)
	}
	return false, fmt.Errorf("unknown entity type %q: %w", t, model.ErrValidation)
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ApplyRemoteDelete removes the entity and tombstones it. A conversation takes
// its messages with it.
func (r *syncRepo) ApplyRemoteDelete(ctx context.Context, t model.EntityType, id string) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	return r.s.txn(ctx, func(tx *sql.Tx, _ func(model.EntityType, string, model.OpKind) error) error {
		now := r.s.now()
		if t == model.EntityConversation {
			rows, err := tx.QueryContext(ctx, `SELECT id FROM messages WHERE conversation_id = ?`, id)
			if err != nil {
				return err
			}
			var ids []string
			for rows.Next() {
				var mid string
				if err := rows.Scan(&mid); err != nil {
					_ = rows.Close()
					return err
				}
				ids = append(ids, mid)
			}
			_ = rows.Close()
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
				return err
			}
			for _, mid := range ids {
				if err := tombstone(ctx, tx, model.EntityMessage, mid, now); err != nil {
					return err
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ops WHERE entity_type = ? AND entity_id = ? AND op = ?`, t, id, model.OpUpsert); err != nil {
			return err
		}
		return tombstone(ctx, tx, t, id, now)
	})
}

func (r *syncRepo) SetVersion(ctx context.Context, t model.EntityType, id string, v int64) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, `UPDATE `+table+` SET version = ? WHERE id = ?`, v, id)
	return err
}

func (r *syncRepo) Tombstoned(ctx context.Context, t model.EntityType, id string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tombstones WHERE entity_type = ? AND entity_id = ?`, t, id).Scan(&n)
	return n > 0, err
}

func (r *syncRepo) RecordConflict(ctx context.Context, c *model.SyncConflict) error {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = r.s.now()
	}
	res, err := r.s.db.ExecContext(ctx, `
        INSERT INTO sync_conflicts (entity_type, entity_id, local_version, remote_version, winner, policy, detected_at)
        VALUES (?,?,?,?,?,?,?)
    `, c.EntityType, c.EntityID, c.LocalVersion, c.RemoteVersion, c.Winner, c.Policy, ms(c.DetectedAt))
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (r *syncRepo) Conflicts(ctx context.Context, limit int) ([]*model.SyncConflict, error) {
	rows, err := r.s.db.QueryContext(ctx, `
        SELECT id, entity_type, entity_id, local_version, remote_version, winner, policy, detected_at
        FROM sync_conflicts ORDER BY id DESC LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.SyncConflict
	for rows.Next() {
		var c model.SyncConflict
		var et string
		var detected int64
		if err := rows.Scan(&c.ID, &et, &c.EntityID, &c.LocalVersion, &c.RemoteVersion, &c.Winner, &c.Policy, &detected); err != nil {
			return nil, err
		}
		c.EntityType = model.EntityType(et)
		c.DetectedAt = fromMS(detected)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func errString(err error) interface{} {
	if err == nil {
		return nil
	}
	return err.Error()
}
