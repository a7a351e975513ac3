package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/store"
)

type conversations struct{ s *Store }

const conversationColumns = `id, title, persona_id, created_at, updated_at, archived, pinned, web_search, version`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row scanner) (*model.Conversation, error) {
	var c model.Conversation
	var persona sql.NullString
	var created, updated int64
	var archived, pinned, web int
	if err := row.Scan(&c.ID, &c.Title, &persona, &created, &updated, &archived, &pinned, &web, &c.Version); err != nil {
		return nil, err
	}
	c.PersonaID = stringPtr(persona)
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(updated)
	c.Archived = archived == 1
	c.Pinned = pinned == 1
	c.WebSearchEnabled = web == 1
	return &c, nil
}

func (r *conversations) Create(ctx context.Context, in *model.Conversation) (*model.Conversation, error) {
	c := *in
	if c.ID == "" {
		c.ID = model.NewID()
	}
	now := r.s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Version = 1

	err := r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO conversations (`+conversationColumns+`)
            VALUES (?,?,?,?,?,?,?,?,?)
        `, c.ID, c.Title, nullString(c.PersonaID), ms(c.CreatedAt), ms(c.UpdatedAt),
			boolInt(c.Archived), boolInt(c.Pinned), boolInt(c.WebSearchEnabled), c.Version); err != nil {
			return err
		}
		return enqueue(model.EntityConversation, c.ID, model.OpUpsert)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *conversations) Get(ctx context.Context, id string) (*model.Conversation, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	return c, nil
}

func (r *conversations) List(ctx context.Context, f store.ConversationFilter) ([]*model.Conversation, error) {
	var where []string
	var args []interface{}
	if f.Archived != nil {
		where = append(where, "archived = ?")
		args = append(args, boolInt(*f.Archived))
	}
	if f.Pinned != nil {
		where = append(where, "pinned = ?")
		args = append(args, boolInt(*f.Pinned))
	}
	q := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY pinned DESC, updated_at DESC, id ASC`

	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update writes the mutable metadata fields of c and bumps its version.
func (r *conversations) Update(ctx context.Context, c *model.Conversation) (*model.Conversation, error) {
	var out *model.Conversation
	err := r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE conversations
            SET title = ?, persona_id = ?, archived = ?, pinned = ?, web_search = ?,
                updated_at = MAX(updated_at, ?), version = version + 1
            WHERE id = ?
        `, c.Title, nullString(c.PersonaID), boolInt(c.Archived), boolInt(c.Pinned), boolInt(c.WebSearchEnabled),
			ms(r.s.now()), c.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("conversation %s: %w", c.ID, model.ErrNotFound)
		}
		out, err = scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, c.ID))
		if err != nil {
			return err
		}
		return enqueue(model.EntityConversation, c.ID, model.OpUpsert)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conversations) Delete(ctx context.Context, id string) error {
	return r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
		}

		// Collect child IDs
		rows, err := tx.QueryContext(ctx, `SELECT id FROM messages WHERE conversation_id = ?`, id)
		if err != nil {
			return err
		}
		var messageIDs []string
		for rows.Next() {
			var mid string
			if err := rows.Scan(&mid); err != nil {
				_ = rows.Close()
				return err
			}
			messageIDs = append(messageIDs, mid)
		}
		_ = rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return err
		}

		now := r.s.now()
		for _, mid := range messageIDs {
			if err := tombstone(ctx, tx, model.EntityMessage, mid, now); err != nil {
				return err
			}
			if err := enqueue(model.EntityMessage, mid, model.OpDelete); err != nil {
				return err
			}
		}
		if err := tombstone(ctx, tx, model.EntityConversation, id, now); err != nil {
			return err
		}
		return enqueue(model.EntityConversation, id, model.OpDelete)
	})
}
