package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/yourownai/relay/internal/model"
)

type personas struct{ s *Store }

const personaColumns = `id, name, description, system_prompt, created_at, updated_at, archived, version`

func scanPersona(row scanner) (*model.Persona, error) {
	var p model.Persona
	var created, updated int64
	var archived int
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.SystemPrompt, &created, &updated, &archived, &p.Version); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMS(created)
	p.UpdatedAt = fromMS(updated)
	p.Archived = archived == 1
	return &p, nil
}

func (r *personas) Create(ctx context.Context, in *model.Persona) (*model.Persona, error) {
	p := *in
	if p.ID == "" {
		p.ID = model.NewID()
	}
	now := r.s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Version = 1
	err := r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO personas (`+personaColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
			p.ID, p.Name, p.Description, p.SystemPrompt, ms(p.CreatedAt), ms(p.UpdatedAt),
			boolInt(p.Archived), p.Version); err != nil {
			return err
		}
		return enqueue(model.EntityPersona, p.ID, model.OpUpsert)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *personas) Get(ctx context.Context, id string) (*model.Persona, error) {
	p, err := scanPersona(r.s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "persona", id)
	}
	return p, nil
}

func (r *personas) List(ctx context.Context, includeArchived bool) ([]*model.Persona, error) {
	q := `SELECT ` + personaColumns + ` FROM personas`
	if !includeArchived {
		q += ` WHERE archived = 0`
	}
	q += ` ORDER BY name ASC, id ASC`
	rows, err := r.s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *personas) Update(ctx context.Context, p *model.Persona) (*model.Persona, error) {
	var out *model.Persona
	err := r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE personas
            SET name = ?, description = ?, system_prompt = ?, archived = ?,
                updated_at = MAX(updated_at, ?), version = version + 1
            WHERE id = ?
        `, p.Name, p.Description, p.SystemPrompt, boolInt(p.Archived), ms(r.s.now()), p.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("persona %s: %w", p.ID, model.ErrNotFound)
		}
		out, err = scanPersona(tx.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, p.ID))
		if err != nil {
			return err
		}
		return enqueue(model.EntityPersona, p.ID, model.OpUpsert)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a persona. Conversations and memories keep their reference.
func (r *personas) Delete(ctx context.Context, id string) error {
	return r.s.txn(ctx, func(tx *sql.Tx, enqueue func(model.EntityType, string, model.OpKind) error) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("persona %s: %w", id, model.ErrNotFound)
		}
		if err := tombstone(ctx, tx, model.EntityPersona, id, r.s.now()); err != nil {
			return err
		}
		return enqueue(model.EntityPersona, id, model.OpDelete)
	})
}
