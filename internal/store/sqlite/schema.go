package sqlite

import (
	"context"
	"database/sql"
)

// ensureSchema creates tables if they do not exist. Safe to call repeatedly.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            title TEXT NOT NULL,
            persona_id TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            archived INTEGER NOT NULL DEFAULT 0,
            pinned INTEGER NOT NULL DEFAULT 0,
            web_search INTEGER NOT NULL DEFAULT 0,
            version INTEGER NOT NULL DEFAULT 1
        );`,
		`CREATE INDEX IF NOT EXISTS conversations_updated_idx ON conversations(updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL,
            role TEXT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            token_count INTEGER NOT NULL DEFAULT 0,
            model TEXT,
            image_ref TEXT,
            file_ref TEXT,
            is_streaming INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            device_id TEXT NOT NULL DEFAULT '',
            version INTEGER NOT NULL DEFAULT 1
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, created_at, id);`,
		// Backstop for the broker's single-writer rule.
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_one_streaming_idx ON messages(conversation_id) WHERE is_streaming = 1;`,
		`CREATE TABLE IF NOT EXISTS memories (
            id TEXT PRIMARY KEY,
            conversation_id TEXT,
            message_id TEXT,
            fact TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            persona_id TEXT,
            version INTEGER NOT NULL DEFAULT 1
        );`,
		`CREATE TABLE IF NOT EXISTS personas (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            system_prompt TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            archived INTEGER NOT NULL DEFAULT 0,
            version INTEGER NOT NULL DEFAULT 1
        );`,
		`CREATE TABLE IF NOT EXISTS pending_ops (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            op TEXT NOT NULL,
            seq INTEGER NOT NULL DEFAULT 1,
            attempts INTEGER NOT NULL DEFAULT 0,
            next_attempt_at INTEGER NOT NULL,
            failed INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at INTEGER NOT NULL,
            UNIQUE(entity_type, entity_id, op)
        );`,
		`CREATE INDEX IF NOT EXISTS pending_ops_ready_idx ON pending_ops(failed, next_attempt_at);`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
            entity_type TEXT NOT NULL,
            source TEXT NOT NULL,
            version INTEGER NOT NULL,
            PRIMARY KEY(entity_type, source)
        );`,
		`CREATE TABLE IF NOT EXISTS sync_state (
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            remote_version INTEGER NOT NULL,
            origin TEXT NOT NULL DEFAULT '',
            PRIMARY KEY(entity_type, entity_id)
        );`,
		`CREATE TABLE IF NOT EXISTS tombstones (
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            deleted_at INTEGER NOT NULL,
            PRIMARY KEY(entity_type, entity_id)
        );`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            local_version INTEGER NOT NULL,
            remote_version INTEGER NOT NULL,
            winner TEXT NOT NULL,
            policy TEXT NOT NULL,
            detected_at INTEGER NOT NULL
        );`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
