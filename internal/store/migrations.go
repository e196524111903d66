package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id          TEXT PRIMARY KEY,
		mind        TEXT NOT NULL,
		session     TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL,
		mode        TEXT NOT NULL,
		channel     TEXT NOT NULL DEFAULT '',
		sender      TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		error       TEXT,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_mind ON deliveries(mind, created_at);
	CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		mind        TEXT NOT NULL,
		session     TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL,
		message     TEXT NOT NULL,
		error       TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_unresolved ON dead_letters(created_at) WHERE resolved_at IS NULL;

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	// message ids let a dead letter be traced back to the journal entry
	_, _ = s.db.Exec(`ALTER TABLE dead_letters ADD COLUMN message_id TEXT`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_dlq_message ON dead_letters(message_id)`)

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}
