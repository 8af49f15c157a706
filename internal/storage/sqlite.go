package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAdapter persists envelopes in a single kv table. SQLite works best
// with one writer connection, so the pool is pinned to a single conn.
type SQLiteAdapter struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteAdapter opens (or creates) the database under dataDir.
func NewSQLiteAdapter(dataDir string) (*SQLiteAdapter, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "reflex.db")

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	a := &SQLiteAdapter{db: db, dbPath: dbPath}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

func (a *SQLiteAdapter) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key            TEXT PRIMARY KEY,
		state          TEXT NOT NULL,
		persisted_at   INTEGER NOT NULL,
		server_id      TEXT NOT NULL DEFAULT '',
		schema_version INTEGER NOT NULL DEFAULT 1
	);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Save stores the envelope under key, replacing any previous value.
func (a *SQLiteAdapter) Save(key string, envelope Envelope) error {
	_, err := a.db.Exec(`
		INSERT INTO kv (key, state, persisted_at, server_id, schema_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			persisted_at = excluded.persisted_at,
			server_id = excluded.server_id,
			schema_version = excluded.schema_version`,
		key, string(envelope.State), envelope.Metadata.PersistedAt.UnixMilli(),
		envelope.Metadata.ServerID, envelope.Metadata.SchemaVersion)
	if err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	return nil
}

// Load returns the envelope for key, or nil if absent.
func (a *SQLiteAdapter) Load(key string) (*Envelope, error) {
	var (
		state         string
		persistedAtMs int64
		envelope      Envelope
	)
	err := a.db.QueryRow(
		`SELECT state, persisted_at, server_id, schema_version FROM kv WHERE key = ?`, key).
		Scan(&state, &persistedAtMs, &envelope.Metadata.ServerID, &envelope.Metadata.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", key, err)
	}
	envelope.State = []byte(state)
	envelope.Metadata.PersistedAt = msToTime(persistedAtMs)
	return &envelope, nil
}

// Delete removes key, reporting whether it existed.
func (a *SQLiteAdapter) Delete(key string) (bool, error) {
	res, err := a.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Exists reports whether key is present.
func (a *SQLiteAdapter) Exists(key string) (bool, error) {
	var one int
	err := a.db.QueryRow(`SELECT 1 FROM kv WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}
	return true, nil
}

// ListKeys returns all keys with the given prefix, sorted.
func (a *SQLiteAdapter) ListKeys(prefix string) ([]string, error) {
	rows, err := a.db.Query(
		`SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
