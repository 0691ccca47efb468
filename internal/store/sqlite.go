package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-node StateStore backend for embedded or
// edge deployments that don't run a separate database process. Schema
// mirrors PostgresStore; mattn/go-sqlite3 supplies the driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database file
// and ensures the backing tables exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers; a single connection avoids
	// "database is locked" errors under concurrent access.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.ensureSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS crypto_signing_key (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			der BLOB NOT NULL
		)`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS crypto_sessions (
			user_id TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			expires_at DATETIME NOT NULL
		)`)
	return err
}

func (s *SQLiteStore) LoadSigningKey(ctx context.Context) ([]byte, error) {
	var der []byte
	err := s.db.QueryRowContext(ctx, `SELECT der FROM crypto_signing_key WHERE id = 1`).Scan(&der)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return der, err
}

func (s *SQLiteStore) SaveSigningKey(ctx context.Context, der []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_signing_key (id, der) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET der = excluded.der`, der)
	return err
}

func (s *SQLiteStore) SaveSession(ctx context.Context, userID string, blob []byte, ttlSeconds int64) error {
	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_sessions (user_id, blob, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET blob = excluded.blob, expires_at = excluded.expires_at`,
		userID, blob, expiresAt)
	return err
}

func (s *SQLiteStore) LoadSession(ctx context.Context, userID string) ([]byte, error) {
	var blob []byte
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT blob, expires_at FROM crypto_sessions WHERE user_id = ?`, userID).Scan(&blob, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(expiresAt) {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM crypto_sessions WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteStore) ScanSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, blob FROM crypto_sessions WHERE expires_at > ?`, time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.UserID, &rec.Blob); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
