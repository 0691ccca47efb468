package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a durable StateStore backend for deployments that
// already run Postgres for other state and would rather not stand up
// Redis. Sessions carry an explicit expires_at column instead of a
// server-side TTL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and ensures the backing
// tables exist.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) ensureSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS crypto_signing_key (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			der BYTEA NOT NULL
		)`)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(`
		CREATE TABLE IF NOT EXISTS crypto_sessions (
			user_id TEXT PRIMARY KEY,
			blob BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (p *PostgresStore) LoadSigningKey(ctx context.Context) ([]byte, error) {
	var der []byte
	err := p.db.QueryRowContext(ctx, `SELECT der FROM crypto_signing_key WHERE id = 1`).Scan(&der)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return der, err
}

func (p *PostgresStore) SaveSigningKey(ctx context.Context, der []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO crypto_signing_key (id, der) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET der = $1`, der)
	return err
}

func (p *PostgresStore) SaveSession(ctx context.Context, userID string, blob []byte, ttlSeconds int64) error {
	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO crypto_sessions (user_id, blob, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET blob = $2, expires_at = $3`, userID, blob, expiresAt)
	return err
}

func (p *PostgresStore) LoadSession(ctx context.Context, userID string) ([]byte, error) {
	var blob []byte
	var expiresAt time.Time
	err := p.db.QueryRowContext(ctx, `SELECT blob, expires_at FROM crypto_sessions WHERE user_id = $1`, userID).Scan(&blob, &expiresAt)
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

func (p *PostgresStore) DeleteSession(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM crypto_sessions WHERE user_id = $1`, userID)
	return err
}

func (p *PostgresStore) ScanSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id, blob FROM crypto_sessions WHERE expires_at > NOW()`)
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

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
