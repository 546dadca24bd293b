package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

const createSecretsTableSQL = `
CREATE TABLE IF NOT EXISTS challenge_secrets (
    name       TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);`

// PostgresStore keeps challenge secrets in a PostgreSQL table. Suitable when
// the order pipeline and the challenge response server run on different
// hosts that already share a database.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects with the given DSN and ensures the schema
// exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres secrets backend requires a DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.Exec(createSecretsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating challenge_secrets table: %w", err)
	}
	logger.Info("postgres secret store ready")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Put(ctx context.Context, name, value string, expiresAt time.Time) error {
	query := `
		INSERT INTO challenge_secrets (name, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = $2, expires_at = $3`
	if _, err := s.db.ExecContext(ctx, query, name, value, expiresAt); err != nil {
		logger.Error("failed to store challenge secret", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("storing challenge secret %q: %w", name, err)
	}

	// Opportunistic cleanup; expired rows are also filtered on read.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenge_secrets WHERE expires_at < NOW()`); err != nil {
		logger.Warn("failed to delete expired challenge secrets", zap.Error(err))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (string, error) {
	var value string
	query := `SELECT value FROM challenge_secrets WHERE name = $1 AND expires_at > NOW()`
	err := s.db.QueryRowContext(ctx, query, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		logger.Error("failed to read challenge secret", zap.String("name", name), zap.Error(err))
		return "", fmt.Errorf("reading challenge secret %q: %w", name, err)
	}
	return value, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
