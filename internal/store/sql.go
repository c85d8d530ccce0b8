package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		id SERIAL PRIMARY KEY,
		email VARCHAR NOT NULL,
		token TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_tokens (
		id SERIAL PRIMARY KEY,
		token TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_tokens_token ON api_tokens (token)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL,
		token TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_tokens_token ON api_tokens (token)`,
}

// SQLStore is a database/sql backed store for PostgreSQL and SQLite.
// It is safe for concurrent use; consistency is the database's.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the database, verifies it with a ping and applies the
// schema. dsn is a postgres URL for DriverPostgres or a file path (or
// ":memory:") for DriverSQLite.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}

	var schema []string
	switch driver {
	case DriverPostgres:
		schema = postgresSchema
	case DriverSQLite:
		schema = sqliteSchema
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if driver == DriverSQLite {
		// A single connection keeps ":memory:" databases coherent and avoids
		// SQLITE_BUSY on concurrent writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: apply schema: %w", err)
		}
	}

	return s, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListCredentials returns every credential ordered by id (insertion order).
func (s *SQLStore) ListCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, token FROM credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.Label, &c.Secret); err != nil {
			return nil, fmt.Errorf("store: scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	return out, nil
}

// TokenExists reports whether secret matches a stored access token.
func (s *SQLStore) TokenExists(ctx context.Context, secret string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT EXISTS (SELECT 1 FROM api_tokens WHERE token = ?)`), secret,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("store: token lookup: %w", err)
	}
	return found, nil
}

// AddCredential appends a credential and returns it with its new id.
func (s *SQLStore) AddCredential(ctx context.Context, label, secret string) (Credential, error) {
	if label == "" || secret == "" {
		return Credential{}, fmt.Errorf("store: label and secret are required")
	}
	id, err := s.insert(ctx, `INSERT INTO credentials (email, token) VALUES (?, ?)`, label, secret)
	if err != nil {
		return Credential{}, fmt.Errorf("store: add credential: %w", err)
	}
	return Credential{ID: id, Label: label, Secret: secret}, nil
}

// RemoveCredential deletes the credential with the given id.
func (s *SQLStore) RemoveCredential(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "credentials", id)
}

// IssueToken generates a new random access token and stores it.
func (s *SQLStore) IssueToken(ctx context.Context) (AccessToken, error) {
	secret := uuid.NewString()
	now := time.Now().UTC()
	id, err := s.insert(ctx, `INSERT INTO api_tokens (token, created_at) VALUES (?, ?)`, secret, now)
	if err != nil {
		return AccessToken{}, fmt.Errorf("store: issue token: %w", err)
	}
	return AccessToken{ID: id, Secret: secret, CreatedAt: now}, nil
}

// ListTokens returns all access tokens, newest first.
func (s *SQLStore) ListTokens(ctx context.Context) ([]AccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, token, created_at FROM api_tokens ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	defer rows.Close()

	var out []AccessToken
	for rows.Next() {
		var t AccessToken
		if err := rows.Scan(&t.ID, &t.Secret, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	return out, nil
}

// RevokeToken deletes the access token with the given id.
func (s *SQLStore) RevokeToken(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "api_tokens", id)
}

func (s *SQLStore) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if s.driver == DriverPostgres {
		// lib/pq does not implement LastInsertId.
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(query)+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLStore) deleteByID(ctx context.Context, table string, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM "+table+" WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("store: delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete from %s: %w", table, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
