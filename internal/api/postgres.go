package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leverlabs/caucus/internal/controlplane"
)

// Schema is the SQL DDL for the sessions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment. The full
// session document lives in a JSONB column; id, room and status are lifted
// out for lookups.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    room_name  TEXT NOT NULL UNIQUE,
    status     TEXT NOT NULL,
    doc        JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL, for deployments where
// sessions must survive an API restart.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the given connection or pool. Call
// [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("api: migrate: %w", err)
	}
	return nil
}

// Create inserts a new session document.
func (s *PostgresStore) Create(ctx context.Context, sess *controlplane.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("api: marshal session: %w", err)
	}

	const query = `
		INSERT INTO sessions (id, room_name, status, doc)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.Exec(ctx, query, sess.ID, sess.RoomName, string(sess.Status), doc); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("api: session %q already exists", sess.ID)
		}
		return fmt.Errorf("api: create session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*controlplane.Session, error) {
	const query = `SELECT doc FROM sessions WHERE id = $1`
	return s.queryDoc(ctx, query, id)
}

// FindByRoom retrieves the session backing roomName.
func (s *PostgresStore) FindByRoom(ctx context.Context, roomName string) (*controlplane.Session, error) {
	const query = `SELECT doc FROM sessions WHERE room_name = $1`
	return s.queryDoc(ctx, query, roomName)
}

// Update replaces an existing session document.
func (s *PostgresStore) Update(ctx context.Context, sess *controlplane.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("api: marshal session: %w", err)
	}

	const query = `
		UPDATE sessions SET status = $2, doc = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	var updatedAt any
	if err := s.db.QueryRow(ctx, query, sess.ID, string(sess.Status), doc).Scan(&updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("api: update session %q: %w", sess.ID, err)
	}
	return nil
}

// queryDoc runs a single-row doc lookup and decodes the result.
func (s *PostgresStore) queryDoc(ctx context.Context, query string, arg any) (*controlplane.Session, error) {
	var doc []byte
	if err := s.db.QueryRow(ctx, query, arg).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api: query session: %w", err)
	}

	var sess controlplane.Session
	if err := json.Unmarshal(doc, &sess); err != nil {
		return nil, fmt.Errorf("api: unmarshal session: %w", err)
	}
	return &sess, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
