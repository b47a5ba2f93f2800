// Package store persists process-wide agent state across restarts: the most
// recently completed workflow id and the last goal-state payload, so a
// transport reconnect's duplicate property update is recognised and ignored
// (spec §6 "Persisted state"). It is backed by modernc.org/sqlite with
// pressly/goose-managed migrations, following the connection-pool and retry
// idiom of station's internal/db package.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"fleetagent/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	keyLastCompletedWorkflowID = "last_completed_workflow_id"
	keyLastGoalState           = "last_goal_state"
)

// Store wraps a sqlite connection holding the agent's small amount of
// durable state.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	var conn *sql.DB
	var err error

	maxRetries := 5
	baseDelay := 50 * time.Millisecond
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("store: open database: %w", err)
		}
		conn.SetMaxOpenConns(1) // single-writer agent-local database
		conn.SetMaxIdleConns(1)

		if err = conn.Ping(); err == nil {
			break
		}
		conn.Close()
		if attempt == maxRetries-1 {
			return nil, fmt.Errorf("store: ping database after %d attempts: %w", maxRetries, err)
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 30000"); err != nil {
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO agent_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// LastCompletedWorkflowID returns the id of the last deployment the engine
// completed successfully, or "" if none has ever completed.
func (s *Store) LastCompletedWorkflowID(ctx context.Context) (string, error) {
	id, err := s.get(ctx, keyLastCompletedWorkflowID)
	if err != nil {
		logging.Error("store: read last completed workflow id: %v", err)
	}
	return id, err
}

// SetLastCompletedWorkflowID persists id as the most recently completed
// deployment.
func (s *Store) SetLastCompletedWorkflowID(ctx context.Context, id string) error {
	return s.set(ctx, keyLastCompletedWorkflowID, id)
}

// LastGoalState returns the last raw desired-state payload the engine
// accepted, used on HandleStartup to resume a mid-flight deployment.
func (s *Store) LastGoalState(ctx context.Context) ([]byte, error) {
	value, err := s.get(ctx, keyLastGoalState)
	if err != nil || value == "" {
		return nil, err
	}
	return []byte(value), nil
}

// SetLastGoalState persists payload as the last accepted desired-state
// document.
func (s *Store) SetLastGoalState(ctx context.Context, payload []byte) error {
	return s.set(ctx, keyLastGoalState, string(payload))
}
