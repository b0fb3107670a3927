// Package ledger records every backend attempt with its outcome and usage.
//
// Information Hiding:
// - SQLite connection management hidden behind the Recorder interface
// - Schema details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling
//
// Entries are appended per attempt; a request that is retried or falls over
// to another role produces several entries.

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one recorded backend attempt.
type Entry struct {
	ID           string
	RequestID    string
	CommandLabel string
	Role         string
	BackendID    string
	ModelID      string
	Kind         string
	Attempt      int
	Success      bool
	Error        string
	InputTokens  int
	OutputTokens int
	// Fingerprint identifies the response content; empty when the content
	// was not observed.
	Fingerprint string
	CreatedAt   time.Time
}

// Fingerprint returns a short content hash, used to spot identical responses
// across attempts without storing them.
func Fingerprint(content string) string {
	if content == "" {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64String(content), 16)
}

// Totals sums usage over a set of entries.
type Totals struct {
	Attempts     int
	Successes    int
	InputTokens  int
	OutputTokens int
}

// Recorder stores attempt entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Sqlite implements Recorder on a SQLite database.
type Sqlite struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite ledger at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*Sqlite, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return initSqlite(db)
}

// NewSqliteInMemory creates an in-memory ledger (useful for testing).
func NewSqliteInMemory() (*Sqlite, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// every pooled connection would get its own empty database
	db.SetMaxOpenConns(1)
	return initSqlite(db)
}

func initSqlite(db *sql.DB) (*Sqlite, error) {
	s := &Sqlite{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Sqlite) Close() error {
	return s.db.Close()
}

func (s *Sqlite) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			command_label TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			backend_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_request
		ON attempts(request_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record appends an entry. Missing ID and CreatedAt are filled in.
func (s *Sqlite) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, request_id, command_label, role, backend_id, model_id,
			kind, attempt, success, error, input_tokens, output_tokens, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.CommandLabel, e.Role, e.BackendID, e.ModelID,
		e.Kind, e.Attempt, e.Success, e.Error, e.InputTokens, e.OutputTokens,
		e.Fingerprint, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// ForRequest returns the entries of one request in recording order.
func (s *Sqlite) ForRequest(ctx context.Context, requestID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, command_label, role, backend_id, model_id, kind,
			attempt, success, error, input_tokens, output_tokens, fingerprint, created_at
		FROM attempts WHERE request_id = ? ORDER BY created_at, rowid`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.RequestID, &e.CommandLabel, &e.Role, &e.BackendID,
			&e.ModelID, &e.Kind, &e.Attempt, &e.Success, &e.Error,
			&e.InputTokens, &e.OutputTokens, &e.Fingerprint, &created); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return entries, nil
}

// Totals sums attempts and usage, optionally restricted to one command label
// ("" for all).
func (s *Sqlite) Totals(ctx context.Context, commandLabel string) (Totals, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(success), 0),
		COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM attempts`
	var args []any
	if commandLabel != "" {
		query += " WHERE command_label = ?"
		args = append(args, commandLabel)
	}

	var t Totals
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&t.Attempts, &t.Successes, &t.InputTokens, &t.OutputTokens); err != nil {
		return Totals{}, fmt.Errorf("failed to sum attempts: %w", err)
	}
	return t, nil
}

// Verify Sqlite implements Recorder
var _ Recorder = (*Sqlite)(nil)
