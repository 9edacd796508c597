// Package store keeps note content and replicated state in sqlite. The sync engine only touches it when a note is
// first opened and when a snapshot is taken.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("note not found")

// Note is one stored row. State is the saved replica; an empty State means only Content is known, for example for
// a note that was created outside the sync engine.
type Note struct {
	ID        string
	Content   string
	State     []byte
	UpdatedAt time.Time
}

type SQLite struct {
	database *sql.DB
}

// Open opens or creates the database at path and ensures the schema exists. Use ":memory:" for a throwaway store.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	s := &SQLite{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS notes (
		id text not null primary key,
		content text not null default '',
		state text not null default '',
		updated_at integer not null default 0
		)`,
	); err != nil {
		return fmt.Errorf("failed to create notes table: %w", err)
	}
	slog.Debug("ensured notes table exists")
	return nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}

// Create inserts a note with initial content unless it already exists. It reports whether a row was inserted.
func (s *SQLite) Create(ctx context.Context, id, content string) (bool, error) {
	res, err := s.database.ExecContext(
		ctx, `INSERT OR IGNORE INTO notes (id, content, updated_at) VALUES (?, ?, ?)`,
		id, content, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert note: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (Note, error) {
	var n Note
	var rawState string
	var updatedAt int64
	err := s.database.QueryRowContext(
		ctx, `SELECT id, content, state, updated_at FROM notes WHERE id = ?`, id,
	).Scan(&n.ID, &n.Content, &rawState, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return Note{}, fmt.Errorf("failed to query note: %w", err)
	}
	if n.State, err = base64.StdEncoding.DecodeString(rawState); err != nil {
		return Note{}, fmt.Errorf("failed to decode state of note %s: %w", id, err)
	}
	n.UpdatedAt = time.UnixMilli(updatedAt)
	return n, nil
}

// Persist overwrites content and state of an existing note. It reports false without error when nothing changed.
func (s *SQLite) Persist(ctx context.Context, id, content string, state []byte) (bool, error) {
	newState := base64.StdEncoding.EncodeToString(state)
	res, err := s.database.ExecContext(
		ctx, `UPDATE notes SET content = ?, state = ?, updated_at = ? WHERE id = ? AND (content != ? OR state != ?)`,
		content, newState, time.Now().UnixMilli(), id, content, newState,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update note: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.database.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	res, err := s.database.QueryContext(ctx, `SELECT id FROM notes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(res)
	var ids []string
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, res.Err()
}
