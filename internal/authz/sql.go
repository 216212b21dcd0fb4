package authz

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/rowguard/internal/model"
)

const schema = `CREATE TABLE IF NOT EXISTS authorizations (
	kind TEXT NOT NULL,
	id   TEXT NOT NULL,
	PRIMARY KEY (kind, id)
)`

// Keeps each IN list well under SQLite's bound-parameter limit.
const queryChunk = 500

// SQLStore keeps grants in an SQLite database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens (creating if needed) the grants database at path.
func OpenSQL(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open grants db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init grants db: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Grant adds ids to kind. Existing grants are left alone.
func (s *SQLStore) Grant(ctx context.Context, kind model.Kind, ids ...string) error {
	return s.exec(ctx, `INSERT OR IGNORE INTO authorizations (kind, id) VALUES (?, ?)`, kind, ids)
}

// Revoke removes ids from kind.
func (s *SQLStore) Revoke(ctx context.Context, kind model.Kind, ids ...string) error {
	return s.exec(ctx, `DELETE FROM authorizations WHERE kind = ? AND id = ?`, kind, ids)
}

func (s *SQLStore) exec(ctx context.Context, stmt string, kind model.Kind, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer prepared.Close()

	for _, id := range ids {
		if _, err := prepared.ExecContext(ctx, kind.Name, id); err != nil {
			return fmt.Errorf("%s %s: %w", kind.Name, id, err)
		}
	}
	return tx.Commit()
}

// Admissible implements Store.
func (s *SQLStore) Admissible(ctx context.Context, kind model.Kind, ids []string) ([]string, error) {
	granted := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += queryChunk {
		chunk := ids[start:min(start+queryChunk, len(ids))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, kind.Name)
		for _, id := range chunk {
			args = append(args, id)
		}
		q := `SELECT id FROM authorizations WHERE kind = ? AND id IN (?` +
			strings.Repeat(", ?", len(chunk)-1) + `)`
		if err := s.collect(ctx, q, args, func(id string) { granted[id] = true }); err != nil {
			return nil, err
		}
	}
	return intersect(ids, granted), nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, kind model.Kind) ([]string, error) {
	var out []string
	err := s.collect(ctx, `SELECT id FROM authorizations WHERE kind = ? ORDER BY id`,
		[]any{kind.Name}, func(id string) { out = append(out, id) })
	return out, err
}

func (s *SQLStore) collect(ctx context.Context, q string, args []any, fn func(string)) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan grant: %w", err)
		}
		fn(id)
	}
	return rows.Err()
}
