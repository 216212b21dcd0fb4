// Package data serves the read-only record collections pages render:
// brands, loans, messages, queues, statistics and users, loaded from
// static JSON files.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/ppiankov/rowguard/internal/model"
)

// Collections served as record sequences.
var Collections = []string{"brands", "loans", "messages", "queues"}

// Store holds the loaded data set. It is immutable after Load.
type Store struct {
	collections map[string][]model.Record
	statistics  map[string]any
	users       map[string]model.Record
}

// Load reads <dir>/<name>.json for every collection plus statistics.json
// and users.json. Missing files load as empty.
func Load(dir string) (*Store, error) {
	s := &Store{
		collections: make(map[string][]model.Record),
		statistics:  map[string]any{},
		users:       make(map[string]model.Record),
	}
	for _, name := range Collections {
		var recs []model.Record
		if err := readJSON(filepath.Join(dir, name+".json"), &recs); err != nil {
			return nil, err
		}
		s.collections[name] = recs
	}
	if err := readJSON(filepath.Join(dir, "statistics.json"), &s.statistics); err != nil {
		return nil, err
	}
	var users []model.Record
	if err := readJSON(filepath.Join(dir, "users.json"), &users); err != nil {
		return nil, err
	}
	for _, u := range users {
		if id := u.ID(); id != "" {
			s.users[id] = u
		}
	}
	return s, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Records returns a collection. Records without an id are omitted.
func (s *Store) Records(name string) ([]model.Record, bool) {
	recs, ok := s.collections[name]
	if !ok {
		return nil, false
	}
	out := make([]model.Record, 0, len(recs))
	for _, r := range recs {
		if r.ID() != "" {
			out = append(out, r)
		}
	}
	return out, true
}

// Existing returns the records of a collection whose ids are in ids, in
// collection order.
func (s *Store) Existing(name string, ids []string) []model.Record {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	recs, _ := s.Records(name)
	return slices.DeleteFunc(recs, func(r model.Record) bool { return !want[r.ID()] })
}

// Index maps id to record for a collection.
func (s *Store) Index(name string) map[string]model.Record {
	recs, _ := s.Records(name)
	return index(recs)
}

// Lookup is Index for callers that may also read from a Client.
func (s *Store) Lookup(_ context.Context, name string) (map[string]model.Record, error) {
	return s.Index(name), nil
}

// Statistics returns the statistics document.
func (s *Store) Statistics() map[string]any { return s.statistics }

// User returns a user by id.
func (s *Store) User(id string) (model.Record, bool) {
	u, ok := s.users[id]
	return u, ok
}
