package authz

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/rowguard/internal/model"
)

// FileStore serves grants from a YAML file:
//
//	loans: ["1042", "1043"]
//	brands: ["b1"]
//
// A missing file grants nothing.
type FileStore struct {
	path string

	mu  sync.RWMutex
	set map[string]map[string]bool
	raw Grants
}

// LoadFile reads grants from path.
func LoadFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the watched file.
func (s *FileStore) Path() string { return s.path }

// Reload re-reads the file. On error the previous grants stay in effect.
func (s *FileStore) Reload() error {
	g, err := readGrants(s.path)
	if err != nil {
		return err
	}
	set := make(map[string]map[string]bool, len(g))
	for name, ids := range g {
		m := make(map[string]bool, len(ids))
		for _, id := range ids {
			m[id] = true
		}
		set[name] = m
	}

	s.mu.Lock()
	s.set = set
	s.raw = g
	s.mu.Unlock()
	return nil
}

func readGrants(path string) (Grants, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Grants{}, nil
		}
		return nil, fmt.Errorf("read grants: %w", err)
	}
	var g Grants
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse grants %s: %w", path, err)
	}
	if g == nil {
		g = Grants{}
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Admissible implements Store.
func (s *FileStore) Admissible(_ context.Context, kind model.Kind, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return intersect(ids, s.set[kind.Name]), nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context, kind model.Kind) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.raw[kind.Name]), nil
}
