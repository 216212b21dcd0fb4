// Package snapshot holds locally cached record sets (the last brand list
// pushed by the responder, for example) and signals when the first one is
// available so consumers can wait instead of polling.
package snapshot

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ppiankov/rowguard/internal/bus"
	"github.com/ppiankov/rowguard/internal/model"
)

// Store is a cached record set with a one-shot ready signal.
type Store struct {
	name string

	mu      sync.RWMutex
	records []model.Record
	version uint64
	ready   chan struct{}
	once    sync.Once
}

// New creates an empty, not-yet-ready store.
func New(name string) *Store {
	return &Store{name: name, ready: make(chan struct{})}
}

// Name identifies the store in logs and errors.
func (s *Store) Name() string { return s.name }

// Publish replaces the cached set and marks the store ready.
func (s *Store) Publish(records []model.Record) {
	s.mu.Lock()
	s.records = slices.Clone(records)
	s.version++
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })
}

// Replace swaps the cached set only if nobody published since version
// was read. Returns false when a newer publish won.
func (s *Store) Replace(version uint64, records []model.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return false
	}
	s.records = slices.Clone(records)
	s.version++
	return true
}

// Load returns the cached set and its version. Before the first publish
// it fails with ErrSnapshotUnavailable.
func (s *Store) Load() ([]model.Record, uint64, error) {
	select {
	case <-s.ready:
	default:
		return nil, 0, fmt.Errorf("%s: %w", s.name, model.ErrSnapshotUnavailable)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records), s.version, nil
}

// Ready is closed once the first set is published.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// Follow keeps store in sync with every response of kind seen on ep.
// Messages without a record sequence are ignored. The returned func stops
// following.
func Follow(ep bus.Endpoint, kind model.Kind, store *Store) func() {
	return ep.Subscribe(func(m model.Message) {
		if m.Action() != kind.Response {
			return
		}
		seq, ok := m.Sequence(model.KeyResult)
		if !ok {
			return
		}
		records := make([]model.Record, 0, len(seq))
		for _, e := range seq {
			records = append(records, model.RecordFrom(e))
		}
		store.Publish(records)
	})
}
