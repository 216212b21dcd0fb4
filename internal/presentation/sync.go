package presentation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Handshaker establishes that the privileged responder is present.
type Handshaker interface {
	Do(ctx context.Context) error
}

// Checker returns the admissible subset of ids.
type Checker interface {
	CheckBatch(ctx context.Context, ids []string) ([]string, error)
}

// Result summarizes one synchronization pass.
type Result struct {
	Candidates int
	Removed    int
}

// Synchronizer redacts View rows whose IDRole cell is not admissible.
type Synchronizer struct {
	View      View
	IDRole    string
	Handshake Handshaker
	Checker   Checker
	Logger    *slog.Logger

	mu sync.Mutex // one pass at a time

	watchMu  sync.Mutex
	watchers int
	own      int // change notifications caused by this synchronizer's removals
}

func (s *Synchronizer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Sync runs one pass: mark pending, collect ids, handshake, check, remove
// rows outside the admissible set, re-enable. On failure the view stays
// pending and is marked not provisioned.
func (s *Synchronizer) Sync(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.View.SetPending(true)

	var res Result
	rows := s.View.Rows()
	byID := make(map[string][]Row, len(rows))
	var ids []string
	for _, row := range rows {
		id, ok := row.Cell(s.IDRole)
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			// No identifier, nothing to authorize against.
			if err := s.remove(row); err != nil {
				return res, s.fail(fmt.Errorf("remove unidentified row: %w", err))
			}
			res.Removed++
			continue
		}
		if _, seen := byID[id]; !seen {
			ids = append(ids, id)
		}
		byID[id] = append(byID[id], row)
	}
	res.Candidates = len(ids)

	if err := s.Handshake.Do(ctx); err != nil {
		return res, s.fail(fmt.Errorf("handshake: %w", err))
	}

	if len(ids) > 0 {
		admissible, err := s.Checker.CheckBatch(ctx, ids)
		if err != nil {
			return res, s.fail(fmt.Errorf("check batch: %w", err))
		}
		allowed := make(map[string]bool, len(admissible))
		for _, id := range admissible {
			allowed[id] = true
		}
		for _, id := range ids {
			if allowed[id] {
				continue
			}
			for _, row := range byID[id] {
				if err := s.remove(row); err != nil {
					return res, s.fail(fmt.Errorf("remove row %s: %w", id, err))
				}
				res.Removed++
			}
		}
	}

	s.View.SetPending(false)
	s.logger().Debug("view synchronized", "candidates", res.Candidates, "removed", res.Removed)
	return res, nil
}

// remove detaches row, telling active watchers to ignore the change
// notification it causes.
func (s *Synchronizer) remove(row Row) error {
	s.watchMu.Lock()
	expect := s.watchers
	s.own += expect
	s.watchMu.Unlock()

	err := s.View.RemoveRow(row)
	if err != nil && expect > 0 {
		s.watchMu.Lock()
		s.own = max(s.own-expect, 0)
		s.watchMu.Unlock()
	}
	return err
}

// ownChange consumes one expected notification from this synchronizer's
// own removals. It reports false for changes made by the host.
func (s *Synchronizer) ownChange() bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.own > 0 {
		s.own--
		return true
	}
	return false
}

func (s *Synchronizer) fail(err error) error {
	s.View.MarkNotProvisioned()
	s.logger().Warn("view not provisioned", "error", err)
	return err
}

// Watch runs a pass now and again whenever the host changes the view's
// rows. Rows removed by a pass do not trigger another one. Changes
// arriving during a pass collapse into one follow-up pass. The returned
// stop func unsubscribes and waits for the worker.
func (s *Synchronizer) Watch(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	s.watchMu.Lock()
	s.watchers++
	s.watchMu.Unlock()
	unsubscribe := s.View.OnChange(func() {
		if s.ownChange() {
			return
		}
		kick()
	})
	kick()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
				if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
					s.logger().Warn("sync failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			cancel()
			<-done
			s.watchMu.Lock()
			s.watchers--
			if s.watchers == 0 {
				s.own = 0
			}
			s.watchMu.Unlock()
		})
		<-done
	}
}
