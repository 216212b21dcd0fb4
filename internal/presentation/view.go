// Package presentation keeps a rendered record view consistent with the
// authorization set: rows the privileged responder does not admit are
// removed, and the view is held pending while a check is in flight.
package presentation

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Row is one rendered record.
type Row interface {
	// Cell returns the text of the cell carrying role.
	Cell(role string) (string, bool)
}

// View is the structural capability the synchronizer needs from a host
// document.
type View interface {
	Rows() []Row
	// RemoveRow detaches the row permanently. OnChange listeners are
	// called before it returns.
	RemoveRow(Row) error
	// SetPending disables interaction and marks the view busy.
	SetPending(bool)
	// MarkNotProvisioned replaces the content with a persistent indicator.
	MarkNotProvisioned()
	// OnChange calls fn whenever rows are added or removed.
	OnChange(fn func()) (cancel func())
}

// TableRow is an in-memory row.
type TableRow struct {
	cells map[string]string
}

// NewRow builds a row from role→text cells.
func NewRow(cells map[string]string) *TableRow {
	return &TableRow{cells: maps.Clone(cells)}
}

// Cell implements Row.
func (r *TableRow) Cell(role string) (string, bool) {
	v, ok := r.cells[role]
	return v, ok
}

// Table is an in-memory View.
type Table struct {
	mu             sync.Mutex
	rows           []*TableRow
	pending        bool
	notProvisioned bool
	listeners      map[uint64]func()
	nextID         uint64
}

// NewTable creates a table holding rows.
func NewTable(rows ...*TableRow) *Table {
	return &Table{rows: rows, listeners: make(map[uint64]func())}
}

// Append adds rows the way a host page injects reloaded data.
func (t *Table) Append(rows ...*TableRow) {
	t.mu.Lock()
	t.rows = append(t.rows, rows...)
	t.mu.Unlock()
	t.notify()
}

// Rows implements View.
func (t *Table) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = r
	}
	return out
}

// RemoveRow implements View.
func (t *Table) RemoveRow(row Row) error {
	t.mu.Lock()
	i := slices.IndexFunc(t.rows, func(r *TableRow) bool { return Row(r) == row })
	if i < 0 {
		t.mu.Unlock()
		return fmt.Errorf("remove row: not in table")
	}
	t.rows = slices.Delete(t.rows, i, i+1)
	t.mu.Unlock()
	t.notify()
	return nil
}

// SetPending implements View.
func (t *Table) SetPending(p bool) {
	t.mu.Lock()
	t.pending = p
	t.mu.Unlock()
}

// Pending reports whether the table is marked busy.
func (t *Table) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// MarkNotProvisioned implements View. All rows are dropped.
func (t *Table) MarkNotProvisioned() {
	t.mu.Lock()
	t.notProvisioned = true
	t.rows = nil
	t.mu.Unlock()
}

// NotProvisioned reports whether the indicator is shown.
func (t *Table) NotProvisioned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notProvisioned
}

// Values returns the role cell of every row, in order.
func (t *Table) Values(role string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.rows))
	for _, r := range t.rows {
		v, _ := r.Cell(role)
		out = append(out, v)
	}
	return out
}

// OnChange implements View.
func (t *Table) OnChange(fn func()) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

func (t *Table) notify() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.listeners))
	for _, id := range slices.Sorted(maps.Keys(t.listeners)) {
		fns = append(fns, t.listeners[id])
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
