package htmlview

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/ppiankov/rowguard/internal/model"
	"github.com/ppiankov/rowguard/internal/presentation"
)

const page = `<!DOCTYPE html>
<html><body>
<h1>Loans</h1>
<table>
<tbody data-rowguard-view>
<tr data-rowguard-row><td data-role="loan-number">r1</td><td>100</td></tr>
<tr data-rowguard-row><td data-role="loan-number"> r2 </td><td>200</td></tr>
<tr data-rowguard-row><td data-role="loan-number">r3</td><td>300</td></tr>
<tr data-rowguard-row><td data-role="loan-number">r4</td><td>400</td></tr>
<tr data-rowguard-row><td data-role="loan-number">r5</td><td>500</td></tr>
</tbody>
</table>
</body></html>`

func parse(t *testing.T, src string) *Document {
	t.Helper()
	doc, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return doc
}

func ids(t *testing.T, doc *Document) []string {
	t.Helper()
	var out []string
	for _, r := range doc.Rows() {
		id, ok := r.Cell("loan-number")
		if !ok {
			t.Fatal("row without loan-number cell")
		}
		out = append(out, id)
	}
	return out
}

func TestRowsAndCells(t *testing.T) {
	doc := parse(t, page)
	if got := ids(t, doc); !reflect.DeepEqual(got, []string{"r1", "r2", "r3", "r4", "r5"}) {
		t.Errorf("ids = %v", got)
	}
	if _, ok := doc.Rows()[0].Cell("amount"); ok {
		t.Error("unexpected amount cell")
	}
}

func TestRemoveRowDetaches(t *testing.T) {
	doc := parse(t, page)
	changes := 0
	cancel := doc.OnChange(func() { changes++ })
	defer cancel()

	r2 := doc.Rows()[1]
	if err := doc.RemoveRow(r2); err != nil {
		t.Fatal(err)
	}
	if err := doc.RemoveRow(r2); err == nil {
		t.Error("expected error removing a detached row")
	}
	if strings.Contains(doc.String(), ">r2<") || strings.Contains(doc.String(), "200") {
		t.Error("removed row still rendered")
	}
	if changes != 1 {
		t.Errorf("changes = %d, want 1", changes)
	}
}

func TestPendingAttributes(t *testing.T) {
	doc := parse(t, page)
	doc.SetPending(true)
	out := doc.String()
	if !strings.Contains(out, `inert=""`) || !strings.Contains(out, `aria-busy="true"`) {
		t.Errorf("pending markers missing: %s", out)
	}
	doc.SetPending(false)
	out = doc.String()
	if strings.Contains(out, "inert") || strings.Contains(out, "aria-busy") {
		t.Error("pending markers not cleared")
	}
}

func TestMarkNotProvisioned(t *testing.T) {
	doc := parse(t, page)
	doc.MarkNotProvisioned()
	if len(doc.Rows()) != 0 {
		t.Error("rows survived not-provisioned")
	}
	if !doc.NotProvisioned() {
		t.Error("state attribute missing")
	}
	if !strings.Contains(doc.String(), NotProvisionedText) {
		t.Error("indicator not rendered")
	}
}

func TestInjectFiresChange(t *testing.T) {
	doc := parse(t, page)
	changed := make(chan struct{}, 1)
	doc.OnChange(func() { changed <- struct{}{} })

	if err := doc.Inject(`<tr data-rowguard-row><td data-role="loan-number">r9</td></tr>`); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
	default:
		t.Fatal("no change notification")
	}
	got := ids(t, doc)
	if got[len(got)-1] != "r9" {
		t.Errorf("injected row missing: %v", got)
	}
}

func TestBodyIsDefaultContainer(t *testing.T) {
	doc := parse(t, `<html><body><div data-rowguard-row><span data-role="id">x</span></div></body></html>`)
	rows := doc.Rows()
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if v, _ := rows[0].Cell("id"); v != "x" {
		t.Errorf("cell = %q", v)
	}
}

func TestRemoveForeignRow(t *testing.T) {
	a := parse(t, page)
	b := parse(t, page)
	if err := a.RemoveRow(b.Rows()[0]); err == nil {
		t.Error("expected error for row of another document")
	}
}

type okHandshake struct{ err error }

func (h okHandshake) Do(context.Context) error { return h.err }

type allow map[string]bool

func (a allow) CheckBatch(_ context.Context, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if a[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestSynchronizerOverDocument(t *testing.T) {
	doc := parse(t, page)
	s := &presentation.Synchronizer{
		View:      doc,
		IDRole:    "loan-number",
		Handshake: okHandshake{},
		Checker:   allow{"r1": true, "r3": true},
	}
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ids(t, doc); !reflect.DeepEqual(got, []string{"r1", "r3"}) {
		t.Errorf("ids = %v", got)
	}
	if strings.Contains(doc.String(), "aria-busy") {
		t.Error("view left pending")
	}
}

func TestSynchronizerFailSafeOverDocument(t *testing.T) {
	doc := parse(t, page)
	s := &presentation.Synchronizer{
		View:      doc,
		IDRole:    "loan-number",
		Handshake: okHandshake{err: model.ErrListenerNotFound},
		Checker:   allow{},
	}
	if _, err := s.Sync(context.Background()); !errors.Is(err, model.ErrListenerNotFound) {
		t.Fatalf("err = %v", err)
	}
	out := doc.String()
	if strings.Contains(out, ">r1<") || !strings.Contains(out, NotProvisionedText) {
		t.Errorf("document failed open: %s", out)
	}
}
