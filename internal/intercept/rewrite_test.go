package intercept

import (
	"reflect"
	"testing"

	"github.com/ppiankov/rowguard/internal/model"
)

func TestRewriteFiltersMatchedField(t *testing.T) {
	msg := model.Message{
		"action": "response_brands",
		"result": []any{
			map[string]any{"id": "b1", "onshore": true},
			map[string]any{"id": "b2", "onshore": false},
			map[string]any{"id": "b3"},
		},
		"page": float64(2),
	}

	out, changed := Rewrite(msg, RulesFor(model.KindBrands), Offshore())
	if !changed {
		t.Fatal("expected change")
	}
	got := idsOf(out["result"])
	if !reflect.DeepEqual(got, []string{"b2", "b3"}) {
		t.Errorf("result = %v, want [b2 b3]", got)
	}
	if out["page"] != float64(2) {
		t.Error("unrelated field lost")
	}
	if len(msg["result"].([]any)) != 3 {
		t.Error("input message was mutated")
	}
}

func TestRewriteIgnoresOtherActions(t *testing.T) {
	msg := model.Message{"action": "response_loans", "result": []any{map[string]any{"id": "1", "onshore": true}}}
	out, changed := Rewrite(msg, RulesFor(model.KindBrands), Offshore())
	if changed {
		t.Error("unexpected change for unrelated action")
	}
	if !reflect.DeepEqual(out, msg) {
		t.Error("unrelated message altered")
	}
}

func TestRewriteMissingFieldUnchanged(t *testing.T) {
	msg := model.Message{"action": "response_brands"}
	if _, changed := Rewrite(msg, RulesFor(model.KindBrands), Offshore()); changed {
		t.Error("missing field must not count as a change")
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	msg := model.Message{
		"action": "check_loans",
		"loans":  []any{"1", "2", "3", "4"},
	}
	restricted := map[string]model.Record{
		"2": {"id": "2", "restricted": true},
		"4": {"id": "4", "restricted": true},
	}
	p := Lookup(restricted, Unrestricted(), true)

	once, _ := Rewrite(msg, RulesFor(model.KindLoans), p)
	twice, changed := Rewrite(once, RulesFor(model.KindLoans), p)
	if changed {
		t.Error("second application removed more records")
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("filter not idempotent: %v vs %v", once, twice)
	}
	if got := idsOf(once["loans"]); !reflect.DeepEqual(got, []string{"1", "3"}) {
		t.Errorf("loans = %v, want [1 3]", got)
	}
}

func TestFilterValueShapes(t *testing.T) {
	keepOdd := func(r model.Record) bool {
		id := r.ID()
		return id != "" && (id[len(id)-1]-'0')%2 == 1
	}
	tests := []struct {
		name    string
		in      any
		want    any
		removed bool
	}{
		{"any sequence", []any{"1", "2", "3"}, []any{"1", "3"}, true},
		{"string sequence", []string{"1", "2"}, []any{"1"}, true},
		{"numeric ids", []any{float64(5), float64(6)}, []any{float64(5)}, true},
		{"mapping", map[string]any{"1": true, "2": true}, map[string]any{"1": true}, true},
		{"nothing removed", []any{"1", "3"}, []any{"1", "3"}, false},
		{"scalar passthrough", "7", "7", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, removed := FilterValue(tt.in, keepOdd)
			if removed != tt.removed {
				t.Errorf("removed = %v, want %v", removed, tt.removed)
			}
			if tt.removed && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestFilterRecordsPreservesOrder(t *testing.T) {
	in := []model.Record{{"id": "c"}, {"id": "a", "onshore": true}, {"id": "b"}}
	got := FilterRecords(in, Offshore())
	if len(got) != 2 || got[0].ID() != "c" || got[1].ID() != "b" {
		t.Errorf("unexpected %v", got)
	}
}

func TestPredicates(t *testing.T) {
	r := model.Record{"id": "1", "onshore": true, "brand_id": float64(12)}
	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"field equals bool", FieldEquals("onshore", true), true},
		{"numeric vs string", FieldEquals("brand_id", "12"), true},
		{"bool vs string", FieldEquals("onshore", "true"), false},
		{"missing field", FieldEquals("restricted", true), false},
		{"offshore", Offshore(), false},
		{"unrestricted", Unrestricted(), true},
		{"and", And(Unrestricted(), Offshore()), false},
		{"empty and", And(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p(r); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookupMissing(t *testing.T) {
	index := map[string]model.Record{"1": {"id": "1", "onshore": true}}
	keep := Lookup(index, Offshore(), true)
	drop := Lookup(index, Offshore(), false)

	if keep(model.Record{"id": "1"}) {
		t.Error("indexed onshore record should be dropped")
	}
	if !keep(model.Record{"id": "9"}) {
		t.Error("missing record should be kept with keepMissing")
	}
	if drop(model.Record{"id": "9"}) {
		t.Error("missing record should be dropped without keepMissing")
	}
}

func idsOf(v any) []string {
	var out []string
	switch seq := v.(type) {
	case []any:
		for _, e := range seq {
			out = append(out, model.RecordFrom(e).ID())
		}
	case []model.Record:
		for _, r := range seq {
			out = append(out, r.ID())
		}
	}
	return out
}
