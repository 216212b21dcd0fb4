package intercept

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/ppiankov/rowguard/internal/model"
)

func FuzzRewriteIdempotent(f *testing.F) {
	f.Add([]byte(`{"action":"response_brands","result":[{"id":"1","onshore":true},{"id":"2"}]}`))
	f.Add([]byte(`{"action":"check_loans","loans":["1","2","3"]}`))
	f.Add([]byte(`{"action":"response_loans","result":{"1":true,"2":false}}`))
	f.Add([]byte(`{"action":"response_brands","result":"not a list"}`))
	f.Add([]byte(`{}`))

	rules := append(RulesFor(model.KindBrands), RulesFor(model.KindLoans)...)
	p := And(Offshore(), Unrestricted())

	f.Fuzz(func(t *testing.T, data []byte) {
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
			return
		}
		before, err := msg.Clone()
		if err != nil {
			return
		}

		once, _ := Rewrite(msg, rules, p)
		twice, changed := Rewrite(once, rules, p)
		if changed {
			t.Fatalf("second rewrite removed more: %v -> %v", once, twice)
		}
		if !reflect.DeepEqual(msg, before) {
			t.Fatal("rewrite mutated its input")
		}
	})
}

func FuzzFilterValue(f *testing.F) {
	f.Add([]byte(`["1","2",3,{"id":"4","onshore":true}]`))
	f.Add([]byte(`{"a":{"onshore":true},"b":1}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return
		}
		got, _ := FilterValue(v, Offshore())
		again, removed := FilterValue(got, Offshore())
		if removed {
			t.Fatalf("FilterValue not idempotent: %v -> %v", got, again)
		}
	})
}
