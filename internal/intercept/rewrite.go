package intercept

import "github.com/ppiankov/rowguard/internal/model"

// FieldRule names one action whose field carries a record sequence.
type FieldRule struct {
	Action model.Action `yaml:"action" json:"action"`
	Field  string       `yaml:"field" json:"field"`
}

// RulesFor returns the request and response rules for a record kind.
// Brands are pushed unsolicited, so they only have a response rule.
func RulesFor(k model.Kind) []FieldRule {
	var rules []FieldRule
	if k.Request != "" {
		rules = append(rules, FieldRule{Action: k.Request, Field: k.Field})
	}
	if k.Response != "" {
		rules = append(rules, FieldRule{Action: k.Response, Field: model.KeyResult})
	}
	return rules
}

// Rewrite filters every rule-matched field of msg through p. The input is
// never mutated; unrelated fields are carried over untouched. Returns the
// message to deliver and whether anything was removed.
func Rewrite(msg model.Message, rules []FieldRule, p Predicate) (model.Message, bool) {
	action := msg.Action()
	out := msg
	changed := false
	for _, rule := range rules {
		if rule.Action != action {
			continue
		}
		v, ok := out[rule.Field]
		if !ok {
			continue
		}
		filtered, removed := FilterValue(v, p)
		if !removed {
			continue
		}
		out = out.With(rule.Field, filtered)
		changed = true
	}
	return out, changed
}

// FilterValue filters a sequence or an id-keyed mapping through p,
// preserving order. Other values are returned unchanged.
func FilterValue(v any, p Predicate) (any, bool) {
	switch seq := v.(type) {
	case []any:
		kept := make([]any, 0, len(seq))
		for _, e := range seq {
			if p(model.RecordFrom(e)) {
				kept = append(kept, e)
			}
		}
		return kept, len(kept) != len(seq)
	case []string:
		kept := make([]any, 0, len(seq))
		for _, e := range seq {
			if p(model.RecordFrom(e)) {
				kept = append(kept, e)
			}
		}
		return kept, len(kept) != len(seq)
	case map[string]any:
		kept := make(map[string]any, len(seq))
		for id, val := range seq {
			if p(mappingRecord(id, val)) {
				kept[id] = val
			}
		}
		return kept, len(kept) != len(seq)
	default:
		return v, false
	}
}

// FilterRecords keeps the records matching p, in order.
func FilterRecords(records []model.Record, p Predicate) []model.Record {
	kept := make([]model.Record, 0, len(records))
	for _, r := range records {
		if p(r) {
			kept = append(kept, r)
		}
	}
	return kept
}

func mappingRecord(id string, val any) model.Record {
	if m, ok := val.(map[string]any); ok {
		r := make(model.Record, len(m)+1)
		for k, v := range m {
			r[k] = v
		}
		if _, ok := r["id"]; !ok {
			r["id"] = id
		}
		return r
	}
	return model.Record{"id": id, "value": val}
}
