package intercept

import "github.com/ppiankov/rowguard/internal/model"

// Predicate decides whether a record stays visible. It must be pure.
type Predicate func(model.Record) bool

// FieldEquals matches records whose field equals value. Scalars compare by
// their identifier form, so 1042 and "1042" are equal.
func FieldEquals(field string, value any) Predicate {
	return func(r model.Record) bool {
		return looselyEqual(r[field], value)
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(r model.Record) bool { return !p(r) }
}

// And matches when every predicate matches. An empty And matches all.
func And(ps ...Predicate) Predicate {
	return func(r model.Record) bool {
		for _, p := range ps {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Lookup resolves id-only elements through index before applying p.
// Elements whose id is not in the index are kept only if keepMissing.
func Lookup(index map[string]model.Record, p Predicate, keepMissing bool) Predicate {
	return func(r model.Record) bool {
		full, ok := index[r.ID()]
		if !ok {
			return keepMissing
		}
		merged := make(model.Record, len(full)+len(r))
		for k, v := range full {
			merged[k] = v
		}
		for k, v := range r {
			merged[k] = v
		}
		return p(merged)
	}
}

// Offshore keeps records not flagged onshore.
func Offshore() Predicate { return Not(FieldEquals("onshore", true)) }

// Unrestricted keeps records not flagged restricted.
func Unrestricted() Predicate { return Not(FieldEquals("restricted", true)) }

func looselyEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if _, ok := b.(bool); ok {
		return false
	}
	as, bs := model.IDString(a), model.IDString(b)
	return as != "" && as == bs
}
