package model

import "fmt"

// Kind describes one record family and its request/response vocabulary.
type Kind struct {
	Name     string
	Request  Action // empty for unsolicited-only kinds
	Response Action
	Field    string // request payload field holding candidate ids
}

var (
	KindNumbers  = Kind{Name: "numbers", Request: ActionCheckNumbers, Response: ActionResponseNumbers, Field: "numbers"}
	KindLoans    = Kind{Name: "loans", Request: ActionCheckLoans, Response: ActionResponseLoans, Field: "loans"}
	KindMessages = Kind{Name: "messages", Request: ActionCheckMessages, Response: ActionResponseMessages, Field: "messages"}
	KindQueues   = Kind{Name: "queues", Request: ActionCheckQueues, Response: ActionResponseQueues, Field: "queues"}
	KindBrands   = Kind{Name: "brands", Response: ActionResponseBrands}
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindNumbers, KindLoans, KindMessages, KindQueues, KindBrands}

// KindByName resolves a kind from its name.
func KindByName(name string) (Kind, error) {
	for _, k := range Kinds {
		if k.Name == name {
			return k, nil
		}
	}
	return Kind{}, fmt.Errorf("unknown record kind %q", name)
}

// KindForRequest resolves the kind whose request tag is a.
func KindForRequest(a Action) (Kind, bool) {
	for _, k := range Kinds {
		if k.Request != "" && k.Request == a {
			return k, true
		}
	}
	return Kind{}, false
}

// Queryable reports whether the kind can be checked in batches.
func (k Kind) Queryable() bool {
	return k.Request != ""
}
