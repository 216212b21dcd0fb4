package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Action is the tag carried in every bus message under the "action" key.
type Action string

const (
	ActionPing             Action = "ping"
	ActionPong             Action = "pong"
	ActionCheckNumbers     Action = "check_numbers"
	ActionResponseNumbers  Action = "response_numbers"
	ActionCheckLoans       Action = "check_loans"
	ActionResponseLoans    Action = "response_loans"
	ActionCheckMessages    Action = "check_messages"
	ActionResponseMessages Action = "response_messages"
	ActionCheckQueues      Action = "check_queues"
	ActionResponseQueues   Action = "response_queues"
	ActionResponseBrands   Action = "response_brands"
)

// Well-known payload keys.
const (
	KeyAction    = "action"
	KeyResult    = "result"
	KeyRequestID = "request_id"
)

// Message is an open tagged record: {"action": tag, ...payload}.
// It must stay JSON-serializable; that is the wire contract with the
// privileged responder.
type Message map[string]any

// NewMessage builds a message with the given action and payload fields.
func NewMessage(action Action, payload map[string]any) Message {
	m := make(Message, len(payload)+1)
	for k, v := range payload {
		m[k] = v
	}
	m[KeyAction] = string(action)
	return m
}

// Action returns the message tag, or "" when absent or not a string.
func (m Message) Action() Action {
	if m == nil {
		return ""
	}
	s, _ := m[KeyAction].(string)
	return Action(s)
}

// RequestID returns the correlation id echoed by the responder, if any.
func (m Message) RequestID() string {
	s, _ := m[KeyRequestID].(string)
	return s
}

// Clone returns a structured copy of m with the same shape it would have
// after crossing the wire: nested maps become map[string]any, sequences
// become []any and numbers become float64.
func (m Message) Clone() (Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message not serializable: %w", err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("message not serializable: %w", err)
	}
	return out, nil
}

// With returns a shallow copy of m with field set to value.
// The receiver is never mutated.
func (m Message) With(field string, value any) Message {
	out := make(Message, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[field] = value
	return out
}

// Record is one entry of a record sequence (loan, brand, message, queue).
type Record map[string]any

// idKeys are checked in order to find a record's identifier.
var idKeys = []string{"id", "number", "loan_number", "brand_id", "message_id", "queue_id"}

// ID returns the record identifier as a string.
func (r Record) ID() string {
	for _, k := range idKeys {
		if v, ok := r[k]; ok {
			if id := IDString(v); id != "" {
				return id
			}
		}
	}
	return ""
}

// RecordFrom wraps a sequence element as a Record. Scalars become {"id": v}.
func RecordFrom(v any) Record {
	switch e := v.(type) {
	case map[string]any:
		return Record(e)
	case Record:
		return e
	default:
		return Record{"id": e}
	}
}

// IDString coerces a JSON scalar into its identifier form.
// Returns "" for values that cannot identify a record.
func IDString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case json.Number:
		return n.String()
	default:
		return ""
	}
}

// IDs converts a slice of identifiers into the wire sequence form.
func IDs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Sequence returns the field as a record sequence. ok is false when the
// field is absent or not a sequence.
func (m Message) Sequence(field string) (seq []any, ok bool) {
	switch v := m[field].(type) {
	case []any:
		return v, true
	case []string:
		return IDs(v), true
	default:
		return nil, false
	}
}
