package audit

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Decision values.
const (
	DecisionAnswer = "answer" // check answered from the authorization set
	DecisionPong   = "pong"
	DecisionPush   = "push" // unsolicited snapshot push
	DecisionError  = "error"
)

// Entry is one responder decision in the hash-chained JSONL log.
// Struct-only fields keep json.Marshal output deterministic for hashing.
type Entry struct {
	Timestamp string   `json:"ts"`
	Channel   string   `json:"channel"`
	RequestID string   `json:"request_id,omitempty"`
	Action    string   `json:"action"`
	Kind      string   `json:"kind,omitempty"`
	Decision  string   `json:"decision"`
	Requested int      `json:"requested"`
	Admitted  int      `json:"admitted"`
	Denied    []string `json:"denied,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	PrevHash  string   `json:"prev_hash"`
}
