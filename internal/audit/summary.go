package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"
)

// Filter selects entries for a summary. Zero fields match everything.
type Filter struct {
	Channel string
	Kind    string
	From    time.Time
	To      time.Time
}

func (f Filter) match(e Entry) bool {
	if f.Channel != "" && e.Channel != f.Channel {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	return (f.From.IsZero() || !ts.Before(f.From)) && (f.To.IsZero() || !ts.After(f.To))
}

// KindTotals counts decisions for one record kind.
type KindTotals struct {
	Kind      string `json:"kind"`
	Checks    int    `json:"checks"`
	Requested int    `json:"requested"`
	Admitted  int    `json:"admitted"`
}

// Summary aggregates a log.
type Summary struct {
	Entries int          `json:"entries"`
	Pongs   int          `json:"pongs"`
	Pushes  int          `json:"pushes"`
	Errors  int          `json:"errors"`
	Kinds   []KindTotals `json:"kinds"`
	First   string       `json:"first,omitempty"`
	Last    string       `json:"last,omitempty"`
}

// Summarize reads the log at path. Malformed lines are skipped; use
// Verify for integrity.
func Summarize(path string, f Filter) (*Summary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	s := &Summary{}
	kinds := make(map[string]*KindTotals)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !f.match(e) {
			continue
		}
		s.Entries++
		if s.First == "" {
			s.First = e.Timestamp
		}
		s.Last = e.Timestamp

		switch e.Decision {
		case DecisionPong:
			s.Pongs++
		case DecisionPush:
			s.Pushes++
		case DecisionError:
			s.Errors++
		case DecisionAnswer:
			kt := kinds[e.Kind]
			if kt == nil {
				kt = &KindTotals{Kind: e.Kind}
				kinds[e.Kind] = kt
			}
			kt.Checks++
			kt.Requested += e.Requested
			kt.Admitted += e.Admitted
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	for _, name := range slices.Sorted(maps.Keys(kinds)) {
		s.Kinds = append(s.Kinds, *kinds[name])
	}
	return s, nil
}

// Format renders s as a text table.
func (s *Summary) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entries: %d (pong %d, push %d, error %d)\n", s.Entries, s.Pongs, s.Pushes, s.Errors)
	if s.First != "" {
		fmt.Fprintf(&b, "Range:   %s .. %s\n", s.First, s.Last)
	}
	if len(s.Kinds) == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "%-10s %8s %10s %9s %8s\n", "KIND", "CHECKS", "REQUESTED", "ADMITTED", "DENIED")
	for _, k := range s.Kinds {
		fmt.Fprintf(&b, "%-10s %8d %10d %9d %8d\n", k.Kind, k.Checks, k.Requested, k.Admitted, k.Requested-k.Admitted)
	}
	return b.String()
}
