package busv1

import (
	"reflect"
	"testing"

	"github.com/ppiankov/rowguard/internal/model"
)

func TestEncodeDecode(t *testing.T) {
	m := model.NewMessage(model.ActionCheckLoans, map[string]any{
		"loans":      []string{"1", "2"},
		"request_id": "r-1",
		"page":       3,
		"nested":     map[string]any{"ok": true},
	})
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got := Decode(frame)
	want := model.Message{
		"action":     "check_loans",
		"loans":      []any{"1", "2"},
		"request_id": "r-1",
		"page":       float64(3),
		"nested":     map[string]any{"ok": true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %#v", got)
	}
}

func TestEncodeRejectsUnserializable(t *testing.T) {
	if _, err := Encode(model.Message{"action": "ping", "ch": make(chan int)}); err == nil {
		t.Error("expected error")
	}
}

func TestDecodeNil(t *testing.T) {
	if m := Decode(nil); m == nil || m.Action() != "" {
		t.Errorf("Decode(nil) = %v", m)
	}
}

func TestServiceDesc(t *testing.T) {
	if AttachMethod != "/rowguard.v1.Bus/Attach" {
		t.Errorf("method = %s", AttachMethod)
	}
	s := ServiceDesc.Streams[0]
	if !s.ClientStreams || !s.ServerStreams {
		t.Error("Attach must be bidirectional")
	}
}
