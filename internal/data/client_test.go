package data

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientRecords(t *testing.T) {
	s, err := Load(fixture(t))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewRouter(s, nil))
	defer srv.Close()
	c := NewClient(srv.URL + "/")

	loans, err := c.Records(context.Background(), "loans", "1043", "9999")
	if err != nil {
		t.Fatal(err)
	}
	if len(loans) != 1 || loans[0].ID() != "1043" {
		t.Errorf("loans = %v", loans)
	}

	idx, err := c.Lookup(context.Background(), "brands")
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 2 || idx["b1"]["onshore"] != true {
		t.Errorf("index = %v", idx)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"id":"q1"}]`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	c.Backoff = time.Millisecond

	recs, err := c.Records(context.Background(), "queues")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || calls.Load() != 3 {
		t.Errorf("recs = %v after %d calls", recs, calls.Load())
	}
}

func TestClientClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	c.Backoff = time.Millisecond

	_, err := c.Records(context.Background(), "salaries")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx retried %d times", calls.Load())
	}
}

func TestClientGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	c.Backoff = time.Millisecond

	_, err := c.Records(context.Background(), "loans")
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v", err)
	}
}
