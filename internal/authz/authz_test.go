package authz

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ppiankov/rowguard/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestFileStoreAdmissible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	writeFile(t, path, "loans: [\"1\", \"3\"]\nbrands: [b1]\n")

	s, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	got, err := s.Admissible(ctx, model.KindLoans, []string{"5", "3", "2", "1"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"3", "1"}) {
		t.Errorf("admissible = %v, want [3 1]", got)
	}
	if got, _ := s.Admissible(ctx, model.KindQueues, []string{"1"}); len(got) != 0 {
		t.Errorf("ungranted kind admitted %v", got)
	}
	if got, _ := s.List(ctx, model.KindBrands); !reflect.DeepEqual(got, []string{"b1"}) {
		t.Errorf("list = %v", got)
	}
}

func TestFileStoreMissingFileGrantsNothing(t *testing.T) {
	s, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Admissible(context.Background(), model.KindLoans, []string{"1"}); len(got) != 0 {
		t.Errorf("admitted %v", got)
	}
}

func TestFileStoreRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "loans: [unclosed"},
		{"unknown kind", "salaries: [\"1\"]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "grants.yaml")
			writeFile(t, path, tt.content)
			if _, err := LoadFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFileStoreReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	writeFile(t, path, "loans: [\"1\"]\n")
	s, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "loans: [broken")
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got, _ := s.Admissible(context.Background(), model.KindLoans, []string{"1"}); len(got) != 1 {
		t.Error("previous grants lost after failed reload")
	}
}

func TestReloaderPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	writeFile(t, path, "loans: [\"1\"]\n")
	s, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewReloader(s)
	if err != nil {
		t.Fatal(err)
	}
	r.Debounce = 20 * time.Millisecond
	reloaded := make(chan error, 8)
	r.OnReload = func(_ string, err error) { reloaded <- err }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	writeFile(t, path, "loans: [\"1\", \"2\"]\n")

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
	got, _ := s.Admissible(context.Background(), model.KindLoans, []string{"1", "2"})
	if !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Errorf("admissible after reload = %v", got)
	}
}

func TestSQLStoreGrantRevoke(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQL(ctx, filepath.Join(t.TempDir(), "grants.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Grant(ctx, model.KindMessages, "m1", "m2", "m3", "m2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, model.KindMessages, "m2"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Admissible(ctx, model.KindMessages, []string{"m3", "m2", "m1", "m9"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"m3", "m1"}) {
		t.Errorf("admissible = %v, want [m3 m1]", got)
	}
	list, err := s.List(ctx, model.KindMessages)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(list, []string{"m1", "m3"}) {
		t.Errorf("list = %v", list)
	}
	if got, _ := s.Admissible(ctx, model.KindLoans, []string{"m1"}); len(got) != 0 {
		t.Error("grant leaked across kinds")
	}
}

func TestSQLStoreLargeBatch(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQL(ctx, filepath.Join(t.TempDir(), "grants.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var ids []string
	for i := 0; i < 1200; i++ {
		ids = append(ids, model.IDString(i))
	}
	if err := s.Grant(ctx, model.KindNumbers, ids[:1000]...); err != nil {
		t.Fatal(err)
	}
	got, err := s.Admissible(ctx, model.KindNumbers, ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1000 || got[999] != "999" {
		t.Errorf("got %d ids", len(got))
	}
}

func TestSQLStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grants.db")
	s, err := OpenSQL(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Grant(ctx, model.KindQueues, "q1"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQL(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, _ := s.List(ctx, model.KindQueues); !reflect.DeepEqual(got, []string{"q1"}) {
		t.Errorf("list after reopen = %v", got)
	}
}
