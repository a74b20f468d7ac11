package session_test

import (
	"path/filepath"
	"testing"

	"github.com/alex-rizov/pos-proxy/session"
)

func openTestStore(t *testing.T) *session.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := session.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get("S1"); err != nil || ok {
		t.Fatalf("expected no binding yet, got ok=%v err=%v", ok, err)
	}

	if err := s.Put("S1", "425001234"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get("S1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a binding after Put")
	}
	if got != "425001234" {
		t.Fatalf("got %q, want %q", got, "425001234")
	}
}

func TestStore_PutReplaces(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("S1", "card-a"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("S1", "card-b"); err != nil {
		t.Fatalf("Put (replace): %v", err)
	}

	got, ok, err := s.Get("S1")
	if err != nil || !ok {
		t.Fatalf("Get: got=%q ok=%v err=%v", got, ok, err)
	}
	if got != "card-b" {
		t.Fatalf("got %q, want replaced value %q", got, "card-b")
	}
}
