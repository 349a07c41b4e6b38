package main

import (
	"path/filepath"
	"testing"

	"rcord/internal/store"
)

func seededDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.dat")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if _, err := st.RegisterUser("alice", "pw1"); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if _, err := st.CreateRoom("dev", "alice", "text"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, _, _, err := st.CreateChat("alice", "bob", "text"); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if _, err := st.RegisterUser("bob", "pw2"); err != nil {
		t.Fatalf("RegisterUser bob: %v", err)
	}
	return path
}

func TestRunInspectorViews(t *testing.T) {
	path := seededDB(t)

	for _, view := range []string{"users", "rooms", "chats", "invites"} {
		if err := runInspector([]string{view, path}); err != nil {
			t.Fatalf("runInspector %s: %v", view, err)
		}
	}
}

func TestRunInspectorRejectsUnknownView(t *testing.T) {
	path := seededDB(t)
	if err := runInspector([]string{"bogus", path}); err == nil {
		t.Fatal("expected an error for an unknown view")
	}
}

func TestRunInspectorRequiresPath(t *testing.T) {
	if err := runInspector([]string{"users"}); err == nil {
		t.Fatal("expected usage error when path is missing")
	}
}

func TestRunInspectorInitializesMissingFile(t *testing.T) {
	if err := runInspector([]string{"users", filepath.Join(t.TempDir(), "nope.dat")}); err != nil {
		t.Fatalf("expected store.Open to initialize a missing file, got %v", err)
	}
}
