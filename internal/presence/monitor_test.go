package presence

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"rcord/internal/protocol"
	"rcord/internal/session"
	"rcord/internal/store"
)

type fakeCloser struct{ closed bool }

func (c *fakeCloser) Close() error {
	c.closed = true
	return nil
}

func TestSweepReclaimsStaleSession(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "db.dat"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if _, err := st.RegisterUser("alice", "pw1"); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	reg := session.NewRegistry(st)
	var buf bytes.Buffer
	closer := &fakeCloser{}
	if err := reg.SetOnline("alice", protocol.NewWriter(&buf), closer); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	// A short real heartbeat timeout lets the test exercise the actual
	// staleness comparison against time.Now() rather than forging store
	// internals from another package.
	const timeout = 20 * time.Millisecond
	time.Sleep(timeout + 10*time.Millisecond)

	m := New(st, reg, timeout, time.Second)
	m.Sweep()

	if reg.IsOnline("alice") {
		t.Fatal("expected stale session to be reclaimed")
	}
	if !closer.closed {
		t.Fatal("expected control writer to be closed on timeout")
	}
	users, err := st.ListUsers()
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Online {
		t.Fatalf("expected alice persisted offline, got %+v", users)
	}
}

func TestSweepLeavesFreshSessionOnline(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "db.dat"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if _, err := st.RegisterUser("alice", "pw1"); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	reg := session.NewRegistry(st)
	var buf bytes.Buffer
	if err := reg.SetOnline("alice", protocol.NewWriter(&buf), &fakeCloser{}); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	m := New(st, reg, time.Minute, time.Second)
	m.Sweep()

	if !reg.IsOnline("alice") {
		t.Fatal("expected a fresh session to remain online")
	}
}

func TestSweepIgnoresOfflineUsers(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "db.dat"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if _, err := st.RegisterUser("alice", "pw1"); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	reg := session.NewRegistry(st)

	m := New(st, reg, time.Nanosecond, time.Second)
	m.Sweep() // must not panic or touch a user with no live session

	if reg.IsOnline("alice") {
		t.Fatal("expected alice to remain absent from the registry")
	}
}
