package media

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"rcord/internal/metrics"
	"rcord/internal/session"
	"rcord/internal/store"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) send(req map[string]any) {
	c.t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	b = append(b, '\n')
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		c.t.Fatalf("unmarshal %q: %v", line, err)
	}
	return resp
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// setup builds a store with a voice room {alice,bob,carol}, a session
// registry with all three control-logged-in (required for SetMediaOnline
// to bind), and a running Media Gateway.
func setup(t *testing.T) (addr string, reg *session.Registry, st *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db.dat"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	for _, u := range []string{"alice", "bob", "carol"} {
		if _, err := st.RegisterUser(u, "pw"); err != nil {
			t.Fatalf("RegisterUser %s: %v", u, err)
		}
	}
	if _, err := st.CreateRoom("vc", "alice", "voice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := st.AddRoomMember("vc", "bob"); err != nil {
		t.Fatalf("AddRoomMember bob: %v", err)
	}
	if _, err := st.AddRoomMember("vc", "carol"); err != nil {
		t.Fatalf("AddRoomMember carol: %v", err)
	}

	reg = session.NewRegistry(st)
	for _, u := range []string{"alice", "bob", "carol"} {
		// A control session must exist for a media_login to bind; the
		// control gateway itself is exercised elsewhere.
		if err := reg.SetOnline(u, nil, noopCloser{}); err != nil {
			t.Fatalf("SetOnline %s: %v", u, err)
		}
	}

	gw := New(st, reg, metrics.New())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Serve(ctx, ln)
	return ln.Addr().String(), reg, st
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func mediaLogin(t *testing.T, addr, user string) *testClient {
	t.Helper()
	c := dial(t, addr)
	c.send(map[string]any{"action": "media_login", "username": user})
	resp := c.recv()
	if resp["ok"] != true {
		t.Fatalf("media_login %s: %v", user, resp)
	}
	return c
}

func TestMediaLoginRequiresControlSession(t *testing.T) {
	addr, _, _ := setup(t)
	c := dial(t, addr)
	c.send(map[string]any{"action": "media_login", "username": "ghost"})
	resp := c.recv()
	if resp["ok"] != false || resp["error"] != "not_authenticated" {
		t.Fatalf("expected not_authenticated, got %v", resp)
	}

	// Connection stays open for retry.
	c.send(map[string]any{"action": "media_login", "username": "alice"})
	resp = c.recv()
	if resp["ok"] != true {
		t.Fatalf("expected retry to succeed, got %v", resp)
	}
}

func TestVoiceChunkFanOutExcludesSender(t *testing.T) {
	addr, _, _ := setup(t)
	alice := mediaLogin(t, addr, "alice")
	bob := mediaLogin(t, addr, "bob")
	carol := mediaLogin(t, addr, "carol")

	alice.send(map[string]any{"action": "voice_chunk", "target": "room:vc", "audio": "AAAA"})

	for _, c := range []*testClient{bob, carol} {
		frame := c.recv()
		if frame["action"] != "voice_chunk" || frame["from"] != "alice" || frame["target"] != "room:vc" || frame["audio"] != "AAAA" {
			t.Fatalf("unexpected frame: %v", frame)
		}
	}

	// alice must not receive her own chunk; assert no data arrives quickly.
	alice.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := alice.r.ReadString('\n'); err == nil {
		t.Fatal("expected no echo back to sender")
	}
}

func TestVoiceChunkRejectsNonMember(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "db.dat"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	for _, u := range []string{"alice", "dave"} {
		if _, err := st.RegisterUser(u, "pw"); err != nil {
			t.Fatalf("RegisterUser: %v", err)
		}
	}
	if _, err := st.CreateRoom("vc", "alice", "voice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	reg := session.NewRegistry(st)
	if err := reg.SetOnline("alice", nil, noopCloser{}); err != nil {
		t.Fatalf("SetOnline alice: %v", err)
	}
	if err := reg.SetOnline("dave", nil, noopCloser{}); err != nil {
		t.Fatalf("SetOnline dave: %v", err)
	}

	gw := New(st, reg, metrics.New())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Serve(ctx, ln)
	addr := ln.Addr().String()

	alice := mediaLogin(t, addr, "alice")
	dave := mediaLogin(t, addr, "dave")

	dave.send(map[string]any{"action": "voice_chunk", "target": "room:vc", "audio": "AAAA"})

	alice.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := alice.r.ReadString('\n'); err == nil {
		t.Fatal("expected non-member's chunk to be silently dropped")
	}
}
