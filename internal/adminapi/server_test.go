package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"rcord/internal/metrics"
	"rcord/internal/session"
	"rcord/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *metrics.Counters) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db.dat"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	reg := session.NewRegistry(st)
	m := metrics.New()
	return New(st, reg, m), st, m
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.OnlineSessions != 0 {
		t.Fatalf("unexpected health payload: %+v", health)
	}
}

func TestMetricsEndpointReflectsCounters(t *testing.T) {
	s, _, m := newTestServer(t)
	m.AddConnection()
	m.AddMessage()
	m.AddMediaFrames(3)
	m.AddInviteExpiries(2)

	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var body metricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ConnectionsAccepted != 1 || body.MessagesRelayed != 1 || body.MediaFramesRelayed != 3 || body.InviteExpiriesSwept != 2 {
		t.Fatalf("unexpected metrics snapshot: %+v", body)
	}
	if body.SnapshotID == "" {
		t.Fatal("expected a non-empty snapshot id")
	}
}

func TestAPIProjections(t *testing.T) {
	s, st, _ := newTestServer(t)
	if _, err := st.RegisterUser("alice", "pw1"); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if _, err := st.CreateRoom("dev", "alice", "text"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, _, _, err := st.CreateChat("alice", "bob", "text"); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	for _, tc := range []struct {
		path string
		key  string
		want int
	}{
		{"/api/rooms", "rooms", 1},
		{"/api/chats", "chats", 1},
		{"/api/users", "users", 1},
	} {
		resp, err := http.Get(ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		var body map[string][]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", tc.path, err)
		}
		resp.Body.Close()
		if len(body[tc.key]) != tc.want {
			t.Fatalf("%s: expected %d %s, got %v", tc.path, tc.want, tc.key, body)
		}
	}
}
