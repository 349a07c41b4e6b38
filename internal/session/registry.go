// Package session implements the Session Registry: the in-memory map from
// an authenticated username to its live control and media writers. The
// registry owns only live connection state; persisted status lives in the
// store, which never depends on the registry.
package session

import (
	"io"
	"log/slog"
	"sync"

	"rcord/internal/protocol"
	"rcord/internal/store"
)

// entry is one user's live connection state.
type entry struct {
	controlWriter *protocol.Writer
	controlCloser io.Closer
	mediaWriter   *protocol.Writer
	mediaCloser   io.Closer
}

// Registry maps authenticated usernames to their live writers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   *store.Store
	log     *slog.Logger
}

// NewRegistry creates an empty registry backed by st for status persistence.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		entries: map[string]*entry{},
		store:   st,
		log:     slog.Default().With("component", "session"),
	}
}

// IsOnline reports whether user currently has a live control session.
func (r *Registry) IsOnline(user string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[user]
	return ok
}

// SetOnline installs user's control writer, replacing any prior session,
// and persists the online status. closer is used by the Presence Monitor
// to terminate the connection on heartbeat timeout.
func (r *Registry) SetOnline(user string, w *protocol.Writer, closer io.Closer) error {
	r.mu.Lock()
	e, existed := r.entries[user]
	if !existed {
		e = &entry{}
		r.entries[user] = e
	}
	e.controlWriter = w
	e.controlCloser = closer
	r.mu.Unlock()

	r.log.Info("session online", "user", user)
	return r.store.SetStatus(user, true)
}

// SetOffline removes user's session, closes its media writer if any, and
// persists the offline status. Safe to call for a user with no session.
func (r *Registry) SetOffline(user string) error {
	r.mu.Lock()
	e, ok := r.entries[user]
	if ok {
		delete(r.entries, user)
	}
	r.mu.Unlock()

	if ok && e.mediaCloser != nil {
		_ = e.mediaCloser.Close()
	}
	r.log.Info("session offline", "user", user)
	return r.store.SetStatus(user, false)
}

// Touch refreshes user's last_seen timestamp on heartbeat.
func (r *Registry) Touch(user string) error {
	return r.store.Touch(user)
}

// ControlWriter returns user's control writer, if online.
func (r *Registry) ControlWriter(user string) (*protocol.Writer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[user]
	if !ok {
		return nil, false
	}
	return e.controlWriter, true
}

// ControlCloser returns the io.Closer for user's control connection, used
// by the Presence Monitor to reclaim a stale session.
func (r *Registry) ControlCloser(user string) (io.Closer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[user]
	if !ok || e.controlCloser == nil {
		return nil, false
	}
	return e.controlCloser, true
}

// SetMediaOnline binds user's media writer, replacing any prior one.
// Returns false if user has no active control session to bind to.
func (r *Registry) SetMediaOnline(user string, w *protocol.Writer, closer io.Closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[user]
	if !ok {
		return false
	}
	if e.mediaCloser != nil {
		_ = e.mediaCloser.Close()
	}
	e.mediaWriter = w
	e.mediaCloser = closer
	return true
}

// MediaWriter returns user's media writer, if bound.
func (r *Registry) MediaWriter(user string) (*protocol.Writer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[user]
	if !ok || e.mediaWriter == nil {
		return nil, false
	}
	return e.mediaWriter, true
}

// SnapshotMediaWriters returns the media writers currently bound for the
// given users (skipping any without one). The caller performs I/O against
// the returned map without holding the registry's lock, matching the
// snapshot-then-release-before-write fan-out discipline used throughout
// this codebase's broadcast paths.
func (r *Registry) SnapshotMediaWriters(users []string) map[string]*protocol.Writer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*protocol.Writer, len(users))
	for _, u := range users {
		if e, ok := r.entries[u]; ok && e.mediaWriter != nil {
			out[u] = e.mediaWriter
		}
	}
	return out
}

// OnlineUsers returns every username with a live control session.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for u := range r.entries {
		out = append(out, u)
	}
	return out
}
