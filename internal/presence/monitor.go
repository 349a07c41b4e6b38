// Package presence implements the Presence Monitor: a periodic sweep that
// reclaims sessions whose TCP peer vanished without a graceful close.
package presence

import (
	"context"
	"log/slog"
	"time"

	"rcord/internal/session"
	"rcord/internal/store"
)

// Monitor closes and marks offline any session whose last_seen (set at
// login and refreshed by each heartbeat) is older than HeartbeatTimeout,
// checked every CheckInterval. Other requests do not refresh last_seen.
type Monitor struct {
	store            *store.Store
	registry         *session.Registry
	heartbeatTimeout time.Duration
	checkInterval    time.Duration
	log              *slog.Logger
}

// New constructs a Presence Monitor.
func New(st *store.Store, reg *session.Registry, heartbeatTimeout, checkInterval time.Duration) *Monitor {
	return &Monitor{
		store:            st,
		registry:         reg,
		heartbeatTimeout: heartbeatTimeout,
		checkInterval:    checkInterval,
		log:              slog.Default().With("component", "presence"),
	}
}

// Run blocks, sweeping every CheckInterval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep is the single pass over currently-online users.
func (m *Monitor) sweep() {
	users, err := m.store.ListUsers()
	if err != nil {
		m.log.Error("list users", "err", err)
		return
	}

	now := time.Now().UTC()
	for _, u := range users {
		if !u.Online || !m.registry.IsOnline(u.Username) {
			continue
		}
		lastSeen, err := store.ParseTimestamp(u.LastSeen)
		if err != nil {
			continue
		}
		if now.Sub(lastSeen) <= m.heartbeatTimeout {
			continue
		}

		m.log.Info("session timed out", "user", u.Username, "last_seen", u.LastSeen)
		if closer, ok := m.registry.ControlCloser(u.Username); ok {
			_ = closer.Close()
		}
		if err := m.registry.SetOffline(u.Username); err != nil {
			m.log.Error("set offline", "user", u.Username, "err", err)
		}
	}
}

// Sweep runs one pass immediately, without waiting on the ticker.
func (m *Monitor) Sweep() { m.sweep() }
