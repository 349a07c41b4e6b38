// Package metrics holds the process-wide operability counters exposed by
// the Admin API's /metrics endpoint. Counters are incremented on gateway
// hot paths and snapshotted by internal/adminapi on each /metrics read.
package metrics

import "sync/atomic"

// Counters is a set of monotonically increasing operability counters.
// The zero value is ready to use; every field is safe for concurrent use.
type Counters struct {
	ConnectionsAccepted atomic.Int64
	MessagesRelayed     atomic.Int64
	MediaFramesRelayed  atomic.Int64
	InviteExpiriesSwept atomic.Int64
}

// New returns an empty counter set.
func New() *Counters { return &Counters{} }

// Snapshot is a point-in-time read of every counter, suitable for JSON
// encoding.
type Snapshot struct {
	ConnectionsAccepted int64 `json:"connections_accepted"`
	MessagesRelayed     int64 `json:"messages_relayed"`
	MediaFramesRelayed  int64 `json:"media_frames_relayed"`
	InviteExpiriesSwept int64 `json:"invite_expiries_swept"`
}

// Snapshot reads every counter. c may be nil, in which case a zero Snapshot
// is returned — callers that did not wire metrics still get a valid response.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		ConnectionsAccepted: c.ConnectionsAccepted.Load(),
		MessagesRelayed:     c.MessagesRelayed.Load(),
		MediaFramesRelayed:  c.MediaFramesRelayed.Load(),
		InviteExpiriesSwept: c.InviteExpiriesSwept.Load(),
	}
}

// AddConnection records one accepted connection (control or media). c may
// be nil.
func (c *Counters) AddConnection() {
	if c != nil {
		c.ConnectionsAccepted.Add(1)
	}
}

// AddMessage records one persisted room/chat message. c may be nil.
func (c *Counters) AddMessage() {
	if c != nil {
		c.MessagesRelayed.Add(1)
	}
}

// AddMediaFrames records n media fan-out writes (n recipients for one
// relayed frame). c may be nil.
func (c *Counters) AddMediaFrames(n int) {
	if c != nil && n > 0 {
		c.MediaFramesRelayed.Add(int64(n))
	}
}

// AddInviteExpiries records n invites evicted by a TTL sweep. c may be nil.
func (c *Counters) AddInviteExpiries(n int) {
	if c != nil && n > 0 {
		c.InviteExpiriesSwept.Add(int64(n))
	}
}
