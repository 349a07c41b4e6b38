// Package media implements the Media Gateway: the separate-port relay for
// opaque voice/screen frames, authorized per-frame by room/chat membership
// and fanned out to every co-member except the sender.
package media

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"rcord/internal/metrics"
	"rcord/internal/protocol"
	"rcord/internal/session"
	"rcord/internal/store"
)

// Gateway serves the media listener.
type Gateway struct {
	store    *store.Store
	registry *session.Registry
	metrics  *metrics.Counters
	log      *slog.Logger
}

// New constructs a Media Gateway. m may be nil when no Admin API is wired.
func New(st *store.Store, reg *session.Registry, m *metrics.Counters) *Gateway {
	return &Gateway{
		store:    st,
		registry: reg,
		metrics:  m,
		log:      slog.Default().With("component", "media"),
	}
}

// Serve accepts connections on ln until ctx is canceled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go g.handleConn(conn)
	}
}

func (g *Gateway) handleConn(conn net.Conn) {
	g.metrics.AddConnection()
	defer conn.Close()

	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	username, ok := g.handshake(conn, reader, writer)
	if !ok {
		return
	}

	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		var req map[string]any
		if err := protocol.Decode(line, &req); err != nil {
			continue // malformed JSON is discarded on the media path
		}
		action, _ := req["action"].(string)
		switch action {
		case "voice_chunk":
			g.relay(username, writer, req, "voice_chunk", "audio")
		case "screen_frame":
			g.relay(username, writer, req, "screen_frame", "frame")
		}
	}
}

// handshake processes media_login attempts until one succeeds or the
// connection errors out. A failed attempt replies not_authenticated and
// the connection stays open for retry.
func (g *Gateway) handshake(conn net.Conn, reader *protocol.Reader, writer *protocol.Writer) (string, bool) {
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return "", false
		}
		var req map[string]any
		if err := protocol.Decode(line, &req); err != nil {
			continue
		}
		if action, _ := req["action"].(string); action != "media_login" {
			_ = writer.WriteJSON(map[string]any{"ok": false, "error": "not_authenticated"})
			continue
		}
		username, _ := req["username"].(string)
		if username == "" || !g.registry.SetMediaOnline(username, writer, conn) {
			_ = writer.WriteJSON(map[string]any{"ok": false, "error": "not_authenticated"})
			continue
		}
		_ = writer.WriteJSON(map[string]any{"ok": true, "action": "media_login"})
		return username, true
	}
}

// relay authorizes a voice_chunk/screen_frame against target membership and
// fans it out to every co-member's media writer except the sender, writing
// to all recipients concurrently and returning once every write has
// finished. Best effort: a write failure to one recipient never affects the
// others.
func (g *Gateway) relay(sender string, writer *protocol.Writer, req map[string]any, action, payloadKey string) {
	target, _ := req["target"].(string)
	payload, ok := req[payloadKey].(string)
	if target == "" || !ok {
		_ = writer.WriteJSON(map[string]any{"ok": false, "error": "missing_payload"})
		return
	}

	kind, name, ok := store.ParseTarget(target)
	if !ok {
		return
	}

	var members []string
	var isMember bool
	var err error
	switch kind {
	case "room":
		isMember, err = g.store.RoomHasMember(name, sender)
		if err == nil && isMember {
			members, err = g.store.GetRoomMembers(name)
		}
	case "chat":
		isMember, err = g.store.ChatHasMember(name, sender)
		if err == nil && isMember {
			members, err = g.store.GetChatMembers(name)
		}
	}
	if err != nil {
		g.log.Error("resolve media target", "target", target, "err", err)
	}
	if !isMember {
		return
	}

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m != sender {
			recipients = append(recipients, m)
		}
	}
	writers := g.registry.SnapshotMediaWriters(recipients)

	frame := map[string]any{
		"action":   action,
		"from":     sender,
		"target":   target,
		payloadKey: payload,
	}
	var delivered atomic.Int64
	var wg sync.WaitGroup
	for user, w := range writers {
		wg.Add(1)
		go func(user string, w *protocol.Writer) {
			defer wg.Done()
			if err := w.WriteJSON(frame); err != nil {
				g.log.Debug("media fan-out write failed", "to", user, "err", err)
				return
			}
			delivered.Add(1)
		}(user, w)
	}
	wg.Wait()
	g.metrics.AddMediaFrames(int(delivered.Load()))
}
