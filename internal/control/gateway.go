// Package control implements the Control Gateway: the per-connection
// authenticated request/response loop that dispatches to the Store and
// delivers push notifications to peer sessions.
package control

import (
	"context"
	"log/slog"
	"net"

	"rcord/internal/metrics"
	"rcord/internal/protocol"
	"rcord/internal/session"
	"rcord/internal/store"
)

// Gateway serves the control listener.
type Gateway struct {
	store    *store.Store
	registry *session.Registry
	metrics  *metrics.Counters
	log      *slog.Logger
}

// New constructs a Control Gateway. m may be nil when no Admin API is wired.
func New(st *store.Store, reg *session.Registry, m *metrics.Counters) *Gateway {
	return &Gateway{
		store:    st,
		registry: reg,
		metrics:  m,
		log:      slog.Default().With("component", "control"),
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
	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)
	var username string

	defer func() {
		_ = conn.Close()
		if username != "" {
			if err := g.registry.SetOffline(username); err != nil {
				g.log.Error("set offline on disconnect", "user", username, "err", err)
			}
		}
	}()

	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}

		var req map[string]any
		if err := protocol.Decode(line, &req); err != nil {
			_ = writer.WriteJSON(errResp("", "invalid_json"))
			continue
		}

		action, _ := req["action"].(string)
		resp, shouldClose := g.dispatch(&username, conn, writer, req, action)
		if resp != nil {
			if err := writer.WriteJSON(resp); err != nil {
				g.log.Debug("write response failed", "user", username, "err", err)
				return
			}
		}
		if shouldClose {
			return
		}
	}
}

func getString(req map[string]any, key string) (string, bool) {
	v, ok := req[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func okResp(action string, extra map[string]any) map[string]any {
	resp := map[string]any{"ok": true, "action": action}
	for k, v := range extra {
		resp[k] = v
	}
	return resp
}

func errResp(action, code string) map[string]any {
	resp := map[string]any{"ok": false, "error": code}
	if action != "" {
		resp["action"] = action
	}
	return resp
}

// dispatch handles one decoded request. *username is the connection's
// authenticated identity, mutated on login/logout.
func (g *Gateway) dispatch(username *string, conn net.Conn, writer *protocol.Writer, req map[string]any, action string) (resp map[string]any, shouldClose bool) {
	if action != "register" && action != "login" && *username == "" {
		return errResp(action, "not_authenticated"), false
	}

	switch action {
	case "register":
		return g.handleRegister(req)
	case "login":
		return g.handleLogin(username, conn, writer, req)
	case "heartbeat":
		if err := g.registry.Touch(*username); err != nil {
			g.log.Error("touch", "user", *username, "err", err)
		}
		return okResp("heartbeat", nil), false
	case "list_users":
		return g.handleListUsers()
	case "list_rooms":
		return g.handleListRooms(*username)
	case "list_chats":
		return g.handleListChats(*username)
	case "list_invites":
		return g.handleListInvites(*username)
	case "create_room":
		return g.handleCreateRoom(*username, req)
	case "join_room":
		return g.handleJoinRoom(*username, req)
	case "invite_room":
		return g.handleInviteRoom(*username, req)
	case "create_chat":
		return g.handleCreateChat(*username, req)
	case "accept_chat":
		return g.handleAcceptChat(*username, req)
	case "decline_room_invite":
		return g.handleDeclineRoomInvite(*username, req)
	case "decline_chat_invite":
		return g.handleDeclineChatInvite(*username, req)
	case "send_message":
		return g.handleSendMessage(*username, req)
	case "list_messages":
		return g.handleListMessages(*username, req)
	case "list_members":
		return g.handleListMembers(*username, req)
	case "logout":
		return okResp("logout", nil), true
	default:
		return errResp(action, "unknown_action"), false
	}
}

func (g *Gateway) handleRegister(req map[string]any) (map[string]any, bool) {
	user, okU := getString(req, "username")
	pw, okP := getString(req, "password")
	if !okU || !okP {
		return errResp("register", "missing_credentials"), false
	}
	created, err := g.store.RegisterUser(user, pw)
	if err != nil {
		g.log.Error("register", "user", user, "err", err)
		return errResp("register", "missing_credentials"), false
	}
	return map[string]any{"ok": created, "action": "register"}, false
}

func (g *Gateway) handleLogin(username *string, conn net.Conn, writer *protocol.Writer, req map[string]any) (map[string]any, bool) {
	user, okU := getString(req, "username")
	pw, okP := getString(req, "password")
	if !okU || !okP {
		return errResp("login", "missing_credentials"), false
	}
	if g.registry.IsOnline(user) {
		return errResp("login", "already_online"), false
	}
	valid, err := g.store.ValidateLogin(user, pw)
	if err != nil {
		g.log.Error("validate login", "user", user, "err", err)
		return errResp("login", "invalid_credentials"), false
	}
	if !valid {
		return errResp("login", "invalid_credentials"), false
	}

	if err := g.registry.SetOnline(user, writer, conn); err != nil {
		g.log.Error("set online", "user", user, "err", err)
		return errResp("login", "invalid_credentials"), false
	}
	*username = user

	users, _ := g.store.ListUsers()
	rooms, _ := g.store.ListRoomsForUser(user)
	chats, _ := g.store.ListChatsForUser(user)
	roomInvites, chatInvites, _ := g.store.PendingInvites(user)

	return okResp("login", map[string]any{
		"users": users,
		"rooms": rooms,
		"chats": chats,
		"invites": map[string]any{
			"rooms": roomInvites,
			"chats": chatInvites,
		},
	}), false
}

func (g *Gateway) handleListUsers() (map[string]any, bool) {
	users, err := g.store.ListUsers()
	if err != nil {
		g.log.Error("list users", "err", err)
	}
	return okResp("list_users", map[string]any{"users": users}), false
}

func (g *Gateway) handleListRooms(username string) (map[string]any, bool) {
	rooms, err := g.store.ListRoomsForUser(username)
	if err != nil {
		g.log.Error("list rooms", "user", username, "err", err)
	}
	return okResp("list_rooms", map[string]any{"rooms": rooms}), false
}

func (g *Gateway) handleListChats(username string) (map[string]any, bool) {
	chats, err := g.store.ListChatsForUser(username)
	if err != nil {
		g.log.Error("list chats", "user", username, "err", err)
	}
	return okResp("list_chats", map[string]any{"chats": chats}), false
}

func (g *Gateway) handleListInvites(username string) (map[string]any, bool) {
	rooms, chats, expRooms, expChats, err := g.store.ListInvitesForUser(username)
	if err != nil {
		g.log.Error("list invites", "user", username, "err", err)
	}
	resp := okResp("list_invites", map[string]any{
		"invites": map[string]any{"rooms": rooms, "chats": chats},
		"expired": map[string]any{"rooms": expRooms, "chats": expChats},
	})
	// Preserve the documented behavior exactly: ok:true alongside an
	// informational error when the sweep evicted anything for this user.
	if len(expRooms) > 0 || len(expChats) > 0 {
		resp["error"] = "invite_expired"
		g.metrics.AddInviteExpiries(len(expRooms) + len(expChats))
	}
	return resp, false
}

func (g *Gateway) handleCreateRoom(username string, req map[string]any) (map[string]any, bool) {
	room, ok := getString(req, "room")
	if !ok {
		return errResp("create_room", "missing_parameters"), false
	}
	kind, _ := getString(req, "kind")
	if kind == "" {
		kind = "text"
	}
	created, err := g.store.CreateRoom(room, username, kind)
	if err != nil {
		g.log.Error("create room", "room", room, "err", err)
	}
	// Like register, the ok field carries the outcome: false means the
	// name was already taken.
	return map[string]any{"ok": created, "action": "create_room", "room": room, "kind": kind}, false
}

func (g *Gateway) handleJoinRoom(username string, req map[string]any) (map[string]any, bool) {
	room, ok := getString(req, "room")
	if !ok {
		return errResp("join_room", "missing_parameters"), false
	}
	kind, exists, err := g.store.RoomKind(room)
	if err != nil {
		g.log.Error("room kind", "room", room, "err", err)
	}
	if !exists {
		return errResp("join_room", "missing_room"), false
	}

	isMember, err := g.store.RoomHasMember(room, username)
	if err != nil {
		g.log.Error("room has member", "room", room, "err", err)
	}
	if !isMember {
		present, expired, err := g.store.HasRoomInvite(username, room)
		if err != nil {
			g.log.Error("has room invite", "user", username, "room", room, "err", err)
		}
		if expired {
			return errResp("join_room", "invite_expired"), false
		}
		if !present {
			return errResp("join_room", "invite_required"), false
		}
		if _, err := g.store.AddRoomMember(room, username); err != nil {
			g.log.Error("add room member", "room", room, "user", username, "err", err)
		}
	}
	return okResp("join_room", map[string]any{"room": room, "kind": kind}), false
}

func (g *Gateway) handleInviteRoom(username string, req map[string]any) (map[string]any, bool) {
	room, okR := getString(req, "room")
	target, okU := getString(req, "username")
	if !okR {
		return errResp("invite_room", "missing_parameters"), false
	}
	if !okU {
		return errResp("invite_room", "missing_username"), false
	}
	if _, exists, _ := g.store.RoomKind(room); !exists {
		return errResp("invite_room", "missing_room"), false
	}
	isMember, err := g.store.RoomHasMember(room, username)
	if err != nil {
		g.log.Error("room has member", "room", room, "err", err)
	}
	if !isMember {
		return errResp("invite_room", "not_room_member"), false
	}
	exists, err := g.store.UserExists(target)
	if err != nil {
		g.log.Error("user exists", "user", target, "err", err)
	}
	if !exists {
		return errResp("invite_room", "user_not_found"), false
	}

	invitedAt, _, err := g.store.InviteToRoom(room, target)
	if err != nil {
		g.log.Error("invite to room", "room", room, "user", target, "err", err)
	}
	roomKind, _, _ := g.store.RoomKind(room)
	g.pushInviteReceived(target, "room", room, "", roomKind, invitedAt, username)
	return okResp("invite_room", map[string]any{"room": room, "username": target}), false
}

func (g *Gateway) handleCreateChat(username string, req map[string]any) (map[string]any, bool) {
	target, ok := getString(req, "username")
	if !ok {
		return errResp("create_chat", "missing_username"), false
	}
	kind, _ := getString(req, "kind")
	if kind == "" {
		kind = "text"
	}
	exists, err := g.store.UserExists(target)
	if err != nil {
		g.log.Error("user exists", "user", target, "err", err)
	}
	if !exists {
		return errResp("create_chat", "user_not_found"), false
	}

	chat, invitedAt, _, err := g.store.CreateChat(username, target, kind)
	if err != nil {
		g.log.Error("create chat", "requester", username, "target", target, "err", err)
		return errResp("create_chat", "missing_parameters"), false
	}
	g.pushInviteReceived(target, "chat", "", chat, kind, invitedAt, username)
	return okResp("create_chat", map[string]any{"chat": chat, "kind": kind}), false
}

func (g *Gateway) handleAcceptChat(username string, req map[string]any) (map[string]any, bool) {
	chat, ok := getString(req, "chat")
	if !ok {
		return errResp("accept_chat", "missing_parameters"), false
	}
	accepted, expired, err := g.store.AcceptChatInvite(username, chat)
	if err != nil {
		g.log.Error("accept chat invite", "user", username, "chat", chat, "err", err)
	}
	if expired {
		return errResp("accept_chat", "invite_expired"), false
	}
	if !accepted {
		return errResp("accept_chat", "missing_chat"), false
	}
	kind, _, _ := g.store.ChatKind(chat)
	return okResp("accept_chat", map[string]any{"chat": chat, "kind": kind}), false
}

func (g *Gateway) handleDeclineRoomInvite(username string, req map[string]any) (map[string]any, bool) {
	room, ok := getString(req, "room")
	if !ok {
		return errResp("decline_room_invite", "missing_parameters"), false
	}
	removed, err := g.store.DeclineRoomInvite(username, room)
	if err != nil {
		g.log.Error("decline room invite", "user", username, "room", room, "err", err)
	}
	return map[string]any{"ok": removed, "action": "decline_room_invite", "room": room}, false
}

func (g *Gateway) handleDeclineChatInvite(username string, req map[string]any) (map[string]any, bool) {
	chat, ok := getString(req, "chat")
	if !ok {
		return errResp("decline_chat_invite", "missing_parameters"), false
	}
	removed, err := g.store.DeclineChatInvite(username, chat)
	if err != nil {
		g.log.Error("decline chat invite", "user", username, "chat", chat, "err", err)
	}
	return map[string]any{"ok": removed, "action": "decline_chat_invite", "chat": chat}, false
}

// resolveTarget validates a "room:<name>"/"chat:<id>" target string and
// checks username's membership, returning the error code for the first
// failing precondition, or "" on success.
func (g *Gateway) resolveTarget(target, username string) string {
	if target == "" {
		return "missing_target"
	}
	kind, name, ok := store.ParseTarget(target)
	if !ok {
		return "unknown_target"
	}
	switch kind {
	case "room":
		if _, exists, _ := g.store.RoomKind(name); !exists {
			return "missing_room"
		}
		if member, _ := g.store.RoomHasMember(name, username); !member {
			return "not_room_member"
		}
	case "chat":
		if _, exists, _ := g.store.ChatKind(name); !exists {
			return "missing_chat"
		}
		if member, _ := g.store.ChatHasMember(name, username); !member {
			return "not_chat_member"
		}
	}
	return ""
}

func (g *Gateway) handleSendMessage(username string, req map[string]any) (map[string]any, bool) {
	target, _ := getString(req, "target")
	if errCode := g.resolveTarget(target, username); errCode != "" {
		return errResp("send_message", errCode), false
	}

	kind, _ := getString(req, "kind")
	msg := store.Message{Sender: username, Kind: kind}
	switch kind {
	case "text":
		text, ok := getString(req, "text")
		if !ok {
			return errResp("send_message", "missing_text"), false
		}
		msg.Text = text
	case "file", "image":
		filename, okF := getString(req, "filename")
		content, okC := getString(req, "content")
		if !okF || !okC {
			return errResp("send_message", "missing_attachment"), false
		}
		msg.Filename = filename
		msg.Content = content
	default:
		return errResp("send_message", "unknown_message_kind"), false
	}

	if _, err := g.store.AddMessage(target, msg); err != nil {
		g.log.Error("add message", "target", target, "err", err)
	}
	g.metrics.AddMessage()
	return okResp("send_message", map[string]any{"target": target, "kind": kind}), false
}

func (g *Gateway) handleListMessages(username string, req map[string]any) (map[string]any, bool) {
	target, _ := getString(req, "target")
	if errCode := g.resolveTarget(target, username); errCode != "" {
		return errResp("list_messages", errCode), false
	}
	limit := 0
	if f, ok := req["limit"].(float64); ok {
		limit = int(f)
	}
	messages, err := g.store.ListMessages(target, limit)
	if err != nil {
		g.log.Error("list messages", "target", target, "err", err)
	}
	return okResp("list_messages", map[string]any{"target": target, "messages": messages}), false
}

func (g *Gateway) handleListMembers(username string, req map[string]any) (map[string]any, bool) {
	target, _ := getString(req, "target")
	if errCode := g.resolveTarget(target, username); errCode != "" {
		return errResp("list_members", errCode), false
	}
	kind, name, _ := store.ParseTarget(target)
	var members []string
	var err error
	if kind == "room" {
		members, err = g.store.GetRoomMembers(name)
	} else {
		members, err = g.store.GetChatMembers(name)
	}
	if err != nil {
		g.log.Error("list members", "target", target, "err", err)
	}
	return okResp("list_members", map[string]any{"target": target, "members": members}), false
}

// pushInviteReceived delivers an unsolicited invite_received frame to
// target's control writer, if online. Failure is logged, not surfaced to
// the inviter — a push is fire-and-forget.
func (g *Gateway) pushInviteReceived(target, inviteType, room, chat, kind, invitedAt, from string) {
	w, ok := g.registry.ControlWriter(target)
	if !ok {
		return
	}
	push := map[string]any{
		"action":      "invite_received",
		"invite_type": inviteType,
		"kind":        kind,
		"invited_at":  invitedAt,
		"from":        from,
	}
	if room != "" {
		push["room"] = room
	}
	if chat != "" {
		push["chat"] = chat
	}
	if err := w.WriteJSON(push); err != nil {
		g.log.Debug("push invite_received failed", "target", target, "err", err)
	}
}
