// Package store implements RCord's durable JSON database: users, rooms,
// chats, messages, invites, and presence status, persisted to a single file
// with an atomic rename and a checksum over the canonical JSON of its data.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	formatName    = "rcord-db"
	formatVersion = 1

	// InviteTTL is the lifetime of a canonical (non-legacy) invite.
	InviteTTL = 300 * time.Second
)

// ErrIntegrity is returned by Open when the on-disk checksum does not match
// the stored data. Fatal: the server refuses to start on corrupt state.
var ErrIntegrity = errors.New("store: checksum mismatch, refusing to load")

// Invite is an invitation to a room or chat, owned by the invitee.
//
// It accepts two on-disk shapes: a bare JSON string (legacy, immortal — never
// expires) or a canonical object {target, invited_at}. It is always written
// in the object shape; InvitedAt is empty for entries that came from a bare
// string, preserving their immortality.
type Invite struct {
	Target    string `json:"target"`
	InvitedAt string `json:"invited_at,omitempty"`
}

// UnmarshalJSON accepts a bare string, the canonical object, or a legacy
// object that names its target under a "room" or "chat" key instead of
// "target". Writes always emit the canonical form.
func (i *Invite) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		i.Target = s
		i.InvitedAt = ""
		return nil
	}
	var obj struct {
		Target    string `json:"target"`
		Room      string `json:"room"`
		Chat      string `json:"chat"`
		InvitedAt string `json:"invited_at"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	i.Target = obj.Target
	if i.Target == "" {
		i.Target = obj.Room
	}
	if i.Target == "" {
		i.Target = obj.Chat
	}
	i.InvitedAt = obj.InvitedAt
	return nil
}

// Immortal reports whether this invite never expires (the legacy bare-string
// shape never carried an invited_at timestamp).
func (i Invite) Immortal() bool { return i.InvitedAt == "" }

// UserRecord is a registered account.
type UserRecord struct {
	Password  string `json:"password"`
	CreatedAt string `json:"created_at"`
}

// RoomRecord is a named room.
type RoomRecord struct {
	Members   []string `json:"members"`
	CreatedAt string   `json:"created_at"`
	Kind      string   `json:"kind"`
}

// ChatRecord is a pairwise chat, keyed by its sorted "a:b" id.
type ChatRecord struct {
	Participants []string `json:"participants"`
	CreatedAt    string   `json:"created_at"`
	Kind         string   `json:"kind"`
}

// StatusRecord is the persisted mirror of a user's online/offline state.
type StatusRecord struct {
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen"`
}

// Message is one persisted chat/room message.
type Message struct {
	Sender   string `json:"sender"`
	TS       string `json:"ts"`
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content,omitempty"`
}

// UserInvites is the pending-invite bucket for one user.
type UserInvites struct {
	Rooms []Invite `json:"rooms"`
	Chats []Invite `json:"chats"`
}

type invitesRoot struct {
	Users map[string]*UserInvites `json:"users"`
}

// dbData is the "data" payload of the on-disk envelope.
type dbData struct {
	Users    map[string]*UserRecord   `json:"users"`
	Rooms    map[string]*RoomRecord   `json:"rooms"`
	Chats    map[string]*ChatRecord   `json:"chats"`
	Messages map[string][]Message     `json:"messages"`
	Invites  invitesRoot              `json:"invites"`
	Status   map[string]*StatusRecord `json:"status"`
}

func newDBData() *dbData {
	return &dbData{
		Users:    map[string]*UserRecord{},
		Rooms:    map[string]*RoomRecord{},
		Chats:    map[string]*ChatRecord{},
		Messages: map[string][]Message{},
		Invites:  invitesRoot{Users: map[string]*UserInvites{}},
		Status:   map[string]*StatusRecord{},
	}
}

// normalize fills in anything a partial or legacy file omitted, so the rest
// of the store is free of nil-map and missing-bucket checks.
func (d *dbData) normalize() {
	if d.Users == nil {
		d.Users = map[string]*UserRecord{}
	}
	if d.Rooms == nil {
		d.Rooms = map[string]*RoomRecord{}
	}
	if d.Chats == nil {
		d.Chats = map[string]*ChatRecord{}
	}
	if d.Messages == nil {
		d.Messages = map[string][]Message{}
	}
	if d.Invites.Users == nil {
		d.Invites.Users = map[string]*UserInvites{}
	}
	if d.Status == nil {
		d.Status = map[string]*StatusRecord{}
	}
	for u := range d.Users {
		if _, ok := d.Status[u]; !ok {
			d.Status[u] = &StatusRecord{Online: false, LastSeen: ""}
		}
		if _, ok := d.Invites.Users[u]; !ok {
			d.Invites.Users[u] = &UserInvites{Rooms: []Invite{}, Chats: []Invite{}}
		}
	}
}

type envelope struct {
	Format   string          `json:"format"`
	Version  int             `json:"version"`
	Data     json.RawMessage `json:"data"`
	Checksum string          `json:"checksum"`
}

// expiredBuckets accumulates the targets evicted from one user's invites by
// TTL sweeps, until a list_invites-style read drains and reports them. This
// is transient session state, never persisted: an eviction performed as a
// side effect of join_room or accept_chat must still show up in the user's
// next explicit invite listing.
type expiredBuckets struct {
	rooms []string
	chats []string
}

// Store is the single-file JSON database. All mutating operations take mu
// for the duration of a read-modify-write-persist sequence.
type Store struct {
	mu      sync.Mutex
	path    string
	log     *slog.Logger
	data    *dbData
	expired map[string]*expiredBuckets
}

// Open loads path, creating it with empty collections if it does not exist.
// A wrapped envelope is checksum-verified; a bare legacy object is accepted
// and normalized. A checksum mismatch is fatal (ErrIntegrity).
func Open(path string) (*Store, error) {
	log := slog.Default().With("component", "store")
	s := &Store{path: path, log: log, expired: map[string]*expiredBuckets{}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDBData()
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("store: initialize %s: %w", path, err)
		}
		log.Info("initialized new database", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	data, err := decode(raw)
	if err != nil {
		return nil, err
	}
	data.normalize()
	s.data = data
	log.Info("loaded database", "path", path, "users", len(data.Users), "rooms", len(data.Rooms), "chats", len(data.Chats))
	return s, nil
}

func decode(raw []byte) (*dbData, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("store: malformed database file: %w", err)
	}

	if formatRaw, ok := probe["format"]; ok {
		var format string
		if err := json.Unmarshal(formatRaw, &format); err == nil && format == formatName {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return nil, fmt.Errorf("store: malformed envelope: %w", err)
			}
			sum, err := checksum(env.Data)
			if err != nil {
				return nil, fmt.Errorf("store: checksum data payload: %w", err)
			}
			if sum != env.Checksum {
				return nil, ErrIntegrity
			}
			var data dbData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("store: malformed data payload: %w", err)
			}
			return &data, nil
		}
	}

	// Legacy bare object: no wrapper, no checksum.
	var data dbData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("store: malformed legacy database: %w", err)
	}
	return &data, nil
}

// canonicalize re-marshals raw JSON through Go maps, whose keys
// encoding/json sorts, yielding the canonical form the checksum is defined
// over: sorted keys, no whitespace, UTF-8.
func canonicalize(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// checksum is the hex SHA-256 of the canonical form of raw. Computing it
// over the canonical form rather than the stored bytes keeps verification
// independent of how a writer happened to indent or order the data payload.
func checksum(raw []byte) (string, error) {
	canonical, err := canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// persistLocked serializes s.data to the canonical envelope and atomically
// replaces the file on disk. Caller must hold mu.
func (s *Store) persistLocked() error {
	structBytes, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("store: marshal data: %w", err)
	}
	dataBytes, err := canonicalize(structBytes)
	if err != nil {
		return fmt.Errorf("store: canonicalize data: %w", err)
	}
	sum := sha256.Sum256(dataBytes)
	env := envelope{
		Format:   formatName,
		Version:  formatVersion,
		Data:     dataBytes,
		Checksum: hex.EncodeToString(sum[:]),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("store: marshal envelope: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: create directory: %w", err)
		}
	}
	if err := renameio.WriteFile(s.path, out, 0o600); err != nil {
		return fmt.Errorf("store: atomic write: %w", err)
	}
	return nil
}

// Close is a no-op; retained for symmetry with resource-owning stores and
// for callers that defer Close unconditionally.
func (s *Store) Close() error { return nil }

func utcNow() time.Time { return time.Now().UTC() }

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp accepts RFC3339(Nano) and treats any naive timestamp
// lacking a zone offset as UTC.
func parseTimestamp(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("store: unparseable timestamp %q", s)
}

func chatID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// ChatID returns the canonical chat identifier for two usernames.
func ChatID(a, b string) string { return chatID(a, b) }

// ParseTimestamp exposes the store's ISO-8601 parsing (naive timestamps are
// treated as UTC) for callers outside the package, e.g. the Presence Monitor
// comparing last_seen against now.
func ParseTimestamp(s string) (time.Time, error) { return parseTimestamp(s) }

// sweepInvites returns a new slice holding the unexpired entries of invites,
// together with the targets that were evicted. Caller must hold mu.
func sweepInvites(invites []Invite, now time.Time) (kept []Invite, expired []string) {
	kept = invites[:0:0]
	for _, inv := range invites {
		if inv.Immortal() {
			kept = append(kept, inv)
			continue
		}
		at, err := parseTimestamp(inv.InvitedAt)
		if err != nil || now.Sub(at) <= InviteTTL {
			kept = append(kept, inv)
			continue
		}
		expired = append(expired, inv.Target)
	}
	return kept, expired
}

// sweepUserInvitesLocked performs the expiry sweep for one user's rooms and
// chats buckets, mutating in place. Evicted targets are recorded in the
// user's pending expiry report so a later invite listing still reports
// them. Caller must hold mu.
func (s *Store) sweepUserInvitesLocked(user string) (expiredRooms, expiredChats []string) {
	ui, ok := s.data.Invites.Users[user]
	if !ok {
		return nil, nil
	}
	now := utcNow()
	ui.Rooms, expiredRooms = sweepInvites(ui.Rooms, now)
	ui.Chats, expiredChats = sweepInvites(ui.Chats, now)
	if len(expiredRooms) > 0 || len(expiredChats) > 0 {
		b, ok := s.expired[user]
		if !ok {
			b = &expiredBuckets{}
			s.expired[user] = b
		}
		b.rooms = appendMissing(b.rooms, expiredRooms)
		b.chats = appendMissing(b.chats, expiredChats)
	}
	return expiredRooms, expiredChats
}

// drainExpiredReportLocked returns and clears the user's accumulated expiry
// report. Caller must hold mu.
func (s *Store) drainExpiredReportLocked(user string) (rooms, chats []string) {
	b, ok := s.expired[user]
	if !ok {
		return nil, nil
	}
	delete(s.expired, user)
	return b.rooms, b.chats
}

func appendMissing(dst, src []string) []string {
	for _, v := range src {
		if !containsString(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func findInvite(invites []Invite, target string) int {
	for i, inv := range invites {
		if inv.Target == target {
			return i
		}
	}
	return -1
}

func removeInviteAt(invites []Invite, idx int) []Invite {
	return append(invites[:idx], invites[idx+1:]...)
}

// --- User operations -------------------------------------------------------

// RegisterUser creates a new user; returns false if the username is taken.
func (s *Store) RegisterUser(username, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Users[username]; exists {
		return false, nil
	}
	s.data.Users[username] = &UserRecord{Password: password, CreatedAt: formatTimestamp(utcNow())}
	s.data.Status[username] = &StatusRecord{Online: false, LastSeen: ""}
	s.data.Invites.Users[username] = &UserInvites{Rooms: []Invite{}, Chats: []Invite{}}
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	s.log.Info("user registered", "user", username)
	return true, nil
}

// ValidateLogin reports whether username/password is an exact match.
func (s *Store) ValidateLogin(username, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.data.Users[username]
	if !ok {
		return false, nil
	}
	return u.Password == password, nil
}

// UserExists reports whether username is registered.
func (s *Store) UserExists(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.Users[username]
	return ok, nil
}

// UserStatus is one row of a list_users response.
type UserStatus struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen"`
}

// ListUsers returns every registered user with their status, sorted by name.
func (s *Store) ListUsers() ([]UserStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.data.Users))
	for u := range s.data.Users {
		names = append(names, u)
	}
	sort.Strings(names)

	out := make([]UserStatus, 0, len(names))
	for _, u := range names {
		st := s.data.Status[u]
		if st == nil {
			st = &StatusRecord{}
		}
		out = append(out, UserStatus{Username: u, Online: st.Online, LastSeen: st.LastSeen})
	}
	return out, nil
}

// SetStatus persists a user's online/offline transition and updates last_seen.
func (s *Store) SetStatus(username string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data.Status[username]
	if !ok {
		st = &StatusRecord{}
		s.data.Status[username] = st
	}
	st.Online = online
	st.LastSeen = formatTimestamp(utcNow())
	return s.persistLocked()
}

// Touch refreshes a user's last_seen timestamp without changing online state.
func (s *Store) Touch(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data.Status[username]
	if !ok {
		st = &StatusRecord{Online: true}
		s.data.Status[username] = st
	}
	st.LastSeen = formatTimestamp(utcNow())
	return s.persistLocked()
}

// --- Room operations ---------------------------------------------------

// RoomSummary is one row of a list_rooms response.
type RoomSummary struct {
	Room string `json:"room"`
	Kind string `json:"kind"`
}

// CreateRoom creates a room with owner as its sole member. Returns false if
// the name is already taken.
func (s *Store) CreateRoom(name, owner, kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Rooms[name]; exists {
		return false, nil
	}
	s.data.Rooms[name] = &RoomRecord{
		Members:   []string{owner},
		CreatedAt: formatTimestamp(utcNow()),
		Kind:      kind,
	}
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	s.log.Info("room created", "room", name, "owner", owner, "kind", kind)
	return true, nil
}

// AddRoomMember appends user to room (idempotently) and clears any pending
// room invite for that user/room. Returns false if the room does not exist.
func (s *Store) AddRoomMember(room, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepUserInvitesLocked(user)

	r, ok := s.data.Rooms[room]
	if !ok {
		return false, nil
	}
	if !containsString(r.Members, user) {
		r.Members = append(r.Members, user)
	}
	if ui, ok := s.data.Invites.Users[user]; ok {
		if idx := findInvite(ui.Rooms, room); idx >= 0 {
			ui.Rooms = removeInviteAt(ui.Rooms, idx)
		}
	}
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// InviteToRoom invites user to room, idempotently. Returns ok=false if room
// does not exist; otherwise invitedAt is the (possibly pre-existing) invite
// timestamp.
func (s *Store) InviteToRoom(room, user string) (invitedAt string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Rooms[room]; !exists {
		return "", false, nil
	}
	ui := s.ensureInvitesLocked(user)
	if idx := findInvite(ui.Rooms, room); idx >= 0 {
		return ui.Rooms[idx].InvitedAt, true, nil
	}
	at := formatTimestamp(utcNow())
	ui.Rooms = append(ui.Rooms, Invite{Target: room, InvitedAt: at})
	if err := s.persistLocked(); err != nil {
		return "", false, err
	}
	return at, true, nil
}

func (s *Store) ensureInvitesLocked(user string) *UserInvites {
	ui, ok := s.data.Invites.Users[user]
	if !ok {
		ui = &UserInvites{Rooms: []Invite{}, Chats: []Invite{}}
		s.data.Invites.Users[user] = ui
	}
	return ui
}

// HasRoomInvite sweeps user's invites first, then reports whether a
// non-expired invite for room exists and whether that exact room's invite
// was just evicted as expired.
func (s *Store) HasRoomInvite(user, room string) (present, expired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expRooms, _ := s.sweepUserInvitesLocked(user)
	if len(expRooms) > 0 {
		if err := s.persistLocked(); err != nil {
			return false, false, err
		}
	}
	for _, t := range expRooms {
		if t == room {
			expired = true
		}
	}
	if ui, ok := s.data.Invites.Users[user]; ok {
		present = findInvite(ui.Rooms, room) >= 0
	}
	return present, expired, nil
}

// HasChatInvite is the chat analogue of HasRoomInvite.
func (s *Store) HasChatInvite(user, chat string) (present, expired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, expChats := s.sweepUserInvitesLocked(user)
	if len(expChats) > 0 {
		if err := s.persistLocked(); err != nil {
			return false, false, err
		}
	}
	for _, t := range expChats {
		if t == chat {
			expired = true
		}
	}
	if ui, ok := s.data.Invites.Users[user]; ok {
		present = findInvite(ui.Chats, chat) >= 0
	}
	return present, expired, nil
}

// RoomHasMember reports whether user is a member of room.
func (s *Store) RoomHasMember(room, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.Rooms[room]
	if !ok {
		return false, nil
	}
	return containsString(r.Members, user), nil
}

// GetRoomMembers returns room's members sorted ascending.
func (s *Store) GetRoomMembers(room string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.Rooms[room]
	if !ok {
		return nil, nil
	}
	out := append([]string(nil), r.Members...)
	sort.Strings(out)
	return out, nil
}

// RoomKind returns room's kind and whether it exists.
func (s *Store) RoomKind(room string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.Rooms[room]
	if !ok {
		return "", false, nil
	}
	return r.Kind, true, nil
}

// ListRoomsForUser returns every room user belongs to.
func (s *Store) ListRoomsForUser(user string) ([]RoomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0)
	for name, r := range s.data.Rooms {
		if containsString(r.Members, user) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]RoomSummary, 0, len(names))
	for _, name := range names {
		out = append(out, RoomSummary{Room: name, Kind: s.data.Rooms[name].Kind})
	}
	return out, nil
}

// AllRooms returns every room in the store, sorted by name — an
// operator-facing projection, unlike ListRoomsForUser's per-member view.
func (s *Store) AllRooms() ([]RoomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.data.Rooms))
	for name := range s.data.Rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]RoomSummary, 0, len(names))
	for _, name := range names {
		out = append(out, RoomSummary{Room: name, Kind: s.data.Rooms[name].Kind})
	}
	return out, nil
}

// DeclineRoomInvite removes a pending room invite for user, if any.
func (s *Store) DeclineRoomInvite(user, room string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ui, ok := s.data.Invites.Users[user]
	if !ok {
		return false, nil
	}
	idx := findInvite(ui.Rooms, room)
	if idx < 0 {
		return false, nil
	}
	ui.Rooms = removeInviteAt(ui.Rooms, idx)
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// --- Chat operations ---------------------------------------------------

// ChatSummary is one row of a list_chats response.
type ChatSummary struct {
	Chat string `json:"chat"`
	Kind string `json:"kind"`
}

// CreateChat creates (if absent) the pairwise chat between requester and
// target and invites target into it. Re-invoking on an existing chat leaves
// its participants untouched; if an invite for target is already pending,
// its invited_at is returned unchanged, otherwise a new invite is created.
// Whether target is already a participant is not checked.
func (s *Store) CreateChat(requester, target, kind string) (chat string, invitedAt string, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := chatID(requester, target)
	if _, exists := s.data.Chats[id]; !exists {
		s.data.Chats[id] = &ChatRecord{
			Participants: []string{requester},
			CreatedAt:    formatTimestamp(utcNow()),
			Kind:         kind,
		}
		created = true
	}

	ui := s.ensureInvitesLocked(target)
	if idx := findInvite(ui.Chats, id); idx >= 0 {
		invitedAt = ui.Chats[idx].InvitedAt
	} else {
		invitedAt = formatTimestamp(utcNow())
		ui.Chats = append(ui.Chats, Invite{Target: id, InvitedAt: invitedAt})
	}

	if err := s.persistLocked(); err != nil {
		return "", "", false, err
	}
	return id, invitedAt, created, nil
}

// AcceptChatInvite sweeps user's invites; if chat was just evicted as
// expired, returns (false, true). Otherwise, if chat exists, adds user to
// participants and removes the invite, returning (true, false).
func (s *Store) AcceptChatInvite(user, chat string) (accepted, expired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, expChats := s.sweepUserInvitesLocked(user)
	for _, t := range expChats {
		if t == chat {
			if err := s.persistLocked(); err != nil {
				return false, false, err
			}
			return false, true, nil
		}
	}

	c, ok := s.data.Chats[chat]
	if !ok {
		if err := s.persistLocked(); err != nil {
			return false, false, err
		}
		return false, false, nil
	}
	if !containsString(c.Participants, user) {
		c.Participants = append(c.Participants, user)
		sort.Strings(c.Participants)
	}
	if ui, ok := s.data.Invites.Users[user]; ok {
		if idx := findInvite(ui.Chats, chat); idx >= 0 {
			ui.Chats = removeInviteAt(ui.Chats, idx)
		}
	}
	if err := s.persistLocked(); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// DeclineChatInvite removes a pending chat invite for user, if any.
func (s *Store) DeclineChatInvite(user, chat string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ui, ok := s.data.Invites.Users[user]
	if !ok {
		return false, nil
	}
	idx := findInvite(ui.Chats, chat)
	if idx < 0 {
		return false, nil
	}
	ui.Chats = removeInviteAt(ui.Chats, idx)
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// ChatHasMember reports whether user is a participant of chat.
func (s *Store) ChatHasMember(chat, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.Chats[chat]
	if !ok {
		return false, nil
	}
	return containsString(c.Participants, user), nil
}

// GetChatMembers returns chat's participants sorted ascending.
func (s *Store) GetChatMembers(chat string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.Chats[chat]
	if !ok {
		return nil, nil
	}
	out := append([]string(nil), c.Participants...)
	sort.Strings(out)
	return out, nil
}

// ChatKind returns chat's kind and whether it exists.
func (s *Store) ChatKind(chat string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.Chats[chat]
	if !ok {
		return "", false, nil
	}
	return c.Kind, true, nil
}

// ListChatsForUser returns every chat user participates in.
func (s *Store) ListChatsForUser(user string) ([]ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0)
	for id, c := range s.data.Chats {
		if containsString(c.Participants, user) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]ChatSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, ChatSummary{Chat: id, Kind: s.data.Chats[id].Kind})
	}
	return out, nil
}

// AllChats returns every chat in the store, sorted by id — an
// operator-facing projection, unlike ListChatsForUser's per-participant view.
func (s *Store) AllChats() ([]ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.data.Chats))
	for id := range s.data.Chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]ChatSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, ChatSummary{Chat: id, Kind: s.data.Chats[id].Kind})
	}
	return out, nil
}

// --- Invite listing & cleanup -------------------------------------------

// InviteView is one entry in a list_invites response.
type InviteView struct {
	Target    string `json:"target"`
	InvitedAt string `json:"invited_at,omitempty"`
}

// ListInvitesForUser sweeps and returns user's pending invites plus the
// full expiry report: targets evicted by this call and any earlier sweep
// whose eviction has not been reported yet. The report is cleared once
// returned.
func (s *Store) ListInvitesForUser(user string) (rooms, chats []InviteView, expiredRooms, expiredChats []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	freshRooms, freshChats := s.sweepUserInvitesLocked(user)
	if len(freshRooms) > 0 || len(freshChats) > 0 {
		if err := s.persistLocked(); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	expiredRooms, expiredChats = s.drainExpiredReportLocked(user)

	ui, ok := s.data.Invites.Users[user]
	if !ok {
		return nil, nil, expiredRooms, expiredChats, nil
	}
	for _, inv := range ui.Rooms {
		rooms = append(rooms, InviteView{Target: inv.Target, InvitedAt: inv.InvitedAt})
	}
	for _, inv := range ui.Chats {
		chats = append(chats, InviteView{Target: inv.Target, InvitedAt: inv.InvitedAt})
	}
	return rooms, chats, expiredRooms, expiredChats, nil
}

// PendingInvites sweeps and returns user's pending invites without draining
// the expiry report — evictions stay queued for the next ListInvitesForUser.
// Used by login, whose response carries no expired field.
func (s *Store) PendingInvites(user string) (rooms, chats []InviteView, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	freshRooms, freshChats := s.sweepUserInvitesLocked(user)
	if len(freshRooms) > 0 || len(freshChats) > 0 {
		if err := s.persistLocked(); err != nil {
			return nil, nil, err
		}
	}
	ui, ok := s.data.Invites.Users[user]
	if !ok {
		return nil, nil, nil
	}
	for _, inv := range ui.Rooms {
		rooms = append(rooms, InviteView{Target: inv.Target, InvitedAt: inv.InvitedAt})
	}
	for _, inv := range ui.Chats {
		chats = append(chats, InviteView{Target: inv.Target, InvitedAt: inv.InvitedAt})
	}
	return rooms, chats, nil
}

// AllInvites returns every user's pending invites (no sweep performed),
// keyed by username; the map has no order, so callers that print it sort
// the keys themselves — as the Inspector CLI's offline, read-only view does.
func (s *Store) AllInvites() (map[string]UserInvites, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]UserInvites, len(s.data.Invites.Users))
	for user, ui := range s.data.Invites.Users {
		out[user] = UserInvites{Rooms: append([]Invite(nil), ui.Rooms...), Chats: append([]Invite(nil), ui.Chats...)}
	}
	return out, nil
}

// CleanupExpiredInvites runs an explicit sweep for user and returns what
// was evicted.
func (s *Store) CleanupExpiredInvites(user string) (expiredRooms, expiredChats []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiredRooms, expiredChats = s.sweepUserInvitesLocked(user)
	if len(expiredRooms) > 0 || len(expiredChats) > 0 {
		if err := s.persistLocked(); err != nil {
			return nil, nil, err
		}
	}
	return expiredRooms, expiredChats, nil
}

// --- Messages ------------------------------------------------------------

// AddMessage appends a message to target's history, stamping TS.
func (s *Store) AddMessage(target string, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.TS = formatTimestamp(utcNow())
	s.data.Messages[target] = append(s.data.Messages[target], msg)
	if err := s.persistLocked(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessages returns target's history, or only the last limit entries
// when limit > 0.
func (s *Store) ListMessages(target string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.data.Messages[target]
	if limit <= 0 || limit >= len(all) {
		out := make([]Message, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]Message, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// ParseTarget splits a "room:<name>" or "chat:<id>" target key.
func ParseTarget(target string) (kind, name string, ok bool) {
	if rest, found := strings.CutPrefix(target, "room:"); found {
		return "room", rest, true
	}
	if rest, found := strings.CutPrefix(target, "chat:"); found {
		return "chat", rest, true
	}
	return "", "", false
}
