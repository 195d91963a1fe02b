// Package presence tracks which users are connected, which rooms their
// connections are subscribed to, and which conversation each connection is
// currently displaying. It publishes online/offline transitions to the rooms
// a user shares with others.
package presence

import (
	"log/slog"
	"sort"
	"sync"

	"zerochat/cmd/internal/metrics"
	v1 "zerochat/shared/contracts/realtime/v1"
)

// Registry is the in-memory presence index.
//
// Concurrency guarantees:
// - All index mutations happen under one mutex and never perform I/O.
// - Pushes run after the lock is released, on a snapshot taken at push time.
// - A user is online exactly while at least one connection is registered.
// - A user's presence transitions reach peers in the order they happened;
//   a transition overtaken by a newer one is dropped.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	users    map[string]*userEntry      // user id -> live connections + subscribed rooms
	rooms    map[string]map[string]Conn // room -> session id -> conn
	sessions map[string]*session        // session id -> registration
	order    map[string]*presenceOrder  // user id -> transition sequence
}

// presenceOrder numbers one user's online/offline transitions. issued is
// guarded by Registry.mu, delivered by mu.
type presenceOrder struct {
	issued uint64

	mu        sync.Mutex
	delivered uint64
}

type userEntry struct {
	conns map[string]Conn
	rooms map[string]struct{}
}

type session struct {
	conn    Conn
	viewing string
}

// PublishResult counts the outcome of one fan-out.
type PublishResult struct {
	Delivered int
	Failed    int
}

// NewRegistry constructs an empty Registry. m may be nil.
func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		metrics:  m,
		users:    make(map[string]*userEntry),
		rooms:    make(map[string]map[string]Conn),
		sessions: make(map[string]*session),
		order:    make(map[string]*presenceOrder),
	}
}

// Join registers conn for userID, subscribes every connection of the user to
// rooms (plus the user's own room) and returns the online subset of
// candidates. When this is the user's first connection, an online presence
// event is published to the user's shared rooms.
func (r *Registry) Join(userID string, conn Conn, rooms []string, candidates []string) ([]string, error) {
	if r == nil || conn == nil || userID == "" || conn.SessionID() == "" || conn.UserID() != userID {
		return nil, ErrInvalidConn
	}
	sid := conn.SessionID()

	r.mu.Lock()
	e := r.users[userID]
	first := e == nil
	if first {
		e = &userEntry{conns: make(map[string]Conn), rooms: make(map[string]struct{})}
		r.users[userID] = e
	}
	if _, ok := r.sessions[sid]; !ok {
		r.sessions[sid] = &session{conn: conn}
	}
	e.conns[sid] = conn

	e.rooms[UserRoom(userID)] = struct{}{}
	for _, room := range rooms {
		if room != "" {
			e.rooms[room] = struct{}{}
		}
	}
	for room := range e.rooms {
		r.subscribeLocked(room, e.conns)
	}

	online := r.onlineLocked(candidates)

	var (
		targets []Conn
		ord     *presenceOrder
		seq     uint64
	)
	if first {
		targets = r.sharedConnsLocked(userID, e.rooms)
		ord, seq = r.nextTransitionLocked(userID)
	}
	nRooms := len(e.rooms)
	nUsers, nConns := len(r.users), len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetPresence(nUsers, nConns)
	r.log.Info("presence.join", "user_id", userID, "session_id", sid, "rooms", nRooms, "first", first)

	if first {
		r.publishPresence(userID, ord, seq, targets, true)
	}
	return online, nil
}

// Leave unregisters conn. It returns true when this was the user's last
// connection, in which case an offline presence event is published to the
// user's shared rooms. Leaving twice is a no-op.
func (r *Registry) Leave(conn Conn) bool {
	if r == nil || conn == nil {
		return false
	}
	sid := conn.SessionID()
	userID := conn.UserID()

	r.mu.Lock()
	s, ok := r.sessions[sid]
	if !ok || s.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sid)

	e := r.users[userID]
	var (
		last    bool
		targets []Conn
		ord     *presenceOrder
		seq     uint64
	)
	if e != nil {
		delete(e.conns, sid)
		for room := range e.rooms {
			r.unsubscribeLocked(room, sid)
		}
		if len(e.conns) == 0 {
			last = true
			delete(r.users, userID)
			targets = r.sharedConnsLocked(userID, e.rooms)
			ord, seq = r.nextTransitionLocked(userID)
		}
	}
	nUsers, nConns := len(r.users), len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetPresence(nUsers, nConns)
	r.log.Info("presence.leave", "user_id", userID, "session_id", sid, "offline", last)

	if last {
		r.publishPresence(userID, ord, seq, targets, false)
	}
	return last
}

// AddRooms subscribes every live connection of userID to rooms. It reports
// false when the user has no connection; membership is then picked up on the
// next Join.
func (r *Registry) AddRooms(userID string, rooms ...string) bool {
	if r == nil || userID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.users[userID]
	if e == nil {
		return false
	}
	for _, room := range rooms {
		if room == "" {
			continue
		}
		e.rooms[room] = struct{}{}
		r.subscribeLocked(room, e.conns)
	}
	return true
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID] != nil
}

// Online returns the subset of userIDs that are online, in input order.
func (r *Registry) Online(userIDs []string) []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked(userIDs)
}

// ConnectionsFor returns a fresh snapshot of the connections subscribed to room,
// ordered by session id.
func (r *Registry) ConnectionsFor(room string) []Conn {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[room], "")
}

// SetViewing records the conversation displayed by a connection; an empty
// conversationID clears it. Unknown sessions are ignored.
func (r *Registry) SetViewing(sessionID, conversationID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.viewing = conversationID
	return true
}

// IsViewing reports whether any connection of userID displays conversationID.
func (r *Registry) IsViewing(userID, conversationID string) bool {
	if r == nil || conversationID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.users[userID]
	if e == nil {
		return false
	}
	for sid := range e.conns {
		if s := r.sessions[sid]; s != nil && s.viewing == conversationID {
			return true
		}
	}
	return false
}

// Stats returns the number of online users and live connections.
func (r *Registry) Stats() (users, conns int) {
	if r == nil {
		return 0, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), len(r.sessions)
}

// Publish pushes ev to every connection in room except exceptSession.
// Each push is independent; failures are logged and counted, never retried.
func (r *Registry) Publish(room string, ev Event, exceptSession string) PublishResult {
	if r == nil {
		return PublishResult{}
	}
	r.mu.RLock()
	targets := snapshot(r.rooms[room], exceptSession)
	r.mu.RUnlock()

	return r.deliver(targets, ev)
}

// PublishToUser pushes ev to every connection of userID except exceptSession.
func (r *Registry) PublishToUser(userID string, ev Event, exceptSession string) PublishResult {
	return r.Publish(UserRoom(userID), ev, exceptSession)
}

func (r *Registry) deliver(targets []Conn, ev Event) PublishResult {
	var res PublishResult
	for _, c := range targets {
		if err := c.Push(ev); err != nil {
			res.Failed++
			r.metrics.PushFailed(ev.Type)
			r.log.Warn("presence.push.fail",
				"type", ev.Type,
				"user_id", c.UserID(),
				"session_id", c.SessionID(),
				"err", err,
			)
			continue
		}
		res.Delivered++
		r.metrics.PushDelivered()
	}
	return res
}

func (r *Registry) nextTransitionLocked(userID string) (*presenceOrder, uint64) {
	o := r.order[userID]
	if o == nil {
		o = &presenceOrder{}
		r.order[userID] = o
	}
	o.issued++
	return o, o.issued
}

// publishPresence delivers transition seq of userID unless a newer one was
// already delivered. Pushes are non-blocking, so holding o.mu across them
// only orders this user's transitions.
func (r *Registry) publishPresence(userID string, o *presenceOrder, seq uint64, targets []Conn, online bool) {
	o.mu.Lock()
	if seq > o.delivered {
		o.delivered = seq
		r.deliver(targets, Event{Type: v1.TypePresence, Payload: v1.PresencePayload{UserID: userID, Online: online}})
	} else {
		r.log.Debug("presence.stale", "user_id", userID, "online", online, "seq", seq)
	}
	o.mu.Unlock()

	r.mu.Lock()
	if r.users[userID] == nil && r.order[userID] == o {
		o.mu.Lock()
		settled := o.delivered == o.issued
		o.mu.Unlock()
		if settled {
			delete(r.order, userID)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) subscribeLocked(room string, conns map[string]Conn) {
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	for sid, c := range conns {
		members[sid] = c
	}
}

func (r *Registry) unsubscribeLocked(room, sid string) {
	members := r.rooms[room]
	if members == nil {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) onlineLocked(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, u := range candidates {
		if r.users[u] != nil {
			out = append(out, u)
		}
	}
	return out
}

// sharedConnsLocked collects, once per session, the other users' connections
// in the shared (non user) rooms of userID.
func (r *Registry) sharedConnsLocked(userID string, rooms map[string]struct{}) []Conn {
	seen := make(map[string]Conn)
	for room := range rooms {
		if IsUserRoom(room) {
			continue
		}
		for sid, c := range r.rooms[room] {
			if c.UserID() == userID {
				continue
			}
			seen[sid] = c
		}
	}
	return snapshot(seen, "")
}

func snapshot(m map[string]Conn, except string) []Conn {
	out := make([]Conn, 0, len(m))
	for sid, c := range m {
		if sid == except {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID() < out[j].SessionID() })
	return out
}
