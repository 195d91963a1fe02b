// Package reconcile is the client side of the realtime feed: it merges
// inbound envelopes into a local room list and per-room message sequences.
//
// The rules every client has to follow:
//   - messages are keyed by server id; a re-delivered id replaces the stored
//     copy and never appends, and a server copy carrying a pending message's
//     client id replaces that pending entry
//   - an unread value for a room that is not open updates the badge; for the
//     open room the client resets the counter on the server instead
//   - a presence event flips the online flag of matching contact rooms and
//     nothing else
//   - a membership event appends a room unless its id is already present
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	v1 "zerochat/shared/contracts/realtime/v1"
)

// ErrBadPayload wraps a payload that does not decode for its envelope type.
var ErrBadPayload = errors.New("reconcile: bad payload")

// Message is one entry of a room's local sequence. Pending messages were
// sent by this client and not yet acknowledged; they carry no server id.
type Message struct {
	ID          string
	ClientMsgID string
	Sender      string
	Text        string
	PostedAt    time.Time
	Pending     bool
}

func (m Message) less(o Message) bool {
	// Pending messages sort after everything the server has stamped.
	if m.Pending != o.Pending {
		return o.Pending
	}
	if !m.PostedAt.Equal(o.PostedAt) {
		return m.PostedAt.Before(o.PostedAt)
	}
	if m.ID != o.ID {
		return m.ID < o.ID
	}
	return m.ClientMsgID < o.ClientMsgID
}

// Action is something the client must send back to the server.
type Action interface {
	Envelope(id string, now time.Time) (v1.Envelope, error)
}

// ResetUnread asks the server to zero the caller's counter for a room.
type ResetUnread struct {
	ConversationID string
	Kind           string
}

func (a ResetUnread) Envelope(id string, now time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(v1.UnreadResetPayload{ConversationID: a.ConversationID, Kind: a.Kind})
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{V: v1.Version, Type: v1.TypeUnreadReset, ID: id, TS: now.UTC(), Payload: raw}, nil
}

// State is one user's local view. It is safe for concurrent use.
type State struct {
	mu       sync.Mutex
	userID   string
	order    []string
	rooms    map[string]*v1.RoomSummary
	messages map[string][]Message
	open     string
}

// New returns an empty State for userID. Messages from userID never touch badges.
func New(userID string) *State {
	return &State{
		userID:   userID,
		rooms:    make(map[string]*v1.RoomSummary),
		messages: make(map[string][]Message),
	}
}

// Apply merges one inbound envelope. Envelope types the state does not track
// are ignored.
func (s *State) Apply(env v1.Envelope) ([]Action, error) {
	switch env.Type {
	case v1.TypeHelloAck:
		var p v1.HelloAckPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		if p.UserID != "" {
			s.mu.Lock()
			s.userID = p.UserID
			s.mu.Unlock()
		}
		var acts []Action
		for _, r := range p.Rooms {
			acts = append(acts, s.ApplyMembership(r)...)
		}
		return acts, nil

	case v1.TypeMessageNew:
		var p v1.MessageNewPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return s.ApplyMessage(p), nil

	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		s.ApplyAck(p)
		return nil, nil

	case v1.TypeConversationHistoryChunk:
		var p v1.ConversationHistoryChunkPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		s.ApplyHistory(p)
		return nil, nil

	case v1.TypePresence:
		var p v1.PresencePayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		s.ApplyPresence(p)
		return nil, nil

	case v1.TypeMembership:
		var p v1.MembershipPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return s.ApplyMembership(p.Room), nil

	case v1.TypeContactAddAck:
		var p v1.ContactAddAckPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return s.ApplyMembership(p.Room), nil

	case v1.TypeGroupCreateAck:
		var p v1.GroupCreateAckPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return s.ApplyMembership(p.Room), nil

	case v1.TypeUnread:
		var p v1.UnreadPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return s.ApplyUnread(p), nil
	}
	return nil, nil
}

// ApplyMessage merges a pushed message into its room.
func (s *State) ApplyMessage(p v1.MessageNewPayload) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeLocked(p.ConversationID, Message{
		ID:          p.ServerMsgID,
		ClientMsgID: p.ClientMsgID,
		Sender:      p.Sender,
		Text:        p.Text,
		PostedAt:    p.ServerTS,
	})

	if p.Sender == s.userID {
		return nil
	}
	room, ok := s.rooms[p.ConversationID]
	if !ok {
		return nil
	}
	if s.open == p.ConversationID {
		room.Unread = 0
		if p.Unread == 0 {
			return nil
		}
		return []Action{ResetUnread{ConversationID: room.ID, Kind: room.Kind}}
	}
	room.Unread = p.Unread
	return nil
}

// ApplyAck stamps a pending message with its server id and time.
func (s *State) ApplyAck(p v1.MessageAckPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[p.ConversationID]
	for i := range msgs {
		if msgs[i].Pending && msgs[i].ClientMsgID == p.ClientMsgID {
			s.mergeLocked(p.ConversationID, Message{
				ID:          p.ServerMsgID,
				ClientMsgID: p.ClientMsgID,
				Sender:      msgs[i].Sender,
				Text:        msgs[i].Text,
				PostedAt:    p.ServerTS,
			})
			return
		}
	}
}

// ApplyHistory merges a page of older messages.
func (s *State) ApplyHistory(p v1.ConversationHistoryChunkPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range p.Messages {
		s.mergeLocked(p.ConversationID, Message{
			ID:          m.ServerMsgID,
			ClientMsgID: m.ClientMsgID,
			Sender:      m.Sender,
			Text:        m.Text,
			PostedAt:    m.ServerTS,
		})
	}
}

// ApplyPresence updates the online flag of contact rooms with that peer.
func (s *State) ApplyPresence(p v1.PresencePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rooms {
		if r.Kind == v1.KindContact && r.PeerID == p.UserID {
			r.Online = p.Online
		}
	}
}

// ApplyMembership adds room, or refreshes the summary of a room already known.
// Opening a room that arrives with a badge is handled like ApplyUnread.
func (s *State) ApplyMembership(room v1.RoomSummary) []Action {
	if room.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rooms[room.ID]
	if !ok {
		r := room
		s.rooms[room.ID] = &r
		s.order = append(s.order, room.ID)
		cur = &r
	} else {
		*cur = room
	}
	return s.unreadLocked(cur, room.Unread)
}

// ApplyUnread sets the badge for a room. For the open room it keeps the badge
// at zero and asks the server to reset instead.
func (s *State) ApplyUnread(p v1.UnreadPayload) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[p.ConversationID]
	if !ok {
		return nil
	}
	return s.unreadLocked(room, p.Count)
}

func (s *State) unreadLocked(room *v1.RoomSummary, count int) []Action {
	if s.open == room.ID {
		room.Unread = 0
		if count > 0 {
			return []Action{ResetUnread{ConversationID: room.ID, Kind: room.Kind}}
		}
		return nil
	}
	room.Unread = count
	return nil
}

// AddPending records a message this client is about to send.
func (s *State) AddPending(conversationID, clientMsgID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeLocked(conversationID, Message{
		ClientMsgID: clientMsgID,
		Sender:      s.userID,
		Text:        text,
		Pending:     true,
	})
}

// Open marks roomID as displayed. A non-zero badge is cleared locally and
// returned as a reset for the server.
func (s *State) Open(roomID string) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = roomID
	room, ok := s.rooms[roomID]
	if !ok || room.Unread == 0 {
		return nil
	}
	room.Unread = 0
	return []Action{ResetUnread{ConversationID: room.ID, Kind: room.Kind}}
}

// Close clears the open room.
func (s *State) Close() {
	s.mu.Lock()
	s.open = ""
	s.mu.Unlock()
}

// OpenRoom returns the displayed room id.
func (s *State) OpenRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Rooms returns the room list in arrival order.
func (s *State) Rooms() []v1.RoomSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]v1.RoomSummary, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.rooms[id])
	}
	return out
}

// Room returns one room.
func (s *State) Room(id string) (v1.RoomSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return v1.RoomSummary{}, false
	}
	return *r, true
}

// Messages returns a copy of a room's sequence, oldest first.
func (s *State) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[roomID]...)
}

// mergeLocked inserts m keeping the sequence ordered. Every entry with the
// same server id, and every pending entry of the same sender with the same
// client id, is dropped first.
func (s *State) mergeLocked(roomID string, m Message) {
	msgs := s.messages[roomID][:0:0]
	for _, cur := range s.messages[roomID] {
		if !m.replaces(cur) {
			msgs = append(msgs, cur)
		}
	}
	at := sort.Search(len(msgs), func(i int) bool { return m.less(msgs[i]) })
	msgs = append(msgs, Message{})
	copy(msgs[at+1:], msgs[at:])
	msgs[at] = m
	s.messages[roomID] = msgs
}

func (m Message) replaces(cur Message) bool {
	if m.ID != "" && cur.ID == m.ID {
		return true
	}
	if m.ClientMsgID == "" || !cur.Pending || cur.ClientMsgID != m.ClientMsgID {
		return false
	}
	return m.Sender == "" || cur.Sender == "" || cur.Sender == m.Sender
}

func decode(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s: empty", ErrBadPayload, env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return nil
}
