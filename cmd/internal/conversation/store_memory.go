package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// A single mutex guards all state; every operation is short and never
// blocks on I/O. Messages are kept for the life of the process.
type InMemoryStore struct {
	mu          sync.Mutex
	contacts    map[string]*Contact               // id -> edge
	pairs       map[[2]string]string              // (owner, peer) -> edge id
	groups      map[string]*Group                 // id -> group
	memberships map[string]map[string]*Membership // group id -> user id -> membership
	messages    map[string][]Message              // conversation id -> messages ordered by (PostedAt, ID)
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contacts:    make(map[string]*Contact),
		pairs:       make(map[[2]string]string),
		groups:      make(map[string]*Group),
		memberships: make(map[string]map[string]*Membership),
		messages:    make(map[string][]Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) FindConversation(ctx context.Context, kind Kind, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if !validKind(kind) || blank(id) {
		return Conversation{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case KindContact:
		c, ok := s.contacts[id]
		if !ok {
			return Conversation{}, ErrNotFound
		}
		cp := *c
		return Conversation{Kind: kind, ID: id, Contact: &cp}, nil
	default:
		g, ok := s.groups[id]
		if !ok {
			return Conversation{}, ErrNotFound
		}
		gp := *g
		return Conversation{Kind: kind, ID: id, Group: &gp}, nil
	}
}

func (s *InMemoryStore) ListParticipants(ctx context.Context, kind Kind, id string) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validKind(kind) || blank(id) {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == KindContact {
		c, ok := s.contacts[id]
		if !ok {
			return nil, ErrNotFound
		}
		out := []Participant{{UserID: c.OwnerID, ConversationID: c.ID, Blocked: c.Blocked}}
		peer := Participant{UserID: c.PeerID}
		if rid, ok := s.pairs[[2]string{c.PeerID, c.OwnerID}]; ok {
			peer.ConversationID = rid
			peer.Blocked = s.contacts[rid].Blocked
		}
		return append(out, peer), nil
	}

	if _, ok := s.groups[id]; !ok {
		return nil, ErrNotFound
	}
	mems := make([]*Membership, 0, len(s.memberships[id]))
	for _, m := range s.memberships[id] {
		mems = append(mems, m)
	}
	sort.Slice(mems, func(i, j int) bool {
		if !mems[i].JoinedAt.Equal(mems[j].JoinedAt) {
			return mems[i].JoinedAt.Before(mems[j].JoinedAt)
		}
		return mems[i].ID < mems[j].ID
	})
	out := make([]Participant, 0, len(mems))
	for _, m := range mems {
		out = append(out, Participant{UserID: m.UserID, ConversationID: id})
	}
	return out, nil
}

func (s *InMemoryStore) InsertMessage(ctx context.Context, in NewMessage) (Message, error) {
	if err := validateNewMessage(in); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if in.PostedAt.IsZero() {
		in.PostedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch in.Kind {
	case KindContact:
		c, ok := s.contacts[in.ConversationID]
		if !ok {
			return Message{}, ErrNotFound
		}
		c.Active = true
		if rid, ok := s.pairs[[2]string{c.PeerID, c.OwnerID}]; ok {
			s.contacts[rid].Active = true
		}
	case KindGroup:
		if _, ok := s.groups[in.ConversationID]; !ok {
			return Message{}, ErrNotFound
		}
	}

	msg := Message(in)
	msgs := s.messages[in.ConversationID]
	i := sort.Search(len(msgs), func(i int) bool { return messageLess(msg, msgs[i]) })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.messages[in.ConversationID] = msgs

	return msg, nil
}

func (s *InMemoryStore) UpdateGroupSummary(ctx context.Context, in GroupSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if blank(in.GroupID) || blank(in.SenderID) {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[in.GroupID]
	if !ok {
		return ErrNotFound
	}
	if in.At.Before(g.LastMessageTime) {
		return nil
	}
	g.LastMessageSender = in.SenderID
	g.LastMessageText = in.Text
	g.LastMessageTime = in.At
	return nil
}

// counter returns the unread slot for (kind, conversation, user). Caller holds mu.
func (s *InMemoryStore) counter(kind Kind, conversationID, userID string) (*int, error) {
	switch kind {
	case KindContact:
		c, ok := s.contacts[conversationID]
		if !ok || c.OwnerID != userID {
			return nil, ErrNotFound
		}
		return &c.Unread, nil
	case KindGroup:
		m, ok := s.memberships[conversationID][userID]
		if !ok {
			return nil, ErrNotFound
		}
		return &m.Unread, nil
	default:
		return nil, ErrInvalidInput
	}
}

func (s *InMemoryStore) IncrementUnread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.counter(kind, conversationID, userID)
	if err != nil {
		return 0, err
	}
	*n++
	return *n, nil
}

func (s *InMemoryStore) ResetUnread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.counter(kind, conversationID, userID)
	if err != nil {
		return 0, err
	}
	prev := *n
	*n = 0
	return prev, nil
}

func (s *InMemoryStore) Unread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.counter(kind, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return *n, nil
}

func (s *InMemoryStore) History(ctx context.Context, in HistoryQuery) (HistoryPage, error) {
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}
	if !validKind(in.Kind) || blank(in.ConversationID) {
		return HistoryPage{}, ErrInvalidInput
	}
	limit := clampLimit(in.Limit)

	s.mu.Lock()
	var snap []Message
	switch in.Kind {
	case KindContact:
		c, ok := s.contacts[in.ConversationID]
		if !ok {
			s.mu.Unlock()
			return HistoryPage{}, ErrNotFound
		}
		snap = append(snap, s.messages[c.ID]...)
		if rid, ok := s.pairs[[2]string{c.PeerID, c.OwnerID}]; ok {
			snap = append(snap, s.messages[rid]...)
		}
	case KindGroup:
		if _, ok := s.groups[in.ConversationID]; !ok {
			s.mu.Unlock()
			return HistoryPage{}, ErrNotFound
		}
		snap = append(snap, s.messages[in.ConversationID]...)
	}
	s.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool { return messageLess(snap[i], snap[j]) })

	end := len(snap)
	if in.Before != "" {
		end = -1
		for i, m := range snap {
			if m.ID == in.Before {
				end = i
				break
			}
		}
		if end < 0 {
			return HistoryPage{}, ErrNotFound
		}
	}

	start := end - limit
	hasMore := start > 0
	if start < 0 {
		start = 0
	}
	out := append([]Message(nil), snap[start:end]...)
	return HistoryPage{Messages: out, HasMore: hasMore}, nil
}

func (s *InMemoryStore) ListRooms(ctx context.Context, userID string) (Rooms, error) {
	if err := ctx.Err(); err != nil {
		return Rooms{}, err
	}
	if blank(userID) {
		return Rooms{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out Rooms
	for _, c := range s.contacts {
		if c.OwnerID == userID {
			out.Contacts = append(out.Contacts, *c)
		}
	}
	sort.Slice(out.Contacts, func(i, j int) bool { return out.Contacts[i].ID < out.Contacts[j].ID })

	for gid, mems := range s.memberships {
		m, ok := mems[userID]
		if !ok {
			continue
		}
		out.Groups = append(out.Groups, GroupRoom{Group: *s.groups[gid], Membership: *m})
	}
	sort.Slice(out.Groups, func(i, j int) bool {
		a, b := out.Groups[i].Group, out.Groups[j].Group
		if !a.LastMessageTime.Equal(b.LastMessageTime) {
			return a.LastMessageTime.After(b.LastMessageTime)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *InMemoryStore) CreateContact(ctx context.Context, in NewContact) (ContactPair, error) {
	if err := validateNewContact(in); err != nil {
		return ContactPair{}, err
	}
	if err := ctx.Err(); err != nil {
		return ContactPair{}, err
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owner, created := s.ensureEdge(in.OwnerEdgeID, in.OwnerID, in.PeerID, in.Now)
	peer, _ := s.ensureEdge(in.PeerEdgeID, in.PeerID, in.OwnerID, in.Now)
	return ContactPair{Owner: *owner, Peer: *peer, Created: created}, nil
}

// ensureEdge returns the (owner, peer) edge, creating it with id when absent. Caller holds mu.
func (s *InMemoryStore) ensureEdge(id, ownerID, peerID string, now time.Time) (*Contact, bool) {
	key := [2]string{ownerID, peerID}
	if existing, ok := s.pairs[key]; ok {
		return s.contacts[existing], false
	}
	c := &Contact{ID: id, OwnerID: ownerID, PeerID: peerID, CreatedAt: now}
	s.contacts[id] = c
	s.pairs[key] = id
	return c, true
}

func (s *InMemoryStore) SetContactBlocked(ctx context.Context, contactID, ownerID string, blocked bool) (Contact, error) {
	if err := ctx.Err(); err != nil {
		return Contact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[contactID]
	if !ok || c.OwnerID != ownerID {
		return Contact{}, ErrNotFound
	}
	c.Blocked = blocked
	return *c, nil
}

func (s *InMemoryStore) CreateGroup(ctx context.Context, in NewGroup) (Group, []Membership, error) {
	if err := validateNewGroup(in); err != nil {
		return Group{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return Group{}, nil, err
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[in.ID]; exists {
		return Group{}, nil, ErrInvalidInput
	}

	g := &Group{
		ID:                in.ID,
		Name:              in.Name,
		Description:       in.Description,
		Image:             in.Image,
		CreatedBy:         in.CreatedBy,
		LastMessageSender: in.CreatedBy,
		LastMessageTime:   in.Now,
		CreatedAt:         in.Now,
	}
	s.groups[g.ID] = g

	users, memIDs := groupMembers(in)
	mems := make(map[string]*Membership, len(users))
	out := make([]Membership, 0, len(users))
	for i, u := range users {
		role := RoleMember
		if u == in.CreatedBy {
			role = RoleAdmin
		}
		m := &Membership{ID: memIDs[i], GroupID: g.ID, UserID: u, Role: role, JoinedAt: in.Now}
		mems[u] = m
		out = append(out, *m)
	}
	s.memberships[g.ID] = mems

	return *g, out, nil
}

func (s *InMemoryStore) AddGroupMember(ctx context.Context, in NewMembership) (Membership, bool, error) {
	if blank(in.ID) || blank(in.GroupID) || blank(in.UserID) {
		return Membership{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Membership{}, false, err
	}
	if in.Role == "" {
		in.Role = RoleMember
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[in.GroupID]; !ok {
		return Membership{}, false, ErrNotFound
	}
	if existing, ok := s.memberships[in.GroupID][in.UserID]; ok {
		return *existing, false, nil
	}
	m := &Membership{ID: in.ID, GroupID: in.GroupID, UserID: in.UserID, Role: in.Role, JoinedAt: in.Now}
	s.memberships[in.GroupID][in.UserID] = m
	return *m, true, nil
}
