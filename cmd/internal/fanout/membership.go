package fanout

import (
	"context"
	"strings"

	"zerochat/cmd/internal/conversation"
	"zerochat/cmd/internal/presence"
	v1 "zerochat/shared/contracts/realtime/v1"
)

// Session is what a freshly connected client learns about its rooms.
type Session struct {
	Rooms []v1.RoomSummary
}

// Connect loads userID's rooms, registers conn in the presence registry
// subscribed to them, and returns the room list with online flags for
// contact peers.
func (c *Coordinator) Connect(ctx context.Context, conn presence.Conn) (Session, error) {
	const op = "fanout.Connect"

	if conn == nil || conn.UserID() == "" {
		return Session{}, opErr(op, ErrInvalidInput, nil)
	}
	userID := conn.UserID()

	rooms, err := c.store.ListRooms(ctx, userID)
	if err != nil {
		return Session{}, c.classify(op, err)
	}

	keys := make([]string, 0, len(rooms.Contacts)+len(rooms.Groups))
	peers := make([]string, 0, len(rooms.Contacts))
	for _, ct := range rooms.Contacts {
		keys = append(keys, presence.ThreadRoom(userID, ct.PeerID))
		peers = append(peers, ct.PeerID)
	}
	for _, g := range rooms.Groups {
		keys = append(keys, presence.GroupRoom(g.Group.ID))
	}

	online, err := c.registry.Join(userID, conn, keys, peers)
	if err != nil {
		return Session{}, opErr(op, ErrInvalidInput, err)
	}
	isOnline := make(map[string]bool, len(online))
	for _, u := range online {
		isOnline[u] = true
	}

	out := Session{Rooms: make([]v1.RoomSummary, 0, len(keys))}
	for _, ct := range rooms.Contacts {
		out.Rooms = append(out.Rooms, contactSummary(ct, isOnline[ct.PeerID]))
	}
	for _, g := range rooms.Groups {
		out.Rooms = append(out.Rooms, groupSummary(g.Group, g.Membership.Unread))
	}
	return out, nil
}

// Disconnect unregisters conn and reports whether the user went offline.
func (c *Coordinator) Disconnect(conn presence.Conn) bool {
	return c.registry.Leave(conn)
}

// ContactResult answers AddContact.
type ContactResult struct {
	Room       v1.RoomSummary
	PeerOnline bool
	Created    bool
}

// AddContact creates the contact thread between ownerID and peerID (both
// edges), subscribes both users' live connections to the thread room, and,
// when the thread is new, announces it to the peer and to the owner's other
// sessions.
func (c *Coordinator) AddContact(ctx context.Context, ownerID, peerID, exceptSession string) (ContactResult, error) {
	const op = "fanout.AddContact"

	ownerID, peerID = strings.TrimSpace(ownerID), strings.TrimSpace(peerID)
	if ownerID == "" || peerID == "" || ownerID == peerID {
		return ContactResult{}, opErr(op, ErrInvalidInput, nil)
	}

	now := c.now().UTC()
	ownerEdge, err := c.newID(now)
	if err != nil {
		return ContactResult{}, opErr(op, ErrStorage, err)
	}
	peerEdge, err := c.newID(now)
	if err != nil {
		return ContactResult{}, opErr(op, ErrStorage, err)
	}

	pair, err := c.store.CreateContact(ctx, conversation.NewContact{
		OwnerEdgeID: ownerEdge,
		PeerEdgeID:  peerEdge,
		OwnerID:     ownerID,
		PeerID:      peerID,
		Now:         now,
	})
	if err != nil {
		return ContactResult{}, c.classify(op, err)
	}

	thread := presence.ThreadRoom(ownerID, peerID)
	c.registry.AddRooms(ownerID, thread)
	c.registry.AddRooms(peerID, thread)

	peerOnline := c.registry.IsOnline(peerID)
	res := ContactResult{
		Room:       contactSummary(pair.Owner, peerOnline),
		PeerOnline: peerOnline,
		Created:    pair.Created,
	}

	if pair.Created {
		c.announce(peerID, contactSummary(pair.Peer, c.registry.IsOnline(ownerID)), "")
		c.announce(ownerID, res.Room, exceptSession)
	}

	c.log.Info("fanout.contact.add", "owner_id", ownerID, "peer_id", peerID, "contact_id", pair.Owner.ID, "created", pair.Created)
	return res, nil
}

// SetBlocked sets the blocked flag on one of userID's contact edges and
// pushes the updated room to all of the user's sessions.
func (c *Coordinator) SetBlocked(ctx context.Context, userID, contactID string, blocked bool) (v1.RoomSummary, error) {
	const op = "fanout.SetBlocked"

	ct, err := c.store.SetContactBlocked(ctx, contactID, userID, blocked)
	if err != nil {
		return v1.RoomSummary{}, c.classify(op, err)
	}
	room := contactSummary(ct, c.registry.IsOnline(ct.PeerID))
	c.announce(userID, room, "")

	c.log.Info("fanout.contact.block", "user_id", userID, "contact_id", contactID, "blocked", blocked)
	return room, nil
}

// GroupInput describes a new group.
type GroupInput struct {
	CreatorID   string
	Name        string
	Description string
	Image       string
	MemberIDs   []string
}

// CreateGroup persists a group with its creator as admin, subscribes every
// connected member to the group room and announces the group to each member.
func (c *Coordinator) CreateGroup(ctx context.Context, in GroupInput, exceptSession string) (v1.RoomSummary, error) {
	const op = "fanout.CreateGroup"

	name := strings.TrimSpace(in.Name)
	if name == "" || strings.TrimSpace(in.CreatorID) == "" {
		return v1.RoomSummary{}, opErr(op, ErrInvalidInput, nil)
	}

	now := c.now().UTC()
	newIDs := func(n int) ([]string, error) {
		out := make([]string, n)
		for i := range out {
			id, err := c.newID(now)
			if err != nil {
				return nil, err
			}
			out[i] = id
		}
		return out, nil
	}
	gen, err := newIDs(2 + len(in.MemberIDs))
	if err != nil {
		return v1.RoomSummary{}, opErr(op, ErrStorage, err)
	}

	g, mems, err := c.store.CreateGroup(ctx, conversation.NewGroup{
		ID:            gen[0],
		Name:          name,
		Description:   strings.TrimSpace(in.Description),
		Image:         strings.TrimSpace(in.Image),
		CreatedBy:     in.CreatorID,
		CreatorMemID:  gen[1],
		MemberIDs:     in.MemberIDs,
		MembershipIDs: gen[2:],
		Now:           now,
	})
	if err != nil {
		return v1.RoomSummary{}, c.classify(op, err)
	}

	room := groupSummary(g, 0)
	key := presence.GroupRoom(g.ID)
	for _, m := range mems {
		c.registry.AddRooms(m.UserID, key)
		except := ""
		if m.UserID == in.CreatorID {
			except = exceptSession
		}
		c.announce(m.UserID, room, except)
	}

	c.log.Info("fanout.group.create", "group_id", g.ID, "created_by", in.CreatorID, "members", len(mems))
	return room, nil
}

// AddGroupMember adds userID to groupID on behalf of actorID, who must be an
// admin of the group. Adding an existing member is a no-op.
func (c *Coordinator) AddGroupMember(ctx context.Context, actorID, groupID, userID string) (v1.RoomSummary, error) {
	const op = "fanout.AddGroupMember"

	if strings.TrimSpace(userID) == "" || strings.TrimSpace(groupID) == "" {
		return v1.RoomSummary{}, opErr(op, ErrInvalidInput, nil)
	}

	rooms, err := c.store.ListRooms(ctx, actorID)
	if err != nil {
		return v1.RoomSummary{}, c.classify(op, err)
	}
	var actor *conversation.GroupRoom
	for i := range rooms.Groups {
		if rooms.Groups[i].Group.ID == groupID {
			actor = &rooms.Groups[i]
			break
		}
	}
	if actor == nil {
		return v1.RoomSummary{}, opErr(op, ErrInvalidConversation, nil)
	}
	if actor.Membership.Role != conversation.RoleAdmin {
		return v1.RoomSummary{}, opErr(op, ErrForbidden, nil)
	}

	memID, err := c.newID(c.now().UTC())
	if err != nil {
		return v1.RoomSummary{}, opErr(op, ErrStorage, err)
	}
	m, created, err := c.store.AddGroupMember(ctx, conversation.NewMembership{
		ID:      memID,
		GroupID: groupID,
		UserID:  userID,
		Role:    conversation.RoleMember,
		Now:     c.now().UTC(),
	})
	if err != nil {
		return v1.RoomSummary{}, c.classify(op, err)
	}

	room := groupSummary(actor.Group, m.Unread)
	if created {
		c.registry.AddRooms(userID, presence.GroupRoom(groupID))
		c.announce(userID, room, "")
	}

	c.log.Info("fanout.group.member.add", "group_id", groupID, "actor_id", actorID, "user_id", userID, "created", created)
	return room, nil
}

func (c *Coordinator) announce(userID string, room v1.RoomSummary, exceptSession string) {
	c.registry.PublishToUser(userID, presence.Event{
		Type:    v1.TypeMembership,
		Payload: v1.MembershipPayload{Room: room},
	}, exceptSession)
}

func contactSummary(ct conversation.Contact, online bool) v1.RoomSummary {
	return v1.RoomSummary{
		ID:      ct.ID,
		Kind:    v1.KindContact,
		PeerID:  ct.PeerID,
		Online:  online,
		Unread:  ct.Unread,
		Blocked: ct.Blocked,
		Active:  ct.Active,
	}
}

func groupSummary(g conversation.Group, unreadCount int) v1.RoomSummary {
	return v1.RoomSummary{
		ID:              g.ID,
		Kind:            v1.KindGroup,
		Name:            g.Name,
		Unread:          unreadCount,
		LastMessageText: g.LastMessageText,
		LastMessageFrom: g.LastMessageSender,
		LastMessageAt:   g.LastMessageTime,
	}
}
