// Package conversation defines the chat data model (contacts, groups,
// memberships, messages) and the Store contract the realtime core persists
// through, with memory, Postgres and MongoDB backends.
package conversation

import (
	"strings"
	"time"
)

// Kind distinguishes the two conversation shapes. Both are addressed as rooms.
type Kind string

const (
	KindContact Kind = "contact"
	KindGroup   Kind = "group"
)

// ParseKind validates a wire kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindContact:
		return KindContact, true
	case KindGroup:
		return KindGroup, true
	default:
		return "", false
	}
}

func (k Kind) String() string { return string(k) }

// Role of a group member.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Contact is one directed edge of a contact thread: OwnerID's view of PeerID.
// The reverse edge is a distinct record with its own unread counter.
type Contact struct {
	ID        string
	OwnerID   string
	PeerID    string
	Unread    int
	Blocked   bool
	Active    bool
	CreatedAt time.Time
}

// Group is a named conversation among members. The last-message summary
// drives list ordering; a new group starts with ("", CreatedBy, CreatedAt).
type Group struct {
	ID                string
	Name              string
	Description       string
	Image             string
	CreatedBy         string
	LastMessageSender string
	LastMessageText   string
	LastMessageTime   time.Time
	CreatedAt         time.Time
}

// Membership links a user to a group.
type Membership struct {
	ID       string
	GroupID  string
	UserID   string
	Role     Role
	Unread   int
	JoinedAt time.Time
}

// Message is immutable once stored. ConversationID is the sender's view id
// (their contact edge, or the group id). ClientMsgID is the sender's own
// correlation id, empty when the client sent none.
type Message struct {
	ID             string
	Kind           Kind
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Body           string
	PostedAt       time.Time
}

// Conversation is the resolved target of a message.
// Exactly one of Contact or Group is set, matching Kind.
type Conversation struct {
	Kind    Kind
	ID      string
	Contact *Contact
	Group   *Group
}

// Participant is a user taking part in a conversation together with that
// user's own view id of it. Unread counters are keyed by (UserID, ConversationID).
type Participant struct {
	UserID         string
	ConversationID string
	Blocked        bool
}

// GroupRoom is a group as seen by one member.
type GroupRoom struct {
	Group      Group
	Membership Membership
}

// Rooms lists everything a user belongs to. Groups are ordered by the last
// message time, newest first.
type Rooms struct {
	Contacts []Contact
	Groups   []GroupRoom
}

// ContactPair is the result of creating a contact thread.
type ContactPair struct {
	Owner   Contact
	Peer    Contact
	Created bool
}

// NewMessage is the input of Store.InsertMessage.
type NewMessage struct {
	ID             string
	Kind           Kind
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Body           string
	PostedAt       time.Time
}

// GroupSummary is the input of Store.UpdateGroupSummary.
type GroupSummary struct {
	GroupID  string
	SenderID string
	Text     string
	At       time.Time
}

// NewContact is the input of Store.CreateContact. The ids name the owner's
// edge and the reverse edge; they are used only when the edges do not exist.
type NewContact struct {
	OwnerEdgeID string
	PeerEdgeID  string
	OwnerID     string
	PeerID      string
	Now         time.Time
}

// NewGroup is the input of Store.CreateGroup. The creator becomes admin;
// Members get RoleMember. MemberIDs are parallel to MembershipIDs.
type NewGroup struct {
	ID            string
	Name          string
	Description   string
	Image         string
	CreatedBy     string
	CreatorMemID  string
	MemberIDs     []string
	MembershipIDs []string
	Now           time.Time
}

// NewMembership is the input of Store.AddGroupMember.
type NewMembership struct {
	ID      string
	GroupID string
	UserID  string
	Role    Role
	Now     time.Time
}

// HistoryQuery asks for messages older than Before (a message id; empty
// means newest), at most Limit of them.
type HistoryQuery struct {
	Kind           Kind
	ConversationID string
	Before         string
	Limit          int
}

// HistoryPage holds messages oldest first.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

func messageLess(a, b Message) bool {
	if !a.PostedAt.Equal(b.PostedAt) {
		return a.PostedAt.Before(b.PostedAt)
	}
	return a.ID < b.ID
}
