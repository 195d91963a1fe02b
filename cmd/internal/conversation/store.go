package conversation

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a conversation, contact edge, group or
	// membership does not exist.
	ErrNotFound = errors.New("conversation: not found")
	// ErrInvalidInput is returned for structurally invalid requests.
	ErrInvalidInput = errors.New("conversation: invalid input")
)

// Store is the persistence contract of the realtime core.
//
// Requirements:
//   - IncrementUnread and ResetUnread are atomic per (kind, conversation, user)
//   - ResetUnread returns the value before the reset; resetting 0 is a no-op
//   - InsertMessage on a contact edge marks both edges active
//   - History for a contact edge covers messages stored under either edge
type Store interface {
	FindConversation(ctx context.Context, kind Kind, id string) (Conversation, error)
	ListParticipants(ctx context.Context, kind Kind, id string) ([]Participant, error)
	InsertMessage(ctx context.Context, in NewMessage) (Message, error)
	UpdateGroupSummary(ctx context.Context, in GroupSummary) error

	IncrementUnread(ctx context.Context, kind Kind, conversationID, userID string) (int, error)
	ResetUnread(ctx context.Context, kind Kind, conversationID, userID string) (int, error)
	Unread(ctx context.Context, kind Kind, conversationID, userID string) (int, error)

	History(ctx context.Context, in HistoryQuery) (HistoryPage, error)
	ListRooms(ctx context.Context, userID string) (Rooms, error)

	CreateContact(ctx context.Context, in NewContact) (ContactPair, error)
	SetContactBlocked(ctx context.Context, contactID, ownerID string, blocked bool) (Contact, error)
	CreateGroup(ctx context.Context, in NewGroup) (Group, []Membership, error)
	AddGroupMember(ctx context.Context, in NewMembership) (Membership, bool, error)

	Close() error
}

func validKind(k Kind) bool { return k == KindContact || k == KindGroup }

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func validateNewMessage(in NewMessage) error {
	if !validKind(in.Kind) || blank(in.ID) || blank(in.ConversationID) || blank(in.SenderID) || blank(in.Body) {
		return ErrInvalidInput
	}
	return nil
}

func validateNewContact(in NewContact) error {
	if blank(in.OwnerID) || blank(in.PeerID) || in.OwnerID == in.PeerID {
		return ErrInvalidInput
	}
	if blank(in.OwnerEdgeID) || blank(in.PeerEdgeID) || in.OwnerEdgeID == in.PeerEdgeID {
		return ErrInvalidInput
	}
	return nil
}

func validateNewGroup(in NewGroup) error {
	if blank(in.ID) || blank(in.Name) || blank(in.CreatedBy) || blank(in.CreatorMemID) {
		return ErrInvalidInput
	}
	if len(in.MemberIDs) != len(in.MembershipIDs) {
		return ErrInvalidInput
	}
	return nil
}

// groupMembers returns the creator followed by the distinct other members,
// paired with their membership ids.
func groupMembers(in NewGroup) ([]string, []string) {
	users := []string{in.CreatedBy}
	memIDs := []string{in.CreatorMemID}
	seen := map[string]struct{}{in.CreatedBy: {}}
	for i, u := range in.MemberIDs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		users = append(users, u)
		memIDs = append(memIDs, in.MembershipIDs[i])
	}
	return users, memIDs
}
