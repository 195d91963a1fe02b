package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"zerochat/cmd/internal/ids"
)

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("contact pair is directed and idempotent", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		a, b := uid(t), uid(t)

		pair := mustCreateContact(t, st, a, b)
		if !pair.Created {
			t.Fatalf("expected Created=true on first call")
		}
		if pair.Owner.OwnerID != a || pair.Owner.PeerID != b {
			t.Fatalf("owner edge mismatch: %+v", pair.Owner)
		}
		if pair.Peer.OwnerID != b || pair.Peer.PeerID != a {
			t.Fatalf("peer edge mismatch: %+v", pair.Peer)
		}
		if pair.Owner.ID == pair.Peer.ID {
			t.Fatalf("expected distinct edge ids")
		}

		again, err := st.CreateContact(ctx, NewContact{
			OwnerEdgeID: uid(t), PeerEdgeID: uid(t), OwnerID: a, PeerID: b,
		})
		if err != nil {
			t.Fatalf("CreateContact again: %v", err)
		}
		if again.Created || again.Owner.ID != pair.Owner.ID || again.Peer.ID != pair.Peer.ID {
			t.Fatalf("expected existing pair back, got %+v", again)
		}

		if _, err := st.CreateContact(ctx, NewContact{OwnerEdgeID: uid(t), PeerEdgeID: uid(t), OwnerID: a, PeerID: a}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("self contact: expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("contact participants carry their own view", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		a, b := uid(t), uid(t)
		pair := mustCreateContact(t, st, a, b)

		parts, err := st.ListParticipants(ctx, KindContact, pair.Owner.ID)
		if err != nil {
			t.Fatalf("ListParticipants: %v", err)
		}
		if len(parts) != 2 {
			t.Fatalf("expected 2 participants, got %d", len(parts))
		}
		if parts[0] != (Participant{UserID: a, ConversationID: pair.Owner.ID}) {
			t.Fatalf("owner participant: %+v", parts[0])
		}
		if parts[1] != (Participant{UserID: b, ConversationID: pair.Peer.ID}) {
			t.Fatalf("peer participant: %+v", parts[1])
		}

		if _, err := st.ListParticipants(ctx, KindContact, uid(t)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("unknown contact: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("insert activates both edges and history merges them", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		a, b := uid(t), uid(t)
		pair := mustCreateContact(t, st, a, b)

		base := time.Now().UTC().Truncate(time.Millisecond)
		mustInsert(t, st, KindContact, pair.Owner.ID, a, "hi", base)
		mustInsert(t, st, KindContact, pair.Peer.ID, b, "hey", base.Add(time.Millisecond))
		mustInsert(t, st, KindContact, pair.Owner.ID, a, "how are you", base.Add(2*time.Millisecond))

		for _, id := range []string{pair.Owner.ID, pair.Peer.ID} {
			conv, err := st.FindConversation(ctx, KindContact, id)
			if err != nil {
				t.Fatalf("FindConversation: %v", err)
			}
			if !conv.Contact.Active {
				t.Fatalf("expected edge %s active", id)
			}
		}

		page, err := st.History(ctx, HistoryQuery{Kind: KindContact, ConversationID: pair.Peer.ID, Limit: 2})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(page.Messages) != 2 || !page.HasMore {
			t.Fatalf("expected 2 messages + HasMore, got %d %v", len(page.Messages), page.HasMore)
		}
		if page.Messages[0].Body != "hey" || page.Messages[1].Body != "how are you" {
			t.Fatalf("unexpected order: %q %q", page.Messages[0].Body, page.Messages[1].Body)
		}

		older, err := st.History(ctx, HistoryQuery{Kind: KindContact, ConversationID: pair.Owner.ID, Before: page.Messages[0].ID})
		if err != nil {
			t.Fatalf("History before: %v", err)
		}
		if len(older.Messages) != 1 || older.Messages[0].Body != "hi" || older.HasMore {
			t.Fatalf("unexpected older page: %+v", older)
		}
	})

	t.Run("group creation seeds summary and memberships", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		creator, m1, m2 := uid(t), uid(t), uid(t)

		g, mems := mustCreateGroup(t, st, creator, m1, m2, m1)
		if g.LastMessageSender != creator || g.LastMessageText != "" || !g.LastMessageTime.Equal(g.CreatedAt) {
			t.Fatalf("unexpected initial summary: %+v", g)
		}
		if len(mems) != 3 {
			t.Fatalf("expected 3 memberships (dedup), got %d", len(mems))
		}
		if mems[0].UserID != creator || mems[0].Role != RoleAdmin {
			t.Fatalf("creator membership: %+v", mems[0])
		}

		parts, err := st.ListParticipants(ctx, KindGroup, g.ID)
		if err != nil {
			t.Fatalf("ListParticipants: %v", err)
		}
		if len(parts) != 3 {
			t.Fatalf("expected 3 participants, got %d", len(parts))
		}
		for _, p := range parts {
			if p.ConversationID != g.ID {
				t.Fatalf("group participant view should be group id: %+v", p)
			}
		}

		m, created, err := st.AddGroupMember(ctx, NewMembership{ID: uid(t), GroupID: g.ID, UserID: m1})
		if err != nil {
			t.Fatalf("AddGroupMember dup: %v", err)
		}
		if created || m.UserID != m1 {
			t.Fatalf("expected existing membership, got created=%v %+v", created, m)
		}

		newbie := uid(t)
		m, created, err = st.AddGroupMember(ctx, NewMembership{ID: uid(t), GroupID: g.ID, UserID: newbie})
		if err != nil || !created || m.Role != RoleMember {
			t.Fatalf("AddGroupMember new: created=%v m=%+v err=%v", created, m, err)
		}

		if _, _, err := st.AddGroupMember(ctx, NewMembership{ID: uid(t), GroupID: uid(t), UserID: newbie}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("unknown group: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("group summary is monotonic and orders room list", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		u := uid(t)

		g1, _ := mustCreateGroup(t, st, u)
		g2, _ := mustCreateGroup(t, st, u)

		later := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
		if err := st.UpdateGroupSummary(ctx, GroupSummary{GroupID: g1.ID, SenderID: u, Text: "newest", At: later}); err != nil {
			t.Fatalf("UpdateGroupSummary: %v", err)
		}
		if err := st.UpdateGroupSummary(ctx, GroupSummary{GroupID: g1.ID, SenderID: u, Text: "stale", At: later.Add(-time.Second)}); err != nil {
			t.Fatalf("UpdateGroupSummary stale: %v", err)
		}

		rooms, err := st.ListRooms(ctx, u)
		if err != nil {
			t.Fatalf("ListRooms: %v", err)
		}
		if len(rooms.Groups) != 2 {
			t.Fatalf("expected 2 groups, got %d", len(rooms.Groups))
		}
		if rooms.Groups[0].Group.ID != g1.ID || rooms.Groups[0].Group.LastMessageText != "newest" {
			t.Fatalf("expected g1 first with newest summary, got %+v", rooms.Groups[0].Group)
		}
		if rooms.Groups[1].Group.ID != g2.ID {
			t.Fatalf("expected g2 second")
		}

		if err := st.UpdateGroupSummary(ctx, GroupSummary{GroupID: uid(t), SenderID: u, At: later}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("unknown group: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("unread counters are per view and reset returns previous", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		a, b := uid(t), uid(t)
		pair := mustCreateContact(t, st, a, b)

		for i := 1; i <= 3; i++ {
			n, err := st.IncrementUnread(ctx, KindContact, pair.Peer.ID, b)
			if err != nil {
				t.Fatalf("IncrementUnread: %v", err)
			}
			if n != i {
				t.Fatalf("expected %d, got %d", i, n)
			}
		}
		if n, _ := st.Unread(ctx, KindContact, pair.Owner.ID, a); n != 0 {
			t.Fatalf("owner edge should be untouched, got %d", n)
		}

		prev, err := st.ResetUnread(ctx, KindContact, pair.Peer.ID, b)
		if err != nil || prev != 3 {
			t.Fatalf("ResetUnread: prev=%d err=%v", prev, err)
		}
		prev, err = st.ResetUnread(ctx, KindContact, pair.Peer.ID, b)
		if err != nil || prev != 0 {
			t.Fatalf("ResetUnread again: prev=%d err=%v", prev, err)
		}

		if _, err := st.IncrementUnread(ctx, KindContact, pair.Peer.ID, a); !errors.Is(err, ErrNotFound) {
			t.Fatalf("wrong owner: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent increments lose nothing", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		u := uid(t)
		g, _ := mustCreateGroup(t, st, u)

		const n = 25
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := st.IncrementUnread(ctx, KindGroup, g.ID, u); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("IncrementUnread: %v", err)
		}

		got, err := st.Unread(ctx, KindGroup, g.ID, u)
		if err != nil || got != n {
			t.Fatalf("expected %d, got %d (err=%v)", n, got, err)
		}
	})

	t.Run("blocked flag is owner scoped", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		a, b := uid(t), uid(t)
		pair := mustCreateContact(t, st, a, b)

		c, err := st.SetContactBlocked(ctx, pair.Peer.ID, b, true)
		if err != nil || !c.Blocked {
			t.Fatalf("SetContactBlocked: %+v %v", c, err)
		}
		if _, err := st.SetContactBlocked(ctx, pair.Peer.ID, a, true); !errors.Is(err, ErrNotFound) {
			t.Fatalf("non-owner: expected ErrNotFound, got %v", err)
		}

		parts, err := st.ListParticipants(ctx, KindContact, pair.Owner.ID)
		if err != nil {
			t.Fatalf("ListParticipants: %v", err)
		}
		if parts[0].Blocked || !parts[1].Blocked {
			t.Fatalf("unexpected blocked flags: %+v", parts)
		}
	})

	t.Run("history returns the sender's client id", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		a, b := uid(t), uid(t)
		pair := mustCreateContact(t, st, a, b)
		at := time.Now().UTC().Truncate(time.Millisecond)

		if _, err := st.InsertMessage(ctx, NewMessage{
			ID: uid(t), Kind: KindContact, ConversationID: pair.Owner.ID, SenderID: a,
			ClientMsgID: "cm-1", Body: "tagged", PostedAt: at,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		mustInsert(t, st, KindContact, pair.Peer.ID, b, "untagged", at.Add(time.Millisecond))

		page, err := st.History(ctx, HistoryQuery{Kind: KindContact, ConversationID: pair.Peer.ID})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(page.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %+v", page.Messages)
		}
		if page.Messages[0].ClientMsgID != "cm-1" || page.Messages[1].ClientMsgID != "" {
			t.Fatalf("client ids not round-tripped: %+v", page.Messages)
		}
	})

	t.Run("insert into unknown conversation fails", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		_, err := st.InsertMessage(ctx, NewMessage{
			ID: uid(t), Kind: KindGroup, ConversationID: uid(t), SenderID: uid(t), Body: "x", PostedAt: time.Now().UTC(),
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func uid(t *testing.T) string {
	t.Helper()
	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	return id
}

func mustCreateContact(t *testing.T, st Store, owner, peer string) ContactPair {
	t.Helper()
	pair, err := st.CreateContact(testCtx(t), NewContact{
		OwnerEdgeID: uid(t), PeerEdgeID: uid(t), OwnerID: owner, PeerID: peer,
		Now: time.Now().UTC().Truncate(time.Millisecond),
	})
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	return pair
}

func mustCreateGroup(t *testing.T, st Store, creator string, members ...string) (Group, []Membership) {
	t.Helper()
	memIDs := make([]string, len(members))
	for i := range members {
		memIDs[i] = uid(t)
	}
	g, mems, err := st.CreateGroup(testCtx(t), NewGroup{
		ID:            uid(t),
		Name:          fmt.Sprintf("group-%s", creator[:6]),
		CreatedBy:     creator,
		CreatorMemID:  uid(t),
		MemberIDs:     members,
		MembershipIDs: memIDs,
		Now:           time.Now().UTC().Truncate(time.Millisecond),
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return g, mems
}

func mustInsert(t *testing.T, st Store, kind Kind, convID, sender, body string, at time.Time) Message {
	t.Helper()
	msg, err := st.InsertMessage(testCtx(t), NewMessage{
		ID: uid(t), Kind: kind, ConversationID: convID, SenderID: sender, Body: body, PostedAt: at,
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	return msg
}
