package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"zerochat/cmd/internal/conversation"
	"zerochat/cmd/internal/metrics"
	"zerochat/cmd/internal/presence"
	"zerochat/cmd/internal/unread"
	v1 "zerochat/shared/contracts/realtime/v1"
)

type fakeConn struct {
	sid, uid string
	fail     error

	mu     sync.Mutex
	events []presence.Event
}

func (c *fakeConn) SessionID() string { return c.sid }
func (c *fakeConn) UserID() string    { return c.uid }

func (c *fakeConn) Push(ev presence.Event) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ofType(typ string) []presence.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []presence.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// failingStore fails InsertMessage while delegating everything else.
type failingStore struct {
	*conversation.InMemoryStore
}

func (failingStore) InsertMessage(context.Context, conversation.NewMessage) (conversation.Message, error) {
	return conversation.Message{}, errors.New("disk on fire")
}

// unreadFailStore fails counter updates for one user.
type unreadFailStore struct {
	*conversation.InMemoryStore
	user string
}

func (s unreadFailStore) IncrementUnread(ctx context.Context, kind conversation.Kind, convID, userID string) (int, error) {
	if userID == s.user {
		return 0, errors.New("counter unavailable")
	}
	return s.InMemoryStore.IncrementUnread(ctx, kind, convID, userID)
}

type harness struct {
	store    conversation.Store
	mem      *conversation.InMemoryStore
	registry *presence.Registry
	metrics  *metrics.Metrics
	coord    *Coordinator
}

func newHarness(t *testing.T, wrap func(*conversation.InMemoryStore) conversation.Store) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := conversation.NewInMemoryStore()
	var st conversation.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	m := metrics.New(prometheus.NewRegistry())
	reg := presence.NewRegistry(log, m)
	ledger, err := unread.NewLedger(log, st, m)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	coord, err := New(log, st, reg, ledger, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{store: st, mem: mem, registry: reg, metrics: m, coord: coord}
}

func (h *harness) connect(t *testing.T, uid, sid string) *fakeConn {
	t.Helper()
	c := &fakeConn{uid: uid, sid: sid}
	if _, err := h.coord.Connect(context.Background(), c); err != nil {
		t.Fatalf("Connect %s: %v", uid, err)
	}
	return c
}

func (h *harness) contact(t *testing.T, a, b string) (string, string) {
	t.Helper()
	res, err := h.coord.AddContact(context.Background(), a, b, "")
	if err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	parts, err := h.store.ListParticipants(context.Background(), conversation.KindContact, res.Room.ID)
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	return parts[0].ConversationID, parts[1].ConversationID
}

func (h *harness) unread(t *testing.T, kind conversation.Kind, convID, uid string) int {
	t.Helper()
	n, err := h.store.Unread(context.Background(), kind, convID, uid)
	if err != nil {
		t.Fatalf("Unread: %v", err)
	}
	return n
}

func TestSubmit_ContactRecipientOffline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	aEdge, bEdge := h.contact(t, "alice", "bob")

	a1 := h.connect(t, "alice", "s-a1")
	a2 := h.connect(t, "alice", "s-a2")

	res, err := h.coord.Submit(ctx, SubmitInput{
		SenderID: "alice", SenderSession: "s-a1", ConversationID: aEdge,
		Kind: conversation.KindContact, Body: "  hi bob  ", ClientMsgID: "c1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Message.Body != "hi bob" || res.Message.ConversationID != aEdge {
		t.Fatalf("unexpected message: %+v", res.Message)
	}
	if len(res.Recipients) != 1 {
		t.Fatalf("expected one recipient, got %d", len(res.Recipients))
	}
	r := res.Recipients[0]
	if r.UserID != "bob" || r.ConversationID != bEdge || r.Unread != 1 || r.Delivered != 0 {
		t.Fatalf("unexpected recipient snapshot: %+v", r)
	}
	if got := h.unread(t, conversation.KindContact, bEdge, "bob"); got != 1 {
		t.Fatalf("bob unread=%d want 1", got)
	}
	if got := h.unread(t, conversation.KindContact, aEdge, "alice"); got != 0 {
		t.Fatalf("sender unread must not change, got %d", got)
	}

	if len(a1.ofType(v1.TypeMessageNew)) != 0 {
		t.Fatalf("submitting connection must not receive its own message")
	}
	echo := a2.ofType(v1.TypeMessageNew)
	if len(echo) != 1 || echo[0].Payload.(v1.MessageNewPayload).ConversationID != aEdge {
		t.Fatalf("expected echo on alice's other session, got %+v", echo)
	}

	page, err := h.coord.History(ctx, HistoryInput{UserID: "bob", ConversationID: bEdge, Kind: conversation.KindContact})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ConversationID != bEdge {
		t.Fatalf("bob must see the message under his own view, got %+v", page.Messages)
	}
	if page.Messages[0].ClientMsgID != "c1" {
		t.Fatalf("history must carry the sender's client id, got %q", page.Messages[0].ClientMsgID)
	}
}

func TestSubmit_ViewingRecipientIsNotIncremented(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	aEdge, bEdge := h.contact(t, "alice", "bob")

	bob := h.connect(t, "bob", "s-b")
	h.registry.SetViewing("s-b", bEdge)

	res, err := h.coord.Submit(ctx, SubmitInput{
		SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindContact, Body: "look",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Recipients[0].Viewing || res.Recipients[0].Unread != 0 {
		t.Fatalf("expected viewing recipient with unread 0, got %+v", res.Recipients[0])
	}
	pushed := bob.ofType(v1.TypeMessageNew)
	if len(pushed) != 1 {
		t.Fatalf("viewing recipient still receives the push, got %d", len(pushed))
	}
	p := pushed[0].Payload.(v1.MessageNewPayload)
	if p.ConversationID != bEdge || p.Unread != 0 || p.Text != "look" {
		t.Fatalf("unexpected payload: %+v", p)
	}

	h.registry.SetViewing("s-b", "")
	if _, err := h.coord.Submit(ctx, SubmitInput{
		SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindContact, Body: "again",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := h.unread(t, conversation.KindContact, bEdge, "bob"); got != 1 {
		t.Fatalf("bob unread=%d want 1 once not viewing", got)
	}
}

func TestSubmit_GroupCountsAndSummary(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, nil)
	h.coord.now = func() time.Time { return fixed }
	ctx := context.Background()

	room, err := h.coord.CreateGroup(ctx, GroupInput{CreatorID: "alice", Name: "team", MemberIDs: []string{"bob", "carol"}}, "")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	h.coord.now = func() time.Time { return fixed.Add(time.Minute) }
	res, err := h.coord.Submit(ctx, SubmitInput{
		SenderID: "alice", ConversationID: room.ID, Kind: conversation.KindGroup, Body: "standup",
		Viewing: func(userID, _ string) bool { return userID == "carol" },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(res.Recipients))
	}
	if got := h.unread(t, conversation.KindGroup, room.ID, "bob"); got != 1 {
		t.Fatalf("bob unread=%d want 1", got)
	}
	if got := h.unread(t, conversation.KindGroup, room.ID, "carol"); got != 0 {
		t.Fatalf("carol unread=%d want 0 (viewing)", got)
	}
	if got := h.unread(t, conversation.KindGroup, room.ID, "alice"); got != 0 {
		t.Fatalf("alice unread=%d want 0 (sender)", got)
	}

	conv, err := h.store.FindConversation(ctx, conversation.KindGroup, room.ID)
	if err != nil {
		t.Fatalf("FindConversation: %v", err)
	}
	g := conv.Group
	if g.LastMessageText != "standup" || g.LastMessageSender != "alice" || !g.LastMessageTime.Equal(fixed.Add(time.Minute)) {
		t.Fatalf("summary not updated: %+v", g)
	}

	if got := testutil.ToFloat64(h.metrics.MessagesSubmitted.WithLabelValues("group")); got != 1 {
		t.Fatalf("messages_submitted{group}=%v want 1", got)
	}
}

func TestSubmit_ValidationFailuresLeaveNoTrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	aEdge, bEdge := h.contact(t, "alice", "bob")
	bob := h.connect(t, "bob", "s-b")

	cases := []struct {
		name string
		in   SubmitInput
		want error
	}{
		{"unknown conversation", SubmitInput{SenderID: "alice", ConversationID: "nope", Kind: conversation.KindContact, Body: "x"}, ErrInvalidConversation},
		{"not the edge owner", SubmitInput{SenderID: "bob", ConversationID: aEdge, Kind: conversation.KindContact, Body: "x"}, ErrInvalidConversation},
		{"outsider", SubmitInput{SenderID: "mallory", ConversationID: aEdge, Kind: conversation.KindContact, Body: "x"}, ErrInvalidConversation},
		{"bad kind", SubmitInput{SenderID: "alice", ConversationID: aEdge, Kind: "room", Body: "x"}, ErrInvalidConversation},
		{"wrong kind", SubmitInput{SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindGroup, Body: "x"}, ErrInvalidConversation},
		{"empty body", SubmitInput{SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindContact, Body: "   "}, ErrEmptyMessage},
		{"too long", SubmitInput{SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindContact, Body: strings.Repeat("é", MaxMessageChars+1)}, ErrMessageTooLong},
	}
	for _, tc := range cases {
		_, err := h.coord.Submit(ctx, tc.in)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		var op OpError
		if !errors.As(err, &op) || op.Op != "fanout.Submit" {
			t.Fatalf("%s: expected OpError from fanout.Submit, got %T", tc.name, err)
		}
	}

	if got := h.unread(t, conversation.KindContact, bEdge, "bob"); got != 0 {
		t.Fatalf("no counter may change on rejected submissions, got %d", got)
	}
	if len(bob.ofType(v1.TypeMessageNew)) != 0 {
		t.Fatalf("no push may happen on rejected submissions")
	}
	page, _ := h.store.History(ctx, conversation.HistoryQuery{Kind: conversation.KindContact, ConversationID: aEdge})
	if len(page.Messages) != 0 {
		t.Fatalf("nothing may be persisted, got %d", len(page.Messages))
	}
}

func TestSubmit_StorageFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(m *conversation.InMemoryStore) conversation.Store { return failingStore{m} })
	ctx := context.Background()
	aEdge, bEdge := h.contact(t, "alice", "bob")
	bob := h.connect(t, "bob", "s-b")

	_, err := h.coord.Submit(ctx, SubmitInput{SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindContact, Body: "x"})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("cause should be preserved, got %v", err)
	}
	if got := h.unread(t, conversation.KindContact, bEdge, "bob"); got != 0 {
		t.Fatalf("counter must not change after storage failure, got %d", got)
	}
	if len(bob.ofType(v1.TypeMessageNew)) != 0 {
		t.Fatalf("no push after storage failure")
	}
	if got := testutil.ToFloat64(h.metrics.StorageErrors.WithLabelValues("insert_message")); got != 1 {
		t.Fatalf("storage_errors{insert_message}=%v want 1", got)
	}
}

func TestSubmit_PushFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	aEdge, bEdge := h.contact(t, "alice", "bob")

	stuck := &fakeConn{uid: "bob", sid: "s-stuck", fail: presence.ErrQueueFull}
	if _, err := h.coord.Connect(ctx, stuck); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ok := h.connect(t, "bob", "s-ok")

	res, err := h.coord.Submit(ctx, SubmitInput{SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindContact, Body: "x"})
	if err != nil {
		t.Fatalf("Submit must succeed despite push failure: %v", err)
	}
	r := res.Recipients[0]
	if r.Delivered != 1 || r.Failed != 1 || r.Unread != 1 {
		t.Fatalf("unexpected recipient outcome: %+v", r)
	}
	if len(ok.ofType(v1.TypeMessageNew)) != 1 {
		t.Fatalf("healthy connection must still receive the push")
	}
	if got := h.unread(t, conversation.KindContact, bEdge, "bob"); got != 1 {
		t.Fatalf("bob unread=%d want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.PushesFailed.WithLabelValues(v1.TypeMessageNew)); got != 1 {
		t.Fatalf("pushes_failed{message_new}=%v want 1", got)
	}
}

func TestSubmit_UnreadFailureSkipsRecipient(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(m *conversation.InMemoryStore) conversation.Store {
		return unreadFailStore{InMemoryStore: m, user: "bob"}
	})
	ctx := context.Background()

	room, err := h.coord.CreateGroup(ctx, GroupInput{CreatorID: "alice", Name: "ops", MemberIDs: []string{"bob", "carol"}}, "")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	gid := room.ID
	bob := h.connect(t, "bob", "s-b")
	carol := h.connect(t, "carol", "s-c")

	res, err := h.coord.Submit(ctx, SubmitInput{SenderID: "alice", ConversationID: gid, Kind: conversation.KindGroup, Body: "deploy"})
	if err != nil {
		t.Fatalf("Submit must succeed once persisted: %v", err)
	}

	if len(bob.ofType(v1.TypeMessageNew)) != 0 {
		t.Fatalf("a recipient whose counter failed must not get a push with a wrong badge")
	}
	pushed := carol.ofType(v1.TypeMessageNew)
	if len(pushed) != 1 || pushed[0].Payload.(v1.MessageNewPayload).Unread != 1 {
		t.Fatalf("other recipients proceed, got %+v", pushed)
	}
	for _, r := range res.Recipients {
		if r.UserID == "bob" && r.Delivered != 0 {
			t.Fatalf("bob must be skipped, got %+v", r)
		}
	}
	if got := testutil.ToFloat64(h.metrics.StorageErrors.WithLabelValues("increment_unread")); got != 1 {
		t.Fatalf("storage_errors{increment_unread}=%v want 1", got)
	}
}

func TestSubmit_BlockedContactRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	aEdge, bEdge := h.contact(t, "alice", "bob")

	if _, err := h.coord.SetBlocked(ctx, "bob", bEdge, true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	if _, err := h.coord.Submit(ctx, SubmitInput{SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindContact, Body: "x"}); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if _, err := h.coord.SetBlocked(ctx, "alice", bEdge, true); !errors.Is(err, ErrInvalidConversation) {
		t.Fatalf("blocking someone else's edge: expected ErrInvalidConversation, got %v", err)
	}
}

func TestResetUnread_ReturnsPreviousAndSyncsOtherSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	aEdge, bEdge := h.contact(t, "alice", "bob")

	for i := 0; i < 3; i++ {
		if _, err := h.coord.Submit(ctx, SubmitInput{SenderID: "alice", ConversationID: aEdge, Kind: conversation.KindContact, Body: "x"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	b1 := h.connect(t, "bob", "s-b1")
	b2 := h.connect(t, "bob", "s-b2")

	prev, err := h.coord.ResetUnread(ctx, "bob", bEdge, conversation.KindContact, "s-b1")
	if err != nil || prev != 3 {
		t.Fatalf("ResetUnread: prev=%d err=%v", prev, err)
	}
	if len(b1.ofType(v1.TypeUnread)) != 0 {
		t.Fatalf("caller session should not get the sync event")
	}
	evs := b2.ofType(v1.TypeUnread)
	if len(evs) != 1 || evs[0].Payload.(v1.UnreadPayload).Count != 0 {
		t.Fatalf("expected unread sync on other session, got %+v", evs)
	}

	prev, err = h.coord.ResetUnread(ctx, "bob", bEdge, conversation.KindContact, "")
	if err != nil || prev != 0 {
		t.Fatalf("second reset: prev=%d err=%v", prev, err)
	}

	if _, err := h.coord.ResetUnread(ctx, "mallory", bEdge, conversation.KindContact, ""); !errors.Is(err, ErrInvalidConversation) {
		t.Fatalf("outsider reset: expected ErrInvalidConversation, got %v", err)
	}
}

func TestHistory_RejectsOutsider(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	aEdge, _ := h.contact(t, "alice", "bob")

	_, err := h.coord.History(context.Background(), HistoryInput{UserID: "mallory", ConversationID: aEdge, Kind: conversation.KindContact})
	if !errors.Is(err, ErrInvalidConversation) {
		t.Fatalf("expected ErrInvalidConversation, got %v", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil dependencies")
	}
}
