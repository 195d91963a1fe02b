// Package fanout turns a submitted message into a durable record plus one
// push per recipient connection, keeping unread counters in step. It also
// announces membership changes (new contacts, groups, members) to the
// affected users.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"zerochat/cmd/internal/conversation"
	"zerochat/cmd/internal/ids"
	"zerochat/cmd/internal/metrics"
	"zerochat/cmd/internal/presence"
	"zerochat/cmd/internal/unread"
	v1 "zerochat/shared/contracts/realtime/v1"
)

// MaxMessageChars bounds a message body (runes).
const MaxMessageChars = 4000

// Coordinator runs submissions end to end.
type Coordinator struct {
	log      *slog.Logger
	store    conversation.Store
	registry *presence.Registry
	ledger   *unread.Ledger
	metrics  *metrics.Metrics

	now   func() time.Time
	newID ids.Generator
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDs overrides the id generator.
func WithIDs(gen ids.Generator) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithMetrics records submissions and storage failures into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New constructs a Coordinator.
func New(log *slog.Logger, store conversation.Store, registry *presence.Registry, ledger *unread.Ledger, opts ...Option) (*Coordinator, error) {
	if store == nil || registry == nil || ledger == nil {
		return nil, errors.New("fanout: nil dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		log:      log,
		store:    store,
		registry: registry,
		ledger:   ledger,
		now:      time.Now,
		newID:    ids.NewULID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SubmitInput is one message submission. ConversationID is the sender's own
// view id. Viewing reports whether a recipient currently displays the
// conversation; nil falls back to the presence registry.
type SubmitInput struct {
	SenderID       string
	SenderSession  string
	ConversationID string
	Kind           conversation.Kind
	Body           string
	ClientMsgID    string
	Viewing        func(userID, conversationID string) bool
}

// Recipient is the post-submission state of one non-sender participant.
type Recipient struct {
	UserID         string
	ConversationID string
	Unread         int
	Viewing        bool
	Delivered      int
	Failed         int
}

// SubmitResult carries the persisted message and the recipients' unread snapshot.
type SubmitResult struct {
	Message    conversation.Message
	Recipients []Recipient
}

// Submit validates, persists and fans out a message.
//
// Nothing is persisted, counted or pushed unless validation succeeds, and a
// storage failure aborts before any counter or push. Once the message is
// durable, per-recipient counter and push failures are logged and skipped.
func (c *Coordinator) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	const op = "fanout.Submit"

	body := strings.TrimSpace(in.Body)
	if body == "" {
		return SubmitResult{}, opErr(op, ErrEmptyMessage, nil)
	}
	if utf8.RuneCountInString(body) > MaxMessageChars {
		return SubmitResult{}, opErr(op, ErrMessageTooLong, nil)
	}
	if strings.TrimSpace(in.SenderID) == "" || strings.TrimSpace(in.ConversationID) == "" {
		return SubmitResult{}, opErr(op, ErrInvalidConversation, nil)
	}
	if in.Kind != conversation.KindContact && in.Kind != conversation.KindGroup {
		return SubmitResult{}, opErr(op, ErrInvalidConversation, nil)
	}

	parts, err := c.participants(ctx, op, in.Kind, in.ConversationID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !isSender(parts, in.SenderID, in.ConversationID) {
		return SubmitResult{}, opErr(op, ErrInvalidConversation, nil)
	}
	if in.Kind == conversation.KindContact {
		for _, p := range parts {
			if p.Blocked {
				return SubmitResult{}, opErr(op, ErrBlocked, nil)
			}
		}
	}

	// Mongo keeps milliseconds; truncating keeps every backend's order identical.
	now := c.now().UTC().Truncate(time.Millisecond)
	msgID, err := c.newID(now)
	if err != nil {
		return SubmitResult{}, opErr(op, ErrStorage, err)
	}

	msg, err := c.store.InsertMessage(ctx, conversation.NewMessage{
		ID:             msgID,
		Kind:           in.Kind,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ClientMsgID:    in.ClientMsgID,
		Body:           body,
		PostedAt:       now,
	})
	if err != nil {
		c.metrics.StorageError("insert_message")
		c.log.Error("fanout.persist.fail", "conversation_id", in.ConversationID, "sender", in.SenderID, "err", err)
		return SubmitResult{}, opErr(op, ErrStorage, err)
	}
	c.metrics.MessageSubmitted(string(in.Kind))

	if in.Kind == conversation.KindGroup {
		if err := c.store.UpdateGroupSummary(ctx, conversation.GroupSummary{
			GroupID:  in.ConversationID,
			SenderID: in.SenderID,
			Text:     body,
			At:       now,
		}); err != nil {
			c.metrics.StorageError("update_group_summary")
			c.log.Warn("fanout.summary.fail", "group_id", in.ConversationID, "err", err)
		}
	}

	viewing := in.Viewing
	if viewing == nil {
		viewing = c.registry.IsViewing
	}

	res := SubmitResult{Message: msg}
	for _, p := range parts {
		if p.UserID == in.SenderID {
			continue
		}
		res.Recipients = append(res.Recipients, c.deliver(ctx, msg, p, viewing(p.UserID, p.ConversationID)))
	}

	// Echo to the sender's other sessions so every tab shows the message.
	c.registry.PublishToUser(in.SenderID, presence.Event{
		Type:    v1.TypeMessageNew,
		Payload: MessagePayload(msg, in.ConversationID, 0),
	}, in.SenderSession)

	c.log.Info("fanout.submit",
		"conversation_id", in.ConversationID,
		"kind", string(in.Kind),
		"server_msg_id", msg.ID,
		"sender", in.SenderID,
		"recipients", len(res.Recipients),
	)
	return res, nil
}

// deliver updates one recipient's counter and pushes the message to all of
// their connections. A recipient whose counter cannot be read or bumped is
// skipped: the push would carry a wrong badge.
func (c *Coordinator) deliver(ctx context.Context, msg conversation.Message, p conversation.Participant, viewing bool) Recipient {
	r := Recipient{UserID: p.UserID, ConversationID: p.ConversationID, Viewing: viewing}
	if p.ConversationID == "" {
		c.log.Warn("fanout.recipient.noview", "user_id", p.UserID, "conversation_id", msg.ConversationID)
		return r
	}

	key := unread.Key{UserID: p.UserID, ConversationID: p.ConversationID, Kind: msg.Kind}
	var err error
	if unread.ShouldIncrement(p.UserID, msg.SenderID, viewing) {
		r.Unread, err = c.ledger.Increment(ctx, key)
	} else {
		r.Unread, err = c.ledger.Get(ctx, key)
	}
	if err != nil {
		c.log.Warn("fanout.unread.fail", "user_id", p.UserID, "conversation_id", p.ConversationID, "err", err)
		return r
	}

	pub := c.registry.PublishToUser(p.UserID, presence.Event{
		Type:    v1.TypeMessageNew,
		Payload: MessagePayload(msg, p.ConversationID, r.Unread),
	}, "")
	r.Delivered, r.Failed = pub.Delivered, pub.Failed
	if pub.Failed > 0 {
		c.log.Warn("fanout.push.fail", "user_id", p.UserID, "server_msg_id", msg.ID, "failed", pub.Failed)
	}
	return r
}

// ResetUnread zeroes userID's counter for the conversation and tells the
// user's other sessions. It returns the previous value.
func (c *Coordinator) ResetUnread(ctx context.Context, userID, conversationID string, kind conversation.Kind, exceptSession string) (int, error) {
	const op = "fanout.ResetUnread"

	prev, err := c.ledger.Reset(ctx, unread.Key{UserID: userID, ConversationID: conversationID, Kind: kind})
	if err != nil {
		return 0, c.classify(op, err)
	}

	c.registry.PublishToUser(userID, presence.Event{
		Type: v1.TypeUnread,
		Payload: v1.UnreadPayload{
			ConversationID: conversationID,
			Kind:           string(kind),
			Count:          0,
			Previous:       prev,
		},
	}, exceptSession)
	return prev, nil
}

// HistoryInput requests a page of history from userID's view of a conversation.
type HistoryInput struct {
	UserID         string
	ConversationID string
	Kind           conversation.Kind
	Before         string
	Limit          int
}

// History returns messages oldest first. Every message is labelled with the
// caller's view id, whichever contact edge it was stored under.
func (c *Coordinator) History(ctx context.Context, in HistoryInput) (conversation.HistoryPage, error) {
	const op = "fanout.History"

	// A counter slot exists exactly when the user participates.
	if _, err := c.ledger.Get(ctx, unread.Key{UserID: in.UserID, ConversationID: in.ConversationID, Kind: in.Kind}); err != nil {
		return conversation.HistoryPage{}, c.classify(op, err)
	}

	page, err := c.store.History(ctx, conversation.HistoryQuery{
		Kind:           in.Kind,
		ConversationID: in.ConversationID,
		Before:         in.Before,
		Limit:          in.Limit,
	})
	if err != nil {
		return conversation.HistoryPage{}, c.classify(op, err)
	}
	for i := range page.Messages {
		page.Messages[i].ConversationID = in.ConversationID
	}
	return page, nil
}

// Online returns the online subset of userIDs.
func (c *Coordinator) Online(userIDs []string) []string {
	return c.registry.Online(userIDs)
}

func (c *Coordinator) participants(ctx context.Context, op string, kind conversation.Kind, id string) ([]conversation.Participant, error) {
	parts, err := c.store.ListParticipants(ctx, kind, id)
	if err != nil {
		return nil, c.classify(op, err)
	}
	return parts, nil
}

// classify maps store and ledger errors onto the coordinator's kinds.
func (c *Coordinator) classify(op string, err error) error {
	switch {
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, conversation.ErrInvalidInput),
		errors.Is(err, unread.ErrInvalidKey):
		return opErr(op, ErrInvalidConversation, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		c.metrics.StorageError(op)
		return opErr(op, ErrStorage, err)
	}
}

func isSender(parts []conversation.Participant, senderID, conversationID string) bool {
	for _, p := range parts {
		if p.UserID == senderID && p.ConversationID == conversationID {
			return true
		}
	}
	return false
}

// MessagePayload renders m for a reader whose view id of the conversation is viewID.
func MessagePayload(m conversation.Message, viewID string, unreadCount int) v1.MessageNewPayload {
	return v1.MessageNewPayload{
		ConversationID: viewID,
		Kind:           string(m.Kind),
		ClientMsgID:    m.ClientMsgID,
		ServerMsgID:    m.ID,
		Sender:         m.SenderID,
		Text:           m.Body,
		ServerTS:       m.PostedAt,
		Unread:         unreadCount,
	}
}
