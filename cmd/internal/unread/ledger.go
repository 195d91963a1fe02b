// Package unread owns the per-(user, conversation) unread counters.
//
// The ledger holds no counters itself: every operation is a single atomic
// update in the conversation store, so concurrent increments and resets on the
// same key serialize in storage and nothing is held across I/O here.
package unread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zerochat/cmd/internal/conversation"
	"zerochat/cmd/internal/metrics"
)

// ErrInvalidKey is returned for a key with a missing component.
var ErrInvalidKey = errors.New("unread: invalid key")

// Store is the subset of conversation.Store the ledger needs.
type Store interface {
	IncrementUnread(ctx context.Context, kind conversation.Kind, conversationID, userID string) (int, error)
	ResetUnread(ctx context.Context, kind conversation.Kind, conversationID, userID string) (int, error)
	Unread(ctx context.Context, kind conversation.Kind, conversationID, userID string) (int, error)
}

// Key addresses one counter. ConversationID is the user's own view id.
type Key struct {
	UserID         string
	ConversationID string
	Kind           conversation.Kind
}

func (k Key) valid() bool {
	return strings.TrimSpace(k.UserID) != "" &&
		strings.TrimSpace(k.ConversationID) != "" &&
		(k.Kind == conversation.KindContact || k.Kind == conversation.KindGroup)
}

// Ledger increments and resets unread counters.
type Ledger struct {
	log     *slog.Logger
	store   Store
	metrics *metrics.Metrics
}

// NewLedger constructs a Ledger. m may be nil.
func NewLedger(log *slog.Logger, store Store, m *metrics.Metrics) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("unread: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{log: log, store: store, metrics: m}, nil
}

// ShouldIncrement reports whether a message from senderID bumps the counter of
// recipientID. Senders never count their own messages, and a recipient who is
// viewing the conversation reads it as it arrives.
func ShouldIncrement(recipientID, senderID string, viewing bool) bool {
	return recipientID != senderID && !viewing
}

// Increment adds one to the counter and returns the new value.
func (l *Ledger) Increment(ctx context.Context, k Key) (int, error) {
	if !k.valid() {
		return 0, ErrInvalidKey
	}
	n, err := l.store.IncrementUnread(ctx, k.Kind, k.ConversationID, k.UserID)
	if err != nil {
		l.metrics.StorageError("increment_unread")
		return 0, fmt.Errorf("increment unread: %w", err)
	}
	l.metrics.UnreadIncremented()
	l.log.Debug("unread.increment", "user_id", k.UserID, "conversation_id", k.ConversationID, "count", n)
	return n, nil
}

// Reset sets the counter to zero and returns the value it replaced.
// Resetting a zero counter is a no-op returning 0.
func (l *Ledger) Reset(ctx context.Context, k Key) (int, error) {
	if !k.valid() {
		return 0, ErrInvalidKey
	}
	prev, err := l.store.ResetUnread(ctx, k.Kind, k.ConversationID, k.UserID)
	if err != nil {
		l.metrics.StorageError("reset_unread")
		return 0, fmt.Errorf("reset unread: %w", err)
	}
	if prev > 0 {
		l.metrics.UnreadReset()
		l.log.Debug("unread.reset", "user_id", k.UserID, "conversation_id", k.ConversationID, "previous", prev)
	}
	return prev, nil
}

// Get returns the current counter value.
func (l *Ledger) Get(ctx context.Context, k Key) (int, error) {
	if !k.valid() {
		return 0, ErrInvalidKey
	}
	n, err := l.store.Unread(ctx, k.Kind, k.ConversationID, k.UserID)
	if err != nil {
		return 0, fmt.Errorf("read unread: %w", err)
	}
	return n, nil
}
