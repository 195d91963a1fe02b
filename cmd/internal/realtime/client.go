package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"zerochat/cmd/internal/presence"
	v1 "zerochat/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	sessionID string
	userID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

var _ presence.Conn = (*Client)(nil)

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		sessionID: sessionID,
		userID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) UserID() string    { return c.userID }

// Push encodes ev and enqueues it without blocking.
func (c *Client) Push(ev presence.Event) error {
	if c == nil {
		return presence.ErrConnClosed
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return c.enqueue(v1.Envelope{
		V:       v1.Version,
		Type:    ev.Type,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: raw,
	})
}

func (c *Client) enqueue(env v1.Envelope) error {
	select {
	case <-c.done:
		return presence.ErrConnClosed
	default:
	}
	select {
	case <-c.done:
		return presence.ErrConnClosed
	case c.Send <- env:
		return nil
	default:
		return presence.ErrQueueFull
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
