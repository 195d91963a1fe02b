package presence

import (
	"errors"
	"strings"
)

var (
	// ErrQueueFull is returned by Conn.Push when the outbound queue has no room.
	ErrQueueFull = errors.New("presence: outbound queue full")
	// ErrConnClosed is returned by Conn.Push after the connection shut down.
	ErrConnClosed = errors.New("presence: connection closed")
	// ErrInvalidConn is returned when a connection handle lacks ids.
	ErrInvalidConn = errors.New("presence: invalid connection")
)

// Event is one server-to-client push. Type is a wire type constant and
// Payload the matching payload struct; the transport owns encoding.
type Event struct {
	Type    string
	Payload any
}

// Conn is a live client connection as seen by the core.
//
// Push must not block: it enqueues onto the connection's FIFO outbound queue
// or fails with ErrQueueFull / ErrConnClosed.
type Conn interface {
	SessionID() string
	UserID() string
	Push(ev Event) error
}

// Room id prefixes. Rooms are plain strings so one index serves all kinds.
const (
	userRoomPrefix   = "user:"
	threadRoomPrefix = "thread:"
	groupRoomPrefix  = "group:"
)

// UserRoom is the private room of one user; every connection of the user joins it.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// ThreadRoom is the room shared by the two users of a contact thread.
// The id is independent of argument order.
func ThreadRoom(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return threadRoomPrefix + a + ":" + b
}

// GroupRoom is the room of one group.
func GroupRoom(groupID string) string { return groupRoomPrefix + groupID }

// IsUserRoom reports whether room is some user's private room.
func IsUserRoom(room string) bool { return strings.HasPrefix(room, userRoomPrefix) }
