// Package v1 defines the zerochat realtime protocol v1 contract.
//
// The package is shared between the server and clients and has no
// dependencies outside the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by clients.
const Subprotocol = "zerochat.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and carries the room list (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew pushes a newly accepted message (server -> participants).
	TypeMessageNew = "message_new"

	// TypeConversationView marks the conversation the connection currently displays (client -> server).
	TypeConversationView = "conversation_view"

	// TypeUnreadReset zeroes the caller's unread counter for a conversation (client -> server).
	TypeUnreadReset = "unread_reset"
	// TypeUnread pushes an unread counter value (server -> client).
	TypeUnread = "unread"

	// TypeConversationHistoryFetch requests conversation history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypePresence pushes an online/offline transition (server -> room members).
	TypePresence = "presence"
	// TypePresenceQuery asks which of the given users are online (client -> server).
	TypePresenceQuery = "presence_query"
	// TypePresenceState answers a presence query (server -> client).
	TypePresenceState = "presence_state"

	// TypeMembership pushes a room the user was added to (server -> client).
	TypeMembership = "membership"
	// TypeContactAdd creates a contact thread (client -> server).
	TypeContactAdd = "contact_add"
	// TypeContactAddAck answers contact_add (server -> client).
	TypeContactAddAck = "contact_add_ack"
	// TypeContactBlock sets or clears the blocked flag on the caller's contact (client -> server).
	TypeContactBlock = "contact_block"
	// TypeGroupCreate creates a group (client -> server).
	TypeGroupCreate = "group_create"
	// TypeGroupCreateAck answers group_create (server -> client).
	TypeGroupCreateAck = "group_create_ack"
	// TypeGroupMemberAdd adds a member to a group (client -> server).
	TypeGroupMemberAdd = "group_member_add"

	// TypeCallRequest asks to start a call (client -> server).
	TypeCallRequest = "call_request"
	// TypeCallRespond accepts or rejects an incoming call (client -> server).
	TypeCallRespond = "call_respond"
	// TypeCallSignal relays negotiation data to the other peer (client -> server).
	TypeCallSignal = "call_signal"
	// TypeCallEnd finishes a call (client -> server).
	TypeCallEnd = "call_end"
	// TypeCallAck answers a call operation with the resulting call state (server -> client).
	TypeCallAck = "call_ack"
	// TypeCall pushes call state changes and relayed signals (server -> peer).
	TypeCall = "call"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var knownTypes = map[string]struct{}{
	TypeHello:                    {},
	TypeHelloAck:                 {},
	TypeMessageSend:              {},
	TypeMessageAck:               {},
	TypeMessageNew:               {},
	TypeConversationView:         {},
	TypeUnreadReset:              {},
	TypeUnread:                   {},
	TypeConversationHistoryFetch: {},
	TypeConversationHistoryChunk: {},
	TypePresence:                 {},
	TypePresenceQuery:            {},
	TypePresenceState:            {},
	TypeMembership:               {},
	TypeContactAdd:               {},
	TypeContactAddAck:            {},
	TypeContactBlock:             {},
	TypeGroupCreate:              {},
	TypeGroupCreateAck:           {},
	TypeGroupMemberAdd:           {},
	TypeCallRequest:              {},
	TypeCallRespond:              {},
	TypeCallSignal:               {},
	TypeCallEnd:                  {},
	TypeCallAck:                  {},
	TypeCall:                     {},
	TypeError:                    {},
}

// Conversation kinds.
const (
	KindContact = "contact"
	KindGroup   = "group"
)

// Call actions carried by CallPayload.
const (
	CallActionRequest = "request"
	CallActionAccept  = "accept"
	CallActionReject  = "reject"
	CallActionSignal  = "signal"
	CallActionFinish  = "finish"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// RoomSummary describes one conversation from the receiving user's point of view.
// For contacts ID is the user's own contact record and PeerID the other user.
type RoomSummary struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Name            string    `json:"name,omitempty"`
	PeerID          string    `json:"peer_id,omitempty"`
	Online          bool      `json:"online,omitempty"`
	Unread          int       `json:"unread"`
	Blocked         bool      `json:"blocked,omitempty"`
	Active          bool      `json:"active,omitempty"`
	LastMessageText string    `json:"last_message_text,omitempty"`
	LastMessageFrom string    `json:"last_message_from,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
}

// HelloAckPayload carries the session id and the rooms the session was joined to.
type HelloAckPayload struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Rooms     []RoomSummary `json:"rooms"`
}

// MessageSendPayload requests sending a message into a conversation.
// ConversationID is the sender's own view of the conversation.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Text           string `json:"text"`
}

// MessageAckPayload acknowledges a send request with the canonical server id.
type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	ServerMsgID    string    `json:"server_msg_id"`
	ServerTS       time.Time `json:"server_ts"`
}

// MessageNewPayload is pushed to every participant when a message is accepted.
// ConversationID is the receiving user's own view of the conversation.
type MessageNewPayload struct {
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	ServerMsgID    string    `json:"server_msg_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	ServerTS       time.Time `json:"server_ts"`
	Unread         int       `json:"unread"`
}

// ConversationViewPayload marks the open conversation; an empty id clears it.
type ConversationViewPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind,omitempty"`
}

// UnreadResetPayload asks the server to zero the caller's counter.
type UnreadResetPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
}

// UnreadPayload carries the current unread value for one conversation.
type UnreadPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Count          int    `json:"count"`
	Previous       int    `json:"previous,omitempty"`
}

// ConversationHistoryFetchPayload requests messages older than Before (exclusive).
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Before         string `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns messages oldest first.
type ConversationHistoryChunkPayload struct {
	ConversationID string              `json:"conversation_id"`
	Kind           string              `json:"kind"`
	Messages       []MessageNewPayload `json:"messages"`
	HasMore        bool                `json:"has_more"`
}

// PresencePayload reports that a user went online or offline.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// PresenceQueryPayload asks for the online subset of UserIDs.
type PresenceQueryPayload struct {
	UserIDs []string `json:"user_ids"`
}

// PresenceStatePayload lists the online subset of a presence query.
type PresenceStatePayload struct {
	Online []string `json:"online"`
}

// MembershipPayload announces a room the receiving user now belongs to.
type MembershipPayload struct {
	Room RoomSummary `json:"room"`
}

// ContactAddPayload creates a contact thread with PeerID.
type ContactAddPayload struct {
	PeerID string `json:"peer_id"`
}

// ContactAddAckPayload answers contact_add with the caller's room and the peer's presence.
type ContactAddAckPayload struct {
	Room       RoomSummary `json:"room"`
	PeerOnline bool        `json:"peer_online"`
}

// ContactBlockPayload blocks or unblocks messages on one of the caller's contacts.
type ContactBlockPayload struct {
	ContactID string `json:"contact_id"`
	Blocked   bool   `json:"blocked"`
}

// GroupCreatePayload creates a group owned by the caller.
type GroupCreatePayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Image       string   `json:"image,omitempty"`
	MemberIDs   []string `json:"member_ids,omitempty"`
}

// GroupCreateAckPayload answers group_create.
type GroupCreateAckPayload struct {
	Room RoomSummary `json:"room"`
}

// GroupMemberAddPayload adds UserID to GroupID.
type GroupMemberAddPayload struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// CallRequestPayload asks to call CalleeID.
type CallRequestPayload struct {
	CalleeID string          `json:"callee_id"`
	CallType string          `json:"call_type"`
	Signal   json.RawMessage `json:"signal,omitempty"`
}

// CallRespondPayload accepts or rejects an incoming call.
type CallRespondPayload struct {
	CallID string          `json:"call_id"`
	Accept bool            `json:"accept"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// CallSignalPayload relays opaque negotiation data.
type CallSignalPayload struct {
	CallID string          `json:"call_id"`
	Signal json.RawMessage `json:"signal"`
}

// CallEndPayload finishes a call.
type CallEndPayload struct {
	CallID string `json:"call_id"`
}

// CallPayload describes a call state change or a relayed signal.
type CallPayload struct {
	CallID   string          `json:"call_id"`
	Action   string          `json:"action"`
	State    string          `json:"state"`
	CallerID string          `json:"caller_id"`
	CalleeID string          `json:"callee_id"`
	CallType string          `json:"call_type"`
	From     string          `json:"from"`
	Signal   json.RawMessage `json:"signal,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
