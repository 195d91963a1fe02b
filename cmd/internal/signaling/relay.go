// Package signaling routes call setup and teardown between two peers.
//
// The relay is a router, not a media path: it keeps the two participant ids,
// the call type and the state of each live call, and forwards opaque
// negotiation data verbatim. There are no server-side timers; a peer that
// gives up waiting ends the call itself.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zerochat/cmd/internal/ids"
	"zerochat/cmd/internal/metrics"
	"zerochat/cmd/internal/presence"
	v1 "zerochat/shared/contracts/realtime/v1"
)

var (
	ErrPeerOffline       = errors.New("signaling: peer offline")
	ErrBusy              = errors.New("signaling: peer busy")
	ErrSelfCall          = errors.New("signaling: cannot call yourself")
	ErrInvalidCallType   = errors.New("signaling: invalid call type")
	ErrCallNotFound      = errors.New("signaling: call not found")
	ErrNotParticipant    = errors.New("signaling: not a call participant")
	ErrInvalidTransition = errors.New("signaling: invalid transition")
)

// State is the lifecycle position of a call.
type State string

const (
	StateRequested State = "requested"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateFinished  State = "finished"
)

// CallType is the media kind negotiated by the peers.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// ParseCallType validates s.
func ParseCallType(s string) (CallType, error) {
	switch CallType(strings.ToLower(strings.TrimSpace(s))) {
	case CallAudio:
		return CallAudio, nil
	case CallVideo:
		return CallVideo, nil
	default:
		return "", ErrInvalidCallType
	}
}

// Call is a snapshot of one call session.
type Call struct {
	ID        string
	CallerID  string
	CalleeID  string
	Type      CallType
	State     State
	CreatedAt time.Time
}

// Peer returns the other participant, or "" when userID is not in the call.
func (c Call) Peer(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	default:
		return ""
	}
}

// Presence is the part of the presence registry the relay needs.
type Presence interface {
	IsOnline(userID string) bool
	PublishToUser(userID string, ev presence.Event, exceptSession string) presence.PublishResult
}

// Relay holds live calls. At most one call per user.
type Relay struct {
	log      *slog.Logger
	presence Presence
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    ids.Generator

	mu     sync.Mutex
	calls  map[string]*Call
	byUser map[string]string
}

// Option configures a Relay.
type Option func(*Relay)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDs overrides the call id generator.
func WithIDs(gen ids.Generator) Option {
	return func(r *Relay) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithMetrics counts call events into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay constructs a Relay.
func NewRelay(log *slog.Logger, p Presence, opts ...Option) (*Relay, error) {
	if p == nil {
		return nil, errors.New("signaling: nil presence")
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		log:      log,
		presence: p,
		now:      time.Now,
		newID:    ids.NewULID,
		calls:    make(map[string]*Call),
		byUser:   make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

type RequestInput struct {
	CallerID string
	CalleeID string
	Type     string
	Signal   json.RawMessage
}

// Request starts a call. The callee must be online at request time;
// otherwise no session is created.
func (r *Relay) Request(ctx context.Context, in RequestInput) (Call, error) {
	if err := ctx.Err(); err != nil {
		return Call{}, err
	}
	caller, callee := strings.TrimSpace(in.CallerID), strings.TrimSpace(in.CalleeID)
	if caller == "" || callee == "" {
		return Call{}, ErrNotParticipant
	}
	if caller == callee {
		return Call{}, ErrSelfCall
	}
	typ, err := ParseCallType(in.Type)
	if err != nil {
		return Call{}, err
	}
	if !r.presence.IsOnline(callee) {
		r.log.Info("call.request.offline", "caller_id", caller, "callee_id", callee)
		return Call{}, ErrPeerOffline
	}

	now := r.now().UTC()
	id, err := r.newID(now)
	if err != nil {
		return Call{}, err
	}

	r.mu.Lock()
	if r.byUser[caller] != "" || r.byUser[callee] != "" {
		r.mu.Unlock()
		return Call{}, ErrBusy
	}
	call := &Call{ID: id, CallerID: caller, CalleeID: callee, Type: typ, State: StateRequested, CreatedAt: now}
	r.calls[id] = call
	r.byUser[caller] = id
	r.byUser[callee] = id
	snap := *call
	r.mu.Unlock()

	res := r.push(callee, snap, v1.CallActionRequest, caller, in.Signal)
	if res.Delivered == 0 {
		// The callee dropped between the presence check and the push.
		r.drop(id)
		r.log.Info("call.request.offline", "call_id", id, "caller_id", caller, "callee_id", callee)
		return Call{}, ErrPeerOffline
	}

	r.metrics.CallEvent(v1.CallActionRequest)
	r.log.Info("call.request", "call_id", id, "caller_id", caller, "callee_id", callee, "call_type", string(typ))
	return snap, nil
}

type RespondInput struct {
	CallID string
	UserID string
	Accept bool
	Signal json.RawMessage
}

// Respond moves a requested call to accepted or rejected. Only the callee
// may respond. A rejected call is removed.
func (r *Relay) Respond(ctx context.Context, in RespondInput) (Call, error) {
	if err := ctx.Err(); err != nil {
		return Call{}, err
	}

	r.mu.Lock()
	call, err := r.lookupLocked(in.CallID, in.UserID)
	if err != nil {
		r.mu.Unlock()
		return Call{}, err
	}
	if in.UserID != call.CalleeID || call.State != StateRequested {
		r.mu.Unlock()
		return Call{}, ErrInvalidTransition
	}
	action := v1.CallActionAccept
	if in.Accept {
		call.State = StateAccepted
	} else {
		action = v1.CallActionReject
		call.State = StateRejected
		r.removeLocked(call)
	}
	snap := *call
	r.mu.Unlock()

	r.push(snap.CallerID, snap, action, in.UserID, in.Signal)
	r.metrics.CallEvent(action)
	r.log.Info("call.respond", "call_id", snap.ID, "callee_id", snap.CalleeID, "state", string(snap.State))
	return snap, nil
}

type SignalInput struct {
	CallID string
	UserID string
	Signal json.RawMessage
}

// Signal forwards negotiation data to the other peer unchanged.
func (r *Relay) Signal(ctx context.Context, in SignalInput) (Call, error) {
	if err := ctx.Err(); err != nil {
		return Call{}, err
	}

	r.mu.Lock()
	call, err := r.lookupLocked(in.CallID, in.UserID)
	if err != nil {
		r.mu.Unlock()
		return Call{}, err
	}
	snap := *call
	r.mu.Unlock()

	r.push(snap.Peer(in.UserID), snap, v1.CallActionSignal, in.UserID, in.Signal)
	r.metrics.CallEvent(v1.CallActionSignal)
	return snap, nil
}

type EndInput struct {
	CallID string
	UserID string
}

// End finishes the call on behalf of either peer and tells the other one.
func (r *Relay) End(ctx context.Context, in EndInput) (Call, error) {
	if err := ctx.Err(); err != nil {
		return Call{}, err
	}

	r.mu.Lock()
	call, err := r.lookupLocked(in.CallID, in.UserID)
	if err != nil {
		r.mu.Unlock()
		return Call{}, err
	}
	call.State = StateFinished
	r.removeLocked(call)
	snap := *call
	r.mu.Unlock()

	r.finish(snap, in.UserID)
	return snap, nil
}

// EndAllFor finishes userID's call, if any. It is called when the user's last
// connection goes away.
func (r *Relay) EndAllFor(userID string) (Call, bool) {
	if r == nil {
		return Call{}, false
	}

	r.mu.Lock()
	id, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return Call{}, false
	}
	call := r.calls[id]
	call.State = StateFinished
	r.removeLocked(call)
	snap := *call
	r.mu.Unlock()

	r.finish(snap, userID)
	return snap, true
}

// Active returns the call userID is in.
func (r *Relay) Active(userID string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[userID]
	if !ok {
		return Call{}, false
	}
	return *r.calls[id], true
}

func (r *Relay) finish(call Call, by string) {
	r.push(call.Peer(by), call, v1.CallActionFinish, by, nil)
	r.metrics.CallEvent(v1.CallActionFinish)
	r.log.Info("call.finish", "call_id", call.ID, "by", by)
}

func (r *Relay) lookupLocked(callID, userID string) (*Call, error) {
	call, ok := r.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	if call.Peer(userID) == "" {
		return nil, ErrNotParticipant
	}
	return call, nil
}

func (r *Relay) removeLocked(call *Call) {
	delete(r.calls, call.ID)
	for _, u := range []string{call.CallerID, call.CalleeID} {
		if r.byUser[u] == call.ID {
			delete(r.byUser, u)
		}
	}
}

func (r *Relay) drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call, ok := r.calls[id]; ok {
		r.removeLocked(call)
	}
}

func (r *Relay) push(to string, call Call, action, from string, signal json.RawMessage) presence.PublishResult {
	res := r.presence.PublishToUser(to, presence.Event{
		Type: v1.TypeCall,
		Payload: v1.CallPayload{
			CallID:   call.ID,
			Action:   action,
			State:    string(call.State),
			CallerID: call.CallerID,
			CalleeID: call.CalleeID,
			CallType: string(call.Type),
			From:     from,
			Signal:   signal,
		},
	}, "")
	if res.Failed > 0 {
		r.log.Warn("call.push.fail", "call_id", call.ID, "user_id", to, "action", action, "failed", res.Failed)
	}
	return res
}
