package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"zerochat/cmd/internal/metrics"
	"zerochat/cmd/internal/presence"
	v1 "zerochat/shared/contracts/realtime/v1"
)

type fakeConn struct {
	sid, uid string

	mu    sync.Mutex
	calls []v1.CallPayload
}

func (c *fakeConn) SessionID() string { return c.sid }
func (c *fakeConn) UserID() string    { return c.uid }

func (c *fakeConn) Push(ev presence.Event) error {
	if p, ok := ev.Payload.(v1.CallPayload); ok {
		c.mu.Lock()
		c.calls = append(c.calls, p)
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) received() []v1.CallPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.CallPayload(nil), c.calls...)
}

type fixture struct {
	reg     *presence.Registry
	relay   *Relay
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	reg := presence.NewRegistry(log, m)
	relay, err := NewRelay(log, reg, WithMetrics(m))
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	return &fixture{reg: reg, relay: relay, metrics: m}
}

func (f *fixture) online(t *testing.T, uid string) *fakeConn {
	t.Helper()
	c := &fakeConn{uid: uid, sid: "s-" + uid}
	if _, err := f.reg.Join(uid, c, nil, nil); err != nil {
		t.Fatalf("join %s: %v", uid, err)
	}
	return c
}

func TestRequest_OfflineCalleeCreatesNoSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.online(t, "alice")

	_, err := f.relay.Request(context.Background(), RequestInput{CallerID: "alice", CalleeID: "bob", Type: "audio"})
	if !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("expected ErrPeerOffline, got %v", err)
	}
	if _, ok := f.relay.Active("alice"); ok {
		t.Fatalf("no session may exist after an offline request")
	}
	if got := testutil.ToFloat64(f.metrics.CallEvents.WithLabelValues(v1.CallActionRequest)); got != 0 {
		t.Fatalf("offline request must not be counted, got %v", got)
	}
}

func TestRequest_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.online(t, "alice")
	f.online(t, "bob")
	ctx := context.Background()

	cases := []struct {
		name string
		in   RequestInput
		want error
	}{
		{"self", RequestInput{CallerID: "alice", CalleeID: "alice", Type: "audio"}, ErrSelfCall},
		{"bad type", RequestInput{CallerID: "alice", CalleeID: "bob", Type: "hologram"}, ErrInvalidCallType},
		{"no callee", RequestInput{CallerID: "alice", Type: "video"}, ErrNotParticipant},
	}
	for _, tc := range cases {
		if _, err := f.relay.Request(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestCall_AcceptSignalFinish(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")
	ctx := context.Background()

	offer := json.RawMessage(`{"sdp":"offer"}`)
	call, err := f.relay.Request(ctx, RequestInput{CallerID: "alice", CalleeID: "bob", Type: "Video", Signal: offer})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if call.State != StateRequested || call.Type != CallVideo {
		t.Fatalf("unexpected call: %+v", call)
	}
	got := bob.received()
	if len(got) != 1 || got[0].Action != v1.CallActionRequest || string(got[0].Signal) != string(offer) || got[0].From != "alice" {
		t.Fatalf("bob should receive the request verbatim, got %+v", got)
	}

	if _, err := f.relay.Respond(ctx, RespondInput{CallID: call.ID, UserID: "alice", Accept: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("caller may not respond: got %v", err)
	}
	if _, err := f.relay.Respond(ctx, RespondInput{CallID: call.ID, UserID: "carol", Accept: true}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider may not respond: got %v", err)
	}

	answer := json.RawMessage(`{"sdp":"answer"}`)
	acc, err := f.relay.Respond(ctx, RespondInput{CallID: call.ID, UserID: "bob", Accept: true, Signal: answer})
	if err != nil || acc.State != StateAccepted {
		t.Fatalf("Respond: %+v %v", acc, err)
	}
	if _, err := f.relay.Respond(ctx, RespondInput{CallID: call.ID, UserID: "bob", Accept: false}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second response must fail, got %v", err)
	}

	ice := json.RawMessage(`{"candidate":"x"}`)
	if _, err := f.relay.Signal(ctx, SignalInput{CallID: call.ID, UserID: "bob", Signal: ice}); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	a := alice.received()
	if len(a) != 2 || a[0].Action != v1.CallActionAccept || string(a[0].Signal) != string(answer) {
		t.Fatalf("alice should get the accept with the answer, got %+v", a)
	}
	if a[1].Action != v1.CallActionSignal || string(a[1].Signal) != string(ice) {
		t.Fatalf("alice should get the relayed signal, got %+v", a[1])
	}

	end, err := f.relay.End(ctx, EndInput{CallID: call.ID, UserID: "alice"})
	if err != nil || end.State != StateFinished {
		t.Fatalf("End: %+v %v", end, err)
	}
	if b := bob.received(); b[len(b)-1].Action != v1.CallActionFinish {
		t.Fatalf("bob should be told the call finished, got %+v", b)
	}
	if _, err := f.relay.End(ctx, EndInput{CallID: call.ID, UserID: "bob"}); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("finished call must be gone, got %v", err)
	}
	if _, ok := f.relay.Active("bob"); ok {
		t.Fatalf("bob must be free again")
	}
}

func TestCall_RejectFreesBothPeers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.online(t, "alice")
	f.online(t, "bob")
	ctx := context.Background()

	call, err := f.relay.Request(ctx, RequestInput{CallerID: "alice", CalleeID: "bob", Type: "audio"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := f.relay.Respond(ctx, RespondInput{CallID: call.ID, UserID: "bob", Accept: false}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if a := alice.received(); len(a) != 1 || a[0].Action != v1.CallActionReject || a[0].State != string(StateRejected) {
		t.Fatalf("alice should receive the rejection, got %+v", a)
	}
	if _, err := f.relay.Request(ctx, RequestInput{CallerID: "bob", CalleeID: "alice", Type: "audio"}); err != nil {
		t.Fatalf("peers should be free after a rejection: %v", err)
	}
}

func TestRequest_BusyPeer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.online(t, "alice")
	f.online(t, "bob")
	f.online(t, "carol")
	ctx := context.Background()

	if _, err := f.relay.Request(ctx, RequestInput{CallerID: "alice", CalleeID: "bob", Type: "audio"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := f.relay.Request(ctx, RequestInput{CallerID: "carol", CalleeID: "bob", Type: "audio"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("busy callee: expected ErrBusy, got %v", err)
	}
	if _, err := f.relay.Request(ctx, RequestInput{CallerID: "alice", CalleeID: "carol", Type: "audio"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("busy caller: expected ErrBusy, got %v", err)
	}
}

func TestEndAllFor_NotifiesPeer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.online(t, "alice")
	f.online(t, "bob")
	ctx := context.Background()

	call, err := f.relay.Request(ctx, RequestInput{CallerID: "alice", CalleeID: "bob", Type: "audio"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	ended, ok := f.relay.EndAllFor("bob")
	if !ok || ended.ID != call.ID || ended.State != StateFinished {
		t.Fatalf("EndAllFor: %+v %v", ended, ok)
	}
	a := alice.received()
	if len(a) != 1 || a[0].Action != v1.CallActionFinish || a[0].From != "bob" {
		t.Fatalf("alice should be told bob left, got %+v", a)
	}
	if _, ok := f.relay.EndAllFor("bob"); ok {
		t.Fatalf("second EndAllFor must be a no-op")
	}

	var nilRelay *Relay
	if _, ok := nilRelay.EndAllFor("x"); ok {
		t.Fatalf("nil relay must be inert")
	}
}

func TestParseCallType(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]CallType{"audio": CallAudio, " VIDEO ": CallVideo} {
		got, err := ParseCallType(in)
		if err != nil || got != want {
			t.Fatalf("ParseCallType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCallType(""); !errors.Is(err, ErrInvalidCallType) {
		t.Fatalf("empty type should fail")
	}
}
