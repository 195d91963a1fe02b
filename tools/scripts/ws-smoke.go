// Package main provides a CI-friendly WebSocket smoke test for zerochat realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment for two users
//   - contact_add -> ack + membership push to the peer
//   - send -> ack, fanout message_new with an unread badge
//   - opening the room resets the badge on the server
//   - history fetch merges without duplicates
//   - presence query and offline presence on disconnect
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"zerochat/cmd/internal/auth"
	"zerochat/cmd/internal/ids"
	"zerochat/cmd/internal/reconcile"
	v1 "zerochat/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string
	state     *reconcile.State

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	suffix := time.Now().UTC().Format("150405.000")
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "smoke-a-"+suffix, "First user id")
		userB   = flag.String("b", "smoke-b-"+suffix, "Second user id")
		secret  = flag.String("secret", os.Getenv("ZERO_AUTH_JWT_SECRET"), "JWT secret; empty uses the dev user_id query parameter")
		issuer  = flag.String("issuer", "zerochat", "JWT issuer")
		text    = flag.String("text", "hello zerochat 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	var tokens auth.AccessTokenManager
	if strings.TrimSpace(*secret) != "" {
		cfg := auth.DefaultConfig()
		cfg.Secret = *secret
		cfg.Issuer = *issuer
		m, err := auth.NewJWTManager(cfg)
		if err != nil {
			fatalf("auth config: %v", err)
		}
		tokens = m
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, tokens, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, tokens, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s/%s B=%s/%s origin=%q\n", a.userID, a.sessionID, b.userID, b.sessionID, *origin)
	}

	// A adds B; B learns about the room through a membership push.
	mustWrite(root, a, v1.TypeContactAdd, v1.ContactAddPayload{PeerID: b.userID}, *timeout)
	var added v1.ContactAddAckPayload
	decode(a.mustReadUntilType(root, v1.TypeContactAddAck, *timeout), &added)
	if !added.PeerOnline {
		fatalf("contact_add_ack: peer should be online")
	}
	var member v1.MembershipPayload
	decode(b.mustReadUntilType(root, v1.TypeMembership, *timeout), &member)
	if member.Room.PeerID != a.userID {
		fatalf("membership peer mismatch: got=%q want=%q", member.Room.PeerID, a.userID)
	}
	aRoom, bRoom := added.Room.ID, member.Room.ID

	clientMsgID := mustULID()
	a.state.AddPending(aRoom, clientMsgID, *text)
	mustWrite(root, a, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: aRoom,
		Kind:           v1.KindContact,
		ClientMsgID:    clientMsgID,
		Text:           *text,
	}, *timeout)

	var ack v1.MessageAckPayload
	decode(a.mustReadUntilType(root, v1.TypeMessageAck, *timeout), &ack)
	if ack.ClientMsgID != clientMsgID || strings.TrimSpace(ack.ServerMsgID) == "" {
		fatalf("message_ack mismatch: %+v", ack)
	}
	if msgs := a.state.Messages(aRoom); len(msgs) != 1 || msgs[0].Pending {
		fatalf("sender state after ack: %+v", msgs)
	}

	var got v1.MessageNewPayload
	decode(b.mustReadUntilType(root, v1.TypeMessageNew, *timeout), &got)
	if got.ServerMsgID != ack.ServerMsgID || got.Sender != a.userID || got.Text != *text || got.ConversationID != bRoom {
		fatalf("message_new mismatch: %+v", got)
	}
	if room, _ := b.state.Room(bRoom); room.Unread != 1 {
		fatalf("receiver badge: got=%d want=1", room.Unread)
	}

	// Opening the room clears the badge locally and on the server.
	actions := b.state.Open(bRoom)
	if len(actions) != 1 {
		fatalf("open room: expected one reset action, got %d", len(actions))
	}
	for _, act := range actions {
		env, err := act.Envelope(mustULID(), time.Now())
		if err != nil {
			fatalf("build action: %v", err)
		}
		mustWriteEnvelope(root, b.conn, env, *timeout)
	}
	var u v1.UnreadPayload
	decode(b.mustReadUntilType(root, v1.TypeUnread, *timeout), &u)
	if u.Count != 0 || u.Previous != 1 {
		fatalf("unread after reset: %+v", u)
	}

	mustWrite(root, b, v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{
		ConversationID: bRoom,
		Kind:           v1.KindContact,
		Limit:          50,
	}, *timeout)
	b.mustReadUntilType(root, v1.TypeConversationHistoryChunk, *timeout)
	if msgs := b.state.Messages(bRoom); len(msgs) != 1 || msgs[0].ID != ack.ServerMsgID {
		fatalf("history merge produced %d messages, want 1", len(msgs))
	}

	mustWrite(root, a, v1.TypePresenceQuery, v1.PresenceQueryPayload{UserIDs: []string{b.userID, "nobody-" + suffix}}, *timeout)
	var ps v1.PresenceStatePayload
	decode(a.mustReadUntilType(root, v1.TypePresenceState, *timeout), &ps)
	if len(ps.Online) != 1 || ps.Online[0] != b.userID {
		fatalf("presence_state: got=%v want=[%s]", ps.Online, b.userID)
	}

	closeWS(b.conn)
	var off v1.PresencePayload
	decode(a.mustReadUntilType(root, v1.TypePresence, *timeout), &off)
	if off.UserID != b.userID || off.Online {
		fatalf("expected offline presence for %s, got %+v", b.userID, off)
	}

	fmt.Printf("OK: A=%s B=%s room=%s server_msg_id=%s\n", a.userID, b.userID, aRoom, ack.ServerMsgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, tokens auth.AccessTokenManager, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	target := wsURL
	if tokens != nil {
		tok, _, err := tokens.Issue(userID, time.Now())
		if err != nil {
			fatalf("issue token %s: %v", name, err)
		}
		h.Set("Authorization", "Bearer "+tok)
	} else {
		u, _ := url.Parse(wsURL)
		q := u.Query()
		q.Set("user_id", userID)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		state:  reconcile.New(userID),
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeHello, v1.HelloPayload{}, stepTimeout)

	var p v1.HelloAckPayload
	decode(c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout), &p)
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntilType feeds every envelope into the client's local state and
// returns the first one of wantType. Server errors abort the run.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, err := c.state.Apply(env); err != nil {
				fatalf("apply %s (%s): %v", env.Type, c.name, err)
			}
			if env.Type == wantType {
				return env
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	now := time.Now().UTC()
	mustWriteEnvelope(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      mustULID(),
		TS:      now,
		Payload: mustJSON(payload),
	}, stepTimeout)
}

func mustWriteEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func decode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func mustULID() string {
	id, err := ids.NewULID(time.Now())
	if err != nil {
		fatalf("ulid: %v", err)
	}
	return id
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
