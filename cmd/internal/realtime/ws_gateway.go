package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"zerochat/cmd/internal/auth"
	"zerochat/cmd/internal/fanout"
	"zerochat/cmd/internal/presence"
	"zerochat/cmd/internal/signaling"
	v1 "zerochat/shared/contracts/realtime/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Deps are the core services the gateway routes to.
type Deps struct {
	Coordinator *fanout.Coordinator
	Registry    *presence.Registry
	Relay       *signaling.Relay
	Tokens      auth.AccessTokenManager
}

// WSGateway is the WebSocket entrypoint for zerochat realtime.
//
// It enforces origin policy, authentication, subprotocol selection, rate
// limits and heartbeats, and routes validated envelopes to the fanout
// coordinator and the call relay.
type WSGateway struct {
	log   *slog.Logger
	cfg   Config
	core  *fanout.Coordinator
	reg   *presence.Registry
	relay *signaling.Relay
	auth  auth.AccessTokenManager

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	now func() time.Time
}

// NewWSGateway constructs a gateway. A token manager is required unless
// cfg.RequireAuth is false.
func NewWSGateway(log *slog.Logger, cfg Config, deps Deps) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Coordinator == nil || deps.Registry == nil || deps.Relay == nil {
		return nil, errors.New("realtime: missing core dependency")
	}
	if cfg.RequireAuth && deps.Tokens == nil {
		return nil, errors.New("realtime: auth required but no token manager configured")
	}

	cfg = cfg.normalize()
	return &WSGateway{
		log:   log,
		cfg:   cfg,
		core:  deps.Coordinator,
		reg:   deps.Registry,
		relay: deps.Relay,
		auth:  deps.Tokens,

		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		now:            time.Now,
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(g.now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(userID, sessionID, g.cfg.SendQueue)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joinedMu  sync.Mutex
		joined    bool
		closed    bool
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Presence leave happens before client.Close so no push targets a dead queue for long.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			joinedMu.Lock()
			wasJoined := joined
			joined, closed = false, true
			joinedMu.Unlock()

			if wasJoined && g.core.Disconnect(client) {
				if call, ok := g.relay.EndAllFor(userID); ok {
					g.log.Info("ws.call.ended_on_leave", "call_id", call.ID, "user_id", userID)
				}
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.log.Info("ws.open", "session_id", sessionID, "user_id", userID)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, codeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(g.now()) {
			g.sendError(client, codeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, codeBadEnvelope, err.Error())
			continue readLoop
		}

		joinedMu.Lock()
		ready := joined
		joinedMu.Unlock()

		if env.Type == v1.TypeHello {
			if ready {
				g.sendError(client, codeBadEnvelope, "hello already completed")
				continue readLoop
			}
			// Held across Connect so a concurrent shutdown either sees the
			// session joined or prevents the join.
			joinedMu.Lock()
			if closed {
				joinedMu.Unlock()
				break readLoop
			}
			err := g.onHello(ctx, client, env)
			joined = err == nil
			joinedMu.Unlock()
			if err != nil {
				g.sendError(client, codeHelloFailed, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}

		if !ready {
			g.sendError(client, codeHelloRequired, "send hello first")
			continue readLoop
		}

		if err := g.dispatch(ctx, client, env); err != nil {
			code, msg := errorCode(err)
			if code == codeInternal || code == codeStorage {
				g.log.Warn("ws.handler.fail", "session_id", sessionID, "type", env.Type, "err", err)
			}
			g.sendError(client, code, msg)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "session_id", sessionID, "user_id", userID)
}

// authenticate resolves the user of a handshake.
func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	if g.auth != nil {
		tok, err := auth.TokenFromRequest(r)
		if err == nil {
			claims, verr := g.auth.Verify(tok, g.now())
			if verr != nil {
				return "", verr
			}
			return claims.UserID, nil
		}
		if g.cfg.RequireAuth || !errors.Is(err, auth.ErrMissingToken) {
			return "", err
		}
	}
	if g.cfg.RequireAuth {
		return "", auth.ErrMissingToken
	}
	uid := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if uid == "" {
		return "", auth.ErrMissingToken
	}
	return uid, nil
}

// ---- send helpers ----

func (g *WSGateway) reply(client *Client, typ string, payload any) error {
	if err := client.Push(presence.Event{Type: typ, Payload: payload}); err != nil {
		return fmt.Errorf("backpressure: %s: %w", typ, err)
	}
	return nil
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	_ = client.Push(presence.Event{Type: v1.TypeError, Payload: v1.ErrorPayload{Code: code, Message: msg}})
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted distinct hosts of
// the allowlist, the form websocket.Accept matches OriginPatterns against.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
