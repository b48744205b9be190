// Package realtime contains the WebSocket fan-out hub: server-side interest tracking,
// best-effort push of new messages to the other participant, and the cross-instance relay.
//
// Nothing here persists. Clients write through the REST API and use this channel only for
// low-latency delivery; a missed push is repaired by a snapshot refetch.
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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"wander/cmd/internal/chat"
	"wander/cmd/security/token"
	v1 "wander/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsRelayTimeout        = 2 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Error codes sent in error envelopes.
const (
	codeBadJSON          = "bad_json"
	codeBadEnvelope      = "bad_envelope"
	codeBadPayload       = "bad_payload"
	codeRateLimited      = "rate_limited"
	codeValidation       = "validation"
	codeUnavailable      = "conversation_unavailable"
	codeNotJoined        = "not_joined"
	codeTooManyInterests = "too_many_interests"
	codeInternal         = "internal"
)

// TokenVerifier authenticates the upgrade request. *token.Manager satisfies it.
type TokenVerifier interface {
	Verify(raw string) (token.Identity, error)
}

// WSGateway is the WebSocket entrypoint for realtime delivery.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits and
// heartbeats, and routes validated envelopes to the Hub and Relay.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	members Membership
	auth    TokenVerifier
	relay   Relay

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	now func() time.Time
}

// GatewayOption configures optional gateway collaborators.
type GatewayOption func(*WSGateway)

// WithRelay sets the cross-instance relay (default LocalRelay).
func WithRelay(r Relay) GatewayOption {
	return func(g *WSGateway) {
		if r != nil {
			g.relay = r
		}
	}
}

// NewWSGateway constructs a gateway with secure defaults read from WANDER_WS_* env vars.
func NewWSGateway(log *slog.Logger, hub *Hub, members Membership, auth TokenVerifier, opts ...GatewayOption) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if members == nil {
		return nil, errors.New("realtime: nil membership")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil token verifier")
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, members: members, auth: auth, relay: LocalRelay{}, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// NOTE: InsecureSkipVerify is a dev-only knob that disables websocket.Accept's own origin check.
	g.devInsecure = envBoolWS("WANDER_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("WANDER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("WANDER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("WANDER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("WANDER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("WANDER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("WANDER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("WANDER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("WANDER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("WANDER_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// Hub returns the hub this gateway delivers through.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// connState is the per-connection state owned by the read loop.
type connState struct {
	client *Client
	// joined mirrors the hub interests with the resolved conversation (for the peer id).
	joined map[string]chat.Conversation
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
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

	// Connection ids are unique even when one token opens several sockets.
	sessionID, err := NewSessionID(g.now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(ident.UserID, sessionID, g.sendQueueSize)
	st := &connState{client: client, joined: make(map[string]chat.Conversation)}

	g.hub.metrics.connOpened()
	defer g.hub.metrics.connClosed()

	g.log.Info("ws.open", "session_id", sessionID, "user_id", ident.UserID, "token_session_id", ident.SessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Interest removal happens before client.Close so broadcasters never target a dead client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Disconnect(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.close", "session_id", sessionID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

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
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
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

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
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

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
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

		now := g.now().UTC()
		if !rl.Allow(now) {
			g.sendError(client, codeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, codeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			g.onHello(client)

		case v1.TypeJoinConversation:
			g.onJoin(ctx, st, env)

		case v1.TypeLeaveConversation:
			g.onLeave(st, env)

		case v1.TypeSendMessage:
			g.onSendMessage(ctx, st, env, now)

		default:
			// Forward compatibility: unknown and server-only types are ignored.
			g.log.Debug("ws.ignore", "session_id", sessionID, "type", env.Type)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(client *Client) {
	ack, err := g.envelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID, UserID: client.UserID})
	if err != nil {
		g.sendError(client, codeInternal, "hello failed")
		return
	}
	if !client.TrySend(ack) {
		g.log.Info("ws.backpressure", "session_id", client.SessionID, "type", v1.TypeHelloAck)
	}
}

func (g *WSGateway) onJoin(ctx context.Context, st *connState, env v1.Envelope) {
	client := st.client

	var p v1.JoinConversationPayload
	if err := env.Decode(&p); err != nil {
		g.sendError(client, codeBadPayload, err.Error())
		return
	}

	conv, err := authorizeJoin(ctx, g.members, client.UserID, p.ConversationID)
	if err != nil {
		g.sendJoinError(client, p.ConversationID, err)
		return
	}

	interests, err := g.hub.Join(client, conv.ID, p.Replace)
	if errors.Is(err, ErrTooManyInterests) {
		g.sendError(client, codeTooManyInterests, fmt.Sprintf("max %d conversations per connection", g.hub.maxInterests))
		return
	}
	if err != nil {
		g.sendError(client, codeInternal, "join failed")
		return
	}

	// Keep the local mirror aligned with the hub after a replace.
	for cid := range st.joined {
		if !containsSorted(interests, cid) {
			delete(st.joined, cid)
		}
	}
	st.joined[conv.ID] = conv

	echo, err := g.envelope(v1.TypeConversationJoined, v1.ConversationJoinedPayload{
		ConversationID: conv.ID,
		Interests:      interests,
	})
	if err != nil || !client.TrySend(echo) {
		g.log.Info("ws.backpressure", "session_id", client.SessionID, "type", v1.TypeConversationJoined)
	}
}

func (g *WSGateway) sendJoinError(client *Client, conversationID string, err error) {
	switch {
	case chat.IsValidation(err):
		g.sendError(client, codeValidation, err.Error())
	case chat.IsNotFound(err), errors.Is(err, ErrNotParticipant):
		// Same answer for missing and foreign conversations.
		g.log.Info("ws.join.denied", "session_id", client.SessionID, "user_id", client.UserID, "conversation_id", conversationID, "err", err)
		g.sendError(client, codeUnavailable, "conversation unavailable")
	default:
		g.log.Error("ws.join.fail", "session_id", client.SessionID, "conversation_id", conversationID, "err", err)
		g.sendError(client, codeInternal, "join failed")
	}
}

func (g *WSGateway) onLeave(st *connState, env v1.Envelope) {
	var p v1.LeaveConversationPayload
	if err := env.Decode(&p); err != nil {
		g.sendError(st.client, codeBadPayload, err.Error())
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	g.hub.Leave(st.client, convID)
	delete(st.joined, convID)
}

func (g *WSGateway) onSendMessage(ctx context.Context, st *connState, env v1.Envelope, now time.Time) {
	client := st.client

	var p v1.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		g.sendError(client, codeBadPayload, err.Error())
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	conv, ok := st.joined[convID]
	if !ok {
		g.sendError(client, codeNotJoined, "join the conversation first")
		return
	}

	msg, err := buildPush(conv, client.UserID, p, now)
	if err != nil {
		g.sendError(client, codeValidation, err.Error())
		return
	}

	push, err := g.envelope(v1.TypeNewMessage, v1.NewMessagePayload{ConversationID: conv.ID, Message: msg})
	if err != nil {
		g.sendError(client, codeInternal, "encode failed")
		return
	}

	recipients := g.hub.Deliver(conv.ID, client.SessionID, push)
	g.hub.metrics.relayed()

	relayCtx, relayCancel := context.WithTimeout(ctx, wsRelayTimeout)
	if err := g.relay.Publish(relayCtx, Delivery{
		ConversationID:   conv.ID,
		ExcludeSessionID: client.SessionID,
		Envelope:         push,
	}); err != nil {
		g.log.Info("ws.relay.fail", "session_id", client.SessionID, "conversation_id", conv.ID, "err", err)
	}
	relayCancel()

	ack, err := g.envelope(v1.TypeMessageRelayed, v1.MessageRelayedPayload{
		ConversationID: conv.ID,
		ClientMsgID:    msg.ClientMsgID,
		Recipients:     recipients,
	})
	if err != nil || !client.TrySend(ack) {
		g.log.Info("ws.backpressure", "session_id", client.SessionID, "type", v1.TypeMessageRelayed)
	}
}

// buildPush validates a send_message payload and stamps it into a wire message.
// The message has no server id: it is not persisted by the hub.
func buildPush(conv chat.Conversation, fromUserID string, p v1.SendMessagePayload, now time.Time) (v1.Message, error) {
	clientMsgID := strings.TrimSpace(p.ClientMsgID)
	if clientMsgID == "" {
		return v1.Message{}, errors.New("missing client_msg_id")
	}
	if len(clientMsgID) > maxClientMsgIDLen {
		return v1.Message{}, fmt.Errorf("client_msg_id too long: max=%d bytes", maxClientMsgIDLen)
	}
	if n := len([]rune(strings.TrimSpace(p.Body))); n > maxMessageChars {
		return v1.Message{}, fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	content, err := v1.ContentFromParts(p.Body, p.MediaURL, p.MediaType)
	if err != nil {
		return v1.Message{}, err
	}

	return v1.Message{
		ConversationID: conv.ID,
		ClientMsgID:    clientMsgID,
		FromUserID:     fromUserID,
		ToUserID:       conv.Peer(fromUserID),
		CreatedAt:      now,
	}.WithContent(content), nil
}

// ---- send helpers ----

func (g *WSGateway) envelope(typ string, payload any) (v1.Envelope, error) {
	now := g.now().UTC()
	return v1.NewEnvelope(typ, NewEnvelopeID(now), now, payload)
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	g.hub.metrics.rejected(code)
	env, err := g.envelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = client.TrySend(env)
}

// ---- auth ----

// authenticate reads the token from the Authorization header, falling back to the
// "token" query parameter for browsers that cannot set headers on upgrade.
func (g *WSGateway) authenticate(r *http.Request) (token.Identity, error) {
	raw := token.FromAuthorization(r.Header.Get("Authorization"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return g.auth.Verify(raw)
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
	var bj errBadJSON
	if errors.As(err, &bj) {
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
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
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

// deriveOriginPatternsFromAllowedOrigins returns the sorted, distinct hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}
	return sortedKeys(seen)
}

func containsSorted(sorted []string, s string) bool {
	i := sort.SearchStrings(sorted, s)
	return i < len(sorted) && sorted[i] == s
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
