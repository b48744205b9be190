package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	v1 "wander/contracts/realtime/v1"
)

// fakeServer is a single-process stand-in for the REST API and the realtime hub.
// Tokens are "tok-<user>".
type fakeServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	msgs        map[string][]v1.Message
	failPosts   int
	silentHello bool
	blocked     bool
	conns       map[*fakeConn]struct{}
	dials       int
}

type fakeConn struct {
	ws        *websocket.Conn
	user      string
	interests map[string]bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{
		msgs:  make(map[string][]v1.Message),
		conns: make(map[*fakeConn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /messages/{id}", f.listMessages)
	mux.HandleFunc("POST /messages/{id}", f.postMessage)
	mux.HandleFunc("GET /ws", f.serveWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) session(user string) Session {
	return Session{UserID: user, Token: "tok-" + user}
}

func (f *fakeServer) api(t *testing.T, user string) *API {
	t.Helper()
	a, err := NewAPI(f.srv.URL, f.session(user))
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return a
}

func (f *fakeServer) wsURL() string { return WSURL(f.srv.URL) }

func (f *fakeServer) count(convID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[convID])
}

func (f *fakeServer) set(fn func(f *fakeServer)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

// kick drops every realtime connection and refuses new ones until unblocked.
func (f *fakeServer) kick() {
	f.mu.Lock()
	f.blocked = true
	conns := make([]*fakeConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "kicked")
	}
}

func userOf(r *http.Request) string {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return strings.TrimPrefix(tok, "tok-")
}

func writeErr(w http.ResponseWriter, status int, code string) {
	var body v1.APIError
	body.Error.Code, body.Error.Message = code, code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeServer) listMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	f.mu.Lock()
	all := append([]v1.Message(nil), f.msgs[id]...)
	f.mu.Unlock()

	var out []v1.Message
	hasMore := false
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		after, _ := strconv.ParseInt(raw, 10, 64)
		for _, m := range all {
			if m.Seq > after {
				out = append(out, m)
			}
		}
		if len(out) > limit {
			out, hasMore = out[:limit], true
		}
	} else {
		out = all
		if len(out) > limit {
			out, hasMore = out[len(out)-limit:], true
		}
	}
	writeJSON(w, http.StatusOK, v1.MessageList{ConversationID: id, Messages: out, HasMore: hasMore})
}

func (f *fakeServer) postMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req v1.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json")
		return
	}
	content, err := v1.ContentFromParts(req.Body, req.MediaURL, req.MediaType)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPosts > 0 {
		f.failPosts--
		writeErr(w, http.StatusInternalServerError, "persistence")
		return
	}
	for _, m := range f.msgs[id] {
		if req.ClientMsgID != "" && m.ClientMsgID == req.ClientMsgID {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}

	seq := int64(len(f.msgs[id]) + 1)
	m := v1.Message{
		ID:             id + "-m" + strconv.FormatInt(seq, 10),
		ConversationID: id,
		Seq:            seq,
		ClientMsgID:    req.ClientMsgID,
		FromUserID:     userOf(r),
		CreatedAt:      time.Now().UTC(),
	}.WithContent(content)
	f.msgs[id] = append(f.msgs[id], m)
	writeJSON(w, http.StatusCreated, m)
}

func (f *fakeServer) serveWS(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	blocked := f.blocked
	f.dials++
	f.mu.Unlock()
	if blocked {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	c := &fakeConn{ws: ws, user: userOf(r), interests: make(map[string]bool)}

	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.conns, c)
		f.mu.Unlock()
		_ = ws.CloseNow()
	}()

	ctx := r.Context()
	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			return
		}
		f.handle(ctx, c, env)
	}
}

func (f *fakeServer) reply(ctx context.Context, c *fakeConn, typ string, payload any) {
	env, err := v1.NewEnvelope(typ, typ+"-reply", time.Now().UTC(), payload)
	if err != nil {
		return
	}
	_ = wsjson.Write(ctx, c.ws, env)
}

func (f *fakeServer) handle(ctx context.Context, c *fakeConn, env v1.Envelope) {
	switch env.Type {
	case v1.TypeHello:
		f.mu.Lock()
		silent := f.silentHello
		f.mu.Unlock()
		if !silent {
			f.reply(ctx, c, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: "s-" + c.user, UserID: c.user})
		}

	case v1.TypeJoinConversation:
		var p v1.JoinConversationPayload
		_ = env.Decode(&p)
		f.mu.Lock()
		c.interests[p.ConversationID] = true
		f.mu.Unlock()
		f.reply(ctx, c, v1.TypeConversationJoined, v1.ConversationJoinedPayload{ConversationID: p.ConversationID})

	case v1.TypeLeaveConversation:
		var p v1.LeaveConversationPayload
		_ = env.Decode(&p)
		f.mu.Lock()
		delete(c.interests, p.ConversationID)
		f.mu.Unlock()

	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		_ = env.Decode(&p)
		msg := v1.Message{
			ConversationID: p.ConversationID,
			ClientMsgID:    p.ClientMsgID,
			FromUserID:     c.user,
			Body:           p.Body,
			MediaURL:       p.MediaURL,
			MediaType:      p.MediaType,
			CreatedAt:      time.Now().UTC(),
		}
		if content, err := msg.Content(); err == nil {
			msg.Kind = content.Kind()
		}

		f.mu.Lock()
		var targets []*fakeConn
		for other := range f.conns {
			if other != c && other.interests[p.ConversationID] {
				targets = append(targets, other)
			}
		}
		f.mu.Unlock()

		for _, t := range targets {
			f.reply(ctx, t, v1.TypeNewMessage, v1.NewMessagePayload{ConversationID: p.ConversationID, Message: msg})
		}
		f.reply(ctx, c, v1.TypeMessageRelayed, v1.MessageRelayedPayload{
			ConversationID: p.ConversationID,
			ClientMsgID:    p.ClientMsgID,
			Recipients:     len(targets),
		})
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
