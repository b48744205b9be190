package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "wander/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20

// DialOptions configures a realtime connection.
type DialOptions struct {
	// Origin is sent as the Origin header; servers that require one reject dials without it.
	Origin string
	// HTTPClient is used for the upgrade request.
	HTTPClient *http.Client
}

// Conn is one authenticated realtime connection after a completed hello handshake.
// Writes may be issued concurrently; Read must only be called from one goroutine.
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	userID    string
}

// Dial opens wsURL, negotiates the v1 subprotocol and completes the hello handshake.
// Every failure is a *TransportError.
func Dial(ctx context.Context, wsURL string, sess Session, opts DialOptions) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, transportErr("dial", fmt.Errorf("invalid websocket url %q", wsURL))
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+sess.Token)
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil {
			return nil, transportErr("dial", fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return nil, transportErr("dial", err)
	}
	if ws.Subprotocol() != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, transportErr("dial", fmt.Errorf("subprotocol %q not negotiated", v1.Subprotocol))
	}
	ws.SetReadLimit(maxReadBytes)

	c := &Conn{ws: ws}
	if err := c.hello(ctx); err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}
	return c, nil
}

func (c *Conn) hello(ctx context.Context) error {
	if err := c.Write(ctx, v1.TypeHello, v1.HelloPayload{}); err != nil {
		return err
	}
	for {
		env, err := c.Read(ctx)
		if err != nil {
			return transportErr("hello", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := env.Decode(&ack); err != nil {
				return transportErr("hello", err)
			}
			if ack.SessionID == "" {
				return transportErr("hello", errors.New("hello_ack without session id"))
			}
			c.sessionID, c.userID = ack.SessionID, ack.UserID
			return nil
		case v1.TypeError:
			return transportErr("hello", envelopeError(env))
		}
	}
}

// SessionID is the server-assigned delivery session id.
func (c *Conn) SessionID() string { return c.sessionID }

// UserID is the user the server authenticated.
func (c *Conn) UserID() string { return c.userID }

// Write sends one envelope of type typ.
func (c *Conn) Write(ctx context.Context, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		return transportErr("write", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return transportErr("write", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
		return transportErr("write", err)
	}
	return nil
}

// Read returns the next structurally valid envelope, skipping binary frames.
func (c *Conn) Read(ctx context.Context) (v1.Envelope, error) {
	for {
		mt, data, err := c.ws.Read(ctx)
		if err != nil {
			return v1.Envelope{}, transportErr("read", err)
		}
		if mt != websocket.MessageText {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return v1.Envelope{}, transportErr("read", fmt.Errorf("decode envelope: %w", err))
		}
		if err := env.Validate(); err != nil {
			return v1.Envelope{}, transportErr("read", err)
		}
		return env, nil
	}
}

// Close closes the connection with a normal status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

// ServerError is an error envelope received from the hub.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "server error: " + e.Code
	}
	return "server error: " + e.Code + ": " + e.Message
}

func envelopeError(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return &ServerError{Code: "unknown", Message: err.Error()}
	}
	return &ServerError{Code: p.Code, Message: p.Message}
}

// WSURL derives the realtime endpoint from a REST base URL ("http://h:p" -> "ws://h:p/ws").
func WSURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
