package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "wander/contracts/realtime/v1"
)

// ConnState is the realtime connection state seen by the client.
type ConnState int

const (
	// StateConnecting covers dialing, the hello handshake and backoff waits.
	StateConnecting ConnState = iota
	// StateOpen means the handshake completed and pushes are flowing.
	StateOpen
	// StateClosed is terminal: the session was closed by its owner.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Defaults for DeliverySession.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultAckTimeout       = 2 * time.Second
	catchUpTimeout          = 10 * time.Second
)

// ErrNotConnected is returned (wrapped in a TransportError) when a realtime operation
// needs an open connection and there is none.
var ErrNotConnected = errors.New("realtime connection not open")

// watcher is a conversation view as the delivery session sees it.
type watcher interface {
	ConversationID() string
	Refresh(ctx context.Context) error
	handlePush(m v1.Message)
}

// DeliveryOption configures a DeliverySession.
type DeliveryOption func(*DeliverySession)

// WithDialOptions sets the options used for every dial.
func WithDialOptions(o DialOptions) DeliveryOption {
	return func(s *DeliverySession) { s.dial = o }
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(b Backoff) DeliveryOption {
	return func(s *DeliverySession) { s.backoff = b }
}

// WithHandshakeTimeout bounds dial plus hello. Past it the session runs degraded
// (persisted-only) while it keeps reconnecting in the background.
func WithHandshakeTimeout(d time.Duration) DeliveryOption {
	return func(s *DeliverySession) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithAckTimeout bounds how long SendMessage waits for message_relayed.
func WithAckTimeout(d time.Duration) DeliveryOption {
	return func(s *DeliverySession) {
		if d > 0 {
			s.ackTimeout = d
		}
	}
}

// WithDeliveryLogger sets the logger (default slog.Default()).
func WithDeliveryLogger(l *slog.Logger) DeliveryOption {
	return func(s *DeliverySession) {
		if l != nil {
			s.log = l
		}
	}
}

// WithStateHook is called after every state change, outside the session lock.
func WithStateHook(fn func(state ConnState, degraded bool)) DeliveryOption {
	return func(s *DeliverySession) { s.onState = fn }
}

// DeliverySession owns one realtime connection for a user: it reconnects with backoff,
// re-announces every watched conversation and routes pushes to their views.
// A session is used by many views concurrently.
type DeliverySession struct {
	url              string
	sess             Session
	dial             DialOptions
	backoff          Backoff
	handshakeTimeout time.Duration
	ackTimeout       time.Duration
	log              *slog.Logger
	onState          func(ConnState, bool)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	state    ConnState
	degraded bool
	conn     *Conn
	views    map[string]watcher
	catchUp  map[string]bool
	acks     map[string]chan int
}

// NewDeliverySession prepares a session for wsURL. Nothing is dialed until Start or the
// first Watch.
func NewDeliverySession(wsURL string, sess Session, opts ...DeliveryOption) *DeliverySession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &DeliverySession{
		url:              wsURL,
		sess:             sess,
		backoff:          DefaultBackoff(),
		handshakeTimeout: DefaultHandshakeTimeout,
		ackTimeout:       DefaultAckTimeout,
		log:              slog.Default(),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		state:            StateConnecting,
		views:            make(map[string]watcher),
		catchUp:          make(map[string]bool),
		acks:             make(map[string]chan int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start launches the connection loop. Calling it again is a no-op.
func (s *DeliverySession) Start() {
	s.mu.Lock()
	if s.started || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// State returns the connection state.
func (s *DeliverySession) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether the last connection attempt failed, leaving views in
// persisted-only mode.
func (s *DeliverySession) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// SessionID returns the server delivery session id of the open connection, "" otherwise.
func (s *DeliverySession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.SessionID()
}

// Watch registers v and joins its conversation, starting the session if needed.
// When the connection is not open the join is sent on the next open. After the server
// confirms the join the view is refreshed to cover the gap before it.
func (s *DeliverySession) Watch(ctx context.Context, v watcher) error {
	id := v.ConversationID()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return transportErr("watch", ErrNotConnected)
	}
	s.views[id] = v
	s.catchUp[id] = true
	conn := s.conn
	s.mu.Unlock()

	s.Start()

	if conn == nil {
		return nil
	}
	return conn.Write(ctx, v1.TypeJoinConversation, v1.JoinConversationPayload{ConversationID: id})
}

// Unwatch drops the view for conversationID and leaves it on the server.
func (s *DeliverySession) Unwatch(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.views, conversationID)
	delete(s.catchUp, conversationID)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Write(ctx, v1.TypeLeaveConversation, v1.LeaveConversationPayload{ConversationID: conversationID})
}

// SwitchTo leaves fromConversationID (when set) and watches v.
func (s *DeliverySession) SwitchTo(ctx context.Context, fromConversationID string, v watcher) error {
	var errs []error
	if fromConversationID != "" && fromConversationID != v.ConversationID() {
		errs = append(errs, s.Unwatch(ctx, fromConversationID))
	}
	errs = append(errs, s.Watch(ctx, v))
	return errors.Join(errs...)
}

// SendMessage asks the hub to push content to the other participant and waits for the
// hub acknowledgement. It returns how many connections received the push. Nothing is
// persisted; failures are *TransportError.
func (s *DeliverySession) SendMessage(ctx context.Context, conversationID, clientMsgID string, content v1.Content) (int, error) {
	body, mediaURL, mediaType := v1.Parts(content)

	ack := make(chan int, 1)
	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		s.acks[clientMsgID] = ack
	}
	s.mu.Unlock()
	if conn == nil {
		return 0, transportErr("send_message", ErrNotConnected)
	}
	defer func() {
		s.mu.Lock()
		if s.acks[clientMsgID] == ack {
			delete(s.acks, clientMsgID)
		}
		s.mu.Unlock()
	}()

	err := conn.Write(ctx, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		Body:           body,
		MediaURL:       mediaURL,
		MediaType:      mediaType,
	})
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case n, ok := <-ack:
		if !ok {
			return 0, transportErr("send_message", ErrNotConnected)
		}
		return n, nil
	case <-timer.C:
		return 0, transportErr("send_message", errors.New("no acknowledgement from hub"))
	case <-ctx.Done():
		return 0, transportErr("send_message", ctx.Err())
	}
}

// Close stops the session and waits for the connection loop to exit.
func (s *DeliverySession) Close() error {
	s.mu.Lock()
	started := s.started
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.done
	}
	s.notifyState()
	return nil
}

func (s *DeliverySession) run() {
	defer close(s.done)

	attempt := 0
	for {
		s.setState(StateConnecting, nil)

		dctx, cancel := context.WithTimeout(s.ctx, s.handshakeTimeout)
		conn, err := Dial(dctx, s.url, s.sess, s.dial)
		cancel()

		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.markDegraded(err)
			if !s.sleep(s.backoff.Delay(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		s.setState(StateOpen, conn)
		s.rejoin(conn)

		err = s.readLoop(conn)
		s.dropConn(conn)
		_ = conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting, nil)
		s.log.Info("delivery.disconnected", "user_id", s.sess.UserID, "err", err)
		if !s.sleep(s.backoff.Delay(attempt)) {
			return
		}
		attempt++
	}
}

func (s *DeliverySession) rejoin(conn *Conn) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
		s.catchUp[id] = true
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := conn.Write(s.ctx, v1.TypeJoinConversation, v1.JoinConversationPayload{ConversationID: id}); err != nil {
			s.log.Info("delivery.rejoin.fail", "conversation_id", id, "err", err)
			return
		}
	}
}

func (s *DeliverySession) readLoop(conn *Conn) error {
	for {
		env, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}

		switch env.Type {
		case v1.TypeNewMessage:
			var p v1.NewMessagePayload
			if err := env.Decode(&p); err != nil {
				s.log.Debug("delivery.push.bad_payload", "err", err)
				continue
			}
			if p.Message.ConversationID == "" {
				p.Message.ConversationID = p.ConversationID
			}
			s.mu.Lock()
			v := s.views[p.ConversationID]
			s.mu.Unlock()
			if v != nil {
				v.handlePush(p.Message)
			}

		case v1.TypeMessageRelayed:
			var p v1.MessageRelayedPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			s.mu.Lock()
			ch := s.acks[p.ClientMsgID]
			s.mu.Unlock()
			if ch != nil {
				select {
				case ch <- p.Recipients:
				default:
				}
			}

		case v1.TypeConversationJoined:
			var p v1.ConversationJoinedPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			s.mu.Lock()
			v := s.views[p.ConversationID]
			pending := s.catchUp[p.ConversationID]
			delete(s.catchUp, p.ConversationID)
			s.mu.Unlock()
			if v != nil && pending {
				go s.refresh(v)
			}

		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			s.log.Warn("delivery.server_error", "code", p.Code, "message", p.Message)

		default:
			s.log.Debug("delivery.ignored", "type", env.Type)
		}
	}
}

// refresh repairs any gap between the view's snapshot and the join.
func (s *DeliverySession) refresh(v watcher) {
	ctx, cancel := context.WithTimeout(s.ctx, catchUpTimeout)
	defer cancel()
	if err := v.Refresh(ctx); err != nil {
		s.log.Info("delivery.catch_up.fail", "conversation_id", v.ConversationID(), "err", err)
	}
}

func (s *DeliverySession) setState(state ConnState, conn *Conn) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = state
	if state == StateOpen {
		s.conn = conn
		s.degraded = false
	}
	s.mu.Unlock()

	if state == StateOpen {
		s.log.Info("delivery.open", "user_id", s.sess.UserID, "session_id", conn.SessionID())
	}
	s.notifyState()
}

func (s *DeliverySession) markDegraded(err error) {
	s.mu.Lock()
	was := s.degraded
	s.degraded = true
	s.mu.Unlock()

	if !was {
		s.log.Warn("delivery.degraded", "user_id", s.sess.UserID, "err", err)
		s.notifyState()
	}
}

// dropConn forgets conn and fails every pending acknowledgement.
func (s *DeliverySession) dropConn(conn *Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	for id, ch := range s.acks {
		close(ch)
		delete(s.acks, id)
	}
	s.mu.Unlock()
}

func (s *DeliverySession) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *DeliverySession) notifyState() {
	if s.onState == nil {
		return
	}
	s.mu.Lock()
	state, degraded := s.state, s.degraded
	s.mu.Unlock()
	s.onState(state, degraded)
}
