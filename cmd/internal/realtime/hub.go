package realtime

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	v1 "wander/contracts/realtime/v1"
)

// ErrTooManyInterests is returned by Join when a connection already watches the maximum
// number of conversations.
var ErrTooManyInterests = errors.New("realtime: too many interests")

// Delivery sources for metrics.
const (
	sourceLocal = "local"
	sourceRelay = "relay"
)

// Hub tracks which local connections are interested in which conversations and fans
// envelopes out to them. Persistence lives in the chat package; the hub never stores.
//
// Concurrency guarantees:
// - Join/Leave/Disconnect are safe under concurrent Deliver.
// - Deliver never blocks (drops under backpressure).
type Hub struct {
	log          *slog.Logger
	metrics      *Metrics
	maxInterests int

	mu        sync.RWMutex
	rooms     map[string]*room               // conversation id -> interested clients
	interests map[string]map[string]struct{} // session id -> conversation ids
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMetrics attaches collectors to the hub.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithMaxInterests overrides the per-connection interest cap.
func WithMaxInterests(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxInterests = n
		}
	}
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:          log,
		maxInterests: maxInterestsPerConn,
		rooms:        make(map[string]*room),
		interests:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Join registers c's interest in conversationID. With replace, every previous interest of
// c is dropped first. It returns c's interests after the change, sorted.
func (h *Hub) Join(c *Client, conversationID string, replace bool) ([]string, error) {
	if c == nil || c.SessionID == "" || conversationID == "" {
		return nil, errors.New("realtime: invalid join")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.interests[c.SessionID]
	if set == nil {
		set = make(map[string]struct{}, 1)
		h.interests[c.SessionID] = set
	}

	delta := 0
	if replace {
		for cid := range set {
			if cid == conversationID {
				continue
			}
			h.removeLocked(c.SessionID, cid)
			delta--
		}
	}

	if _, ok := set[conversationID]; !ok {
		if len(set) >= h.maxInterests {
			h.metrics.interestsDelta(delta)
			return sortedKeys(set), ErrTooManyInterests
		}
		set[conversationID] = struct{}{}
		r := h.rooms[conversationID]
		if r == nil {
			r = newRoom(conversationID)
			h.rooms[conversationID] = r
		}
		r.add(c)
		delta++
	}
	h.metrics.interestsDelta(delta)

	h.log.Debug("hub.join", "conversation_id", conversationID, "session_id", c.SessionID, "replace", replace)
	return sortedKeys(set), nil
}

// Leave drops c's interest in conversationID. Unknown interests are ignored.
func (h *Hub) Leave(c *Client, conversationID string) []string {
	if c == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.interests[c.SessionID]
	if _, ok := set[conversationID]; ok {
		h.removeLocked(c.SessionID, conversationID)
		h.metrics.interestsDelta(-1)
		h.log.Debug("hub.leave", "conversation_id", conversationID, "session_id", c.SessionID)
	}
	return sortedKeys(h.interests[c.SessionID])
}

// Disconnect drops every interest of c. Called once when the connection closes.
func (h *Hub) Disconnect(c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	set := h.interests[c.SessionID]
	n := len(set)
	for cid := range set {
		h.removeLocked(c.SessionID, cid)
	}
	delete(h.interests, c.SessionID)
	h.mu.Unlock()

	h.metrics.interestsDelta(-n)
	if n > 0 {
		h.log.Debug("hub.disconnect", "session_id", c.SessionID, "interests", n)
	}
}

// removeLocked requires h.mu held for writing.
func (h *Hub) removeLocked(sessionID, conversationID string) {
	if set := h.interests[sessionID]; set != nil {
		delete(set, conversationID)
	}
	if r := h.rooms[conversationID]; r != nil {
		r.remove(sessionID)
		if r.empty() {
			delete(h.rooms, conversationID)
		}
	}
}

// IsInterested reports whether sessionID currently watches conversationID.
func (h *Hub) IsInterested(sessionID, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.interests[sessionID][conversationID]
	return ok
}

// Interested returns the number of local connections watching conversationID.
func (h *Hub) Interested(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r := h.rooms[conversationID]; r != nil {
		return len(r.members)
	}
	return 0
}

// Deliver fans env out to every local connection interested in conversationID, except
// excludeSession. It returns the number of connections the envelope was enqueued to.
func (h *Hub) Deliver(conversationID, excludeSession string, env v1.Envelope) int {
	return h.deliver(sourceLocal, conversationID, excludeSession, env)
}

func (h *Hub) deliver(source, conversationID, excludeSession string, env v1.Envelope) int {
	h.mu.RLock()
	r := h.rooms[conversationID]
	var delivered, dropped int
	if r != nil {
		delivered, dropped = r.broadcast(env, excludeSession)
	}
	h.mu.RUnlock()

	h.metrics.delivered(source, delivered, dropped)
	if dropped > 0 {
		h.log.Info("hub.deliver.dropped", "conversation_id", conversationID, "dropped", dropped, "source", source)
	}
	return delivered
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
