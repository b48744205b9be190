package client

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "wander/contracts/realtime/v1"
)

// DefaultEchoWindow bounds how long after a local send a pushed message from the same user
// with the same content is treated as the echo of that send.
const DefaultEchoWindow = 30 * time.Second

// EntryState is where a timeline entry is in its lifecycle.
type EntryState int

const (
	// EntryPending is an optimistic local send whose persistence is in flight.
	EntryPending EntryState = iota
	// EntryFailed is a local send whose persistence failed. It can be retried.
	EntryFailed
	// EntryLive is a message pushed by the hub that no snapshot has confirmed yet.
	EntryLive
	// EntryPersisted is a server row, from a snapshot or a confirmed send.
	EntryPersisted
)

func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntryFailed:
		return "failed"
	case EntryLive:
		return "live"
	case EntryPersisted:
		return "persisted"
	default:
		return "unknown"
	}
}

// Entry is one rendered message.
type Entry struct {
	CorrelationID string
	Message       v1.Message
	State         EntryState
	// Err is set for EntryFailed.
	Err error
	// LocalAt is when the entry first entered the timeline.
	LocalAt time.Time
}

// Timestamped reports whether the entry carries a server-assigned CreatedAt.
func (e Entry) Timestamped() bool {
	return e.State == EntryLive || e.State == EntryPersisted
}

type entry struct {
	Entry
	order uint64
}

// Timeline merges optimistic, pushed and persisted messages of one conversation so that
// every message renders exactly once. It is safe for concurrent use.
type Timeline struct {
	conversationID string
	self           string
	echoWindow     time.Duration
	now            func() time.Time

	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
	byCorr  map[string]*entry
	next    uint64
	// snapSeq is the highest seq delivered by a snapshot window. Confirmed sends and
	// pushes never move it, so rows persisted during a gap stay above it.
	snapSeq int64
}

// TimelineOption configures a Timeline.
type TimelineOption func(*Timeline)

// WithEchoWindow overrides DefaultEchoWindow.
func WithEchoWindow(d time.Duration) TimelineOption {
	return func(t *Timeline) {
		if d > 0 {
			t.echoWindow = d
		}
	}
}

// WithTimelineClock sets the clock used for LocalAt and echo recency.
func WithTimelineClock(now func() time.Time) TimelineOption {
	return func(t *Timeline) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTimeline creates an empty timeline for conversationID as seen by selfUserID.
func NewTimeline(conversationID, selfUserID string, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		conversationID: conversationID,
		self:           selfUserID,
		echoWindow:     DefaultEchoWindow,
		now:            time.Now,
		byID:           make(map[string]*entry),
		byCorr:         make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// ConversationID returns the conversation this timeline renders.
func (t *Timeline) ConversationID() string { return t.conversationID }

// AddOptimistic appends a pending local send. A missing ClientMsgID is generated; the
// returned entry's CorrelationID is the key for Confirm, Fail and Remove. Adding a
// correlation id twice returns the existing entry.
func (t *Timeline) AddOptimistic(m v1.Message) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ClientMsgID == "" {
		m.ClientMsgID = uuid.NewString()
	}
	if e, ok := t.byCorr[m.ClientMsgID]; ok {
		return e.Entry
	}

	m.ID, m.Seq = "", 0
	m.ConversationID = t.conversationID
	m.FromUserID = t.self
	if m.Kind == "" {
		if c, err := m.Content(); err == nil {
			m.Kind = c.Kind()
		}
	}

	e := t.insertLocked(m, EntryPending)
	return e.Entry
}

// Confirm replaces the optimistic entry correlationID with its persisted row. When the row
// is already present (a snapshot won the race) the optimistic entry is folded into it.
func (t *Timeline) Confirm(correlationID string, persisted v1.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if persisted.ID == "" {
		return false
	}
	if persisted.ClientMsgID == "" {
		persisted.ClientMsgID = correlationID
	}

	local := t.byCorr[correlationID]
	if existing, ok := t.byID[persisted.ID]; ok && existing != local {
		if local != nil {
			t.removeLocked(local)
		}
		t.persistLocked(existing, persisted)
		return true
	}
	if local == nil {
		t.insertLocked(persisted, EntryPersisted)
		return true
	}
	t.persistLocked(local, persisted)
	return true
}

// Fail marks a pending entry failed with err. Persisted entries are never failed.
func (t *Timeline) Fail(correlationID string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byCorr[correlationID]
	if !ok || e.State != EntryPending {
		return false
	}
	e.State = EntryFailed
	e.Err = err
	return true
}

// MarkPending moves a failed entry back to pending for a retry and returns it.
func (t *Timeline) MarkPending(correlationID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byCorr[correlationID]
	if !ok || e.State != EntryFailed {
		return Entry{}, false
	}
	e.State = EntryPending
	e.Err = nil
	return e.Entry, true
}

// Remove drops the entry with correlationID.
func (t *Timeline) Remove(correlationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byCorr[correlationID]
	if !ok {
		return false
	}
	t.removeLocked(e)
	return true
}

// Lookup returns the entry with correlationID.
func (t *Timeline) Lookup(correlationID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byCorr[correlationID]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// ApplyPush inserts a message pushed by the hub and reports whether it was added.
// It is skipped when it belongs to another conversation, is already known by server id
// or correlation id, or is the echo of a recent local send.
func (t *Timeline) ApplyPush(m v1.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ConversationID != t.conversationID {
		return false
	}
	if m.ID != "" {
		if _, ok := t.byID[m.ID]; ok {
			return false
		}
	}
	if m.ClientMsgID != "" {
		if _, ok := t.byCorr[m.ClientMsgID]; ok {
			return false
		}
	}
	if m.FromUserID == t.self && t.isEchoLocked(m) {
		return false
	}

	state := EntryLive
	if m.ID != "" {
		state = EntryPersisted
	}
	t.insertLocked(m, state)
	return true
}

// isEchoLocked matches a push without a known correlation id against recent own sends.
func (t *Timeline) isEchoLocked(m v1.Message) bool {
	cutoff := t.now().Add(-t.echoWindow)
	for _, e := range t.entries {
		if e.Message.FromUserID != t.self || e.State == EntryLive || e.LocalAt.Before(cutoff) {
			continue
		}
		if e.Message.Body == m.Body && e.Message.MediaURL == m.MediaURL && e.Message.MediaType == m.MediaType {
			return true
		}
	}
	return false
}

// ApplySnapshot merges persisted rows, matching by server id first and correlation id
// second. It returns how many rows were new to the timeline.
//
// msgs must be one complete List window: the tail page, or a page after SnapshotSeq. The
// highest seq in it becomes the new SnapshotSeq.
func (t *Timeline) ApplySnapshot(msgs []v1.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if m.ID == "" || (m.ConversationID != "" && m.ConversationID != t.conversationID) {
			continue
		}
		if m.Seq > t.snapSeq {
			t.snapSeq = m.Seq
		}
		if e, ok := t.byID[m.ID]; ok {
			t.persistLocked(e, m)
			continue
		}
		if m.ClientMsgID != "" {
			if e, ok := t.byCorr[m.ClientMsgID]; ok {
				t.persistLocked(e, m)
				continue
			}
		}
		t.insertLocked(m, EntryPersisted)
		added++
	}
	return added
}

// SnapshotSeq is the highest seq merged from a snapshot, 0 when none. Rows above it may
// be missing and are fetched with after_seq.
func (t *Timeline) SnapshotSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapSeq
}

// DropStaleLive removes pushed entries that no snapshot confirmed and that arrived more
// than the echo window ago. Call it only after the snapshot has caught up to the newest
// row; such a push was never persisted, typically because its sender's write failed.
func (t *Timeline) DropStaleLive() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.echoWindow)
	var stale []*entry
	for _, e := range t.entries {
		if e.State == EntryLive && e.LocalAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		t.removeLocked(e)
	}
	return len(stale)
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns the render order: server-timestamped entries by (CreatedAt, seq,
// insertion order), then pending and failed local entries by insertion order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	snapshot := make([]entry, len(t.entries))
	for i, e := range t.entries {
		snapshot[i] = *e
	}
	t.mu.Unlock()

	slices.SortStableFunc(snapshot, compareEntries)

	out := make([]Entry, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.Entry
	}
	return out
}

func compareEntries(a, b entry) int {
	at, bt := a.Timestamped(), b.Timestamped()
	switch {
	case at && !bt:
		return -1
	case !at && bt:
		return 1
	case at && bt:
		if c := a.Message.CreatedAt.Compare(b.Message.CreatedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(seqKey(a), seqKey(b)); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.order, b.order)
}

// seqKey sorts rows without a seq after persisted rows sharing their timestamp.
func seqKey(e entry) int64 {
	if e.Message.Seq > 0 {
		return e.Message.Seq
	}
	return math.MaxInt64
}

func (t *Timeline) insertLocked(m v1.Message, state EntryState) *entry {
	e := &entry{
		Entry: Entry{
			CorrelationID: m.ClientMsgID,
			Message:       m,
			State:         state,
			LocalAt:       t.now(),
		},
		order: t.next,
	}
	t.next++
	t.entries = append(t.entries, e)
	if m.ID != "" {
		t.byID[m.ID] = e
	}
	if m.ClientMsgID != "" {
		t.byCorr[m.ClientMsgID] = e
	}
	return e
}

func (t *Timeline) persistLocked(e *entry, m v1.Message) {
	if m.ClientMsgID == "" {
		m.ClientMsgID = e.CorrelationID
	}
	e.Message = m
	e.State = EntryPersisted
	e.Err = nil
	if e.CorrelationID == "" && m.ClientMsgID != "" {
		e.CorrelationID = m.ClientMsgID
	}
	if e.CorrelationID != "" {
		t.byCorr[e.CorrelationID] = e
	}
	t.byID[m.ID] = e
}

func (t *Timeline) removeLocked(e *entry) {
	t.entries = slices.DeleteFunc(t.entries, func(x *entry) bool { return x == e })
	if e.Message.ID != "" && t.byID[e.Message.ID] == e {
		delete(t.byID, e.Message.ID)
	}
	if e.CorrelationID != "" && t.byCorr[e.CorrelationID] == e {
		delete(t.byCorr, e.CorrelationID)
	}
}
