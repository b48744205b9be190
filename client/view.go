package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	v1 "wander/contracts/realtime/v1"
)

const (
	// DefaultFetchTimeout bounds one snapshot request.
	DefaultFetchTimeout = 8 * time.Second
	// DefaultPageSize is the window requested per snapshot page.
	DefaultPageSize = 100
)

// ViewOption configures a ConversationView.
type ViewOption func(*ConversationView)

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) ViewOption {
	return func(v *ConversationView) {
		if d > 0 {
			v.fetchTimeout = d
		}
	}
}

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) ViewOption {
	return func(v *ConversationView) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

// WithViewLogger sets the logger (default slog.Default()).
func WithViewLogger(l *slog.Logger) ViewOption {
	return func(v *ConversationView) {
		if l != nil {
			v.log = l
		}
	}
}

// WithTimelineOptions passes options to the underlying Timeline.
func WithTimelineOptions(opts ...TimelineOption) ViewOption {
	return func(v *ConversationView) { v.timelineOpts = append(v.timelineOpts, opts...) }
}

// ConversationView is one open conversation: a Timeline fed by REST snapshots and
// realtime pushes, plus the send path.
type ConversationView struct {
	api          *API
	delivery     *DeliverySession
	id           string
	log          *slog.Logger
	fetchTimeout time.Duration
	pageSize     int
	timelineOpts []TimelineOption
	timeline     *Timeline

	// fetch serializes snapshot merges so after_seq paging never interleaves.
	fetch sync.Mutex

	mu        sync.Mutex
	listeners []func([]Entry)
}

// NewConversationView binds conversationID to api. delivery may be nil, in which case the
// view only ever shows persisted and local messages.
func NewConversationView(api *API, delivery *DeliverySession, conversationID string, opts ...ViewOption) (*ConversationView, error) {
	if api == nil {
		return nil, errors.New("client: view requires an API")
	}
	if conversationID == "" {
		return nil, errors.New("client: view requires a conversation id")
	}
	v := &ConversationView{
		api:          api,
		delivery:     delivery,
		id:           conversationID,
		log:          slog.Default(),
		fetchTimeout: DefaultFetchTimeout,
		pageSize:     DefaultPageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	v.timeline = NewTimeline(conversationID, api.Session().UserID, v.timelineOpts...)
	return v, nil
}

// ConversationID returns the conversation the view renders.
func (v *ConversationView) ConversationID() string { return v.id }

// Timeline exposes the underlying timeline.
func (v *ConversationView) Timeline() *Timeline { return v.timeline }

// Entries returns the current render order.
func (v *ConversationView) Entries() []Entry { return v.timeline.Entries() }

// OnChange registers fn to receive the entries after every change. Callbacks run on the
// goroutine that caused the change, never under a view or timeline lock.
func (v *ConversationView) OnChange(fn func([]Entry)) {
	if fn == nil {
		return
	}
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Open fetches the persisted snapshot, retrying once, and then watches the conversation
// through the delivery session. Snapshot failures are returned; realtime failures are
// logged and the view stays usable in persisted-only mode.
func (v *ConversationView) Open(ctx context.Context) error {
	err := v.Refresh(ctx)
	if err != nil && retryable(err) && ctx.Err() == nil {
		v.log.Info("view.snapshot.retry", "conversation_id", v.id, "err", err)
		err = v.Refresh(ctx)
	}
	if err != nil {
		return err
	}

	if v.delivery != nil {
		if err := v.delivery.Watch(ctx, v); err != nil {
			v.log.Warn("view.watch.fail", "conversation_id", v.id, "err", err)
		}
	}
	return nil
}

// Close stops watching the conversation.
func (v *ConversationView) Close(ctx context.Context) error {
	if v.delivery == nil {
		return nil
	}
	return v.delivery.Unwatch(ctx, v.id)
}

// Refresh merges persisted rows newer than the last snapshot, or the latest page when
// there has been none. Once it reaches the newest row, pushed messages that were never
// persisted are dropped.
func (v *ConversationView) Refresh(ctx context.Context) error {
	v.fetch.Lock()
	changed, err := v.refreshLocked(ctx)
	if err == nil {
		changed += v.timeline.DropStaleLive()
	}
	v.fetch.Unlock()

	if changed > 0 {
		v.notify()
	}
	return err
}

func (v *ConversationView) refreshLocked(ctx context.Context) (int, error) {
	after := v.timeline.SnapshotSeq()
	added := 0
	for {
		opts := ListOptions{Limit: v.pageSize}
		if after > 0 {
			opts.AfterSeq = &after
		}

		fctx, cancel := context.WithTimeout(ctx, v.fetchTimeout)
		page, err := v.api.ListMessages(fctx, v.id, opts)
		cancel()
		if err != nil {
			return added, err
		}

		added += v.timeline.ApplySnapshot(page.Messages)

		// Without a cursor only the newest page is loaded.
		if opts.AfterSeq == nil || !page.HasMore || len(page.Messages) == 0 {
			return added, nil
		}
		last := page.Messages[len(page.Messages)-1].Seq
		if last <= after {
			return added, nil
		}
		after = last
	}
}

// Send appends content optimistically, then persists it and pushes it over the realtime
// channel concurrently. The entry is confirmed on a successful write and marked failed
// otherwise; a failed push alone never fails the send.
func (v *ConversationView) Send(ctx context.Context, content v1.Content) (Entry, error) {
	if content == nil {
		return Entry{}, &APIError{Op: "send", Status: http.StatusBadRequest, Code: "validation", Message: "content is required"}
	}

	m := v1.Message{ClientMsgID: uuid.NewString()}.WithContent(content)
	e := v.timeline.AddOptimistic(m)
	v.notify()

	return v.deliver(ctx, e.CorrelationID, content)
}

// Retry re-sends a failed entry under its original correlation id.
func (v *ConversationView) Retry(ctx context.Context, correlationID string) (Entry, error) {
	e, ok := v.timeline.MarkPending(correlationID)
	if !ok {
		return Entry{}, fmt.Errorf("client: no failed entry %q", correlationID)
	}
	content, err := e.Message.Content()
	if err != nil {
		v.timeline.Fail(correlationID, err)
		v.notify()
		return e, err
	}
	v.notify()
	return v.deliver(ctx, correlationID, content)
}

// Remove drops a local entry, typically a failed send the user discarded.
func (v *ConversationView) Remove(correlationID string) bool {
	if !v.timeline.Remove(correlationID) {
		return false
	}
	v.notify()
	return true
}

func (v *ConversationView) deliver(ctx context.Context, corr string, content v1.Content) (Entry, error) {
	var persisted v1.Message

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		msg, _, err := v.api.PostMessage(gctx, v.id, corr, content)
		persisted = msg
		return err
	})
	if v.delivery != nil {
		g.Go(func() error {
			n, err := v.delivery.SendMessage(gctx, v.id, corr, content)
			if err != nil {
				v.log.Debug("view.push.fail", "conversation_id", v.id, "client_msg_id", corr, "err", err)
				return nil
			}
			v.log.Debug("view.push.ok", "conversation_id", v.id, "client_msg_id", corr, "recipients", n)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		v.timeline.Fail(corr, err)
		v.notify()
		e, _ := v.timeline.Lookup(corr)
		return e, err
	}

	v.timeline.Confirm(corr, persisted)
	v.notify()
	e, _ := v.timeline.Lookup(corr)
	return e, nil
}

func (v *ConversationView) handlePush(m v1.Message) {
	if v.timeline.ApplyPush(m) {
		v.notify()
	}
}

func (v *ConversationView) notify() {
	v.mu.Lock()
	listeners := slices.Clone(v.listeners)
	v.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	entries := v.timeline.Entries()
	for _, fn := range listeners {
		fn(entries)
	}
}

// retryable reports whether another snapshot attempt could succeed.
func retryable(err error) bool {
	return !IsValidation(err) && !IsNotFound(err) && !errors.Is(err, ErrUnauthorized)
}
