package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	v1 "wander/contracts/realtime/v1"
)

func TestDeliverySession_HandshakeTimeoutDegrades(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	f.set(func(f *fakeServer) { f.silentHello = true })
	ctx := context.Background()

	var (
		mu     sync.Mutex
		states []bool
	)
	ds := newSession(t, f, "alice",
		WithHandshakeTimeout(100*time.Millisecond),
		WithStateHook(func(_ ConnState, degraded bool) {
			mu.Lock()
			states = append(states, degraded)
			mu.Unlock()
		}),
	)
	v := newView(t, f, "alice", ds)

	if err := v.Open(ctx); err != nil {
		t.Fatalf("open must succeed without realtime: %v", err)
	}
	waitFor(t, "degraded mode", ds.Degraded)
	if ds.State() != StateConnecting {
		t.Fatalf("state=%s want connecting", ds.State())
	}

	// Persisted-only mode: sends still land.
	e, err := v.Send(ctx, v1.Text{Body: "hi"})
	if err != nil || e.State != EntryPersisted {
		t.Fatalf("send in degraded mode: state=%s err=%v", e.State, err)
	}

	// The session keeps retrying and recovers once the hub answers.
	f.set(func(f *fakeServer) { f.silentHello = false })
	waitFor(t, "recovery", func() bool { return ds.State() == StateOpen })
	if ds.Degraded() {
		t.Fatalf("degraded flag not cleared after open")
	}
	if ds.SessionID() != "s-alice" {
		t.Fatalf("session id=%q", ds.SessionID())
	}

	mu.Lock()
	defer mu.Unlock()
	sawDegraded := false
	for _, d := range states {
		sawDegraded = sawDegraded || d
	}
	if !sawDegraded {
		t.Fatalf("state hook never reported degraded")
	}
}

func TestDeliverySession_ReconnectRepairsGap(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	ctx := context.Background()

	bobSession := newSession(t, f, "bob")
	bob := newView(t, f, "bob", bobSession)
	if err := bob.Open(ctx); err != nil {
		t.Fatalf("bob open: %v", err)
	}
	waitFor(t, "bob open", func() bool { return bobSession.State() == StateOpen })

	f.kick()
	waitFor(t, "bob disconnected", func() bool { return bobSession.State() != StateOpen })

	// Persisted while bob has no connection; no push can reach him.
	alice := f.api(t, "alice")
	if _, _, err := alice.PostMessage(ctx, "c-1", "corr-gap", v1.Text{Body: "while away"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	f.set(func(f *fakeServer) { f.blocked = false })
	waitFor(t, "gap repaired", func() bool { return bob.Timeline().Len() == 1 })

	if diff := cmp.Diff([]string{"while away"}, bodies(bob.Entries())); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, "rejoined", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for c := range f.conns {
			if c.user == "bob" && c.interests["c-1"] {
				return true
			}
		}
		return false
	})
}

func TestDeliverySession_SwitchTo(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	ctx := context.Background()

	ds := newSession(t, f, "alice")
	first := newView(t, f, "alice", ds)
	if err := first.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "open", func() bool { return ds.State() == StateOpen })

	second, err := NewConversationView(f.api(t, "alice"), ds, "c-2", WithViewLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewConversationView: %v", err)
	}
	if err := ds.SwitchTo(ctx, first.ConversationID(), second); err != nil {
		t.Fatalf("switch: %v", err)
	}

	interests := func() map[string]bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for c := range f.conns {
			if c.user == "alice" {
				out := make(map[string]bool, len(c.interests))
				for k, v := range c.interests {
					out[k] = v
				}
				return out
			}
		}
		return nil
	}
	waitFor(t, "interest moved", func() bool {
		got := interests()
		return got["c-2"] && !got["c-1"]
	})
}

func TestDeliverySession_SendWithoutConnection(t *testing.T) {
	t.Parallel()

	ds := NewDeliverySession("ws://127.0.0.1:1/ws", Session{UserID: "alice", Token: "t"},
		WithDeliveryLogger(quietLogger()))
	defer func() { _ = ds.Close() }()

	_, err := ds.SendMessage(context.Background(), "c-1", "corr", v1.Text{Body: "hi"})
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if IsPersistence(err) {
		t.Fatalf("transport error must not look like a persistence failure")
	}
}

func TestDeliverySession_CloseIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	ds := newSession(t, f, "alice")
	ds.Start()
	waitFor(t, "open", func() bool { return ds.State() == StateOpen })

	if err := ds.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ds.State() != StateClosed {
		t.Fatalf("state=%s want closed", ds.State())
	}
	v := newView(t, f, "alice", ds)
	if err := ds.Watch(context.Background(), v); !IsTransport(err) {
		t.Fatalf("watch after close: %v", err)
	}
}
