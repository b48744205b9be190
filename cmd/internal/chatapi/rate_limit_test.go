package chatapi

import (
	"net/http"
	"testing"
	"time"

	v1 "wander/contracts/realtime/v1"
)

func TestWriteLimiter_Allow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewWriteLimiter(2, 2*time.Second)

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("alice", now); !ok {
			t.Fatalf("write %d should be allowed", i+1)
		}
	}
	ok, retry := l.Allow("alice", now)
	if ok {
		t.Fatalf("third write inside the window should be limited")
	}
	if retry != time.Second {
		t.Fatalf("retry=%v want 1s", retry)
	}

	if ok, _ := l.Allow("bob", now); !ok {
		t.Fatalf("budgets are per user")
	}
	if ok, _ := l.Allow("alice", now.Add(time.Second)); !ok {
		t.Fatalf("a token should refill after 1s")
	}
}

func TestWriteLimiter_Defaults(t *testing.T) {
	t.Parallel()

	l := NewWriteLimiter(0, 0)
	now := time.Now()
	for i := 0; i < DefaultWriteEvents; i++ {
		if ok, _ := l.Allow("alice", now); !ok {
			t.Fatalf("write %d should fit the default burst", i+1)
		}
	}
	if ok, _ := l.Allow("alice", now); ok {
		t.Fatalf("default burst exceeded but allowed")
	}
}

func TestAPI_WritesAreRateLimited(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, WithWriteLimiter(NewWriteLimiter(1, time.Minute)))

	resp, _ := f.do(t, "alice", http.MethodPost, "/conversations", v1.CreateConversationRequest{PeerUserID: "bob"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first write status=%d", resp.StatusCode)
	}

	resp, body := f.do(t, "alice", http.MethodPost, "/conversations", v1.CreateConversationRequest{PeerUserID: "bob"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second write status=%d", resp.StatusCode)
	}
	if got := mustDecode[v1.APIError](t, body).Error.Code; got != "rate_limited" {
		t.Fatalf("code=%q", got)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After=%q want 60", resp.Header.Get("Retry-After"))
	}

	resp, _ = f.do(t, "alice", http.MethodGet, "/conversations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reads must not be limited, status=%d", resp.StatusCode)
	}
}
