package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	v1 "wander/contracts/realtime/v1"
)

func TestNewAPI_Validates(t *testing.T) {
	t.Parallel()

	good := Session{UserID: "alice", Token: "t"}
	cases := []struct {
		name string
		base string
		sess Session
		ok   bool
	}{
		{name: "http", base: "http://127.0.0.1:8080", sess: good, ok: true},
		{name: "https trailing slash", base: "https://chat.example/", sess: good, ok: true},
		{name: "ws scheme", base: "ws://127.0.0.1", sess: good},
		{name: "no user", base: "http://h", sess: Session{Token: "t"}},
		{name: "no token", base: "http://h", sess: Session{UserID: "alice"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewAPI(tc.base, tc.sess)
			if (err == nil) != tc.ok {
				t.Fatalf("NewAPI(%q) err=%v, want ok=%v", tc.base, err, tc.ok)
			}
		})
	}
}

func TestAPI_ErrorKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		code   string
		is     func(error) bool
	}{
		{status: http.StatusBadRequest, code: "validation", is: IsValidation},
		{status: http.StatusNotFound, code: "not_found", is: IsNotFound},
		{status: http.StatusUnauthorized, code: "unauthorized", is: func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{status: http.StatusInternalServerError, code: "persistence", is: IsPersistence},
		{status: http.StatusBadGateway, code: "", is: IsPersistence},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.code == "" {
					w.WriteHeader(tc.status)
					return
				}
				writeErr(w, tc.status, tc.code)
			}))
			defer srv.Close()

			api, err := NewAPI(srv.URL, Session{UserID: "alice", Token: "t"})
			if err != nil {
				t.Fatalf("NewAPI: %v", err)
			}
			_, err = api.GetConversation(context.Background(), "c-1")
			if err == nil || !tc.is(err) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tc.status || apiErr.Code != tc.code {
				t.Fatalf("unexpected APIError: %#v", apiErr)
			}
		})
	}
}

func TestAPI_NetworkFailureIsPersistence(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	api, err := NewAPI(base, Session{UserID: "alice", Token: "t"})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	_, _, err = api.PostMessage(context.Background(), "c-1", "corr", v1.Text{Body: "hi"})
	if !IsPersistence(err) || IsTransport(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestAPI_RequestShape(t *testing.T) {
	t.Parallel()

	type seen struct {
		Method, Path, Query, Auth string
	}
	var (
		mu  sync.Mutex
		got []seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, seen{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization")})
		mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/conversations":
			writeJSON(w, http.StatusCreated, v1.Conversation{ID: "c-1", UserA: "alice", UserB: "bob"})
		case r.URL.Path == "/conversations":
			writeJSON(w, http.StatusOK, v1.ConversationList{Conversations: []v1.Conversation{{ID: "c-1"}}})
		default:
			writeJSON(w, http.StatusOK, v1.MessageList{ConversationID: "c-1"})
		}
	}))
	defer srv.Close()

	api, err := NewAPI(srv.URL, Session{UserID: "alice", Token: "jwt"})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	ctx := context.Background()

	conv, created, err := api.CreateConversation(ctx, "bob")
	if err != nil || !created || conv.ID != "c-1" {
		t.Fatalf("create: conv=%+v created=%v err=%v", conv, created, err)
	}
	convs, err := api.ListConversations(ctx)
	if err != nil || len(convs) != 1 {
		t.Fatalf("list conversations: %v len=%d", err, len(convs))
	}
	after := int64(7)
	if _, err := api.ListMessages(ctx, "c-1", ListOptions{Limit: 20, AfterSeq: &after}); err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if _, err := api.ListMessages(ctx, "c-1", ListOptions{}); err != nil {
		t.Fatalf("list messages: %v", err)
	}

	want := []seen{
		{http.MethodPost, "/conversations", "", "Bearer jwt"},
		{http.MethodGet, "/conversations", "", "Bearer jwt"},
		{http.MethodGet, "/messages/c-1", "after_seq=7&limit=20", "Bearer jwt"},
		{http.MethodGet, "/messages/c-1", "", "Bearer jwt"},
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestAPI_PostMessageReplay(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	api := f.api(t, "alice")
	ctx := context.Background()

	first, dup, err := api.PostMessage(ctx, "c-1", "corr-1", v1.Location{Latitude: 48.85, Longitude: 2.35, Label: "Paris"})
	if err != nil || dup {
		t.Fatalf("first post: dup=%v err=%v", dup, err)
	}
	again, dup, err := api.PostMessage(ctx, "c-1", "corr-1", v1.Location{Latitude: 48.85, Longitude: 2.35, Label: "Paris"})
	if err != nil || !dup || again.ID != first.ID {
		t.Fatalf("replay: id=%s dup=%v err=%v", again.ID, dup, err)
	}
	if f.count("c-1") != 1 {
		t.Fatalf("stored %d messages, want 1", f.count("c-1"))
	}

	c, err := again.Content()
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if diff := cmp.Diff(v1.Content(v1.Location{Latitude: 48.85, Longitude: 2.35, Label: "Paris"}), c); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestWSURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://127.0.0.1:8080": "ws://127.0.0.1:8080/ws",
		"https://chat.example/": "wss://chat.example/ws",
		" http://h:1 ":          "ws://h:1/ws",
	}
	for in, want := range cases {
		if got := WSURL(in); got != want {
			t.Fatalf("WSURL(%q)=%q want %q", in, got, want)
		}
	}
}
