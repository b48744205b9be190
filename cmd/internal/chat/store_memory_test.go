package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "wander/contracts/realtime/v1"
)

func TestInMemoryStore_GetOrCreate_UnorderedPair(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	c1, created, err := st.GetOrCreate(ctx, "u-alice", "u-bob")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first call")
	}

	c2, created, err := st.GetOrCreate(ctx, " u-bob ", "u-alice")
	if err != nil {
		t.Fatalf("get or create reversed: %v", err)
	}
	if created {
		t.Fatalf("expected created=false for existing pair")
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected same conversation, got %q and %q", c1.ID, c2.ID)
	}
	if c2.LastMessageAt != nil {
		t.Fatalf("expected nil LastMessageAt on new conversation")
	}
}

func TestInMemoryStore_GetOrCreate_Concurrent(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	idsCh := make(chan string, n)
	createdCh := make(chan bool, n)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, b := "u-1", "u-2"
			if i%2 == 0 {
				a, b = b, a
			}
			c, created, err := st.GetOrCreate(ctx, a, b)
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			idsCh <- c.ID
			createdCh <- created
		}()
	}
	wg.Wait()
	close(idsCh)
	close(createdCh)

	seen := map[string]struct{}{}
	for id := range idsCh {
		seen[id] = struct{}{}
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly one conversation, got %d", len(seen))
	}
	createdCount := 0
	for c := range createdCh {
		if c {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one created=true, got %d", createdCount)
	}
}

func TestInMemoryStore_GetOrCreate_Validation(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	cases := []struct{ a, b string }{
		{"", "u-1"},
		{"u-1", "  "},
		{"u-1", "u-1"},
	}
	for _, tc := range cases {
		_, _, err := st.GetOrCreate(context.Background(), tc.a, tc.b)
		if !IsValidation(err) {
			t.Fatalf("GetOrCreate(%q,%q): expected validation error, got %v", tc.a, tc.b, err)
		}
	}
}

func TestInMemoryStore_Append_Dedupe_NoSeqWaste(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConversation(t, st, "u-a", "u-b")

	now := time.Now().UTC()
	first, err := st.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		ClientMsgID:    "cmsg-1",
		FromUserID:     "u-a",
		Body:           "hello",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated || first.Message.Seq != 1 {
		t.Fatalf("append first: got duplicated=%v seq=%d", first.Duplicated, first.Message.Seq)
	}
	if first.Message.ToUserID != "u-b" {
		t.Fatalf("expected to_user_id=u-b, got %q", first.Message.ToUserID)
	}

	second, err := st.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		ClientMsgID:    "cmsg-1",
		FromUserID:     "u-a",
		Body:           "hello again",
		Now:            now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("expected Duplicated=true")
	}
	if second.Message.ID != first.Message.ID || second.Message.Seq != 1 {
		t.Fatalf("duplicate returned a different message: %+v", second.Message)
	}

	third, err := st.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		FromUserID:     "u-b",
		Body:           "hi",
		Now:            now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}
	if third.Message.Seq != 2 {
		t.Fatalf("expected seq=2 (no waste), got %d", third.Message.Seq)
	}
}

func TestInMemoryStore_Append_Rejects(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConversation(t, st, "u-a", "u-b")

	cases := []struct {
		name  string
		in    AppendInput
		check func(error) bool
	}{
		{"empty body and media", AppendInput{ConversationID: conv.ID, FromUserID: "u-a", Body: "   "}, IsValidation},
		{"body too long", AppendInput{ConversationID: conv.ID, FromUserID: "u-a", Body: strings.Repeat("é", MaxBodyChars+1)}, IsValidation},
		{"non participant", AppendInput{ConversationID: conv.ID, FromUserID: "u-c", Body: "x"}, IsValidation},
		{"missing sender", AppendInput{ConversationID: conv.ID, Body: "x"}, IsValidation},
		{"unknown conversation", AppendInput{ConversationID: "nope", FromUserID: "u-a", Body: "x"}, IsNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := st.Append(ctx, tc.in)
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	// Exactly at the limit is accepted.
	if _, err := st.Append(ctx, AppendInput{ConversationID: conv.ID, FromUserID: "u-a", Body: strings.Repeat("é", MaxBodyChars)}); err != nil {
		t.Fatalf("append at limit: %v", err)
	}
}

func TestInMemoryStore_Append_Attachments(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConversation(t, st, "u-a", "u-b")

	res, err := st.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		FromUserID:     "u-a",
		MediaURL:       "https://cdn.example/p.jpg",
		MediaType:      "image/jpeg",
	})
	if err != nil {
		t.Fatalf("append image: %v", err)
	}
	img, ok := res.Message.Content.(v1.Image)
	if !ok {
		t.Fatalf("expected Image content, got %T", res.Message.Content)
	}
	if img.URL != "https://cdn.example/p.jpg" || img.Caption != "" {
		t.Fatalf("unexpected image: %+v", img)
	}

	loc, err := st.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		FromUserID:     "u-b",
		Body:           "meet here",
		MediaURL:       v1.GeoURI(41.3851, 2.1734),
		MediaType:      v1.MediaTypeGeo,
	})
	if err != nil {
		t.Fatalf("append location: %v", err)
	}
	if got := loc.Message.Wire().Kind; got != v1.KindLocation {
		t.Fatalf("expected kind=location, got %q", got)
	}
}

func TestInMemoryStore_Append_LastMessageAtMonotonic(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConversation(t, st, "u-a", "u-b")

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustAppend(t, st, conv.ID, "u-a", "late", t1)
	mustAppend(t, st, conv.ID, "u-b", "early", t1.Add(-time.Minute))

	got, err := st.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(t1) {
		t.Fatalf("expected LastMessageAt=%v, got %v", t1, got.LastMessageAt)
	}
}

func TestInMemoryStore_List_Windows(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConversation(t, st, "u-a", "u-b")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		mustAppend(t, st, conv.ID, "u-a", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
	}

	tail, err := st.List(ctx, ListInput{ConversationID: conv.ID, Limit: 2})
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if !tail.HasMore || len(tail.Messages) != 2 {
		t.Fatalf("tail: has_more=%v len=%d", tail.HasMore, len(tail.Messages))
	}
	if tail.Messages[0].Seq != 4 || tail.Messages[1].Seq != 5 {
		t.Fatalf("tail: expected seq [4,5], got [%d,%d]", tail.Messages[0].Seq, tail.Messages[1].Seq)
	}

	after := int64(1)
	page, err := st.List(ctx, ListInput{ConversationID: conv.ID, Limit: 3, AfterSeq: &after})
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if !page.HasMore || len(page.Messages) != 3 || page.Messages[0].Seq != 2 || page.Messages[2].Seq != 4 {
		t.Fatalf("after: unexpected window %+v", page)
	}

	all, err := st.List(ctx, ListInput{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if all.HasMore || len(all.Messages) != 5 {
		t.Fatalf("all: has_more=%v len=%d", all.HasMore, len(all.Messages))
	}
	for i := 1; i < len(all.Messages); i++ {
		if all.Messages[i].CreatedAt.Before(all.Messages[i-1].CreatedAt) {
			t.Fatalf("messages not ordered oldest to newest at %d", i)
		}
	}

	if _, err := st.List(ctx, ListInput{ConversationID: "missing"}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInMemoryStore_List_AfterSeqPagesBySeq(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConversation(t, st, "u-a", "u-b")

	// Appends stamped by instances whose clocks disagree.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, off := range []time.Duration{5 * time.Second, time.Second, 2 * time.Second} {
		mustAppend(t, st, conv.ID, "u-a", fmt.Sprintf("m%d", i+1), base.Add(off))
	}

	var (
		after int64
		seen  []int64
	)
	for range 5 {
		page, err := st.List(ctx, ListInput{ConversationID: conv.ID, Limit: 2, AfterSeq: &after})
		if err != nil {
			t.Fatalf("list after %d: %v", after, err)
		}
		for _, m := range page.Messages {
			seen = append(seen, m.Seq)
		}
		if !page.HasMore || len(page.Messages) == 0 {
			break
		}
		after = page.Messages[len(page.Messages)-1].Seq
	}
	if fmt.Sprint(seen) != "[1 2 3]" {
		t.Fatalf("paging by seq returned %v, want [1 2 3]", seen)
	}
}

func TestInMemoryStore_List_TieBreakBySeq(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	conv := mustConversation(t, st, "u-a", "u-b")

	same := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustAppend(t, st, conv.ID, "u-a", "first", same)
	mustAppend(t, st, conv.ID, "u-b", "second", same)

	out, err := st.List(context.Background(), ListInput{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out.Messages[0].Content != (v1.Text{Body: "first"}) {
		t.Fatalf("expected first message first, got %+v", out.Messages[0].Content)
	}
}

func TestInMemoryStore_ListConversationsForUser_Order(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	quiet := mustConversation(t, st, "u-me", "u-quiet")
	older := mustConversation(t, st, "u-me", "u-older")
	newer := mustConversation(t, st, "u-newer", "u-me")
	_ = mustConversation(t, st, "u-x", "u-y")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustAppend(t, st, older.ID, "u-older", "a", base)
	mustAppend(t, st, newer.ID, "u-me", "b", base.Add(time.Minute))

	got, err := st.ListConversationsForUser(ctx, "u-me")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(got))
	}
	want := []string{newer.ID, older.ID, quiet.ID}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: got %q want %q", i, got[i].ID, want[i])
		}
	}
}

func TestInMemoryStore_ContextCanceled(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := st.GetOrCreate(ctx, "u-a", "u-b"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func mustConversation(t *testing.T, st Store, a, b string) Conversation {
	t.Helper()
	c, _, err := st.GetOrCreate(context.Background(), a, b)
	if err != nil {
		t.Fatalf("get or create %s/%s: %v", a, b, err)
	}
	return c
}

func mustAppend(t *testing.T, st Store, convID, from, body string, at time.Time) Message {
	t.Helper()
	res, err := st.Append(context.Background(), AppendInput{
		ConversationID: convID,
		FromUserID:     from,
		Body:           body,
		Now:            at,
	})
	if err != nil {
		t.Fatalf("append %q: %v", body, err)
	}
	return res.Message
}
