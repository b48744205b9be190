// Package main provides a CI-friendly end-to-end smoke test for a running wander server.
//
// It validates:
//   - token auth on the REST and realtime paths
//   - get-or-create of a 1:1 conversation
//   - handshake, hello/ack and join for two users
//   - send: persisted row plus live push to the peer
//   - snapshot refetch renders the pushed message once
//   - idempotent replay by client_msg_id
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"wander/client"
	"wander/cmd/security/token"
	v1 "wander/contracts/realtime/v1"
)

type peer struct {
	name string
	api  *client.API
	ds   *client.DeliverySession
	view *client.ConversationView
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		secret  = flag.String("secret", os.Getenv(token.SecretEnvKey), "JWT signing secret (default $"+token.SecretEnvKey+")")
		issuer  = flag.String("issuer", token.DefaultIssuer, "JWT issuer the server expects")
		userA   = flag.String("a", "smoke-alice", "First user id")
		userB   = flag.String("b", "smoke-bob", "Second user id")
		text    = flag.String("text", "hello wander", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	tokens, err := token.NewManager([]byte(strings.TrimSpace(*secret)), token.MinKeyBytes, token.WithIssuer(*issuer))
	if err != nil {
		fatalf("signing key: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root := context.Background()
	// Unique per run so reruns against the same conversation stay countable.
	body := fmt.Sprintf("%s #%d", *text, time.Now().UnixNano())

	a := mustPeer(*baseURL, *origin, *userA, tokens, log)
	defer func() { _ = a.ds.Close() }()
	b := mustPeer(*baseURL, *origin, *userB, tokens, log)
	defer func() { _ = b.ds.Close() }()

	conv := mustConversation(root, a, *userB, *timeout)
	for _, p := range []*peer{a, b} {
		mustOpen(root, p, conv.ID, log, *timeout)
	}
	if *verbose {
		fmt.Printf("connected: %s=%s %s=%s conv_id=%s\n", a.name, a.ds.SessionID(), b.name, b.ds.SessionID(), conv.ID)
	}

	pushed := make(chan struct{}, 1)
	b.view.OnChange(func(entries []client.Entry) {
		for _, e := range entries {
			if e.Message.Body == body && e.Message.FromUserID == a.name {
				select {
				case pushed <- struct{}{}:
				default:
				}
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(root, *timeout)
	sent, err := a.view.Send(ctx, v1.Text{Body: body})
	cancel()
	if err != nil {
		fatalf("send: %v", err)
	}
	if sent.State != client.EntryPersisted || sent.Message.ID == "" {
		fatalf("send: entry not persisted: state=%s", sent.State)
	}

	select {
	case <-pushed:
	case <-time.After(*timeout):
		fatalf("push: %s never rendered the message", b.name)
	}

	mustRenderOnce(root, b, body, *timeout)

	ctx, cancel = context.WithTimeout(root, *timeout)
	replay, duplicated, err := a.api.PostMessage(ctx, conv.ID, sent.CorrelationID, v1.Text{Body: body})
	cancel()
	if err != nil {
		fatalf("dedupe: %v", err)
	}
	if !duplicated || replay.ID != sent.Message.ID || replay.Seq != sent.Message.Seq {
		fatalf("dedupe: replay stored a new row: id=%s seq=%d duplicated=%v", replay.ID, replay.Seq, duplicated)
	}
	mustRenderOnce(root, b, body, *timeout)

	fmt.Printf("OK: conv_id=%s seq=%d message_id=%s\n", conv.ID, sent.Message.Seq, sent.Message.ID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustPeer(baseURL, origin, user string, tokens *token.Manager, log *slog.Logger) *peer {
	tok, _, err := tokens.Issue(user)
	if err != nil {
		fatalf("issue token for %s: %v", user, err)
	}
	sess := client.Session{UserID: user, Token: tok}

	api, err := client.NewAPI(baseURL, sess)
	if err != nil {
		fatalf("client for %s: %v", user, err)
	}
	ds := client.NewDeliverySession(client.WSURL(baseURL), sess,
		client.WithDialOptions(client.DialOptions{Origin: origin}),
		client.WithDeliveryLogger(log.With("user", user)),
	)
	return &peer{name: user, api: api, ds: ds}
}

func mustConversation(root context.Context, a *peer, other string, timeout time.Duration) v1.Conversation {
	ctx, cancel := context.WithTimeout(root, timeout)
	defer cancel()

	conv, _, err := a.api.CreateConversation(ctx, other)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	return conv
}

func mustOpen(root context.Context, p *peer, convID string, log *slog.Logger, timeout time.Duration) {
	view, err := client.NewConversationView(p.api, p.ds, convID, client.WithViewLogger(log.With("user", p.name)))
	if err != nil {
		fatalf("view for %s: %v", p.name, err)
	}
	p.view = view

	ctx, cancel := context.WithTimeout(root, timeout)
	defer cancel()
	if err := view.Open(ctx); err != nil {
		fatalf("open for %s: %v", p.name, err)
	}

	deadline := time.Now().Add(timeout)
	for p.ds.State() != client.StateOpen {
		if time.Now().After(deadline) {
			fatalf("realtime for %s: still %s (degraded=%v)", p.name, p.ds.State(), p.ds.Degraded())
		}
		time.Sleep(25 * time.Millisecond)
	}
	// Let the join land before anything is sent.
	time.Sleep(100 * time.Millisecond)
}

func mustRenderOnce(root context.Context, p *peer, body string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(root, timeout)
	defer cancel()
	if err := p.view.Refresh(ctx); err != nil {
		fatalf("refresh for %s: %v", p.name, err)
	}

	n := 0
	for _, e := range p.view.Entries() {
		if e.Message.Body == body {
			n++
			if e.State != client.EntryPersisted {
				fatalf("render for %s: entry still %s after refresh", p.name, e.State)
			}
		}
	}
	if n != 1 {
		fatalf("render for %s: message rendered %d times", p.name, n)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
