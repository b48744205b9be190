package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "wander/contracts/realtime/v1"
)

const maxResponseBytes = 4 << 20

// Session is the signed-in user a client acts for. It is passed explicitly to every
// constructor; the package keeps no current user.
type Session struct {
	UserID string
	Token  string
}

// API is the REST client for conversations and persisted messages.
type API struct {
	base *url.URL
	http *http.Client
	sess Session
}

// APIOption configures an API.
type APIOption func(*API)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) {
		if c != nil {
			a.http = c
		}
	}
}

// NewAPI builds a REST client rooted at baseURL ("http://host:port").
func NewAPI(baseURL string, sess Session, opts ...APIOption) (*API, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base url scheme must be http or https, got %q", u.Scheme)
	}
	if strings.TrimSpace(sess.UserID) == "" || strings.TrimSpace(sess.Token) == "" {
		return nil, errors.New("client: session requires user id and token")
	}
	a := &API{base: u, http: &http.Client{Timeout: 10 * time.Second}, sess: sess}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Session returns the session the client acts for.
func (a *API) Session() Session { return a.sess }

// ListOptions selects a message window. Zero values use the server defaults.
type ListOptions struct {
	Limit    int
	AfterSeq *int64
}

// ListConversations returns the caller's conversations, most recent activity first.
func (a *API) ListConversations(ctx context.Context) ([]v1.Conversation, error) {
	var out v1.ConversationList
	if err := a.do(ctx, "list_conversations", http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// CreateConversation gets or creates the conversation with peerUserID.
// created is false when it already existed.
func (a *API) CreateConversation(ctx context.Context, peerUserID string) (conv v1.Conversation, created bool, err error) {
	status := 0
	err = a.doStatus(ctx, "create_conversation", http.MethodPost, "/conversations", nil,
		v1.CreateConversationRequest{PeerUserID: peerUserID}, &conv, &status)
	return conv, status == http.StatusCreated, err
}

// GetConversation fetches one conversation the caller participates in.
func (a *API) GetConversation(ctx context.Context, conversationID string) (v1.Conversation, error) {
	var out v1.Conversation
	err := a.do(ctx, "get_conversation", http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, nil, &out)
	return out, err
}

// ListMessages fetches a persisted snapshot, oldest first.
func (a *API) ListMessages(ctx context.Context, conversationID string, opts ListOptions) (v1.MessageList, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.AfterSeq != nil {
		q.Set("after_seq", strconv.FormatInt(*opts.AfterSeq, 10))
	}
	var out v1.MessageList
	err := a.do(ctx, "list_messages", http.MethodGet, "/messages/"+url.PathEscape(conversationID), q, nil, &out)
	return out, err
}

// PostMessage persists content under clientMsgID. Replaying the same clientMsgID returns
// the stored row (duplicated=true) instead of writing a second one.
func (a *API) PostMessage(ctx context.Context, conversationID, clientMsgID string, content v1.Content) (msg v1.Message, duplicated bool, err error) {
	body, mediaURL, mediaType := v1.Parts(content)
	req := v1.SendMessageRequest{ClientMsgID: clientMsgID, Body: body, MediaURL: mediaURL, MediaType: mediaType}

	status := 0
	err = a.doStatus(ctx, "post_message", http.MethodPost, "/messages/"+url.PathEscape(conversationID), nil, req, &msg, &status)
	return msg, status == http.StatusOK, err
}

func (a *API) do(ctx context.Context, op, method, path string, q url.Values, in, out any) error {
	return a.doStatus(ctx, op, method, path, q, in, out, nil)
}

func (a *API) doStatus(ctx context.Context, op, method, path string, q url.Values, in, out any, status *int) error {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &APIError{Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.sess.Token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &APIError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if status != nil {
		*status = resp.StatusCode
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Op: op, Status: resp.StatusCode}
		var eb v1.APIError
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Code, apiErr.Message = eb.Error.Code, eb.Error.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &APIError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
