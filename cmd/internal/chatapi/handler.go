// Package chatapi exposes conversations and persisted messages over REST.
//
// Every route requires a session token. A conversation the caller does not participate in
// is reported as 404, the same as a missing one.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wander/cmd/internal/chat"
	v1 "wander/contracts/realtime/v1"
)

// Handler wires HTTP endpoints to the chat store.
type Handler struct {
	log     *slog.Logger
	store   chat.Store
	auth    TokenVerifier
	limiter *WriteLimiter
}

// Option configures a Handler.
type Option func(*Handler)

// WithWriteLimiter throttles mutating requests per user. Nil disables the limit.
func WithWriteLimiter(l *WriteLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, store chat.Store, auth TokenVerifier, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, errors.New("chatapi: nil store")
	}
	if auth == nil {
		return nil, errors.New("chatapi: nil token verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, store: store, auth: auth}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes returns a router serving every chat endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

// Register mounts the authenticated routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireSession(h.auth))
		if h.limiter != nil {
			r.Use(limitWrites(h.limiter))
		}

		r.Get("/conversations", h.listConversations)
		r.Post("/conversations", h.createConversation)
		r.Get("/conversations/{conversationID}", h.getConversation)

		r.Get("/messages/{conversationID}", h.listMessages)
		r.Post("/messages/{conversationID}", h.postMessage)
	})
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	convs, err := h.store.ListConversationsForUser(r.Context(), sess.UserID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	out := v1.ConversationList{Conversations: make([]v1.Conversation, 0, len(convs))}
	for _, c := range convs {
		out.Conversations = append(out.Conversations, c.Wire())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	var req v1.CreateConversationRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	conv, created, err := h.store.GetOrCreate(r.Context(), sess.UserID, req.PeerUserID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info("conversation.created", "conversation_id", conv.ID, "user_id", sess.UserID)
	}
	writeJSON(w, status, conv.Wire())
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	conv, ok := h.participantConversation(w, r, sess)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv.Wire())
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	conv, ok := h.participantConversation(w, r, sess)
	if !ok {
		return
	}

	in := chat.ListInput{ConversationID: conv.ID}
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		in.Limit = n
	}
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation", "after_seq must be a non-negative integer")
			return
		}
		in.AfterSeq = &n
	}

	res, err := h.store.List(r.Context(), in)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	out := v1.MessageList{
		ConversationID: conv.ID,
		Messages:       make([]v1.Message, 0, len(res.Messages)),
		HasMore:        res.HasMore,
	}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, m.Wire())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	conv, ok := h.participantConversation(w, r, sess)
	if !ok {
		return
	}

	var req v1.SendMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	res, err := h.store.Append(r.Context(), chat.AppendInput{
		ConversationID: conv.ID,
		ClientMsgID:    req.ClientMsgID,
		FromUserID:     sess.UserID,
		Body:           req.Body,
		MediaURL:       req.MediaURL,
		MediaType:      req.MediaType,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Message.Wire())
}

// participantConversation loads the path conversation and enforces participation.
// It writes the error response itself and reports whether the caller may proceed.
func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request, sess chat.Session) (chat.Conversation, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	conv, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return chat.Conversation{}, false
	}
	if !conv.Has(sess.UserID) {
		writeError(w, http.StatusNotFound, "not_found", "conversation unavailable")
		return chat.Conversation{}, false
	}
	return conv, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var ve chat.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation", ve.Field+": "+ve.Msg)
	case chat.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation", "invalid request")
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "conversation unavailable")
	default:
		h.log.Error("chatapi.store.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
