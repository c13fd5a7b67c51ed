package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"nexum/internal/content"
	"nexum/internal/models"
	"nexum/internal/storage"
	"nexum/internal/ws"
)

// Store is the persistence behind the REST API.
type Store interface {
	GetUser(email string) (models.Participant, error)
	UpsertUser(p models.Participant) (models.Participant, error)
	SearchUsers(query, role, dept string) ([]models.Participant, error)
	GetOrCreateConversation(participants []string) (models.Conversation, bool, error)
	GetConversationFor(id, viewer string) (models.Conversation, error)
	ListConversations(email string) ([]models.Conversation, error)
	ListMessages(conversationID string, page, perPage int) (models.MessagePage, error)
}

type API struct {
	store  Store
	auth   ws.Authenticator
	logger *slog.Logger
}

func New(store Store, auth ws.Authenticator, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{store: store, auth: auth, logger: logger.With("component", "api")}
}

// RequireAuth resolves the bearer token and passes the caller's e-mail on.
func (a *API) RequireAuth(next func(w http.ResponseWriter, r *http.Request, identity string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.auth.GetIdentity(ws.BearerToken(r))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, identity)
	}
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request, identity string) {
	convs, err := a.store.ListConversations(identity)
	if err != nil {
		a.logger.Error("failed to list conversations", "email", identity, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	a.writeJSON(w, http.StatusOK, convs)
}

// CreateConversationHandler returns the conversation of the requested
// participants plus the caller, creating it if needed.
func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request, identity string) {
	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Participants) == 0 {
		a.writeError(w, http.StatusBadRequest, "participants are required")
		return
	}

	participants := append([]string{identity}, req.Participants...)
	conv, created, err := a.store.GetOrCreateConversation(participants)
	if err != nil {
		if errors.Is(err, storage.ErrTooFewParticipants) {
			a.writeError(w, http.StatusBadRequest, "at least two valid participants are required")
			return
		}
		a.logger.Error("failed to create conversation", "email", identity, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	viewed, err := a.store.GetConversationFor(conv.ID, identity)
	if err != nil {
		a.logger.Error("failed to load conversation", "conversation_id", conv.ID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		a.logger.Info("conversation created", "conversation_id", conv.ID, "participants", len(conv.Participants))
	}
	a.writeJSON(w, status, viewed)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, identity string) {
	id := r.PathValue("id")
	conv, err := a.store.GetConversationFor(id, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		a.logger.Error("failed to load conversation", "conversation_id", id, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if !conv.HasParticipant(identity) {
		a.writeError(w, http.StatusForbidden, "not a participant of this conversation")
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		a.writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	perPage, err := queryInt(r, "per_page", storage.DefaultPerPage)
	if err != nil || perPage < 1 {
		a.writeError(w, http.StatusBadRequest, "invalid per_page")
		return
	}

	result, err := a.store.ListMessages(conv.ID, page, perPage)
	if err != nil {
		a.logger.Error("failed to list messages", "conversation_id", conv.ID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

// SearchUsersHandler looks up users other than the caller.
func (a *API) SearchUsersHandler(w http.ResponseWriter, r *http.Request, identity string) {
	q := r.URL.Query()
	users, err := a.store.SearchUsers(q.Get("q"), q.Get("role"), q.Get("dept"))
	if err != nil {
		a.logger.Error("failed to search users", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to search users")
		return
	}

	result := make([]models.Participant, 0, len(users))
	for _, u := range users {
		if u.Email != identity {
			result = append(result, u)
		}
	}
	a.writeJSON(w, http.StatusOK, result)
}

// MeHandler returns the caller's details.
func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, identity string) {
	user, err := a.store.GetUser(identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	a.writeJSON(w, http.StatusOK, user)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(a.logger, w, status, v)
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(a.logger, w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

// normalizeEmail validates and lowercases an address.
func normalizeEmail(email string) (string, error) {
	email = content.NormalizeEmail(email)
	if err := content.ValidateEmail(email); err != nil {
		return "", err
	}
	return email, nil
}
