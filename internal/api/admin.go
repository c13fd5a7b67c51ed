package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nexum/internal/content"
	"nexum/internal/models"
)

// TokenIssuer issues and revokes bearer tokens.
type TokenIssuer interface {
	IssueToken(email string) (string, time.Time, error)
	Revoke(token string) error
}

type AdminHandler struct {
	store  Store
	tokens TokenIssuer
	logger *slog.Logger
}

func NewAdminHandler(store Store, tokens TokenIssuer, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{store: store, tokens: tokens, logger: logger.With("component", "admin")}
}

type AddUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	Dept  string `json:"dept,omitempty"`
}

type AddUserResponse struct {
	User      models.Participant `json:"user"`
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
}

// AddUserHandler creates or updates a user and issues a bearer token.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email, err := normalizeEmail(req.Email)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := req.Name
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	name, err = content.Name(name)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.store.UpsertUser(models.Participant{
		Email: email,
		Name:  name,
		Role:  strings.TrimSpace(req.Role),
		Dept:  strings.TrimSpace(req.Dept),
	})
	if err != nil {
		h.logger.Error("failed to save user", "email", email, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}

	token, expiresAt, err := h.tokens.IssueToken(user.Email)
	if err != nil {
		h.logger.Error("failed to issue token", "email", email, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.logger.Info("user saved", "email", user.Email, "expires_at", expiresAt)
	writeJSON(h.logger, w, http.StatusOK, AddUserResponse{User: user, Token: token, ExpiresAt: expiresAt})
}

// RevokeTokenHandler invalidates a token before it expires.
func (h *AdminHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.tokens.Revoke(req.Token); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(h.logger, w, status, models.ErrorResponse{Error: msg})
}
