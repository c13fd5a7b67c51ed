package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nexum/internal/models"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodySize    = 5 * 1024 * 1024
)

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case models.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

type Config struct {
	// BaseURL of the API server, e.g. http://localhost:8080.
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the conversation and message REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func New(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		client:  httpClient,
		logger:  logger.With("component", "backend"),
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var list []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &list); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return list, nil
}

// CreateConversation returns the conversation with the given participants
// plus the caller, creating it when it does not exist yet.
func (c *Client) CreateConversation(ctx context.Context, participants []string) (models.Conversation, error) {
	var conv models.Conversation
	req := models.CreateConversationRequest{Participants: participants}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", nil, req, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// ListMessages returns one page of history in chronological order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, perPage int) (models.MessagePage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))

	var result models.MessagePage
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &result); err != nil {
		return models.MessagePage{}, fmt.Errorf("list messages of %s page %d: %w", conversationID, page, err)
	}
	return result, nil
}

// SearchUsers looks users up by name or e-mail. Empty filters are omitted.
func (c *Client) SearchUsers(ctx context.Context, q, role, dept string) ([]models.Participant, error) {
	query := url.Values{}
	for k, v := range map[string]string{"q": q, "role": role, "dept": dept} {
		if v != "" {
			query.Set(k, v)
		}
	}

	var users []models.Participant
	if err := c.do(ctx, http.MethodGet, "/api/users/search", query, nil, &users); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e models.ErrorResponse
		_ = json.Unmarshal(data, &e)
		c.logger.Debug("request failed", "method", method, "path", path, "status", resp.StatusCode)
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
