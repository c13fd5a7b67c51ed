package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"nexum/internal/content"
	"nexum/internal/models"

	"github.com/google/uuid"
)

const clientBuffer = 100

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotLoggedIn       = errors.New("login required")
	ErrIdentityMismatch  = errors.New("identity does not match the token")
	ErrForbidden         = errors.New("not a participant of this conversation")
)

// Store is the persistence the hub needs.
type Store interface {
	GetUser(email string) (models.Participant, error)
	GetConversation(id string) (models.Conversation, error)
	AddMessage(m models.Message) (models.Message, error)
	MarkAsRead(conversationID, email string) (int, error)
}

type client struct {
	id       string
	identity string
	loggedIn bool
	out      chan models.Envelope
	rooms    map[string]struct{}
}

// Hub routes push events between connections. A connection joins at most
// the rooms its user takes part in; new messages go to every live
// connection of every participant.
type Hub struct {
	store   Store
	metrics *Metrics
	logger  *slog.Logger

	// Connection id -> client.
	clients map[string]*client
	// E-mail -> logged in connections.
	users map[string]map[string]*client
	// Conversation id -> connections in the room.
	rooms map[string]map[string]*client

	mu sync.RWMutex
}

func NewHub(store Store, metrics *Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "hub"),
		clients: make(map[string]*client),
		users:   make(map[string]map[string]*client),
		rooms:   make(map[string]map[string]*client),
	}
}

// Register adds a connection authenticated as identity and returns its id
// and outbound queue. The queue is closed by Unregister.
func (h *Hub) Register(identity string) (string, <-chan models.Envelope) {
	c := &client{
		id:       uuid.NewString(),
		identity: strings.ToLower(identity),
		out:      make(chan models.Envelope, clientBuffer),
		rooms:    make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.metrics.Connections.Set(float64(len(h.clients)))
	h.mu.Unlock()

	return c.id, c.out
}

// Unregister removes the connection. When it was the user's last one, the
// user is announced offline.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, connID)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}

	wentOffline := false
	if c.loggedIn {
		conns := h.users[c.identity]
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.users, c.identity)
			wentOffline = true
		}
	}
	close(c.out)
	h.metrics.Connections.Set(float64(len(h.clients)))
	h.metrics.OnlineUsers.Set(float64(len(h.users)))
	h.mu.Unlock()

	if wentOffline {
		h.logger.Info("user offline", "email", c.identity)
		h.broadcast(models.EventUserStatus, models.UserStatus{Email: c.identity, Status: models.PresenceOffline})
	}
}

// Login marks the connection's user online and sends it the users
// already online. The e-mail must be the one the connection
// authenticated with. Everyone hears about the user's first connection.
func (h *Hub) Login(connID, email string) error {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownConnection
	}
	if !strings.EqualFold(strings.TrimSpace(email), c.identity) {
		h.mu.Unlock()
		return ErrIdentityMismatch
	}
	if c.loggedIn {
		h.mu.Unlock()
		return nil
	}

	c.loggedIn = true
	conns, ok := h.users[c.identity]
	if !ok {
		conns = make(map[string]*client)
		h.users[c.identity] = conns
	}
	conns[connID] = c
	first := len(conns) == 1
	h.metrics.OnlineUsers.Set(float64(len(h.users)))
	h.mu.Unlock()

	if first {
		h.logger.Info("user online", "email", c.identity)
		h.broadcast(models.EventUserStatus, models.UserStatus{Email: c.identity, Status: models.PresenceOnline})
	}
	h.sendPresence(c)
	return nil
}

// sendPresence tells c which other users are online.
func (h *Hub) sendPresence(c *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	for email := range h.users {
		if email == c.identity {
			continue
		}
		env, err := models.NewEnvelope(models.EventUserStatus, models.UserStatus{Email: email, Status: models.PresenceOnline})
		if err != nil {
			continue
		}
		h.deliverLocked(c, env)
	}
}

func (h *Hub) loggedIn(connID string) (*client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if !c.loggedIn {
		return nil, ErrNotLoggedIn
	}
	return c, nil
}

// Join puts the connection in the conversation room, marks the
// conversation read for its user and tells the room about it.
func (h *Hub) Join(connID, conversationID string) error {
	c, err := h.loggedIn(connID)
	if err != nil {
		return err
	}

	conv, err := h.store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("join %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(c.identity) {
		return ErrForbidden
	}

	h.mu.Lock()
	if _, ok := h.clients[connID]; !ok {
		h.mu.Unlock()
		return ErrUnknownConnection
	}
	room, ok := h.rooms[conv.ID]
	if !ok {
		room = make(map[string]*client)
		h.rooms[conv.ID] = room
	}
	room[connID] = c
	c.rooms[conv.ID] = struct{}{}
	h.mu.Unlock()

	if _, err := h.store.MarkAsRead(conv.ID, c.identity); err != nil {
		return fmt.Errorf("mark %s read: %w", conv.ID, err)
	}

	receipt := models.ReadReceipt{ConversationID: conv.ID, UserID: c.identity, UserEmail: c.identity}
	if user, err := h.store.GetUser(c.identity); err == nil {
		receipt.UserID = user.ID
	}
	env, err := models.NewEnvelope(models.EventMessagesRead, receipt)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make(map[string]*client)
	for id, member := range h.rooms[conv.ID] {
		targets[id] = member
	}
	for id, own := range h.users[c.identity] {
		targets[id] = own
	}
	for _, t := range targets {
		h.deliverLocked(t, env)
	}
	return nil
}

// Leave removes the connection from the room. Unknown rooms are ignored.
func (h *Hub) Leave(connID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connID]; ok {
		h.leaveLocked(c, conversationID)
	}
}

func (h *Hub) leaveLocked(c *client, conversationID string) {
	delete(c.rooms, conversationID)
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// Send stores a message from the connection's user and pushes it, with
// the client correlation id echoed, to all participants.
func (h *Hub) Send(connID string, p models.SendPayload) (models.Message, error) {
	c, err := h.loggedIn(connID)
	if err != nil {
		return models.Message{}, err
	}
	if !strings.EqualFold(strings.TrimSpace(p.Email), c.identity) {
		return models.Message{}, ErrIdentityMismatch
	}

	text, err := content.MessageText(p.Text)
	if err != nil {
		return models.Message{}, err
	}

	conv, err := h.store.GetConversation(p.ConversationID)
	if err != nil {
		return models.Message{}, fmt.Errorf("send to %s: %w", p.ConversationID, err)
	}
	if !conv.HasParticipant(c.identity) {
		return models.Message{}, ErrForbidden
	}

	m, err := h.store.AddMessage(models.Message{
		ConversationID: conv.ID,
		Sender:         c.identity,
		Text:           text,
		Attachments:    p.Attachments,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}
	if user, err := h.store.GetUser(c.identity); err == nil {
		m.SenderDetails = &user
	}
	m.ClientID = p.ClientID
	h.metrics.Messages.Inc()

	env, err := models.NewEnvelope(models.EventNewMessage, m)
	if err != nil {
		return models.Message{}, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, participant := range conv.Participants {
		for _, target := range h.users[strings.ToLower(participant)] {
			h.deliverLocked(target, env)
		}
	}
	return m, nil
}

// IsOnline reports whether email has a logged in connection.
func (h *Hub) IsOnline(email string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[strings.ToLower(email)]) > 0
}

func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.users))
	for email := range h.users {
		users = append(users, email)
	}
	slices.Sort(users)
	return users
}

// Dropped counts an inbound event the hub never saw.
func (h *Hub) Dropped(reason string) {
	h.metrics.Dropped.WithLabelValues(reason).Inc()
}

func (h *Hub) broadcast(event models.EventName, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.deliverLocked(c, env)
	}
}

// deliverLocked queues env for c without blocking. Callers hold h.mu.
func (h *Hub) deliverLocked(c *client, env models.Envelope) {
	select {
	case c.out <- env:
	default:
		h.metrics.Dropped.WithLabelValues("slow_consumer").Inc()
		h.logger.Warn("outbound queue full, event dropped", "conn_id", c.id, "event", env.Event)
	}
}
