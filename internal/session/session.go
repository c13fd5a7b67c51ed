package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nexum/internal/chat"
	"nexum/internal/inbox"
	"nexum/internal/models"
	"nexum/internal/presence"
	"nexum/internal/transport"
)

const DefaultPendingTimeout = 30 * time.Second

var (
	ErrNotConnected         = errors.New("session is not connected")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrUnknownConversation  = errors.New("unknown conversation")
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrSendRejected         = errors.New("transport rejected the message")
	ErrMissingIdentity      = errors.New("identity is required")
	ErrMissingCollaborator  = errors.New("transport and backend are required")
)

// Transport is the push channel the controller drives.
type Transport interface {
	Connect(ctx context.Context, identity string) error
	Disconnect()
	JoinRoom(conversationID, identity string)
	LeaveRoom(conversationID string)
	Send(conversationID, sender, text string, attachments []models.Attachment) (models.Message, bool)
	Subscribe(event models.EventName, h transport.Handler)
	Unsubscribe(event models.EventName)
}

// Backend is the REST API the stores load from.
type Backend interface {
	inbox.Fetcher
	chat.PageFetcher
	SearchUsers(ctx context.Context, q, role, dept string) ([]models.Participant, error)
}

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type Config struct {
	Transport Transport
	Backend   Backend
	Identity  string

	PerPage        int
	PendingTimeout time.Duration
	// AutoSelect opens the most recent conversation after connecting.
	AutoSelect bool

	Logger *slog.Logger
}

type event struct {
	name models.EventName
	data json.RawMessage
}

var subscribed = []models.EventName{
	models.EventNewMessage,
	models.EventMessagesRead,
	models.EventUserStatus,
	models.EventConnect,
	models.EventDisconnect,
}

// Controller ties the stores to the transport. Inbound events are queued by
// transport handlers and applied one at a time by Run.
type Controller struct {
	transport Transport
	backend   Backend
	identity  string
	logger    *slog.Logger

	conversations *inbox.Store
	messages      *chat.Store
	presence      *presence.Tracker

	pendingTimeout time.Duration
	autoSelect     bool
	now            func() time.Time

	queueMu sync.Mutex
	queue   []event
	wake    chan struct{}
	updates chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	state   State
	active  string
	dropped bool
	err     error
	runCtx  context.Context
}

func New(config Config) (*Controller, error) {
	if config.Transport == nil || config.Backend == nil {
		return nil, ErrMissingCollaborator
	}
	if strings.TrimSpace(config.Identity) == "" {
		return nil, ErrMissingIdentity
	}
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = DefaultPendingTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		transport: config.Transport,
		backend:   config.Backend,
		identity:  config.Identity,
		logger:    logger.With("component", "session"),
		conversations: inbox.New(inbox.Config{
			Fetcher:  config.Backend,
			Identity: config.Identity,
		}),
		messages: chat.New(chat.Config{
			Fetcher: config.Backend,
			PerPage: config.PerPage,
		}),
		presence:       presence.NewTracker(),
		pendingTimeout: config.PendingTimeout,
		autoSelect:     config.AutoSelect,
		now:            time.Now,
		wake:           make(chan struct{}, 1),
		updates:        make(chan struct{}, 1),
		runCtx:         context.Background(),
	}, nil
}

// Run applies queued events and expires stale pending messages until ctx
// is done.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	ticker := time.NewTicker(max(c.pendingTimeout/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case <-c.wake:
			c.drain()
		case <-ticker.C:
			c.expirePending()
		}
	}
}

// Updates signals that some snapshot changed. Signals are coalesced.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// Connect subscribes to push events, connects the transport and loads the
// conversation list. Calling it while connected re-announces the identity.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected {
		err := c.transport.Connect(ctx, c.identity)
		c.mu.Unlock()
		return err
	}

	for _, name := range subscribed {
		c.transport.Subscribe(name, c.enqueuer(name))
	}
	if err := c.transport.Connect(ctx, c.identity); err != nil {
		for _, name := range subscribed {
			c.transport.Unsubscribe(name)
		}
		c.err = err
		c.mu.Unlock()
		return err
	}
	c.state = Connected
	c.dropped = false
	c.err = nil
	c.mu.Unlock()

	c.logger.Info("session connected", "identity", c.identity)
	c.notify()

	if err := c.Refresh(ctx); err != nil {
		return err
	}

	if c.autoSelect && c.ActiveConversation() == "" {
		if list := c.conversations.Snapshot(); len(list) > 0 {
			return c.SelectConversation(ctx, list[0].ID)
		}
	}
	return nil
}

// Refresh reloads the conversation list.
func (c *Controller) Refresh(ctx context.Context) error {
	err := c.conversations.LoadAll(ctx)
	c.setErr(err)
	c.notify()
	return err
}

// Disconnect leaves the active room and closes the transport.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected {
		return
	}
	if c.active != "" {
		c.transport.LeaveRoom(c.active)
	}
	c.closeLocked(nil)
}

// closeLocked tears the session down and records err as the reason.
// Events still queued belong to the old session and are discarded.
func (c *Controller) closeLocked(err error) {
	for _, name := range subscribed {
		c.transport.Unsubscribe(name)
	}
	c.transport.Disconnect()

	c.queueMu.Lock()
	c.queue = nil
	c.queueMu.Unlock()

	c.state = Disconnected
	c.active = ""
	c.dropped = false
	c.err = err
	c.conversations.SetActive("")
	c.messages.Reset("")
	if err != nil {
		c.logger.Error("session closed", "error", err)
	} else {
		c.logger.Info("session disconnected")
	}
	c.notify()
}

// SelectConversation makes id the active conversation and loads its newest
// page. A page superseded by a later selection is discarded silently.
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.state != Connected {
		c.err = ErrNotConnected
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := c.conversations.Get(id); !ok {
		c.err = ErrUnknownConversation
		c.mu.Unlock()
		return ErrUnknownConversation
	}

	if c.active != "" && c.active != id {
		c.transport.LeaveRoom(c.active)
	}
	c.active = id
	c.transport.JoinRoom(id, c.identity)
	c.messages.Reset(id)
	c.conversations.SetActive(id)
	c.mu.Unlock()
	c.notify()

	return c.loadPage(ctx, id, 1)
}

// LoadOlder fetches the page before the oldest loaded one. Triggers while
// a load is running, or with nothing left to load, are ignored.
func (c *Controller) LoadOlder(ctx context.Context) error {
	id := c.ActiveConversation()
	if id == "" {
		return ErrNoActiveConversation
	}

	c.notify()
	err := c.messages.LoadOlder(ctx, id)
	switch {
	case errors.Is(err, chat.ErrLoadInFlight), errors.Is(err, chat.ErrNoMorePages),
		errors.Is(err, chat.ErrStalePage), errors.Is(err, chat.ErrNotActive):
		return nil
	case err != nil:
		c.setErr(err)
		c.notify()
		return err
	}
	c.notify()
	return nil
}

func (c *Controller) loadPage(ctx context.Context, id string, page int) error {
	err := c.messages.LoadPage(ctx, id, page)
	switch {
	case errors.Is(err, chat.ErrStalePage), errors.Is(err, chat.ErrLoadInFlight), errors.Is(err, chat.ErrNotActive):
		return nil
	case err != nil:
		c.logger.Warn("failed to load messages", "conversation_id", id, "page", page, "error", err)
		c.setErr(err)
		c.notify()
		return err
	}
	c.notify()
	return nil
}

// SendMessage renders text optimistically in the active conversation and
// publishes it. It never waits for the server.
func (c *Controller) SendMessage(text string, attachments []models.Attachment) (models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected {
		c.err = ErrNotConnected
		return models.Message{}, ErrNotConnected
	}
	if c.active == "" {
		c.err = ErrNoActiveConversation
		return models.Message{}, ErrNoActiveConversation
	}
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}

	msg, ok := c.transport.Send(c.active, c.identity, text, attachments)
	if !ok {
		c.err = ErrSendRejected
		return models.Message{}, ErrSendRejected
	}
	c.messages.AppendOptimistic(msg)
	c.notify()
	return msg, nil
}

// CreateConversation gets or creates the conversation with participants
// and puts it at the front of the list.
func (c *Controller) CreateConversation(ctx context.Context, participants []string) (models.Conversation, error) {
	conv, err := c.conversations.Create(ctx, participants)
	c.setErr(err)
	c.notify()
	return conv, err
}

// StartConversation opens the one-to-one conversation with identity.
func (c *Controller) StartConversation(ctx context.Context, identity string) (models.Conversation, error) {
	conv, err := c.CreateConversation(ctx, []string{identity})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, c.SelectConversation(ctx, conv.ID)
}

func (c *Controller) SearchUsers(ctx context.Context, query string) ([]models.Participant, error) {
	users, err := c.backend.SearchUsers(ctx, query, "", "")
	if err != nil {
		c.setErr(err)
		return nil, err
	}
	return users, nil
}

func (c *Controller) SearchConversations(query string) []models.Conversation {
	return c.conversations.Search(query)
}

func (c *Controller) Conversations() []models.Conversation {
	return c.conversations.Snapshot()
}

func (c *Controller) Messages() chat.View {
	return c.messages.View()
}

func (c *Controller) Presence(userID string) models.PresenceStatus {
	return c.presence.Get(userID)
}

func (c *Controller) PresenceSnapshot() map[string]models.PresenceStatus {
	return c.presence.Snapshot()
}

func (c *Controller) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Identity() string {
	return c.identity
}

// Err returns the last error recorded by any operation.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Controller) enqueuer(name models.EventName) transport.Handler {
	return func(data json.RawMessage) {
		c.queueMu.Lock()
		c.queue = append(c.queue, event{name: name, data: data})
		c.queueMu.Unlock()

		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// drain applies every queued event in arrival order.
func (c *Controller) drain() {
	for {
		c.queueMu.Lock()
		if len(c.queue) == 0 {
			c.queueMu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.apply(ev)
	}
}

func (c *Controller) apply(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected {
		return
	}

	switch ev.name {
	case models.EventNewMessage:
		var m models.Message
		if err := json.Unmarshal(ev.data, &m); err != nil {
			c.logger.Warn("malformed new_message", "error", err)
			return
		}
		if m.ConversationID == c.active {
			c.messages.ReconcileIncoming(m)
		}
		if !c.conversations.UpsertFromIncomingMessage(m) {
			c.logger.Debug("message for unknown conversation dropped", "conversation_id", m.ConversationID)
		}

	case models.EventMessagesRead:
		var r models.ReadReceipt
		if err := json.Unmarshal(ev.data, &r); err != nil {
			c.logger.Warn("malformed messages_read", "error", err)
			return
		}
		reader := r.Reader()
		if r.ConversationID == c.active {
			c.messages.ApplyReadReceipt(r.ConversationID, reader)
		}
		if strings.EqualFold(reader, c.identity) {
			c.conversations.MarkActiveRead(r.ConversationID)
		}

	case models.EventUserStatus:
		var s models.UserStatus
		if err := json.Unmarshal(ev.data, &s); err != nil {
			c.logger.Warn("malformed user_status", "error", err)
			return
		}
		c.presence.Set(s.Email, s.Status)

	case models.EventDisconnect:
		var info models.DisconnectInfo
		if len(ev.data) > 0 {
			_ = json.Unmarshal(ev.data, &info)
		}
		if info.Final {
			c.closeLocked(fmt.Errorf("%w: %s", transport.ErrGaveUp, info.Error))
			return
		}
		c.dropped = true
		c.logger.Info("push channel lost")

	case models.EventConnect:
		if c.active != "" {
			c.transport.JoinRoom(c.active, c.identity)
		}
		if c.dropped {
			c.dropped = false
			ctx := c.runCtx
			c.wg.Go(func() { c.resync(ctx) })
		}

	default:
		return
	}
	c.notify()
}

// resync reloads what may have been missed while the push channel was down.
func (c *Controller) resync(ctx context.Context) {
	c.logger.Info("resyncing after reconnect")
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("resync of conversations failed", "error", err)
	}
	if id := c.ActiveConversation(); id != "" {
		_ = c.loadPage(ctx, id, 1)
	}
}

func (c *Controller) expirePending() {
	if n := c.messages.ExpirePending(c.now().Add(-c.pendingTimeout)); n > 0 {
		c.logger.Warn("messages not confirmed in time", "count", n)
		c.notify()
	}
}
