package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nexum/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 30 * time.Second
	DefaultOutboxSize   = 64

	tempIDPrefix = "temp_"
)

var ErrGaveUp = errors.New("reconnect attempts exhausted")

// Conn is the subset of *websocket.Conn the transport needs.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a connection to the push channel.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

type Config struct {
	URL   string
	Token string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// Consecutive failed dials before giving up; 0 retries forever.
	ReconnectAttempts int
	OutboxSize        int

	Dialer Dialer
	Logger *slog.Logger
}

// Transport owns one long-lived push connection. It knows nothing about
// conversations; it only moves named events in and out.
type Transport struct {
	url          string
	header       http.Header
	dialer       Dialer
	logger       *slog.Logger
	reconnectMin time.Duration
	reconnectMax time.Duration
	maxAttempts  int

	outbox  chan models.Envelope
	limiter *rate.Limiter
	now     func() time.Time
	newID   func() string

	mu        sync.Mutex
	identity  string
	connected bool
	handlers  map[models.EventName]Handler
	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   error
}

func New(config Config) *Transport {
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = DefaultReconnectMin
	}
	if config.ReconnectMax < config.ReconnectMin {
		config.ReconnectMax = max(DefaultReconnectMax, config.ReconnectMin)
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = DefaultOutboxSize
	}
	if config.Dialer == nil {
		config.Dialer = WebsocketDialer{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	header := http.Header{}
	if config.Token != "" {
		header.Set("Authorization", "Bearer "+config.Token)
	}

	return &Transport{
		url:          config.URL,
		header:       header,
		dialer:       config.Dialer,
		logger:       config.Logger.With("component", "transport"),
		reconnectMin: config.ReconnectMin,
		reconnectMax: config.ReconnectMax,
		maxAttempts:  config.ReconnectAttempts,
		outbox:       make(chan models.Envelope, config.OutboxSize),
		limiter:      rate.NewLimiter(rate.Every(config.ReconnectMin), 1),
		now:          time.Now,
		newID:        uuid.NewString,
		handlers:     make(map[models.EventName]Handler),
	}
}

// Connect starts the connection supervisor. When it is already running,
// Connect only re-announces the identity. Dial failures are retried in the
// background and never reported here.
func (t *Transport) Connect(ctx context.Context, identity string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.identity = identity
	if t.cancel != nil {
		if t.connected && identity != "" {
			t.emitLocked(models.EventLogin, models.LoginPayload{Email: identity})
		}
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	t.lastErr = nil
	go t.supervise(runCtx, t.done)
	return nil
}

// Disconnect tears the connection down and waits for the supervisor to exit.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	// Drop whatever was queued for the old session.
	for {
		select {
		case <-t.outbox:
		default:
			return
		}
	}
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Err returns why the supervisor stopped, if it gave up.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transport) JoinRoom(conversationID, identity string) {
	if conversationID == "" || identity == "" {
		return
	}
	t.emit(models.EventJoinConversation, models.JoinPayload{ConversationID: conversationID, Email: identity})
}

func (t *Transport) LeaveRoom(conversationID string) {
	if conversationID == "" {
		return
	}
	t.emit(models.EventLeaveConversation, models.LeavePayload{ConversationID: conversationID})
}

// Send publishes a message and returns its optimistic descriptor. It
// returns false, emitting nothing, when offline or when a field is missing.
func (t *Transport) Send(conversationID, sender, text string, attachments []models.Attachment) (models.Message, bool) {
	if conversationID == "" || sender == "" || text == "" {
		t.logger.Warn("send skipped, missing fields", "conversation_id", conversationID)
		return models.Message{}, false
	}

	msg := models.Message{
		ClientID:       tempIDPrefix + t.newID(),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
		Attachments:    attachments,
		CreatedAt:      t.now().UTC(),
		State:          models.DeliverySending,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		t.logger.Warn("send skipped, not connected", "conversation_id", conversationID)
		return models.Message{}, false
	}
	ok := t.emitLocked(models.EventSendMessage, models.SendPayload{
		ConversationID: conversationID,
		Email:          sender,
		Text:           text,
		Attachments:    attachments,
		ClientID:       msg.ClientID,
	})
	return msg, ok
}

// Subscribe installs the handler for event, replacing any previous one.
func (t *Transport) Subscribe(event models.EventName, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = h
}

func (t *Transport) Unsubscribe(event models.EventName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, event)
}

func (t *Transport) emit(event models.EventName, payload any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		t.logger.Warn("event dropped, not connected", "event", event)
		return false
	}
	return t.emitLocked(event, payload)
}

func (t *Transport) emitLocked(event models.EventName, payload any) bool {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		t.logger.Error("failed to encode event", "event", event, "error", err)
		return false
	}
	select {
	case t.outbox <- env:
		return true
	default:
		t.logger.Warn("outbox full, event dropped", "event", event)
		return false
	}
}

func (t *Transport) dispatch(event models.EventName, data json.RawMessage) {
	t.mu.Lock()
	h := t.handlers[event]
	t.mu.Unlock()

	if h != nil {
		h(data)
	}
}

// supervise dials, serves and redials with exponential backoff until
// ctx is cancelled or the attempt budget runs out.
func (t *Transport) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}

		conn, err := t.dialer.Dial(ctx, t.url, t.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			t.logger.Warn("dial failed", "attempt", failures, "error", err)
			if t.maxAttempts > 0 && failures >= t.maxAttempts {
				gaveUp := errors.Join(ErrGaveUp, err)
				t.mu.Lock()
				t.lastErr = gaveUp
				t.mu.Unlock()
				t.logger.Error("giving up on reconnect", "attempts", failures, "error", err)
				if env, err := models.NewEnvelope(models.EventDisconnect, models.DisconnectInfo{Error: gaveUp.Error(), Final: true}); err == nil {
					t.dispatch(models.EventDisconnect, env.Data)
				}
				return
			}
			t.limiter.SetLimit(rate.Every(t.backoff(failures)))
			continue
		}

		failures = 0
		t.limiter.SetLimit(rate.Every(t.reconnectMin))

		err = t.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		t.logger.Info("connection lost", "error", err)
	}
}

func (t *Transport) backoff(failures int) time.Duration {
	d := t.reconnectMin
	for i := 1; i < failures && d < t.reconnectMax; i++ {
		d *= 2
	}
	return min(d, t.reconnectMax)
}

// serve runs one live connection. Login goes out before anything queued.
func (t *Transport) serve(ctx context.Context, conn Conn) error {
	t.mu.Lock()
	identity := t.identity
	t.mu.Unlock()

	if identity != "" {
		env, err := models.NewEnvelope(models.EventLogin, models.LoginPayload{Email: identity})
		if err == nil {
			err = conn.WriteJSON(env)
		}
		if err != nil {
			_ = conn.Close()
			return err
		}
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.dispatch(models.EventConnect, nil)

	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.dispatch(models.EventDisconnect, nil)
	}()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gCtx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		return t.readLoop(conn)
	})
	g.Go(func() error {
		return t.writeLoop(gCtx, conn)
	})
	return g.Wait()
}

func (t *Transport) readLoop(conn Conn) error {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		switch env.Event {
		case "", models.EventConnect, models.EventDisconnect:
			continue
		}
		t.dispatch(env.Event, env.Data)
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case env := <-t.outbox:
			if err := conn.WriteJSON(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
