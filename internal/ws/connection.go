package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"nexum/internal/models"

	"golang.org/x/time/rate"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type messageHub interface {
	Register(identity string) (string, <-chan models.Envelope)
	Unregister(connID string)
	Login(connID, email string) error
	Join(connID, conversationID string) error
	Leave(connID, conversationID string)
	Send(connID string, p models.SendPayload) (models.Message, error)
	Dropped(reason string)
}

// Connection pumps one websocket between the client and the hub.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	id         string
	identity   string
	limiter    *rate.Limiter
	logger     *slog.Logger
	fromClient chan models.Envelope
	fromServer <-chan models.Envelope
	errorCh    chan error
}

// NewConnection registers the socket with the hub. A nil limiter does
// not throttle sends.
func NewConnection(
	hub messageHub,
	ws wsConnection,
	identity string,
	limiter *rate.Limiter,
	logger *slog.Logger,
) *Connection {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	id, out := hub.Register(identity)
	return &Connection{
		ws:         ws,
		hub:        hub,
		id:         id,
		identity:   identity,
		limiter:    limiter,
		logger:     logger.With("conn_id", id, "identity", identity),
		fromClient: make(chan models.Envelope),
		fromServer: out,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Unregister(c.id)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var env models.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return err
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case env := <-c.fromClient:
			if err := c.processClientMessage(env); err != nil {
				c.logger.Warn("client event rejected", "event", env.Event, "error", err)
			}
		case env, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientMessage hands one client event to the hub. Failures are
// reported to the caller for logging and never close the socket.
func (c *Connection) processClientMessage(env models.Envelope) error {
	switch env.Event {
	case models.EventLogin:
		var p models.LoginPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return c.hub.Login(c.id, p.Email)
	case models.EventJoinConversation:
		var p models.JoinPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return c.hub.Join(c.id, p.ConversationID)
	case models.EventLeaveConversation:
		var p models.LeavePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		c.hub.Leave(c.id, p.ConversationID)
		return nil
	case models.EventSendMessage:
		if !c.limiter.Allow() {
			c.hub.Dropped("rate_limited")
			return errors.New("send rate exceeded")
		}
		var p models.SendPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := c.hub.Send(c.id, p)
		return err
	default:
		c.hub.Dropped("unknown_event")
		return fmt.Errorf("unknown event %q", env.Event)
	}
}

func decode(env models.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w", env.Event, err)
	}
	return nil
}
