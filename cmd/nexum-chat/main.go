package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"nexum/internal/backend"
	"nexum/internal/config"
	"nexum/internal/models"
	"nexum/internal/session"
	"nexum/internal/transport"
)

const usage = `commands:
  /list             conversations
  /open <n|id>      open a conversation
  /older            load older messages
  /new <email>      start a conversation
  /search <query>   find users
  /who              presence of known users
  /quit             exit
anything else is sent to the open conversation`

// chatSession is the part of the session controller the client uses.
type chatSession interface {
	Conversations() []models.Conversation
	SelectConversation(ctx context.Context, id string) error
	LoadOlder(ctx context.Context) error
	StartConversation(ctx context.Context, identity string) (models.Conversation, error)
	SearchUsers(ctx context.Context, query string) ([]models.Participant, error)
	SendMessage(text string, attachments []models.Attachment) (models.Message, error)
	PresenceSnapshot() map[string]models.PresenceStatus
	ActiveConversation() string
	Identity() string
}

var errQuit = errors.New("quit")

type client struct {
	sess chatSession
	out  io.Writer
	mu   sync.Mutex
}

func parseCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func (c *client) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *client) handle(ctx context.Context, line string) error {
	cmd, arg := parseCommand(line)
	switch cmd {
	case "":
		if arg == "" {
			return nil
		}
		_, err := c.sess.SendMessage(arg, nil)
		return err
	case "/quit", "/exit":
		return errQuit
	case "/help":
		c.printf("%s\n", usage)
	case "/list":
		for i, conv := range c.sess.Conversations() {
			c.printf("%s\n", formatConversation(i+1, conv, c.sess.Identity()))
		}
	case "/open":
		id := arg
		if n, err := strconv.Atoi(arg); err == nil {
			list := c.sess.Conversations()
			if n < 1 || n > len(list) {
				return fmt.Errorf("no conversation %d", n)
			}
			id = list[n-1].ID
		}
		return c.sess.SelectConversation(ctx, id)
	case "/older":
		return c.sess.LoadOlder(ctx)
	case "/new":
		if arg == "" {
			return errors.New("usage: /new <email>")
		}
		conv, err := c.sess.StartConversation(ctx, arg)
		if err != nil {
			return err
		}
		c.printf("opened %s\n", conv.ID)
	case "/search":
		users, err := c.sess.SearchUsers(ctx, arg)
		if err != nil {
			return err
		}
		for _, u := range users {
			c.printf("%s <%s> %s %s\n", u.Name, u.Email, u.Role, u.Dept)
		}
	case "/who":
		for email, status := range c.sess.PresenceSnapshot() {
			c.printf("%s %s\n", email, status)
		}
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func formatConversation(n int, conv models.Conversation, me string) string {
	var names []string
	for _, p := range conv.OtherParticipants {
		names = append(names, p.Name)
	}
	if len(names) == 0 {
		for _, p := range conv.Participants {
			if !strings.EqualFold(p, me) {
				names = append(names, p)
			}
		}
	}

	line := fmt.Sprintf("%d. %s", n, strings.Join(names, ", "))
	if conv.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d unread)", conv.UnreadCount)
	}
	if conv.LastMessage != nil {
		line += ": " + conv.LastMessage.Text
	}
	return line
}

func formatMessage(m models.Message) string {
	sender := m.SenderIdentity()
	if m.SenderDetails != nil && m.SenderDetails.Name != "" {
		sender = m.SenderDetails.Name
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), sender, m.Text)
	switch m.State {
	case models.DeliverySending:
		line += " (sending)"
	case models.DeliveryFailed:
		line += " (failed)"
	}
	return line
}

// renderer prints messages of the open conversation as they change.
type renderer struct {
	client       *client
	conversation string
	seen         map[string]models.DeliveryState
}

func (r *renderer) render(view []models.Message, conversationID string) {
	if conversationID != r.conversation {
		r.conversation = conversationID
		r.seen = make(map[string]models.DeliveryState)
	}
	for _, m := range view {
		key := m.ID
		if key == "" {
			key = m.ClientID
		}
		prev, ok := r.seen[key]
		if !ok && m.ClientID != "" {
			prev, ok = r.seen[m.ClientID]
		}
		r.seen[key] = m.State
		// A confirmation of something already shown is silent.
		if ok && (prev == m.State || m.State == models.DeliverySent) {
			continue
		}
		r.client.printf("%s\n", formatMessage(m))
	}
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	tr := transport.New(transport.Config{
		URL:               cfg.WebsocketURL(),
		Token:             cfg.Token,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
		Logger:            logger,
	})
	sess, err := session.New(session.Config{
		Transport:      tr,
		Backend:        backend.New(backend.Config{BaseURL: cfg.URL, Token: cfg.Token, Logger: logger}),
		Identity:       cfg.Identity,
		PerPage:        cfg.PerPage,
		PendingTimeout: cfg.PendingTimeout,
		AutoSelect:     true,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &client{sess: sess, out: out}
	r := &renderer{client: c}

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Go(func() { _ = sess.Run(ctx) })
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Updates():
				view := sess.Messages()
				r.render(view.Messages, view.ConversationID)
			}
		}
	})

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()
	c.printf("connected as %s, /help for commands\n", sess.Identity())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "nexum-chat: %v\n", err)
		os.Exit(1)
	}
}
