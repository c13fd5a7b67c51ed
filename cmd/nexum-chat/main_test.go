package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"nexum/internal/models"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	convs    []models.Conversation
	selected string
	sent     []string
	started  []string
	older    int
}

func (f *fakeSession) Conversations() []models.Conversation { return f.convs }

func (f *fakeSession) SelectConversation(ctx context.Context, id string) error {
	f.selected = id
	return nil
}

func (f *fakeSession) LoadOlder(ctx context.Context) error {
	f.older++
	return nil
}

func (f *fakeSession) StartConversation(ctx context.Context, identity string) (models.Conversation, error) {
	f.started = append(f.started, identity)
	return models.Conversation{ID: "new"}, nil
}

func (f *fakeSession) SearchUsers(ctx context.Context, query string) ([]models.Participant, error) {
	return []models.Participant{{Name: "Bob Stone", Email: "bob@uni.edu", Role: "faculty", Dept: "cs"}}, nil
}

func (f *fakeSession) SendMessage(text string, attachments []models.Attachment) (models.Message, error) {
	if f.selected == "" {
		return models.Message{}, errors.New("no active conversation")
	}
	f.sent = append(f.sent, text)
	return models.Message{Text: text}, nil
}

func (f *fakeSession) PresenceSnapshot() map[string]models.PresenceStatus {
	return map[string]models.PresenceStatus{"bob@uni.edu": models.PresenceOnline}
}

func (f *fakeSession) ActiveConversation() string { return f.selected }

func (f *fakeSession) Identity() string { return "alice@uni.edu" }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line, cmd, arg string
	}{
		{"hello there", "", "hello there"},
		{"  /open 2 ", "/open", "2"},
		{"/LIST", "/list", ""},
		{"/search bob stone", "/search", "bob stone"},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.line)
		require.Equal(t, tt.cmd, cmd, tt.line)
		require.Equal(t, tt.arg, arg, tt.line)
	}
}

func TestHandle(t *testing.T) {
	sess := &fakeSession{convs: []models.Conversation{
		{ID: "c1", Participants: []string{"alice@uni.edu", "bob@uni.edu"}, UnreadCount: 2,
			LastMessage: &models.Message{Text: "see you"}},
		{ID: "c2", OtherParticipants: []models.Participant{{Name: "Carol"}}},
	}}
	var out bytes.Buffer
	c := &client{sess: sess, out: &out}
	ctx := context.Background()

	require.Error(t, c.handle(ctx, "hi"))

	require.NoError(t, c.handle(ctx, "/list"))
	require.Contains(t, out.String(), "1. bob@uni.edu (2 unread): see you")
	require.Contains(t, out.String(), "2. Carol")

	require.NoError(t, c.handle(ctx, "/open 2"))
	require.Equal(t, "c2", sess.selected)
	require.Error(t, c.handle(ctx, "/open 3"))
	require.NoError(t, c.handle(ctx, "/open c1"))
	require.Equal(t, "c1", sess.selected)

	require.NoError(t, c.handle(ctx, "hello bob"))
	require.Equal(t, []string{"hello bob"}, sess.sent)
	require.NoError(t, c.handle(ctx, "   "))

	require.NoError(t, c.handle(ctx, "/older"))
	require.Equal(t, 1, sess.older)

	require.Error(t, c.handle(ctx, "/new"))
	require.NoError(t, c.handle(ctx, "/new carol@uni.edu"))
	require.Equal(t, []string{"carol@uni.edu"}, sess.started)

	out.Reset()
	require.NoError(t, c.handle(ctx, "/search bob"))
	require.Contains(t, out.String(), "Bob Stone <bob@uni.edu>")
	require.NoError(t, c.handle(ctx, "/who"))
	require.Contains(t, out.String(), "bob@uni.edu online")

	require.ErrorContains(t, c.handle(ctx, "/dance"), "unknown command")
	require.ErrorIs(t, c.handle(ctx, "/quit"), errQuit)
}

func TestRenderer(t *testing.T) {
	var out bytes.Buffer
	r := &renderer{client: &client{out: &out}}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	pending := models.Message{ClientID: "temp_1", Sender: "alice@uni.edu", Text: "hi", CreatedAt: at, State: models.DeliverySending}
	r.render([]models.Message{pending}, "c1")
	require.Contains(t, out.String(), "alice@uni.edu: hi (sending)")

	// Confirmation of a shown message prints nothing.
	out.Reset()
	confirmed := pending
	confirmed.ID = "m1"
	confirmed.State = models.DeliverySent
	r.render([]models.Message{confirmed}, "c1")
	require.Empty(t, out.String())

	failed := models.Message{ClientID: "temp_2", Sender: "alice@uni.edu", Text: "lost", CreatedAt: at, State: models.DeliverySending}
	r.render([]models.Message{confirmed, failed}, "c1")
	failed.State = models.DeliveryFailed
	r.render([]models.Message{confirmed, failed}, "c1")
	require.Equal(t, 2, strings.Count(out.String(), "lost"))
	require.Contains(t, out.String(), "lost (failed)")

	// Switching conversation starts over.
	out.Reset()
	incoming := models.Message{ID: "m9", Sender: "bob@uni.edu", SenderDetails: &models.Participant{Name: "Bob"}, Text: "yo", CreatedAt: at, State: models.DeliverySent}
	r.render([]models.Message{incoming}, "c2")
	require.Contains(t, out.String(), "Bob: yo")
}
