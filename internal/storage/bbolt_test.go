package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nexum/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUsers(t *testing.T, store *BboltStorage, users ...models.Participant) {
	t.Helper()
	for _, u := range users {
		if _, err := store.UpsertUser(u); err != nil {
			t.Fatalf("UpsertUser %s failed: %v", u.Email, err)
		}
	}
}

var (
	alice = models.Participant{Name: "Alice Smith", Email: "alice@uni.edu", Role: "student", Dept: "cs"}
	bob   = models.Participant{Name: "Bob Stone", Email: "bob@uni.edu", Role: "faculty", Dept: "cs"}
	carol = models.Participant{Name: "Carol King", Email: "carol@uni.edu", Role: "alumni", Dept: "math"}
)

func TestStorage_Users(t *testing.T) {
	store := newTestStorage(t)

	created, err := store.UpsertUser(models.Participant{Name: "Alice", Email: " Alice@Uni.edu "})
	if err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if created.Email != "alice@uni.edu" {
		t.Errorf("expected normalised email, got %s", created.Email)
	}
	if created.ID == "" {
		t.Error("expected generated ID")
	}

	updated, err := store.UpsertUser(alice)
	if err != nil {
		t.Fatalf("UpsertUser update failed: %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("update must keep ID %s, got %s", created.ID, updated.ID)
	}
	if updated.Name != "Alice Smith" {
		t.Errorf("expected updated name, got %s", updated.Name)
	}

	if _, err := store.GetUser("nobody@uni.edu"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.UpsertUser(models.Participant{Name: "x"}); err == nil {
		t.Error("expected error for missing email")
	}
}

func TestStorage_SearchUsers(t *testing.T) {
	store := newTestStorage(t)
	seedUsers(t, store, alice, bob, carol)

	tests := []struct {
		query, role, dept string
		want              int
	}{
		{"", "", "", 3},
		{"STONE", "", "", 1},
		{"uni.edu", "", "cs", 2},
		{"", "alumni", "", 1},
		{"alice", "faculty", "", 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s/%s", tt.query, tt.role, tt.dept), func(t *testing.T) {
			users, err := store.SearchUsers(tt.query, tt.role, tt.dept)
			if err != nil {
				t.Fatalf("SearchUsers failed: %v", err)
			}
			if len(users) != tt.want {
				t.Errorf("expected %d users, got %d", tt.want, len(users))
			}
		})
	}
}

func TestStorage_GetOrCreateConversation(t *testing.T) {
	store := newTestStorage(t)
	seedUsers(t, store, alice, bob, carol)

	first, created, err := store.GetOrCreateConversation([]string{"alice@uni.edu", "bob@uni.edu"})
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	if !created {
		t.Error("expected the conversation to be created")
	}
	if len(first.ParticipantDetails) != 2 {
		t.Errorf("expected 2 participant details, got %d", len(first.ParticipantDetails))
	}

	second, created, err := store.GetOrCreateConversation([]string{"BOB@uni.edu", "alice@uni.edu", "alice@uni.edu", "ghost@uni.edu"})
	if err != nil {
		t.Fatalf("GetOrCreateConversation again failed: %v", err)
	}
	if created {
		t.Error("expected the existing conversation")
	}
	if second.ID != first.ID {
		t.Errorf("expected same id %s, got %s", first.ID, second.ID)
	}

	group, _, err := store.GetOrCreateConversation([]string{"alice@uni.edu", "bob@uni.edu", "carol@uni.edu"})
	if err != nil {
		t.Fatalf("GetOrCreateConversation group failed: %v", err)
	}
	if group.ID == first.ID {
		t.Error("a different participant set must get a different conversation")
	}

	if _, _, err := store.GetOrCreateConversation([]string{"alice@uni.edu", "ghost@uni.edu"}); !errors.Is(err, ErrTooFewParticipants) {
		t.Errorf("expected ErrTooFewParticipants, got %v", err)
	}

	viewed, err := store.GetConversationFor(group.ID, "Carol@uni.edu")
	if err != nil {
		t.Fatalf("GetConversationFor failed: %v", err)
	}
	if len(viewed.OtherParticipants) != 2 {
		t.Errorf("expected 2 other participants, got %d", len(viewed.OtherParticipants))
	}
	for _, p := range viewed.OtherParticipants {
		if p.Email == "carol@uni.edu" {
			t.Error("viewer listed among other participants")
		}
	}
	if _, err := store.GetConversationFor("missing", "carol@uni.edu"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_ConcurrentCreateIsIdempotent(t *testing.T) {
	store := newTestStorage(t)
	seedUsers(t, store, alice, bob)

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Go(func() {
			conv, _, err := store.GetOrCreateConversation([]string{"alice@uni.edu", "bob@uni.edu"})
			if err != nil {
				t.Errorf("GetOrCreateConversation failed: %v", err)
				return
			}
			ids[i] = conv.ID
		})
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected a single conversation, got %v", ids)
		}
	}
	list, err := store.ListConversations("alice@uni.edu")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 conversation, got %d", len(list))
	}
}

func TestStorage_Messages(t *testing.T) {
	store := newTestStorage(t)
	seedUsers(t, store, alice, bob, carol)

	// Frozen clock: creation times must still strictly increase.
	frozen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return frozen }

	conv, _, err := store.GetOrCreateConversation([]string{"alice@uni.edu", "bob@uni.edu"})
	if err != nil {
		t.Fatal(err)
	}

	var sent []models.Message
	for i := 1; i <= 5; i++ {
		sender := "alice@uni.edu"
		if i%2 == 0 {
			sender = "bob@uni.edu"
		}
		m, err := store.AddMessage(models.Message{ConversationID: conv.ID, Sender: sender, Text: fmt.Sprintf("msg %d", i)})
		if err != nil {
			t.Fatalf("AddMessage %d failed: %v", i, err)
		}
		sent = append(sent, m)
	}
	for i := 1; i < len(sent); i++ {
		if !sent[i-1].Before(sent[i]) {
			t.Errorf("message %d not after message %d", i, i-1)
		}
	}
	if sent[0].ReadBy[0] != "alice@uni.edu" {
		t.Errorf("sender must have read own message, got %v", sent[0].ReadBy)
	}

	t.Run("Paging", func(t *testing.T) {
		page1, err := store.ListMessages(conv.ID, 1, 2)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if page1.Total != 5 || page1.Pages != 3 {
			t.Errorf("expected total 5 in 3 pages, got %d in %d", page1.Total, page1.Pages)
		}
		if len(page1.Messages) != 2 || page1.Messages[0].Text != "msg 4" || page1.Messages[1].Text != "msg 5" {
			t.Errorf("unexpected page 1: %+v", page1.Messages)
		}

		page3, err := store.ListMessages(conv.ID, 3, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page3.Messages) != 1 || page3.Messages[0].Text != "msg 1" {
			t.Errorf("unexpected page 3: %+v", page3.Messages)
		}

		page9, err := store.ListMessages(conv.ID, 9, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page9.Messages) != 0 {
			t.Errorf("expected empty page, got %d messages", len(page9.Messages))
		}

		if _, err := store.ListMessages("missing", 1, 2); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UnreadAndMarkAsRead", func(t *testing.T) {
		list, err := store.ListConversations("alice@uni.edu")
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 conversation, got %d", len(list))
		}
		if list[0].UnreadCount != 2 {
			t.Errorf("expected 2 unread for alice, got %d", list[0].UnreadCount)
		}
		if list[0].LastMessage == nil || list[0].LastMessage.Text != "msg 5" {
			t.Errorf("unexpected last message %+v", list[0].LastMessage)
		}
		if len(list[0].OtherParticipants) != 1 || list[0].OtherParticipants[0].Email != "bob@uni.edu" {
			t.Errorf("unexpected other participants %+v", list[0].OtherParticipants)
		}

		changed, err := store.MarkAsRead(conv.ID, "alice@uni.edu")
		if err != nil {
			t.Fatalf("MarkAsRead failed: %v", err)
		}
		if changed != 2 {
			t.Errorf("expected 2 changed, got %d", changed)
		}

		list, _ = store.ListConversations("alice@uni.edu")
		if list[0].UnreadCount != 0 {
			t.Errorf("expected 0 unread after MarkAsRead, got %d", list[0].UnreadCount)
		}

		if _, err := store.MarkAsRead(conv.ID, "carol@uni.edu"); !errors.Is(err, ErrNotParticipant) {
			t.Errorf("expected ErrNotParticipant, got %v", err)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		if _, err := store.AddMessage(models.Message{ConversationID: conv.ID, Sender: "carol@uni.edu", Text: "hi"}); !errors.Is(err, ErrNotParticipant) {
			t.Errorf("expected ErrNotParticipant, got %v", err)
		}
		if _, err := store.AddMessage(models.Message{ConversationID: conv.ID, Sender: "alice@uni.edu", Text: "  "}); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("expected ErrEmptyMessage, got %v", err)
		}
	})

	t.Run("Attachments", func(t *testing.T) {
		m, err := store.AddMessage(models.Message{
			ConversationID: conv.ID,
			Sender:         "bob@uni.edu",
			Text:           "see attached",
			Attachments:    []models.Attachment{{Name: "notes.pdf", MimeType: "application/pdf", URL: "/files/notes.pdf"}},
		})
		if err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
		page, err := store.ListMessages(conv.ID, 1, 1)
		if err != nil {
			t.Fatal(err)
		}
		if page.Messages[0].ID != m.ID || len(page.Messages[0].Attachments) != 1 {
			t.Fatalf("unexpected newest message %+v", page.Messages[0])
		}
		if page.Messages[0].Attachments[0].URL != "/files/notes.pdf" {
			t.Errorf("unexpected attachment %+v", page.Messages[0].Attachments[0])
		}
	})
}

func TestStorage_ListConversationsOrder(t *testing.T) {
	store := newTestStorage(t)
	seedUsers(t, store, alice, bob, carol)

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	withBob, _, _ := store.GetOrCreateConversation([]string{"alice@uni.edu", "bob@uni.edu"})
	withCarol, _, _ := store.GetOrCreateConversation([]string{"alice@uni.edu", "carol@uni.edu"})
	if _, err := store.AddMessage(models.Message{ConversationID: withBob.ID, Sender: "bob@uni.edu", Text: "bump"}); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListConversations("alice@uni.edu")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != withBob.ID || list[1].ID != withCarol.ID {
		t.Errorf("expected most recently updated first, got %v", list)
	}

	carolList, _ := store.ListConversations("carol@uni.edu")
	if len(carolList) != 1 {
		t.Errorf("expected 1 conversation for carol, got %d", len(carolList))
	}
}
