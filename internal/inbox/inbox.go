package inbox

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"nexum/internal/models"
)

var ErrInvalidConversation = errors.New("backend returned a conversation without id")

// Fetcher talks to the conversation REST API.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, participants []string) (models.Conversation, error)
}

type Config struct {
	Fetcher Fetcher
	// Identity of the viewer; its own messages never count as unread.
	Identity string
}

// Store keeps the viewer's conversations, most recently active first.
type Store struct {
	fetcher  Fetcher
	identity string

	conversations []models.Conversation
	active        string
	err           error

	mu sync.RWMutex
}

func New(config Config) *Store {
	return &Store{
		fetcher:  config.Fetcher,
		identity: config.Identity,
	}
}

// LoadAll replaces the store contents with the backend list. On failure
// the previous contents are kept.
func (s *Store) LoadAll(ctx context.Context) error {
	list, err := s.fetcher.ListConversations(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.err = err
		return err
	}
	s.err = nil

	seen := make(map[string]bool, len(list))
	s.conversations = make([]models.Conversation, 0, len(list))
	for _, c := range list {
		key := c.ParticipantKey()
		if c.ID == "" || seen[c.ID] || (key != "" && seen[key]) {
			continue
		}
		seen[c.ID] = true
		if key != "" {
			seen[key] = true
		}
		if c.ID == s.active {
			c.UnreadCount = 0
		}
		s.conversations = append(s.conversations, c)
	}
	return nil
}

// SetActive records the conversation the viewer is looking at and clears
// its unread counter. An empty id means no active conversation.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = conversationID
	if i := s.indexOf(conversationID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
}

// MarkActiveRead zeroes the unread counter locally.
func (s *Store) MarkActiveRead(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(conversationID)
	if i < 0 {
		return false
	}
	s.conversations[i].UnreadCount = 0
	return true
}

// UpsertFromIncomingMessage updates the preview and unread counter of the
// message's conversation and moves it to the front. Messages for unknown
// conversations are dropped.
func (s *Store) UpsertFromIncomingMessage(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(m.ConversationID)
	if i < 0 {
		return false
	}

	c := s.conversations[i]
	last := m
	c.LastMessage = &last
	if m.ConversationID == s.active || strings.EqualFold(m.SenderIdentity(), s.identity) {
		c.UnreadCount = 0
	} else {
		c.UnreadCount++
	}
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}

	s.conversations = slices.Delete(s.conversations, i, i+1)
	s.conversations = slices.Insert(s.conversations, 0, c)
	return true
}

// Create asks the backend for the conversation with the given participants
// (creating it if needed) and puts it at the front of the list.
func (s *Store) Create(ctx context.Context, participants []string) (models.Conversation, error) {
	c, err := s.fetcher.CreateConversation(ctx, participants)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.err = err
		return models.Conversation{}, err
	}
	if c.ID == "" {
		s.err = ErrInvalidConversation
		return models.Conversation{}, ErrInvalidConversation
	}
	s.err = nil

	key := c.ParticipantKey()
	s.conversations = slices.DeleteFunc(s.conversations, func(existing models.Conversation) bool {
		return existing.ID == c.ID || (key != "" && existing.ParticipantKey() == key)
	})
	if c.ID == s.active {
		c.UnreadCount = 0
	}
	s.conversations = slices.Insert(s.conversations, 0, c)
	return c, nil
}

// Search filters conversations whose other participants match query by
// name or e-mail, case-insensitively. It does not modify the store.
func (s *Store) Search(query string) []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(strings.TrimSpace(query))
	var result []models.Conversation
	for _, c := range s.conversations {
		if query == "" || s.matches(c, query) {
			result = append(result, c)
		}
	}
	return result
}

func (s *Store) matches(c models.Conversation, query string) bool {
	if len(c.OtherParticipants) > 0 {
		for _, p := range c.OtherParticipants {
			if strings.Contains(strings.ToLower(p.Name), query) ||
				strings.Contains(strings.ToLower(p.Email), query) {
				return true
			}
		}
		return false
	}
	for _, id := range c.Participants {
		if strings.EqualFold(id, s.identity) {
			continue
		}
		if strings.Contains(strings.ToLower(id), query) {
			return true
		}
	}
	return false
}

func (s *Store) Get(conversationID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(conversationID)
	if i < 0 {
		return models.Conversation{}, false
	}
	return s.conversations[i], true
}

// Snapshot returns a copy of the ordered list.
func (s *Store) Snapshot() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.conversations)
}

func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Store) indexOf(conversationID string) int {
	if conversationID == "" {
		return -1
	}
	return slices.IndexFunc(s.conversations, func(c models.Conversation) bool {
		return c.ID == conversationID
	})
}
