package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"nexum/internal/models"
)

const DefaultPerPage = 20

var (
	ErrNotActive    = errors.New("conversation is not active")
	ErrLoadInFlight = errors.New("page load already in flight")
	ErrNoMorePages  = errors.New("no older pages")
	ErrStalePage    = errors.New("page arrived after the active conversation changed")
	ErrPageGap      = errors.New("page is not adjacent to the loaded window")
)

// PageFetcher loads one page of a conversation's history, oldest first.
type PageFetcher interface {
	ListMessages(ctx context.Context, conversationID string, page, perPage int) (models.MessagePage, error)
}

// Cursor tracks the oldest loaded page of the active conversation.
type Cursor struct {
	Page    int
	HasMore bool
}

// View is a read-only snapshot of the store.
type View struct {
	ConversationID string
	Messages       []models.Message
	Cursor         Cursor
	Loading        bool
	Err            error
}

type Config struct {
	Fetcher PageFetcher
	PerPage int
}

// Store keeps an ordered window of messages for exactly one conversation.
//
// The window is split in two regions: confirmed messages ordered by
// (CreatedAt, ID), followed by unconfirmed (sending or failed) messages in
// the order they were sent.
type Store struct {
	fetcher PageFetcher
	perPage int

	conversationID string
	messages       []models.Message
	cursor         Cursor
	loading        bool
	generation     uint64
	err            error

	mux sync.RWMutex
}

func New(config Config) *Store {
	perPage := config.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	return &Store{
		fetcher: config.Fetcher,
		perPage: perPage,
		cursor:  Cursor{Page: 1, HasMore: true},
	}
}

// Reset switches the window to conversationID. Loaded messages are dropped,
// the cursor goes back to page 1 and in-flight loads become stale.
func (s *Store) Reset(conversationID string) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.conversationID = conversationID
	s.messages = nil
	s.cursor = Cursor{Page: 1, HasMore: true}
	s.loading = false
	s.generation++
	s.err = nil
}

// LoadPage fetches page of conversationID. Page 1 replaces the window,
// the page right after the oldest loaded one is merged in front of it and
// any other page is rejected with ErrPageGap. Only one load runs at a time;
// a second call while one is outstanding returns ErrLoadInFlight.
func (s *Store) LoadPage(ctx context.Context, conversationID string, page int) error {
	if page < 1 {
		return fmt.Errorf("invalid page %d", page)
	}

	s.mux.Lock()
	if page > 1 && conversationID == s.conversationID && page != s.cursor.Page+1 {
		s.mux.Unlock()
		return fmt.Errorf("%w: page %d after page %d", ErrPageGap, page, s.cursor.Page)
	}
	gen, err := s.beginLoad(conversationID)
	s.mux.Unlock()
	if err != nil {
		return err
	}

	return s.fetch(ctx, conversationID, page, gen)
}

// LoadOlder fetches the page preceding the oldest loaded one.
func (s *Store) LoadOlder(ctx context.Context, conversationID string) error {
	s.mux.Lock()
	if conversationID == s.conversationID && !s.cursor.HasMore {
		s.mux.Unlock()
		return ErrNoMorePages
	}
	page := s.cursor.Page + 1
	gen, err := s.beginLoad(conversationID)
	s.mux.Unlock()
	if err != nil {
		return err
	}

	return s.fetch(ctx, conversationID, page, gen)
}

func (s *Store) beginLoad(conversationID string) (uint64, error) {
	if conversationID == "" || conversationID != s.conversationID {
		return 0, ErrNotActive
	}
	if s.loading {
		return 0, ErrLoadInFlight
	}
	s.loading = true
	return s.generation, nil
}

func (s *Store) fetch(ctx context.Context, conversationID string, page int, gen uint64) error {
	result, err := s.fetcher.ListMessages(ctx, conversationID, page, s.perPage)

	s.mux.Lock()
	defer s.mux.Unlock()

	// Reset happened while the request was outstanding.
	if gen != s.generation {
		return ErrStalePage
	}
	s.loading = false

	if err != nil {
		s.err = err
		return err
	}
	s.err = nil

	if page == 1 {
		s.replace(result.Messages)
	} else {
		s.prepend(result.Messages)
	}
	s.cursor = Cursor{Page: page, HasMore: page < result.Pages}
	return nil
}

// replace installs a fresh first page. Unconfirmed messages stay at the
// tail and confirmed messages that arrived live and are newer than the
// fetched window are kept.
func (s *Store) replace(page []models.Message) {
	previous := s.messages
	s.messages = make([]models.Message, 0, len(page)+len(previous))
	for _, m := range page {
		s.insertConfirmed(m)
	}

	var newest models.Message
	hasNewest := len(s.messages) > 0
	if hasNewest {
		newest = s.messages[len(s.messages)-1]
	}

	var unconfirmed []models.Message
	for _, m := range previous {
		if !m.Confirmed() {
			unconfirmed = append(unconfirmed, m)
			continue
		}
		if hasNewest && m.Before(newest) {
			continue
		}
		s.insertConfirmed(m)
	}
	s.messages = append(s.messages, unconfirmed...)
}

// prepend merges an older page. Offset paging shifts when new messages
// arrive in the meantime, so already loaded IDs are skipped.
func (s *Store) prepend(page []models.Message) {
	for _, m := range page {
		if s.indexOf(m.ID) >= 0 {
			continue
		}
		s.insertConfirmed(m)
	}
}

// AppendOptimistic adds a locally created message at the tail.
func (s *Store) AppendOptimistic(m models.Message) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if m.ConversationID == "" || m.ConversationID != s.conversationID {
		return false
	}
	m.State = models.DeliverySending
	s.messages = append(s.messages, m)
	return true
}

// ReconcileIncoming applies a server-confirmed message. When it matches an
// unconfirmed one, that entry is replaced; otherwise the message is added.
// Reports whether a pending entry was replaced.
func (s *Store) ReconcileIncoming(m models.Message) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if m.ConversationID == "" || m.ConversationID != s.conversationID {
		return false
	}

	replaced := false
	if i := s.matchUnconfirmed(m); i >= 0 {
		if m.ClientID == "" {
			m.ClientID = s.messages[i].ClientID
		}
		s.messages = slices.Delete(s.messages, i, i+1)
		replaced = true
	}
	s.insertConfirmed(m)
	return replaced
}

// matchUnconfirmed finds the unconfirmed message m confirms. A client id
// echoed by the server is authoritative; without one, the first entry
// with the same sender and text wins.
func (s *Store) matchUnconfirmed(m models.Message) int {
	sender := m.SenderIdentity()
	for i, candidate := range s.messages {
		if candidate.Confirmed() {
			continue
		}
		if m.ClientID != "" {
			if candidate.ClientID == m.ClientID {
				return i
			}
			continue
		}
		if candidate.Text == m.Text && strings.EqualFold(candidate.SenderIdentity(), sender) {
			return i
		}
	}
	return -1
}

// insertConfirmed places m in the confirmed region, or updates the entry
// with the same ID. Callers hold the lock.
func (s *Store) insertConfirmed(m models.Message) {
	m.State = models.DeliverySent

	if i := s.indexOf(m.ID); i >= 0 {
		m.ReadBy = union(s.messages[i].ReadBy, m.ReadBy)
		s.messages[i] = m
		return
	}

	boundary := len(s.messages)
	for i, existing := range s.messages {
		if !existing.Confirmed() {
			boundary = i
			break
		}
	}
	pos := sort.Search(boundary, func(i int) bool {
		return m.Before(s.messages[i])
	})
	s.messages = slices.Insert(s.messages, pos, m)
}

func (s *Store) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range s.messages {
		if m.Confirmed() && m.ID == id {
			return i
		}
	}
	return -1
}

// ApplyReadReceipt records userID as a reader of every loaded message.
// The receipt carries no message boundary, so it covers the whole window.
func (s *Store) ApplyReadReceipt(conversationID, userID string) int {
	s.mux.Lock()
	defer s.mux.Unlock()

	if userID == "" || conversationID != s.conversationID {
		return 0
	}

	changed := 0
	for i := range s.messages {
		if slices.Contains(s.messages[i].ReadBy, userID) {
			continue
		}
		s.messages[i].ReadBy = append(slices.Clip(s.messages[i].ReadBy), userID)
		changed++
	}
	return changed
}

// ExpirePending marks messages still sending since before the cutoff as failed.
func (s *Store) ExpirePending(before time.Time) int {
	s.mux.Lock()
	defer s.mux.Unlock()

	expired := 0
	for i := range s.messages {
		if s.messages[i].IsPending() && s.messages[i].CreatedAt.Before(before) {
			s.messages[i].State = models.DeliveryFailed
			expired++
		}
	}
	return expired
}

func (s *Store) ConversationID() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.conversationID
}

// View returns a copy of the current window.
func (s *Store) View() View {
	s.mux.RLock()
	defer s.mux.RUnlock()

	messages := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		m.ReadBy = slices.Clone(m.ReadBy)
		messages[i] = m
	}
	return View{
		ConversationID: s.conversationID,
		Messages:       messages,
		Cursor:         s.cursor,
		Loading:        s.loading,
		Err:            s.err,
	}
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
