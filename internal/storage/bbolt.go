package storage

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"nexum/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

var (
	bucketUsers         = []byte("users")
	bucketConversations = []byte("conversations")
	bucketParticipants  = []byte("participants")
	bucketMessages      = []byte("messages")
)

var (
	ErrTooFewParticipants = errors.New("at least two valid participants are required")
	ErrNotParticipant     = errors.New("user is not a participant in this conversation")
	ErrEmptyMessage       = errors.New("message text is empty")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketConversations, bucketParticipants, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UpsertUser creates the user or updates its details. The ID of an
// existing user is kept.
func (s *BboltStorage) UpsertUser(p models.Participant) (models.Participant, error) {
	email := normalizeEmail(p.Email)
	if email == "" {
		return models.Participant{}, errors.New("user email is required")
	}

	var user DBUser
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if data := b.Get([]byte(email)); data != nil {
			if err := user.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
		} else {
			user = DBUser{ID: uuid.NewString(), Email: email, CreatedAt: s.now().UnixNano()}
		}
		user.Name = p.Name
		user.Role = p.Role
		user.Dept = p.Dept

		data, err := user.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(user.Key(), data)
	})
	if err != nil {
		return models.Participant{}, err
	}
	return user.participant(), nil
}

func (s *BboltStorage) GetUser(email string) (models.Participant, error) {
	var user DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(normalizeEmail(email)))
		if data == nil {
			return models.ErrNotFound
		}
		return user.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Participant{}, err
	}
	return user.participant(), nil
}

// SearchUsers matches query against name and e-mail case-insensitively.
// Role and dept, when set, must match exactly (ignoring case).
func (s *BboltStorage) SearchUsers(query, role, dept string) ([]models.Participant, error) {
	query = strings.ToLower(strings.TrimSpace(query))

	var users []models.Participant
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user DBUser
			if err := user.UnmarshalBinary(v); err != nil {
				return err
			}
			if role != "" && !strings.EqualFold(user.Role, role) {
				return nil
			}
			if dept != "" && !strings.EqualFold(user.Dept, dept) {
				return nil
			}
			if query != "" &&
				!strings.Contains(strings.ToLower(user.Name), query) &&
				!strings.Contains(user.Email, query) {
				return nil
			}
			users = append(users, user.participant())
			return nil
		})
	})
	return users, err
}

// GetOrCreateConversation returns the conversation of the given participant
// set, creating it when none exists. Unknown users are ignored; at least two
// known participants must remain. Reports whether it was created.
func (s *BboltStorage) GetOrCreateConversation(participants []string) (models.Conversation, bool, error) {
	var (
		conv    DBConversation
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		var valid []string
		for _, p := range participants {
			email := normalizeEmail(p)
			if email != "" && users.Get([]byte(email)) != nil && !slices.Contains(valid, email) {
				valid = append(valid, email)
			}
		}
		if len(valid) < 2 {
			return ErrTooFewParticipants
		}

		key := []byte(models.ParticipantKey(valid))
		index := tx.Bucket(bucketParticipants)
		convs := tx.Bucket(bucketConversations)

		if id := index.Get(key); id != nil {
			data := convs.Get(id)
			if data == nil {
				return fmt.Errorf("conversation %s indexed but missing", id)
			}
			return conv.UnmarshalBinary(data)
		}

		now := s.now().UnixNano()
		conv = DBConversation{
			ID:           uuid.NewString(),
			Participants: valid,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		data, err := conv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convs.Put(conv.Key(), data); err != nil {
			return err
		}
		created = true
		return index.Put(key, conv.Key())
	})
	if err != nil {
		return models.Conversation{}, false, err
	}

	result, err := s.GetConversation(conv.ID)
	return result, created, err
}

// GetConversation returns the conversation with participant details.
func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	return s.GetConversationFor(id, "")
}

// GetConversationFor is GetConversation as seen by viewer: other
// participants, last message and unread count are filled in.
func (s *BboltStorage) GetConversationFor(id, viewer string) (models.Conversation, error) {
	var result models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		result = toConversation(tx, conv, normalizeEmail(viewer))
		return nil
	})
	return result, err
}

// ListConversations returns the conversations of email, most recently
// updated first, with the last message and the unread count for email.
func (s *BboltStorage) ListConversations(email string) ([]models.Conversation, error) {
	email = normalizeEmail(email)

	var result []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var conv DBConversation
			if err := conv.UnmarshalBinary(v); err != nil {
				return err
			}
			if !slices.Contains(conv.Participants, email) {
				return nil
			}
			result = append(result, toConversation(tx, conv, email))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func getConversation(tx *bbolt.Tx, id string) (DBConversation, error) {
	var conv DBConversation
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return conv, models.ErrNotFound
	}
	err := conv.UnmarshalBinary(data)
	return conv, err
}

// toConversation fills in participant details. When viewer is set, the
// viewer-specific fields are filled as well.
func toConversation(tx *bbolt.Tx, conv DBConversation, viewer string) models.Conversation {
	result := models.Conversation{
		ID:           conv.ID,
		Participants: slices.Clone(conv.Participants),
		CreatedAt:    time.Unix(0, conv.CreatedAt).UTC(),
		UpdatedAt:    time.Unix(0, conv.UpdatedAt).UTC(),
	}

	users := tx.Bucket(bucketUsers)
	for _, email := range conv.Participants {
		var user DBUser
		data := users.Get([]byte(email))
		if data == nil || user.UnmarshalBinary(data) != nil {
			continue
		}
		result.ParticipantDetails = append(result.ParticipantDetails, user.participant())
		if viewer != "" && email != viewer {
			result.OtherParticipants = append(result.OtherParticipants, user.participant())
		}
	}

	if viewer == "" {
		return result
	}

	msgs := tx.Bucket(bucketMessages).Bucket([]byte(conv.ID))
	if msgs == nil {
		return result
	}
	c := msgs.Cursor()
	if k, v := c.Last(); k != nil {
		var last DBMessage
		if err := last.UnmarshalBinary(v); err == nil {
			m := last.message()
			result.LastMessage = &m
		}
	}
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var m DBMessage
		if err := m.UnmarshalBinary(v); err != nil {
			continue
		}
		if m.Sender != viewer && !slices.Contains(m.ReadBy, viewer) {
			result.UnreadCount++
		}
	}
	return result
}

// AddMessage appends a message to its conversation. The ID, sequence and
// creation time are assigned here; creation times strictly increase within
// a conversation so that time order equals storage order.
func (s *BboltStorage) AddMessage(message models.Message) (models.Message, error) {
	if strings.TrimSpace(message.Text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	sender := normalizeEmail(message.Sender)

	var stored DBMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, message.ConversationID)
		if err != nil {
			return err
		}
		if !slices.Contains(conv.Participants, sender) {
			return ErrNotParticipant
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conv.ID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		createdAt := s.now().UnixNano()
		if k, v := chatBucket.Cursor().Last(); k != nil {
			var last DBMessage
			if err := last.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal last message: %w", err)
			}
			createdAt = max(createdAt, last.CreatedAt+1)
		}

		conv.LastSeq++
		stored = DBMessage{
			Seq:            conv.LastSeq,
			ID:             fmt.Sprintf("%s-%016x", conv.ID, conv.LastSeq),
			ConversationID: conv.ID,
			Sender:         sender,
			Text:           message.Text,
			CreatedAt:      createdAt,
			ReadBy:         []string{sender},
		}
		for _, a := range message.Attachments {
			stored.Attachments = append(stored.Attachments, DBAttachment{Name: a.Name, MimeType: a.MimeType, URL: a.URL})
		}

		data, err := stored.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chatBucket.Put(stored.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		conv.UpdatedAt = createdAt
		convData, err := conv.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConversations).Put(conv.Key(), convData)
	})
	if err != nil {
		return models.Message{}, err
	}
	return stored.message(), nil
}

// ListMessages returns page of the conversation history. Page 1 holds the
// newest messages; each page is returned oldest first.
func (s *BboltStorage) ListMessages(conversationID string, page, perPage int) (models.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	perPage = min(perPage, MaxPerPage)

	result := models.MessagePage{Page: page, PerPage: perPage, Messages: []models.Message{}}
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		result.Total = int(conv.LastSeq)
		result.Pages = (result.Total + perPage - 1) / perPage

		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conv.ID))
		if chatBucket == nil {
			return nil
		}

		hi := conv.LastSeq - int64((page-1)*perPage)
		if hi < 1 {
			return nil
		}
		lo := max(hi-int64(perPage)+1, 1)

		c := chatBucket.Cursor()
		maxKey := seqKey(hi)
		for k, v := c.Seek(seqKey(lo)); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			result.Messages = append(result.Messages, m.message())
		}
		return nil
	})
	return result, err
}

// MarkAsRead adds email to read_by of every message in the conversation
// it has not read yet. Returns how many messages changed.
func (s *BboltStorage) MarkAsRead(conversationID, email string) (int, error) {
	email = normalizeEmail(email)

	changed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if !slices.Contains(conv.Participants, email) {
			return ErrNotParticipant
		}

		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conv.ID))
		if chatBucket == nil {
			return nil
		}

		type update struct {
			key  []byte
			data []byte
		}
		var updates []update
		err = chatBucket.ForEach(func(k, v []byte) error {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if m.Sender == email || slices.Contains(m.ReadBy, email) {
				return nil
			}
			m.ReadBy = append(m.ReadBy, email)
			data, err := m.MarshalBinary()
			if err != nil {
				return err
			}
			updates = append(updates, update{key: slices.Clone(k), data: data})
			return nil
		})
		if err != nil {
			return err
		}

		// Buckets must not be modified while iterating with ForEach.
		for _, u := range updates {
			if err := chatBucket.Put(u.key, u.data); err != nil {
				return err
			}
		}
		changed = len(updates)
		return nil
	})
	return changed, err
}
