package models

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Participant carries the public details of a user. The e-mail address
// is the user's identity everywhere in the messaging protocol.
type Participant struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	Dept  string `json:"dept,omitempty"`
}

// Conversation is a persistent grouping of participants exchanging messages.
type Conversation struct {
	ID                 string        `json:"_id"`
	Participants       []string      `json:"participants"`
	ParticipantDetails []Participant `json:"participant_details,omitempty"`
	OtherParticipants  []Participant `json:"other_participants,omitempty"`
	LastMessage        *Message      `json:"last_message,omitempty"`
	UnreadCount        int           `json:"unread_count"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// ParticipantKey returns a key identifying the unordered participant set.
// Two conversations with the same key are the same conversation.
func (c Conversation) ParticipantKey() string {
	return ParticipantKey(c.Participants)
}

// ParticipantKey normalises identities (case, order, duplicates) into a key.
func ParticipantKey(identities []string) string {
	set := make([]string, 0, len(identities))
	for _, id := range identities {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		set = append(set, id)
	}
	slices.Sort(set)
	return strings.Join(slices.Compact(set), "\x00")
}

// HasParticipant reports whether identity takes part in the conversation.
func (c Conversation) HasParticipant(identity string) bool {
	for _, p := range c.Participants {
		if strings.EqualFold(p, identity) {
			return true
		}
	}
	return false
}

type DeliveryState string

const (
	DeliverySending DeliveryState = "sending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message represents a chat message. Optimistic messages have no ID
// until the server confirms them; they are correlated by ClientID.
type Message struct {
	ID             string        `json:"_id,omitempty"`
	ClientID       string        `json:"client_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	Sender         string        `json:"sender"`
	SenderDetails  *Participant  `json:"sender_details,omitempty"`
	Text           string        `json:"text"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ReadBy         []string      `json:"read_by,omitempty"`
	State          DeliveryState `json:"-"`
}

// IsPending is true only for optimistic messages awaiting confirmation.
func (m Message) IsPending() bool {
	return m.State == DeliverySending
}

// Confirmed is true for messages carrying a server-assigned ID.
func (m Message) Confirmed() bool {
	return m.State != DeliverySending && m.State != DeliveryFailed
}

// SenderIdentity returns the sender e-mail, preferring the explicit
// sender_details when the server sent them.
func (m Message) SenderIdentity() string {
	if m.SenderDetails != nil && m.SenderDetails.Email != "" {
		return m.SenderDetails.Email
	}
	return m.Sender
}

// Before orders confirmed messages by creation time, ties broken by ID.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url"`
}

// MessagePage is one page of a conversation's history, oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PerPage  int       `json:"per_page"`
	Pages    int       `json:"pages"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type EventName string

const (
	// Outbound.
	EventLogin             EventName = "login"
	EventJoinConversation  EventName = "join_conversation"
	EventLeaveConversation EventName = "leave_conversation"
	EventSendMessage       EventName = "send_message"

	// Inbound.
	EventNewMessage   EventName = "new_message"
	EventMessagesRead EventName = "messages_read"
	EventUserStatus   EventName = "user_status"

	// Raised locally by the transport, never sent on the wire.
	EventConnect    EventName = "connect"
	EventDisconnect EventName = "disconnect"
)

// Envelope is the frame exchanged on the push channel.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for the named event.
func NewEnvelope(event EventName, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

type LoginPayload struct {
	Email string `json:"email"`
}

type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
	Email          string `json:"email"`
}

type LeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

type SendPayload struct {
	ConversationID string       `json:"conversation_id"`
	Email          string       `json:"email"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ClientID       string       `json:"client_id,omitempty"`
}

// ReadReceipt reports that UserID has read the conversation.
type ReadReceipt struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserEmail      string `json:"user_email,omitempty"`
}

// Reader returns the identity to record in read_by.
func (r ReadReceipt) Reader() string {
	if r.UserEmail != "" {
		return r.UserEmail
	}
	return r.UserID
}

type UserStatus struct {
	Email  string         `json:"email"`
	Status PresenceStatus `json:"status"`
}

// DisconnectInfo accompanies a local disconnect event. Final is set when
// the transport stopped reconnecting.
type DisconnectInfo struct {
	Error string `json:"error,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Participants []string `json:"participants"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
