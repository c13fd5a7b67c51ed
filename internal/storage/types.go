package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"nexum/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID        string `msgpack:"id"`
	Email     string `msgpack:"email"`
	Name      string `msgpack:"name"`
	Role      string `msgpack:"role"`
	Dept      string `msgpack:"dept"`
	CreatedAt int64  `msgpack:"createdAt"`
}

// Key is the normalised e-mail, the identity of a user.
func (u *DBUser) Key() []byte {
	return []byte(u.Email)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) participant() models.Participant {
	return models.Participant{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
		Role:  u.Role,
		Dept:  u.Dept,
	}
}

type DBConversation struct {
	ID           string   `msgpack:"id"`
	Participants []string `msgpack:"participants"`
	CreatedAt    int64    `msgpack:"createdAt"`
	UpdatedAt    int64    `msgpack:"updatedAt"`
	LastSeq      int64    `msgpack:"lastSeq"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	Seq            int64          `msgpack:"seq"`
	ID             string         `msgpack:"id"`
	ConversationID string         `msgpack:"conversationId"`
	Sender         string         `msgpack:"sender"`
	Text           string         `msgpack:"text"`
	Attachments    []DBAttachment `msgpack:"attachments"`
	CreatedAt      int64          `msgpack:"createdAt"`
	ReadBy         []string       `msgpack:"readBy"`
}

type DBAttachment struct {
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	URL      string `msgpack:"url"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) message() models.Message {
	msg := models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Text:           m.Text,
		CreatedAt:      time.Unix(0, m.CreatedAt).UTC(),
		ReadBy:         m.ReadBy,
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{Name: a.Name, MimeType: a.MimeType, URL: a.URL}
		}
	}
	return msg
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
