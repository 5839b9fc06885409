package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/cipherchat/internal/errs"
)

// Message types.
const (
	MessageText      = "text"
	MessageFile      = "file"
	MessageWithFiles = "message_with_files"
	MessageVideo     = "video"
)

var messageTypes = map[string]struct{}{
	MessageText:      {},
	MessageFile:      {},
	MessageWithFiles: {},
	MessageVideo:     {},
}

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t string) bool {
	_, ok := messageTypes[t]
	return ok
}

// MessageData is a chat message as relayed between clients. Ciphertext, nonce,
// metadata and envelopes are opaque to the server.
type MessageData struct {
	ID          ID              `json:"id"`
	ChatID      ID              `json:"chat_id"`
	SenderID    ID              `json:"sender_id"`
	MessageType string          `json:"message_type"`
	CreatedAt   string          `json:"created_at"`
	EditedAt    *string         `json:"edited_at"`
	IsRead      bool            `json:"is_read"`
	Ciphertext  string          `json:"ciphertext"`
	Nonce       string          `json:"nonce"`
	Metadata    json.RawMessage `json:"metadata"`
	Envelopes   Envelopes       `json:"envelopes"`
}

// Normalize fills defaults and rejects unknown message types.
func (m *MessageData) Normalize() error {
	if m.MessageType == "" {
		m.MessageType = MessageText
	}
	if !ValidMessageType(m.MessageType) {
		return fmt.Errorf("%w: unknown message_type %q", errs.ErrMalformed, m.MessageType)
	}
	if m.Envelopes == nil {
		m.Envelopes = Envelopes{}
	}
	if len(m.Metadata) == 0 || string(m.Metadata) == "null" {
		m.Metadata = json.RawMessage("[]")
	}
	return nil
}

// EditData describes an edit request. A new ciphertext always comes with a
// fresh nonce and a full envelope set for the new message key.
type EditData struct {
	ID          ID              `json:"id"`
	ChatID      ID              `json:"chat_id"`
	Ciphertext  *string         `json:"ciphertext,omitempty"`
	Nonce       *string         `json:"nonce,omitempty"`
	MessageType *string         `json:"message_type,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Envelopes   Envelopes       `json:"envelopes,omitempty"`
}

// Validate checks required fields and the re-key rule.
func (e *EditData) Validate() error {
	if e.ID == 0 || e.ChatID == 0 {
		return fmt.Errorf("%w: id and chat_id are required", errs.ErrMalformed)
	}
	if e.MessageType != nil && !ValidMessageType(*e.MessageType) {
		return fmt.Errorf("%w: unknown message_type %q", errs.ErrMalformed, *e.MessageType)
	}
	if e.Ciphertext != nil {
		if e.Nonce == nil || *e.Nonce == "" {
			return fmt.Errorf("%w: edited ciphertext requires a nonce", errs.ErrMalformed)
		}
		if len(e.Envelopes) == 0 {
			return fmt.Errorf("%w: edited ciphertext requires fresh envelopes", errs.ErrMalformed)
		}
	}
	return nil
}

// EditedMessage is broadcast after a successful edit.
type EditedMessage struct {
	ID          ID              `json:"id"`
	ChatID      ID              `json:"chat_id"`
	SenderID    ID              `json:"sender_id"`
	Ciphertext  string          `json:"ciphertext"`
	Nonce       string          `json:"nonce"`
	Envelopes   Envelopes       `json:"envelopes"`
	MessageType string          `json:"message_type"`
	Metadata    json.RawMessage `json:"metadata"`
	EditedAt    string          `json:"edited_at"`
}

// Edited builds the broadcast form of an accepted edit.
func (e *EditData) Edited(sender ID, editedAt string) EditedMessage {
	out := EditedMessage{
		ID:          e.ID,
		ChatID:      e.ChatID,
		SenderID:    sender,
		Envelopes:   e.Envelopes,
		MessageType: MessageText,
		Metadata:    e.Metadata,
		EditedAt:    editedAt,
	}
	if e.Ciphertext != nil {
		out.Ciphertext = *e.Ciphertext
	}
	if e.Nonce != nil {
		out.Nonce = *e.Nonce
	}
	if e.MessageType != nil {
		out.MessageType = *e.MessageType
	}
	if out.Envelopes == nil {
		out.Envelopes = Envelopes{}
	}
	if len(out.Metadata) == 0 {
		out.Metadata = json.RawMessage("null")
	}
	return out
}

// DeleteData identifies a message to delete. It is also the data of the
// message_deleted broadcast.
type DeleteData struct {
	ChatID    ID `json:"chat_id"`
	MessageID ID `json:"message_id"`
}

// Validate checks required fields.
func (d DeleteData) Validate() error {
	if d.ChatID == 0 || d.MessageID == 0 {
		return fmt.Errorf("%w: chat_id and message_id are required", errs.ErrMalformed)
	}
	return nil
}

// FileMeta is one entry of a message's metadata list. Small files carry the
// sealed bytes inline (EncFile, Nonce); chunked files carry their chunk index
// and the message id their chunks were stored under.
type FileMeta struct {
	FileID           ID       `json:"file_id"`
	MessageID        ID       `json:"message_id,omitempty"`
	Filename         string   `json:"filename"`
	Mimetype         string   `json:"mimetype"`
	Size             int64    `json:"size"`
	EncFile          *string  `json:"encFile"`
	Nonce            *string  `json:"nonce"`
	FileCreationDate *string  `json:"file_creation_date,omitempty"`
	Nonces           []string `json:"nonces,omitempty"`
	ChunkSize        int      `json:"chunk_size,omitempty"`
	ChunkCount       int      `json:"chunk_count,omitempty"`
	Duration         *float64 `json:"duration,omitempty"`
}

// Chunked reports whether the file content lives in the chunk store.
func (f FileMeta) Chunked() bool {
	return f.EncFile == nil
}
