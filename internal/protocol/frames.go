// Package protocol defines the JSON frames exchanged over chat and presence
// sockets, and the message payloads relayed between clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tyrowin/cipherchat/internal/errs"
)

// Inbound frame types.
const (
	TypeRegister       = "register"
	TypeMessage        = "message"
	TypeEditMessage    = "edit_message"
	TypeDeleteMessage  = "delete_message"
	TypeStatusRegister = "status_register"
)

// Outbound frame types.
const (
	TypeRegistered       = "registered"
	TypeNewMessage       = "new_message"
	TypeMessageEdited    = "message_edited"
	TypeMessageDeleted   = "message_deleted"
	TypeStatusRegistered = "status_registered"
	TypeStatusUpdate     = "status_update"
	TypeContactStatus    = "contact_status"
	TypeError            = "error"
)

// Error codes carried in error frames.
const (
	CodeBadRequest    = "bad_request"
	CodeUnknownType   = "unknown_type"
	CodeUnauthorized  = "unauthorized"
	CodeNotRegistered = "not_registered"
	CodeUpstream      = "upstream"
	CodeInternal      = "internal"
)

// Inbound is a frame received from a client. Register frames may carry their
// fields either at the top level or inside data.
type Inbound struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Token    string          `json:"token,omitempty"`
	ChatID   ID              `json:"chat_id,omitempty"`
	Contacts IDs             `json:"contacts,omitempty"`
}

// Outbound is a frame sent to a client.
type Outbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData is the data of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterData binds a chat session to a user and a room.
type RegisterData struct {
	Token  string `json:"token"`
	ChatID ID     `json:"chat_id"`
}

// StatusRegisterData binds a presence session to a user and a contact list.
type StatusRegisterData struct {
	Token    string `json:"token"`
	Contacts IDs    `json:"contacts"`
}

// DecodeInbound parses a raw client frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing frame type", errs.ErrMalformed)
	}
	return in, nil
}

// Register extracts register fields, preferring values inside data.
func (f Inbound) Register() (RegisterData, error) {
	out := RegisterData{Token: f.Token, ChatID: f.ChatID}
	if hasData(f.Data) {
		var d RegisterData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return RegisterData{}, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
		}
		if d.Token != "" {
			out.Token = d.Token
		}
		if d.ChatID != 0 {
			out.ChatID = d.ChatID
		}
	}
	if out.Token == "" || out.ChatID == 0 {
		return RegisterData{}, fmt.Errorf("%w: token and chat_id are required", errs.ErrMalformed)
	}
	return out, nil
}

// StatusRegister extracts status_register fields, preferring values inside data.
func (f Inbound) StatusRegister() (StatusRegisterData, error) {
	out := StatusRegisterData{Token: f.Token, Contacts: f.Contacts}
	if hasData(f.Data) {
		var d StatusRegisterData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return StatusRegisterData{}, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
		}
		if d.Token != "" {
			out.Token = d.Token
		}
		if d.Contacts != nil {
			out.Contacts = d.Contacts
		}
	}
	if out.Token == "" {
		return StatusRegisterData{}, fmt.Errorf("%w: token is required", errs.ErrMalformed)
	}
	if out.Contacts == nil {
		out.Contacts = IDs{}
	}
	return out, nil
}

// DecodeData unmarshals the data of a frame into v.
func (f Inbound) DecodeData(v any) error {
	if !hasData(f.Data) {
		return fmt.Errorf("%w: missing data", errs.ErrMalformed)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	return nil
}

func hasData(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// Encode marshals an outbound frame.
func Encode(typ string, data any) ([]byte, error) {
	return json.Marshal(Outbound{Type: typ, Data: data})
}

// EncodeMessage marshals an outbound frame that only carries a human readable message.
func EncodeMessage(typ, message string) []byte {
	b, _ := json.Marshal(Outbound{Type: typ, Message: message})
	return b
}

// EncodeError marshals an error frame. The message is duplicated at the top
// level for clients that only read frame.message.
func EncodeError(code, message string) []byte {
	b, _ := json.Marshal(Outbound{
		Type:    TypeError,
		Message: message,
		Data:    ErrorData{Code: code, Message: message},
	})
	return b
}

// Timestamp formats t the way browsers print Date.toISOString.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
