package client

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// ChatConn is a client socket bound to one chat room.
type ChatConn struct {
	*conn
	chatID protocol.ID
}

// NewChatConn wraps an open socket to the chat endpoint.
func NewChatConn(ws *websocket.Conn, log *zap.Logger) *ChatConn {
	return &ChatConn{conn: newConn(ws, log)}
}

// Register authenticates the socket and joins chatID. A rejected token leaves
// the socket open so Register can be retried.
func (c *ChatConn) Register(ctx context.Context, token string, chatID protocol.ID) error {
	if err := c.send(map[string]any{
		"type": protocol.TypeRegister,
		"data": protocol.RegisterData{Token: token, ChatID: chatID},
	}); err != nil {
		return err
	}
	if _, err := c.await(ctx, protocol.TypeRegistered); err != nil {
		return fmt.Errorf("register chat %s: %w", chatID, err)
	}
	c.chatID = chatID
	return nil
}

// ChatID returns the room joined by the last successful Register.
func (c *ChatConn) ChatID() protocol.ID { return c.chatID }

// Send posts msg to the room and waits for the relayed copy, which carries
// the id assigned by the chat service. The copy is recognised by its nonce
// and ciphertext.
func (c *ChatConn) Send(ctx context.Context, msg protocol.MessageData) (protocol.MessageData, error) {
	if err := c.send(frame(protocol.TypeMessage, msg)); err != nil {
		return protocol.MessageData{}, err
	}
	f, err := c.awaitMatch(ctx, protocol.TypeNewMessage, func(f Frame) bool {
		var echo protocol.MessageData
		return f.Decode(&echo) == nil && echo.Nonce == msg.Nonce && echo.Ciphertext == msg.Ciphertext
	})
	if err != nil {
		return protocol.MessageData{}, fmt.Errorf("send message: %w", err)
	}
	var out protocol.MessageData
	if err := f.Decode(&out); err != nil {
		return protocol.MessageData{}, err
	}
	return out, nil
}

// Edit submits an edit and waits for its broadcast.
func (c *ChatConn) Edit(ctx context.Context, edit protocol.EditData) (protocol.EditedMessage, error) {
	if err := c.send(frame(protocol.TypeEditMessage, edit)); err != nil {
		return protocol.EditedMessage{}, err
	}
	f, err := c.awaitMatch(ctx, protocol.TypeMessageEdited, func(f Frame) bool {
		var echo protocol.EditedMessage
		return f.Decode(&echo) == nil && echo.ID == edit.ID
	})
	if err != nil {
		return protocol.EditedMessage{}, fmt.Errorf("edit message %s: %w", edit.ID, err)
	}
	var out protocol.EditedMessage
	if err := f.Decode(&out); err != nil {
		return protocol.EditedMessage{}, err
	}
	return out, nil
}

// Delete removes a message and waits for its broadcast.
func (c *ChatConn) Delete(ctx context.Context, messageID protocol.ID) error {
	del := protocol.DeleteData{ChatID: c.chatID, MessageID: messageID}
	if err := c.send(frame(protocol.TypeDeleteMessage, del)); err != nil {
		return err
	}
	if _, err := c.awaitMatch(ctx, protocol.TypeMessageDeleted, func(f Frame) bool {
		var echo protocol.DeleteData
		return f.Decode(&echo) == nil && echo.MessageID == messageID
	}); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

func frame(typ string, data any) map[string]any {
	return map[string]any{"type": typ, "data": data}
}
