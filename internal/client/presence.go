package client

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// PresenceConn is a client socket on the presence endpoint.
type PresenceConn struct {
	*conn
}

// NewPresenceConn wraps an open socket to the presence endpoint.
func NewPresenceConn(ws *websocket.Conn, log *zap.Logger) *PresenceConn {
	return &PresenceConn{conn: newConn(ws, log)}
}

// Register announces the user as online and returns the current status of
// every contact. The server closes the socket when the token is rejected.
func (c *PresenceConn) Register(ctx context.Context, token string, contacts protocol.IDs) ([]protocol.ContactStatus, error) {
	if contacts == nil {
		contacts = protocol.IDs{}
	}
	if err := c.send(frame(protocol.TypeStatusRegister, protocol.StatusRegisterData{Token: token, Contacts: contacts})); err != nil {
		return nil, err
	}
	if _, err := c.await(ctx, protocol.TypeStatusRegistered); err != nil {
		return nil, fmt.Errorf("status register: %w", err)
	}
	f, err := c.await(ctx, protocol.TypeStatusUpdate)
	if err != nil {
		return nil, fmt.Errorf("status bootstrap: %w", err)
	}
	var update protocol.StatusUpdate
	if err := f.Decode(&update); err != nil {
		return nil, err
	}
	return update.Contacts, nil
}

// NextChange blocks until a contact changes status.
func (c *PresenceConn) NextChange(ctx context.Context) (protocol.ContactStatusChange, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return protocol.ContactStatusChange{}, err
		}
		if err := f.Err(); err != nil {
			return protocol.ContactStatusChange{}, err
		}
		if f.Type != protocol.TypeContactStatus {
			c.log.Debug("skipping presence frame", zap.String("type", f.Type))
			continue
		}
		var change protocol.ContactStatusChange
		if err := f.Decode(&change); err != nil {
			return protocol.ContactStatusChange{}, err
		}
		return change, nil
	}
}
