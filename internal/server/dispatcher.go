package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/auth"
	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/presence"
	"github.com/Tyrowin/cipherchat/internal/protocol"
	"github.com/Tyrowin/cipherchat/internal/session"
)

// ChatStore persists chat messages on behalf of a session.
type ChatStore interface {
	SaveMessage(ctx context.Context, token string, msg protocol.MessageData) (protocol.ID, error)
	EditMessage(ctx context.Context, token string, edit protocol.EditData) error
	DeleteMessage(ctx context.Context, token string, del protocol.DeleteData) error
}

// dispatcher handles the frames of every socket, chat and presence alike.
type dispatcher struct {
	reg      *session.Registry
	verifier auth.Verifier
	chat     ChatStore
	presence *presence.Service
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

var _ session.Handler = (*dispatcher)(nil)

// registryDirectory exposes the registry's presence sessions to the notifier.
type registryDirectory struct {
	reg *session.Registry
}

func (d registryDirectory) PresencePeers() []presence.Peer {
	sessions := d.reg.PresenceSessions()
	peers := make([]presence.Peer, len(sessions))
	for i, s := range sessions {
		peers[i] = s
	}
	return peers
}

func (d *dispatcher) HandleFrame(s *session.Session, raw []byte) {
	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		s.Logger().Debug("malformed frame", zap.Error(err))
		d.sendError(s, protocol.CodeBadRequest, "invalid frame: expected a JSON object with a type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	switch in.Type {
	case protocol.TypeRegister:
		d.handleRegister(ctx, s, in)
	case protocol.TypeMessage:
		d.handleMessage(ctx, s, in)
	case protocol.TypeEditMessage:
		d.handleEdit(ctx, s, in)
	case protocol.TypeDeleteMessage:
		d.handleDelete(ctx, s, in)
	case protocol.TypeStatusRegister:
		d.handleStatusRegister(ctx, s, in)
	default:
		s.Logger().Debug("unknown frame type", zap.String("type", in.Type))
		d.sendError(s, protocol.CodeUnknownType, fmt.Sprintf("unknown frame type %q", in.Type))
	}
}

func (d *dispatcher) HandleClose(s *session.Session, wasPresence bool) {
	if !wasPresence {
		return
	}
	user := s.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	superseded := func() bool { return d.reg.PresenceSession(user) != nil }
	if _, err := d.presence.Offline(ctx, user, s.Contacts(), superseded); err != nil {
		s.Logger().Error("presence offline transition failed", zap.Int64("user_id", int64(user)), zap.Error(err))
	}
}

func (d *dispatcher) handleRegister(ctx context.Context, s *session.Session, in protocol.Inbound) {
	data, err := in.Register()
	if err != nil {
		d.sendError(s, protocol.CodeBadRequest, "register requires token and chat_id")
		return
	}
	user, err := d.verifier.Verify(ctx, data.Token)
	if err != nil {
		// chat sockets stay open so the client can retry with a fresh token
		d.sendFailure(s, "authenticate", err)
		return
	}
	d.reg.Join(s, user, data.Token, data.ChatID)
	s.Send(protocol.EncodeMessage(protocol.TypeRegistered, "connected to chat"))
}

func (d *dispatcher) registered(s *session.Session) bool {
	if s.Authenticated() && s.Room() != 0 {
		return true
	}
	d.sendError(s, protocol.CodeNotRegistered, "send register before chat frames")
	return false
}

func (d *dispatcher) handleMessage(ctx context.Context, s *session.Session, in protocol.Inbound) {
	if !d.registered(s) {
		return
	}
	var msg protocol.MessageData
	if err := in.DecodeData(&msg); err != nil {
		d.sendError(s, protocol.CodeBadRequest, "invalid message data")
		return
	}
	msg.ChatID = s.Room()
	msg.SenderID = s.UserID()
	if msg.CreatedAt == "" {
		msg.CreatedAt = d.now().UTC().Format(time.RFC3339)
	}
	if err := msg.Normalize(); err != nil {
		d.sendFailure(s, "message", err)
		return
	}

	id, err := d.chat.SaveMessage(ctx, s.Token(), msg)
	if err != nil {
		d.sendFailure(s, "save message", err)
		return
	}
	if id != 0 {
		msg.ID = id
	}
	d.broadcast(s, msg.ChatID, protocol.TypeNewMessage, msg)
}

func (d *dispatcher) handleEdit(ctx context.Context, s *session.Session, in protocol.Inbound) {
	if !d.registered(s) {
		return
	}
	var edit protocol.EditData
	if err := in.DecodeData(&edit); err != nil {
		d.sendError(s, protocol.CodeBadRequest, "invalid edit data")
		return
	}
	if err := edit.Validate(); err != nil {
		d.sendFailure(s, "edit message", err)
		return
	}
	if edit.ChatID != s.Room() {
		d.sendError(s, protocol.CodeBadRequest, "chat_id does not match the registered chat")
		return
	}
	if err := d.chat.EditMessage(ctx, s.Token(), edit); err != nil {
		d.sendFailure(s, "edit message", err)
		return
	}
	edited := edit.Edited(s.UserID(), d.now().UTC().Format(time.RFC3339))
	d.broadcast(s, edit.ChatID, protocol.TypeMessageEdited, edited)
}

func (d *dispatcher) handleDelete(ctx context.Context, s *session.Session, in protocol.Inbound) {
	if !d.registered(s) {
		return
	}
	var del protocol.DeleteData
	if err := in.DecodeData(&del); err != nil {
		d.sendError(s, protocol.CodeBadRequest, "invalid delete data")
		return
	}
	if err := del.Validate(); err != nil {
		d.sendFailure(s, "delete message", err)
		return
	}
	if del.ChatID != s.Room() {
		d.sendError(s, protocol.CodeBadRequest, "chat_id does not match the registered chat")
		return
	}
	if err := d.chat.DeleteMessage(ctx, s.Token(), del); err != nil {
		d.sendFailure(s, "delete message", err)
		return
	}
	d.broadcast(s, del.ChatID, protocol.TypeMessageDeleted, del)
}

func (d *dispatcher) handleStatusRegister(ctx context.Context, s *session.Session, in protocol.Inbound) {
	data, err := in.StatusRegister()
	if err != nil {
		d.sendError(s, protocol.CodeBadRequest, "status_register requires a token and a contacts array")
		return
	}
	user, err := d.verifier.Verify(ctx, data.Token)
	if err != nil {
		d.sendFailure(s, "authenticate", err)
		if errors.Is(err, errs.ErrUnauthorized) {
			s.Close(session.CloseUnauthorized, session.ReasonUnauthorized)
		}
		return
	}

	d.reg.BindPresence(s, user, data.Token, data.Contacts)
	if _, err := d.presence.Online(ctx, s, data.Contacts, data.Token); err != nil {
		d.sendFailure(s, "go online", err)
	}
}

func (d *dispatcher) broadcast(s *session.Session, room protocol.ID, typ string, data any) {
	frame, err := protocol.Encode(typ, data)
	if err != nil {
		s.Logger().Error("encode broadcast", zap.String("type", typ), zap.Error(err))
		d.sendError(s, protocol.CodeInternal, "internal error")
		return
	}
	d.reg.Broadcast(room, frame)
}

func (d *dispatcher) sendError(s *session.Session, code, message string) {
	s.Send(protocol.EncodeError(code, message))
}

// sendFailure maps err onto an error frame and logs what the client cannot see.
func (d *dispatcher) sendFailure(s *session.Session, op string, err error) {
	var upErr *errs.UpstreamError
	switch {
	case errors.Is(err, errs.ErrMalformed):
		d.sendError(s, protocol.CodeBadRequest, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		s.Logger().Info("rejected token", zap.String("op", op), zap.Error(err))
		d.sendError(s, protocol.CodeUnauthorized, "authentication failed: invalid token")
	case errors.As(err, &upErr):
		s.Logger().Warn("upstream failure", zap.String("op", op), zap.Int("status", upErr.Status), zap.Error(err))
		msg := op + " failed: service unavailable"
		if upErr.Status != 0 {
			msg = fmt.Sprintf("%s failed: service answered %d", op, upErr.Status)
		}
		d.sendError(s, protocol.CodeUpstream, msg)
	default:
		s.Logger().Error("frame handling failed", zap.String("op", op), zap.Error(err))
		d.sendError(s, protocol.CodeInternal, "internal error")
	}
}
