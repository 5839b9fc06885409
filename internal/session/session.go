// Package session owns the WebSocket connections of one process: a Session
// per open socket with its read and write pumps, and a Registry that binds
// sessions to users, rooms and presence and fans frames out to rooms.
package session

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// Kind tells which service a socket was opened for.
type Kind int

const (
	KindChat Kind = iota
	KindPresence
)

func (k Kind) String() string {
	if k == KindPresence {
		return "presence"
	}
	return "chat"
}

// Close codes used by the server.
const (
	CloseSuperseded   = websocket.CloseNormalClosure
	CloseShutdown     = websocket.CloseGoingAway
	CloseUnauthorized = websocket.ClosePolicyViolation
	CloseSlowConsumer = websocket.CloseTryAgainLater
)

// Close reasons matching the codes above.
const (
	ReasonSuperseded   = "superseded"
	ReasonShutdown     = "server shutdown"
	ReasonUnauthorized = "unauthorized"
	ReasonSlowConsumer = "send queue full"
)

const defaultCloseMessage = ""

// Options tune every session of a registry.
type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	RateBurst      int
	RateRefill     time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
}

// DefaultOptions returns the pump timings and limits used in production.
func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		MaxMessageSize: 32 << 20,
		RateBurst:      20,
		RateRefill:     time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

func (o Options) sanitize() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.RateBurst <= 0 {
		o.RateBurst = d.RateBurst
	}
	if o.RateRefill <= 0 {
		o.RateRefill = d.RateRefill
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	return o
}

// Handler receives the frames and the end of a session. Calls for one
// session are sequential.
type Handler interface {
	HandleFrame(s *Session, raw []byte)
	// HandleClose runs after the session left every registry map.
	// wasPresence reports whether it was its user's active presence session.
	HandleClose(s *Session, wasPresence bool)
}

// Session is one open socket.
type Session struct {
	id      string
	kind    Kind
	addr    string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rateLimiter
	opts    Options
	log     *zap.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	mu       sync.RWMutex
	userID   protocol.ID
	token    string
	room     protocol.ID
	contacts protocol.IDs
}

func newSession(conn *websocket.Conn, kind Kind, addr string, opts Options, log *zap.Logger) *Session {
	id := uuid.Must(uuid.NewV4()).String()
	s := &Session{
		id:      id,
		kind:    kind,
		addr:    addr,
		conn:    conn,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: newRateLimiter(opts.RateBurst, opts.RateRefill),
		opts:    opts,
		log:     log.With(zap.String("conn_id", id), zap.Stringer("kind", kind)),
	}
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	return s
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Kind() Kind   { return s.kind }
func (s *Session) Addr() string { return s.addr }

// Done is closed once the session is closing.
func (s *Session) Done() <-chan struct{} { return s.done }

// UserID is zero until the session is authenticated.
func (s *Session) UserID() protocol.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Token is the last token the session authenticated with.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Room is zero for presence sessions and unregistered chat sessions.
func (s *Session) Room() protocol.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *Session) Contacts() protocol.IDs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contacts
}

func (s *Session) Authenticated() bool { return s.UserID() != 0 }

// Logger returns the session scoped logger.
func (s *Session) Logger() *zap.Logger { return s.log }

// Send queues a frame without blocking. A session whose queue is full is
// closed and the frame is dropped.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.log.Warn("send queue full, closing session", zap.Int("buffer", cap(s.send)))
		s.Close(CloseSlowConsumer, ReasonSlowConsumer)
		return false
	}
}

// Close asks the write pump to flush queued frames, send a close frame with
// code and reason, and drop the connection. Only the first call counts.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

// CloseStatus returns the code and reason of the first Close call.
func (s *Session) CloseStatus() (int, string) {
	select {
	case <-s.done:
		return s.closeCode, s.closeReason
	default:
		return 0, defaultCloseMessage
	}
}

func (s *Session) bindChat(user protocol.ID, token string, room protocol.ID) protocol.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.room
	s.userID, s.token, s.room = user, token, room
	return prev
}

func (s *Session) bindPresence(user protocol.ID, token string, contacts protocol.IDs) protocol.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.userID
	s.userID, s.token, s.contacts = user, token, contacts
	return prev
}

func (s *Session) setupRead() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait)); err != nil {
		s.log.Debug("set initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
}

func (s *Session) readPump(h Handler, leave func(*Session) bool) {
	defer func() {
		wasPresence := leave(s)
		s.Close(websocket.CloseNormalClosure, defaultCloseMessage)
		h.HandleClose(s, wasPresence)
	}()

	s.setupRead()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if !s.limiter.allow() {
			s.log.Warn("rate limit exceeded, discarding frame",
				zap.Int("burst", s.opts.RateBurst),
				zap.Duration("refill", s.opts.RateRefill),
			)
			continue
		}
		h.HandleFrame(s, raw)
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("frame exceeded maximum size", zap.Int64("limit", s.opts.MaxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		s.log.Info("unexpected close", zap.Error(err))
	default:
		s.log.Debug("read error", zap.Error(err))
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		s.Close(websocket.CloseAbnormalClosure, defaultCloseMessage)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Debug("close connection", zap.Error(err))
		}
	}()

	for {
		select {
		case frame := <-s.send:
			if !s.write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		case <-s.done:
			s.flush()
			s.writeClose()
			return
		}
	}
}

// flush writes frames queued before the session was closed.
func (s *Session) flush() {
	for {
		select {
		case frame := <-s.send:
			if !s.write(websocket.TextMessage, frame) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(messageType int, payload []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait)); err != nil {
		s.log.Debug("set write deadline", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Info("write failed", zap.Error(err))
		}
		return false
	}
	return true
}

func (s *Session) writeClose() {
	code, reason := s.closeCode, s.closeReason
	if code == websocket.CloseAbnormalClosure || code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait)); err != nil && !isExpectedCloseError(err) {
		s.log.Debug("write close frame", zap.Error(err))
	}
}

// isExpectedCloseError reports errors that only mean the peer is already gone.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
