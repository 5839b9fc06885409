package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// Registry tracks every open session of the process, the room each chat
// session joined and the active presence session of each user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[protocol.ID]*room
	presence map[protocol.ID]*Session
	closing  bool

	wg   sync.WaitGroup
	opts Options
	log  *zap.Logger
}

// room serializes fan-out so every member sees frames in the same order.
type room struct {
	mu      sync.Mutex
	members map[*Session]struct{}
}

// Stats is a point-in-time count of the registry contents.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Presence    int `json:"presence"`
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[*Session]struct{}),
		rooms:    make(map[protocol.ID]*room),
		presence: make(map[protocol.ID]*Session),
		opts:     opts.sanitize(),
		log:      log,
	}
}

// Serve registers a freshly upgraded connection and starts its pumps. It
// returns nil when the registry is shutting down.
func (r *Registry) Serve(conn *websocket.Conn, kind Kind, addr string, h Handler) *Session {
	s := newSession(conn, kind, addr, r.opts, r.log)

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		msg := websocket.FormatCloseMessage(CloseShutdown, ReasonShutdown)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.opts.WriteWait))
		_ = conn.Close()
		return nil
	}
	r.sessions[s] = struct{}{}
	total := len(r.sessions)
	r.wg.Add(2)
	r.mu.Unlock()

	s.log.Info("session opened", zap.String("addr", addr), zap.Int("total", total))
	go func() {
		defer r.wg.Done()
		s.writePump()
	}()
	go func() {
		defer r.wg.Done()
		s.readPump(h, r.Remove)
	}()
	return s
}

// add registers a session that is not backed by a connection.
func (r *Registry) add(kind Kind, addr string) *Session {
	s := newSession(nil, kind, addr, r.opts, r.log)
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// Join binds a chat session to a user and moves it into room, leaving the
// previous room if any.
func (r *Registry) Join(s *Session, user protocol.ID, token string, roomID protocol.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return
	}
	prev := s.bindChat(user, token, roomID)
	if prev == roomID {
		return
	}
	if prev != 0 {
		r.leaveLocked(s, prev)
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[*Session]struct{})}
		r.rooms[roomID] = rm
	}
	rm.mu.Lock()
	rm.members[s] = struct{}{}
	members := len(rm.members)
	rm.mu.Unlock()
	s.log.Info("joined room", zap.Int64("user_id", int64(user)), zap.Int64("chat_id", int64(roomID)), zap.Int("members", members))
}

func (r *Registry) leaveLocked(s *Session, roomID protocol.ID) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, s)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, roomID)
	}
}

// BindPresence makes s the active presence session of user and returns the
// session it replaced, which is closed as superseded.
func (r *Registry) BindPresence(s *Session, user protocol.ID, token string, contacts protocol.IDs) *Session {
	r.mu.Lock()
	if _, ok := r.sessions[s]; !ok {
		r.mu.Unlock()
		return nil
	}
	if prevUser := s.bindPresence(user, token, contacts); prevUser != 0 && prevUser != user && r.presence[prevUser] == s {
		delete(r.presence, prevUser)
	}
	prev := r.presence[user]
	r.presence[user] = s
	r.mu.Unlock()

	if prev == nil || prev == s {
		return nil
	}
	prev.log.Info("presence session superseded", zap.Int64("user_id", int64(user)), zap.String("by", s.id))
	prev.Close(CloseSuperseded, ReasonSuperseded)
	return prev
}

// PresenceSession returns the active presence session of user, or nil.
func (r *Registry) PresenceSession(user protocol.ID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presence[user]
}

// PresenceSessions returns a snapshot of the active presence sessions.
func (r *Registry) PresenceSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.presence))
	for _, s := range r.presence {
		out = append(out, s)
	}
	return out
}

// Remove drops s from every map. It reports whether s was the active
// presence session of its user.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return false
	}
	delete(r.sessions, s)
	if roomID := s.Room(); roomID != 0 {
		r.leaveLocked(s, roomID)
	}
	wasPresence := false
	if user := s.UserID(); user != 0 && r.presence[user] == s {
		delete(r.presence, user)
		wasPresence = true
	}
	s.log.Info("session closed", zap.Int64("user_id", int64(s.UserID())), zap.Int("total", len(r.sessions)))
	return wasPresence
}

// Broadcast queues frame on every session in roomID, the sender included,
// and returns how many accepted it. Frames of one room are queued in the
// order Broadcast is called.
func (r *Registry) Broadcast(roomID protocol.ID, frame []byte) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if ok {
		rm.mu.Lock()
	}
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	defer rm.mu.Unlock()

	delivered := 0
	for s := range rm.members {
		if s.Send(frame) {
			delivered++
		}
	}
	r.log.Debug("room broadcast",
		zap.Int64("chat_id", int64(roomID)),
		zap.Int("members", len(rm.members)),
		zap.Int("delivered", delivered),
	)
	return delivered
}

// RoomSize returns the number of sessions in roomID.
func (r *Registry) RoomSize(roomID protocol.ID) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if ok {
		rm.mu.Lock()
	}
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	defer rm.mu.Unlock()
	return len(rm.members)
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.sessions), Rooms: len(r.rooms), Presence: len(r.presence)}
}

// Shutdown closes every session with a going-away frame and waits for the
// pumps and close handlers to finish, or for timeout.
func (r *Registry) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	r.closing = true
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	r.log.Info("closing sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close(CloseShutdown, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("sessions drained")
		return nil
	case <-time.After(timeout):
		r.log.Warn("session drain timed out", zap.Duration("timeout", timeout))
		return context.DeadlineExceeded
	}
}
