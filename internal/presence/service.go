package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// Service runs the online and offline transitions of users. Transitions of
// one user never interleave.
type Service struct {
	store    Store
	notifier *Notifier
	log      *zap.Logger
	locks    userLocks
	now      func() time.Time
}

// NewService creates a presence service.
func NewService(store Store, notifier *Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		log:      log,
		locks:    userLocks{m: make(map[protocol.ID]*userLock)},
		now:      time.Now,
	}
}

// Online marks the user online, acknowledges the registration, sends the
// bootstrap batch to peer and tells the user's followers. It returns the
// number of followers notified.
func (s *Service) Online(ctx context.Context, peer Peer, contacts protocol.IDs, token string) (int, error) {
	id := peer.UserID()
	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.store.GoOnline(ctx, id, contacts, token); err != nil {
		return 0, err
	}
	peer.Send(protocol.EncodeMessage(protocol.TypeStatusRegistered, "registered for status tracking"))
	if err := s.notifier.SendContactsStatuses(ctx, peer, contacts); err != nil {
		s.log.Warn("send bootstrap statuses", zap.Int64("user_id", int64(id)), zap.Error(err))
	}
	n, err := s.notifier.NotifyContactsStatusChange(ctx, id, protocol.StatusOnline, contacts, nil)
	if err != nil {
		return n, err
	}
	s.log.Info("user online", zap.Int64("user_id", int64(id)), zap.Int("contacts", len(contacts)))
	return n, nil
}

// Offline marks the user offline and tells its followers once. The
// transition is skipped when superseded reports that a newer presence
// session took over the user while this call waited for its turn.
func (s *Service) Offline(ctx context.Context, id protocol.ID, contacts protocol.IDs, superseded func() bool) (int, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	if superseded != nil && superseded() {
		s.log.Debug("offline skipped, newer session active", zap.Int64("user_id", int64(id)))
		return 0, nil
	}
	lastSeen := protocol.Timestamp(s.now())
	if err := s.store.GoOffline(ctx, id, contacts, lastSeen); err != nil {
		return 0, err
	}
	n, err := s.notifier.NotifyContactsStatusChange(ctx, id, protocol.StatusOffline, contacts, &lastSeen)
	if err != nil {
		return n, err
	}
	s.log.Info("user offline", zap.Int64("user_id", int64(id)), zap.String("last_seen", lastSeen))
	return n, nil
}

type userLock struct {
	sync.Mutex
	refs int
}

// userLocks hands out one mutex per user id and forgets it once unused.
type userLocks struct {
	mu sync.Mutex
	m  map[protocol.ID]*userLock
}

func (l *userLocks) lock(id protocol.ID) func() {
	l.mu.Lock()
	ul, ok := l.m[id]
	if !ok {
		ul = &userLock{}
		l.m[id] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
