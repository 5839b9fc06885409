package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// Peer is an open presence socket bound to a user.
type Peer interface {
	UserID() protocol.ID
	// Send queues a frame and reports whether it was accepted.
	Send(frame []byte) bool
}

// Directory lists the currently connected presence peers.
type Directory interface {
	PresencePeers() []Peer
}

// Notifier pushes presence frames to connected peers.
type Notifier struct {
	store Store
	dir   Directory
	log   *zap.Logger
	now   func() time.Time
}

// NewNotifier creates a notifier reading contact sets from store.
func NewNotifier(store Store, dir Directory, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{store: store, dir: dir, log: log, now: time.Now}
}

// NotifyContactsStatusChange tells every other connected user that follows
// userID about its new status. Nothing is sent when userID has no contacts.
// It returns how many peers accepted the frame.
func (n *Notifier) NotifyContactsStatusChange(ctx context.Context, userID protocol.ID, status string, contacts protocol.IDs, lastSeen *string) (int, error) {
	if len(contacts) == 0 {
		n.log.Debug("no contacts to notify", zap.Int64("user_id", int64(userID)))
		return 0, nil
	}
	frame, err := protocol.Encode(protocol.TypeContactStatus, protocol.ContactStatusChange{
		UserID:    userID,
		Status:    status,
		Timestamp: protocol.Timestamp(n.now()),
		LastSeen:  lastSeen,
	})
	if err != nil {
		return 0, err
	}

	notified := 0
	for _, peer := range n.dir.PresencePeers() {
		viewer := peer.UserID()
		if viewer == userID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return notified, err
		}
		follows, err := n.store.Contacts(ctx, viewer)
		if err != nil {
			n.log.Warn("read contacts of viewer", zap.Int64("viewer", int64(viewer)), zap.Error(err))
			continue
		}
		if !follows.Contains(userID) {
			continue
		}
		if peer.Send(frame) {
			notified++
		} else {
			n.log.Warn("contact status dropped", zap.Int64("viewer", int64(viewer)), zap.Int64("user_id", int64(userID)))
		}
	}
	n.log.Debug("contacts notified",
		zap.Int64("user_id", int64(userID)),
		zap.String("status", status),
		zap.Int("notified", notified),
	)
	return notified, nil
}

// Statuses resolves the current status of each contact. Unknown users are
// offline with a null last seen.
func (n *Notifier) Statuses(ctx context.Context, contacts protocol.IDs) []protocol.ContactStatus {
	out := make([]protocol.ContactStatus, 0, len(contacts))
	for _, id := range contacts {
		st, err := n.status(ctx, id)
		if err != nil {
			n.log.Warn("resolve contact status", zap.Int64("contact", int64(id)), zap.Error(err))
			continue
		}
		out = append(out, st)
	}
	return out
}

func (n *Notifier) status(ctx context.Context, id protocol.ID) (protocol.ContactStatus, error) {
	st := protocol.ContactStatus{UserID: id, Status: protocol.StatusOffline}
	online, err := n.store.IsOnline(ctx, id)
	if err != nil {
		return st, err
	}
	if online {
		info, err := n.store.OnlineInfo(ctx, id)
		if err != nil {
			return st, err
		}
		if info != nil {
			st.Status = protocol.StatusOnline
			st.LastSeen = &info.LastSeen
			return st, nil
		}
	}
	info, err := n.store.OfflineInfo(ctx, id)
	if err != nil {
		return st, err
	}
	if info != nil {
		st.LastSeen = &info.LastSeen
	}
	return st, nil
}

// SendContactsStatuses sends peer one status_update frame with the status of
// every contact.
func (n *Notifier) SendContactsStatuses(ctx context.Context, peer Peer, contacts protocol.IDs) error {
	frame, err := protocol.Encode(protocol.TypeStatusUpdate, protocol.StatusUpdate{Contacts: n.Statuses(ctx, contacts)})
	if err != nil {
		return err
	}
	if !peer.Send(frame) {
		n.log.Warn("status update dropped", zap.Int64("user_id", int64(peer.UserID())))
	}
	return nil
}
