// Package presence tracks which users are online and pushes status changes
// to the contacts that follow them. Records live in Redis under two hash
// namespaces and a user id is never present in both at once.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// Key prefixes of the two namespaces.
const (
	OnlinePrefix  = "onlineUsers:"
	OfflinePrefix = "offlineUsers:"
)

const (
	fieldLastSeen = "lastSeen"
	fieldContacts = "contacts"
	fieldToken    = "token"
)

// Info is a decoded presence record. Token is empty for offline records.
type Info struct {
	LastSeen string
	Contacts protocol.IDs
	Token    string
}

// Store persists presence records.
type Store interface {
	SetOnline(ctx context.Context, id protocol.ID, contacts protocol.IDs, token string) error
	SetOffline(ctx context.Context, id protocol.ID, contacts protocol.IDs, lastSeen string) error
	RemoveOnline(ctx context.Context, id protocol.ID) error
	RemoveOffline(ctx context.Context, id protocol.ID) error
	IsOnline(ctx context.Context, id protocol.ID) (bool, error)
	// OnlineInfo and OfflineInfo return nil when the record does not exist.
	OnlineInfo(ctx context.Context, id protocol.ID) (*Info, error)
	OfflineInfo(ctx context.Context, id protocol.ID) (*Info, error)
	// Contacts reads the online record first, then the offline one. It
	// returns nil for unknown users.
	Contacts(ctx context.Context, id protocol.ID) (protocol.IDs, error)
	// GoOnline writes the online record and drops the offline one atomically.
	GoOnline(ctx context.Context, id protocol.ID, contacts protocol.IDs, token string) (string, error)
	// GoOffline drops the online record and writes the offline one atomically.
	GoOffline(ctx context.Context, id protocol.ID, contacts protocol.IDs, lastSeen string) error
}

// RedisStore is the Store backed by Redis hashes.
type RedisStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Ping checks that Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func onlineKey(id protocol.ID) string  { return OnlinePrefix + id.String() }
func offlineKey(id protocol.ID) string { return OfflinePrefix + id.String() }

func encodeContacts(contacts protocol.IDs) (string, error) {
	if contacts == nil {
		contacts = protocol.IDs{}
	}
	b, err := json.Marshal(contacts)
	if err != nil {
		return "", fmt.Errorf("encode contacts: %w", err)
	}
	return string(b), nil
}

func (s *RedisStore) onlineFields(contacts protocol.IDs, token string) (map[string]any, string, error) {
	c, err := encodeContacts(contacts)
	if err != nil {
		return nil, "", err
	}
	lastSeen := protocol.Timestamp(s.now())
	return map[string]any{fieldLastSeen: lastSeen, fieldContacts: c, fieldToken: token}, lastSeen, nil
}

func offlineFields(contacts protocol.IDs, lastSeen string) (map[string]any, error) {
	c, err := encodeContacts(contacts)
	if err != nil {
		return nil, err
	}
	return map[string]any{fieldLastSeen: lastSeen, fieldContacts: c}, nil
}

// SetOnline writes the online record with lastSeen set to now.
func (s *RedisStore) SetOnline(ctx context.Context, id protocol.ID, contacts protocol.IDs, token string) error {
	fields, _, err := s.onlineFields(contacts, token)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, onlineKey(id), fields).Err(); err != nil {
		return fmt.Errorf("set online %s: %w", id, err)
	}
	return nil
}

// SetOffline writes the offline record.
func (s *RedisStore) SetOffline(ctx context.Context, id protocol.ID, contacts protocol.IDs, lastSeen string) error {
	fields, err := offlineFields(contacts, lastSeen)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, offlineKey(id), fields).Err(); err != nil {
		return fmt.Errorf("set offline %s: %w", id, err)
	}
	return nil
}

// RemoveOnline deletes the online record. Removing a missing record is not an error.
func (s *RedisStore) RemoveOnline(ctx context.Context, id protocol.ID) error {
	if err := s.rdb.Del(ctx, onlineKey(id)).Err(); err != nil {
		return fmt.Errorf("remove online %s: %w", id, err)
	}
	return nil
}

// RemoveOffline deletes the offline record.
func (s *RedisStore) RemoveOffline(ctx context.Context, id protocol.ID) error {
	if err := s.rdb.Del(ctx, offlineKey(id)).Err(); err != nil {
		return fmt.Errorf("remove offline %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) IsOnline(ctx context.Context, id protocol.ID) (bool, error) {
	n, err := s.rdb.Exists(ctx, onlineKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("is online %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) OnlineInfo(ctx context.Context, id protocol.ID) (*Info, error) {
	return s.info(ctx, onlineKey(id))
}

func (s *RedisStore) OfflineInfo(ctx context.Context, id protocol.ID) (*Info, error) {
	return s.info(ctx, offlineKey(id))
}

func (s *RedisStore) info(ctx context.Context, key string) (*Info, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	info := &Info{LastSeen: fields[fieldLastSeen], Token: fields[fieldToken], Contacts: protocol.IDs{}}
	if raw := fields[fieldContacts]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Contacts); err != nil {
			return nil, fmt.Errorf("decode contacts of %s: %w", key, err)
		}
	}
	return info, nil
}

func (s *RedisStore) Contacts(ctx context.Context, id protocol.ID) (protocol.IDs, error) {
	info, err := s.OnlineInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	if info == nil {
		if info, err = s.OfflineInfo(ctx, id); err != nil {
			return nil, err
		}
	}
	if info == nil {
		return nil, nil
	}
	return info.Contacts, nil
}

// GoOnline returns the lastSeen it wrote.
func (s *RedisStore) GoOnline(ctx context.Context, id protocol.ID, contacts protocol.IDs, token string) (string, error) {
	fields, lastSeen, err := s.onlineFields(contacts, token)
	if err != nil {
		return "", err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, onlineKey(id), fields)
		p.Del(ctx, offlineKey(id))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("go online %s: %w", id, err)
	}
	return lastSeen, nil
}

func (s *RedisStore) GoOffline(ctx context.Context, id protocol.ID, contacts protocol.IDs, lastSeen string) error {
	fields, err := offlineFields(contacts, lastSeen)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, onlineKey(id))
		p.HSet(ctx, offlineKey(id), fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("go offline %s: %w", id, err)
	}
	return nil
}
