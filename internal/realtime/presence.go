package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore keeps per-user online state in Redis so other instances can
// route around it. Keys:
//   - <prefix>:conn:<userID>      set of connection ids
//   - <prefix>:presence:<userID>  json {status, last_seen}
type PresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewPresenceStore(client *redis.Client, prefix string, ttl time.Duration) *PresenceStore {
	return &PresenceStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *PresenceStore) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, userID)
}

func (s *PresenceStore) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

type presenceState struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// AddConnection registers a connection and marks the user online.
func (s *PresenceStore) AddConnection(ctx context.Context, userID, connID string) error {
	if err := s.client.SAdd(ctx, s.connKey(userID), connID).Err(); err != nil {
		return fmt.Errorf("presence sadd: %w", err)
	}
	if err := s.client.Expire(ctx, s.connKey(userID), s.ttl).Err(); err != nil {
		return fmt.Errorf("presence expire: %w", err)
	}
	return s.setState(ctx, userID, "online", s.ttl)
}

// RemoveConnection drops a connection; the user goes offline when the last
// one disappears.
func (s *PresenceStore) RemoveConnection(ctx context.Context, userID, connID string) error {
	if err := s.client.SRem(ctx, s.connKey(userID), connID).Err(); err != nil {
		return fmt.Errorf("presence srem: %w", err)
	}
	n, err := s.client.SCard(ctx, s.connKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("presence scard: %w", err)
	}
	if n == 0 {
		return s.setState(ctx, userID, "offline", 0)
	}
	return nil
}

func (s *PresenceStore) setState(ctx context.Context, userID, status string, ttl time.Duration) error {
	b, _ := json.Marshal(presenceState{Status: status, LastSeen: time.Now().Unix()})
	if err := s.client.Set(ctx, s.presenceKey(userID), b, ttl).Err(); err != nil {
		return fmt.Errorf("presence set: %w", err)
	}
	return nil
}

// IsOnline reports whether the user currently has a registered connection on
// any instance.
func (s *PresenceStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence get: %w", err)
	}
	var state presenceState
	if err := json.Unmarshal(b, &state); err != nil {
		return false, fmt.Errorf("presence decode: %w", err)
	}
	return state.Status == "online", nil
}
