package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotStore keeps the last observed worker state per user so it can be
// served after the worker has stopped or on another instance.
type SnapshotStore struct {
	client RedisClient
	ttl    time.Duration
}

func NewSnapshotStore(client RedisClient, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotStore{client: client, ttl: ttl}
}

func (s *SnapshotStore) key(userID string) string {
	return fmt.Sprintf("agent_state:%s", userID)
}

func (s *SnapshotStore) Save(ctx context.Context, userID string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(userID), data, s.ttl)
}

// Load decodes the stored snapshot into dst; ErrMiss when nothing is stored.
func (s *SnapshotStore) Load(ctx context.Context, userID string, dst any) error {
	data, err := s.client.Get(ctx, s.key(userID))
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dst)
}

func (s *SnapshotStore) Clear(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.key(userID))
}
