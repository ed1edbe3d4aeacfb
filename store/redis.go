package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/flowengine/types"
)

const (
	redisKeyPrefix = "flowengine:workflow:"
	redisIndexKey  = "flowengine:workflows"
)

// RedisStore keeps snapshots in Redis with a TTL. A sorted set indexed by
// start time backs List; expired members are pruned lazily.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. ttl <= 0 means snapshots never
// expire.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, state *types.WorkflowState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+state.ID, payload, s.ttl)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{
		Score:  float64(state.StartedAt.UnixMilli()),
		Member: state.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context, id string) (*types.WorkflowState, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var state types.WorkflowState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]*types.WorkflowState, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, redisIndexKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*types.WorkflowState, 0, len(ids))
	for _, id := range ids {
		state, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Snapshot expired; drop the stale index entry.
			s.client.ZRem(ctx, redisIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return err
	}
	s.client.ZRem(ctx, redisIndexKey, id)
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}
