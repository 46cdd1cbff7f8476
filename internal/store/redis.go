package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	seedKeyPrefix   = "paywatch:seed:"
	cursorKeyPrefix = "paywatch:seedidx:"
	indexKeyPrefix  = "paywatch:derivation:"
	watchKeyPrefix  = "paywatch:watch:"
	activeSetKey    = "paywatch:watches:active"
)

// RedisStore keeps the subsystem's hot state in redis. Terminal watch states
// are kept but removed from the active set so ListActiveWatches stays small.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) PutSeed(ctx context.Context, merchantID, blob string) error {
	if err := s.client.Set(ctx, seedKeyPrefix+merchantID, blob, 0).Err(); err != nil {
		return fmt.Errorf("failed to store seed: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSeed(ctx context.Context, merchantID string) (string, error) {
	blob, err := s.client.Get(ctx, seedKeyPrefix+merchantID).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: seed for merchant %s", ErrNotFound, merchantID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load seed: %w", err)
	}
	return blob, nil
}

func (s *RedisStore) NextIndex(ctx context.Context, merchantID string) (uint32, error) {
	n, err := s.client.Incr(ctx, cursorKeyPrefix+merchantID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance derivation cursor: %w", err)
	}
	// INCR starts at 1; derivation indices start at 0.
	return uint32(n - 1), nil
}

func (s *RedisStore) ReserveIndex(ctx context.Context, merchantID string, index uint32) error {
	key := fmt.Sprintf("%s%s:%d", indexKeyPrefix, merchantID, index)
	ok, err := s.client.SetNX(ctx, key, 1, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve derivation index: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: merchant %s index %d", ErrDerivationReuse, merchantID, index)
	}
	return nil
}

func (s *RedisStore) PutWatch(ctx context.Context, rec WatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal watch: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, watchKeyPrefix+rec.OrderID, data, 0)
	if isTerminalState(rec.State) {
		pipe.SRem(ctx, activeSetKey, rec.OrderID)
	} else {
		pipe.SAdd(ctx, activeSetKey, rec.OrderID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store watch: %w", err)
	}
	return nil
}

func (s *RedisStore) GetWatch(ctx context.Context, orderID string) (WatchRecord, error) {
	data, err := s.client.Get(ctx, watchKeyPrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return WatchRecord{}, fmt.Errorf("%w: watch %s", ErrNotFound, orderID)
	}
	if err != nil {
		return WatchRecord{}, fmt.Errorf("failed to load watch: %w", err)
	}

	var rec WatchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return WatchRecord{}, fmt.Errorf("failed to unmarshal watch: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) ListActiveWatches(ctx context.Context) ([]WatchRecord, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active watches: %w", err)
	}

	out := make([]WatchRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetWatch(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func isTerminalState(state string) bool {
	return state == "confirmed" || state == "expired"
}
