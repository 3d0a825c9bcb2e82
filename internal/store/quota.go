package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/conductor/internal/model"
)

// quotaKeyTTL keeps a snapshot around for a while after its window resets so a cold
// process still sees the last known limit.
const quotaKeyTTL = time.Hour

type redisQuotaStore struct {
	client *redis.Client
	prefix string
}

// NewRedisQuotaStore shares quota snapshots across orchestrator replicas.
func NewRedisQuotaStore(client *redis.Client) QuotaStore {
	return &redisQuotaStore{client: client, prefix: "quota:"}
}

func (s *redisQuotaStore) key(accountID string) string {
	return s.prefix + accountID
}

func (s *redisQuotaStore) Get(ctx context.Context, accountID string) (*model.QuotaState, error) {
	values, err := s.client.HGetAll(ctx, s.key(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading quota: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}

	state := &model.QuotaState{AccountID: accountID}
	if state.Remaining, err = strconv.Atoi(values["remaining"]); err != nil {
		return nil, fmt.Errorf("parsing remaining: %w", err)
	}
	if state.Limit, err = strconv.Atoi(values["limit"]); err != nil {
		return nil, fmt.Errorf("parsing limit: %w", err)
	}
	resetAt, err := strconv.ParseInt(values["reset_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing reset_at: %w", err)
	}
	state.ResetAt = time.Unix(resetAt, 0)
	if updated, err := strconv.ParseInt(values["updated_at"], 10, 64); err == nil {
		state.UpdatedAt = time.Unix(updated, 0)
	}
	return state, nil
}

func (s *redisQuotaStore) Set(ctx context.Context, state model.QuotaState) error {
	key := s.key(state.AccountID)
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"remaining":  state.Remaining,
			"limit":      state.Limit,
			"reset_at":   state.ResetAt.Unix(),
			"updated_at": updatedAt.Unix(),
		})
		pipe.ExpireAt(ctx, key, state.ResetAt.Add(quotaKeyTTL))
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing quota: %w", err)
	}
	return nil
}

func (s *redisQuotaStore) Delete(ctx context.Context, accountID string) error {
	return s.client.Del(ctx, s.key(accountID)).Err()
}

// MemoryQuotaStore is the per-process fallback when no Redis is configured.
type MemoryQuotaStore struct {
	mu     sync.RWMutex
	states map[string]model.QuotaState
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{states: make(map[string]model.QuotaState)}
}

func (s *MemoryQuotaStore) Get(_ context.Context, accountID string) (*model.QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &state, nil
}

func (s *MemoryQuotaStore) Set(_ context.Context, state model.QuotaState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.states[state.AccountID] = state
	s.mu.Unlock()
	return nil
}

func (s *MemoryQuotaStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	delete(s.states, accountID)
	s.mu.Unlock()
	return nil
}
