package adminapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-sync/domain"
)

// Deduper remembers the result of each applied operation id so a resent
// batch replays the original answer instead of applying twice.
type Deduper interface {
	Lookup(ctx context.Context, kind domain.Kind, opIDs []string) (map[string]domain.Result, error)
	Remember(ctx context.Context, kind domain.Kind, results []domain.Result) error
}

type memoryEntry struct {
	result    domain.Result
	expiresAt time.Time
}

// MemoryDeduper keeps results in process memory for ttl.
type MemoryDeduper struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryDeduper) Lookup(_ context.Context, kind domain.Kind, opIDs []string) (map[string]domain.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]domain.Result)
	for _, id := range opIDs {
		key := dedupeKey(kind, id)
		e, ok := m.entries[key]
		if !ok {
			continue
		}
		if m.ttl > 0 && now.After(e.expiresAt) {
			delete(m.entries, key)
			continue
		}
		out[id] = e.result
	}
	return out, nil
}

func (m *MemoryDeduper) Remember(_ context.Context, kind domain.Kind, results []domain.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := m.now().Add(m.ttl)
	for _, r := range results {
		m.entries[dedupeKey(kind, r.ID)] = memoryEntry{result: r, expiresAt: exp}
	}
	return nil
}

// RedisDeduper shares remembered results between instances.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) Lookup(ctx context.Context, kind domain.Kind, opIDs []string) (map[string]domain.Result, error) {
	out := make(map[string]domain.Result)
	if len(opIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(opIDs))
	for i, id := range opIDs {
		keys[i] = dedupeKey(kind, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var res domain.Result
		if err := sonic.UnmarshalString(s, &res); err != nil {
			continue
		}
		out[opIDs[i]] = res
	}
	return out, nil
}

// Remember writes every result in one pipeline. An existing entry is kept.
func (r *RedisDeduper) Remember(ctx context.Context, kind domain.Kind, results []domain.Result) error {
	if len(results) == 0 {
		return nil
	}
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, res := range results {
			data, err := sonic.Marshal(res)
			if err != nil {
				return err
			}
			pipe.SetNX(ctx, dedupeKey(kind, res.ID), data, r.ttl)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(cmds) != len(results) {
		return fmt.Errorf("deduper pipeline mismatch: expected %d results, got %d", len(results), len(cmds))
	}
	var errs []error
	for _, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func dedupeKey(kind domain.Kind, opID string) string {
	return fmt.Sprintf("op:%s:%s", kind, opID)
}
