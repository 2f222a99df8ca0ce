package adminapi

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-sync/domain"
)

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, d.Remember(ctx, domain.KindTask, []domain.Result{{ID: "op-1", OK: true}}))

	seen, err := d.Lookup(ctx, domain.KindTask, []string{"op-1", "op-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]domain.Result{"op-1": {ID: "op-1", OK: true}}, seen)

	seen, err = d.Lookup(ctx, domain.KindColumn, []string{"op-1"})
	require.NoError(t, err)
	assert.Empty(t, seen, "results are namespaced per kind")

	now = now.Add(2 * time.Minute)
	seen, err = d.Lookup(ctx, domain.KindTask, []string{"op-1"})
	require.NoError(t, err)
	assert.Empty(t, seen)
}

func TestRedisDeduperRoundTrip(t *testing.T) {
	m, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})

	d := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()
	first := domain.Result{ID: "op-1", OK: true, Data: []byte(`{"data":{"id":7}}`)}

	require.NoError(t, d.Remember(ctx, domain.KindTask, []domain.Result{first}))
	require.NoError(t, d.Remember(ctx, domain.KindTask, []domain.Result{{ID: "op-1", OK: true}}))
	assert.True(t, m.Exists("op:tasks:op-1"))
	assert.Equal(t, time.Minute, m.TTL("op:tasks:op-1"))

	seen, err := d.Lookup(ctx, domain.KindTask, []string{"op-1", "missing"})
	require.NoError(t, err)
	require.Contains(t, seen, "op-1")
	assert.JSONEq(t, string(first.Data), string(seen["op-1"].Data), "first remembered result wins")
	assert.NotContains(t, seen, "missing")
}
