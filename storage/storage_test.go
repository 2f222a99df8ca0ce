package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

func bridges(t *testing.T) map[string]Bridge {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	logger, _ := test.NewNullLogger()
	file, err := OpenFile(FileConfig{Dir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("open file bridge: %v", err)
	}
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite bridge: %v", err)
	}
	out := map[string]Bridge{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": sqlite,
		"redis":  NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "sync:", 0),
	}
	t.Cleanup(func() {
		for _, b := range out {
			_ = b.Close()
		}
	})
	return out
}

func TestBridgeContract(t *testing.T) {
	ctx := context.Background()
	for name, b := range bridges(t) {
		t.Run(name, func(t *testing.T) {
			got, err := b.Load(ctx, "tasks:items")
			if err != nil || got != nil {
				t.Fatalf("missing key should load as nil, got %q err %v", got, err)
			}
			if err := b.Save(ctx, "tasks:items", []byte(`[1]`)); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := b.Save(ctx, "tasks:items", []byte(`[1,2]`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err = b.Load(ctx, "tasks:items")
			if err != nil || !bytes.Equal(got, []byte(`[1,2]`)) {
				t.Fatalf("load after overwrite = %q err %v", got, err)
			}
			if err := b.Delete(ctx, "tasks:items"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := b.Delete(ctx, "tasks:items"); err != nil {
				t.Fatalf("deleting a missing key should succeed: %v", err)
			}
			if got, _ := b.Load(ctx, "tasks:items"); got != nil {
				t.Fatalf("deleted key still loads %q", got)
			}
		})
	}
}

func TestRedisBridgeUsesPrefixAndTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "board:", time.Minute)
	t.Cleanup(func() { _ = b.Close() })

	if err := b.Save(context.Background(), "columns:outbox", []byte("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("board:columns:outbox") {
		t.Fatalf("prefixed key not written")
	}
	if ttl := mr.TTL("board:columns:outbox"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if got, err := b.Load(context.Background(), "columns:outbox"); err != nil || got != nil {
		t.Fatalf("expired key should load as nil, got %q err %v", got, err)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, Options{}, nil)
	if err != nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Fatalf("expected memory bridge, got %T", b)
	}

	b, err = Open(ctx, Options{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")}, nil)
	if err != nil {
		t.Fatalf("sqlite driver: %v", err)
	}
	_ = b.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	b, err = Open(ctx, Options{Driver: DriverRedis, RedisURL: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("redis driver: %v", err)
	}
	if _, ok := b.(*Redis); !ok {
		t.Fatalf("expected redis bridge, got %T", b)
	}
	_ = b.Close()

	if _, err := Open(ctx, Options{Driver: DriverRedis}, nil); err == nil {
		t.Fatalf("expected error for empty redis connection string")
	}
	if _, err := Open(ctx, Options{Driver: "floppy"}, nil); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestParseRedisOptions(t *testing.T) {
	opts, err := ParseRedisOptions("redis://:pw@cache:6380/2")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options: %+v", opts)
	}

	opts, err = ParseRedisOptions("cache.example.net:6380,password=secret,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("parse connection string: %v", err)
	}
	if opts.Addr != "cache.example.net:6380" || opts.Password != "secret" || opts.TLSConfig == nil {
		t.Fatalf("unexpected connection string options: %+v", opts)
	}
}

func TestSQLiteBridgeSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	b, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Save(context.Background(), "users:items", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = b.Close()

	b, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	got, err := b.Load(context.Background(), "users:items")
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("reopened load = %q err %v", got, err)
	}
}
