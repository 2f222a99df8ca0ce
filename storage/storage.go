// Package storage holds the persistence bridges the outbox mirrors its
// state into. Every bridge is a flat key/value store; a missing key loads
// as nil without an error.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Bridge is the key/value contract shared by every driver.
type Bridge interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverTables = "tables"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Options selects and configures a driver.
type Options struct {
	Driver string

	Dir          string
	SegmentBytes int64
	SyncEvery    int

	RedisURL    string
	RedisPrefix string
	RedisTTL    time.Duration

	SQLitePath string

	TablesConnectionString string
	TablesName             string
	TablesPartition        string
}

// Open builds the bridge named by opts.Driver.
func Open(ctx context.Context, opts Options, logger *log.Logger) (Bridge, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverFile:
		return OpenFile(FileConfig{
			Dir:          opts.Dir,
			SegmentBytes: opts.SegmentBytes,
			SyncEvery:    opts.SyncEvery,
			Logger:       logger,
		})
	case DriverRedis:
		ropts, err := ParseRedisOptions(opts.RedisURL)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", ropts.Addr, err)
		}
		return NewRedis(client, opts.RedisPrefix, opts.RedisTTL), nil
	case DriverSQLite:
		return OpenSQLite(opts.SQLitePath)
	case DriverTables:
		return NewTables(ctx, opts.TablesConnectionString, opts.TablesName, opts.TablesPartition)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
}

// Memory keeps values in process memory. Nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error { return nil }
