// Package config loads runtime settings: built-in defaults, then an
// optional TOML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"prism-sync/board"
	"prism-sync/domain"
	"prism-sync/outbox"
	"prism-sync/storage"
)

// Duration reads "300ms" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Remote struct {
	URL     string   `toml:"url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
	GzipMin int      `toml:"gzip_min_bytes"`
}

type Sync struct {
	Debounce       map[string]Duration `toml:"debounce"`
	FlushTimeout   Duration            `toml:"flush_timeout"`
	RetryInitial   Duration            `toml:"retry_initial"`
	RetryMax       Duration            `toml:"retry_max"`
	PersistTimeout Duration            `toml:"persist_timeout"`
	PerPage        int                 `toml:"per_page"`
	MaxPages       int                 `toml:"max_pages"`
	MaxItems       int                 `toml:"max_items"`
	ProbeInterval  Duration            `toml:"probe_interval"`
}

type Storage struct {
	Driver                 string   `toml:"driver"`
	Dir                    string   `toml:"dir"`
	SegmentBytes           int64    `toml:"segment_bytes"`
	SyncEvery              int      `toml:"sync_every"`
	RedisURL               string   `toml:"redis_url"`
	RedisPrefix            string   `toml:"redis_prefix"`
	RedisTTL               Duration `toml:"redis_ttl"`
	SQLitePath             string   `toml:"sqlite_path"`
	TablesConnectionString string   `toml:"tables_connection_string"`
	TablesName             string   `toml:"tables_name"`
	TablesPartition        string   `toml:"tables_partition"`
}

type Agent struct {
	Listen string `toml:"listen"`
}

type Admin struct {
	Listen         string   `toml:"listen"`
	Seed           string   `toml:"seed"`
	AuthSecret     string   `toml:"auth_secret"`
	JWKSURL        string   `toml:"jwks_url"`
	Audience       string   `toml:"audience"`
	Issuer         string   `toml:"issuer"`
	RedisURL       string   `toml:"redis_url"`
	DedupeTTL      Duration `toml:"dedupe_ttl"`
	FeedConnection string   `toml:"feed_connection_string"`
	FeedQueue      string   `toml:"feed_queue"`
}

type Config struct {
	Debug   bool    `toml:"debug"`
	Remote  Remote  `toml:"remote"`
	Sync    Sync    `toml:"sync"`
	Storage Storage `toml:"storage"`
	Agent   Agent   `toml:"agent"`
	Admin   Admin   `toml:"admin"`
}

// Default returns the settings used when nothing overrides them. Tasks
// debounce a little longer than the other collections.
func Default() Config {
	q := outbox.DefaultConfig()
	debounce := make(map[string]Duration, len(domain.Kinds))
	for _, k := range domain.Kinds {
		debounce[string(k)] = Duration{250 * time.Millisecond}
	}
	debounce[string(domain.KindTask)] = Duration{300 * time.Millisecond}
	return Config{
		Remote: Remote{
			URL:     "http://localhost:8081",
			Timeout: Duration{30 * time.Second},
			GzipMin: 4096,
		},
		Sync: Sync{
			Debounce:       debounce,
			FlushTimeout:   Duration{q.FlushTimeout},
			RetryInitial:   Duration{q.RetryInitial},
			RetryMax:       Duration{q.RetryMax},
			PersistTimeout: Duration{q.PersistTimeout},
			PerPage:        q.PerPage,
			MaxPages:       q.MaxPages,
			MaxItems:       q.MaxItems,
			ProbeInterval:  Duration{15 * time.Second},
		},
		Storage: Storage{
			Driver:          storage.DriverFile,
			Dir:             "data",
			SegmentBytes:    4 << 20,
			RedisPrefix:     "prism-sync:",
			SQLitePath:      "prism-sync.db",
			TablesName:      "SyncState",
			TablesPartition: "default",
		},
		Agent: Agent{Listen: ":8080"},
		Admin: Admin{
			Listen:    ":8081",
			DedupeTTL: Duration{24 * time.Hour},
		},
	}
}

// Load layers path (skipped when empty) and the environment over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.fillDebounce()
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fillDebounce restores default debounces for kinds a file left out.
func (c *Config) fillDebounce() {
	defaults := Default().Sync.Debounce
	if c.Sync.Debounce == nil {
		c.Sync.Debounce = defaults
		return
	}
	for k, d := range defaults {
		if _, ok := c.Sync.Debounce[k]; !ok {
			c.Sync.Debounce[k] = d
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	for name := range c.Sync.Debounce {
		if _, err := domain.ParseKind(name); err != nil {
			errs = append(errs, fmt.Errorf("sync.debounce.%s: %w", name, err))
		}
	}
	if c.Sync.RetryMax.Duration < c.Sync.RetryInitial.Duration {
		errs = append(errs, errors.New("sync.retry_max must not be below sync.retry_initial"))
	}
	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverFile, storage.DriverRedis, storage.DriverSQLite, storage.DriverTables:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: %w: %q", storage.ErrUnknownDriver, c.Storage.Driver))
	}
	if c.Storage.Driver == storage.DriverTables && c.Storage.TablesConnectionString == "" {
		errs = append(errs, errors.New("storage.tables_connection_string is required for the tables driver"))
	}
	if c.Storage.Driver == storage.DriverRedis && c.Storage.RedisURL == "" {
		errs = append(errs, errors.New("storage.redis_url is required for the redis driver"))
	}
	return errors.Join(errs...)
}

// Queue returns the outbox settings for kind.
func (c Config) Queue(kind domain.Kind) outbox.Config {
	q := outbox.Config{
		FlushTimeout:   c.Sync.FlushTimeout.Duration,
		RetryInitial:   c.Sync.RetryInitial.Duration,
		RetryMax:       c.Sync.RetryMax.Duration,
		PersistTimeout: c.Sync.PersistTimeout.Duration,
		PerPage:        c.Sync.PerPage,
		MaxPages:       c.Sync.MaxPages,
		MaxItems:       c.Sync.MaxItems,
	}
	if d, ok := c.Sync.Debounce[string(kind)]; ok {
		q.Debounce = d.Duration
	}
	return q
}

func (c Config) Board() board.Config {
	out := board.Config{Queues: make(map[domain.Kind]outbox.Config, len(domain.Kinds))}
	for _, k := range domain.Kinds {
		out.Queues[k] = c.Queue(k)
	}
	return out
}

func (c Config) StorageOptions() storage.Options {
	s := c.Storage
	return storage.Options{
		Driver:                 s.Driver,
		Dir:                    s.Dir,
		SegmentBytes:           s.SegmentBytes,
		SyncEvery:              s.SyncEvery,
		RedisURL:               s.RedisURL,
		RedisPrefix:            s.RedisPrefix,
		RedisTTL:               s.RedisTTL.Duration,
		SQLitePath:             s.SQLitePath,
		TablesConnectionString: s.TablesConnectionString,
		TablesName:             s.TablesName,
		TablesPartition:        s.TablesPartition,
	}
}
