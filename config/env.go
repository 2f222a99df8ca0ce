package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"prism-sync/domain"
)

func applyEnv(c *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envBool("DEBUG", &c.Debug))

	envString("SYNC_REMOTE_URL", &c.Remote.URL)
	envString("SYNC_REMOTE_TOKEN", &c.Remote.Token)
	collect(envDur("SYNC_REMOTE_TIMEOUT", &c.Remote.Timeout))
	collect(envInt("SYNC_GZIP_MIN_BYTES", &c.Remote.GzipMin))

	for _, k := range domain.Kinds {
		d := c.Sync.Debounce[string(k)]
		collect(envDur("SYNC_"+strings.ToUpper(string(k))+"_DEBOUNCE", &d))
		c.Sync.Debounce[string(k)] = d
	}
	collect(envDur("SYNC_FLUSH_TIMEOUT", &c.Sync.FlushTimeout))
	collect(envDur("SYNC_RETRY_INITIAL", &c.Sync.RetryInitial))
	collect(envDur("SYNC_RETRY_MAX", &c.Sync.RetryMax))
	collect(envDur("SYNC_PERSIST_TIMEOUT", &c.Sync.PersistTimeout))
	collect(envInt("SYNC_PER_PAGE", &c.Sync.PerPage))
	collect(envInt("SYNC_MAX_PAGES", &c.Sync.MaxPages))
	collect(envInt("SYNC_MAX_ITEMS", &c.Sync.MaxItems))
	collect(envDur("SYNC_PROBE_INTERVAL", &c.Sync.ProbeInterval))

	envString("STORAGE_DRIVER", &c.Storage.Driver)
	envString("STORAGE_DIR", &c.Storage.Dir)
	collect(envInt64("STORAGE_SEGMENT_BYTES", &c.Storage.SegmentBytes))
	collect(envInt("STORAGE_SYNC_EVERY", &c.Storage.SyncEvery))
	envString("REDIS_CONNECTION_STRING", &c.Storage.RedisURL)
	envString("STORAGE_REDIS_PREFIX", &c.Storage.RedisPrefix)
	collect(envDur("STORAGE_REDIS_TTL", &c.Storage.RedisTTL))
	envString("STORAGE_SQLITE_PATH", &c.Storage.SQLitePath)
	envString("STORAGE_CONNECTION_STRING", &c.Storage.TablesConnectionString)
	envString("STATE_TABLE", &c.Storage.TablesName)
	envString("STATE_PARTITION", &c.Storage.TablesPartition)

	envString("AGENT_LISTEN", &c.Agent.Listen)

	envString("ADMIN_LISTEN", &c.Admin.Listen)
	envString("ADMIN_SEED", &c.Admin.Seed)
	envString("ADMIN_JWT_SECRET", &c.Admin.AuthSecret)
	envString("ADMIN_JWKS_URL", &c.Admin.JWKSURL)
	envString("ADMIN_AUDIENCE", &c.Admin.Audience)
	envString("ADMIN_ISSUER", &c.Admin.Issuer)
	envString("ADMIN_REDIS_CONNECTION_STRING", &c.Admin.RedisURL)
	collect(envDur("DEDUPER_TTL", &c.Admin.DedupeTTL))
	envString("ADMIN_FEED_CONNECTION_STRING", &c.Admin.FeedConnection)
	envString("ADMIN_FEED_QUEUE", &c.Admin.FeedQueue)

	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	*dst = n
	return nil
}

func envDur(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	dst.Duration = d
	return nil
}
