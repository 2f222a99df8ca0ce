package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-sync/adminapi"
	"prism-sync/config"
)

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["agent"])
	assert.True(t, names["admin"])
	assert.True(t, names["init-storage"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestInitStorageNeedsConnection(t *testing.T) {
	t.Setenv("STORAGE_CONNECTION_STRING", "")
	t.Setenv("ADMIN_FEED_CONNECTION_STRING", "")
	root := NewRootCommand()
	root.SetArgs([]string{"init-storage"})
	err := root.ExecuteContext(context.Background())
	require.ErrorIs(t, err, errNoStorageConnection)
}

func TestMissingConfigFile(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.toml"), "admin"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadAppliesDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.toml")
	require.NoError(t, os.WriteFile(path, []byte("debug = true\n"), 0o600))

	cfg, logger, err := (&rootFlags{configPath: path}).load()
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "debug", logger.GetLevel().String())

	_, logger, err = (&rootFlags{debug: true}).load()
	require.NoError(t, err)
	assert.Equal(t, "debug", logger.GetLevel().String())
}

func TestAdminConfig(t *testing.T) {
	t.Run("memory dedupe by default", func(t *testing.T) {
		acfg, cleanup, err := adminConfig(config.Default().Admin, nil)
		defer cleanup()
		require.NoError(t, err)
		assert.IsType(t, &adminapi.MemoryDeduper{}, acfg.Dedupe)
		assert.Nil(t, acfg.Feed)
		assert.Nil(t, acfg.Auth)
	})

	t.Run("redis dedupe and secret auth", func(t *testing.T) {
		mr := miniredis.RunT(t)
		admin := config.Default().Admin
		admin.RedisURL = "redis://" + mr.Addr()
		admin.AuthSecret = "s3cret"
		acfg, cleanup, err := adminConfig(admin, nil)
		defer cleanup()
		require.NoError(t, err)
		assert.IsType(t, &adminapi.RedisDeduper{}, acfg.Dedupe)
		assert.NotNil(t, acfg.Auth)
	})

	t.Run("feed needs a queue", func(t *testing.T) {
		admin := config.Default().Admin
		admin.FeedConnection = "UseDevelopmentStorage=true"
		_, cleanup, err := adminConfig(admin, nil)
		defer cleanup()
		require.Error(t, err)
	})
}
