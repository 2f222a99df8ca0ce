package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-sync/adminapi"
	"prism-sync/config"
	"prism-sync/storage"
)

func newAdminCommand(flags *rootFlags) *cobra.Command {
	var (
		listen string
		seed   string
	)
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Run the reference admin API",
		Long: `admin serves the batch and list endpoints the agent syncs against,
backed by an in-memory store. It is meant for local development and tests.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Admin.Listen = listen
			}
			if seed != "" {
				cfg.Admin.Seed = seed
			}
			return runAdmin(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides admin.listen)")
	cmd.Flags().StringVar(&seed, "seed", "", "YAML seed file loaded on start")
	return cmd
}

// adminConfig wires the optional dedupe, feed and auth backends. The
// returned cleanup closes whatever was opened.
func adminConfig(cfg config.Admin, logger *log.Logger) (adminapi.Config, func(), error) {
	var (
		out     adminapi.Config
		closers []func() error
	)
	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if cfg.RedisURL != "" {
		opts, err := storage.ParseRedisOptions(cfg.RedisURL)
		if err != nil {
			return out, cleanup, fmt.Errorf("admin redis: %w", err)
		}
		rc := redis.NewClient(opts)
		closers = append(closers, rc.Close)
		out.Dedupe = adminapi.NewRedisDeduper(rc, cfg.DedupeTTL.Duration)
	} else {
		out.Dedupe = adminapi.NewMemoryDeduper(cfg.DedupeTTL.Duration)
	}
	if cfg.FeedConnection != "" {
		if cfg.FeedQueue == "" {
			return out, cleanup, errors.New("admin.feed_queue is required with a feed connection string")
		}
		feed, err := adminapi.NewQueueFeed(cfg.FeedConnection, cfg.FeedQueue)
		if err != nil {
			return out, cleanup, fmt.Errorf("admin feed: %w", err)
		}
		pub := adminapi.NewPublisher(feed, adminapi.DefaultPublisherConfig(), logger)
		closers = append(closers, func() error { pub.Close(); return nil })
		out.Feed = pub
	}
	switch {
	case cfg.AuthSecret != "":
		out.Auth = adminapi.NewSecretAuth([]byte(cfg.AuthSecret))
	case cfg.JWKSURL != "":
		auth, err := adminapi.NewJWKSAuth(cfg.JWKSURL, cfg.Audience, cfg.Issuer)
		if err != nil {
			return out, cleanup, fmt.Errorf("jwks: %w", err)
		}
		out.Auth = auth
	}
	return out, cleanup, nil
}

func runAdmin(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	store := adminapi.NewStore()
	if cfg.Admin.Seed != "" {
		seed, err := adminapi.LoadSeedFile(cfg.Admin.Seed)
		if err != nil {
			return err
		}
		if err := seed.Apply(store); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		logger.WithField("seed", cfg.Admin.Seed).Info("seed applied")
	}

	acfg, cleanup, err := adminConfig(cfg.Admin, logger)
	defer cleanup()
	if err != nil {
		return err
	}
	e := adminapi.NewServer(store, acfg, logger).Handler()

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"listen": cfg.Admin.Listen, "auth": acfg.Auth != nil}).Info("admin started")
		errCh <- e.Start(cfg.Admin.Listen)
	}()
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("shutdown http")
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
