package cli

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-sync/adminapi"
	"prism-sync/config"
	"prism-sync/storage"
)

var errNoStorageConnection = errors.New("init-storage needs storage.tables_connection_string or admin.feed_connection_string")

func newInitStorageCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the Azure tables and queues prism-sync uses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			return initStorage(cmd.Context(), cfg, logger)
		},
	}
}

func initStorage(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	tables := cfg.Storage.TablesConnectionString
	feed := cfg.Admin.FeedConnection
	if tables == "" && feed == "" {
		return errNoStorageConnection
	}
	logger.Info("storage init starting")
	if tables != "" {
		if err := storage.EnsureTables(ctx, tables, cfg.Storage.TablesName); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	if feed != "" {
		if err := adminapi.EnsureQueues(ctx, feed, cfg.Admin.FeedQueue); err != nil {
			return fmt.Errorf("create queues: %w", err)
		}
	}
	logger.Info("storage init complete")
	return nil
}
