// Package cli provides the prism-sync command line: the local sync agent,
// the reference admin server and the storage bootstrap.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-sync/config"
)

type rootFlags struct {
	configPath string
	debug      bool
}

// NewRootCommand creates the prism-sync command tree.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "prism-sync",
		Short: "Optimistic mutation queue and batch sync for the board",
		Long: `prism-sync keeps a local board responsive while offline. Writes are
applied immediately, queued per collection and reconciled with the remote
admin API in batches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("PRISM_SYNC_CONFIG"), "path to a TOML config file")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newAgentCommand(flags),
		newAdminCommand(flags),
		newInitStorageCommand(flags),
	)
	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// load reads the config and builds the logger every command shares.
func (f *rootFlags) load() (config.Config, *log.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug || f.debug {
		logger.SetLevel(log.DebugLevel)
	}
	return cfg, logger, nil
}
