package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-sync/api"
	"prism-sync/board"
	"prism-sync/config"
	"prism-sync/remote"
	"prism-sync/storage"
)

const shutdownTimeout = 10 * time.Second

func newAgentCommand(flags *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local sync agent",
		Long: `agent hydrates the board from local storage, serves it over HTTP and
flushes queued writes to the remote admin API in the background.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Agent.Listen = listen
			}
			return runAgent(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides agent.listen)")
	return cmd
}

func newRemote(cfg config.Config, logger *log.Logger) *remote.Client {
	opts := []remote.Option{
		remote.WithLogger(logger),
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout.Duration}),
	}
	if cfg.Remote.Token != "" {
		opts = append(opts, remote.WithTokenFunc(remote.StaticToken(cfg.Remote.Token)))
	}
	if cfg.Remote.GzipMin > 0 {
		opts = append(opts, remote.WithGzip(cfg.Remote.GzipMin))
	}
	return remote.New(cfg.Remote.URL, opts...)
}

func runAgent(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	bridge, err := storage.Open(ctx, cfg.StorageOptions(), logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			logger.WithError(err).Warn("close storage")
		}
	}()

	client := newRemote(cfg, logger)
	b := board.New(client, bridge, cfg.Board(), logger)
	if err := b.Hydrate(ctx); err != nil {
		logger.WithError(err).Warn("hydrate board")
	}

	prober := board.NewProber(client, cfg.Sync.ProbeInterval.Duration, b.Online, logger)
	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()
	go prober.Run(probeCtx)

	e := api.New(b, prober, logger).Handler()
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"listen": cfg.Agent.Listen, "remote": cfg.Remote.URL}).Info("agent started")
		errCh <- e.Start(cfg.Agent.Listen)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	stopProbe()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("shutdown http")
	}
	if cerr := b.Close(shutdownCtx); cerr != nil {
		logger.WithError(cerr).Warn("close board")
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("agent stopped")
	return nil
}
