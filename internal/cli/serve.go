package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hellopyusd/internal/idempotency"
	"hellopyusd/internal/minter"
	"hellopyusd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the mint API",
	Long:  `Serve the mint view, actions, owner panel, notifications, metrics and health over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		metrics := server.NewMetrics()
		a, err := newApp(ctx, metrics)
		if err != nil {
			return err
		}
		defer a.Close()

		store, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		go purgeActions(ctx, store, cfg.Service.IdempotencyWindow)

		watcher := minter.NewBlockWatcher(a.chain, cfg.Chain.BlockPoll, logger.With().Str("component", "blocks").Logger())
		watcher.OnBlock(a.orch.OnNewBlock)
		go watcher.Run(ctx)

		apiServer := server.NewServer(cfg, server.Deps{
			Minter:  a.orch,
			Toasts:  a.feed,
			Store:   store,
			Metrics: metrics,
			RPC:     a.health,
			Logger:  logger.With().Str("component", "api").Logger(),
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stopped: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return apiServer.Shutdown(shutdownCtx)
	},
}

func openStore(ctx context.Context) (idempotency.Store, func(), error) {
	if cfg.Service.PostgresDSN != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return pg, pg.Close, nil
	}
	fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("file store: %w", err)
	}
	return fs, func() {}, nil
}

// purgeActions drops expired action records once per window.
func purgeActions(ctx context.Context, store idempotency.Store, window time.Duration) {
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := store.Purge(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("purge action records")
			continue
		}
		if n > 0 {
			logger.Debug().Int("purged", n).Msg("purged expired action records")
		}
	}
}
