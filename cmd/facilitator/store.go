package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/config"
	"github.com/apitoll/facilitator/store"
)

// openStore builds the configured repository. The memory driver returns nil
// so the facilitator runs without a durable mirror.
func openStore(ctx context.Context, cfg *config.Config) (facilitator.Repository, func(), error) {
	noop := func() {}

	switch cfg.StoreDriver {
	case config.StoreMemory:
		return nil, noop, nil
	case config.StoreRemote:
		repo, err := store.NewRemoteStore(store.RemoteConfig{URL: cfg.StoreURL, Secret: cfg.StoreSecret})
		if err != nil {
			return nil, noop, err
		}
		return repo, noop, nil
	case config.StoreSQLite:
		repo, err := store.NewSQLiteStore(cfg.SQLitePath())
		if err != nil {
			return nil, noop, err
		}
		return repo, func() { _ = repo.Close() }, nil
	case config.StorePostgres:
		repo, err := store.NewPostgresStore(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, noop, err
		}
		return repo, repo.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func storeServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "store-serve",
		Short: "Serve a payment store over HTTP for remote facilitators",
		Long: `Serve a payment store over HTTP.

The backing store is STORE_DRIVER (sqlite or postgres; memory for testing).
Requests must carry STORE_SECRET in the X-Store-Secret header.

Examples:
  STORE_SECRET=s3cret facilitator store-serve --addr :4023 --store sqlite`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.StoreSecret == "" {
				return errors.New("STORE_SECRET is required")
			}
			if cfg.StoreDriver == config.StoreRemote {
				return errors.New("store-serve cannot proxy another remote store")
			}
			logger := cfg.NewLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			repo, closeRepo, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeRepo()
			if repo == nil {
				repo = store.NewMemoryStore()
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           store.NewServer(repo, cfg.StoreSecret, logger.With("component", "store")),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("store server listening", "addr", addr, "driver", cfg.StoreDriver)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			logger.Info("store server shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}

	bindServeFlags(cmd)
	cmd.Flags().StringVar(&addr, "addr", ":4023", "listen address")
	return cmd
}
