package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/auth"
	"github.com/apitoll/facilitator/chain/evm"
	"github.com/apitoll/facilitator/config"
	fhttp "github.com/apitoll/facilitator/http"
	"github.com/apitoll/facilitator/validation"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the facilitator API",
		Long: `Start the facilitator API.

Settings come from the environment (and .env when present). Flags override them.

Examples:
  facilitator serve --port 4022
  facilitator serve --store sqlite --store-dsn data/facilitator.db`,
		RunE: runServe,
	}
	bindServeFlags(cmd)
	return cmd
}

func bindServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("port", "", "listen port (PORT)")
	cmd.Flags().String("chain", "", "settlement chain (CHAIN)")
	cmd.Flags().String("rpc-url", "", "EVM JSON-RPC endpoint (EVM_RPC_URL)")
	cmd.Flags().String("store", "", "store driver: memory, remote, sqlite, postgres (STORE_DRIVER)")
	cmd.Flags().String("store-dsn", "", "sqlite path or postgres DSN (STORE_DSN)")
	cmd.Flags().String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"port":      &cfg.Port,
		"chain":     &cfg.Chain,
		"rpc-url":   &cfg.RPCURL,
		"store":     &cfg.StoreDriver,
		"store-dsn": &cfg.StoreDSN,
		"log-level": &cfg.LogLevel,
	}
	for name, target := range overrides {
		flag := cmd.Flags().Lookup(name)
		if flag != nil && flag.Changed {
			*target = flag.Value.String()
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainCfg, err := cfg.ChainConfig()
	if err != nil {
		return err
	}

	repo, closeRepo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()
	if repo == nil {
		logger.Warn("running without a durable store: payments will not survive a restart", "store", cfg.StoreDriver)
	}

	client, err := evm.Dial(ctx, cfg.RPCURL, chainCfg,
		evm.WithPollInterval(cfg.PollInterval),
		evm.WithLogger(logger.With("component", "evm")),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", chainCfg.Name, err)
	}

	var signer facilitator.CustodialSigner
	if cfg.PrivateKey != "" {
		s, err := evm.NewSigner(cfg.PrivateKey, client)
		if err != nil {
			return err
		}
		signer = s
		logger.Info("custodial signer loaded", "address", s.Address())
	} else {
		logger.Warn("EVM_PRIVATE_KEY not set; only relay payments (signed_tx) can settle")
	}

	fac := facilitator.New(facilitator.Config{
		Chain:             chainCfg,
		ChainClient:       client,
		Signer:            signer,
		Repository:        repo,
		Logger:            logger,
		Confirmations:     cfg.Confirmations,
		SettlementTimeout: cfg.ConfirmationTimeout,
		Retention:         cfg.Retention,
		PruneInterval:     cfg.PruneInterval,
		ForwardClient:     &http.Client{Timeout: cfg.ForwardTimeout},
		ResumeOnRecovery:  cfg.Resume,
	})
	fac.OnAfterSettle(func(record facilitator.PaymentRecord, receipt *facilitator.ChainReceipt) {
		logger.Info("payment settled",
			"payment_id", record.ID,
			"tx_hash", record.TxHash,
			"block", receipt.BlockNumber,
		)
	}).OnSettleFailure(func(record facilitator.PaymentRecord, err error) {
		logger.Error("payment failed", "payment_id", record.ID, "error", err)
	})

	report, err := fac.Start(ctx)
	if err != nil {
		return err
	}
	if report.Loaded > 0 {
		logger.Info("recovered payments",
			"loaded", report.Loaded,
			"resumed", report.Resumed,
			"rebroadcast", report.Rebroadcast,
			"stranded", report.Stranded,
		)
	}

	keys, err := auth.ParseKeys(cfg.APIKeys)
	if err != nil {
		return fmt.Errorf("FACILITATOR_API_KEYS: %w", err)
	}
	validator, err := validation.New(validation.Config{Chain: chainCfg, MaxAmount: cfg.MaxAmount})
	if err != nil {
		return err
	}

	server := fhttp.New(fhttp.Config{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		RateWindow:     cfg.RateWindow,
		SweepInterval:  cfg.SweepInterval,
	}, fac, validator, auth.NewAuthenticator(keys), fhttp.WithLogger(logger.With("component", "http")))

	runErr := server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), fhttp.DefaultShutdownTimeout)
	defer cancel()
	if err := fac.Shutdown(shutdownCtx); err != nil {
		logger.Error("facilitator shutdown incomplete", "error", err)
	}
	return runErr
}
