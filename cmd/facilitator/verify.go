package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/chain/evm"
)

func verifyTxCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "verify-tx [hash]",
		Short: "Look up a settlement transaction on the configured chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txHash := args[0]
			if !facilitator.IsTxHash(txHash) {
				return fmt.Errorf("invalid transaction hash %q", txHash)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			chainCfg, err := cfg.ChainConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := evm.Dial(ctx, cfg.RPCURL, chainCfg, evm.WithLogger(cfg.NewLogger()))
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", chainCfg.Name, err)
			}

			receipt, err := client.TransferReceipt(ctx, txHash)
			if errors.Is(err, facilitator.ErrTxNotFound) {
				return fmt.Errorf("transaction %s not found on %s", txHash, chainCfg.Name)
			}
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(receipt, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	bindServeFlags(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "lookup timeout")
	return cmd
}
