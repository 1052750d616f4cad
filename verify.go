package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// IsTxHash reports whether s is a 32-byte hex transaction hash.
func IsTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// Verifier confirms payments for third parties.
type Verifier struct {
	payments PaymentReader
	chain    Chain
	logger   *slog.Logger
}

// NewVerifier creates a verifier reading records from payments and, for
// transaction hash lookups, from chain. chain may be nil, in which case hash
// lookups are invalid.
func NewVerifier(payments PaymentReader, chain Chain, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		payments: payments,
		chain:    chain,
		logger:   logger,
	}
}

// Verify checks a payment by id when present, otherwise by transaction hash.
// Every outcome is expressed in the response; Verify never returns an error.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) VerifyResponse {
	paymentID := strings.TrimSpace(req.Payload.PaymentID)
	txHash := strings.TrimSpace(req.Payload.TxHash)

	switch {
	case paymentID != "":
		return v.verifyPaymentID(ctx, paymentID)
	case txHash != "":
		return v.verifyTxHash(ctx, txHash, expectedRecipient(req.Requirements))
	default:
		return VerifyResponse{Valid: false, Error: "nothing to verify"}
	}
}

func (v *Verifier) verifyPaymentID(ctx context.Context, id string) VerifyResponse {
	record, err := v.payments.Payment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return VerifyResponse{Valid: false, Error: fmt.Sprintf("payment %s not found", id)}
		}
		v.logger.Error("payment lookup failed", "payment_id", id, "error", err)
		return VerifyResponse{Valid: false, Error: "payment lookup failed"}
	}
	if record.Status != StatusCompleted {
		return VerifyResponse{Valid: false, Error: fmt.Sprintf("payment status: %s", record.Status)}
	}
	return VerifyResponse{
		Valid:  true,
		TxHash: record.TxHash,
		From:   record.AgentWallet,
	}
}

func (v *Verifier) verifyTxHash(ctx context.Context, txHash string, recipient string) VerifyResponse {
	if !IsTxHash(txHash) {
		return VerifyResponse{Valid: false, Error: "invalid transaction hash"}
	}
	if v.chain == nil {
		return VerifyResponse{Valid: false, Error: "on-chain verification unavailable"}
	}

	receipt, err := v.chain.TransferReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return VerifyResponse{Valid: false, Error: "transaction not found"}
		}
		v.logger.Error("receipt lookup failed", "tx_hash", txHash, "error", err)
		return VerifyResponse{Valid: false, Error: "receipt lookup failed"}
	}

	if !receipt.Success {
		return VerifyResponse{Valid: false, TxHash: txHash, Error: "transaction reverted"}
	}
	if receipt.Confirmations < 1 {
		return VerifyResponse{Valid: false, TxHash: txHash, Error: "transaction has no confirmations"}
	}
	if recipient != "" && !strings.EqualFold(receipt.To, recipient) {
		return VerifyResponse{Valid: false, TxHash: txHash, Error: "recipient mismatch"}
	}

	return VerifyResponse{
		Valid:       true,
		TxHash:      receipt.TxHash,
		From:        receipt.From,
		BlockNumber: receipt.BlockNumber,
	}
}

func expectedRecipient(requirements []VerifyRequirement) string {
	for _, r := range requirements {
		if recipient := strings.TrimSpace(r.ExpectedRecipient()); recipient != "" {
			return recipient
		}
	}
	return ""
}
