package facilitator

import (
	"context"
	"math/big"
)

// ============================================================================
// Chain Interfaces
// ============================================================================

// CustodialSigner executes transfers from the facilitator's own funded wallet.
// Implementations must serialize nonce assignment across concurrent callers.
type CustodialSigner interface {
	// Address returns the signer's address.
	Address() string

	// Transfer sends amount (in base units) of the settlement asset to recipient
	// and returns the transaction hash once broadcast.
	Transfer(ctx context.Context, recipient string, amount *big.Int) (string, error)

	// SignMessage produces a personal-message signature over data.
	SignMessage(data []byte) ([]byte, error)
}

// Chain is the read and broadcast surface of the settlement chain.
type Chain interface {
	// BroadcastRawTransaction submits a caller-signed transaction and returns its hash.
	BroadcastRawTransaction(ctx context.Context, rawTx string) (string, error)

	// WaitForConfirmations blocks until txHash has at least the given number of
	// confirmations, the transaction fails, or ctx is done.
	WaitForConfirmations(ctx context.Context, txHash string, confirmations uint64) (*ChainReceipt, error)

	// TransferReceipt looks up a mined transaction. Returns ErrTxNotFound when the
	// chain has no receipt for txHash.
	TransferReceipt(ctx context.Context, txHash string) (*ChainReceipt, error)
}

// BalanceReader is implemented by chain clients that can report signer balances.
type BalanceReader interface {
	Balances(ctx context.Context, address string) (WalletBalances, error)
}

// ============================================================================
// Storage Interfaces
// ============================================================================

// Repository stores payment records. Implementations must be safe for concurrent use.
//
// The in-memory implementation is used when no durable store is configured and in
// tests; durable implementations back the ledger across restarts.
type Repository interface {
	// Save inserts or updates a record. A stored terminal record is never
	// overwritten by a non-terminal one.
	Save(ctx context.Context, record PaymentRecord) error

	// Get returns a record by id or ErrPaymentNotFound.
	Get(ctx context.Context, id string) (PaymentRecord, error)

	// ListNonTerminal returns every record whose status is pending or processing.
	ListNonTerminal(ctx context.Context) ([]PaymentRecord, error)
}

// PaymentReader looks up a payment record. Returns ErrPaymentNotFound when
// the id is unknown.
type PaymentReader interface {
	Payment(ctx context.Context, id string) (PaymentRecord, error)
}
