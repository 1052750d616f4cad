package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultConfirmations is the block depth after which a transfer is final.
	DefaultConfirmations = 1

	// DefaultSettlementTimeout bounds a single settlement task.
	DefaultSettlementTimeout = 2 * time.Minute
)

// SettleHook is called after a payment completes.
type SettleHook func(record PaymentRecord, receipt *ChainReceipt)

// SettleFailureHook is called after a payment fails. err is the internal cause.
type SettleFailureHook func(record PaymentRecord, err error)

// Executor performs settlement for ledger records in detached goroutines.
//
// Custodial payments are sent by the facilitator's signer; relay payments
// broadcast the caller's signed transaction. Both wait for the configured
// confirmation depth and resolve the record to completed or failed. There is no
// automatic retry.
type Executor struct {
	ledger        *Ledger
	chain         Chain
	signer        CustodialSigner
	decimals      int32
	confirmations uint64
	timeout       time.Duration
	logger        *slog.Logger

	afterSettleHooks     []SettleHook
	onSettleFailureHooks []SettleFailureHook

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCustodialSigner enables custodial settlement.
func WithCustodialSigner(signer CustodialSigner) ExecutorOption {
	return func(e *Executor) {
		e.signer = signer
	}
}

// WithConfirmations sets the confirmation depth required for finality.
func WithConfirmations(n uint64) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.confirmations = n
		}
	}
}

// WithSettlementTimeout bounds each settlement task.
func WithSettlementTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithAssetDecimals sets the decimals used to convert amounts to base units.
func WithAssetDecimals(decimals int32) ExecutorOption {
	return func(e *Executor) {
		e.decimals = decimals
	}
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor that resolves records held by ledger.
func NewExecutor(ledger *Ledger, chain Chain, opts ...ExecutorOption) *Executor {
	e := &Executor{
		ledger:        ledger,
		chain:         chain,
		decimals:      DefaultDecimals,
		confirmations: DefaultConfirmations,
		timeout:       DefaultSettlementTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnAfterSettle registers a hook called when a payment completes.
func (e *Executor) OnAfterSettle(hook SettleHook) *Executor {
	e.afterSettleHooks = append(e.afterSettleHooks, hook)
	return e
}

// OnSettleFailure registers a hook called when a payment fails.
func (e *Executor) OnSettleFailure(hook SettleFailureHook) *Executor {
	e.onSettleFailureHooks = append(e.onSettleFailureHooks, hook)
	return e
}

// Dispatch starts settlement of a record and returns immediately.
func (e *Executor) Dispatch(record PaymentRecord) {
	e.start(record, func(ctx context.Context) (string, error) {
		return e.submit(ctx, record)
	})
}

// Resume waits for the confirmations of an already broadcast transaction.
func (e *Executor) Resume(record PaymentRecord) {
	txHash := record.TxHash
	e.start(record, func(ctx context.Context) (string, error) {
		return txHash, nil
	})
}

// InFlight returns the number of running settlement tasks.
func (e *Executor) InFlight() int {
	return int(e.inFlight.Load())
}

// Wait blocks until every running settlement task has finished or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) start(record PaymentRecord, send func(ctx context.Context) (string, error)) {
	e.wg.Add(1)
	e.inFlight.Add(1)

	go func() {
		defer e.wg.Done()
		defer e.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				e.fail(record.ID, fmt.Errorf("settlement panic: %v", r))
			}
		}()

		// Settlement is detached from the request that created the payment.
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		e.settle(ctx, record, send)
	}()
}

func (e *Executor) settle(ctx context.Context, record PaymentRecord, send func(ctx context.Context) (string, error)) {
	logger := e.logger.With("payment_id", record.ID)

	if record.Status == StatusPending {
		if _, err := e.ledger.MarkProcessing(record.ID); err != nil {
			logger.Warn("settlement skipped", "error", err)
			return
		}
	}

	if e.chain == nil {
		e.fail(record.ID, ErrChainUnavailable)
		return
	}

	txHash, err := send(ctx)
	if err != nil {
		e.fail(record.ID, err)
		return
	}
	if txHash != record.TxHash {
		if _, err := e.ledger.RecordTxHash(record.ID, txHash); err != nil {
			logger.Warn("failed to record transaction hash", "tx_hash", txHash, "error", err)
		}
	}
	logger.Info("settlement transaction broadcast", "tx_hash", txHash, "relay", record.IsRelay())

	receipt, err := e.chain.WaitForConfirmations(ctx, txHash, e.confirmations)
	if err != nil {
		e.fail(record.ID, fmt.Errorf("awaiting confirmations for %s: %w", txHash, err))
		return
	}
	if !receipt.Success {
		e.fail(record.ID, fmt.Errorf("%w: %s", ErrTxReverted, txHash))
		return
	}

	completed, err := e.ledger.Complete(record.ID, txHash)
	if err != nil {
		logger.Warn("failed to complete payment", "error", err)
		return
	}
	logger.Info("payment completed",
		"tx_hash", txHash,
		"block_number", receipt.BlockNumber,
		"confirmations", receipt.Confirmations,
	)
	for _, hook := range e.afterSettleHooks {
		hook(completed, receipt)
	}
}

func (e *Executor) submit(ctx context.Context, record PaymentRecord) (string, error) {
	if record.IsRelay() {
		return e.chain.BroadcastRawTransaction(ctx, record.SignedTx)
	}

	if e.signer == nil {
		return "", ErrCustodyUnavailable
	}
	amount, err := ToBaseUnits(record.PaymentRequirement.Amount, e.decimals)
	if err != nil {
		return "", err
	}
	return e.signer.Transfer(ctx, record.PaymentRequirement.Recipient, amount)
}

// fail records the generic external message and logs the internal cause.
func (e *Executor) fail(id string, cause error) {
	logger := e.logger.With("payment_id", id)

	failed, err := e.ledger.Fail(id, MessageSettlementFailed)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			logger.Warn("settlement failure after terminal state", "cause", cause)
			return
		}
		logger.Error("failed to record settlement failure", "error", err, "cause", cause)
		return
	}

	logger.Error("payment settlement failed", "error", cause, "tx_hash", failed.TxHash)
	for _, hook := range e.onSettleFailureHooks {
		hook(failed, cause)
	}
}
