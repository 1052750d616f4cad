package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultPruneInterval is how often terminal records are swept from memory.
const DefaultPruneInterval = 10 * time.Minute

// Config wires a Facilitator. Only Chain is required; every other field has a
// working default or disables the feature it backs.
type Config struct {
	// Chain is the single enabled settlement chain.
	Chain ChainConfig

	// ChainClient broadcasts, confirms and looks up transactions.
	ChainClient Chain

	// Signer enables custodial settlement and receipt signing.
	Signer CustodialSigner

	// Repository is the durable mirror. nil keeps payments in memory only.
	Repository Repository

	Logger            *slog.Logger
	Confirmations     uint64
	SettlementTimeout time.Duration
	Retention         time.Duration
	PruneInterval     time.Duration
	ForwardClient     *http.Client

	// ResumeOnRecovery continues settlement of recovered records on Start.
	ResumeOnRecovery bool

	// Now and NewID override the clock and id generator, mostly for tests.
	Now   func() time.Time
	NewID func() string
}

// Facilitator owns the ledger and every component that reads or resolves it.
type Facilitator struct {
	chain  ChainConfig
	client Chain
	signer CustodialSigner
	repo   Repository
	logger *slog.Logger

	ledger    *Ledger
	mirror    *Mirror
	executor  *Executor
	verifier  *Verifier
	forwarder *Forwarder
	payments  PaymentReader

	resume        bool
	pruneInterval time.Duration
	now           func() time.Time
	startedAt     time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	bgWG   sync.WaitGroup
}

// New creates a facilitator from cfg. Background work only begins on Start.
func New(cfg Config) *Facilitator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	pruneInterval := cfg.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = DefaultPruneInterval
	}

	f := &Facilitator{
		chain:         cfg.Chain,
		client:        cfg.ChainClient,
		signer:        cfg.Signer,
		repo:          cfg.Repository,
		logger:        logger,
		resume:        cfg.ResumeOnRecovery,
		pruneInterval: pruneInterval,
		now:           now,
		startedAt:     now(),
	}

	ledgerOpts := []LedgerOption{WithClock(now)}
	if cfg.Retention > 0 {
		ledgerOpts = append(ledgerOpts, WithRetention(cfg.Retention))
	}
	if cfg.NewID != nil {
		ledgerOpts = append(ledgerOpts, WithIDGenerator(cfg.NewID))
	}
	if cfg.Repository != nil {
		f.mirror = NewMirror(cfg.Repository, WithMirrorLogger(logger.With("component", "mirror")))
		ledgerOpts = append(ledgerOpts, WithChangeHook(f.mirror.Hook()))
	}
	f.ledger = NewLedger(ledgerOpts...)
	f.payments = &readThrough{ledger: f.ledger, repo: cfg.Repository}

	execOpts := []ExecutorOption{
		WithExecutorLogger(logger.With("component", "settlement")),
		WithConfirmations(cfg.Confirmations),
		WithAssetDecimals(cfg.Chain.AssetDecimals),
	}
	if cfg.Signer != nil {
		execOpts = append(execOpts, WithCustodialSigner(cfg.Signer))
	}
	if cfg.SettlementTimeout > 0 {
		execOpts = append(execOpts, WithSettlementTimeout(cfg.SettlementTimeout))
	}
	f.executor = NewExecutor(f.ledger, cfg.ChainClient, execOpts...)

	f.verifier = NewVerifier(f.payments, cfg.ChainClient, logger.With("component", "verifier"))

	fwdOpts := []ForwarderOption{WithForwarderLogger(logger.With("component", "forwarder"))}
	if cfg.ForwardClient != nil {
		fwdOpts = append(fwdOpts, WithHTTPClient(cfg.ForwardClient))
	}
	if cfg.Signer != nil {
		fwdOpts = append(fwdOpts, WithReceiptSigner(cfg.Signer))
	}
	f.forwarder = NewForwarder(f.payments, fwdOpts...)

	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

// OnAfterSettle registers a hook called when a payment completes.
func (f *Facilitator) OnAfterSettle(hook SettleHook) *Facilitator {
	f.executor.OnAfterSettle(hook)
	return f
}

// OnSettleFailure registers a hook called when a payment fails.
func (f *Facilitator) OnSettleFailure(hook SettleFailureHook) *Facilitator {
	f.executor.OnSettleFailure(hook)
	return f
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start hydrates the ledger from the durable store and starts the pruner.
func (f *Facilitator) Start(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if f.repo != nil {
		var executor *Executor
		if f.resume {
			executor = f.executor
		}
		var err error
		report, err = Hydrate(ctx, f.repo, f.ledger, executor, f.logger.With("component", "recovery"))
		if err != nil {
			return report, fmt.Errorf("recovering payments: %w", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return report, nil
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.bgWG.Add(1)
	go func() {
		defer f.bgWG.Done()
		f.ledger.RunPruner(bgCtx, f.pruneInterval, func(removed int) {
			if removed > 0 {
				f.logger.Info("pruned terminal payments", "removed", removed)
			}
		})
	}()
	return report, nil
}

// Shutdown stops the pruner, waits for in-flight settlement and drains the
// durable mirror. Settlement is never cancelled; ctx only bounds the wait.
func (f *Facilitator) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.mu.Unlock()
	f.bgWG.Wait()

	var errs []error
	if err := f.executor.Wait(ctx); err != nil {
		f.logger.Warn("settlement still in flight at shutdown", "in_flight", f.executor.InFlight())
		errs = append(errs, fmt.Errorf("waiting for settlement: %w", err))
	}
	if f.mirror != nil {
		if err := f.mirror.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining persistence queue: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Payment Operations
// ============================================================================

// Pay records a validated payment request and starts settlement. It returns
// as soon as the record exists; settlement resolves in the background.
func (f *Facilitator) Pay(req PaymentRequest) (PaymentRecord, error) {
	record, err := f.ledger.Create(req)
	if err != nil {
		return PaymentRecord{}, NewInternalError(err)
	}

	f.logger.Info("payment created",
		"payment_id", record.ID,
		"amount", record.PaymentRequirement.Amount,
		"chain", record.PaymentRequirement.Chain,
		"relay", record.IsRelay(),
		"api_key_owner", record.APIKeyOwner,
	)
	f.executor.Dispatch(record)
	return record, nil
}

// Payment returns a record from memory, falling back to the durable store for
// records already pruned.
func (f *Facilitator) Payment(ctx context.Context, id string) (PaymentRecord, error) {
	return f.payments.Payment(ctx, id)
}

// Verify confirms a payment by id or transaction hash.
func (f *Facilitator) Verify(ctx context.Context, req VerifyRequest) VerifyResponse {
	return f.verifier.Verify(ctx, req)
}

// Forward replays the original request of a completed payment to the seller.
func (f *Facilitator) Forward(ctx context.Context, id string) (*ForwardResult, error) {
	return f.forwarder.Forward(ctx, id)
}

// Chain returns the enabled settlement chain.
func (f *Facilitator) Chain() ChainConfig {
	return f.chain
}

// PendingPayments returns the number of non-terminal records in memory.
func (f *Facilitator) PendingPayments() int {
	return f.ledger.Counts().InFlight()
}

// ============================================================================
// Stats
// ============================================================================

// Stats is the operational summary reported by /status.
type Stats struct {
	Chain               string          `json:"chain"`
	Signer              string          `json:"signer,omitempty"`
	Balances            *WalletBalances `json:"balances,omitempty"`
	BalanceError        string          `json:"balance_error,omitempty"`
	Payments            StatusCounts    `json:"payments"`
	InFlightSettlements int             `json:"in_flight_settlements"`
	Persistence         *MirrorStats    `json:"persistence,omitempty"`
	StartedAt           time.Time       `json:"started_at"`
	UptimeSeconds       int64           `json:"uptime_seconds"`
}

// Stats collects counters and, when a custodial signer is configured, its balances.
func (f *Facilitator) Stats(ctx context.Context) Stats {
	stats := Stats{
		Chain:               f.chain.Name,
		Payments:            f.ledger.Counts(),
		InFlightSettlements: f.executor.InFlight(),
		StartedAt:           f.startedAt,
		UptimeSeconds:       int64(f.now().Sub(f.startedAt) / time.Second),
	}
	if f.mirror != nil {
		ms := f.mirror.Stats()
		stats.Persistence = &ms
	}

	if f.signer == nil {
		return stats
	}
	stats.Signer = f.signer.Address()

	reader, ok := f.client.(BalanceReader)
	if !ok {
		return stats
	}
	balances, err := reader.Balances(ctx, stats.Signer)
	if err != nil {
		f.logger.Warn("balance lookup failed", "error", err)
		stats.BalanceError = "balance lookup failed"
		return stats
	}
	stats.Balances = &balances
	return stats
}

// readThrough serves records from the ledger and falls back to the durable store.
type readThrough struct {
	ledger *Ledger
	repo   Repository
}

func (r *readThrough) Payment(ctx context.Context, id string) (PaymentRecord, error) {
	if record, ok := r.ledger.Get(id); ok {
		return record, nil
	}
	if r.repo == nil {
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return r.repo.Get(ctx, id)
}

var _ PaymentReader = (*Facilitator)(nil)
var _ PaymentReader = (*readThrough)(nil)
