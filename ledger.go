package facilitator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is how long terminal records stay in memory after completion.
const DefaultRetention = 24 * time.Hour

// ChangeHook observes every record creation and status change. Hooks run while
// the ledger lock is held and must not block.
type ChangeHook func(record PaymentRecord)

// Ledger is the authoritative in-process registry of payment records.
// The durable repository is the source of truth across restarts; the ledger
// is a cache that enforces the status state machine.
type Ledger struct {
	mu        sync.RWMutex
	records   map[string]*PaymentRecord
	retention time.Duration
	now       func() time.Time
	newID     func() string
	hooks     []ChangeHook
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithRetention sets how long terminal records are kept in memory.
func WithRetention(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.retention = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithIDGenerator overrides payment id generation.
func WithIDGenerator(gen func() string) LedgerOption {
	return func(l *Ledger) {
		l.newID = gen
	}
}

// WithChangeHook registers a hook called on every create and status change.
func WithChangeHook(hook ChangeHook) LedgerOption {
	return func(l *Ledger) {
		l.hooks = append(l.hooks, hook)
	}
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		records:   make(map[string]*PaymentRecord),
		retention: DefaultRetention,
		now:       time.Now,
		newID:     func() string { return "pay_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create records a new pending payment for a validated request.
func (l *Ledger) Create(req PaymentRequest) (PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.newID()
	if _, exists := l.records[id]; exists {
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrDuplicatePayment, id)
	}

	record := &PaymentRecord{
		ID:                 id,
		OriginalRequest:    req.OriginalRequest,
		PaymentRequirement: req.PaymentRequirement,
		AgentWallet:        req.AgentWallet,
		SellerAddress:      req.PaymentRequirement.Recipient,
		APIKeyOwner:        req.APIKeyOwner,
		Status:             StatusPending,
		CreatedAt:          l.now().UTC(),
		SignedTx:           req.SignedTx,
	}
	l.records[id] = record

	snapshot := record.Clone()
	l.notifyLocked(snapshot)
	return snapshot, nil
}

// Insert adds a record loaded from durable storage. Existing ids are left
// untouched and false is returned. Hooks are not called.
func (l *Ledger) Insert(record PaymentRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[record.ID]; exists {
		return false
	}
	r := record.Clone()
	l.records[record.ID] = &r
	return true
}

// Get returns a copy of the record with the given id.
func (l *Ledger) Get(id string) (PaymentRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.records[id]
	if !ok {
		return PaymentRecord{}, false
	}
	return record.Clone(), true
}

// MarkProcessing moves a pending record to processing.
func (l *Ledger) MarkProcessing(id string) (PaymentRecord, error) {
	return l.transition(id, StatusProcessing, nil)
}

// RecordTxHash stores the hash of a broadcast settlement transaction on a
// non-terminal record.
func (l *Ledger) RecordTxHash(id string, txHash string) (PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[id]
	if !ok {
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	if record.Status.IsTerminal() {
		return PaymentRecord{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, record.Status)
	}
	record.TxHash = txHash

	snapshot := record.Clone()
	l.notifyLocked(snapshot)
	return snapshot, nil
}

// Complete resolves a record as settled.
func (l *Ledger) Complete(id string, txHash string) (PaymentRecord, error) {
	return l.transition(id, StatusCompleted, func(r *PaymentRecord) {
		r.TxHash = txHash
		r.Error = ""
	})
}

// Fail resolves a record as failed with an externally visible message.
func (l *Ledger) Fail(id string, message string) (PaymentRecord, error) {
	return l.transition(id, StatusFailed, func(r *PaymentRecord) {
		r.Error = message
	})
}

func (l *Ledger) transition(id string, next Status, mutate func(*PaymentRecord)) (PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[id]
	if !ok {
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	if !record.Status.CanTransition(next) {
		return PaymentRecord{}, fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, id, record.Status, next)
	}

	record.Status = next
	if mutate != nil {
		mutate(record)
	}
	if next.IsTerminal() {
		completedAt := l.now().UTC()
		record.CompletedAt = &completedAt
	}

	snapshot := record.Clone()
	l.notifyLocked(snapshot)
	return snapshot, nil
}

func (l *Ledger) notifyLocked(record PaymentRecord) {
	for _, hook := range l.hooks {
		hook(record)
	}
}

// Prune removes terminal records whose completion is older than the retention
// window. Durable copies are not affected.
func (l *Ledger) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.retention)
	removed := 0
	for id, record := range l.records {
		if !record.Status.IsTerminal() || record.CompletedAt == nil {
			continue
		}
		if record.CompletedAt.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}

// RunPruner prunes on every tick until ctx is done.
func (l *Ledger) RunPruner(ctx context.Context, interval time.Duration, onPrune func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.Prune()
			if onPrune != nil {
				onPrune(removed)
			}
		}
	}
}

// StatusCounts summarizes the ledger by status.
type StatusCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// InFlight returns the number of non-terminal records.
func (c StatusCounts) InFlight() int {
	return c.Pending + c.Processing
}

// Counts returns the number of records in each status.
func (l *Ledger) Counts() StatusCounts {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var counts StatusCounts
	for _, record := range l.records {
		counts.Total++
		switch record.Status {
		case StatusPending:
			counts.Pending++
		case StatusProcessing:
			counts.Processing++
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		}
	}
	return counts
}
