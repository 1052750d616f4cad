package facilitator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMirrorQueueSize    = 1024
	defaultMirrorWriteTimeout = 10 * time.Second
)

// Mirror is the write-through, best-effort durable copy of the ledger.
// Writes are queued and applied in order by a single worker so a later status
// can never be overwritten by an earlier one. A failed or dropped write is
// logged and counted but never blocks or fails the payment flow.
type Mirror struct {
	repo         Repository
	logger       *slog.Logger
	writeTimeout time.Duration

	mu     sync.RWMutex
	queue  chan PaymentRecord
	closed bool
	done   chan struct{}

	writes   atomic.Int64
	failures atomic.Int64
	dropped  atomic.Int64
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithMirrorLogger sets the logger persistence failures are reported to.
func WithMirrorLogger(logger *slog.Logger) MirrorOption {
	return func(m *Mirror) {
		m.logger = logger
	}
}

// WithMirrorQueueSize sets the maximum number of pending writes.
func WithMirrorQueueSize(size int) MirrorOption {
	return func(m *Mirror) {
		m.queue = make(chan PaymentRecord, size)
	}
}

// WithMirrorWriteTimeout bounds each durable write.
func WithMirrorWriteTimeout(d time.Duration) MirrorOption {
	return func(m *Mirror) {
		m.writeTimeout = d
	}
}

// NewMirror creates a mirror onto repo and starts its worker.
func NewMirror(repo Repository, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		repo:         repo,
		logger:       slog.Default(),
		writeTimeout: defaultMirrorWriteTimeout,
		queue:        make(chan PaymentRecord, defaultMirrorQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.run()
	return m
}

// Hook returns a ChangeHook that enqueues every ledger change.
func (m *Mirror) Hook() ChangeHook {
	return m.Enqueue
}

// Enqueue schedules a durable write without blocking.
func (m *Mirror) Enqueue(record PaymentRecord) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		m.dropped.Add(1)
		m.logger.Warn("persistence write dropped after shutdown",
			"payment_id", record.ID,
			"status", record.Status,
		)
		return
	}

	select {
	case m.queue <- record:
	default:
		m.dropped.Add(1)
		m.logger.Error("persistence queue full, write dropped",
			"payment_id", record.ID,
			"status", record.Status,
		)
	}
}

func (m *Mirror) run() {
	defer close(m.done)

	for record := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
		err := m.repo.Save(ctx, record)
		cancel()

		if err != nil {
			m.failures.Add(1)
			m.logger.Error("failed to persist payment record",
				"payment_id", record.ID,
				"status", record.Status,
				"error", err,
			)
			continue
		}
		m.writes.Add(1)
	}
}

// Close stops accepting writes and waits until the queue drains or ctx is done.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MirrorStats reports persistence health.
type MirrorStats struct {
	Writes   int64 `json:"writes"`
	Failures int64 `json:"failures"`
	Dropped  int64 `json:"dropped"`
	Queued   int   `json:"queued"`
}

// Stats returns the current persistence counters.
func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		Writes:   m.writes.Load(),
		Failures: m.failures.Load(),
		Dropped:  m.dropped.Load(),
		Queued:   len(m.queue),
	}
}
