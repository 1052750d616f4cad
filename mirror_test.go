package facilitator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/store"
)

// flakyRepo fails every Save and can block until released.
type flakyRepo struct {
	mu      sync.Mutex
	saves   int
	err     error
	started chan struct{}
	release chan struct{}
}

func (r *flakyRepo) Save(ctx context.Context, record facilitator.PaymentRecord) error {
	r.mu.Lock()
	r.saves++
	first := r.saves == 1
	r.mu.Unlock()

	if r.release != nil {
		if first {
			close(r.started)
		}
		<-r.release
	}
	return r.err
}

func (r *flakyRepo) Get(ctx context.Context, id string) (facilitator.PaymentRecord, error) {
	return facilitator.PaymentRecord{}, facilitator.ErrPaymentNotFound
}

func (r *flakyRepo) ListNonTerminal(ctx context.Context) ([]facilitator.PaymentRecord, error) {
	return nil, nil
}

func TestMirror_WritesInOrder(t *testing.T) {
	repo := store.NewMemoryStore()
	mirror := facilitator.NewMirror(repo)
	ledger := facilitator.NewLedger(facilitator.WithChangeHook(mirror.Hook()))

	record := completedRecord(t, ledger, newPaymentRequest("2"), "0xabc")
	require.NoError(t, mirror.Close(waitCtx(t)))

	stored, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, facilitator.StatusCompleted, stored.Status)
	assert.Equal(t, "0xabc", stored.TxHash)

	stats := mirror.Stats()
	assert.Equal(t, int64(3), stats.Writes)
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.Dropped)
}

func TestMirror_FailuresAreCounted(t *testing.T) {
	repo := &flakyRepo{err: errors.New("store down")}
	mirror := facilitator.NewMirror(repo)

	mirror.Enqueue(facilitator.PaymentRecord{ID: "pay_1", Status: facilitator.StatusPending})
	mirror.Enqueue(facilitator.PaymentRecord{ID: "pay_1", Status: facilitator.StatusProcessing})
	require.NoError(t, mirror.Close(waitCtx(t)))

	stats := mirror.Stats()
	assert.Equal(t, int64(2), stats.Failures)
	assert.Zero(t, stats.Writes)
}

func TestMirror_DropsWhenFull(t *testing.T) {
	repo := &flakyRepo{started: make(chan struct{}), release: make(chan struct{})}
	mirror := facilitator.NewMirror(repo, facilitator.WithMirrorQueueSize(1))

	mirror.Enqueue(facilitator.PaymentRecord{ID: "pay_1"})
	select {
	case <-repo.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first write")
	}

	mirror.Enqueue(facilitator.PaymentRecord{ID: "pay_2"})
	mirror.Enqueue(facilitator.PaymentRecord{ID: "pay_3"})

	stats := mirror.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 1, stats.Queued)

	close(repo.release)
	require.NoError(t, mirror.Close(waitCtx(t)))
	assert.Equal(t, int64(2), mirror.Stats().Writes)
}

func TestMirror_EnqueueAfterClose(t *testing.T) {
	mirror := facilitator.NewMirror(store.NewMemoryStore())
	require.NoError(t, mirror.Close(waitCtx(t)))
	require.NoError(t, mirror.Close(waitCtx(t)))

	mirror.Enqueue(facilitator.PaymentRecord{ID: "pay_late"})
	assert.Equal(t, int64(1), mirror.Stats().Dropped)
}
