package facilitator_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/apitoll/facilitator"
)

func TestLedger_Create(t *testing.T) {
	ledger := facilitator.NewLedger()

	record, err := ledger.Create(newPaymentRequest("1.5"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(record.ID, "pay_"))
	assert.Equal(t, facilitator.StatusPending, record.Status)
	assert.Equal(t, testRecipient, record.SellerAddress)
	assert.Equal(t, "key_test", record.APIKeyOwner)
	assert.Nil(t, record.CompletedAt)
	assert.False(t, record.CreatedAt.IsZero())

	got, ok := ledger.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, record, got)
}

func TestLedger_CreateUniqueIDs(t *testing.T) {
	ledger := facilitator.NewLedger()

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		record, err := ledger.Create(newPaymentRequest("1"))
		require.NoError(t, err)
		require.False(t, ids[record.ID], "duplicate id %s", record.ID)
		ids[record.ID] = true
	}
}

func TestLedger_DuplicateID(t *testing.T) {
	ledger := facilitator.NewLedger(facilitator.WithIDGenerator(func() string { return "pay_fixed" }))

	_, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)
	_, err = ledger.Create(newPaymentRequest("1"))
	assert.ErrorIs(t, err, facilitator.ErrDuplicatePayment)
}

func TestLedger_Transitions(t *testing.T) {
	ledger := facilitator.NewLedger()
	record, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)

	processing, err := ledger.MarkProcessing(record.ID)
	require.NoError(t, err)
	assert.Equal(t, facilitator.StatusProcessing, processing.Status)

	_, err = ledger.MarkProcessing(record.ID)
	assert.ErrorIs(t, err, facilitator.ErrInvalidTransition)

	withHash, err := ledger.RecordTxHash(record.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", withHash.TxHash)
	assert.Equal(t, facilitator.StatusProcessing, withHash.Status)

	completed, err := ledger.Complete(record.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, facilitator.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	t.Run("terminal records never change", func(t *testing.T) {
		_, err := ledger.Fail(record.ID, "late failure")
		assert.ErrorIs(t, err, facilitator.ErrInvalidTransition)

		_, err = ledger.RecordTxHash(record.ID, "0xother")
		assert.ErrorIs(t, err, facilitator.ErrInvalidTransition)

		got, _ := ledger.Get(record.ID)
		assert.Equal(t, facilitator.StatusCompleted, got.Status)
		assert.Equal(t, "0xabc", got.TxHash)
		assert.Empty(t, got.Error)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := ledger.MarkProcessing("pay_missing")
		assert.ErrorIs(t, err, facilitator.ErrPaymentNotFound)
	})
}

func TestLedger_Fail(t *testing.T) {
	ledger := facilitator.NewLedger()
	record, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)

	failed, err := ledger.Fail(record.ID, facilitator.MessageSettlementFailed)
	require.NoError(t, err)
	assert.Equal(t, facilitator.StatusFailed, failed.Status)
	assert.Equal(t, facilitator.MessageSettlementFailed, failed.Error)
	assert.NotNil(t, failed.CompletedAt)

	_, err = ledger.Complete(record.ID, "0xabc")
	assert.ErrorIs(t, err, facilitator.ErrInvalidTransition)
}

func TestLedger_GetReturnsCopy(t *testing.T) {
	ledger := facilitator.NewLedger()
	record, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)

	got, _ := ledger.Get(record.ID)
	got.OriginalRequest.Headers["X-Trace"] = "changed"
	got.Status = facilitator.StatusCompleted

	again, _ := ledger.Get(record.ID)
	assert.Equal(t, "abc", again.OriginalRequest.Headers["X-Trace"])
	assert.Equal(t, facilitator.StatusPending, again.Status)
}

func TestLedger_ChangeHook(t *testing.T) {
	var mu sync.Mutex
	var seen []facilitator.Status

	ledger := facilitator.NewLedger(facilitator.WithChangeHook(func(r facilitator.PaymentRecord) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Status)
	}))

	record, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)
	_, err = ledger.MarkProcessing(record.ID)
	require.NoError(t, err)
	_, err = ledger.Complete(record.ID, "0xabc")
	require.NoError(t, err)

	// Rejected transitions are not observed.
	_, _ = ledger.Fail(record.ID, "nope")

	assert.Equal(t, []facilitator.Status{
		facilitator.StatusPending,
		facilitator.StatusProcessing,
		facilitator.StatusCompleted,
	}, seen)
}

func TestLedger_Insert(t *testing.T) {
	ledger := facilitator.NewLedger()

	record := facilitator.PaymentRecord{ID: "pay_loaded", Status: facilitator.StatusProcessing, TxHash: "0xabc"}
	assert.True(t, ledger.Insert(record))
	assert.False(t, ledger.Insert(facilitator.PaymentRecord{ID: "pay_loaded", Status: facilitator.StatusPending}))

	got, ok := ledger.Get("pay_loaded")
	require.True(t, ok)
	assert.Equal(t, facilitator.StatusProcessing, got.Status)
}

func TestLedger_Prune(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ledger := facilitator.NewLedger(
		facilitator.WithClock(clock.Now),
		facilitator.WithRetention(time.Hour),
	)

	done := completedRecord(t, ledger, newPaymentRequest("1"), "0xabc")
	pending, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 0, ledger.Prune())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, ledger.Prune())

	_, ok := ledger.Get(done.ID)
	assert.False(t, ok)
	_, ok = ledger.Get(pending.ID)
	assert.True(t, ok, "non-terminal records are never pruned")
}

func TestLedger_Counts(t *testing.T) {
	ledger := facilitator.NewLedger()

	completedRecord(t, ledger, newPaymentRequest("1"), "0xabc")
	failed, _ := ledger.Create(newPaymentRequest("1"))
	_, _ = ledger.Fail(failed.ID, "x")
	processing, _ := ledger.Create(newPaymentRequest("1"))
	_, _ = ledger.MarkProcessing(processing.ID)
	_, _ = ledger.Create(newPaymentRequest("1"))

	counts := ledger.Counts()
	assert.Equal(t, facilitator.StatusCounts{Total: 4, Pending: 1, Processing: 1, Completed: 1, Failed: 1}, counts)
	assert.Equal(t, 2, counts.InFlight())
}
