package facilitator_test

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/test/mocks/chain"
)

func newTestExecutor(ledger *facilitator.Ledger, fake *chain.Client, opts ...facilitator.ExecutorOption) *facilitator.Executor {
	return facilitator.NewExecutor(ledger, fake, append([]facilitator.ExecutorOption{facilitator.WithCustodialSigner(fake)}, opts...)...)
}

func TestExecutor_CustodialSettlement(t *testing.T) {
	ledger := facilitator.NewLedger()
	fake := chain.New("")
	executor := newTestExecutor(ledger, fake, facilitator.WithConfirmations(2))

	var settled []facilitator.PaymentRecord
	var mu sync.Mutex
	executor.OnAfterSettle(func(r facilitator.PaymentRecord, receipt *facilitator.ChainReceipt) {
		mu.Lock()
		defer mu.Unlock()
		settled = append(settled, r)
		assert.GreaterOrEqual(t, receipt.Confirmations, uint64(2))
	})

	record, err := ledger.Create(newPaymentRequest("1.5"))
	require.NoError(t, err)
	executor.Dispatch(record)
	require.NoError(t, executor.Wait(waitCtx(t)))

	transfers := fake.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, testRecipient, transfers[0].Recipient)
	assert.Equal(t, big.NewInt(1_500_000), transfers[0].Amount)

	got, _ := ledger.Get(record.ID)
	assert.Equal(t, facilitator.StatusCompleted, got.Status)
	assert.Equal(t, transfers[0].TxHash, got.TxHash)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Error)

	require.Len(t, settled, 1)
	assert.Equal(t, record.ID, settled[0].ID)
	assert.Zero(t, executor.InFlight())
}

func TestExecutor_RelaySettlement(t *testing.T) {
	ledger := facilitator.NewLedger()
	fake := chain.New("")
	executor := facilitator.NewExecutor(ledger, fake)

	req := newPaymentRequest("1")
	req.SignedTx = "0xf86b01"
	record, err := ledger.Create(req)
	require.NoError(t, err)

	executor.Dispatch(record)
	require.NoError(t, executor.Wait(waitCtx(t)))

	assert.Equal(t, []string{"0xf86b01"}, fake.Broadcasts())
	assert.Empty(t, fake.Transfers(), "relay payments never move custodial funds")

	got, _ := ledger.Get(record.ID)
	assert.Equal(t, facilitator.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.TxHash)
}

func TestExecutor_Failures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*chain.Client)
		signer    bool
		relay     bool
		wantCause error
	}{
		{
			name:      "transfer rejected",
			configure: func(c *chain.Client) { c.FailTransfers(errors.New("insufficient funds")) },
			signer:    true,
		},
		{
			name:      "broadcast rejected",
			configure: func(c *chain.Client) { c.FailBroadcasts(errors.New("nonce too low")) },
			relay:     true,
		},
		{
			name:      "transaction reverted",
			configure: func(c *chain.Client) { c.Revert() },
			signer:    true,
			wantCause: facilitator.ErrTxReverted,
		},
		{
			name:      "confirmation wait fails",
			configure: func(c *chain.Client) { c.FailConfirmations(errors.New("rpc timeout")) },
			signer:    true,
		},
		{
			name:      "panic during send",
			configure: func(c *chain.Client) { c.PanicOnSend() },
			signer:    true,
		},
		{
			name:      "no custodial signer",
			configure: func(c *chain.Client) {},
			wantCause: facilitator.ErrCustodyUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := facilitator.NewLedger()
			fake := chain.New("")
			tt.configure(fake)

			var opts []facilitator.ExecutorOption
			if tt.signer {
				opts = append(opts, facilitator.WithCustodialSigner(fake))
			}
			executor := facilitator.NewExecutor(ledger, fake, opts...)

			var causes []error
			var mu sync.Mutex
			executor.OnSettleFailure(func(r facilitator.PaymentRecord, err error) {
				mu.Lock()
				defer mu.Unlock()
				causes = append(causes, err)
			})

			req := newPaymentRequest("1")
			if tt.relay {
				req.SignedTx = "0xf86b01"
			}
			record, err := ledger.Create(req)
			require.NoError(t, err)

			executor.Dispatch(record)
			require.NoError(t, executor.Wait(waitCtx(t)))

			got, _ := ledger.Get(record.ID)
			assert.Equal(t, facilitator.StatusFailed, got.Status)
			assert.Equal(t, facilitator.MessageSettlementFailed, got.Error)
			assert.NotNil(t, got.CompletedAt)

			require.Len(t, causes, 1)
			if tt.wantCause != nil {
				assert.ErrorIs(t, causes[0], tt.wantCause)
			}
		})
	}
}

func TestExecutor_NoChain(t *testing.T) {
	ledger := facilitator.NewLedger()
	executor := facilitator.NewExecutor(ledger, nil)

	record, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)
	executor.Dispatch(record)
	require.NoError(t, executor.Wait(waitCtx(t)))

	got, _ := ledger.Get(record.ID)
	assert.Equal(t, facilitator.StatusFailed, got.Status)
}

func TestExecutor_ProcessingWhileAwaitingConfirmations(t *testing.T) {
	ledger := facilitator.NewLedger()
	fake := chain.New("").Hold()
	executor := newTestExecutor(ledger, fake)

	record, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)
	executor.Dispatch(record)

	require.Eventually(t, func() bool { return fake.Waits() == 1 }, 5*time.Second, 5*time.Millisecond)

	got, _ := ledger.Get(record.ID)
	assert.Equal(t, facilitator.StatusProcessing, got.Status)
	assert.NotEmpty(t, got.TxHash, "hash is recorded before confirmations")
	assert.Equal(t, 1, executor.InFlight())

	fake.Release()
	require.NoError(t, executor.Wait(waitCtx(t)))

	got, _ = ledger.Get(record.ID)
	assert.Equal(t, facilitator.StatusCompleted, got.Status)
}

func TestExecutor_Timeout(t *testing.T) {
	ledger := facilitator.NewLedger()
	fake := chain.New("").Hold()
	defer fake.Release()
	executor := newTestExecutor(ledger, fake, facilitator.WithSettlementTimeout(50*time.Millisecond))

	record, err := ledger.Create(newPaymentRequest("1"))
	require.NoError(t, err)
	executor.Dispatch(record)
	require.NoError(t, executor.Wait(waitCtx(t)))

	got, _ := ledger.Get(record.ID)
	assert.Equal(t, facilitator.StatusFailed, got.Status)
}

func TestExecutor_Resume(t *testing.T) {
	ledger := facilitator.NewLedger()
	fake := chain.New("")
	executor := newTestExecutor(ledger, fake)

	record := facilitator.PaymentRecord{
		ID:     "pay_resumed",
		Status: facilitator.StatusProcessing,
		TxHash: "0x" + strings.Repeat("ab", 32),
		PaymentRequirement: facilitator.PaymentRequirement{
			Amount:    "1",
			Recipient: testRecipient,
		},
	}
	require.True(t, ledger.Insert(record))

	executor.Resume(record)
	require.NoError(t, executor.Wait(waitCtx(t)))

	assert.Empty(t, fake.Transfers(), "resume never sends a second transfer")
	got, _ := ledger.Get(record.ID)
	assert.Equal(t, facilitator.StatusCompleted, got.Status)
	assert.Equal(t, record.TxHash, got.TxHash)
}

func TestExecutor_ConcurrentPayments(t *testing.T) {
	ledger := facilitator.NewLedger()
	fake := chain.New("")
	executor := newTestExecutor(ledger, fake)

	const n = 20
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		record, err := ledger.Create(newPaymentRequest("0.01"))
		require.NoError(t, err)
		ids = append(ids, record.ID)
		executor.Dispatch(record)
	}
	require.NoError(t, executor.Wait(waitCtx(t)))

	hashes := make(map[string]bool)
	for _, id := range ids {
		got, _ := ledger.Get(id)
		require.Equal(t, facilitator.StatusCompleted, got.Status)
		hashes[got.TxHash] = true
	}
	assert.Len(t, hashes, n)
	assert.Len(t, fake.Transfers(), n)
}
