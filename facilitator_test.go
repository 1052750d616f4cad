package facilitator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/store"
	"github.com/apitoll/facilitator/test/mocks/chain"
)

func newTestFacilitator(t *testing.T, cfg facilitator.Config) *facilitator.Facilitator {
	t.Helper()

	base, err := facilitator.GetChainConfig("base")
	require.NoError(t, err)
	cfg.Chain = base

	f := facilitator.New(cfg)
	_, err = f.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.Shutdown(waitCtx(t))
	})
	return f
}

func waitForStatus(t *testing.T, f *facilitator.Facilitator, id string, want facilitator.Status) facilitator.PaymentRecord {
	t.Helper()

	var record facilitator.PaymentRecord
	require.Eventually(t, func() bool {
		r, err := f.Payment(context.Background(), id)
		if err != nil {
			return false
		}
		record = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return record
}

func TestFacilitator_PayAndSettle(t *testing.T) {
	fake := chain.New("")
	repo := store.NewMemoryStore()
	f := newTestFacilitator(t, facilitator.Config{ChainClient: fake, Signer: fake, Repository: repo})

	var settled []string
	f.OnAfterSettle(func(r facilitator.PaymentRecord, _ *facilitator.ChainReceipt) {
		settled = append(settled, r.ID)
	})

	record, err := f.Pay(newPaymentRequest("2.5"))
	require.NoError(t, err)
	assert.Equal(t, facilitator.StatusPending, record.Status)

	completed := waitForStatus(t, f, record.ID, facilitator.StatusCompleted)
	assert.NotEmpty(t, completed.TxHash)

	require.Eventually(t, func() bool {
		stored, err := repo.Get(context.Background(), record.ID)
		return err == nil && stored.Status == facilitator.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.Shutdown(waitCtx(t)))
	assert.Equal(t, []string{record.ID}, settled)
	assert.Zero(t, f.PendingPayments())
}

func TestFacilitator_ReadThroughAfterPrune(t *testing.T) {
	fake := chain.New("")
	repo := store.NewMemoryStore()
	f := newTestFacilitator(t, facilitator.Config{
		ChainClient:   fake,
		Signer:        fake,
		Repository:    repo,
		Retention:     time.Nanosecond,
		PruneInterval: 10 * time.Millisecond,
	})

	record, err := f.Pay(newPaymentRequest("1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := repo.Get(context.Background(), record.ID)
		return err == nil && stored.Status == facilitator.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.Stats(context.Background()).Payments.Total == 0
	}, 5*time.Second, 10*time.Millisecond)

	got, err := f.Payment(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, facilitator.StatusCompleted, got.Status)

	resp := f.Verify(context.Background(), facilitator.VerifyRequest{Payload: facilitator.VerifyPayload{PaymentID: record.ID}})
	assert.True(t, resp.Valid)
}

func TestFacilitator_UnknownPayment(t *testing.T) {
	f := newTestFacilitator(t, facilitator.Config{})

	_, err := f.Payment(context.Background(), "pay_missing")
	assert.ErrorIs(t, err, facilitator.ErrPaymentNotFound)
}

func TestFacilitator_Stats(t *testing.T) {
	fake := chain.New("")
	f := newTestFacilitator(t, facilitator.Config{ChainClient: fake, Signer: fake, Repository: store.NewMemoryStore()})

	stats := f.Stats(context.Background())
	assert.Equal(t, "base", stats.Chain)
	assert.Equal(t, chain.DefaultAddress, stats.Signer)
	require.NotNil(t, stats.Balances)
	assert.Equal(t, "1000", stats.Balances.Asset)
	assert.NotNil(t, stats.Persistence)
	assert.Empty(t, stats.BalanceError)
}

func TestFacilitator_StatsWithoutSigner(t *testing.T) {
	f := newTestFacilitator(t, facilitator.Config{ChainClient: chain.New("")})

	stats := f.Stats(context.Background())
	assert.Empty(t, stats.Signer)
	assert.Nil(t, stats.Balances)
	assert.Nil(t, stats.Persistence)
}

func TestFacilitator_StartRecovers(t *testing.T) {
	fake := chain.New("")
	base, err := facilitator.GetChainConfig("base")
	require.NoError(t, err)

	f := facilitator.New(facilitator.Config{
		Chain:            base,
		ChainClient:      fake,
		Signer:           fake,
		Repository:       seedRepo(t),
		ResumeOnRecovery: true,
	})
	report, err := f.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 1, report.Rebroadcast)
	assert.Equal(t, 1, report.Stranded)

	require.NoError(t, f.Shutdown(waitCtx(t)))

	relay, err := f.Payment(context.Background(), "pay_relay")
	require.NoError(t, err)
	assert.Equal(t, facilitator.StatusCompleted, relay.Status)
}
