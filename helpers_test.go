package facilitator_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	facilitator "github.com/apitoll/facilitator"
)

const (
	testRecipient = "0x2222222222222222222222222222222222222222"
	testAgent     = "0x3333333333333333333333333333333333333333"
)

func newPaymentRequest(amount string) facilitator.PaymentRequest {
	return facilitator.PaymentRequest{
		OriginalRequest: facilitator.OriginalRequest{
			URL:     "https://seller.example/data",
			Method:  "GET",
			Headers: map[string]string{"X-Trace": "abc"},
		},
		PaymentRequirement: facilitator.PaymentRequirement{
			Amount:    amount,
			Currency:  facilitator.DefaultCurrency,
			Recipient: testRecipient,
			Chain:     facilitator.DefaultChain,
		},
		AgentWallet: testAgent,
		APIKeyOwner: "key_test",
	}
}

// ledgerReader adapts a Ledger to facilitator.PaymentReader.
type ledgerReader struct {
	ledger *facilitator.Ledger
}

func (r ledgerReader) Payment(ctx context.Context, id string) (facilitator.PaymentRecord, error) {
	record, ok := r.ledger.Get(id)
	if !ok {
		return facilitator.PaymentRecord{}, fmt.Errorf("%w: %s", facilitator.ErrPaymentNotFound, id)
	}
	return record, nil
}

// completedRecord creates a payment in ledger and settles it with txHash.
func completedRecord(t *testing.T, ledger *facilitator.Ledger, req facilitator.PaymentRequest, txHash string) facilitator.PaymentRecord {
	t.Helper()

	record, err := ledger.Create(req)
	require.NoError(t, err)
	_, err = ledger.MarkProcessing(record.ID)
	require.NoError(t, err)
	record, err = ledger.Complete(record.ID, txHash)
	require.NoError(t, err)
	return record
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fixedClock is a manually advanced time source.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
