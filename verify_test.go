package facilitator_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/test/mocks/chain"
)

var minedHash = "0x" + strings.Repeat("cd", 32)

func newTestVerifier(t *testing.T) (*facilitator.Verifier, *facilitator.Ledger, *chain.Client) {
	t.Helper()
	ledger := facilitator.NewLedger()
	fake := chain.New("")
	fake.AddReceipt(facilitator.ChainReceipt{
		TxHash:        minedHash,
		From:          testAgent,
		To:            testRecipient,
		BlockNumber:   42,
		Confirmations: 3,
		Success:       true,
	})
	return facilitator.NewVerifier(ledgerReader{ledger}, fake, nil), ledger, fake
}

func TestVerifier_ByPaymentID(t *testing.T) {
	verifier, ledger, _ := newTestVerifier(t)
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		record := completedRecord(t, ledger, newPaymentRequest("1"), minedHash)

		resp := verifier.Verify(ctx, facilitator.VerifyRequest{Payload: facilitator.VerifyPayload{PaymentID: record.ID}})
		assert.True(t, resp.Valid)
		assert.Equal(t, minedHash, resp.TxHash)
		assert.Equal(t, testAgent, resp.From)
		assert.Empty(t, resp.Error)
	})

	t.Run("still pending", func(t *testing.T) {
		record, err := ledger.Create(newPaymentRequest("1"))
		require.NoError(t, err)

		resp := verifier.Verify(ctx, facilitator.VerifyRequest{Payload: facilitator.VerifyPayload{PaymentID: record.ID}})
		assert.False(t, resp.Valid)
		assert.Equal(t, "payment status: pending", resp.Error)
	})

	t.Run("failed", func(t *testing.T) {
		record, err := ledger.Create(newPaymentRequest("1"))
		require.NoError(t, err)
		_, err = ledger.Fail(record.ID, facilitator.MessageSettlementFailed)
		require.NoError(t, err)

		resp := verifier.Verify(ctx, facilitator.VerifyRequest{Payload: facilitator.VerifyPayload{PaymentID: record.ID}})
		assert.False(t, resp.Valid)
		assert.Equal(t, "payment status: failed", resp.Error)
	})

	t.Run("unknown", func(t *testing.T) {
		resp := verifier.Verify(ctx, facilitator.VerifyRequest{Payload: facilitator.VerifyPayload{PaymentID: "pay_nope"}})
		assert.False(t, resp.Valid)
		assert.Equal(t, "payment pay_nope not found", resp.Error)
	})

	t.Run("payment id wins over tx hash", func(t *testing.T) {
		resp := verifier.Verify(ctx, facilitator.VerifyRequest{Payload: facilitator.VerifyPayload{
			PaymentID: "pay_nope",
			TxHash:    minedHash,
		}})
		assert.False(t, resp.Valid)
		assert.Contains(t, resp.Error, "not found")
	})
}

func TestVerifier_ByTxHash(t *testing.T) {
	verifier, _, fake := newTestVerifier(t)
	ctx := context.Background()

	verify := func(hash string, reqs ...facilitator.VerifyRequirement) facilitator.VerifyResponse {
		return verifier.Verify(ctx, facilitator.VerifyRequest{
			Payload:      facilitator.VerifyPayload{TxHash: hash},
			Requirements: reqs,
		})
	}

	t.Run("mined", func(t *testing.T) {
		resp := verify(minedHash)
		assert.True(t, resp.Valid)
		assert.Equal(t, testAgent, resp.From)
		assert.Equal(t, uint64(42), resp.BlockNumber)
	})

	t.Run("recipient matches case-insensitively", func(t *testing.T) {
		resp := verify(minedHash, facilitator.VerifyRequirement{PayTo: strings.ToUpper(testRecipient[2:])})
		assert.False(t, resp.Valid, "0x prefix is part of the address")

		resp = verify(minedHash, facilitator.VerifyRequirement{Recipient: "0x" + strings.ToUpper(testRecipient[2:])})
		assert.True(t, resp.Valid)
	})

	t.Run("recipient mismatch", func(t *testing.T) {
		resp := verify(minedHash, facilitator.VerifyRequirement{Recipient: testAgent})
		assert.False(t, resp.Valid)
		assert.Equal(t, "recipient mismatch", resp.Error)
	})

	t.Run("malformed hash", func(t *testing.T) {
		resp := verify("0x1234")
		assert.False(t, resp.Valid)
		assert.Equal(t, "invalid transaction hash", resp.Error)
	})

	t.Run("unknown hash", func(t *testing.T) {
		resp := verify("0x" + strings.Repeat("ef", 32))
		assert.False(t, resp.Valid)
		assert.Equal(t, "transaction not found", resp.Error)
	})

	t.Run("reverted", func(t *testing.T) {
		hash := "0x" + strings.Repeat("11", 32)
		fake.AddReceipt(facilitator.ChainReceipt{TxHash: hash, Confirmations: 5, Success: false})

		resp := verify(hash)
		assert.False(t, resp.Valid)
		assert.Equal(t, "transaction reverted", resp.Error)
	})

	t.Run("unconfirmed", func(t *testing.T) {
		hash := "0x" + strings.Repeat("22", 32)
		fake.AddReceipt(facilitator.ChainReceipt{TxHash: hash, Success: true})

		resp := verify(hash)
		assert.False(t, resp.Valid)
		assert.Equal(t, "transaction has no confirmations", resp.Error)
	})
}

func TestVerifier_NothingToVerify(t *testing.T) {
	verifier, _, _ := newTestVerifier(t)

	resp := verifier.Verify(context.Background(), facilitator.VerifyRequest{})
	assert.False(t, resp.Valid)
	assert.Equal(t, "nothing to verify", resp.Error)
}

func TestVerifier_WithoutChain(t *testing.T) {
	verifier := facilitator.NewVerifier(ledgerReader{facilitator.NewLedger()}, nil, nil)

	resp := verifier.Verify(context.Background(), facilitator.VerifyRequest{Payload: facilitator.VerifyPayload{TxHash: minedHash}})
	assert.False(t, resp.Valid)
	assert.Equal(t, "on-chain verification unavailable", resp.Error)
}

type brokenReader struct{}

func (brokenReader) Payment(ctx context.Context, id string) (facilitator.PaymentRecord, error) {
	return facilitator.PaymentRecord{}, errors.New("connection refused")
}

func TestVerifier_LookupFailureIsGeneric(t *testing.T) {
	verifier := facilitator.NewVerifier(brokenReader{}, nil, nil)

	resp := verifier.Verify(context.Background(), facilitator.VerifyRequest{Payload: facilitator.VerifyPayload{PaymentID: "pay_1"}})
	assert.False(t, resp.Valid)
	assert.Equal(t, "payment lookup failed", resp.Error)
}

func TestIsTxHash(t *testing.T) {
	assert.True(t, facilitator.IsTxHash(minedHash))
	assert.True(t, facilitator.IsTxHash("0x"+strings.Repeat("AB", 32)))
	assert.False(t, facilitator.IsTxHash(strings.Repeat("ab", 32)))
	assert.False(t, facilitator.IsTxHash("0x"+strings.Repeat("zz", 32)))
	assert.False(t, facilitator.IsTxHash(""))
}
