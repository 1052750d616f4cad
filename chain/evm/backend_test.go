package evm

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	facilitator "github.com/apitoll/facilitator"
)

// fakeBackend is an in-memory Backend.
type fakeBackend struct {
	mu sync.Mutex

	chainID      *big.Int
	head         uint64
	advance      bool
	pendingNonce uint64
	nonceCalls   int
	sendErr      error
	sendErrOnce  bool
	estimateErr  error
	native       *big.Int
	tokenBalance *big.Int

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	txs      map[common.Hash]*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:      big.NewInt(8453),
		head:         100,
		native:       big.NewInt(0),
		tokenBalance: big.NewInt(0),
		receipts:     make(map[common.Hash]*types.Receipt),
		txs:          make(map[common.Hash]*types.Transaction),
	}
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return b.chainID, nil
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.advance {
		b.head++
	}
	return b.head, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		err := b.sendErr
		if b.sendErrOnce {
			b.sendErr = nil
		}
		return err
	}
	b.sent = append(b.sent, tx)
	b.txs[tx.Hash()] = tx
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (b *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return b.native, nil
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes(b.tokenBalance.Bytes(), 32), nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 60_000, nil
}

// mine stores a receipt for hash at block.
func (b *fakeBackend) mine(hash common.Hash, block uint64, status uint64, logs ...*types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[hash] = &types.Receipt{
		TxHash:      hash,
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
}

func (b *fakeBackend) sentTxs() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	client, err := NewClient(backend, backend.chainID, facilitator.KnownChains["base"], WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	return client
}
