package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	facilitator "github.com/apitoll/facilitator"
)

// DefaultAddress is the custodial address reported by New("").
const DefaultAddress = "0x1111111111111111111111111111111111111111"

// Transfer records a custodial transfer submitted to the fake.
type Transfer struct {
	Recipient string
	Amount    *big.Int
	TxHash    string
}

// ============================================================================
// Fake Chain
// ============================================================================

// Client is an in-memory chain that implements facilitator.Chain,
// facilitator.CustodialSigner and facilitator.BalanceReader.
type Client struct {
	mu       sync.Mutex
	address  string
	block    uint64
	receipts map[string]*facilitator.ChainReceipt

	transfers  []Transfer
	broadcasts []string
	waits      int

	transferErr  error
	broadcastErr error
	confirmErr   error
	reverted     bool
	panicOnSend  bool
	hold         chan struct{}
}

// New creates a fake chain whose custodial signer is address.
func New(address string) *Client {
	if address == "" {
		address = DefaultAddress
	}
	return &Client{
		address:  address,
		block:    100,
		receipts: make(map[string]*facilitator.ChainReceipt),
	}
}

// FailTransfers makes every custodial transfer return err.
func (c *Client) FailTransfers(err error) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferErr = err
	return c
}

// FailBroadcasts makes every relay broadcast return err.
func (c *Client) FailBroadcasts(err error) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastErr = err
	return c
}

// FailConfirmations makes every confirmation wait return err.
func (c *Client) FailConfirmations(err error) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmErr = err
	return c
}

// Revert makes every new transaction revert.
func (c *Client) Revert() *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverted = true
	return c
}

// PanicOnSend makes transfers and broadcasts panic.
func (c *Client) PanicOnSend() *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panicOnSend = true
	return c
}

// Hold blocks confirmation waits until Release is called.
func (c *Client) Hold() *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = make(chan struct{})
	return c
}

// Release unblocks confirmation waits started after Hold.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hold != nil {
		close(c.hold)
		c.hold = nil
	}
}

// AddReceipt seeds a mined transaction for lookups.
func (c *Client) AddReceipt(receipt facilitator.ChainReceipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := receipt
	c.receipts[strings.ToLower(receipt.TxHash)] = &r
}

// Transfers returns every custodial transfer made so far.
func (c *Client) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transfer(nil), c.transfers...)
}

// Broadcasts returns every raw transaction broadcast so far.
func (c *Client) Broadcasts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.broadcasts...)
}

// Waits returns how many confirmation waits were started.
func (c *Client) Waits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

// ============================================================================
// facilitator.CustodialSigner
// ============================================================================

func (c *Client) Address() string {
	return c.address
}

func (c *Client) Transfer(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.panicOnSend {
		panic("fake chain: transfer panic")
	}
	if c.transferErr != nil {
		return "", c.transferErr
	}

	txHash := hashOf(fmt.Sprintf("transfer:%d:%s:%s", len(c.transfers), recipient, amount))
	c.transfers = append(c.transfers, Transfer{
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
		TxHash:    txHash,
	})
	c.mineLocked(txHash, recipient)
	return txHash, nil
}

func (c *Client) SignMessage(data []byte) ([]byte, error) {
	sum := sha256.Sum256(append([]byte(c.address), data...))
	return sum[:], nil
}

// ============================================================================
// facilitator.Chain
// ============================================================================

func (c *Client) BroadcastRawTransaction(ctx context.Context, rawTx string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.panicOnSend {
		panic("fake chain: broadcast panic")
	}
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}

	// A signed transaction always hashes the same.
	txHash := hashOf("raw:" + rawTx)
	c.broadcasts = append(c.broadcasts, rawTx)
	c.mineLocked(txHash, "")
	return txHash, nil
}

func (c *Client) WaitForConfirmations(ctx context.Context, txHash string, confirmations uint64) (*facilitator.ChainReceipt, error) {
	c.mu.Lock()
	c.waits++
	hold := c.hold
	c.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.confirmErr != nil {
		return nil, c.confirmErr
	}
	receipt, ok := c.receipts[strings.ToLower(txHash)]
	if !ok {
		// Unknown hashes are treated as mined so recovered records can resume.
		c.mineLocked(txHash, "")
		receipt = c.receipts[strings.ToLower(txHash)]
	}
	if receipt.Confirmations < confirmations {
		receipt.Confirmations = confirmations
	}
	out := *receipt
	return &out, nil
}

func (c *Client) TransferReceipt(ctx context.Context, txHash string) (*facilitator.ChainReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	receipt, ok := c.receipts[strings.ToLower(txHash)]
	if !ok {
		return nil, facilitator.ErrTxNotFound
	}
	out := *receipt
	return &out, nil
}

// ============================================================================
// facilitator.BalanceReader
// ============================================================================

func (c *Client) Balances(ctx context.Context, address string) (facilitator.WalletBalances, error) {
	return facilitator.WalletBalances{
		Address: address,
		Asset:   "1000",
		Native:  "0.5",
	}, nil
}

func (c *Client) mineLocked(txHash string, to string) {
	c.block++
	c.receipts[strings.ToLower(txHash)] = &facilitator.ChainReceipt{
		TxHash:        txHash,
		From:          c.address,
		To:            to,
		BlockNumber:   c.block,
		Confirmations: 1,
		Success:       !c.reverted,
	}
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "0x" + hex.EncodeToString(sum[:])
}

var (
	_ facilitator.Chain           = (*Client)(nil)
	_ facilitator.CustodialSigner = (*Client)(nil)
	_ facilitator.BalanceReader   = (*Client)(nil)
)
