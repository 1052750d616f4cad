package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	facilitator "github.com/apitoll/facilitator"
)

// DefaultPollInterval is how often receipts and block height are polled.
const DefaultPollInterval = 2 * time.Second

// Backend is the subset of ethclient.Client the facilitator uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
}

// Client implements facilitator.Chain and facilitator.BalanceReader over an
// EVM JSON-RPC endpoint.
type Client struct {
	backend      Backend
	chainID      *big.Int
	asset        common.Address
	decimals     int32
	pollInterval time.Duration
	logger       *slog.Logger

	transferABI abi.ABI
	balanceABI  abi.ABI
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial connects to rpcURL and checks that it serves the configured chain.
func Dial(ctx context.Context, rpcURL string, chain facilitator.ChainConfig, opts ...Option) (*Client, error) {
	if chain.Family != facilitator.AddressFamilyEVM {
		return nil, fmt.Errorf("chain %s is not an EVM chain", chain.Name)
	}

	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chain.ChainID != nil && chainID.Cmp(chain.ChainID) != 0 {
		rpc.Close()
		return nil, fmt.Errorf("rpc serves chain id %s, expected %s for %s", chainID, chain.ChainID, chain.Name)
	}

	return NewClient(rpc, chainID, chain, opts...)
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, chainID *big.Int, chain facilitator.ChainConfig, opts ...Option) (*Client, error) {
	if !common.IsHexAddress(chain.AssetAddress) {
		return nil, fmt.Errorf("invalid asset address for %s: %q", chain.Name, chain.AssetAddress)
	}

	transferABI, err := abi.JSON(strings.NewReader(string(ERC20TransferABI)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transfer ABI: %w", err)
	}
	balanceABI, err := abi.JSON(strings.NewReader(string(ERC20BalanceOfABI)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse balanceOf ABI: %w", err)
	}

	c := &Client{
		backend:      backend,
		chainID:      chainID,
		asset:        common.HexToAddress(chain.AssetAddress),
		decimals:     chain.AssetDecimals,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		transferABI:  transferABI,
		balanceABI:   balanceABI,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ChainID returns the id of the connected chain.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// ============================================================================
// facilitator.Chain
// ============================================================================

// BroadcastRawTransaction submits a caller-signed transaction. A transaction
// the node already knows is treated as broadcast.
func (c *Client) BroadcastRawTransaction(ctx context.Context, rawTx string) (string, error) {
	tx, err := DecodeRawTransaction(rawTx)
	if err != nil {
		return "", err
	}
	if tx.ChainId() != nil && tx.ChainId().Sign() != 0 && tx.ChainId().Cmp(c.chainID) != 0 {
		return "", fmt.Errorf("signed transaction is for chain %s, expected %s", tx.ChainId(), c.chainID)
	}

	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		if isAlreadyKnown(err) {
			c.logger.Info("transaction already known to node", "tx_hash", tx.Hash().Hex())
			return tx.Hash().Hex(), nil
		}
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitForConfirmations polls until the transaction is mined at the requested
// depth. A reverted transaction returns immediately with Success false.
func (c *Client) WaitForConfirmations(ctx context.Context, txHash string, confirmations uint64) (*facilitator.ChainReceipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return c.chainReceipt(ctx, hash, receipt, 0), nil
			}
			head, err := c.backend.BlockNumber(ctx)
			if err != nil {
				c.logger.Warn("failed to read block number", "error", err)
				break
			}
			depth := confirmationsAt(head, receipt.BlockNumber.Uint64())
			if depth >= confirmations {
				return c.chainReceipt(ctx, hash, receipt, depth), nil
			}
		case errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil):
		default:
			c.logger.Warn("receipt lookup failed", "tx_hash", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TransferReceipt looks up a mined transaction. For a transfer of the
// settlement asset, From and To are the token sender and recipient.
func (c *Client) TransferReceipt(ctx context.Context, txHash string) (*facilitator.ChainReceipt, error) {
	hash := common.HexToHash(txHash)

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, facilitator.ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	return c.chainReceipt(ctx, hash, receipt, confirmationsAt(head, receipt.BlockNumber.Uint64())), nil
}

func (c *Client) chainReceipt(ctx context.Context, hash common.Hash, receipt *types.Receipt, depth uint64) *facilitator.ChainReceipt {
	out := &facilitator.ChainReceipt{
		TxHash:        hash.Hex(),
		BlockNumber:   receipt.BlockNumber.Uint64(),
		Confirmations: depth,
		Success:       receipt.Status == types.ReceiptStatusSuccessful,
	}

	if from, to, ok := c.assetTransfer(receipt); ok {
		out.From = from.Hex()
		out.To = to.Hex()
		return out
	}

	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		c.logger.Warn("failed to load transaction", "tx_hash", hash.Hex(), "error", err)
		return out
	}
	if sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx); err == nil {
		out.From = sender.Hex()
	}
	if tx.To() != nil {
		out.To = tx.To().Hex()
	}
	return out
}

// assetTransfer finds the first Transfer event emitted by the settlement asset.
func (c *Client) assetTransfer(receipt *types.Receipt) (common.Address, common.Address, bool) {
	for _, log := range receipt.Logs {
		if log.Address != c.asset || len(log.Topics) != 3 || log.Topics[0] != TransferEventTopic {
			continue
		}
		return common.BytesToAddress(log.Topics[1].Bytes()), common.BytesToAddress(log.Topics[2].Bytes()), true
	}
	return common.Address{}, common.Address{}, false
}

// ============================================================================
// facilitator.BalanceReader
// ============================================================================

// Balances reports the asset and native balances of address.
func (c *Client) Balances(ctx context.Context, address string) (facilitator.WalletBalances, error) {
	account := common.HexToAddress(address)

	native, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return facilitator.WalletBalances{}, fmt.Errorf("failed to get balance: %w", err)
	}

	data, err := c.balanceABI.Pack("balanceOf", account)
	if err != nil {
		return facilitator.WalletBalances{}, fmt.Errorf("failed to pack method call: %w", err)
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.asset, Data: data}, nil)
	if err != nil {
		return facilitator.WalletBalances{}, fmt.Errorf("failed to call contract: %w", err)
	}

	asset := big.NewInt(0)
	if len(result) > 0 {
		output, err := c.balanceABI.Methods["balanceOf"].Outputs.Unpack(result)
		if err != nil {
			return facilitator.WalletBalances{}, fmt.Errorf("failed to unpack result: %w", err)
		}
		if len(output) > 0 {
			if v, ok := output[0].(*big.Int); ok {
				asset = v
			}
		}
	}

	return facilitator.WalletBalances{
		Address: account.Hex(),
		Asset:   facilitator.FromBaseUnits(asset, c.decimals),
		Native:  facilitator.FromBaseUnits(native, NativeDecimals),
	}, nil
}

// DecodeRawTransaction parses a 0x-prefixed, binary-encoded signed transaction.
func DecodeRawTransaction(rawTx string) (*types.Transaction, error) {
	data, err := hexutil.Decode(strings.TrimSpace(rawTx))
	if err != nil {
		return nil, fmt.Errorf("signed transaction is not valid hex: %w", err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	return tx, nil
}

func confirmationsAt(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block + 1
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

var (
	_ facilitator.Chain         = (*Client)(nil)
	_ facilitator.BalanceReader = (*Client)(nil)
	_ Backend                   = (*ethclient.Client)(nil)
)
