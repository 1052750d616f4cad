package evm

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ERC20TransferABI for custodial transfers
	ERC20TransferABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// TransferEventTopic is topic0 of the ERC20 Transfer(address,address,uint256) event.
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

const (
	// NativeDecimals is the precision of the chain's gas token.
	NativeDecimals = 18

	// DefaultTransferGasLimit is used when gas estimation fails.
	DefaultTransferGasLimit = 100000
)

var erc20TransferABI = mustParseABI(ERC20TransferABI)

func mustParseABI(data []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		panic(err)
	}
	return parsed
}

// DecodeTransferCall unpacks the recipient and value of ERC20 transfer call data.
func DecodeTransferCall(data []byte) (common.Address, *big.Int, error) {
	if len(data) < 4 {
		return common.Address{}, nil, errors.New("call data is not an ERC20 transfer")
	}
	method, err := erc20TransferABI.MethodById(data[:4])
	if err != nil || method.Name != "transfer" {
		return common.Address{}, nil, errors.New("call data is not an ERC20 transfer")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to unpack transfer arguments: %w", err)
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, nil, errors.New("transfer recipient has unexpected type")
	}
	value, ok := args[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, errors.New("transfer value has unexpected type")
	}
	return to, value, nil
}

// TransactionSender recovers the address that signed tx.
func TransactionSender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
}
