package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	facilitator "github.com/apitoll/facilitator"
)

// Signer is the facilitator's custodial wallet. It implements
// facilitator.CustodialSigner.
//
// Nonces are assigned under a mutex from a locally tracked counter seeded by
// the node's pending nonce, so concurrent transfers never reuse a nonce. A
// failed send discards the counter and the next transfer re-reads it.
type Signer struct {
	client     *Client
	privateKey *ecdsa.PrivateKey
	address    common.Address

	mu        sync.Mutex
	nextNonce *uint64
}

// NewSigner creates a custodial signer from a hex private key.
func NewSigner(privateKeyHex string, client *Client) (*Signer, error) {
	privateKey, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Signer{
		client:     client,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// ParsePrivateKey parses a secp256k1 key with or without the 0x prefix.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	// Remove 0x prefix if present
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}

func (s *Signer) Address() string {
	return s.address.Hex()
}

// Transfer sends amount base units of the settlement asset to recipient.
func (s *Signer) Transfer(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("invalid recipient address: %s", recipient)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount must be positive")
	}

	data, err := s.client.transferABI.Pack("transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	backend := s.client.backend
	to := s.client.asset

	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}
	gasLimit, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, Data: data})
	if err != nil {
		s.client.logger.Warn("gas estimation failed, using default limit", "error", err)
		gasLimit = DefaultTransferGasLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.nonceLocked(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.client.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := backend.SendTransaction(ctx, signedTx); err != nil {
		s.nextNonce = nil
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	next := nonce + 1
	s.nextNonce = &next

	s.client.logger.Info("custodial transfer sent",
		"tx_hash", signedTx.Hash().Hex(),
		"nonce", nonce,
		"recipient", recipient,
		"amount", amount.String(),
	)
	return signedTx.Hash().Hex(), nil
}

func (s *Signer) nonceLocked(ctx context.Context) (uint64, error) {
	if s.nextNonce != nil {
		return *s.nextNonce, nil
	}
	nonce, err := s.client.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

// SignMessage produces an EIP-191 personal-message signature with v in {27, 28}.
func (s *Signer) SignMessage(data []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(data), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverMessageSigner returns the address that produced an EIP-191 signature over data.
func RecoverMessageSigner(data []byte, signature []byte) (string, error) {
	if len(signature) != crypto.SignatureLength {
		return "", fmt.Errorf("invalid signature length: %d", len(signature))
	}

	// Adjust v value
	sigCopy := make([]byte, crypto.SignatureLength)
	copy(sigCopy, signature)
	if sigCopy[crypto.RecoveryIDOffset] >= 27 {
		sigCopy[crypto.RecoveryIDOffset] -= 27
	}

	pubKey, err := crypto.SigToPub(accounts.TextHash(data), sigCopy)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

var _ facilitator.CustodialSigner = (*Signer)(nil)
