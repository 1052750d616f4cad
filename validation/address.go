package validation

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	facilitator "github.com/apitoll/facilitator"
)

// IsEVMAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsEVMAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// IsSolanaAddress reports whether s is a base58 ed25519 public key.
func IsSolanaAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

// IsAddress reports whether s is a valid address for family. An empty family
// accepts an address of any known family.
func IsAddress(family facilitator.AddressFamily, s string) bool {
	switch family {
	case facilitator.AddressFamilyEVM:
		return IsEVMAddress(s)
	case facilitator.AddressFamilySolana:
		return IsSolanaAddress(s)
	default:
		return IsEVMAddress(s) || IsSolanaAddress(s)
	}
}
