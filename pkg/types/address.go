package types

import (
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// nativeWrapPubkey asserts at init time that NativeWrapMint is a
// well-formed chain address — a malformed constant would silently break
// every classified trade's quoteMint.
var nativeWrapPubkey = solana.MustPublicKeyFromBase58(NativeWrapMint)

// IsValidAddress reports whether addr decodes as a 32-byte base58
// public key, the shape every chain address on this network takes
// (wallets, mints, and program ids alike).
func IsValidAddress(addr string) bool {
	decoded, err := base58.Decode(addr)
	if err != nil {
		return false
	}
	return len(decoded) == solana.PublicKeyLength
}

// NativeWrapPublicKey returns the parsed canonical native-wrap mint.
func NativeWrapPublicKey() solana.PublicKey {
	return nativeWrapPubkey
}
