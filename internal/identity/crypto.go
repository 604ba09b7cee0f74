package identity

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// HashNonce creates an Ethereum signed message hash for a challenge nonce.
// This prefixes the nonce with "\x19Ethereum Signed Message:\n{len}" as per EIP-191,
// matching what wallet personal_sign implementations produce.
func HashNonce(nonce string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(nonce))
	return crypto.Keccak256([]byte(prefix + nonce))
}

// RecoverSigner recovers the signer's address from a nonce and signature.
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1]).
func RecoverSigner(nonce string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Wallets emit v = 27 or 28, but Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashNonce(nonce), signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	address := crypto.PubkeyToAddress(*pubKey)
	return strings.ToLower(address.Hex()), nil
}
