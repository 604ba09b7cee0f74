package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return key, addr
}

func signNonce(t *testing.T, key *ecdsa.PrivateKey, nonce string) string {
	t.Helper()
	sig, err := crypto.Sign(HashNonce(nonce), key)
	if err != nil {
		t.Fatalf("sign nonce: %v", err)
	}
	return hex.EncodeToString(sig)
}

func testSubject(t *testing.T, quorum int, n int) (*Subject, []*ecdsa.PrivateKey) {
	t.Helper()
	subject := &Subject{DID: "did:test:1", Quorum: quorum}
	keys := make([]*ecdsa.PrivateKey, 0, n)
	for i := 0; i < n; i++ {
		key, addr := newTestKey(t)
		keys = append(keys, key)
		subject.Keys = append(subject.Keys, PublicKey{
			ID:  "key" + string(rune('1'+i)),
			Key: addr,
		})
	}
	return subject, keys
}

func TestVerify_QuorumMet(t *testing.T) {
	subject, keys := testSubject(t, 2, 3)
	nonce := "test-nonce-value"

	proofs := []SignatureProof{
		{KeyID: "key1", Signature: signNonce(t, keys[0], nonce)},
		{KeyID: "key2", Signature: signNonce(t, keys[1], nonce)},
	}

	result := NewVerifier().Verify(context.Background(), subject, nonce, proofs)
	if !result.Authenticated {
		t.Fatal("expected authenticated with 2/2 valid signatures")
	}
	if result.ValidCount != 2 {
		t.Errorf("expected 2 valid signatures, got %d", result.ValidCount)
	}
	if len(result.ValidKeyIDs) != 2 {
		t.Errorf("expected 2 valid key IDs, got %v", result.ValidKeyIDs)
	}
}

func TestVerify_QuorumNotMet(t *testing.T) {
	subject, keys := testSubject(t, 2, 3)
	nonce := "test-nonce-value"

	proofs := []SignatureProof{
		{KeyID: "key1", Signature: signNonce(t, keys[0], nonce)},
	}

	result := NewVerifier().Verify(context.Background(), subject, nonce, proofs)
	if result.Authenticated {
		t.Fatal("expected not authenticated with 1/2 valid signatures")
	}
	if result.ValidCount != 1 {
		t.Errorf("expected 1 valid signature, got %d", result.ValidCount)
	}
}

func TestVerify_DuplicateKeyCountsOnce(t *testing.T) {
	subject, keys := testSubject(t, 2, 2)
	nonce := "test-nonce-value"

	sig := signNonce(t, keys[0], nonce)
	proofs := []SignatureProof{
		{KeyID: "key1", Signature: sig},
		{KeyID: "key1", Signature: sig},
	}

	result := NewVerifier().Verify(context.Background(), subject, nonce, proofs)
	if result.Authenticated {
		t.Fatal("duplicate signatures for one key must not satisfy the quorum")
	}
	if result.ValidCount != 1 {
		t.Errorf("expected duplicate key to count once, got %d", result.ValidCount)
	}
}

func TestVerify_MalformedSignatureSkipped(t *testing.T) {
	subject, keys := testSubject(t, 2, 2)
	nonce := "test-nonce-value"

	proofs := []SignatureProof{
		{KeyID: "key1", Signature: "not-hex"},
		{KeyID: "key2", Signature: signNonce(t, keys[1], nonce)},
	}

	result := NewVerifier().Verify(context.Background(), subject, nonce, proofs)
	if result.Authenticated {
		t.Fatal("expected not authenticated")
	}
	if result.ValidCount != 1 {
		t.Errorf("malformed signature should be skipped, not counted: got %d", result.ValidCount)
	}
}

func TestVerify_WrongSignerSkipped(t *testing.T) {
	subject, _ := testSubject(t, 1, 1)
	nonce := "test-nonce-value"

	intruder, _ := newTestKey(t)
	proofs := []SignatureProof{
		{KeyID: "key1", Signature: signNonce(t, intruder, nonce)},
	}

	result := NewVerifier().Verify(context.Background(), subject, nonce, proofs)
	if result.Authenticated || result.ValidCount != 0 {
		t.Errorf("signature from unregistered signer must not count: %+v", result)
	}
}

func TestVerify_UnknownKeyIDSkipped(t *testing.T) {
	subject, keys := testSubject(t, 1, 1)
	nonce := "test-nonce-value"

	proofs := []SignatureProof{
		{KeyID: "key9", Signature: signNonce(t, keys[0], nonce)},
	}

	result := NewVerifier().Verify(context.Background(), subject, nonce, proofs)
	if result.Authenticated || result.ValidCount != 0 {
		t.Errorf("signature with unknown keyId must not count: %+v", result)
	}
}

func TestVerify_CaseInsensitiveKeyMatch(t *testing.T) {
	key, _ := newTestKey(t)
	// Store the mixed-case checksummed form; recovery returns lowercase.
	subject := &Subject{
		DID:    "did:test:case",
		Quorum: 1,
		Keys:   []PublicKey{{ID: "Key1", Key: crypto.PubkeyToAddress(key.PublicKey).Hex()}},
	}

	nonce := "test-nonce-value"
	proofs := []SignatureProof{
		{KeyID: "KEY1", Signature: signNonce(t, key, nonce)},
	}

	result := NewVerifier().Verify(context.Background(), subject, nonce, proofs)
	if !result.Authenticated {
		t.Fatal("expected case-insensitive key ID and address matching")
	}
}

func TestVerify_V27SignatureAccepted(t *testing.T) {
	key, addr := newTestKey(t)
	subject := &Subject{
		DID:    "did:test:v27",
		Quorum: 1,
		Keys:   []PublicKey{{ID: "key1", Key: addr}},
	}

	nonce := "test-nonce-value"
	sig, err := crypto.Sign(HashNonce(nonce), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27 // wallet-style recovery id

	proofs := []SignatureProof{
		{KeyID: "key1", Signature: "0x" + hex.EncodeToString(sig)},
	}

	result := NewVerifier().Verify(context.Background(), subject, nonce, proofs)
	if !result.Authenticated {
		t.Fatal("expected v=27 signature with 0x prefix to verify")
	}
}
