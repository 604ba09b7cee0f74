package identity

import (
	"context"

	"github.com/vmoreau/didgate/internal/logging"
	"github.com/vmoreau/didgate/internal/metrics"
)

// SignatureProof is one presented signature over the challenge nonce.
type SignatureProof struct {
	KeyID     string `json:"keyId"`
	Signature string `json:"signature"`
}

// VerifyResult is the outcome of a quorum verification.
// Quorum-not-met is a normal outcome, not an error.
type VerifyResult struct {
	Authenticated bool     `json:"authenticated"`
	ValidCount    int      `json:"validCount"`
	ValidKeyIDs   []string `json:"validKeys"`
	Required      int      `json:"required"`
}

// Verifier checks presented signatures against a subject's registered
// keys and quorum threshold.
type Verifier struct{}

// NewVerifier creates a quorum verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify recovers the signer of each proof from the EIP-191 hash of the
// nonce and matches it against the subject's registered key for that
// keyId. A keyId counts at most once even if presented twice. Malformed
// or non-matching signatures are skipped and logged; they never abort
// the verification.
func (v *Verifier) Verify(ctx context.Context, subject *Subject, nonce string, proofs []SignatureProof) *VerifyResult {
	logger := logging.L(ctx)

	seen := make(map[string]bool, len(proofs))
	result := &VerifyResult{Required: subject.Quorum}

	for _, proof := range proofs {
		entry := subject.KeyByID(proof.KeyID)
		if entry == nil {
			metrics.SignaturesSkippedTotal.WithLabelValues("unknown_key").Inc()
			logger.Warn("signature for unregistered key skipped",
				"did", subject.DID, "key_id", proof.KeyID)
			continue
		}

		if seen[entry.ID] {
			metrics.SignaturesSkippedTotal.WithLabelValues("duplicate_key").Inc()
			continue
		}

		recovered, err := RecoverSigner(nonce, proof.Signature)
		if err != nil {
			metrics.SignaturesSkippedTotal.WithLabelValues("malformed").Inc()
			logger.Warn("signature recovery failed",
				"did", subject.DID, "key_id", proof.KeyID, "error", err)
			continue
		}

		if !equalFold(recovered, entry.Key) {
			metrics.SignaturesSkippedTotal.WithLabelValues("mismatch").Inc()
			logger.Warn("recovered signer does not match registered key",
				"did", subject.DID, "key_id", proof.KeyID)
			continue
		}

		seen[entry.ID] = true
		result.ValidCount++
		result.ValidKeyIDs = append(result.ValidKeyIDs, entry.ID)
	}

	result.Authenticated = result.ValidCount >= subject.Quorum

	outcome := "rejected"
	if result.Authenticated {
		outcome = "authenticated"
	}
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()

	return result
}
