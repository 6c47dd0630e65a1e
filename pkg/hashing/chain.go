package hashing

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/promoverify/pkg/canonicalize"
)

// Genesis is the chain digest of an empty sequence.
var Genesis = strings.Repeat("0", 64)

const chainDomain = "promoverify:chain:v1\x00"

// Chain folds an ordered sequence into one digest. Each step digests the
// domain tag, the previous digest, a separator and the canonical form of the
// next value, so reordering or altering any element changes the result.
func (h *Hasher) Chain(values []any) (string, error) {
	prev := Genesis
	for i, v := range values {
		canonical, err := canonicalize.CanonicalizeEvidence(v)
		if err != nil {
			return "", fmt.Errorf("chain element %d: %w", i, err)
		}
		prev = h.step(prev, canonical)
	}
	return prev, nil
}

// ChainDigests folds already computed digests, in order.
func (h *Hasher) ChainDigests(digests []string) string {
	prev := Genesis
	for _, d := range digests {
		prev = h.step(prev, `"`+strings.ToLower(d)+`"`)
	}
	return prev
}

func (h *Hasher) step(prev, canonical string) string {
	d := h.newHash()
	d.Write([]byte(chainDomain))
	d.Write([]byte(prev))
	d.Write([]byte{0})
	d.Write([]byte(canonical))
	return hex.EncodeToString(d.Sum(nil))
}

// VerifyChain recomputes the chain over values and compares it with expected.
func (h *Hasher) VerifyChain(values []any, expected string) Verification {
	actual, err := h.Chain(values)
	if err != nil {
		return Verification{ExpectedHash: expected, Err: err}
	}
	return compare(expected, actual)
}

// Chain folds values with SHA256.
func Chain(values []any) (string, error) { return defaultHasher.Chain(values) }

// VerifyChain verifies a SHA256 chain.
func VerifyChain(values []any, expected string) Verification {
	return defaultHasher.VerifyChain(values, expected)
}
