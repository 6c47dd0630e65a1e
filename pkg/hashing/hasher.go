// Package hashing fingerprints evidence by digesting its canonical form.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/Mindburn-Labs/promoverify/pkg/canonicalize"
)

// Algorithm names a supported digest function. Every algorithm yields 32
// bytes, rendered as 64 lowercase hex characters.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

var (
	// ErrHashMismatch reports that recomputed content does not match the
	// digest it was stored or transmitted with.
	ErrHashMismatch         = errors.New("hashing: digest mismatch")
	ErrUnsupportedAlgorithm = errors.New("hashing: unsupported algorithm")
)

// ParseAlgorithm resolves a configured algorithm name. Empty means SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", SHA256:
		return SHA256, nil
	case SHA3_256:
		return SHA3_256, nil
	case BLAKE2b256:
		return BLAKE2b256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// Result is the fingerprint of one value.
type Result struct {
	Digest        string    `json:"digest"`
	Algorithm     Algorithm `json:"algorithm"`
	CanonicalForm string    `json:"canonical_form"`
}

// Verification is the outcome of comparing content against an expected
// digest. Err is set when IsValid is false.
type Verification struct {
	IsValid      bool   `json:"is_valid"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash,omitempty"`
	Err          error  `json:"-"`
}

// Hasher computes digests with a fixed algorithm. The zero value uses SHA256.
type Hasher struct {
	alg Algorithm
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithAlgorithm selects the digest function.
func WithAlgorithm(alg Algorithm) Option {
	return func(h *Hasher) { h.alg = alg }
}

// New returns a Hasher. An unknown algorithm is rejected here rather than at
// first use.
func New(opts ...Option) (*Hasher, error) {
	h := &Hasher{alg: SHA256}
	for _, opt := range opts {
		opt(h)
	}
	alg, err := ParseAlgorithm(string(h.alg))
	if err != nil {
		return nil, err
	}
	h.alg = alg
	return h, nil
}

// Algorithm returns the configured digest function.
func (h *Hasher) Algorithm() Algorithm {
	if h == nil || h.alg == "" {
		return SHA256
	}
	return h.alg
}

func (h *Hasher) newHash() hash.Hash {
	switch h.Algorithm() {
	case SHA3_256:
		return sha3.New256()
	case BLAKE2b256:
		// New256 only fails for keys longer than 64 bytes.
		d, _ := blake2b.New256(nil)
		return d
	default:
		return sha256.New()
	}
}

// HashBytes returns the hex digest of raw bytes.
func (h *Hasher) HashBytes(data []byte) string {
	d := h.newHash()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

// HashString returns the hex digest of s.
func (h *Hasher) HashString(s string) string {
	return h.HashBytes([]byte(s))
}

// Hash canonicalizes v with evidence normalisation and digests the result.
func (h *Hasher) Hash(v any) (Result, error) {
	canonical, err := canonicalize.CanonicalizeEvidence(v)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Digest:        h.HashString(canonical),
		Algorithm:     h.Algorithm(),
		CanonicalForm: canonical,
	}, nil
}

// Verify recomputes the digest of v and compares it with expected.
// Comparison is case-insensitive on the hex text.
func (h *Hasher) Verify(v any, expected string) Verification {
	res, err := h.Hash(v)
	if err != nil {
		return Verification{ExpectedHash: expected, Err: err}
	}
	return compare(expected, res.Digest)
}

// VerifyCanonical compares the digest of an already canonical string.
func (h *Hasher) VerifyCanonical(canonical, expected string) Verification {
	return compare(expected, h.HashString(canonical))
}

func compare(expected, actual string) Verification {
	v := Verification{ExpectedHash: expected, ActualHash: actual}
	if strings.EqualFold(expected, actual) {
		v.IsValid = true
		return v
	}
	v.Err = fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, actual)
	return v
}

var defaultHasher = &Hasher{alg: SHA256}

// Default returns the shared SHA256 hasher.
func Default() *Hasher { return defaultHasher }

// HashBytes returns the SHA256 hex digest of data.
func HashBytes(data []byte) string { return defaultHasher.HashBytes(data) }

// Hash fingerprints v with SHA256.
func Hash(v any) (Result, error) { return defaultHasher.Hash(v) }
