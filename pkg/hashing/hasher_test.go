package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/promoverify/pkg/canonicalize"
)

func TestHash_KnownDigest(t *testing.T) {
	res, err := Hash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(`{"a":1,"b":2}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Digest)
	assert.Equal(t, `{"a":1,"b":2}`, res.CanonicalForm)
	assert.Equal(t, SHA256, res.Algorithm)
	assert.Len(t, res.Digest, 64)
}

func TestHash_EqualIffCanonicalEqual(t *testing.T) {
	a, err := Hash(map[string]any{"winner": "LAL", "occurredAt": "2024-05-01T12:00:00Z", "note": canonicalize.Undefined})
	require.NoError(t, err)
	b, err := Hash(map[string]any{"occurredAt": "2024-05-01T12:00:00.000+00:00", "winner": "LAL"})
	require.NoError(t, err)
	c, err := Hash(map[string]any{"occurredAt": "2024-05-01T12:00:00Z", "winner": "BOS"})
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.NotEqual(t, a.Digest, c.Digest)
}

func TestHasher_Algorithms(t *testing.T) {
	digests := map[string]bool{}
	for _, alg := range []Algorithm{SHA256, SHA3_256, BLAKE2b256} {
		h, err := New(WithAlgorithm(alg))
		require.NoError(t, err)
		res, err := h.Hash("payload")
		require.NoError(t, err)
		assert.Len(t, res.Digest, 64, alg)
		assert.Equal(t, alg, res.Algorithm)
		digests[res.Digest] = true
	}
	assert.Len(t, digests, 3)

	_, err := New(WithAlgorithm("md5"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, alg)

	alg, err = ParseAlgorithm(" SHA3-256 ")
	require.NoError(t, err)
	assert.Equal(t, SHA3_256, alg)
}

func TestVerify(t *testing.T) {
	v := map[string]any{"game": "401585", "home": 101}
	res, err := Hash(v)
	require.NoError(t, err)

	ok := Default().Verify(v, res.Digest)
	assert.True(t, ok.IsValid)
	assert.NoError(t, ok.Err)

	bad := Default().Verify(map[string]any{"game": "401585", "home": 102}, res.Digest)
	assert.False(t, bad.IsValid)
	assert.ErrorIs(t, bad.Err, ErrHashMismatch)
	assert.Equal(t, res.Digest, bad.ExpectedHash)
	assert.NotEqual(t, res.Digest, bad.ActualHash)
}

func TestVerify_MalformedInput(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	got := Default().Verify(m, Genesis)
	assert.False(t, got.IsValid)
	assert.ErrorIs(t, got.Err, canonicalize.ErrMalformedInput)
}

func TestHashBytes(t *testing.T) {
	sum := sha256.Sum256([]byte("abc"))
	assert.Equal(t, hex.EncodeToString(sum[:]), HashBytes([]byte("abc")))
}
