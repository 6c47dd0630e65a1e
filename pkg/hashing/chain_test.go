package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain_OrderAndContentSensitive(t *testing.T) {
	a := map[string]any{"source": "espn", "winner": "LAL"}
	b := map[string]any{"source": "nba", "winner": "LAL"}
	c := map[string]any{"source": "sportradar", "winner": "LAL"}
	cPrime := map[string]any{"source": "sportradar", "winner": "BOS"}

	abc, err := Chain([]any{a, b, c})
	require.NoError(t, err)
	acb, err := Chain([]any{a, c, b})
	require.NoError(t, err)
	abcPrime, err := Chain([]any{a, b, cPrime})
	require.NoError(t, err)

	assert.NotEqual(t, abc, acb)
	assert.NotEqual(t, abc, abcPrime)

	again, err := Chain([]any{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, abc, again)
}

func TestChain_Empty(t *testing.T) {
	got, err := Chain(nil)
	require.NoError(t, err)
	assert.Equal(t, Genesis, got)
}

func TestChain_NotConcatenationAmbiguous(t *testing.T) {
	one, err := Chain([]any{"ab"})
	require.NoError(t, err)
	two, err := Chain([]any{"a", "b"})
	require.NoError(t, err)
	assert.NotEqual(t, one, two)
}

func TestVerifyChain(t *testing.T) {
	values := []any{"x", 1, map[string]any{"k": true}}
	digest, err := Chain(values)
	require.NoError(t, err)

	assert.True(t, VerifyChain(values, digest).IsValid)

	got := VerifyChain([]any{"x", 2, map[string]any{"k": true}}, digest)
	assert.False(t, got.IsValid)
	assert.ErrorIs(t, got.Err, ErrHashMismatch)
}

func TestChainDigests(t *testing.T) {
	h := Default()
	d1 := HashBytes([]byte("one"))
	d2 := HashBytes([]byte("two"))

	assert.NotEqual(t, h.ChainDigests([]string{d1, d2}), h.ChainDigests([]string{d2, d1}))
	assert.Equal(t, h.ChainDigests([]string{d1, d2}), h.ChainDigests([]string{d1, d2}))
	assert.Equal(t, Genesis, h.ChainDigests(nil))
}
