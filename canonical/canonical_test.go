package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeOrdersKeys(t *testing.T) {
	out, err := Canonicalize([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestDigestStableAcrossKeyOrder(t *testing.T) {
	a, err := Digest([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := Digest([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestDigestValueDistinguishesContent(t *testing.T) {
	a, err := DigestValue(map[string]any{"price": 100})
	require.NoError(t, err)
	b, err := DigestValue(map[string]any{"price": 101})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDigestValueMatchesDigestOfMarshalledForm(t *testing.T) {
	fromValue, err := DigestValue(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	fromBytes, err := Digest([]byte(`{"b":"x","a":1}`))
	require.NoError(t, err)
	require.Equal(t, fromBytes, fromValue)
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	require.Error(t, err)
}
