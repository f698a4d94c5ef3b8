package keys

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	s, err := NewSealer("server secret")
	require.NoError(t, err)

	sealed, err := s.Seal("sk-test-1234567890")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-test")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-1234567890", opened)
}

func TestWireFormat(t *testing.T) {
	s, err := NewSealer("server secret")
	require.NoError(t, err)

	sealed, err := s.Seal("test")
	require.NoError(t, err)
	wire, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	// 24 (nonce) + 4 (plaintext) + 16 (tag)
	assert.Len(t, wire, 44)
}

func TestDifferentCiphertexts(t *testing.T) {
	s, err := NewSealer("server secret")
	require.NoError(t, err)

	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	assert.NotEqual(t, a, b)
}

func TestOpen_WrongSecret(t *testing.T) {
	s1, _ := NewSealer("one")
	s2, _ := NewSealer("two")

	sealed, err := s1.Seal("secret")
	require.NoError(t, err)

	_, err = s2.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpen_Malformed(t *testing.T) {
	s, _ := NewSealer("one")

	_, err := s.Open("not base64!")
	assert.ErrorIs(t, err, ErrOpen)
	_, err = s.Open(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrOpen)
}

func TestNewSealer_EmptySecret(t *testing.T) {
	_, err := NewSealer("")
	assert.Error(t, err)
}

func TestHint(t *testing.T) {
	assert.Equal(t, "...7890", Hint("sk-test-1234567890"))
	assert.Equal(t, "...", Hint("short"))
}
