package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := NewHMACSigner([]byte("a-shared-store-key"), "term-1")
	require.NoError(t, err)

	payload := []byte(`{"id":"cs-1","ops":[]}`)
	sig, err := s.Sign(payload)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	assert.True(t, s.Verify(payload, sig))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s, err := NewHMACSigner([]byte("a-shared-store-key"), "term-1")
	require.NoError(t, err)

	sig, err := s.Sign([]byte("original"))
	require.NoError(t, err)

	assert.False(t, s.Verify([]byte("modified"), sig))
	assert.False(t, s.Verify([]byte("original"), "garbage-token"))
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a, err := NewHMACSigner([]byte("store-key-one"), "term-1")
	require.NoError(t, err)
	b, err := NewHMACSigner([]byte("store-key-two"), "term-2")
	require.NoError(t, err)

	sig, err := a.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.False(t, b.Verify([]byte("payload"), sig))
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := NewHMACSigner(nil, "term-1")
	require.Error(t, err)
}
