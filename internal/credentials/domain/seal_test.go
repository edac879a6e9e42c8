package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	s := NewSealer("unit-test-seal-key")

	box, nonce, err := s.Seal("hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, box)
	require.Len(t, nonce, 24)

	plain, err := s.Open(box, nonce)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plain)
}

func TestSealerRejectsTamperedBox(t *testing.T) {
	s := NewSealer("unit-test-seal-key")

	box, nonce, err := s.Seal("hunter2")
	require.NoError(t, err)

	box[0] ^= 0xFF

	_, err = s.Open(box, nonce)
	require.ErrorIs(t, err, ErrSealOpenFailed)
}

func TestSealerWrongKeyFailsOpen(t *testing.T) {
	a := NewSealer("key-a")
	b := NewSealer("key-b")

	box, nonce, err := a.Seal("hunter2")
	require.NoError(t, err)

	_, err = b.Open(box, nonce)
	require.ErrorIs(t, err, ErrSealOpenFailed)
}

func TestSealerMissingKey(t *testing.T) {
	s := NewSealer("")

	_, _, err := s.Seal("hunter2")
	require.ErrorIs(t, err, ErrSealKeyMissing)

	_, err = s.Open([]byte("x"), make([]byte, 24))
	require.ErrorIs(t, err, ErrSealKeyMissing)
}
