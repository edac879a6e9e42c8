package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrSealKeyMissing = errors.New("credential_seal_key_missing")
	ErrSealOpenFailed = errors.New("credential_seal_open_failed")
)

// Sealer encrypts and decrypts portal secrets with a key derived from
// CREDENTIAL_SEAL_KEY. The same key must be configured on every replica.
type Sealer struct {
	key [32]byte
	set bool
}

func NewSealer(passphrase string) *Sealer {
	s := &Sealer{}
	if passphrase == "" {
		return s
	}
	s.key = sha256.Sum256([]byte(passphrase))
	s.set = true
	return s
}

func (s *Sealer) Seal(plaintext string) (box, nonce []byte, err error) {
	if !s.set {
		return nil, nil, ErrSealKeyMissing
	}

	var n [24]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, nil, err
	}

	sealed := secretbox.Seal(nil, []byte(plaintext), &n, &s.key)
	return sealed, n[:], nil
}

func (s *Sealer) Open(box, nonce []byte) (string, error) {
	if !s.set {
		return "", ErrSealKeyMissing
	}
	if len(nonce) != 24 {
		return "", ErrSealOpenFailed
	}

	var n [24]byte
	copy(n[:], nonce)

	plaintext, ok := secretbox.Open(nil, box, &n, &s.key)
	if !ok {
		return "", ErrSealOpenFailed
	}
	return string(plaintext), nil
}
