package crypto

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
)

var zeroNonce12 = make([]byte, NonceSize)

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

// EncryptWithKey seals msg under a key which must never be used twice, as the nonce is fixed.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	return Seal(key, zeroNonce12, msg, ad)
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	return Open(key, zeroNonce12, enc, ad)
}

func Seal(key, nonce, msg, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", KeySize, len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("crypto: expected nonce of length %d, got %d", NonceSize, len(nonce))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, nonce, msg, ad), nil
}

func Open(key, nonce, enc, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", KeySize, len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("crypto: expected nonce of length %d, got %d", NonceSize, len(nonce))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, nonce, enc, ad)
}

// NewContentKey returns a fresh key and nonce for a single payload.
func NewContentKey() ([]byte, []byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		return nil, nil, fmt.Errorf("crypto: short read from random source: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: short read from random source: %w", err)
	}
	return key, nonce, nil
}
