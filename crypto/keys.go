package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"filippo.io/edwards25519"
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/hkdf"
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: error generating key pair: %w", err)
	}
	return &KeyPair{Private: *priv, Public: *pub}, nil
}

func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("crypto: expected private key of length 32, got %d", len(priv))
	}
	kp := &KeyPair{Private: [32]byte(priv)}
	kp.Public = *scalarmult.Base(&kp.Private)
	return kp, nil
}

func GenerateIdentity() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: error generating identity: %w", err)
	}
	return priv, nil
}

// IdentityPublicToX25519 maps an Ed25519 identity key onto the Montgomery curve so the same
// key can both sign prekeys and take part in key agreement.
func IdentityPublicToX25519(pub []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: expected identity key of length %d, got %d", ed25519.PublicKeySize, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid identity key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

func IdentityPrivateToX25519(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	s := make([]byte, 32)
	copy(s, h[:32])
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s
}

// DH returns the shared secret between a private and a public X25519 key.
func DH(priv, pub []byte) ([]byte, error) {
	if len(priv) != 32 || len(pub) != 32 {
		return nil, fmt.Errorf("crypto: expected 32 byte keys, got %d and %d", len(priv), len(pub))
	}
	shared := box.Precompute(nacl.Key(pub), nacl.Key(priv))
	return shared[:], nil
}

// DeriveKey expands ikm into a key of length n using HKDF-SHA256.
func DeriveKey(ikm, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("crypto: error deriving key: %w", err)
	}
	return out, nil
}

// Fingerprint renders an identity key as lowercase hex in groups of eight.
func Fingerprint(pub []byte) string {
	h := hex.EncodeToString(pub)
	parts := make([]string, 0, len(h)/8+1)
	for len(h) > 8 {
		parts = append(parts, h[:8])
		h = h[8:]
	}
	parts = append(parts, h)
	return strings.Join(parts, " ")
}

// Concat length-prefixes each part so distinct inputs never produce the same message.
func Concat(parts ...[]byte) []byte {
	msg := []byte{}
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}
