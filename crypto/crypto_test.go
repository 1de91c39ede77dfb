package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	key, nonce, err := NewContentKey()
	require.Nil(err)
	require.Len(key, KeySize)
	require.Len(nonce, NonceSize)

	enc, err := Seal(key, nonce, []byte("hello"), []byte("ad"))
	require.Nil(err)
	dec, err := Open(key, nonce, enc, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), dec)

	_, err = Open(key, nonce, enc, []byte("other"))
	require.Error(err)
	enc[0] ^= 1
	_, err = Open(key, nonce, enc, []byte("ad"))
	require.Error(err)
}

func TestSealRejectsBadLengths(t *testing.T) {
	require := require.New(t)
	_, err := Seal(make([]byte, 16), make([]byte, NonceSize), nil, nil)
	require.Error(err)
	_, err = Seal(make([]byte, KeySize), make([]byte, 8), nil, nil)
	require.Error(err)
}

func TestIdentityAgreement(t *testing.T) {
	require := require.New(t)
	a, err := GenerateIdentity()
	require.Nil(err)
	b, err := GenerateKeyPair()
	require.Nil(err)

	aPub, err := IdentityPublicToX25519(a.Public().(ed25519.PublicKey))
	require.Nil(err)
	aPriv := IdentityPrivateToX25519(a)

	derived, err := KeyPairFromPrivate(aPriv)
	require.Nil(err)
	require.Equal(aPub, derived.Public[:])

	s1, err := DH(aPriv, b.Public[:])
	require.Nil(err)
	s2, err := DH(b.Private[:], aPub)
	require.Nil(err)
	require.Equal(s1, s2)
}

func TestDeriveKey(t *testing.T) {
	require := require.New(t)
	k1, err := DeriveKey([]byte("ikm"), nil, "one", 32)
	require.Nil(err)
	k2, err := DeriveKey([]byte("ikm"), nil, "two", 32)
	require.Nil(err)
	require.Len(k1, 32)
	require.NotEqual(k1, k2)
}

func TestFingerprint(t *testing.T) {
	require := require.New(t)
	require.Equal("00010203 04050607 08", Fingerprint([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8}))
}

func TestConcat(t *testing.T) {
	require := require.New(t)
	require.NotEqual(Concat([]byte("ab"), []byte("c")), Concat([]byte("a"), []byte("bc")))
}
