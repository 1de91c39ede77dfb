package messaging

import (
	"bytes"
	"crypto/ed25519"

	"github.com/meow-io/go-omemo/crypto"
	"github.com/meow-io/go-omemo/wire"
)

const x3dhInfo = "OMEMO X3DH"

// handshake is the outcome of a key agreement: the ratchet root key and the associated data every
// ratchet message of the session is bound to.
type handshake struct {
	secret         []byte
	associatedData []byte
}

func agree(initiatorIdentity, responderIdentity []byte, dhs ...[]byte) (*handshake, error) {
	ikm := bytes.Repeat([]byte{0xff}, 32)
	for _, dh := range dhs {
		ikm = append(ikm, dh...)
	}
	secret, err := crypto.DeriveKey(ikm, make([]byte, 32), x3dhInfo, 32)
	if err != nil {
		return nil, err
	}
	ad := make([]byte, 0, len(initiatorIdentity)+len(responderIdentity))
	ad = append(ad, initiatorIdentity...)
	ad = append(ad, responderIdentity...)
	return &handshake{secret: secret, associatedData: ad}, nil
}

// initiate runs the initiator side of X3DH against a verified bundle and one of its one-time prekeys.
func initiate(local ed25519.PrivateKey, ephemeral *crypto.KeyPair, b *wire.Bundle, preKey *wire.PreKey) (*handshake, *wire.Preamble, error) {
	remoteIdentity, err := crypto.IdentityPublicToX25519(b.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	dh1, err := crypto.DH(crypto.IdentityPrivateToX25519(local), b.SignedPreKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := crypto.DH(ephemeral.Private[:], remoteIdentity)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := crypto.DH(ephemeral.Private[:], b.SignedPreKey)
	if err != nil {
		return nil, nil, err
	}
	dh4, err := crypto.DH(ephemeral.Private[:], preKey.Key)
	if err != nil {
		return nil, nil, err
	}

	preamble := &wire.Preamble{
		IdentityKey:    local.Public().(ed25519.PublicKey),
		EphemeralKey:   ephemeral.Public[:],
		SignedPreKeyID: b.SignedPreKeyID,
		PreKeyID:       preKey.ID,
	}

	h, err := agree(preamble.IdentityKey, b.IdentityKey, dh1, dh2, dh3, dh4)
	if err != nil {
		return nil, nil, err
	}
	return h, preamble, nil
}

// respond mirrors initiate from the keys the preamble references.
func respond(local ed25519.PrivateKey, signedPreKey, preKey *crypto.KeyPair, p *wire.Preamble) (*handshake, error) {
	remoteIdentity, err := crypto.IdentityPublicToX25519(p.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh1, err := crypto.DH(signedPreKey.Private[:], remoteIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(crypto.IdentityPrivateToX25519(local), p.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(signedPreKey.Private[:], p.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh4, err := crypto.DH(preKey.Private[:], p.EphemeralKey)
	if err != nil {
		return nil, err
	}
	return agree(p.IdentityKey, local.Public().(ed25519.PublicKey), dh1, dh2, dh3, dh4)
}
