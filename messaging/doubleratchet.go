package messaging

import (
	"bytes"
	crypto_rand "crypto/rand"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-omemo/crypto"
	"github.com/status-im/doubleratchet"
)

// dhPair is an X25519 key pair as the ratchet sees it.
type dhPair struct {
	crypto.KeyPair
}

func newDHPair(kp *crypto.KeyPair) dhPair {
	return dhPair{*kp}
}

func (p dhPair) PrivateKey() doubleratchet.Key {
	return p.Private[:]
}

func (p dhPair) PublicKey() doubleratchet.Key {
	return p.Public[:]
}

// ratchetCrypto keeps the library's key derivation and swaps in our X25519 and AEAD.
type ratchetCrypto struct {
	doubleratchet.DefaultCrypto
}

func (ratchetCrypto) GenerateDH() (doubleratchet.DHPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return dhPair{crypto.KeyPair{Private: *priv, Public: *pub}}, nil
}

func (ratchetCrypto) DH(pair doubleratchet.DHPair, pub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.DH(pair.PrivateKey(), pub)
}

func (ratchetCrypto) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (ratchetCrypto) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

// stateStore persists ratchet state rows in _doubleratchet_states.
type stateStore struct {
	db *database
}

func (ss *stateStore) Load(id []byte) (*doubleratchet.State, error) {
	row, err := ss.db.doubleratchetState(id)
	if err != nil {
		return nil, err
	}
	return row.state(ss.db.doubleratchetCrypto(), ss.db.doubleratchetKeysStorage(id)), nil
}

func (ss *stateStore) Save(id []byte, state *doubleratchet.State) error {
	return ss.db.upsertDoubleratchetState(stateRow(id, state))
}

func (row *doubleratchetState) state(c doubleratchet.Crypto, skipped doubleratchet.KeysStorage) *doubleratchet.State {
	s := &doubleratchet.State{
		Crypto:                   c,
		DHr:                      row.Dhr,
		DHs:                      dhPair{crypto.KeyPair{Private: *crypto.SliceToKey(row.DhsPriv), Public: *crypto.SliceToKey(row.DhsPub)}},
		PN:                       row.PN,
		MkSkipped:                skipped,
		MaxSkip:                  row.MaxSkip,
		HKr:                      row.HKr,
		NHKr:                     row.NHKr,
		HKs:                      row.HKs,
		NHKs:                     row.NHKs,
		MaxKeep:                  row.MaxKeep,
		MaxMessageKeysPerSession: row.MaxMessageKeysPerSession,
		Step:                     row.Step,
		KeysCount:                row.KeysCount,
	}
	s.RootCh.Crypto, s.RootCh.CK = c, row.RootChKey
	s.SendCh.Crypto, s.SendCh.CK, s.SendCh.N = c, row.SendChKey, row.SendChCount
	s.RecvCh.Crypto, s.RecvCh.CK, s.RecvCh.N = c, row.RecvChKey, row.RecvChCount
	return s
}

func stateRow(id []byte, s *doubleratchet.State) *doubleratchetState {
	return &doubleratchetState{
		ID:                       id,
		Dhr:                      s.DHr,
		DhsPub:                   s.DHs.PublicKey(),
		DhsPriv:                  s.DHs.PrivateKey(),
		RootChKey:                s.RootCh.CK,
		SendChKey:                s.SendCh.CK,
		SendChCount:              s.SendCh.N,
		RecvChKey:                s.RecvCh.CK,
		RecvChCount:              s.RecvCh.N,
		PN:                       s.PN,
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}
}

// skippedKeys holds the message keys skipped within a single session, so they can be used by late
// messages of that session and by nothing else.
type skippedKeys struct {
	sessionID []byte
	db        *database
}

func (sk *skippedKeys) owns(sessionID []byte) error {
	if !bytes.Equal(sessionID, sk.sessionID) {
		return fmt.Errorf("messaging: keys of session %x stored through session %x", sessionID, sk.sessionID)
	}
	return nil
}

func (sk *skippedKeys) Get(pub doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	row, ok, err := sk.db.keyByMsgNum(sk.sessionID, pub, msgNum)
	if !ok || err != nil {
		return nil, false, err
	}
	return row.MessageKey, true, nil
}

func (sk *skippedKeys) Put(sessionID []byte, pub doubleratchet.Key, msgNum uint, mk doubleratchet.Key, seqNum uint) error {
	if err := sk.owns(sessionID); err != nil {
		return err
	}
	return sk.db.upsertKeyByMsgNum(sessionID, pub, msgNum, mk, seqNum)
}

func (sk *skippedKeys) DeleteMk(pub doubleratchet.Key, msgNum uint) error {
	return sk.db.deleteKeyByMsgNum(sk.sessionID, pub, msgNum)
}

func (sk *skippedKeys) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if err := sk.owns(sessionID); err != nil {
		return err
	}
	return sk.db.deleteOldMks(sessionID, deleteUntilSeqKey)
}

func (sk *skippedKeys) TruncateMks(sessionID []byte, maxKeys int) error {
	if err := sk.owns(sessionID); err != nil {
		return err
	}
	return sk.db.truncateMks(sessionID, maxKeys)
}

func (sk *skippedKeys) Count(pub doubleratchet.Key) (uint, error) {
	return sk.db.countKeys(sk.sessionID, pub)
}

func (sk *skippedKeys) All() (map[string]map[uint]doubleratchet.Key, error) {
	return sk.db.allKeys(sk.sessionID)
}
