// Package wire holds everything omemo puts on the network, encoded as CBOR.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var ErrMalformed = errors.New("wire: malformed payload")

const (
	maxElements = 4096
	maxSize     = 64 * 1024 * 1024
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		MaxArrayElements: maxElements,
		MaxMapPairs:      maxElements,
		MaxNestedLevels:  16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}).DecMode(); err != nil {
		panic(err)
	}
}

func Serialize(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: error serializing %T: %w", v, err)
	}
	return b, nil
}

func Deserialize(b []byte, v interface{}) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	if len(b) > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return nil
}

// DeviceList is the set of device ids an identity announces.
type DeviceList struct {
	Devices []uint32 `cbor:"1,keyasint"`
}

type PreKey struct {
	ID  uint32 `cbor:"1,keyasint"`
	Key []byte `cbor:"2,keyasint"`
}

// Bundle is the public key material a device publishes about itself.
type Bundle struct {
	IdentityKey           []byte    `cbor:"1,keyasint"`
	SignedPreKeyID        uint32    `cbor:"2,keyasint"`
	SignedPreKey          []byte    `cbor:"3,keyasint"`
	SignedPreKeySignature []byte    `cbor:"4,keyasint"`
	PreKeys               []*PreKey `cbor:"5,keyasint"`
}

// Preamble carries what a responder needs to build the initiator's session.
type Preamble struct {
	IdentityKey    []byte `cbor:"1,keyasint"`
	EphemeralKey   []byte `cbor:"2,keyasint"`
	SignedPreKeyID uint32 `cbor:"3,keyasint"`
	PreKeyID       uint32 `cbor:"4,keyasint"`
}

// RatchetMessage is one content key wrapped through a session.
type RatchetMessage struct {
	DH         []byte    `cbor:"1,keyasint"`
	N          uint32    `cbor:"2,keyasint"`
	PN         uint32    `cbor:"3,keyasint"`
	Ciphertext []byte    `cbor:"4,keyasint"`
	Preamble   *Preamble `cbor:"5,keyasint,omitempty"`
}

type KeyElement struct {
	RID    uint32 `cbor:"1,keyasint"`
	Prekey bool   `cbor:"2,keyasint"`
	Data   []byte `cbor:"3,keyasint"`
}

// Envelope is one encrypted message: a single payload and the content key wrapped per device.
type Envelope struct {
	SID     uint32        `cbor:"1,keyasint"`
	Nonce   []byte        `cbor:"2,keyasint"`
	Keys    []*KeyElement `cbor:"3,keyasint"`
	Payload []byte        `cbor:"4,keyasint"`
}

// Stanza is what travels between accounts.
type Stanza struct {
	ID       string    `cbor:"1,keyasint"`
	From     string    `cbor:"2,keyasint"`
	To       string    `cbor:"3,keyasint"`
	Envelope *Envelope `cbor:"4,keyasint"`
}

func (e *Envelope) KeyFor(rid uint32) *KeyElement {
	for _, k := range e.Keys {
		if k != nil && k.RID == rid {
			return k
		}
	}
	return nil
}

func (e *Envelope) Recipients() []uint32 {
	out := make([]uint32, 0, len(e.Keys))
	for _, k := range e.Keys {
		if k != nil {
			out = append(out, k.RID)
		}
	}
	return out
}

func (b *Bundle) PreKey(id uint32) *PreKey {
	for _, pk := range b.PreKeys {
		if pk != nil && pk.ID == id {
			return pk
		}
	}
	return nil
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := Deserialize(b, &e); err != nil {
		return nil, err
	}
	if err := e.check(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Envelope) check() error {
	if len(e.Keys) == 0 {
		return fmt.Errorf("%w: envelope without keys", ErrMalformed)
	}
	for i, k := range e.Keys {
		if k == nil || len(k.Data) == 0 {
			return fmt.Errorf("%w: empty key element %d", ErrMalformed, i)
		}
	}
	return nil
}

func DecodeDeviceList(b []byte) (*DeviceList, error) {
	var l DeviceList
	if err := Deserialize(b, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func DecodeBundle(b []byte) (*Bundle, error) {
	var bundle Bundle
	if err := Deserialize(b, &bundle); err != nil {
		return nil, err
	}
	if len(bundle.IdentityKey) != 32 || len(bundle.SignedPreKey) != 32 || len(bundle.SignedPreKeySignature) != 64 {
		return nil, fmt.Errorf("%w: incomplete bundle", ErrMalformed)
	}
	for i, pk := range bundle.PreKeys {
		if pk == nil || pk.ID == 0 || len(pk.Key) != 32 {
			return nil, fmt.Errorf("%w: invalid prekey %d", ErrMalformed, i)
		}
	}
	return &bundle, nil
}

func DecodeRatchetMessage(b []byte) (*RatchetMessage, error) {
	var m RatchetMessage
	if err := Deserialize(b, &m); err != nil {
		return nil, err
	}
	if len(m.DH) != 32 {
		return nil, fmt.Errorf("%w: ratchet key of length %d", ErrMalformed, len(m.DH))
	}
	if p := m.Preamble; p != nil && (len(p.IdentityKey) != 32 || len(p.EphemeralKey) != 32) {
		return nil, fmt.Errorf("%w: incomplete preamble", ErrMalformed)
	}
	return &m, nil
}

func DecodeStanza(b []byte) (*Stanza, error) {
	var s Stanza
	if err := Deserialize(b, &s); err != nil {
		return nil, err
	}
	if s.Envelope == nil {
		return nil, fmt.Errorf("%w: stanza without envelope", ErrMalformed)
	}
	if err := s.Envelope.check(); err != nil {
		return nil, err
	}
	return &s, nil
}
