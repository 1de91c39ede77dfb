package trust

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/joshbuddy/jpake"
	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/crypto"
	"github.com/meow-io/go-omemo/wire"
)

var jpakeConfig = jpake.NewConfig().
	SetSessionConfirmationBytes([]byte("OMEMO_KC")).
	SetSecretGenerationBytes([]byte("OMEMO_SECRET")).
	SetSessionGenerationBytes([]byte("OMEMO_SESSION"))

// use type aliases to avoid so much typing
type zkpMsgCurve25519 = jpake.ZKPMsg[*jpake.Curve25519Point, *jpake.Curve25519Scalar]
type threePassJpakeCurve25519 = jpake.ThreePassJpake[*jpake.Curve25519Point, *jpake.Curve25519Scalar]
type threePassVariant1Curve25519 = jpake.ThreePassVariant1[*jpake.Curve25519Point, *jpake.Curve25519Scalar]
type threePassVariant2Curve25519 = jpake.ThreePassVariant2[*jpake.Curve25519Point, *jpake.Curve25519Scalar]
type threePassVariant3Curve25519 = jpake.ThreePassVariant3[*jpake.Curve25519Point, *jpake.Curve25519Scalar]

var curve25519Curve = jpake.Curve25519Curve{}

const (
	proofInitiatorInfo = "OMEMO_VERIFY_INITIATOR"
	proofResponderInfo = "OMEMO_VERIFY_RESPONDER"
)

type ZKP struct {
	T []byte `cbor:"1,keyasint"`
	R []byte `cbor:"2,keyasint"`
}

type Pass1 struct {
	UserID []byte `cbor:"1,keyasint"`
	X1G    []byte `cbor:"2,keyasint"`
	X2G    []byte `cbor:"3,keyasint"`
	X1ZKP  *ZKP   `cbor:"4,keyasint"`
	X2ZKP  *ZKP   `cbor:"5,keyasint"`
}

type Pass2 struct {
	UserID []byte `cbor:"1,keyasint"`
	X3G    []byte `cbor:"2,keyasint"`
	X4G    []byte `cbor:"3,keyasint"`
	B      []byte `cbor:"4,keyasint"`
	X3ZKP  *ZKP   `cbor:"5,keyasint"`
	X4ZKP  *ZKP   `cbor:"6,keyasint"`
	XsZKP  *ZKP   `cbor:"7,keyasint"`
}

type Pass3 struct {
	A     []byte `cbor:"1,keyasint"`
	XsZKP *ZKP   `cbor:"2,keyasint"`
}

// Confirmation carries the key confirmation and, once the key is confirmed, the sender's identity
// sealed under it.
type Confirmation struct {
	Conf  []byte `cbor:"1,keyasint,omitempty"`
	Proof []byte `cbor:"2,keyasint,omitempty"`
}

type provenIdentity struct {
	Name        string `cbor:"1,keyasint"`
	DeviceID    uint32 `cbor:"2,keyasint"`
	IdentityKey []byte `cbor:"3,keyasint"`
}

func zkpToWire(proof zkpMsgCurve25519) *ZKP {
	return &ZKP{
		T: proof.T.Bytes(),
		R: proof.R.Bytes(),
	}
}

func wireToZKP(b *ZKP) (*zkpMsgCurve25519, error) {
	if b == nil {
		return nil, errors.New("missing proof")
	}
	tP, err := curve25519Curve.NewPoint().SetBytes(b.T)
	if err != nil {
		return nil, err
	}
	rS, err := curve25519Curve.NewScalar().SetBytes(b.R)
	if err != nil {
		return nil, err
	}
	return &zkpMsgCurve25519{
		T: tP,
		R: rS,
	}, nil
}

// Verifier authenticates a peer's identity key with a PIN both users typed in. The initiator calls
// Pass1, Pass3, Confirm2 and Finish; the responder calls Pass2, Confirm1 and Confirm3, each with the
// other side's previous message. Both sides mark the peer's identity trusted on success.
type Verifier struct {
	manager   *Manager
	initiator bool
	local     address.Address
	localKey  []byte
	peer      address.Address
	userID    []byte
	jp        *threePassJpakeCurve25519
	stage     int
	failed    bool
}

func (m *Manager) NewVerifier(initiator bool, local address.Address, localKey []byte, peer address.Address, pin string) (*Verifier, error) {
	userID := uuid.New()
	jp, err := jpake.InitThreePassJpakeWithConfig(initiator, userID[:], []byte(pin), jpakeConfig)
	if err != nil {
		return nil, fmt.Errorf("trust: error starting verification: %w", err)
	}
	return &Verifier{
		manager:   m,
		initiator: initiator,
		local:     local,
		localKey:  localKey,
		peer:      peer,
		userID:    userID[:],
		jp:        jp,
	}, nil
}

func (v *Verifier) step(initiator bool, stage int) error {
	if v.failed {
		return fmt.Errorf("%w: verifier already failed", ErrVerificationFailed)
	}
	if v.initiator != initiator || v.stage != stage {
		return fmt.Errorf("trust: verification step out of order, at stage %d", v.stage)
	}
	v.stage++
	return nil
}

func (v *Verifier) fail(err error) error {
	v.failed = true
	if errors.Is(err, ErrVerificationFailed) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrVerificationFailed, err)
}

// recoverPoint turns the panic edwards25519 raises on malformed points into an error.
func recoverPoint(err *error) {
	if r := recover(); r != nil {
		switch x := r.(type) {
		case string:
			if x == "edwards25519: use of uninitialized Point" {
				*err = errors.New(x)
				return
			}
		}
		panic(r)
	}
}

func (v *Verifier) Pass1() (*Pass1, error) {
	if err := v.step(true, 0); err != nil {
		return nil, err
	}
	p1, err := v.jp.Pass1Message()
	if err != nil {
		return nil, v.fail(err)
	}
	return &Pass1{
		UserID: v.userID,
		X1G:    p1.X1G.Bytes(),
		X2G:    p1.X2G.Bytes(),
		X1ZKP:  zkpToWire(p1.X1ZKP),
		X2ZKP:  zkpToWire(p1.X2ZKP),
	}, nil
}

func (v *Verifier) Pass2(pass1 *Pass1) (_ *Pass2, err error) {
	if err := v.step(false, 0); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = v.fail(err)
		}
	}()
	defer recoverPoint(&err)

	x1gP, err := curve25519Curve.NewPoint().SetBytes(pass1.X1G)
	if err != nil {
		return nil, err
	}
	x2gP, err := curve25519Curve.NewPoint().SetBytes(pass1.X2G)
	if err != nil {
		return nil, err
	}
	x1zkp, err := wireToZKP(pass1.X1ZKP)
	if err != nil {
		return nil, err
	}
	x2zkp, err := wireToZKP(pass1.X2ZKP)
	if err != nil {
		return nil, err
	}
	p2, err := v.jp.GetPass2Message(threePassVariant1Curve25519{
		UserID: pass1.UserID,
		X1G:    x1gP,
		X2G:    x2gP,
		X1ZKP:  *x1zkp,
		X2ZKP:  *x2zkp,
	})
	if err != nil {
		return nil, err
	}
	return &Pass2{
		UserID: v.userID,
		X3G:    p2.X3G.Bytes(),
		X4G:    p2.X4G.Bytes(),
		B:      p2.B.Bytes(),
		X3ZKP:  zkpToWire(p2.X3ZKP),
		X4ZKP:  zkpToWire(p2.X4ZKP),
		XsZKP:  zkpToWire(p2.XsZKP),
	}, nil
}

func (v *Verifier) Pass3(pass2 *Pass2) (_ *Pass3, err error) {
	if err := v.step(true, 1); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = v.fail(err)
		}
	}()
	defer recoverPoint(&err)

	x3gP, err := curve25519Curve.NewPoint().SetBytes(pass2.X3G)
	if err != nil {
		return nil, err
	}
	x4gP, err := curve25519Curve.NewPoint().SetBytes(pass2.X4G)
	if err != nil {
		return nil, err
	}
	bP, err := curve25519Curve.NewPoint().SetBytes(pass2.B)
	if err != nil {
		return nil, err
	}
	x3zkp, err := wireToZKP(pass2.X3ZKP)
	if err != nil {
		return nil, err
	}
	x4zkp, err := wireToZKP(pass2.X4ZKP)
	if err != nil {
		return nil, err
	}
	xszkp, err := wireToZKP(pass2.XsZKP)
	if err != nil {
		return nil, err
	}
	p3, err := v.jp.GetPass3Message(threePassVariant2Curve25519{
		UserID: pass2.UserID,
		X3G:    x3gP,
		X4G:    x4gP,
		B:      bP,
		X3ZKP:  *x3zkp,
		X4ZKP:  *x4zkp,
		XsZKP:  *xszkp,
	})
	if err != nil {
		return nil, err
	}
	return &Pass3{
		A:     p3.A.Bytes(),
		XsZKP: zkpToWire(p3.XsZKP),
	}, nil
}

func (v *Verifier) Confirm1(pass3 *Pass3) (_ *Confirmation, err error) {
	if err := v.step(false, 1); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = v.fail(err)
		}
	}()
	defer recoverPoint(&err)

	aP, err := curve25519Curve.NewPoint().SetBytes(pass3.A)
	if err != nil {
		return nil, err
	}
	xszkp, err := wireToZKP(pass3.XsZKP)
	if err != nil {
		return nil, err
	}
	conf1, err := v.jp.ProcessPass3Message(threePassVariant3Curve25519{
		A:     aP,
		XsZKP: *xszkp,
	})
	if err != nil {
		return nil, err
	}
	return &Confirmation{Conf: conf1}, nil
}

// Confirm2 checks the responder's key confirmation and sends the initiator's identity.
func (v *Verifier) Confirm2(c *Confirmation) (_ *Confirmation, err error) {
	if err := v.step(true, 2); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = v.fail(err)
		}
	}()
	conf2, err := v.jp.ProcessSessionConfirmation1(c.Conf)
	if err != nil {
		return nil, err
	}
	proof, err := v.prove()
	if err != nil {
		return nil, err
	}
	return &Confirmation{Conf: conf2, Proof: proof}, nil
}

// Confirm3 checks the initiator's key confirmation and identity, trusts it, and answers with the
// responder's identity.
func (v *Verifier) Confirm3(c *Confirmation) (_ *Confirmation, err error) {
	if err := v.step(false, 2); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = v.fail(err)
		}
	}()
	if err := v.jp.ProcessSessionConfirmation2(c.Conf); err != nil {
		return nil, err
	}
	if err := v.accept(c.Proof); err != nil {
		return nil, err
	}
	proof, err := v.prove()
	if err != nil {
		return nil, err
	}
	return &Confirmation{Proof: proof}, nil
}

// Finish checks the responder's identity and trusts it.
func (v *Verifier) Finish(c *Confirmation) (err error) {
	if err := v.step(true, 3); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = v.fail(err)
		}
	}()
	return v.accept(c.Proof)
}

func (v *Verifier) proofKey(initiator bool) ([]byte, error) {
	if len(v.jp.SessionKey) == 0 {
		return nil, errors.New("no session key")
	}
	info := proofResponderInfo
	if initiator {
		info = proofInitiatorInfo
	}
	return crypto.DeriveKey(v.jp.SessionKey, nil, info, crypto.KeySize)
}

func (v *Verifier) prove() ([]byte, error) {
	key, err := v.proofKey(v.initiator)
	if err != nil {
		return nil, err
	}
	b, err := wire.Serialize(&provenIdentity{Name: v.local.Name, DeviceID: v.local.DeviceID, IdentityKey: v.localKey})
	if err != nil {
		return nil, err
	}
	return crypto.EncryptWithKey(key, b, nil)
}

func (v *Verifier) accept(proof []byte) error {
	key, err := v.proofKey(!v.initiator)
	if err != nil {
		return err
	}
	b, err := crypto.DecryptWithKey(key, proof, nil)
	if err != nil {
		return fmt.Errorf("%w: identity proof did not authenticate", ErrVerificationFailed)
	}
	var proven provenIdentity
	if err := wire.Deserialize(b, &proven); err != nil {
		return err
	}
	if proven.Name != v.peer.Name || proven.DeviceID != v.peer.DeviceID {
		return fmt.Errorf("%w: proof is for %s:%d, expected %s", ErrVerificationFailed, proven.Name, proven.DeviceID, v.peer)
	}

	m := v.manager
	return m.db.Run(fmt.Sprintf("verify %s", v.peer), func() error {
		current, err := m.GetIdentity(v.peer)
		if err != nil {
			return err
		}
		if current != nil && !bytes.Equal(current, proven.IdentityKey) {
			return fmt.Errorf("%w: %s presented %s, expected %s", ErrVerificationFailed, v.peer, crypto.Fingerprint(proven.IdentityKey), crypto.Fingerprint(current))
		}
		if current == nil {
			if _, err := m.Observe(v.peer, proven.IdentityKey); err != nil {
				return err
			}
		}
		return m.SetTrust(v.peer, proven.IdentityKey, true)
	})
}
