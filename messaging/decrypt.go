package messaging

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/bundle"
	"github.com/meow-io/go-omemo/crypto"
	"github.com/meow-io/go-omemo/trust"
	"github.com/meow-io/go-omemo/wire"
	"github.com/status-im/doubleratchet"
)

// Decrypt opens an envelope sent by sender. Everything it changes is committed before the plaintext is
// returned, and nothing is changed when it fails.
func (m *Manager) Decrypt(envelope *wire.Envelope, sender address.Address) (*Message, error) {
	if envelope == nil || len(envelope.Nonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: missing nonce", ErrMalformedEnvelope)
	}
	var message *Message
	if err := m.db.Run(fmt.Sprintf("decrypt from %s", sender), func() error {
		var err error
		message, err = m.decrypt(envelope, sender)
		return err
	}); err != nil {
		if errors.Is(err, ErrDecryptAuth) {
			m.log.Warnf("undecryptable message from %s: %v", sender, err)
		}
		return nil, err
	}
	return message, nil
}

func (m *Manager) decrypt(envelope *wire.Envelope, sender address.Address) (*Message, error) {
	local, err := m.bundles.Local()
	if err != nil {
		return nil, err
	}
	el := envelope.KeyFor(local.DeviceID)
	if el == nil {
		return nil, ErrNotAddressed
	}
	rm, err := wire.DecodeRatchetMessage(el.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEnvelope, err)
	}
	if el.Prekey && rm.Preamble == nil {
		return nil, fmt.Errorf("%w: key exchange without preamble", ErrMalformedEnvelope)
	}

	s, ok, err := m.db.session(sender.Name, sender.DeviceID)
	if err != nil {
		return nil, err
	}
	var change *trust.KeyChange
	if rm.Preamble != nil && !(ok && bytes.Equal(s.BaseKey, rm.Preamble.EphemeralKey)) {
		if ok {
			// replaced entirely, the rollback restores it if this message turns out to be bad
			if _, err := m.db.deleteSession(sender.Name, sender.DeviceID); err != nil {
				return nil, err
			}
		}
		if s, err = m.respondSession(local, sender, rm.Preamble); err != nil {
			return nil, err
		}
	} else if !ok {
		return nil, fmt.Errorf("%w with %s", ErrNoSession, sender)
	}

	key, err := m.ratchetDecrypt(s, rm)
	if err != nil {
		return nil, err
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("%w: content key of length %d", ErrDecryptAuth, len(key))
	}
	plaintext, err := crypto.Open(key, envelope.Nonce, envelope.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %s", ErrDecryptAuth, err)
	}

	if rm.Preamble != nil {
		if change, err = m.trust.Observe(sender, rm.Preamble.IdentityKey); err != nil {
			return nil, err
		}
	} else if s.Preamble != nil {
		// the peer answered, so it has our session
		s.Preamble = nil
		s.MtimeMs = m.clock.CurrentTimeMs()
		if err := m.db.updateSession(s); err != nil {
			return nil, err
		}
	}

	trusted, err := m.trust.IsTrusted(sender, s.IdentityKey)
	if err != nil {
		return nil, err
	}
	return &Message{
		Sender:      sender,
		Plaintext:   plaintext,
		IdentityKey: s.IdentityKey,
		Trusted:     trusted,
		KeyChange:   change,
	}, nil
}

// respondSession builds the responder side of the session sender started with preamble.
func (m *Manager) respondSession(local *bundle.Identity, sender address.Address, p *wire.Preamble) (*session, error) {
	signedPreKey, err := m.bundles.SignedPreKey(p.SignedPreKeyID)
	if err != nil {
		if errors.Is(err, bundle.ErrUnknownPreKey) {
			return nil, fmt.Errorf("%w: %s", ErrDecryptAuth, err)
		}
		return nil, err
	}
	if p.PreKeyID == 0 {
		return nil, fmt.Errorf("%w: preamble from %s without a one-time prekey", ErrDecryptAuth, sender)
	}
	preKey, err := m.bundles.ConsumePreKey(p.PreKeyID)
	if err != nil {
		if errors.Is(err, bundle.ErrUnknownPreKey) {
			return nil, fmt.Errorf("%w: %s", ErrDecryptAuth, err)
		}
		return nil, err
	}
	m.signalPreKeyConsumed()
	h, err := respond(local.PrivateKey, signedPreKey, preKey, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptAuth, err)
	}

	now := m.clock.CurrentTimeMs()
	s := &session{
		Name:           sender.Name,
		DeviceID:       sender.DeviceID,
		SessionID:      newSessionID(),
		IdentityKey:    p.IdentityKey,
		AssociatedData: h.associatedData,
		BaseKey:        p.EphemeralKey,
		CtimeMs:        now,
		MtimeMs:        now,
	}
	if err := m.db.insertSession(s); err != nil {
		return nil, err
	}
	if _, err := doubleratchet.New(s.SessionID, h.secret, newDHPair(signedPreKey), m.db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(m.db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(m.db.doubleratchetKeysStorage(s.SessionID))); err != nil {
		return nil, fmt.Errorf("messaging: error initializing doubleratchet: %w", err)
	}
	m.log.Infof("accepted session from %s using prekey %d", sender, p.PreKeyID)
	return s, nil
}
