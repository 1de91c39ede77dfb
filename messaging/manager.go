// Package messaging encrypts messages to every device of a correspondent and decrypts what those
// devices send back, keeping one double ratchet session per device.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/bundle"
	"github.com/meow-io/go-omemo/clock"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/directory"
	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/transport"
	"github.com/meow-io/go-omemo/trust"
	"github.com/meow-io/go-omemo/wire"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

var (
	// ErrNoUsableRecipients means not a single device could be covered by an envelope.
	ErrNoUsableRecipients = errors.New("messaging: no usable recipients")
	// ErrDecryptAuth means a key element or payload failed authentication. Nothing was persisted.
	ErrDecryptAuth = errors.New("messaging: decryption failed")
	// ErrNotAddressed means the envelope carries no key for the local device.
	ErrNotAddressed = errors.New("messaging: envelope not addressed to this device")
	// ErrNoSession means a regular message arrived from a device without a session.
	ErrNoSession         = errors.New("messaging: no session")
	ErrMalformedEnvelope = errors.New("messaging: malformed envelope")
	// ErrNoPreKeys means a device bundle offers no one-time prekey to start a session with.
	ErrNoPreKeys = errors.New("messaging: bundle offers no one-time prekeys")
)

// DeviceError is a failure limited to a single device of a fan-out.
type DeviceError struct {
	Address address.Address
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("messaging: device %s: %s", e.Address, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Message is a decrypted envelope.
type Message struct {
	Sender      address.Address
	Plaintext   []byte
	IdentityKey []byte
	// Trusted is false when the sender's identity key has not been accepted under the trust policy.
	Trusted   bool
	KeyChange *trust.KeyChange
}

type boolChannel chan bool

type Manager struct {
	db        *database
	config    *config.Config
	clock     clock.Clock
	log       *zap.SugaredLogger
	account   string
	transport transport.Transport
	bundles   *bundle.Exchange
	directory *directory.Directory
	trust     *trust.Manager

	preKeysConsumed boolChannel
}

func NewManager(c *config.Config, d *db.Database, cl clock.Clock, t transport.Transport, account string, dir *directory.Directory, ex *bundle.Exchange, tr *trust.Manager) (*Manager, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("messaging: error making manager %w", err)
	}
	m := &Manager{
		db:              database,
		config:          c,
		clock:           cl,
		log:             c.Logger("messaging/manager"),
		account:         account,
		transport:       t,
		bundles:         ex,
		directory:       dir,
		trust:           tr,
		preKeysConsumed: make(boolChannel, 1),
	}
	dir.Subscribe(func(change *directory.Change) {
		for _, id := range change.Removed {
			ex.Cancel(address.New(change.Identity, id))
		}
	})
	return m, nil
}

// PreKeysConsumed receives a value whenever a decrypt used up one of the local one-time prekeys.
func (m *Manager) PreKeysConsumed() <-chan bool {
	return m.preKeysConsumed
}

func (m *Manager) signalPreKeyConsumed() {
	m.db.AfterCommit(func() {
		select {
		case m.preKeysConsumed <- true:
		default:
		}
	})
}

// HasSession reports whether a session with addr exists.
func (m *Manager) HasSession(addr address.Address) (bool, error) {
	var ok bool
	err := m.db.RunReadOnly(fmt.Sprintf("session for %s", addr), func() error {
		var err error
		_, ok, err = m.db.session(addr.Name, addr.DeviceID)
		return err
	})
	return ok, err
}

// InvalidateSession discards the session with addr. The next encryption to it fetches a fresh bundle.
func (m *Manager) InvalidateSession(addr address.Address) error {
	return m.db.Run(fmt.Sprintf("invalidate session for %s", addr), func() error {
		return m.invalidate(addr)
	})
}

func (m *Manager) invalidate(addr address.Address) error {
	deleted, err := m.db.deleteSession(addr.Name, addr.DeviceID)
	if err != nil {
		return err
	}
	if deleted {
		m.log.Infof("invalidated session for %s", addr)
	}
	return nil
}

// DeleteDevice forgets addr as a device: its session and directory entry are removed and any pending
// bundle fetch is cancelled. Trust records are kept so a returning key is recognised.
func (m *Manager) DeleteDevice(addr address.Address) error {
	m.bundles.Cancel(addr)
	return m.db.Run(fmt.Sprintf("delete device %s", addr), func() error {
		if err := m.invalidate(addr); err != nil {
			return err
		}
		return m.directory.Delete(addr)
	})
}

// RefreshBundle fetches the bundle of addr and records its identity key. A changed key invalidates the
// session with addr and is returned.
func (m *Manager) RefreshBundle(ctx context.Context, addr address.Address) (*trust.KeyChange, error) {
	b, err := m.bundles.Fetch(ctx, addr)
	if err != nil {
		if errors.Is(err, bundle.ErrBundleNotFound) {
			if err := m.db.Run(fmt.Sprintf("mark bundle missing for %s", addr), func() error {
				return m.directory.MarkBundleMissing(addr)
			}); err != nil {
				return nil, err
			}
		}
		return nil, err
	}
	if err := bundle.Verify(b); err != nil {
		m.log.Warnf("bundle of %s failed verification", addr)
		return nil, err
	}
	var change *trust.KeyChange
	if err := m.db.Run(fmt.Sprintf("refresh bundle for %s", addr), func() error {
		var err error
		if change, err = m.trust.Observe(addr, b.IdentityKey); err != nil {
			return err
		}
		if change != nil {
			return m.invalidate(addr)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return change, nil
}

func newSessionID() []byte {
	id := uuid.New()
	return id[:]
}

func (m *Manager) loadRatchet(s *session) (doubleratchet.Session, error) {
	return doubleratchet.Load(s.SessionID, m.db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(m.db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(m.db.doubleratchetKeysStorage(s.SessionID)))
}

func (m *Manager) ratchetEncrypt(s *session, body []byte) (*wire.RatchetMessage, error) {
	drSession, err := m.loadRatchet(s)
	if err != nil {
		return nil, fmt.Errorf("messaging encrypt: %w", err)
	}
	msg, err := drSession.RatchetEncrypt(body, s.AssociatedData)
	if err != nil {
		return nil, fmt.Errorf("messaging encrypt: %w", err)
	}
	return &wire.RatchetMessage{
		DH:         msg.Header.DH,
		N:          msg.Header.N,
		PN:         msg.Header.PN,
		Ciphertext: msg.Ciphertext,
	}, nil
}

func (m *Manager) ratchetDecrypt(s *session, rm *wire.RatchetMessage) ([]byte, error) {
	message := doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: rm.DH,
			N:  rm.N,
			PN: rm.PN,
		},
		Ciphertext: rm.Ciphertext,
	}
	drSession, err := m.loadRatchet(s)
	if err != nil {
		return nil, fmt.Errorf("messaging decrypt: %w", err)
	}
	body, err := drSession.RatchetDecrypt(message, s.AssociatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptAuth, err)
	}
	return body, nil
}
