// Package trust decides which identity keys may be used for encryption. Keys are accepted on first use
// as undecided, and an address presenting a different key than before is reported as a key change.
package trust

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/clock"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/crypto"
	"github.com/meow-io/go-omemo/internal/db"
	"go.uber.org/zap"
)

var (
	// ErrIdentityKeyChanged is reported when a device presents a different identity key than before.
	ErrIdentityKeyChanged = errors.New("trust: identity key changed")
	// ErrUntrusted is reported for devices skipped because their identity key may not be used.
	ErrUntrusted = errors.New("trust: identity not trusted")
	// ErrVerificationFailed is returned when an out-of-band verification did not succeed.
	ErrVerificationFailed = errors.New("trust: verification failed")
)

type State int

const (
	Unknown State = iota
	Undecided
	Trusted
	Untrusted
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Undecided:
		return "undecided"
	case Trusted:
		return "trusted"
	case Untrusted:
		return "untrusted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func stateFor(trust int) State {
	switch trust {
	case trustTrusted:
		return Trusted
	case trustUntrusted:
		return Untrusted
	default:
		return Undecided
	}
}

// KeyChange is the security event emitted when an address's identity key is replaced.
type KeyChange struct {
	Address address.Address
	OldKey  []byte
	NewKey  []byte
	State   State
}

func (k *KeyChange) String() string {
	return fmt.Sprintf("identity key of %s changed from %s to %s", k.Address, crypto.Fingerprint(k.OldKey), crypto.Fingerprint(k.NewKey))
}

// Record is one identity key seen for a device.
type Record struct {
	Address     address.Address
	IdentityKey []byte
	State       State
	Current     bool
	CtimeMs     uint64
	MtimeMs     uint64
}

type Manager struct {
	db          *database
	clock       clock.Clock
	config      *config.Config
	log         *zap.SugaredLogger
	subscribers []func(*KeyChange)
	subLock     sync.RWMutex
}

func NewManager(c *config.Config, d *db.Database, cl clock.Clock) (*Manager, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("trust: error making manager %w", err)
	}
	return &Manager{
		db:     database,
		clock:  cl,
		config: c,
		log:    c.Logger("trust"),
	}, nil
}

// Subscribe registers f to be called with every key change after it has been committed.
func (m *Manager) Subscribe(f func(*KeyChange)) {
	m.subLock.Lock()
	defer m.subLock.Unlock()
	m.subscribers = append(m.subscribers, f)
}

func (m *Manager) State(addr address.Address, key []byte) (State, error) {
	r, ok, err := m.db.record(addr.Name, addr.DeviceID, key)
	if err != nil {
		return Unknown, err
	}
	if !ok {
		return Unknown, nil
	}
	return stateFor(r.Trust), nil
}

// IsTrusted reports whether key may be used to encrypt to addr under the configured policy.
func (m *Manager) IsTrusted(addr address.Address, key []byte) (bool, error) {
	s, err := m.State(addr, key)
	if err != nil {
		return false, err
	}
	switch s {
	case Trusted:
		return true, nil
	case Untrusted:
		return false, nil
	default:
		return m.config.TrustPolicy == config.TrustOnFirstUse, nil
	}
}

// SetTrust records an explicit decision about key.
func (m *Manager) SetTrust(addr address.Address, key []byte, trusted bool) error {
	now := m.clock.CurrentTimeMs()
	r, ok, err := m.db.record(addr.Name, addr.DeviceID, key)
	if err != nil {
		return err
	}
	if !ok {
		_, hasCurrent, err := m.db.currentRecord(addr.Name, addr.DeviceID)
		if err != nil {
			return err
		}
		r = &record{Name: addr.Name, DeviceID: addr.DeviceID, IdentityKey: key, Current: !hasCurrent, CtimeMs: now}
	}
	if trusted {
		r.Trust = trustTrusted
	} else {
		r.Trust = trustUntrusted
	}
	r.MtimeMs = now
	m.log.Infof("setting trust for %s %s to %v", addr, crypto.Fingerprint(key), trusted)
	return m.db.upsertRecord(r)
}

// GetIdentity returns the current identity key of addr, or nil when none was ever seen.
func (m *Manager) GetIdentity(addr address.Address) ([]byte, error) {
	r, ok, err := m.db.currentRecord(addr.Name, addr.DeviceID)
	if err != nil || !ok {
		return nil, err
	}
	return r.IdentityKey, nil
}

// Observe records that addr presented key. It returns a KeyChange when addr previously presented a
// different key; the caller must then discard any session built on the old key.
func (m *Manager) Observe(addr address.Address, key []byte) (*KeyChange, error) {
	now := m.clock.CurrentTimeMs()
	current, hasCurrent, err := m.db.currentRecord(addr.Name, addr.DeviceID)
	if err != nil {
		return nil, err
	}
	if hasCurrent && bytes.Equal(current.IdentityKey, key) {
		return nil, nil
	}
	if err := m.db.clearCurrent(addr.Name, addr.DeviceID); err != nil {
		return nil, err
	}
	r, ok, err := m.db.record(addr.Name, addr.DeviceID, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		r = &record{Name: addr.Name, DeviceID: addr.DeviceID, IdentityKey: key, Trust: trustUndecided, CtimeMs: now}
	} else if hasCurrent {
		// a key coming back after a change is re-verified like a new one
		r.Trust = trustUndecided
	}
	r.Current = true
	r.MtimeMs = now
	if err := m.db.upsertRecord(r); err != nil {
		return nil, err
	}
	if !hasCurrent {
		m.log.Debugf("first identity for %s %s", addr, crypto.Fingerprint(key))
		return nil, nil
	}

	change := &KeyChange{Address: addr, OldKey: current.IdentityKey, NewKey: key, State: stateFor(r.Trust)}
	m.log.Warnf("%s", change)
	m.db.AfterCommit(func() {
		m.subLock.RLock()
		defer m.subLock.RUnlock()
		for _, f := range m.subscribers {
			f(change)
		}
	})
	return change, nil
}

// Records lists every identity key seen for the devices of identity.
func (m *Manager) Records(identity string) ([]*Record, error) {
	records, err := m.db.records(identity)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, len(records))
	for i, r := range records {
		out[i] = &Record{
			Address:     address.New(r.Name, r.DeviceID),
			IdentityKey: r.IdentityKey,
			State:       stateFor(r.Trust),
			Current:     r.Current,
			CtimeMs:     r.CtimeMs,
			MtimeMs:     r.MtimeMs,
		}
	}
	return out, nil
}
