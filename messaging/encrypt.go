package messaging

import (
	"bytes"
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/bundle"
	"github.com/meow-io/go-omemo/crypto"
	"github.com/meow-io/go-omemo/directory"
	"github.com/meow-io/go-omemo/trust"
	"github.com/meow-io/go-omemo/wire"
	"github.com/status-im/doubleratchet"
)

type fetchResult struct {
	bundle *wire.Bundle
	err    error
}

func deviceError(addr address.Address, err error) *DeviceError {
	return &DeviceError{Address: addr, Err: err}
}

// Encrypt seals plaintext once and wraps its key for every usable device of identity and every other
// device of the local account. Devices which could not be covered are reported through the returned
// DeviceErrors; the envelope is still returned as long as at least one device of identity is covered.
func (m *Manager) Encrypt(ctx context.Context, identity string, plaintext []byte) (*wire.Envelope, []*DeviceError, error) {
	m.queryIfUnknown(ctx, identity)
	if identity != m.account {
		m.queryIfUnknown(ctx, m.account)
	}

	var (
		localID uint32
		targets []address.Address
		missing []address.Address
	)
	if err := m.db.Run(fmt.Sprintf("collect targets for %s", identity), func() error {
		local, err := m.bundles.Local()
		if err != nil {
			return err
		}
		localID = local.DeviceID
		if targets, err = m.targets(identity, local.DeviceID); err != nil {
			return err
		}
		for _, addr := range targets {
			_, ok, err := m.db.session(addr.Name, addr.DeviceID)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, addr)
			}
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}

	fetched := m.fetchAll(ctx, missing)

	key, nonce, err := crypto.NewContentKey()
	if err != nil {
		return nil, nil, err
	}
	payload, err := crypto.Seal(key, nonce, plaintext, nil)
	if err != nil {
		return nil, nil, err
	}
	envelope := &wire.Envelope{SID: localID, Nonce: nonce, Payload: payload}

	var (
		deviceErrors []*DeviceError
		covered      int
	)
	if err := m.db.Run(fmt.Sprintf("encrypt to %s", identity), func() error {
		local, err := m.bundles.Local()
		if err != nil {
			return err
		}
		for _, addr := range targets {
			s, change, err := m.usableSession(local, addr, fetched[addr])
			if change != nil {
				deviceErrors = append(deviceErrors, deviceError(addr, fmt.Errorf("%w: %s", trust.ErrIdentityKeyChanged, change)))
			}
			if err != nil {
				var de *DeviceError
				if errors.As(err, &de) {
					deviceErrors = append(deviceErrors, de)
					continue
				}
				return err
			}
			el, err := m.wrap(s, key)
			if err != nil {
				return err
			}
			envelope.Keys = append(envelope.Keys, el)
			if addr.Name == identity {
				covered++
			}
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}

	// own devices alone do not make a message to someone else
	if covered == 0 {
		m.log.Warnf("no usable recipients for %s out of %d devices", identity, len(targets))
		return nil, deviceErrors, ErrNoUsableRecipients
	}
	if len(envelope.Keys) != len(targets) {
		m.log.Infof("encrypted to %d of %d devices for %s", len(envelope.Keys), len(targets), identity)
	}
	return envelope, deviceErrors, nil
}

// queryIfUnknown asks the directory for the devices of identity when none were ever seen.
func (m *Manager) queryIfUnknown(ctx context.Context, identity string) {
	var known bool
	if err := m.db.RunReadOnly(fmt.Sprintf("known devices for %s", identity), func() error {
		var err error
		known, err = m.directory.HasKnown(identity)
		return err
	}); err != nil {
		m.log.Warnf("error reading devices for %s: %v", identity, err)
		return
	}
	if known {
		return
	}
	if _, err := m.directory.Query(ctx, m.transport, identity); err != nil {
		if errors.Is(err, directory.ErrDirectoryStale) {
			m.log.Infof("using cached devices for %s: %v", identity, err)
			return
		}
		m.log.Warnf("error querying devices for %s: %v", identity, err)
	}
}

func (m *Manager) targets(identity string, localID uint32) ([]address.Address, error) {
	targets, err := m.directory.Targets(identity)
	if err != nil {
		return nil, err
	}
	if identity != m.account {
		own, err := m.directory.Targets(m.account)
		if err != nil {
			return nil, err
		}
		targets = append(targets, own...)
	}
	out := targets[:0]
	for _, addr := range targets {
		if addr.Name == m.account && addr.DeviceID == localID {
			continue
		}
		out = append(out, addr)
	}
	sort.Sort(address.ByNameAndDevice(out))
	return out, nil
}

// fetchAll fetches the bundles of addrs in parallel, outside of the store lock.
func (m *Manager) fetchAll(ctx context.Context, addrs []address.Address) map[address.Address]*fetchResult {
	results := make(map[address.Address]*fetchResult, len(addrs))
	var (
		lock sync.Mutex
		wg   sync.WaitGroup
	)
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr address.Address) {
			defer wg.Done()
			b, err := m.bundles.Fetch(ctx, addr)
			lock.Lock()
			defer lock.Unlock()
			results[addr] = &fetchResult{bundle: b, err: err}
		}(addr)
	}
	wg.Wait()
	return results
}

// usableSession returns the session to encrypt to addr with, establishing it from a fetched bundle when
// needed. Failures limited to addr are returned as *DeviceError.
func (m *Manager) usableSession(local *bundle.Identity, addr address.Address, fetched *fetchResult) (*session, *trust.KeyChange, error) {
	if fetched != nil {
		return m.establish(local, addr, fetched)
	}
	s, ok, err := m.db.session(addr.Name, addr.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		// invalidated while the lock was released
		return nil, nil, deviceError(addr, ErrNoSession)
	}
	current, err := m.trust.GetIdentity(addr)
	if err != nil {
		return nil, nil, err
	}
	if current != nil && !bytes.Equal(current, s.IdentityKey) {
		if err := m.invalidate(addr); err != nil {
			return nil, nil, err
		}
		return nil, nil, deviceError(addr, trust.ErrIdentityKeyChanged)
	}
	trusted, err := m.trust.IsTrusted(addr, s.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	if !trusted {
		return nil, nil, deviceError(addr, trust.ErrUntrusted)
	}
	return s, nil, nil
}

func (m *Manager) establish(local *bundle.Identity, addr address.Address, fetched *fetchResult) (*session, *trust.KeyChange, error) {
	if err := fetched.err; err != nil {
		switch {
		case errors.Is(err, bundle.ErrBundleNotFound):
			if err := m.directory.MarkBundleMissing(addr); err != nil {
				return nil, nil, err
			}
		case errors.Is(err, bundle.ErrFetchCancelled):
			m.log.Debugf("dropping cancelled fetch for %s", addr)
		default:
			m.log.Infof("bundle fetch for %s failed: %v", addr, err)
		}
		return nil, nil, deviceError(addr, err)
	}
	active, err := m.directory.IsActive(addr)
	if err != nil {
		return nil, nil, err
	}
	if !active {
		return nil, nil, deviceError(addr, bundle.ErrFetchCancelled)
	}

	b := fetched.bundle
	if err := bundle.Verify(b); err != nil {
		m.log.Warnf("bundle of %s has an invalid signed prekey signature", addr)
		return nil, nil, deviceError(addr, err)
	}

	change, err := m.trust.Observe(addr, b.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	existing, ok, err := m.db.session(addr.Name, addr.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		if change == nil && bytes.Equal(existing.IdentityKey, b.IdentityKey) {
			// a concurrent encryption got there first
			return existing, nil, nil
		}
		if err := m.invalidate(addr); err != nil {
			return nil, nil, err
		}
	}

	trusted, err := m.trust.IsTrusted(addr, b.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	if !trusted {
		return nil, change, deviceError(addr, trust.ErrUntrusted)
	}

	s, err := m.initiateSession(local, addr, b)
	if err != nil {
		return nil, change, err
	}
	return s, change, nil
}

func (m *Manager) initiateSession(local *bundle.Identity, addr address.Address, b *wire.Bundle) (*session, error) {
	preKey, err := pickPreKey(b.PreKeys)
	if err != nil {
		return nil, err
	}
	if preKey == nil {
		return nil, deviceError(addr, ErrNoPreKeys)
	}
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	h, preamble, err := initiate(local.PrivateKey, ephemeral, b, preKey)
	if err != nil {
		return nil, fmt.Errorf("messaging: error agreeing with %s: %w", addr, err)
	}
	encodedPreamble, err := wire.Serialize(preamble)
	if err != nil {
		return nil, err
	}

	now := m.clock.CurrentTimeMs()
	s := &session{
		Name:           addr.Name,
		DeviceID:       addr.DeviceID,
		SessionID:      newSessionID(),
		IdentityKey:    b.IdentityKey,
		AssociatedData: h.associatedData,
		BaseKey:        ephemeral.Public[:],
		Preamble:       encodedPreamble,
		CtimeMs:        now,
		MtimeMs:        now,
	}
	if err := m.db.insertSession(s); err != nil {
		return nil, err
	}
	if _, err := doubleratchet.NewWithRemoteKey(s.SessionID, h.secret, b.SignedPreKey, m.db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(m.db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(m.db.doubleratchetKeysStorage(s.SessionID))); err != nil {
		return nil, fmt.Errorf("messaging: error initializing doubleratchet: %w", err)
	}
	m.log.Infof("established session with %s using prekey %d", addr, preamble.PreKeyID)
	return s, nil
}

func pickPreKey(preKeys []*wire.PreKey) (*wire.PreKey, error) {
	usable := make([]*wire.PreKey, 0, len(preKeys))
	for _, pk := range preKeys {
		if pk != nil && pk.ID != 0 && len(pk.Key) == 32 {
			usable = append(usable, pk)
		}
	}
	if len(usable) == 0 {
		return nil, nil
	}
	i, err := crypto_rand.Int(crypto_rand.Reader, big.NewInt(int64(len(usable))))
	if err != nil {
		return nil, err
	}
	return usable[i.Int64()], nil
}

// wrap encrypts the content key through the sending chain of s.
func (m *Manager) wrap(s *session, key []byte) (*wire.KeyElement, error) {
	rm, err := m.ratchetEncrypt(s, key)
	if err != nil {
		return nil, err
	}
	if s.Preamble != nil {
		var p wire.Preamble
		if err := wire.Deserialize(s.Preamble, &p); err != nil {
			return nil, err
		}
		rm.Preamble = &p
	}
	data, err := wire.Serialize(rm)
	if err != nil {
		return nil, err
	}
	return &wire.KeyElement{RID: s.DeviceID, Prekey: rm.Preamble != nil, Data: data}, nil
}
