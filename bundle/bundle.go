// Package bundle manages the local account's prekeys and exchanges bundles with other devices.
package bundle

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/clock"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/crypto"
	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/transport"
	"github.com/meow-io/go-omemo/wire"
	"go.uber.org/zap"
)

var (
	// ErrBundleNotFound means the device has not published a bundle.
	ErrBundleNotFound = errors.New("bundle: not found")
	// ErrFetch is a transient failure to retrieve a bundle.
	ErrFetch = errors.New("bundle: fetch failed")
	// ErrSignatureInvalid means the signed prekey was not signed by the bundle's identity key.
	ErrSignatureInvalid = errors.New("bundle: signed prekey signature invalid")
	// ErrFetchCancelled is returned when the device was removed while its bundle was being fetched.
	ErrFetchCancelled = errors.New("bundle: fetch cancelled")
	// ErrUnknownPreKey is returned for prekeys that do not exist or were already consumed.
	ErrUnknownPreKey = errors.New("bundle: unknown prekey")
)

const firstKeyID = 1

// Identity is the local device's long term key.
type Identity struct {
	DeviceID   uint32
	PrivateKey ed25519.PrivateKey
}

func (i *Identity) PublicKey() []byte {
	return i.PrivateKey.Public().(ed25519.PublicKey)
}

type Exchange struct {
	db        *database
	clock     clock.Clock
	config    *config.Config
	log       *zap.SugaredLogger
	transport transport.Transport
	pending   *pending
	account   string
}

func NewExchange(c *config.Config, d *db.Database, cl clock.Clock, t transport.Transport, account string) (*Exchange, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("bundle: error making exchange %w", err)
	}
	return &Exchange{
		db:        database,
		clock:     cl,
		config:    c,
		log:       c.Logger("bundle"),
		transport: t,
		pending:   newPending(),
		account:   account,
	}, nil
}

// Local returns the local identity, creating it on first use.
func (e *Exchange) Local() (*Identity, error) {
	i, ok, err := e.db.identity()
	if err != nil {
		return nil, err
	}
	if !ok {
		priv, err := crypto.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		deviceID := address.NewDeviceID()
		i = &identity{
			DeviceID:           deviceID,
			PrivateKey:         priv,
			NextPreKeyID:       firstKeyID,
			NextSignedPreKeyID: firstKeyID,
			CtimeMs:            e.clock.CurrentTimeMs(),
		}
		if err := e.db.upsertIdentity(i); err != nil {
			return nil, err
		}
		e.log.Infof("created identity for device %d", deviceID)
	}
	return &Identity{DeviceID: i.DeviceID, PrivateKey: ed25519.PrivateKey(i.PrivateKey)}, nil
}

// Replenish tops up one-time prekeys once the pool drops below the low water mark (or whenever
// forced) and rotates the signed prekey. It reports whether the published bundle needs to change.
func (e *Exchange) Replenish(force bool) (bool, error) {
	if _, err := e.Local(); err != nil {
		return false, err
	}
	i, _, err := e.db.identity()
	if err != nil {
		return false, err
	}
	changed, err := e.rotateSignedPreKey(i)
	if err != nil {
		return false, err
	}

	count, err := e.db.countPreKeys()
	if err != nil {
		return false, err
	}
	if count < e.config.PrekeyLowWater || (force && count < e.config.PrekeyCount) {
		e.log.Infof("generating %d prekeys, %d left", e.config.PrekeyCount-count, count)
		for ; count < e.config.PrekeyCount; count++ {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return false, err
			}
			if err := e.db.insertPreKey(&preKey{ID: i.NextPreKeyID, PrivateKey: kp.Private[:], PublicKey: kp.Public[:]}); err != nil {
				return false, err
			}
			i.NextPreKeyID++
		}
		changed = true
	}
	if changed {
		i.BundleVersion++
	}
	if err := e.db.upsertIdentity(i); err != nil {
		return false, err
	}
	return changed || force, nil
}

func (e *Exchange) rotateSignedPreKey(i *identity) (bool, error) {
	now := e.clock.CurrentTimeMs()
	keys, err := e.db.signedPreKeys()
	if err != nil {
		return false, err
	}
	rotated := false
	if len(keys) == 0 || keys[0].CtimeMs+e.config.SignedPrekeyRotationMs <= now {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return false, err
		}
		k := &signedPreKey{
			ID:         i.NextSignedPreKeyID,
			PrivateKey: kp.Private[:],
			PublicKey:  kp.Public[:],
			Signature:  ed25519.Sign(ed25519.PrivateKey(i.PrivateKey), kp.Public[:]),
			CtimeMs:    now,
		}
		if err := e.db.insertSignedPreKey(k); err != nil {
			return false, err
		}
		i.NextSignedPreKeyID++
		e.log.Infof("rotated signed prekey to %d", k.ID)
		keys = append([]*signedPreKey{k}, keys...)
		rotated = true
	}
	// the previous key stays around for one more period to answer late preambles
	for _, k := range keys[1:] {
		if k.CtimeMs+2*e.config.SignedPrekeyRotationMs <= now {
			if err := e.db.deleteSignedPreKey(k.ID); err != nil {
				return false, err
			}
		}
	}
	return rotated, nil
}

// PreKeyCount returns how many one-time prekeys are left.
func (e *Exchange) PreKeyCount() (int, error) {
	return e.db.countPreKeys()
}

func (e *Exchange) NeedsReplenish() (bool, error) {
	count, err := e.db.countPreKeys()
	if err != nil {
		return false, err
	}
	return count < e.config.PrekeyLowWater, nil
}

// Build returns the bundle describing the local device.
func (e *Exchange) Build() (*wire.Bundle, error) {
	local, err := e.Local()
	if err != nil {
		return nil, err
	}
	spks, err := e.db.signedPreKeys()
	if err != nil {
		return nil, err
	}
	if len(spks) == 0 {
		return nil, errors.New("bundle: no signed prekey, replenish first")
	}
	pks, err := e.db.preKeys()
	if err != nil {
		return nil, err
	}
	b := &wire.Bundle{
		IdentityKey:           local.PublicKey(),
		SignedPreKeyID:        spks[0].ID,
		SignedPreKey:          spks[0].PublicKey,
		SignedPreKeySignature: spks[0].Signature,
		PreKeys:               make([]*wire.PreKey, len(pks)),
	}
	for i, pk := range pks {
		b.PreKeys[i] = &wire.PreKey{ID: pk.ID, Key: pk.PublicKey}
	}
	return b, nil
}

// Publish replenishes the local bundle and sends it when it changed since the last successful publish,
// or when forced. It reports whether a bundle was sent. It takes the lock itself.
func (e *Exchange) Publish(ctx context.Context, force bool) (bool, error) {
	var (
		payload  []byte
		deviceID uint32
		version  uint64
		send     bool
	)
	if err := e.db.Run("build bundle", func() error {
		if _, err := e.Replenish(force); err != nil {
			return err
		}
		i, _, err := e.db.identity()
		if err != nil {
			return err
		}
		deviceID, version = i.DeviceID, i.BundleVersion
		if send = force || i.PublishedVersion < i.BundleVersion; !send {
			return nil
		}
		b, err := e.Build()
		if err != nil {
			return err
		}
		payload, err = wire.Serialize(b)
		return err
	}); err != nil {
		return false, err
	}
	if !send {
		e.log.Debugf("bundle unchanged, not publishing")
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := e.transport.PublishBundle(ctx, address.New(e.account, deviceID), payload); err != nil {
		return false, fmt.Errorf("bundle: error publishing: %w", err)
	}
	if err := e.db.Run("bundle published", func() error {
		i, _, err := e.db.identity()
		if err != nil {
			return err
		}
		if i.PublishedVersion >= version {
			return nil
		}
		i.PublishedVersion = version
		return e.db.upsertIdentity(i)
	}); err != nil {
		return true, err
	}
	e.log.Infof("published bundle version %d for %s:%d", version, e.account, deviceID)
	return true, nil
}

// Fetch retrieves the bundle of addr. Concurrent fetches for the same device share one request. It
// must be called without holding the lock.
func (e *Exchange) Fetch(ctx context.Context, addr address.Address) (*wire.Bundle, error) {
	return e.pending.do(ctx, addr, func(ctx context.Context) (*wire.Bundle, error) {
		ctx, cancel := context.WithTimeout(ctx, time.Duration(e.config.BundleFetchTimeoutMs)*time.Millisecond)
		defer cancel()
		e.log.Debugf("fetching bundle for %s", addr)
		payload, err := e.transport.FetchBundle(ctx, addr)
		if err != nil {
			if errors.Is(err, transport.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, addr)
			}
			return nil, fmt.Errorf("%w: %s: %s", ErrFetch, addr, err)
		}
		b, err := wire.DecodeBundle(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrFetch, addr, err)
		}
		return b, nil
	})
}

// Cancel discards the result of an in-flight fetch for addr.
func (e *Exchange) Cancel(addr address.Address) {
	if e.pending.cancel(addr) {
		e.log.Infof("cancelled bundle fetch for %s", addr)
	}
}

func (e *Exchange) Pending(addr address.Address) bool {
	return e.pending.isPending(addr)
}

// Verify checks the signed prekey signature against the bundle's identity key.
func Verify(b *wire.Bundle) error {
	if len(b.IdentityKey) != ed25519.PublicKeySize || !ed25519.Verify(b.IdentityKey, b.SignedPreKey, b.SignedPreKeySignature) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignedPreKey returns the key pair of a signed prekey still held locally.
func (e *Exchange) SignedPreKey(id uint32) (*crypto.KeyPair, error) {
	k, ok, err := e.db.signedPreKey(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: signed prekey %d", ErrUnknownPreKey, id)
	}
	return crypto.KeyPairFromPrivate(k.PrivateKey)
}

// ConsumePreKey returns a one-time prekey and deletes it, so it can never take part in a second session.
func (e *Exchange) ConsumePreKey(id uint32) (*crypto.KeyPair, error) {
	k, ok, err := e.db.preKey(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: prekey %d", ErrUnknownPreKey, id)
	}
	if err := e.db.deletePreKey(id); err != nil {
		return nil, err
	}
	return crypto.KeyPairFromPrivate(k.PrivateKey)
}
