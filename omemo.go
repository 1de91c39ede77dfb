// Package omemo provides multi-device end-to-end encryption for an account of a messaging client. It
// keeps every key, session and trust decision in one encrypted store, encrypts each message once and
// wraps its key for every device of the correspondent and of the account itself.
package omemo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/bundle"
	"github.com/meow-io/go-omemo/clock"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/crypto"
	"github.com/meow-io/go-omemo/directory"
	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/messaging"
	"github.com/meow-io/go-omemo/transport"
	"github.com/meow-io/go-omemo/trust"
	"github.com/meow-io/go-omemo/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

const rotationCheckInterval = time.Hour

// An event indicating a change in the state of the store.
type AppState struct {
	State int
}

// An event indicating the local bundle was republished.
type BundlePublished struct {
	DeviceID uint32
}

type Omemo struct {
	DB          *db.Database
	config      *config.Config
	log         *zap.SugaredLogger
	state       int
	clock       clock.Clock
	account     string
	transport   transport.Transport
	directory   *directory.Directory
	bundles     *bundle.Exchange
	trust       *trust.Manager
	messaging   *messaging.Manager
	updates     chan interface{}
	updatesLock sync.RWMutex
	cancelFunc  context.CancelFunc
	finished    sync.WaitGroup
}

// NewOmemo makes the store for account under the config's root directory. It still has to be
// initialized or opened.
func NewOmemo(c *config.Config, account string, t transport.Transport) (*Omemo, error) {
	if account == "" || strings.ContainsAny(account, "/:") {
		return nil, fmt.Errorf("omemo: invalid account %q", account)
	}
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making omemo for %s, using root path of %s", account, c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}
	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &Omemo{
		DB:        d,
		config:    c,
		log:       log,
		state:     state,
		clock:     clock.NewSystemClock(),
		account:   account,
		transport: t,
		updates:   make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password
func (o *Omemo) NewKey(password string) ([]byte, error) {
	return newKey(password, o.config.RootDir, "salt")
}

// Updates delivers *AppState, *directory.Change, *trust.KeyChange and *BundlePublished events.
func (o *Omemo) Updates() chan interface{} {
	o.updatesLock.RLock()
	defer o.updatesLock.RUnlock()
	return o.updates
}

func (o *Omemo) New() bool {
	return o.state == StateNew
}

func (o *Omemo) Initialized() bool {
	return o.state == StateInitialized
}

func (o *Omemo) Running() bool {
	return o.state == StateRunning
}

func (o *Omemo) Account() string {
	return o.account
}

// Initialize creates the store with a given key and opens it.
func (o *Omemo) Initialize(key []byte) error {
	if o.state != StateNew {
		return errors.New("omemo: cannot initialize unless in state new")
	}
	if err := o.DB.Initialize(key); err != nil {
		return err
	}
	o.setState(StateInitialized)
	return o.Open(key)
}

// Open an existing store with a given key.
func (o *Omemo) Open(key []byte) error {
	if o.state != StateInitialized {
		return errors.New("omemo: cannot open unless in state initialized")
	}
	if err := o.DB.Open(key); err != nil {
		return err
	}

	if err := o.DB.Lock("initializing subsystems", func() error {
		var err error
		if o.directory, err = directory.NewDirectory(o.config, o.DB, o.clock); err != nil {
			return err
		}
		if o.bundles, err = bundle.NewExchange(o.config, o.DB, o.clock, o.transport, o.account); err != nil {
			return err
		}
		if o.trust, err = trust.NewManager(o.config, o.DB, o.clock); err != nil {
			return err
		}
		o.messaging, err = messaging.NewManager(o.config, o.DB, o.clock, o.transport, o.account, o.directory, o.bundles, o.trust)
		return err
	}); err != nil {
		return err
	}
	if err := o.DB.Run("ensure identity", func() error {
		_, err := o.bundles.Local()
		return err
	}); err != nil {
		return err
	}

	o.directory.Subscribe(func(c *directory.Change) {
		o.publish(c)
	})
	o.trust.Subscribe(func(k *trust.KeyChange) {
		o.publish(k)
	})

	ctx, cancelFunc := context.WithCancel(context.Background())
	o.cancelFunc = cancelFunc
	o.startRepublisher(ctx)
	o.setState(StateRunning)
	return nil
}

// Gracefully stop a running store.
func (o *Omemo) Shutdown() error {
	if o.state != StateRunning {
		return nil
	}
	defer runtime.GC()

	o.cancelFunc()
	o.finished.Wait()
	if err := o.DB.Shutdown(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	o.cancelFunc = nil
	o.directory = nil
	o.bundles = nil
	o.trust = nil
	o.messaging = nil
	o.setState(StateInitialized)

	o.updatesLock.Lock()
	close(o.updates)
	o.updates = make(chan interface{}, 100)
	o.updatesLock.Unlock()
	return nil
}

func (o *Omemo) setState(state int) {
	o.state = state
	o.publish(&AppState{state})
}

// publish hands e to Updates, dropping it when nobody keeps up.
func (o *Omemo) publish(e interface{}) {
	o.updatesLock.RLock()
	defer o.updatesLock.RUnlock()
	select {
	case o.updates <- e:
	default:
		o.log.Warnf("dropping update %#v", e)
	}
}

func (o *Omemo) local() (*bundle.Identity, error) {
	var i *bundle.Identity
	err := o.DB.RunReadOnly("local identity", func() error {
		var err error
		i, err = o.bundles.Local()
		return err
	})
	return i, err
}

// DeviceID is the id of this installation.
func (o *Omemo) DeviceID() (uint32, error) {
	i, err := o.local()
	if err != nil {
		return 0, err
	}
	return i.DeviceID, nil
}

// Fingerprint renders the local identity key for comparison by users.
func (o *Omemo) Fingerprint() (string, error) {
	i, err := o.local()
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(i.PublicKey()), nil
}

func (o *Omemo) Encrypt(ctx context.Context, identity string, plaintext []byte) (*wire.Envelope, []*messaging.DeviceError, error) {
	return o.messaging.Encrypt(ctx, identity, plaintext)
}

func (o *Omemo) Decrypt(envelope *wire.Envelope, sender address.Address) (*messaging.Message, error) {
	return o.messaging.Decrypt(envelope, sender)
}

// SendMessage encrypts plaintext to identity and hands the stanza to the transport, once for the
// correspondent and once for the other devices of the account.
func (o *Omemo) SendMessage(ctx context.Context, to string, plaintext []byte) ([]*messaging.DeviceError, error) {
	envelope, deviceErrors, err := o.messaging.Encrypt(ctx, to, plaintext)
	if err != nil {
		return deviceErrors, err
	}
	payload, err := wire.Serialize(&wire.Stanza{ID: uuid.New().String(), From: o.account, To: to, Envelope: envelope})
	if err != nil {
		return deviceErrors, err
	}
	recipients := []string{to}
	if to != o.account {
		recipients = append(recipients, o.account)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	for _, r := range recipients {
		if err := o.transport.SendStanza(ctx, r, payload); err != nil {
			return deviceErrors, fmt.Errorf("omemo: error sending to %s: %w", r, err)
		}
	}
	return deviceErrors, nil
}

// ProcessIncoming decrypts a stanza the transport received from the identity from.
func (o *Omemo) ProcessIncoming(from string, body []byte) (*messaging.Message, error) {
	stanza, err := wire.DecodeStanza(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", messaging.ErrMalformedEnvelope, err)
	}
	if stanza.From != from {
		return nil, fmt.Errorf("%w: stanza claims to be from %s, received from %s", messaging.ErrMalformedEnvelope, stanza.From, from)
	}
	return o.messaging.Decrypt(stanza.Envelope, address.New(from, stanza.Envelope.SID))
}

func (o *Omemo) IsTrusted(addr address.Address, key []byte) (bool, error) {
	var trusted bool
	err := o.DB.RunReadOnly(fmt.Sprintf("is trusted %s", addr), func() error {
		var err error
		trusted, err = o.trust.IsTrusted(addr, key)
		return err
	})
	return trusted, err
}

func (o *Omemo) SetTrust(addr address.Address, key []byte, trusted bool) error {
	return o.DB.Run(fmt.Sprintf("set trust %s", addr), func() error {
		return o.trust.SetTrust(addr, key, trusted)
	})
}

// GetIdentity returns the current identity key of addr, nil if none was seen yet.
func (o *Omemo) GetIdentity(addr address.Address) ([]byte, error) {
	var key []byte
	err := o.DB.RunReadOnly(fmt.Sprintf("identity of %s", addr), func() error {
		var err error
		key, err = o.trust.GetIdentity(addr)
		return err
	})
	return key, err
}

func (o *Omemo) TrustState(addr address.Address, key []byte) (trust.State, error) {
	var s trust.State
	err := o.DB.RunReadOnly(fmt.Sprintf("trust state %s", addr), func() error {
		var err error
		s, err = o.trust.State(addr, key)
		return err
	})
	return s, err
}

// TrustRecords lists every identity key seen for the devices of identity.
func (o *Omemo) TrustRecords(identity string) ([]*trust.Record, error) {
	var records []*trust.Record
	err := o.DB.RunReadOnly(fmt.Sprintf("trust records %s", identity), func() error {
		var err error
		records, err = o.trust.Records(identity)
		return err
	})
	return records, err
}

// KnownDevicesFor lists every device id ever seen for identity.
func (o *Omemo) KnownDevicesFor(identity string) ([]uint32, error) {
	var known []uint32
	err := o.DB.RunReadOnly(fmt.Sprintf("known devices %s", identity), func() error {
		var err error
		known, err = o.directory.Known(identity)
		return err
	})
	return known, err
}

func (o *Omemo) HasKnownDevices(identity string) (bool, error) {
	var ok bool
	err := o.DB.RunReadOnly(fmt.Sprintf("has known devices %s", identity), func() error {
		var err error
		ok, err = o.directory.HasKnown(identity)
		return err
	})
	return ok, err
}

func (o *Omemo) HasSession(addr address.Address) (bool, error) {
	return o.messaging.HasSession(addr)
}

func (o *Omemo) DeleteDevice(addr address.Address) error {
	return o.messaging.DeleteDevice(addr)
}

// PublishBundle replenishes prekeys and republishes the bundle when it changed since the last successful
// publish, or always when forced. A *BundlePublished update follows every bundle actually sent.
func (o *Omemo) PublishBundle(ctx context.Context, force bool) error {
	sent, err := o.bundles.Publish(ctx, force)
	if err != nil || !sent {
		return err
	}
	local, err := o.local()
	if err != nil {
		return err
	}
	o.publish(&BundlePublished{DeviceID: local.DeviceID})
	return nil
}

// PublishOwnDevices announces the account's device list with this device on it. Unless forced it only
// publishes when this device is missing from the cached list.
func (o *Omemo) PublishOwnDevices(ctx context.Context, force bool) error {
	local, err := o.local()
	if err != nil {
		return err
	}
	var devices []address.Address
	if err := o.DB.RunReadOnly("own devices", func() error {
		var err error
		devices, err = o.directory.Devices(o.account)
		return err
	}); err != nil {
		return err
	}
	ids := make([]uint32, 0, len(devices)+1)
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	if slices.Contains(ids, local.DeviceID) && !force {
		return nil
	}
	ids = append(ids, local.DeviceID)
	payload, err := directory.Encode(ids)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := o.transport.PublishDevices(ctx, o.account, payload); err != nil {
		return fmt.Errorf("omemo: error publishing devices: %w", err)
	}
	o.log.Infof("published %d devices for %s", len(ids), o.account)
	_, err = o.directory.Process(o.account, payload)
	return err
}

// RefreshDevices queries the device list of identity. A stale directory keeps the cached devices.
func (o *Omemo) RefreshDevices(ctx context.Context, identity string) (*directory.Change, error) {
	change, err := o.directory.Query(ctx, o.transport, identity)
	if err != nil {
		return nil, err
	}
	if identity == o.account {
		if err := o.PublishOwnDevices(ctx, false); err != nil {
			return change, err
		}
	}
	return change, nil
}

// ProcessDeviceList applies a device list pushed for identity. When it is the account's own list and
// this device is missing from it, the list is republished with this device added.
func (o *Omemo) ProcessDeviceList(identity string, payload []byte) (*directory.Change, error) {
	change, err := o.directory.Process(identity, payload)
	if err != nil {
		return nil, err
	}
	if identity == o.account {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(o.config.RequestTimeoutMs)*time.Millisecond)
		defer cancel()
		if err := o.PublishOwnDevices(ctx, false); err != nil {
			return change, err
		}
	}
	return change, nil
}

// RefreshBundle fetches the bundle of addr and records its identity key, invalidating the session with
// addr when the key changed.
func (o *Omemo) RefreshBundle(ctx context.Context, addr address.Address) (*trust.KeyChange, error) {
	return o.messaging.RefreshBundle(ctx, addr)
}

// Verifier starts a PIN based verification of the identity of peer.
func (o *Omemo) Verifier(peer address.Address, initiator bool, pin string) (*trust.Verifier, error) {
	local, err := o.local()
	if err != nil {
		return nil, err
	}
	return o.trust.NewVerifier(initiator, address.New(o.account, local.DeviceID), local.PublicKey(), peer, pin)
}

// startRepublisher republishes the bundle once consumed prekeys drop the pool below the low water
// mark, and checks periodically whether the signed prekey is due for rotation.
func (o *Omemo) startRepublisher(ctx context.Context) {
	consumed := o.messaging.PreKeysConsumed()
	o.finished.Add(1)
	go func() {
		defer o.finished.Done()
		ticker := time.NewTicker(rotationCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-consumed:
				var needed bool
				if err := o.DB.RunReadOnly("check prekeys", func() error {
					var err error
					needed, err = o.bundles.NeedsReplenish()
					return err
				}); err != nil {
					o.log.Warnf("error checking prekeys: %v", err)
					continue
				}
				if needed {
					o.republish(ctx)
				}
			case <-ticker.C:
				o.republish(ctx)
			}
		}
	}()
}

func (o *Omemo) republish(ctx context.Context) {
	if err := o.PublishBundle(ctx, false); err != nil {
		o.log.Warnf("error republishing bundle: %v", err)
	}
}
