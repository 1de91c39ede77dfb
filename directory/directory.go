// Package directory tracks which devices exist for every identity omemo talks to, including the local
// account. Devices that stop being announced are kept, inactive, so their sessions and trust records
// survive a later reappearance.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/clock"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/transport"
	"github.com/meow-io/go-omemo/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrDirectoryStale means a fresh device list could not be obtained; cached devices remain in use.
var ErrDirectoryStale = errors.New("directory: stale")

// Change describes what a reconciliation did to an identity's device set.
type Change struct {
	Identity string
	Added    []uint32
	Removed  []uint32
}

func (c *Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

type Directory struct {
	db          *database
	clock       clock.Clock
	config      *config.Config
	log         *zap.SugaredLogger
	subscribers []func(*Change)
	subLock     sync.RWMutex
}

func NewDirectory(c *config.Config, d *db.Database, cl clock.Clock) (*Directory, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("directory: error making directory %w", err)
	}
	return &Directory{
		db:     database,
		clock:  cl,
		config: c,
		log:    c.Logger("directory"),
	}, nil
}

// Subscribe registers f to be called with every non-empty change after it has been committed.
func (d *Directory) Subscribe(f func(*Change)) {
	d.subLock.Lock()
	defer d.subLock.Unlock()
	d.subscribers = append(d.subscribers, f)
}

// Devices returns the active devices of identity.
func (d *Directory) Devices(identity string) ([]address.Address, error) {
	devices, err := d.db.devices(identity)
	if err != nil {
		return nil, err
	}
	out := make([]address.Address, 0, len(devices))
	for _, dev := range devices {
		if dev.Active {
			out = append(out, address.New(dev.Name, dev.DeviceID))
		}
	}
	return out, nil
}

// Targets returns the active devices of identity which have not been excluded for lacking a bundle.
func (d *Directory) Targets(identity string) ([]address.Address, error) {
	devices, err := d.db.devices(identity)
	if err != nil {
		return nil, err
	}
	out := make([]address.Address, 0, len(devices))
	for _, dev := range devices {
		if dev.Active && !dev.BundleMissing {
			out = append(out, address.New(dev.Name, dev.DeviceID))
		}
	}
	return out, nil
}

func (d *Directory) IsActive(addr address.Address) (bool, error) {
	dev, ok, err := d.db.device(addr.Name, addr.DeviceID)
	if err != nil || !ok {
		return false, err
	}
	return dev.Active, nil
}

// Known returns every device id ever seen for identity, active or not.
func (d *Directory) Known(identity string) ([]uint32, error) {
	devices, err := d.db.devices(identity)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(devices))
	for i, dev := range devices {
		out[i] = dev.DeviceID
	}
	return out, nil
}

func (d *Directory) HasKnown(identity string) (bool, error) {
	known, err := d.Known(identity)
	if err != nil {
		return false, err
	}
	return len(known) != 0, nil
}

// Reconcile applies a freshly announced device list for identity.
func (d *Directory) Reconcile(identity string, announced []uint32) (*Change, error) {
	now := d.clock.CurrentTimeMs()
	existing, err := d.db.devices(identity)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint32]*device, len(existing))
	for _, dev := range existing {
		byID[dev.DeviceID] = dev
	}
	seen := make(map[uint32]struct{}, len(announced))
	change := &Change{Identity: identity, Added: []uint32{}, Removed: []uint32{}}

	for _, id := range announced {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		dev, ok := byID[id]
		if !ok {
			dev = &device{Name: identity, DeviceID: id, FirstSeenMs: now}
		}
		if !dev.Active {
			change.Added = append(change.Added, id)
		}
		dev.Active = true
		dev.BundleMissing = false
		dev.LastSeenMs = now
		if err := d.db.upsertDevice(dev); err != nil {
			return nil, err
		}
	}

	for _, dev := range existing {
		if _, ok := seen[dev.DeviceID]; ok || !dev.Active {
			continue
		}
		dev.Active = false
		if err := d.db.upsertDevice(dev); err != nil {
			return nil, err
		}
		change.Removed = append(change.Removed, dev.DeviceID)
	}

	slices.Sort(change.Added)
	slices.Sort(change.Removed)
	if !change.Empty() {
		d.log.Infof("device list for %s changed added=%v removed=%v", identity, change.Added, change.Removed)
		d.publish(change)
	}
	return change, nil
}

// MarkBundleMissing excludes addr from encryption until a reconciliation announces it again.
func (d *Directory) MarkBundleMissing(addr address.Address) error {
	ok, err := d.db.setBundleMissing(addr.Name, addr.DeviceID, true)
	if err != nil {
		return err
	}
	if ok {
		d.log.Infof("excluding %s, no bundle published", addr)
	}
	return nil
}

// Delete forgets addr entirely.
func (d *Directory) Delete(addr address.Address) error {
	dev, ok, err := d.db.device(addr.Name, addr.DeviceID)
	if err != nil || !ok {
		return err
	}
	if err := d.db.deleteDevice(addr.Name, addr.DeviceID); err != nil {
		return err
	}
	if dev.Active {
		d.publish(&Change{Identity: addr.Name, Added: []uint32{}, Removed: []uint32{addr.DeviceID}})
	}
	return nil
}

// Decode parses an announced device list, dropping ids no device can have.
func (d *Directory) Decode(payload []byte) ([]uint32, error) {
	list, err := wire.DecodeDeviceList(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryStale, err)
	}
	ids := make(map[uint32]struct{}, len(list.Devices))
	for _, id := range list.Devices {
		if id == 0 || id > address.MaxDeviceID {
			d.log.Debugf("ignoring invalid device id %d", id)
			continue
		}
		ids[id] = struct{}{}
	}
	out := maps.Keys(ids)
	slices.Sort(out)
	return out, nil
}

// Encode produces the device list payload for ids.
func Encode(ids []uint32) ([]byte, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return wire.Serialize(&wire.DeviceList{Devices: slices.Compact(sorted)})
}

// Query fetches and reconciles the device list of identity. It takes the lock itself, so it must not be
// called while holding it.
func (d *Directory) Query(ctx context.Context, t transport.Transport, identity string) (*Change, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.config.DirectoryTimeoutMs)*time.Millisecond)
	defer cancel()
	payload, err := t.QueryDevices(ctx, identity)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			// nothing announced is a valid, empty, list
			payload, err = Encode(nil)
			if err != nil {
				return nil, err
			}
		} else {
			d.log.Warnf("error querying devices for %s: %v", identity, err)
			return nil, fmt.Errorf("%w: %s", ErrDirectoryStale, err)
		}
	}
	return d.Process(identity, payload)
}

// Process decodes and reconciles a device list received for identity, for instance from a push
// notification. A malformed list leaves the cached devices untouched.
func (d *Directory) Process(identity string, payload []byte) (*Change, error) {
	announced, err := d.Decode(payload)
	if err != nil {
		d.log.Warnf("malformed device list for %s: %v", identity, err)
		return nil, err
	}
	var change *Change
	if err := d.db.Run(fmt.Sprintf("reconcile devices for %s", identity), func() error {
		var err error
		change, err = d.Reconcile(identity, announced)
		return err
	}); err != nil {
		return nil, err
	}
	return change, nil
}

func (d *Directory) publish(change *Change) {
	d.db.AfterCommit(func() {
		d.subLock.RLock()
		defer d.subLock.RUnlock()
		for _, f := range d.subscribers {
			f(change)
		}
	})
}
