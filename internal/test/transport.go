package test

import (
	"context"
	"fmt"
	"sync"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/transport"
)

type Stanza struct {
	To      string
	Payload []byte
}

// Transport is an in-memory transport shared by every account of a test.
type Transport struct {
	lock       sync.Mutex
	devices    map[string][]byte
	bundles    map[address.Address][]byte
	sent       []*Stanza
	fetches    map[address.Address]int
	fetchHook  func(ctx context.Context, addr address.Address) error
	queryErr   error
	publishErr error
	published  map[address.Address]int
}

func NewTransport() *Transport {
	return &Transport{
		devices:   make(map[string][]byte),
		bundles:   make(map[address.Address][]byte),
		fetches:   make(map[address.Address]int),
		published: make(map[address.Address]int),
	}
}

// OnFetch runs f before every bundle fetch; an error from f fails the fetch.
func (t *Transport) OnFetch(f func(ctx context.Context, addr address.Address) error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.fetchHook = f
}

func (t *Transport) FailQueries(err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.queryErr = err
}

// FailPublishes makes every bundle publish fail with err until it is called with nil.
func (t *Transport) FailPublishes(err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.publishErr = err
}

// Published counts the bundles addr published successfully.
func (t *Transport) Published(addr address.Address) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.published[addr]
}

func (t *Transport) Fetches(addr address.Address) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.fetches[addr]
}

func (t *Transport) Sent() []*Stanza {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]*Stanza{}, t.sent...)
}

func (t *Transport) SetBundle(addr address.Address, payload []byte) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.bundles[addr] = payload
}

func (t *Transport) DeleteBundle(addr address.Address) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.bundles, addr)
}

func (t *Transport) SetDevices(identity string, payload []byte) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.devices[identity] = payload
}

func (t *Transport) SendStanza(ctx context.Context, to string, payload []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.sent = append(t.sent, &Stanza{To: to, Payload: payload})
	return nil
}

func (t *Transport) QueryDevices(ctx context.Context, identity string) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	p, ok := t.devices[identity]
	if !ok {
		return nil, fmt.Errorf("devices for %s: %w", identity, transport.ErrNotFound)
	}
	return p, nil
}

func (t *Transport) PublishDevices(ctx context.Context, identity string, payload []byte) error {
	t.SetDevices(identity, payload)
	return nil
}

func (t *Transport) FetchBundle(ctx context.Context, addr address.Address) ([]byte, error) {
	t.lock.Lock()
	t.fetches[addr]++
	hook := t.fetchHook
	t.lock.Unlock()
	if hook != nil {
		if err := hook(ctx, addr); err != nil {
			return nil, err
		}
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	p, ok := t.bundles[addr]
	if !ok {
		return nil, fmt.Errorf("bundle for %s: %w", addr, transport.ErrNotFound)
	}
	return p, nil
}

func (t *Transport) PublishBundle(ctx context.Context, addr address.Address, payload []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published[addr]++
	t.bundles[addr] = payload
	return nil
}
