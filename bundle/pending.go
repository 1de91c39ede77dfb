package bundle

import (
	"context"
	"sync"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/wire"
)

type fetch struct {
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled bool
	bundle    *wire.Bundle
	err       error
}

// pending allows one in-flight fetch per device. Later callers wait for the first one's result.
type pending struct {
	lock    sync.Mutex
	fetches map[address.Address]*fetch
}

func newPending() *pending {
	return &pending{fetches: make(map[address.Address]*fetch)}
}

func (p *pending) do(ctx context.Context, addr address.Address, f func(context.Context) (*wire.Bundle, error)) (*wire.Bundle, error) {
	p.lock.Lock()
	if ft, ok := p.fetches[addr]; ok {
		p.lock.Unlock()
		select {
		case <-ft.done:
			return ft.bundle, ft.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	ft := &fetch{done: make(chan struct{}), cancel: cancel}
	p.fetches[addr] = ft
	p.lock.Unlock()

	b, err := f(fetchCtx)
	cancel()

	p.lock.Lock()
	if ft.cancelled {
		b, err = nil, ErrFetchCancelled
	} else {
		delete(p.fetches, addr)
	}
	ft.bundle, ft.err = b, err
	p.lock.Unlock()
	close(ft.done)
	return b, err
}

func (p *pending) cancel(addr address.Address) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	ft, ok := p.fetches[addr]
	if !ok {
		return false
	}
	ft.cancelled = true
	ft.cancel()
	delete(p.fetches, addr)
	return true
}

func (p *pending) isPending(addr address.Address) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.fetches[addr]
	return ok
}
