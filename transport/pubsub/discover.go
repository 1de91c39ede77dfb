package pubsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/grandcat/zeroconf"
)

var ErrNoService = errors.New("pubsub: no service found")

// Discover browses the local network for an announced node service and returns its base URL.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			var base string
			switch {
			case len(entry.AddrIPv4) != 0:
				base = fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0], entry.Port)
			case len(entry.AddrIPv6) != 0:
				base = fmt.Sprintf("http://[%s]:%d", entry.AddrIPv6[0], entry.Port)
			default:
				continue
			}
			select {
			case found <- base:
			default:
			}
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return "", err
	}
	select {
	case base := <-found:
		return base, nil
	case <-ctx.Done():
		return "", ErrNoService
	}
}
