// Package transport describes how omemo reaches other accounts. Everything behind it is a collaborator:
// omemo only needs stanzas delivered and device lists and bundles stored per identity.
package transport

import (
	"context"
	"errors"

	"github.com/meow-io/go-omemo/address"
)

// ErrNotFound is returned when a node holds nothing for the requested identity or device.
var ErrNotFound = errors.New("transport: not found")

type Transport interface {
	// SendStanza delivers an encoded stanza to every device of the identity.
	SendStanza(ctx context.Context, to string, payload []byte) error
	// QueryDevices returns the encoded device list announced by identity.
	QueryDevices(ctx context.Context, identity string) ([]byte, error)
	PublishDevices(ctx context.Context, identity string, payload []byte) error
	// FetchBundle returns the encoded bundle published by addr, or ErrNotFound.
	FetchBundle(ctx context.Context, addr address.Address) ([]byte, error)
	PublishBundle(ctx context.Context, addr address.Address, payload []byte) error
}
