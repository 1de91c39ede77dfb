package pubsub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/transport"
	"github.com/meow-io/go-omemo/wire"
	"go.uber.org/zap"
)

// Client reaches a pubsub node service over HTTP.
type Client struct {
	base string
	http *http.Client
	log  *zap.SugaredLogger
}

var _ transport.Transport = (*Client)(nil)

func NewClient(c *config.Config, base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: http.DefaultClient,
		log:  c.Logger("pubsub/client"),
	}
}

func devicesPath(identity string) string {
	return fmt.Sprintf("/nodes/%s/devices", url.PathEscape(identity))
}

func bundlePath(addr address.Address) string {
	return fmt.Sprintf("/nodes/%s/bundles/%d", url.PathEscape(addr.Name), addr.DeviceID)
}

func stanzasPath(identity string) string {
	return fmt.Sprintf("/stanzas/%s", url.PathEscape(identity))
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	req.Header.Set(requestIDHeader, id)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pubsub: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debugf("%s %s %s -> %d", id, method, path, resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("pubsub: %s %s: %w", method, path, transport.ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("pubsub: %s %s: %s", method, path, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

func (c *Client) SendStanza(ctx context.Context, to string, payload []byte) error {
	_, err := c.do(ctx, http.MethodPost, stanzasPath(to), payload)
	return err
}

func (c *Client) QueryDevices(ctx context.Context, identity string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, devicesPath(identity), nil)
}

func (c *Client) PublishDevices(ctx context.Context, identity string, payload []byte) error {
	_, err := c.do(ctx, http.MethodPut, devicesPath(identity), payload)
	return err
}

func (c *Client) FetchBundle(ctx context.Context, addr address.Address) ([]byte, error) {
	return c.do(ctx, http.MethodGet, bundlePath(addr), nil)
}

func (c *Client) PublishBundle(ctx context.Context, addr address.Address, payload []byte) error {
	_, err := c.do(ctx, http.MethodPut, bundlePath(addr), payload)
	return err
}

// Receive collects the stanzas queued for identity. Collected stanzas are removed from the service.
func (c *Client) Receive(ctx context.Context, identity string) ([][]byte, error) {
	body, err := c.do(ctx, http.MethodGet, stanzasPath(identity), nil)
	if err != nil {
		return nil, err
	}
	var q Queue
	if err := wire.Deserialize(body, &q); err != nil {
		return nil, err
	}
	return q.Stanzas, nil
}
