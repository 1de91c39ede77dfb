package bundle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/clock"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/internal/test"
	"github.com/meow-io/go-omemo/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testExchange struct {
	exchange  *Exchange
	transport *test.Transport
	clock     *clock.Manual
}

func newTestExchange(t *testing.T, opts ...config.Option) *testExchange {
	c := config.NewConfig(append([]config.Option{config.WithLoggingPrefix("bundle"), config.WithPrekeyCount(10), config.WithPrekeyLowWater(3)}, opts...)...)
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	tr := test.NewTransport()
	cl := &clock.Manual{}
	var e *Exchange
	require.Nil(t, d.Lock("init", func() error {
		var err error
		e, err = NewExchange(c, d, cl, tr, "alice@example.com")
		return err
	}))
	return &testExchange{exchange: e, transport: tr, clock: cl}
}

func (te *testExchange) run(t *testing.T, f func() error) {
	require.Nil(t, te.exchange.db.Run("test", f))
}

func TestLocalIsStable(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	var first, second *Identity
	te.run(t, func() error {
		var err error
		first, err = te.exchange.Local()
		return err
	})
	te.run(t, func() error {
		var err error
		second, err = te.exchange.Local()
		return err
	})
	require.Equal(first.DeviceID, second.DeviceID)
	require.Equal(first.PublicKey(), second.PublicKey())
	require.NotZero(first.DeviceID)
}

func TestReplenish(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	te.run(t, func() error {
		changed, err := te.exchange.Replenish(false)
		require.Nil(err)
		require.True(changed)
		count, err := te.exchange.PreKeyCount()
		require.Nil(err)
		require.Equal(10, count)

		changed, err = te.exchange.Replenish(false)
		require.Nil(err)
		require.False(changed)

		b, err := te.exchange.Build()
		require.Nil(err)
		for _, pk := range b.PreKeys[:8] {
			_, err := te.exchange.ConsumePreKey(pk.ID)
			require.Nil(err)
		}
		needs, err := te.exchange.NeedsReplenish()
		require.Nil(err)
		require.True(needs)

		changed, err = te.exchange.Replenish(false)
		require.Nil(err)
		require.True(changed)
		b2, err := te.exchange.Build()
		require.Nil(err)
		require.Len(b2.PreKeys, 10)
		for _, pk := range b2.PreKeys {
			for _, consumed := range b.PreKeys[:8] {
				require.NotEqual(consumed.ID, pk.ID)
			}
		}
		return nil
	})
}

func TestConsumedPreKeyIsGone(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	te.run(t, func() error {
		_, err := te.exchange.Replenish(true)
		require.Nil(err)
		b, err := te.exchange.Build()
		require.Nil(err)
		id := b.PreKeys[0].ID

		kp, err := te.exchange.ConsumePreKey(id)
		require.Nil(err)
		require.Equal(b.PreKeys[0].Key, kp.Public[:])

		_, err = te.exchange.ConsumePreKey(id)
		require.ErrorIs(err, ErrUnknownPreKey)
		return nil
	})
}

func TestBuildAndVerify(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	var b *wire.Bundle
	te.run(t, func() error {
		_, err := te.exchange.Replenish(true)
		require.Nil(err)
		b, err = te.exchange.Build()
		return err
	})
	require.Nil(Verify(b))

	b.SignedPreKeySignature[0] ^= 1
	require.ErrorIs(Verify(b), ErrSignatureInvalid)
}

func TestSignedPreKeyRotation(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t, config.WithSignedPrekeyRotationMs(1000))
	var first, second *wire.Bundle
	te.run(t, func() error {
		_, err := te.exchange.Replenish(true)
		require.Nil(err)
		first, err = te.exchange.Build()
		return err
	})

	te.clock.AdvanceMs(1500)
	te.run(t, func() error {
		changed, err := te.exchange.Replenish(false)
		require.Nil(err)
		require.True(changed)
		second, err = te.exchange.Build()
		require.Nil(err)
		require.NotEqual(first.SignedPreKeyID, second.SignedPreKeyID)
		_, err = te.exchange.SignedPreKey(first.SignedPreKeyID)
		require.Nil(err)
		return nil
	})

	te.clock.AdvanceMs(1000)
	te.run(t, func() error {
		_, err := te.exchange.Replenish(false)
		require.Nil(err)
		_, err = te.exchange.SignedPreKey(first.SignedPreKeyID)
		require.ErrorIs(err, ErrUnknownPreKey)
		return nil
	})
}

func TestPublish(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	sent, err := te.exchange.Publish(context.Background(), true)
	require.Nil(err)
	require.True(sent)

	var local *Identity
	te.run(t, func() error {
		var err error
		local, err = te.exchange.Local()
		return err
	})
	b, err := te.exchange.Fetch(context.Background(), address.New("alice@example.com", local.DeviceID))
	require.Nil(err)
	require.Nil(Verify(b))
	require.Equal(local.PublicKey(), b.IdentityKey)
}

func TestPublishSkipsUnchangedBundle(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	ctx := context.Background()

	sent, err := te.exchange.Publish(ctx, false)
	require.Nil(err)
	require.True(sent)
	sent, err = te.exchange.Publish(ctx, false)
	require.Nil(err)
	require.False(sent)
	sent, err = te.exchange.Publish(ctx, true)
	require.Nil(err)
	require.True(sent)
}

func TestFailedPublishIsRetried(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	ctx := context.Background()
	var local *Identity
	te.run(t, func() error {
		var err error
		local, err = te.exchange.Local()
		return err
	})
	addr := address.New("alice@example.com", local.DeviceID)

	te.transport.FailPublishes(errors.New("connection reset"))
	sent, err := te.exchange.Publish(ctx, false)
	require.NotNil(err)
	require.False(sent)
	require.Equal(0, te.transport.Published(addr))

	te.transport.FailPublishes(nil)
	sent, err = te.exchange.Publish(ctx, false)
	require.Nil(err)
	require.True(sent)
	require.Equal(1, te.transport.Published(addr))

	sent, err = te.exchange.Publish(ctx, false)
	require.Nil(err)
	require.False(sent)
	require.Equal(1, te.transport.Published(addr))
}

func TestFetchErrors(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t, config.WithBundleFetchTimeoutMs(50))
	addr := address.New("bob@example.com", 1)

	_, err := te.exchange.Fetch(context.Background(), addr)
	require.ErrorIs(err, ErrBundleNotFound)

	te.transport.SetBundle(addr, []byte{0x01})
	_, err = te.exchange.Fetch(context.Background(), addr)
	require.ErrorIs(err, ErrFetch)

	te.transport.OnFetch(func(ctx context.Context, addr address.Address) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_, err = te.exchange.Fetch(context.Background(), addr)
	require.ErrorIs(err, ErrFetch)

	te.transport.OnFetch(func(ctx context.Context, addr address.Address) error {
		return errors.New("connection reset")
	})
	_, err = te.exchange.Fetch(context.Background(), addr)
	require.ErrorIs(err, ErrFetch)
	require.False(te.exchange.Pending(addr))
}

func TestConcurrentFetchesShareOneRequest(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	addr := address.New("bob@example.com", 1)
	other := newTestExchange(t)
	_, err := other.exchange.Publish(context.Background(), true)
	require.Nil(err)
	var b *wire.Bundle
	other.run(t, func() error {
		var err error
		b, err = other.exchange.Build()
		return err
	})
	payload, err := wire.Serialize(b)
	require.Nil(err)
	te.transport.SetBundle(addr, payload)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	te.transport.OnFetch(func(ctx context.Context, addr address.Address) error {
		started <- struct{}{}
		<-release
		return nil
	})

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i != 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := te.exchange.Fetch(context.Background(), addr)
			results <- err
		}()
	}
	<-started
	require.Eventually(func() bool { return te.exchange.Pending(addr) }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	for err := range results {
		require.Nil(err)
	}
	require.Equal(1, te.transport.Fetches(addr))
}

func TestCancelDiscardsResult(t *testing.T) {
	require := require.New(t)
	te := newTestExchange(t)
	addr := address.New("bob@example.com", 1)
	started := make(chan struct{})
	te.transport.OnFetch(func(ctx context.Context, addr address.Address) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error)
	go func() {
		_, err := te.exchange.Fetch(context.Background(), addr)
		done <- err
	}()
	<-started
	te.exchange.Cancel(addr)
	require.ErrorIs(<-done, ErrFetchCancelled)
	require.False(te.exchange.Pending(addr))
}
