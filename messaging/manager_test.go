package messaging

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/bundle"
	"github.com/meow-io/go-omemo/clock"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/directory"
	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/internal/test"
	"github.com/meow-io/go-omemo/trust"
	"github.com/meow-io/go-omemo/wire"
	"github.com/stretchr/testify/require"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testDevice struct {
	addr      address.Address
	db        *db.Database
	manager   *Manager
	exchange  *bundle.Exchange
	directory *directory.Directory
	trust     *trust.Manager
}

func newTestDevice(t *testing.T, tr *test.Transport, account string, opts ...config.Option) *testDevice {
	c := config.NewConfig(append([]config.Option{config.WithLoggingPrefix(account), config.WithPrekeyCount(5), config.WithPrekeyLowWater(2)}, opts...)...)
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	cl := clock.NewSystemClock()
	td := &testDevice{db: d}
	require.Nil(t, d.Lock("init", func() error {
		var err error
		if td.directory, err = directory.NewDirectory(c, d, cl); err != nil {
			return err
		}
		if td.exchange, err = bundle.NewExchange(c, d, cl, tr, account); err != nil {
			return err
		}
		if td.trust, err = trust.NewManager(c, d, cl); err != nil {
			return err
		}
		td.manager, err = NewManager(c, d, cl, tr, account, td.directory, td.exchange, td.trust)
		return err
	}))
	_, err := td.exchange.Publish(context.Background(), true)
	require.Nil(t, err)
	td.addr = address.New(account, td.local(t).DeviceID)
	return td
}

func (td *testDevice) local(t *testing.T) *bundle.Identity {
	var i *bundle.Identity
	require.Nil(t, td.db.Run("local", func() error {
		var err error
		i, err = td.exchange.Local()
		return err
	}))
	return i
}

func (td *testDevice) trustKey(t *testing.T, other *testDevice, trusted bool) {
	require.Nil(t, td.db.Run("trust", func() error {
		return td.trust.SetTrust(other.addr, other.local(t).PublicKey(), trusted)
	}))
}

func announce(t *testing.T, tr *test.Transport, identity string, devices ...*testDevice) {
	ids := make([]uint32, len(devices))
	for i, d := range devices {
		ids[i] = d.addr.DeviceID
	}
	payload, err := directory.Encode(ids)
	require.Nil(t, err)
	tr.SetDevices(identity, payload)
}

func ratchetMessageFor(t *testing.T, e *wire.Envelope, rid uint32) *wire.RatchetMessage {
	el := e.KeyFor(rid)
	require.NotNil(t, el)
	rm, err := wire.DecodeRatchetMessage(el.Data)
	require.Nil(t, err)
	return rm
}

func TestEncryptCoversCorrespondentAndOwnDevices(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a1 := newTestDevice(t, tr, alice)
	a2 := newTestDevice(t, tr, alice)
	b1 := newTestDevice(t, tr, bob)
	b2 := newTestDevice(t, tr, bob)
	announce(t, tr, alice, a1, a2)
	announce(t, tr, bob, b1, b2)

	envelope, deviceErrors, err := a1.manager.Encrypt(context.Background(), bob, []byte("hello"))
	require.Nil(err)
	require.Empty(deviceErrors)
	require.Len(envelope.Keys, 3)
	require.ElementsMatch([]uint32{a2.addr.DeviceID, b1.addr.DeviceID, b2.addr.DeviceID}, envelope.Recipients())
	require.Nil(envelope.KeyFor(a1.addr.DeviceID))
	require.Equal(a1.addr.DeviceID, envelope.SID)

	for _, d := range []*testDevice{a2, b1, b2} {
		msg, err := d.manager.Decrypt(envelope, a1.addr)
		require.Nil(err)
		require.Equal([]byte("hello"), msg.Plaintext)
		require.Equal(a1.local(t).PublicKey(), msg.IdentityKey)
		require.True(msg.Trusted)
	}
}

func TestRoundtripSizes(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)

	large := bytes.Repeat([]byte("0123456789abcdef"), 8*1024+3)
	for _, pt := range [][]byte{{}, []byte("x"), large} {
		envelope, _, err := a.manager.Encrypt(context.Background(), bob, pt)
		require.Nil(err)
		msg, err := b.manager.Decrypt(envelope, a.addr)
		require.Nil(err)
		require.True(bytes.Equal(pt, msg.Plaintext))
	}
}

func TestReplayFails(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, alice, a)
	announce(t, tr, bob, b)

	first, _, err := a.manager.Encrypt(context.Background(), bob, []byte("one"))
	require.Nil(err)
	_, err = b.manager.Decrypt(first, a.addr)
	require.Nil(err)
	_, err = b.manager.Decrypt(first, a.addr)
	require.ErrorIs(err, ErrDecryptAuth)

	reply, _, err := b.manager.Encrypt(context.Background(), alice, []byte("two"))
	require.Nil(err)
	require.False(reply.Keys[0].Prekey)
	msg, err := a.manager.Decrypt(reply, b.addr)
	require.Nil(err)
	require.Equal([]byte("two"), msg.Plaintext)
	_, err = a.manager.Decrypt(reply, b.addr)
	require.ErrorIs(err, ErrDecryptAuth)

	// answered, so no more preambles
	third, _, err := a.manager.Encrypt(context.Background(), bob, []byte("three"))
	require.Nil(err)
	require.False(third.KeyFor(b.addr.DeviceID).Prekey)
	require.Nil(ratchetMessageFor(t, third, b.addr.DeviceID).Preamble)
	_, err = b.manager.Decrypt(third, a.addr)
	require.Nil(err)
	_, err = b.manager.Decrypt(third, a.addr)
	require.ErrorIs(err, ErrDecryptAuth)
}

func TestPreambleRepeatsUntilAnswered(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)

	first, _, err := a.manager.Encrypt(context.Background(), bob, []byte("one"))
	require.Nil(err)
	second, _, err := a.manager.Encrypt(context.Background(), bob, []byte("two"))
	require.Nil(err)
	require.True(first.Keys[0].Prekey)
	require.True(second.Keys[0].Prekey)
	p1 := ratchetMessageFor(t, first, b.addr.DeviceID).Preamble
	p2 := ratchetMessageFor(t, second, b.addr.DeviceID).Preamble
	require.Equal(p1, p2)
	require.Equal(1, tr.Fetches(b.addr))

	// out of order, both use the same session
	msg, err := b.manager.Decrypt(second, a.addr)
	require.Nil(err)
	require.Equal([]byte("two"), msg.Plaintext)
	msg, err = b.manager.Decrypt(first, a.addr)
	require.Nil(err)
	require.Equal([]byte("one"), msg.Plaintext)

	select {
	case <-b.manager.PreKeysConsumed():
	case <-time.After(time.Second):
		require.Fail("expected prekey consumption to be signalled")
	}
	var count int
	require.Nil(b.db.Run("count", func() error {
		var err error
		count, err = b.exchange.PreKeyCount()
		return err
	}))
	require.Equal(4, count)
}

func TestFailedDecryptHasNoSideEffects(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)

	envelope, _, err := a.manager.Encrypt(context.Background(), bob, []byte("secret"))
	require.Nil(err)

	tampered := *envelope
	tampered.Payload = append([]byte{}, envelope.Payload...)
	tampered.Payload[0] ^= 0xff
	_, err = b.manager.Decrypt(&tampered, a.addr)
	require.ErrorIs(err, ErrDecryptAuth)

	ok, err := b.manager.HasSession(a.addr)
	require.Nil(err)
	require.False(ok)

	msg, err := b.manager.Decrypt(envelope, a.addr)
	require.Nil(err)
	require.Equal([]byte("secret"), msg.Plaintext)
}

func TestDecryptErrors(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	c := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)

	envelope, _, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.Nil(err)

	_, err = c.manager.Decrypt(envelope, a.addr)
	require.ErrorIs(err, ErrNotAddressed)

	// strip the preamble from a key exchange
	rm := ratchetMessageFor(t, envelope, b.addr.DeviceID)
	rm.Preamble = nil
	data, err := wire.Serialize(rm)
	require.Nil(err)
	stripped := &wire.Envelope{SID: envelope.SID, Nonce: envelope.Nonce, Payload: envelope.Payload, Keys: []*wire.KeyElement{{RID: b.addr.DeviceID, Data: data}}}
	_, err = b.manager.Decrypt(stripped, a.addr)
	require.ErrorIs(err, ErrNoSession)

	stripped.Keys[0].Prekey = true
	_, err = b.manager.Decrypt(stripped, a.addr)
	require.ErrorIs(err, ErrMalformedEnvelope)

	stripped.Keys[0].Data = []byte{0x01}
	_, err = b.manager.Decrypt(stripped, a.addr)
	require.ErrorIs(err, ErrMalformedEnvelope)

	// a null key element is skipped rather than dereferenced
	stripped.Keys = []*wire.KeyElement{nil}
	_, err = b.manager.Decrypt(stripped, a.addr)
	require.ErrorIs(err, ErrNotAddressed)
}

func TestConsumedPreKeyCannotBeReused(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)

	envelope, _, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.Nil(err)
	_, err = b.manager.Decrypt(envelope, a.addr)
	require.Nil(err)

	// the same preamble against a store which no longer has the session
	require.Nil(b.manager.InvalidateSession(a.addr))
	_, err = b.manager.Decrypt(envelope, a.addr)
	require.ErrorIs(err, ErrDecryptAuth)
}

func TestReplayedPreambleAfterReplacement(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)
	ctx := context.Background()

	first, _, err := a.manager.Encrypt(ctx, bob, []byte("one"))
	require.Nil(err)
	_, err = b.manager.Decrypt(first, a.addr)
	require.Nil(err)
	// republished without the consumed prekey
	sent, err := b.exchange.Publish(ctx, true)
	require.Nil(err)
	require.True(sent)

	// alice starts over, bob replaces his session
	require.Nil(a.manager.InvalidateSession(b.addr))
	second, _, err := a.manager.Encrypt(ctx, bob, []byte("two"))
	require.Nil(err)
	require.NotEqual(ratchetMessageFor(t, first, b.addr.DeviceID).Preamble.EphemeralKey, ratchetMessageFor(t, second, b.addr.DeviceID).Preamble.EphemeralKey)
	_, err = b.manager.Decrypt(second, a.addr)
	require.Nil(err)

	// the old key exchange references a consumed prekey
	_, err = b.manager.Decrypt(first, a.addr)
	require.ErrorIs(err, ErrDecryptAuth)

	// and one without a prekey is never accepted
	rm := ratchetMessageFor(t, first, b.addr.DeviceID)
	rm.Preamble.PreKeyID = 0
	data, err := wire.Serialize(rm)
	require.Nil(err)
	forged := &wire.Envelope{SID: first.SID, Nonce: first.Nonce, Payload: first.Payload, Keys: []*wire.KeyElement{{RID: b.addr.DeviceID, Prekey: true, Data: data}}}
	_, err = b.manager.Decrypt(forged, a.addr)
	require.ErrorIs(err, ErrDecryptAuth)

	// the replacement session survived both
	third, _, err := a.manager.Encrypt(ctx, bob, []byte("three"))
	require.Nil(err)
	msg, err := b.manager.Decrypt(third, a.addr)
	require.Nil(err)
	require.Equal([]byte("three"), msg.Plaintext)
}

func TestMalformedPreKeysReportedPerDevice(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)

	var bb *wire.Bundle
	require.Nil(b.db.Run("build", func() error {
		var err error
		bb, err = b.exchange.Build()
		return err
	}))
	publish := func(preKeys []*wire.PreKey) {
		bb.PreKeys = preKeys
		payload, err := wire.Serialize(bb)
		require.Nil(err)
		tr.SetBundle(b.addr, payload)
	}
	preKeys := bb.PreKeys

	publish(append([]*wire.PreKey{nil}, preKeys...))
	_, deviceErrors, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.ErrorIs(err, ErrNoUsableRecipients)
	require.Len(deviceErrors, 1)
	require.ErrorIs(deviceErrors[0], bundle.ErrFetch)

	publish(nil)
	_, deviceErrors, err = a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.ErrorIs(err, ErrNoUsableRecipients)
	require.Len(deviceErrors, 1)
	require.ErrorIs(deviceErrors[0], ErrNoPreKeys)
	ok, err := a.manager.HasSession(b.addr)
	require.Nil(err)
	require.False(ok)

	publish(preKeys)
	envelope, _, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.Nil(err)
	msg, err := b.manager.Decrypt(envelope, a.addr)
	require.Nil(err)
	require.Equal([]byte("hi"), msg.Plaintext)
}

func TestConcurrentEncryptKeepsCountersMonotonic(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, alice, a)
	announce(t, tr, bob, b)

	const n = 10
	envelopes := make([]*wire.Envelope, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envelopes[i], _, errs[i] = a.manager.Encrypt(context.Background(), bob, []byte{byte(i)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.Nil(err)
	}

	sort.Slice(envelopes, func(i, j int) bool {
		return ratchetMessageFor(t, envelopes[i], b.addr.DeviceID).N < ratchetMessageFor(t, envelopes[j], b.addr.DeviceID).N
	})
	for i, e := range envelopes {
		require.Equal(uint32(i), ratchetMessageFor(t, e, b.addr.DeviceID).N)
		_, err := b.manager.Decrypt(e, a.addr)
		require.Nil(err)
	}
}

func TestOnlyBundledDevicesAreCovered(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b1 := newTestDevice(t, tr, bob)
	b2 := newTestDevice(t, tr, bob)
	tr.DeleteBundle(b2.addr)
	announce(t, tr, alice, a)
	announce(t, tr, bob, b1, b2)
	a.trustKey(t, b1, true)

	envelope, deviceErrors, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.Nil(err)
	require.Equal([]uint32{b1.addr.DeviceID}, envelope.Recipients())
	require.Len(deviceErrors, 1)
	require.Equal(b2.addr, deviceErrors[0].Address)
	require.ErrorIs(deviceErrors[0], bundle.ErrBundleNotFound)

	msg, err := b1.manager.Decrypt(envelope, a.addr)
	require.Nil(err)
	require.Equal([]byte("hi"), msg.Plaintext)
	_, err = b2.manager.Decrypt(envelope, a.addr)
	require.ErrorIs(err, ErrNotAddressed)

	// excluded until the device list announces it again
	_, _, err = a.manager.Encrypt(context.Background(), bob, []byte("again"))
	require.Nil(err)
	require.Equal(1, tr.Fetches(b2.addr))
}

func TestNoUsableRecipients(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)

	_, _, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.ErrorIs(err, ErrNoUsableRecipients)
}

func TestOwnDevicesAloneAreNotEnough(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a1 := newTestDevice(t, tr, alice)
	a2 := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	tr.DeleteBundle(b.addr)
	announce(t, tr, alice, a1, a2)
	announce(t, tr, bob, b)

	envelope, deviceErrors, err := a1.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.ErrorIs(err, ErrNoUsableRecipients)
	require.Nil(envelope)
	require.Len(deviceErrors, 1)
	require.Equal(b.addr, deviceErrors[0].Address)
	require.ErrorIs(deviceErrors[0], bundle.ErrBundleNotFound)

	// a note to self only needs the other own device
	envelope, deviceErrors, err = a1.manager.Encrypt(context.Background(), alice, []byte("note"))
	require.Nil(err)
	require.Empty(deviceErrors)
	require.Equal([]uint32{a2.addr.DeviceID}, envelope.Recipients())
}

func TestInvalidSignatureReportedOnEveryAttempt(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, alice, a)
	announce(t, tr, bob, b)

	var bb *wire.Bundle
	require.Nil(b.db.Run("build", func() error {
		var err error
		bb, err = b.exchange.Build()
		return err
	}))
	bb.SignedPreKeySignature[0] ^= 0xff
	payload, err := wire.Serialize(bb)
	require.Nil(err)
	tr.SetBundle(b.addr, payload)

	for i := 1; i <= 2; i++ {
		_, deviceErrors, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
		require.ErrorIs(err, ErrNoUsableRecipients)
		require.Len(deviceErrors, 1)
		require.ErrorIs(deviceErrors[0], bundle.ErrSignatureInvalid)
		require.Equal(i, tr.Fetches(b.addr))
	}
	ok, err := a.manager.HasSession(b.addr)
	require.Nil(err)
	require.False(ok)
}

func TestKeyChangeInvalidatesSession(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice, config.WithTrustPolicy(config.TrustExplicit))
	b := newTestDevice(t, tr, bob)
	announce(t, tr, alice, a)
	announce(t, tr, bob, b)
	a.trustKey(t, b, true)

	_, _, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.Nil(err)
	ok, err := a.manager.HasSession(b.addr)
	require.Nil(err)
	require.True(ok)

	// the device is reinstalled under the same id with a new identity
	replacement := newTestDevice(t, test.NewTransport(), bob)
	var rb *wire.Bundle
	require.Nil(replacement.db.Run("build", func() error {
		var err error
		rb, err = replacement.exchange.Build()
		return err
	}))
	payload, err := wire.Serialize(rb)
	require.Nil(err)
	tr.SetBundle(b.addr, payload)

	change, err := a.manager.RefreshBundle(context.Background(), b.addr)
	require.Nil(err)
	require.NotNil(change)
	require.Equal(rb.IdentityKey, change.NewKey)

	ok, err = a.manager.HasSession(b.addr)
	require.Nil(err)
	require.False(ok)
	require.Nil(a.db.RunReadOnly("state", func() error {
		s, err := a.trust.State(b.addr, rb.IdentityKey)
		require.Nil(err)
		require.Equal(trust.Undecided, s)
		trusted, err := a.trust.IsTrusted(b.addr, rb.IdentityKey)
		require.Nil(err)
		require.False(trusted)
		s, err = a.trust.State(b.addr, b.local(t).PublicKey())
		require.Nil(err)
		require.Equal(trust.Trusted, s)
		return nil
	}))

	fetches := tr.Fetches(b.addr)
	_, deviceErrors, err := a.manager.Encrypt(context.Background(), bob, []byte("hi again"))
	require.ErrorIs(err, ErrNoUsableRecipients)
	require.Equal(fetches+1, tr.Fetches(b.addr))
	require.Len(deviceErrors, 1)
	require.ErrorIs(deviceErrors[0], trust.ErrUntrusted)
}

func TestKeyChangeSeenOnDecrypt(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)

	envelope, _, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.Nil(err)
	msg, err := b.manager.Decrypt(envelope, a.addr)
	require.Nil(err)
	require.Nil(msg.KeyChange)

	// a second installation claiming the same address
	impostor := newTestDevice(t, tr, alice)
	envelope, _, err = impostor.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.Nil(err)
	msg, err = b.manager.Decrypt(envelope, a.addr)
	require.Nil(err)
	require.NotNil(msg.KeyChange)
	require.Equal(impostor.local(t).PublicKey(), msg.KeyChange.NewKey)
}

func TestRemovedDeviceCancelsFetch(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, alice, a)
	announce(t, tr, bob, b)
	_, err := a.directory.Query(context.Background(), tr, bob)
	require.Nil(err)

	started := make(chan struct{})
	release := make(chan struct{})
	tr.OnFetch(func(ctx context.Context, addr address.Address) error {
		close(started)
		<-release
		return nil
	})

	type result struct {
		deviceErrors []*DeviceError
		err          error
	}
	done := make(chan result)
	go func() {
		_, deviceErrors, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
		done <- result{deviceErrors, err}
	}()
	<-started
	require.True(a.exchange.Pending(b.addr))

	announce(t, tr, bob)
	_, err = a.directory.Query(context.Background(), tr, bob)
	require.Nil(err)
	require.Eventually(func() bool { return !a.exchange.Pending(b.addr) }, time.Second, 10*time.Millisecond)
	close(release)

	r := <-done
	require.ErrorIs(r.err, ErrNoUsableRecipients)
	require.Len(r.deviceErrors, 1)
	require.True(errors.Is(r.deviceErrors[0], bundle.ErrFetchCancelled))
	ok, err := a.manager.HasSession(b.addr)
	require.Nil(err)
	require.False(ok)
}

func TestDeleteDevice(t *testing.T) {
	require := require.New(t)
	tr := test.NewTransport()
	a := newTestDevice(t, tr, alice)
	b := newTestDevice(t, tr, bob)
	announce(t, tr, bob, b)

	_, _, err := a.manager.Encrypt(context.Background(), bob, []byte("hi"))
	require.Nil(err)
	require.Nil(a.manager.DeleteDevice(b.addr))

	ok, err := a.manager.HasSession(b.addr)
	require.Nil(err)
	require.False(ok)
	require.Nil(a.db.RunReadOnly("devices", func() error {
		known, err := a.directory.Known(bob)
		require.Nil(err)
		require.Empty(known)
		identity, err := a.trust.GetIdentity(b.addr)
		require.Nil(err)
		require.Equal(b.local(t).PublicKey(), identity)
		return nil
	}))
}
