package directory

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-omemo/address"
	"github.com/meow-io/go-omemo/clock"
	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestDirectory(t *testing.T) *Directory {
	c := config.NewConfig(config.WithLoggingPrefix("directory"))
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	var dir *Directory
	require.Nil(t, d.Lock("init", func() error {
		var err error
		dir, err = NewDirectory(c, d, clock.NewSystemClock())
		return err
	}))
	return dir
}

func reconcile(t *testing.T, dir *Directory, identity string, ids ...uint32) *Change {
	var change *Change
	require.Nil(t, dir.db.Run("reconcile", func() error {
		var err error
		change, err = dir.Reconcile(identity, ids)
		return err
	}))
	return change
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory(t)

	change := reconcile(t, dir, "bob@example.com", 1, 2, 2)
	require.Equal([]uint32{1, 2}, change.Added)
	require.Empty(change.Removed)

	change = reconcile(t, dir, "bob@example.com", 2, 3)
	require.Equal([]uint32{3}, change.Added)
	require.Equal([]uint32{1}, change.Removed)

	require.Nil(dir.db.RunReadOnly("read", func() error {
		devices, err := dir.Devices("bob@example.com")
		require.Nil(err)
		require.Equal([]address.Address{address.New("bob@example.com", 2), address.New("bob@example.com", 3)}, devices)

		known, err := dir.Known("bob@example.com")
		require.Nil(err)
		require.Equal([]uint32{1, 2, 3}, known)

		has, err := dir.HasKnown("carol@example.com")
		require.Nil(err)
		require.False(has)
		return nil
	}))

	change = reconcile(t, dir, "bob@example.com", 1, 2, 3)
	require.Equal([]uint32{1}, change.Added)
	require.True(reconcile(t, dir, "bob@example.com", 1, 2, 3).Empty())
}

func TestBundleMissingClearedByReconcile(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory(t)
	reconcile(t, dir, "bob@example.com", 1, 2)

	require.Nil(dir.db.Run("mark", func() error {
		return dir.MarkBundleMissing(address.New("bob@example.com", 2))
	}))
	require.Nil(dir.db.RunReadOnly("read", func() error {
		targets, err := dir.Targets("bob@example.com")
		require.Nil(err)
		require.Equal([]address.Address{address.New("bob@example.com", 1)}, targets)
		devices, err := dir.Devices("bob@example.com")
		require.Nil(err)
		require.Len(devices, 2)
		return nil
	}))

	require.True(reconcile(t, dir, "bob@example.com", 1, 2).Empty())
	require.Nil(dir.db.RunReadOnly("read", func() error {
		targets, err := dir.Targets("bob@example.com")
		require.Nil(err)
		require.Len(targets, 2)
		return nil
	}))
}

func TestMalformedListLeavesCacheUntouched(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory(t)
	reconcile(t, dir, "bob@example.com", 1, 2)

	_, err := dir.Process("bob@example.com", []byte{0xa1, 0x01})
	require.ErrorIs(err, ErrDirectoryStale)

	require.Nil(dir.db.RunReadOnly("read", func() error {
		devices, err := dir.Devices("bob@example.com")
		require.Nil(err)
		require.Len(devices, 2)
		return nil
	}))
}

func TestQuery(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory(t)
	tr := test.NewTransport()

	payload, err := Encode([]uint32{5, 0, 4, 5})
	require.Nil(err)
	tr.SetDevices("bob@example.com", payload)

	change, err := dir.Query(context.Background(), tr, "bob@example.com")
	require.Nil(err)
	require.Equal([]uint32{4, 5}, change.Added)

	tr.FailQueries(errors.New("offline"))
	_, err = dir.Query(context.Background(), tr, "bob@example.com")
	require.ErrorIs(err, ErrDirectoryStale)

	require.Nil(dir.db.RunReadOnly("read", func() error {
		devices, err := dir.Devices("bob@example.com")
		require.Nil(err)
		require.Len(devices, 2)
		return nil
	}))
}

func TestChangesArePublished(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory(t)
	changes := make(chan *Change, 10)
	dir.Subscribe(func(c *Change) { changes <- c })

	reconcile(t, dir, "bob@example.com", 1)
	select {
	case c := <-changes:
		require.Equal("bob@example.com", c.Identity)
		require.Equal([]uint32{1}, c.Added)
	case <-time.After(time.Second):
		require.Fail("no change published")
	}

	require.Nil(dir.db.Run("delete", func() error {
		return dir.Delete(address.New("bob@example.com", 1))
	}))
	select {
	case c := <-changes:
		require.Equal([]uint32{1}, c.Removed)
	case <-time.After(time.Second):
		require.Fail("no change published")
	}
	require.Nil(dir.db.RunReadOnly("read", func() error {
		known, err := dir.Known("bob@example.com")
		require.Nil(err)
		require.Empty(known)
		return nil
	}))
}
