package omemo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meow-io/go-omemo/internal/test"
	"github.com/stretchr/testify/require"
)

func TestNewKeyIsStable(t *testing.T) {
	require := require.New(t)
	dir := test.NewTestDir()
	key1, err := newKey("some password", dir, "salt")
	require.Nil(err)
	key2, err := newKey("some password", dir, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))

	key3, err := newKey("other password", dir, "salt")
	require.Nil(err)
	require.NotEqual(key1, key3)
}

func TestNewKeyDifferentSalt(t *testing.T) {
	require := require.New(t)
	dir := test.NewTestDir()
	key1, err := newKey("some password", dir, "salt1")
	require.Nil(err)
	key2, err := newKey("some password", dir, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}

func TestNewKeyShortSalt(t *testing.T) {
	require := require.New(t)
	dir := test.NewTestDir()
	require.Nil(os.WriteFile(filepath.Join(dir, "salt"), []byte{1, 2, 3}, 0o600))
	_, err := newKey("some password", dir, "salt")
	require.NotNil(err)
}
