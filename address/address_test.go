package address

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDeviceIDInRange(t *testing.T) {
	require := require.New(t)
	for i := 0; i < 1000; i++ {
		id := NewDeviceID()
		require.NotZero(id)
		require.LessOrEqual(id, uint32(MaxDeviceID))
	}
}

func TestParseRoundTrip(t *testing.T) {
	require := require.New(t)
	a := New("juliet@capulet.example", 31415)
	parsed, err := Parse(a.String())
	require.Nil(err)
	require.Equal(a, parsed)
}

func TestParseNameWithColon(t *testing.T) {
	require := require.New(t)
	parsed, err := Parse("urn:x:romeo:12")
	require.Nil(err)
	require.Equal("urn:x:romeo", parsed.Name)
	require.Equal(uint32(12), parsed.DeviceID)
}

func TestParseRejectsMalformed(t *testing.T) {
	require := require.New(t)
	for _, s := range []string{"", "romeo", "romeo:", ":12", "romeo:0", "romeo:abc", "romeo:4294967295"} {
		_, err := Parse(s)
		require.Error(err, s)
	}
}

func TestSortByNameAndDevice(t *testing.T) {
	require := require.New(t)
	s := []Address{New("b", 1), New("a", 9), New("a", 2)}
	sort.Sort(ByNameAndDevice(s))
	require.Equal([]Address{New("a", 2), New("a", 9), New("b", 1)}, s)
}
