// This package defines the device address used throughout omemo. An address is a bare identity
// (for instance a jid) paired with the numeric id of one installation of a client.
package address

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Device ids are positive 31 bit values; zero is never assigned.
const MaxDeviceID = 0x7fffffff

type Address struct {
	Name     string
	DeviceID uint32
}

func New(name string, deviceID uint32) Address {
	return Address{Name: name, DeviceID: deviceID}
}

func NewDeviceID() uint32 {
	var b [4]byte
	for {
		if _, err := io.ReadFull(crypto_rand.Reader, b[:]); err != nil {
			panic("short read from random source")
		}
		id := binary.BigEndian.Uint32(b[:]) & MaxDeviceID
		if id != 0 {
			return id
		}
	}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Name, a.DeviceID)
}

func (a Address) Valid() bool {
	return a.Name != "" && a.DeviceID != 0 && a.DeviceID <= MaxDeviceID
}

// Parse reverses String. The device id is taken after the last colon so names may contain colons.
func Parse(s string) (Address, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("address: malformed address %q", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("address: malformed device id in %q: %w", s, err)
	}
	a := Address{Name: s[:i], DeviceID: uint32(id)}
	if !a.Valid() {
		return Address{}, fmt.Errorf("address: invalid address %q", s)
	}
	return a, nil
}

func Compare(a, b Address) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	switch {
	case a.DeviceID < b.DeviceID:
		return -1
	case a.DeviceID > b.DeviceID:
		return 1
	default:
		return 0
	}
}

type ByNameAndDevice []Address

func (s ByNameAndDevice) Len() int           { return len(s) }
func (s ByNameAndDevice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByNameAndDevice) Less(i, j int) bool { return Compare(s[i], s[j]) == -1 }
