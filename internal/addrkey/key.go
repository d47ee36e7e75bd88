// Package addrkey encodes IP addresses as fixed-width big-endian byte keys.
//
// A Key is 4 bytes for IPv4 and 16 bytes for IPv6. Within one family,
// bytes.Compare on two keys gives the same order as comparing the addresses
// as unsigned integers, which is what range scans in every store rely on.
package addrkey

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Family identifies the address family of a key
type Family uint8

const (
	// V4 is the IPv4 family (4-byte keys)
	V4 Family = 4
	// V6 is the IPv6 family (16-byte keys)
	V6 Family = 6
)

// Families lists both families in table order
var Families = []Family{V4, V6}

// ErrZone is returned for scoped IPv6 literals like fe80::1%eth0
var ErrZone = errors.New("address zones are not supported")

// String returns "v4" or "v6"
func (f Family) String() string {
	switch f {
	case V4:
		return "v4"
	case V6:
		return "v6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Width returns the key length in bytes for the family
func (f Family) Width() int {
	if f == V4 {
		return 4
	}
	return 16
}

// Valid reports whether f is V4 or V6
func (f Family) Valid() bool {
	return f == V4 || f == V6
}

// Key is the raw network-order octets of an address
type Key []byte

// Parse parses a dotted-quad or IPv6 literal and encodes it.
// IPv4-mapped IPv6 literals keep the V6 family.
func Parse(s string) (Key, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if addr.Zone() != "" {
		return nil, ErrZone
	}
	return Encode(addr), nil
}

// Encode returns the key for addr
func Encode(addr netip.Addr) Key {
	if addr.Is4() {
		b := addr.As4()
		return Key(b[:])
	}
	b := addr.As16()
	return Key(b[:])
}

// FamilyOf returns the family of addr without encoding it
func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() {
		return V4
	}
	return V6
}

// Family returns the family implied by the key width
func (k Key) Family() Family {
	if len(k) == 4 {
		return V4
	}
	return V6
}

// Valid reports whether the key has a legal width
func (k Key) Valid() bool {
	return len(k) == 4 || len(k) == 16
}

// Addr decodes the key back into an address
func (k Key) Addr() netip.Addr {
	switch len(k) {
	case 4:
		return netip.AddrFrom4([4]byte(k))
	case 16:
		return netip.AddrFrom16([16]byte(k))
	default:
		return netip.Addr{}
	}
}

// Compare orders keys by width first and then bytewise.
// Keys of the same family compare by numeric value.
func (k Key) Compare(other Key) int {
	if len(k) != len(other) {
		if len(k) < len(other) {
			return -1
		}
		return 1
	}
	return bytes.Compare(k, other)
}

// Hex returns the fixed-width lowercase hex form (8 or 32 digits).
// It is a serialization format only; never compare keys through it.
func (k Key) Hex() string {
	return hex.EncodeToString(k)
}

func (k Key) String() string {
	if !k.Valid() {
		return "invalid"
	}
	return k.Addr().String()
}

// FromBytes validates b as a key of the given family and copies it
func FromBytes(b []byte, family Family) (Key, error) {
	if len(b) != family.Width() {
		return nil, fmt.Errorf("key for %s must be %d bytes, got %d", family, family.Width(), len(b))
	}
	out := make(Key, len(b))
	copy(out, b)
	return out, nil
}
