package common

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const nameCharmap = ".12345abcdefghijklmnopqrstuvwxyz"

// Name is a 64-bit account name written as up to 13 characters from
// ".12345abcdefghijklmnopqrstuvwxyz"; the 13th character may only use the first 16.
type Name uint64

// NewName parses the string form of a name.
func NewName(s string) (Name, error) {
	if len(s) > 13 {
		return 0, fmt.Errorf("name %q is longer than 13 characters", s)
	}
	var value uint64
	for i := 0; i < len(s); i++ {
		c, ok := charToSymbol(s[i])
		if !ok {
			return 0, fmt.Errorf("name %q contains invalid character %q", s, s[i])
		}
		if i < 12 {
			value |= (c & 0x1f) << (64 - 5*(i+1))
		} else {
			if c > 0x0f {
				return 0, fmt.Errorf("name %q has an invalid 13th character %q", s, s[i])
			}
			value |= c & 0x0f
		}
	}
	n := Name(value)
	if n.String() != s {
		return 0, fmt.Errorf("name %q is not in normalized form", s)
	}
	return n, nil
}

// MustName is NewName for constants; it panics on invalid input.
func MustName(s string) Name {
	n, err := NewName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func charToSymbol(c byte) (uint64, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 6, true
	case c >= '1' && c <= '5':
		return uint64(c-'1') + 1, true
	case c == '.':
		return 0, true
	}
	return 0, false
}

func (n Name) String() string {
	var buf [13]byte
	tmp := uint64(n)
	for i := 0; i <= 12; i++ {
		mask := uint64(0x1f)
		shift := uint(5)
		if i == 0 {
			mask = 0x0f
			shift = 4
		}
		buf[12-i] = nameCharmap[tmp&mask]
		tmp >>= shift
	}
	return strings.TrimRight(string(buf[:]), ".")
}

// Bytes is the big-endian encoding, which sorts like the numeric value.
func (n Name) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

// NameFromBytes decodes the first 8 bytes of b.
func NameFromBytes(b []byte) (Name, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("name needs 8 bytes, got %d", len(b))
	}
	return Name(binary.BigEndian.Uint64(b)), nil
}
