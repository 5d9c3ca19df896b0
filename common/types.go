// Package common holds the fixed-size value types shared by every package
// in the bridge validator: 20-byte chain addresses and 32-byte hashes, with
// the hex (de)serialization helpers the rest of the tree expects.
package common

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	// HashLength is the expected length of a hash in bytes.
	HashLength = 32
	// AddressLength is the expected length of an address in bytes.
	AddressLength = 20
)

// Hash represents a 32-byte value, typically a SHA-256 digest.
type Hash [HashLength]byte

// BytesToHash sets b to hash by left-padding or truncating from the left.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// HexToHash sets byte representation of s to hash. If s is larger than 32
// bytes, the leading bytes are cut off.
func HexToHash(s string) Hash { return BytesToHash(FromHex(s)) }

// BigToHash sets the byte representation of n to a hash.
func BigToHash(n *big.Int) Hash { return BytesToHash(n.Bytes()) }

// Bytes returns the raw bytes of the hash.
func (h Hash) Bytes() []byte { return h[:] }

// Big converts a hash to a big integer.
func (h Hash) Big() *big.Int { return new(big.Int).SetBytes(h[:]) }

// Hex returns the 0x-prefixed lowercase hex encoding, fixed width (leading
// zero nibbles are kept). The canonical transfer encoding uses the same
// digits without the 0x prefix.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether the hash is the zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// Address represents a 20-byte chain address.
type Address [AddressLength]byte

// BytesToAddress sets b to address by left-padding or truncating from the left.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// HexToAddress sets byte representation of s to address.
func HexToAddress(s string) Address { return BytesToAddress(FromHex(s)) }

// IsHexAddress reports whether s is a valid hex-encoded address, with or
// without the 0x prefix.
func IsHexAddress(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*AddressLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Bytes returns the raw bytes of the address.
func (a Address) Bytes() []byte { return a[:] }

// Hex returns the lowercase hex encoding of the address.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool { return a == Address{} }

// FromHex returns the bytes represented by the hex string s, with or
// without a leading 0x. Invalid input decodes to nil.
func FromHex(s string) []byte {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// CopyBytes returns an exact copy of the provided slice.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// Uint64ToDecimalASCII renders n as decimal digits with no leading zeros,
// matching the canonical field encoding rules of spec §6 (value zero is the
// single exception, rendered as "0").
func Uint64ToDecimalASCII(n uint64) string { return fmt.Sprintf("%d", n) }
