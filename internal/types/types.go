// Package types defines the address and identifier types shared across greenrt.
//
// Addresses are 64-bit virtual addresses in a process address space. Image
// identifiers are 32-byte blake3 digests rendered in base58.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size constants for core types.
const (
	WordSize    = 8
	ImageIDSize = 32
)

var (
	// ErrInvalidImageID is returned when an image id has invalid length.
	ErrInvalidImageID = errors.New("invalid image id: must be 32 bytes")
)

// Addr is a virtual address in a process address space.
type Addr uint64

// String returns the address in 0x-prefixed hex.
func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// AlignDown rounds the address down to a multiple of n (n must be a power of two).
func (a Addr) AlignDown(n uint64) Addr {
	return Addr(uint64(a) &^ (n - 1))
}

// IsAligned reports whether the address is a multiple of n.
func (a Addr) IsAligned(n uint64) bool {
	return uint64(a)&(n-1) == 0
}

// ImageID is the content address of a stored program image.
type ImageID [ImageIDSize]byte

// ImageIDFromBase58 parses a base58-encoded image id.
func ImageIDFromBase58(s string) (ImageID, error) {
	var id ImageID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ImageIDSize {
		return id, ErrInvalidImageID
	}
	copy(id[:], data)
	return id, nil
}

// ImageIDFromBytes creates an ImageID from a byte slice.
func ImageIDFromBytes(b []byte) (ImageID, error) {
	var id ImageID
	if len(b) != ImageIDSize {
		return id, ErrInvalidImageID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ImageID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the id is all zeros.
func (id ImageID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}
