// Package memory implements the virtual address space green processes run in.
//
// The space is split into regions by the upper 32 bits of an address:
// - Program (0x100000000): Read-only program data
// - Stack   (0x200000000): Read-write stack segments, mapped on allocation
// - Process (0x500000000): Process records; addresses only, not byte-addressable
//
// All accesses are little-endian.
package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000) // Read-only program data
	VaddrStack   = uint64(0x2_0000_0000) // Stack segments
	VaddrProcess = uint64(0x5_0000_0000) // Process records
)

// RegionSize is the span of each region.
const RegionSize = uint64(1 << 32)

// Errors.
var (
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrOverlap             = errors.New("mapping overlaps existing mapping")
	ErrNotMapped           = errors.New("address not mapped")
	ErrUnterminated        = errors.New("string not terminated")
)

// mapping is a stack-region range backed by a Go slice.
type mapping struct {
	base uint64
	mem  []byte
}

func (m *mapping) end() uint64 {
	return m.base + uint64(len(m.mem))
}

// Space is a process address space.
type Space struct {
	mu    sync.RWMutex
	ro    []byte
	stack []*mapping // sorted by base
}

// NewSpace creates an address space with the given read-only program data.
func NewSpace(ro []byte) *Space {
	return &Space{ro: ro}
}

// SetProgram replaces the read-only program data.
func (s *Space) SetProgram(ro []byte) {
	s.mu.Lock()
	s.ro = ro
	s.mu.Unlock()
}

// Map makes mem addressable at base in the stack region.
func (s *Space) Map(base uint64, mem []byte) error {
	if base < VaddrStack || base+uint64(len(mem)) > VaddrStack+RegionSize {
		return fmt.Errorf("%w: 0x%x (size %d) outside stack region", ErrInvalidMemoryAccess, base, len(mem))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := &mapping{base: base, mem: mem}
	i := sort.Search(len(s.stack), func(i int) bool { return s.stack[i].base >= base })
	if i > 0 && s.stack[i-1].end() > base {
		return fmt.Errorf("%w: 0x%x", ErrOverlap, base)
	}
	if i < len(s.stack) && m.end() > s.stack[i].base {
		return fmt.Errorf("%w: 0x%x", ErrOverlap, base)
	}

	s.stack = append(s.stack, nil)
	copy(s.stack[i+1:], s.stack[i:])
	s.stack[i] = m
	return nil
}

// Unmap removes the mapping starting at base.
func (s *Space) Unmap(base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.stack {
		if m.base == base {
			s.stack = append(s.stack[:i], s.stack[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: 0x%x", ErrNotMapped, base)
}

// Mapped returns the number of live stack mappings.
func (s *Space) Mapped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stack)
}

// findStack returns the mapping containing addr. Caller holds mu.
func (s *Space) findStack(addr uint64) *mapping {
	i := sort.Search(len(s.stack), func(i int) bool { return s.stack[i].end() > addr })
	if i < len(s.stack) && s.stack[i].base <= addr {
		return s.stack[i]
	}
	return nil
}

// Translate converts a virtual address to a memory slice.
func (s *Space) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	hi := addr >> 32
	lo := addr & 0xFFFFFFFF

	// Check for integer overflow in address calculation
	if size > 0 && addr > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch hi {
	case VaddrProgram >> 32:
		// Program segment - read only
		if write {
			return nil, fmt.Errorf("%w: write to read-only program segment at 0x%x", ErrInvalidMemoryAccess, addr)
		}
		end := lo + size
		roLen := uint64(len(s.ro))
		if end > roLen {
			return nil, fmt.Errorf("%w: read beyond program segment at 0x%x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, roLen)
		}
		return s.ro[lo:end], nil

	case VaddrStack >> 32:
		m := s.findStack(addr)
		if m == nil {
			return nil, fmt.Errorf("%w: unmapped stack address 0x%x", ErrInvalidMemoryAccess, addr)
		}
		off := addr - m.base
		if off+size > uint64(len(m.mem)) {
			return nil, fmt.Errorf("%w: stack access at 0x%x (size %d) crosses segment end 0x%x", ErrInvalidMemoryAccess, addr, size, m.end())
		}
		return m.mem[off : off+size], nil

	case VaddrProcess >> 32:
		return nil, fmt.Errorf("%w: process record 0x%x is not addressable", ErrInvalidMemoryAccess, addr)

	default:
		return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrInvalidMemoryAccess, addr)
	}
}

// Read reads bytes from virtual memory.
func (s *Space) Read(addr uint64, p []byte) error {
	mem, err := s.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from virtual memory.
func (s *Space) Read8(addr uint64) (uint8, error) {
	mem, err := s.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a 16-bit value from virtual memory.
func (s *Space) Read16(addr uint64) (uint16, error) {
	mem, err := s.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a 32-bit value from virtual memory.
func (s *Space) Read32(addr uint64) (uint32, error) {
	mem, err := s.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a 64-bit value from virtual memory.
func (s *Space) Read64(addr uint64) (uint64, error) {
	mem, err := s.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write writes bytes to virtual memory.
func (s *Space) Write(addr uint64, p []byte) error {
	mem, err := s.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to virtual memory.
func (s *Space) Write8(addr uint64, x uint8) error {
	mem, err := s.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a 16-bit value to virtual memory.
func (s *Space) Write16(addr uint64, x uint16) error {
	mem, err := s.Translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a 32-bit value to virtual memory.
func (s *Space) Write32(addr uint64, x uint32) error {
	mem, err := s.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a 64-bit value to virtual memory.
func (s *Space) Write64(addr uint64, x uint64) error {
	mem, err := s.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}

// ReadCString reads a NUL-terminated string starting at addr, scanning at
// most max bytes.
func (s *Space) ReadCString(addr uint64, max int) (string, error) {
	var buf []byte
	for i := 0; i < max; i++ {
		b, err := s.Read8(addr + uint64(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", fmt.Errorf("%w: no NUL within %d bytes of 0x%x", ErrUnterminated, max, addr)
}

// ReadStruct decodes a fixed-size little-endian structure at addr.
func (s *Space) ReadStruct(addr uint64, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("%w: %T has no fixed size", ErrInvalidMemoryAccess, v)
	}
	mem, err := s.Translate(addr, uint64(size), false)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(mem), binary.LittleEndian, v)
}

// WriteStruct encodes a fixed-size structure little-endian at addr.
func (s *Space) WriteStruct(addr uint64, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	return s.Write(addr, buf.Bytes())
}
