// Package stack allocates and releases the raw memory segments green
// processes use as their execution stacks.
//
// A segment is one contiguous block: a fixed header recording the segment's
// total size and the address of the next segment in its chain, followed by
// the payload used as stack space. Only the payload is mapped into the
// process address space. Segments are chained but never grown; a process
// gets one segment of DefaultCapacity bytes and keeps it for its lifetime.
package stack

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/greenrt/internal/types"
	"github.com/fortiblox/greenrt/pkg/diag"
	"github.com/fortiblox/greenrt/pkg/green/memory"
)

// Segment constants.
const (
	DefaultCapacity = 65536 // 64 KB initial stack
	HeaderSize      = 16    // size word + next-segment word
	MaxCapacity     = 16 << 20

	// SegmentStride separates segment base addresses in the stack region.
	SegmentStride = uint64(MaxCapacity + HeaderSize + 4096)
)

// Errors.
var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrInvalidCapacity = errors.New("invalid segment capacity")
	ErrReleased        = errors.New("segment already released")
)

// Source supplies the backing memory for segments.
type Source interface {
	// Alloc returns n zeroed bytes or an error wrapping ErrOutOfMemory.
	Alloc(n uint64) ([]byte, error)

	// Free returns memory obtained from Alloc.
	Free(b []byte)
}

// HeapSource allocates from the Go heap. It only fails for sizes the
// runtime could never satisfy.
type HeapSource struct{}

// Alloc implements Source.
func (HeapSource) Alloc(n uint64) ([]byte, error) {
	if n > MaxCapacity+HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, n)
	}
	return make([]byte, n), nil
}

// Free implements Source.
func (HeapSource) Free([]byte) {}

// BudgetSource allocates from the Go heap up to a fixed number of bytes.
type BudgetSource struct {
	Limit uint64
	used  uint64
}

// NewBudgetSource creates a source that refuses allocations beyond limit bytes.
func NewBudgetSource(limit uint64) *BudgetSource {
	return &BudgetSource{Limit: limit}
}

// Alloc implements Source.
func (b *BudgetSource) Alloc(n uint64) ([]byte, error) {
	if n > b.Limit-b.used || b.used > b.Limit {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, n, b.used, b.Limit)
	}
	b.used += n
	return make([]byte, n), nil
}

// Free implements Source.
func (b *BudgetSource) Free(p []byte) {
	n := uint64(len(p))
	if n > b.used {
		n = b.used
	}
	b.used -= n
}

// Used returns the bytes currently allocated.
func (b *BudgetSource) Used() uint64 {
	return b.used
}

// Segment is one stack segment.
type Segment struct {
	mem  []byte // header + payload
	base uint64 // virtual address of mem[0]
	next *Segment
	live bool
}

// Size returns the total size recorded in the segment header.
func (s *Segment) Size() uint64 {
	return binary.LittleEndian.Uint64(s.mem[0:8])
}

// Capacity returns the payload size in bytes.
func (s *Segment) Capacity() uint64 {
	return uint64(len(s.mem)) - HeaderSize
}

// Base returns the virtual address of the segment header.
func (s *Segment) Base() uint64 {
	return s.base
}

// Payload returns the virtual address of the first payload byte.
func (s *Segment) Payload() uint64 {
	return s.base + HeaderSize
}

// Limit returns the virtual address one past the last payload byte.
func (s *Segment) Limit() uint64 {
	return s.base + uint64(len(s.mem))
}

// Contains reports whether addr lies within the payload.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Payload() && addr < s.Limit()
}

// Next returns the next segment in the chain, or nil.
func (s *Segment) Next() *Segment {
	return s.next
}

// Link chains next after s and records its address in s's header.
func (s *Segment) Link(next *Segment) {
	s.next = next
	var addr uint64
	if next != nil {
		addr = next.base
	}
	binary.LittleEndian.PutUint64(s.mem[8:16], addr)
}

// Len returns the number of segments in the chain starting at s.
func (s *Segment) Len() int {
	n := 0
	for seg := s; seg != nil; seg = seg.next {
		n++
	}
	return n
}

// Live reports whether the segment has not been released.
func (s *Segment) Live() bool {
	return s.live
}

// Allocator hands out segments mapped into one address space.
type Allocator struct {
	space  *memory.Space
	source Source
	sink   diag.Sink
	next   uint64 // next free base address
	live   int
}

// NewAllocator creates an allocator mapping segments into space.
// A nil source means HeapSource; a nil sink discards diagnostics.
func NewAllocator(space *memory.Space, source Source, sink diag.Sink) *Allocator {
	if source == nil {
		source = HeapSource{}
	}
	if sink == nil {
		sink = diag.Discard
	}
	return &Allocator{
		space:  space,
		source: source,
		sink:   sink,
		next:   memory.VaddrStack,
	}
}

// Allocate returns a zeroed segment with room for capacity payload bytes.
func (a *Allocator) Allocate(capacity uint64) (*Segment, error) {
	if capacity == 0 || capacity > MaxCapacity || capacity%types.WordSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if a.next+SegmentStride > memory.VaddrStack+memory.RegionSize {
		return nil, fmt.Errorf("%w: stack region exhausted", ErrOutOfMemory)
	}

	size := HeaderSize + capacity
	mem, err := a.source.Alloc(size)
	if err != nil {
		return nil, err
	}
	// Zero regardless of source.
	for i := range mem {
		mem[i] = 0
	}
	binary.LittleEndian.PutUint64(mem[0:8], size)

	seg := &Segment{mem: mem, base: a.next, live: true}
	if err := a.space.Map(seg.Payload(), mem[HeaderSize:]); err != nil {
		a.source.Free(mem)
		return nil, err
	}
	a.next += SegmentStride
	a.live++

	a.sink.Emit(diag.Event{Kind: diag.NewStack, Value: seg.base})
	return seg, nil
}

// Release frees every segment in the chain starting at head and returns
// how many were released. Either the whole chain is released or none of it.
func (a *Allocator) Release(head *Segment) (int, error) {
	for seg := head; seg != nil; seg = seg.next {
		if !seg.live {
			return 0, fmt.Errorf("%w: 0x%x", ErrReleased, seg.base)
		}
	}

	n := 0
	for seg := head; seg != nil; {
		next := seg.next
		a.sink.Emit(diag.Event{Kind: diag.FreeStack, Value: seg.base})
		// Mapped by Allocate; cannot fail for a live segment.
		_ = a.space.Unmap(seg.Payload())
		a.source.Free(seg.mem)
		seg.live = false
		seg.next = nil
		a.live--
		n++
		seg = next
	}
	return n, nil
}

// Live returns the number of segments allocated and not yet released.
func (a *Allocator) Live() int {
	return a.live
}
