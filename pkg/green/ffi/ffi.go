// Package ffi implements the host side of foreign calls made by green processes.
//
// A process requests a host service by writing a request block (a call code
// word followed by one argument word) onto its own stack and suspending in
// the CallingC state. The control-transfer loop reads the block and hands it
// to a Dispatcher, which runs exactly one registered handler for the code.
//
// Every call kind also has a symbolic name. Bytecode refers to host calls by
// the murmur3 hash of that name, the same way sBPF programs name syscalls.
package ffi

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fortiblox/greenrt/pkg/diag"
)

// Kind is a foreign-call code.
type Kind uint64

// Recognized call kinds.
const (
	LogUint32 Kind = 0 // argument is a 32-bit unsigned integer
	LogString Kind = 1 // argument points at a NUL-terminated string
)

// Symbolic names of the recognized kinds.
const (
	NameLogUint32 = "rt_log_u32"
	NameLogString = "rt_log_str"
)

// MaxLogMsgLen bounds the string read for LogString.
const MaxLogMsgLen = 10000

// Errors.
var (
	ErrUnknownCall    = errors.New("unknown foreign call")
	ErrInvalidPointer = errors.New("invalid pointer")
)

// Request is the request block a process leaves on its stack.
type Request struct {
	Code uint64
	Arg  uint64
}

// Memory is the view of the process address space handlers may read.
type Memory interface {
	ReadCString(addr uint64, max int) (string, error)
}

// Handler performs one kind of foreign call.
type Handler interface {
	Handle(mem Memory, arg uint64) error
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(mem Memory, arg uint64) error

// Handle implements Handler.
func (f HandlerFunc) Handle(mem Memory, arg uint64) error {
	return f(mem, arg)
}

// Dispatcher maps call codes to handlers.
type Dispatcher struct {
	handlers map[Kind]Handler
	byHash   map[uint32]Kind
	names    map[Kind]string

	mu     sync.Mutex
	counts map[Kind]uint64
}

// NewDispatcher creates a dispatcher with the standard calls registered,
// emitting their diagnostics to sink.
func NewDispatcher(sink diag.Sink) *Dispatcher {
	if sink == nil {
		sink = diag.Discard
	}
	d := &Dispatcher{
		handlers: make(map[Kind]Handler),
		byHash:   make(map[uint32]Kind),
		names:    make(map[Kind]string),
		counts:   make(map[Kind]uint64),
	}
	d.registerLogging(sink)
	return d
}

// Register adds or replaces the handler for kind.
func (d *Dispatcher) Register(kind Kind, name string, h Handler) {
	d.handlers[kind] = h
	d.names[kind] = name
	d.byHash[Murmur3Hash(name)] = kind
}

// registerLogging registers the diagnostic calls.
func (d *Dispatcher) registerLogging(sink diag.Sink) {
	d.Register(LogUint32, NameLogUint32, HandlerFunc(func(mem Memory, arg uint64) error {
		sink.Emit(diag.Event{Kind: diag.LogUint32, Value: uint64(uint32(arg))})
		return nil
	}))

	d.Register(LogString, NameLogString, HandlerFunc(func(mem Memory, arg uint64) error {
		msg, err := mem.ReadCString(arg, MaxLogMsgLen)
		if err != nil {
			return fmt.Errorf("%w: string at 0x%x: %v", ErrInvalidPointer, arg, err)
		}
		sink.Emit(diag.Event{Kind: diag.LogString, Value: arg, Text: msg})
		return nil
	}))
}

// Dispatch runs the handler for req.Code.
func (d *Dispatcher) Dispatch(mem Memory, req Request) error {
	kind := Kind(req.Code)
	h, ok := d.handlers[kind]
	if !ok {
		return fmt.Errorf("%w: code %d", ErrUnknownCall, req.Code)
	}
	if err := h.Handle(mem, req.Arg); err != nil {
		return fmt.Errorf("%s: %w", d.names[kind], err)
	}

	d.mu.Lock()
	d.counts[kind]++
	d.mu.Unlock()
	return nil
}

// Lookup returns the kind registered under the given name hash.
func (d *Dispatcher) Lookup(hash uint32) (Kind, bool) {
	k, ok := d.byHash[hash]
	return k, ok
}

// Name returns the symbolic name of kind.
func (d *Dispatcher) Name(kind Kind) string {
	if n, ok := d.names[kind]; ok {
		return n
	}
	return fmt.Sprintf("call#%d", uint64(kind))
}

// Count returns how many calls of kind completed successfully.
func (d *Dispatcher) Count(kind Kind) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[kind]
}

// Total returns the number of successful dispatches of any kind.
func (d *Dispatcher) Total() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n uint64
	for _, c := range d.counts {
		n += c
	}
	return n
}

// Murmur3Hash computes the murmur3 hash of a call name.
func Murmur3Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	// Process 4-byte chunks
	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}
