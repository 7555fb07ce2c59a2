// Package proc defines green processes: their program descriptor, register
// context, lifecycle state and the initial stack frame they start from.
//
// A process owns one stack segment chain and one register context. It holds
// non-owning references to its program and to the runtime that created it.
//
// The initial frame is the handshake with the process's entry code. Walking
// up from the initial stack pointer it holds NumCalleeSaves zeroed
// callee-saved slots, a zero return PC (this is the root frame, there is
// nothing to return to), a zero output pointer, and the address of the
// process record itself:
//
//	SP+0   callee save 0
//	...
//	SP+24  callee save 3
//	SP+32  return PC     (0)
//	SP+40  output ptr    (0)
//	SP+48  process addr  <- top of stack, 16-byte aligned
//
// Frames pushed later for foreign calls share the same shape, with the call
// code and its argument in the two words above the output pointer.
package proc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fortiblox/greenrt/internal/types"
	"github.com/fortiblox/greenrt/pkg/diag"
	"github.com/fortiblox/greenrt/pkg/green/ffi"
	"github.com/fortiblox/greenrt/pkg/green/memory"
	"github.com/fortiblox/greenrt/pkg/green/stack"
)

// Frame layout constants.
const (
	NumCalleeSaves = 4
	FrameSize      = (NumCalleeSaves + 2) * types.WordSize // callee saves + ret PC + out ptr
	ArgOffset      = FrameSize                             // first argument word, relative to SP
	StackAlign     = 16
	RecordSize     = 0x100 // spacing of process records in the process region
)

// Errors.
var (
	ErrStillReferenced = errors.New("process still referenced")
	ErrStackFault      = errors.New("stack pointer outside segment")
	ErrDestroyed       = errors.New("process destroyed")
)

// State is a process lifecycle state.
type State uint32

// Lifecycle states.
const (
	Running  State = iota // executing or about to execute
	CallingC              // suspended to request a foreign call
	Exiting               // requested termination
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case CallingC:
		return "CALLING_C"
	case Exiting:
		return "EXITING"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Frame is the fixed part of every frame on a process stack.
type Frame struct {
	CalleeSaves [NumCalleeSaves]uint64
	RetPC       uint64
	OutPtr      uint64
}

// RootFrame is the frame Create lays out at the top of a new stack.
type RootFrame struct {
	Frame
	Proc uint64
}

// CallFrame is the frame a process pushes before suspending in CallingC.
type CallFrame struct {
	Frame
	Request ffi.Request
}

// Context is the register state needed to resume a process.
type Context struct {
	PC uint64
	SP uint64
}

// Program is the descriptor of a compiled program.
type Program struct {
	Name string

	// Entry points (instruction indices into Text). Only MainCode is
	// entered by this runtime; InitCode and FiniCode are recorded.
	InitCode uint64
	MainCode uint64
	FiniCode uint64

	// Text contains the program instructions.
	Text []uint64

	// RO contains read-only data, mapped at memory.VaddrProgram.
	RO []byte

	// Functions maps function name hashes to their entry points.
	Functions map[uint32]uint64
}

// Env is the runtime context a process is created in.
type Env interface {
	Space() *memory.Space
	Stacks() *stack.Allocator
	Sink() diag.Sink
	StackCapacity() uint64

	// Attach registers p and returns its record address.
	Attach(p *Process) (uint64, error)
	// Detach forgets p.
	Detach(p *Process)
}

// Process is a green process.
type Process struct {
	env   Env
	prog  *Program
	addr  uint64
	stack *stack.Segment
	ctx   Context
	top   uint64 // initial top of stack
	root  uint64 // initial SP

	state atomic.Uint32
	refs  atomic.Int32
	dead  bool
}

// Create makes a process ready to enter prog.MainCode on a fresh stack.
func Create(env Env, prog *Program) (*Process, error) {
	p := &Process{env: env, prog: prog}

	addr, err := env.Attach(p)
	if err != nil {
		return nil, err
	}
	p.addr = addr

	seg, err := env.Stacks().Allocate(env.StackCapacity())
	if err != nil {
		env.Detach(p)
		return nil, fmt.Errorf("allocate stack: %w", err)
	}
	p.stack = seg

	p.ctx.PC = prog.MainCode

	// Last word of the payload, rounded down to the stack alignment.
	top := types.Addr(seg.Limit() - types.WordSize).AlignDown(StackAlign)
	p.top = uint64(top)
	p.ctx.SP = p.top - FrameSize
	p.root = p.ctx.SP

	frame := RootFrame{Proc: p.addr}
	if err := env.Space().WriteStruct(p.ctx.SP, &frame); err != nil {
		env.Stacks().Release(seg)
		env.Detach(p)
		return nil, fmt.Errorf("write root frame: %w", err)
	}

	p.state.Store(uint32(Running))
	env.Sink().Emit(diag.Event{Kind: diag.NewProcess, Value: p.addr})
	return p, nil
}

// Destroy releases the process's stack and detaches it from its runtime.
// Destroying a process that is still referenced is an invariant violation
// and panics.
func (p *Process) Destroy() error {
	if n := p.refs.Load(); n != 0 {
		panic(fmt.Errorf("%w: proc 0x%x has %d references", ErrStillReferenced, p.addr, n))
	}
	if p.dead {
		return fmt.Errorf("%w: 0x%x", ErrDestroyed, p.addr)
	}

	if _, err := p.env.Stacks().Release(p.stack); err != nil {
		return fmt.Errorf("release stack: %w", err)
	}
	p.env.Detach(p)
	p.dead = true
	p.env.Sink().Emit(diag.Event{Kind: diag.FreeProcess, Value: p.addr})
	return nil
}

// Addr returns the address of the process record.
func (p *Process) Addr() uint64 {
	return p.addr
}

// Program returns the process's program descriptor.
func (p *Process) Program() *Program {
	return p.prog
}

// Stack returns the head of the process's stack segment chain.
func (p *Process) Stack() *stack.Segment {
	return p.stack
}

// Space returns the address space the process runs in.
func (p *Process) Space() *memory.Space {
	return p.env.Space()
}

// Context returns the saved register context.
func (p *Process) Context() Context {
	return p.ctx
}

// SetContext replaces the saved register context.
func (p *Process) SetContext(ctx Context) {
	p.ctx = ctx
}

// Top returns the initial top-of-stack address.
func (p *Process) Top() uint64 {
	return p.top
}

// RootSP returns the stack pointer the process was created with.
func (p *Process) RootSP() uint64 {
	return p.root
}

// State returns the lifecycle state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// SetState sets the lifecycle state.
func (p *Process) SetState(s State) {
	p.state.Store(uint32(s))
}

// Ref takes a reference, blocking Destroy until Unref.
func (p *Process) Ref() {
	p.refs.Add(1)
}

// Unref drops a reference and returns the remaining count.
func (p *Process) Unref() int32 {
	return p.refs.Add(-1)
}

// Refs returns the reference count.
func (p *Process) Refs() int32 {
	return p.refs.Load()
}

// RootFrame reads the initial frame.
func (p *Process) RootFrame() (RootFrame, error) {
	var f RootFrame
	err := p.Space().ReadStruct(p.root, &f)
	return f, err
}

// CallRequest reads the foreign-call request block of the frame at the
// current stack pointer.
func (p *Process) CallRequest() (ffi.Request, error) {
	var req ffi.Request
	sp := p.ctx.SP
	if !p.stack.Contains(sp) || sp+ArgOffset+2*types.WordSize > p.stack.Limit() {
		return req, fmt.Errorf("%w: sp 0x%x", ErrStackFault, sp)
	}
	err := p.Space().ReadStruct(sp+ArgOffset, &req)
	return req, err
}
