// Package sbpf implements a bytecode trampoline: it runs green processes
// whose code is eBPF-style bytecode with eleven 64-bit registers (R0-R10),
// where R10 is the read-only frame pointer.
//
// The trampoline keeps no stack of its own. Every call, internal or foreign,
// pushes a proc.CallFrame onto the process stack directly below the caller's
// locals:
//
//	r10                      caller frame pointer
//	r10 - LocalFrameSize     caller locals end
//	... - CallFrameSize      pushed frame, becomes SP
//
// A foreign call (a call whose immediate is the hash of a registered call
// name) leaves the process in CallingC with that frame at SP and returns to
// the host. The next Resume pops it and continues after the call.
package sbpf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fortiblox/greenrt/internal/types"
	"github.com/fortiblox/greenrt/pkg/green/ffi"
	"github.com/fortiblox/greenrt/pkg/green/proc"
)

// Frame geometry.
const (
	LocalFrameSize = 512                               // locals addressable below r10
	CallFrameSize  = proc.FrameSize + 2*types.WordSize // frame plus request block
	DefaultDepth   = 64                                // max nested internal calls
)

// Errors.
var (
	ErrComputeExceeded    = errors.New("compute budget exceeded")
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrCallDepthExceeded  = errors.New("call depth exceeded")
	ErrStackOverflow      = errors.New("stack overflow")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrUnknownFunction    = errors.New("unknown function")
	ErrPCOutOfBounds      = errors.New("program counter out of bounds")
)

// Resolver maps call immediates to foreign-call kinds. *ffi.Dispatcher
// implements it.
type Resolver interface {
	Lookup(hash uint32) (ffi.Kind, bool)
}

// Option configures a Trampoline.
type Option func(*Trampoline)

// WithComputeLimit sets the compute units each process may consume.
func WithComputeLimit(n uint64) Option {
	return func(t *Trampoline) { t.limit = n }
}

// WithMaxDepth sets the maximum internal call depth.
func WithMaxDepth(n int) Option {
	return func(t *Trampoline) { t.maxDepth = n }
}

// execState is the interpreter state of one process between resumptions.
type execState struct {
	r       [11]uint64
	pc      uint64
	frames  []uint64 // addresses of pushed internal call frames
	meter   *ComputeMeter
	pending bool // a foreign-call frame sits at SP
}

// Trampoline runs bytecode processes. It implements rt.Trampoline and
// rt.Releaser.
type Trampoline struct {
	calls    Resolver
	limit    uint64
	maxDepth int

	mu    sync.Mutex
	procs map[*proc.Process]*execState
}

// New creates a trampoline resolving foreign calls through calls.
func New(calls Resolver, opts ...Option) *Trampoline {
	t := &Trampoline{
		calls:    calls,
		limit:    DefaultComputeLimit,
		maxDepth: DefaultDepth,
		procs:    make(map[*proc.Process]*execState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Active returns the number of processes with saved interpreter state.
func (t *Trampoline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Used returns the compute units p has consumed, or 0 if p is not active.
func (t *Trampoline) Used(p *proc.Process) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.procs[p]; ok {
		return st.meter.Used()
	}
	return 0
}

// Resume runs p until it requests a foreign call or exits.
func (t *Trampoline) Resume(p *proc.Process) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm panic: %v", rec)
		}
		if err != nil || p.State() == proc.Exiting {
			t.forget(p)
		}
	}()

	st, err := t.enter(p)
	if err != nil {
		return err
	}
	return t.run(p, st)
}

// Release drops the saved state of p. It implements rt.Releaser.
func (t *Trampoline) Release(p *proc.Process) {
	t.forget(p)
}

func (t *Trampoline) forget(p *proc.Process) {
	t.mu.Lock()
	delete(t.procs, p)
	t.mu.Unlock()
}

// enter loads or creates the state of p. On first entry r1 holds the
// process address from the root frame and r10 the root SP. When a foreign
// call is pending its frame is popped.
func (t *Trampoline) enter(p *proc.Process) (*execState, error) {
	t.mu.Lock()
	st := t.procs[p]
	t.mu.Unlock()

	ctx := p.Context()
	if st == nil {
		root, err := p.RootFrame()
		if err != nil {
			return nil, fmt.Errorf("read root frame: %w", err)
		}
		st = &execState{pc: ctx.PC, meter: NewComputeMeter(t.limit)}
		st.r[1] = root.Proc
		st.r[10] = ctx.SP

		t.mu.Lock()
		t.procs[p] = st
		t.mu.Unlock()
		return st, nil
	}

	if st.pending {
		if err := st.pop(p, ctx.SP); err != nil {
			return nil, err
		}
		st.r[0] = 0
		st.pending = false
	}
	return st, nil
}

// push writes f below the current locals and returns its address.
func (st *execState) push(p *proc.Process, f *proc.CallFrame) (uint64, error) {
	seg := p.Stack()
	if st.r[10] < seg.Payload()+LocalFrameSize+CallFrameSize {
		return 0, fmt.Errorf("%w: fp 0x%x", ErrStackOverflow, st.r[10])
	}
	addr := st.r[10] - LocalFrameSize - CallFrameSize

	copy(f.CalleeSaves[:], st.r[6:10])
	f.RetPC = st.pc
	if err := p.Space().WriteStruct(addr, f); err != nil {
		return 0, err
	}
	return addr, nil
}

// pop restores the caller state saved in the frame at addr.
func (st *execState) pop(p *proc.Process, addr uint64) error {
	var f proc.CallFrame
	if err := p.Space().ReadStruct(addr, &f); err != nil {
		return fmt.Errorf("read frame at 0x%x: %w", addr, err)
	}
	copy(st.r[6:10], f.CalleeSaves[:])
	st.r[10] = addr + CallFrameSize + LocalFrameSize
	st.pc = f.RetPC
	return nil
}

func (t *Trampoline) run(p *proc.Process, st *execState) error {
	text := p.Program().Text
	mem := p.Space()
	r := &st.r

	for {
		if st.pc >= uint64(len(text)) {
			return fmt.Errorf("%w: %d", ErrPCOutOfBounds, st.pc)
		}
		ins := Instruction(text[st.pc])
		op, dst, src := ins.Op(), ins.Dst(), ins.Src()

		if err := st.meter.Consume(instructionCost(op)); err != nil {
			return err
		}
		if dst > 10 || src > 10 {
			return fmt.Errorf("%w: register dst=%d src=%d at pc %d", ErrInvalidInstruction, dst, src, st.pc)
		}
		class := ins.Class()
		if dst == 10 && (class == ClassAlu || class == ClassAlu64 || class == ClassLdx || class == ClassLd) {
			return fmt.Errorf("%w: write to r10 at pc %d", ErrInvalidInstruction, st.pc)
		}

		operand := uint64(int64(ins.Imm()))
		if op&SrcX != 0 {
			operand = r[src]
		}
		st.pc++

		switch class {
		case ClassAlu64:
			v, err := alu64(op, r[dst], operand)
			if err != nil {
				return err
			}
			r[dst] = v

		case ClassAlu:
			v, err := alu32(op, uint32(r[dst]), uint32(operand))
			if err != nil {
				return err
			}
			r[dst] = uint64(v)

		case ClassLd:
			if op != OpLddw || st.pc >= uint64(len(text)) {
				return fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, op, st.pc-1)
			}
			r[dst] = uint64(ins.Uimm()) | uint64(Instruction(text[st.pc]).Uimm())<<32
			st.pc++

		case ClassLdx:
			v, err := load(mem, op, r[src]+uint64(int64(ins.Off())))
			if err != nil {
				return err
			}
			r[dst] = v

		case ClassSt, ClassStx:
			v := uint64(int64(ins.Imm()))
			if class == ClassStx {
				v = r[src]
			}
			if err := store(mem, op, r[dst]+uint64(int64(ins.Off())), v); err != nil {
				return err
			}

		case ClassJmp, ClassJmp32:
			switch op {
			case OpCall:
				yield, err := t.call(p, st, ins)
				if err != nil || yield {
					return err
				}
			case OpExit:
				done, err := st.exit(p)
				if err != nil || done {
					return err
				}
			default:
				taken, err := jump(op, r[dst], operand, class == ClassJmp)
				if err != nil {
					return err
				}
				if taken {
					st.pc = uint64(int64(st.pc) + int64(ins.Off()))
				}
			}

		default:
			return fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, op, st.pc-1)
		}
	}
}

// call handles OpCall. It reports whether the process yielded to the host.
func (t *Trampoline) call(p *proc.Process, st *execState, ins Instruction) (bool, error) {
	hash := ins.Uimm()
	if ins.Src() == 0 && t.calls != nil {
		if kind, ok := t.calls.Lookup(hash); ok {
			f := proc.CallFrame{Request: ffi.Request{Code: uint64(kind), Arg: st.r[1]}}
			sp, err := st.push(p, &f)
			if err != nil {
				return false, err
			}
			p.SetContext(proc.Context{PC: st.pc, SP: sp})
			p.SetState(proc.CallingC)
			st.pending = true
			return true, nil
		}
	}

	var target uint64
	if pc, ok := p.Program().Functions[hash]; ok && ins.Src() == 0 {
		target = pc
	} else if ins.Src() == 1 {
		target = uint64(int64(st.pc) + int64(ins.Imm()))
	} else {
		return false, fmt.Errorf("%w: 0x%08x", ErrUnknownFunction, hash)
	}

	if len(st.frames) >= t.maxDepth {
		return false, ErrCallDepthExceeded
	}
	var f proc.CallFrame
	sp, err := st.push(p, &f)
	if err != nil {
		return false, err
	}
	st.frames = append(st.frames, sp)
	st.r[10] = sp
	st.pc = target
	p.SetContext(proc.Context{PC: target, SP: sp})
	return false, nil
}

// exit handles OpExit. It reports whether the root frame was left.
func (st *execState) exit(p *proc.Process) (bool, error) {
	n := len(st.frames)
	if n == 0 {
		p.SetContext(proc.Context{PC: st.pc - 1, SP: st.r[10]})
		p.SetState(proc.Exiting)
		return true, nil
	}

	addr := st.frames[n-1]
	st.frames = st.frames[:n-1]
	if err := st.pop(p, addr); err != nil {
		return false, err
	}
	p.SetContext(proc.Context{PC: st.pc, SP: st.r[10]})
	return false, nil
}

func alu64(op uint8, a, b uint64) (uint64, error) {
	switch op & 0xF0 {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a % b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluXor:
		return a ^ b, nil
	case AluLsh:
		return a << (b & 63), nil
	case AluRsh:
		return a >> (b & 63), nil
	case AluArsh:
		return uint64(int64(a) >> (b & 63)), nil
	case AluNeg:
		return uint64(-int64(a)), nil
	case AluMov:
		return b, nil
	}
	return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
}

func alu32(op uint8, a, b uint32) (uint32, error) {
	switch op & 0xF0 {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a % b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluXor:
		return a ^ b, nil
	case AluLsh:
		return a << (b & 31), nil
	case AluRsh:
		return a >> (b & 31), nil
	case AluArsh:
		return uint32(int32(a) >> (b & 31)), nil
	case AluNeg:
		return uint32(-int32(a)), nil
	case AluMov:
		return b, nil
	}
	return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
}

// jump evaluates a conditional jump. Narrow jumps compare the low 32 bits.
func jump(op uint8, a, b uint64, wide bool) (bool, error) {
	sa, sb := int64(a), int64(b)
	if !wide {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		sa, sb = int64(int32(a)), int64(int32(b))
	}

	switch op & 0xF0 {
	case JmpJa:
		if op&0x07 != ClassJmp {
			break
		}
		return true, nil
	case JmpJeq:
		return a == b, nil
	case JmpJne:
		return a != b, nil
	case JmpJgt:
		return a > b, nil
	case JmpJge:
		return a >= b, nil
	case JmpJlt:
		return a < b, nil
	case JmpJle:
		return a <= b, nil
	case JmpJset:
		return a&b != 0, nil
	case JmpJsgt:
		return sa > sb, nil
	case JmpJsge:
		return sa >= sb, nil
	case JmpJslt:
		return sa < sb, nil
	case JmpJsle:
		return sa <= sb, nil
	}
	return false, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
}

// addressSpace is the subset of memory.Space the interpreter touches.
type addressSpace interface {
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error
}

func load(s addressSpace, op uint8, addr uint64) (uint64, error) {
	switch op & 0x18 {
	case SizeB:
		v, err := s.Read8(addr)
		return uint64(v), err
	case SizeH:
		v, err := s.Read16(addr)
		return uint64(v), err
	case SizeW:
		v, err := s.Read32(addr)
		return uint64(v), err
	default:
		return s.Read64(addr)
	}
}

func store(s addressSpace, op uint8, addr, v uint64) error {
	switch op & 0x18 {
	case SizeB:
		return s.Write8(addr, uint8(v))
	case SizeH:
		return s.Write16(addr, uint16(v))
	case SizeW:
		return s.Write32(addr, uint32(v))
	default:
		return s.Write64(addr, v)
	}
}
