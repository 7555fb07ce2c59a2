// Package rt implements the runtime context and the control-transfer loop
// that drives a green process to completion.
//
// A Runtime is created once per run and passed explicitly; nothing about a
// run outlives it. The loop is single-threaded and cooperative: it resumes
// the process through an injected Trampoline, which returns only when the
// process yields. When the process left itself in CallingC, the loop reads
// the request block from the process stack and dispatches it, then resumes
// the process again. The loop ends when the process reaches Exiting.
package rt

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fortiblox/greenrt/pkg/diag"
	"github.com/fortiblox/greenrt/pkg/green/ffi"
	"github.com/fortiblox/greenrt/pkg/green/memory"
	"github.com/fortiblox/greenrt/pkg/green/proc"
	"github.com/fortiblox/greenrt/pkg/green/stack"
)

// Exit codes reported to the host.
const (
	ExitCompleted    = 37  // loop finished and everything was torn down
	ExitFault        = 1   // trampoline or foreign call failed
	ExitAllocFailure = 123 // bootstrap memory could not be obtained
)

// Errors.
var (
	ErrActiveProcess = errors.New("runtime already has an active process")
	ErrNoProcess     = errors.New("no active process")
	ErrDestroyed     = errors.New("runtime destroyed")
)

// runtimes numbers runtime contexts for diagnostics.
var runtimes atomic.Uint64

// Trampoline transfers control into a process and returns when the process
// yields back to the host, either to request a foreign call or to exit.
type Trampoline interface {
	Resume(p *proc.Process) error
}

// Releaser is implemented by trampolines that keep per-process state. Run
// calls Release once the process is done, however the loop ended.
type Releaser interface {
	Release(p *proc.Process)
}

// TrampolineFunc is a function that implements Trampoline.
type TrampolineFunc func(p *proc.Process) error

// Resume implements Trampoline.
func (f TrampolineFunc) Resume(p *proc.Process) error {
	return f(p)
}

// FatalFunc terminates the run. The default logs and calls os.Exit.
type FatalFunc func(code int, err error)

// Option configures a Runtime.
type Option func(*Runtime)

// WithSink sets the diagnostic sink.
func WithSink(s diag.Sink) Option {
	return func(r *Runtime) { r.sink = s }
}

// WithSource sets the memory source stack segments come from.
func WithSource(src stack.Source) Option {
	return func(r *Runtime) { r.source = src }
}

// WithStackCapacity sets the payload size of each process stack.
func WithStackCapacity(n uint64) Option {
	return func(r *Runtime) { r.capacity = n }
}

// WithFatal replaces the fatal handler.
func WithFatal(f FatalFunc) Option {
	return func(r *Runtime) { r.fatal = f }
}

// WithDispatcher replaces the foreign-call dispatcher.
func WithDispatcher(d *ffi.Dispatcher) Option {
	return func(r *Runtime) { r.dispatcher = d }
}

// Runtime is the per-run runtime context.
type Runtime struct {
	space      *memory.Space
	stacks     *stack.Allocator
	source     stack.Source
	sink       diag.Sink
	dispatcher *ffi.Dispatcher
	fatal      FatalFunc
	capacity   uint64

	root     *proc.Process
	id       uint64
	nextProc uint64
	dead     bool
}

// New creates a runtime context for a run of prog.
func New(prog *proc.Program, opts ...Option) *Runtime {
	r := &Runtime{
		id:       runtimes.Add(1),
		sink:     diag.NewLogSink("rt"),
		capacity: stack.DefaultCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fatal == nil {
		r.fatal = defaultFatal(r.sink)
	}
	if r.dispatcher == nil {
		r.dispatcher = ffi.NewDispatcher(r.sink)
	}

	var ro []byte
	if prog != nil {
		ro = prog.RO
	}
	r.space = memory.NewSpace(ro)
	r.stacks = stack.NewAllocator(r.space, r.source, r.sink)
	r.nextProc = memory.VaddrProcess

	r.sink.Emit(diag.Event{Kind: diag.NewRuntime, Value: r.id})
	return r
}

// ID returns the number identifying this runtime in diagnostics.
func (r *Runtime) ID() uint64 {
	return r.id
}

func defaultFatal(sink diag.Sink) FatalFunc {
	return func(code int, err error) {
		sink.Emit(diag.Event{Kind: diag.ProcessFault, Value: uint64(code), Text: err.Error()})
		fmt.Fprintf(os.Stderr, "greenrt: fatal: %v\n", err)
		os.Exit(code)
	}
}

// Space implements proc.Env.
func (r *Runtime) Space() *memory.Space {
	return r.space
}

// Stacks implements proc.Env.
func (r *Runtime) Stacks() *stack.Allocator {
	return r.stacks
}

// Sink implements proc.Env.
func (r *Runtime) Sink() diag.Sink {
	return r.sink
}

// StackCapacity implements proc.Env.
func (r *Runtime) StackCapacity() uint64 {
	return r.capacity
}

// Attach implements proc.Env. The runtime holds at most one process.
func (r *Runtime) Attach(p *proc.Process) (uint64, error) {
	if r.dead {
		return 0, ErrDestroyed
	}
	if r.root != nil {
		return 0, fmt.Errorf("%w: 0x%x", ErrActiveProcess, r.root.Addr())
	}
	r.root = p
	addr := r.nextProc
	r.nextProc += proc.RecordSize
	return addr, nil
}

// Detach implements proc.Env.
func (r *Runtime) Detach(p *proc.Process) {
	if r.root == p {
		r.root = nil
	}
}

// Root returns the active process, or nil.
func (r *Runtime) Root() *proc.Process {
	return r.root
}

// Dispatcher returns the foreign-call dispatcher.
func (r *Runtime) Dispatcher() *ffi.Dispatcher {
	return r.dispatcher
}

// Spawn creates the root process for prog, treating allocation failure as
// fatal.
func (r *Runtime) Spawn(prog *proc.Program) (*proc.Process, error) {
	p, err := proc.Create(r, prog)
	if err != nil {
		if errors.Is(err, stack.ErrOutOfMemory) {
			r.fatal(ExitAllocFailure, err)
		}
		return nil, err
	}

	ctx := p.Context()
	r.sink.Emit(diag.Event{Kind: diag.RootProcess, Value: p.Addr(), Text: prog.Name})
	r.sink.Emit(diag.Event{Kind: diag.InitialPC, Value: ctx.PC})
	r.sink.Emit(diag.Event{Kind: diag.InitialSP, Value: ctx.SP})
	return p, nil
}

// Run drives p until it exits, then destroys it. The state is forced back
// to Running at the top of every iteration, so after a foreign call the
// process stays in CallingC until the next resumption begins.
func (r *Runtime) Run(p *proc.Process, t Trampoline) error {
	err := r.loop(p, t)
	if err != nil {
		r.sink.Emit(diag.Event{Kind: diag.ProcessFault, Value: p.Addr(), Text: err.Error()})
	}
	if rel, ok := t.(Releaser); ok {
		rel.Release(p)
	}
	if derr := p.Destroy(); derr != nil && err == nil {
		err = derr
	}
	return err
}

func (r *Runtime) loop(p *proc.Process, t Trampoline) error {
	for {
		p.SetState(proc.Running)
		if err := t.Resume(p); err != nil {
			return fmt.Errorf("resume proc 0x%x: %w", p.Addr(), err)
		}

		switch p.State() {
		case proc.CallingC:
			req, err := p.CallRequest()
			if err != nil {
				return fmt.Errorf("read call request: %w", err)
			}
			if err := r.dispatcher.Dispatch(r.space, req); err != nil {
				return err
			}
		case proc.Exiting:
			return nil
		}
	}
}

// Destroy tears down the runtime context. The active process must already
// be destroyed.
func (r *Runtime) Destroy() error {
	if r.dead {
		return ErrDestroyed
	}
	if r.root != nil {
		return fmt.Errorf("%w: 0x%x", ErrActiveProcess, r.root.Addr())
	}
	r.dead = true
	r.sink.Emit(diag.Event{Kind: diag.FreeRuntime, Value: r.id})
	return nil
}

// Start performs a whole run: it creates the runtime and root process,
// drives the process to completion through t and tears both down.
func Start(prog *proc.Program, t Trampoline, opts ...Option) (int, error) {
	r := New(prog, opts...)
	r.sink.Emit(diag.Event{Kind: diag.TrampolineID, Text: fmt.Sprintf("%T", t)})
	if prog != nil {
		r.sink.Emit(diag.Event{Kind: diag.InitCode, Value: prog.InitCode})
		r.sink.Emit(diag.Event{Kind: diag.MainCode, Value: prog.MainCode})
		r.sink.Emit(diag.Event{Kind: diag.FiniCode, Value: prog.FiniCode})
	}

	p, err := r.Spawn(prog)
	if err != nil {
		r.Destroy()
		if errors.Is(err, stack.ErrOutOfMemory) {
			return ExitAllocFailure, err
		}
		return ExitFault, err
	}

	runErr := r.Run(p, t)
	if err := r.Destroy(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return ExitFault, runErr
	}
	return ExitCompleted, nil
}
