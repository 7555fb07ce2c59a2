package rt

import (
	"errors"
	"testing"

	"github.com/fortiblox/greenrt/pkg/diag"
	"github.com/fortiblox/greenrt/pkg/green/ffi"
	"github.com/fortiblox/greenrt/pkg/green/memory"
	"github.com/fortiblox/greenrt/pkg/green/proc"
	"github.com/fortiblox/greenrt/pkg/green/stack"
)

// noFatal fails the test if the fatal handler is reached.
func noFatal(t *testing.T) Option {
	return WithFatal(func(code int, err error) {
		t.Errorf("fatal(%d, %v) called", code, err)
	})
}

// scriptTrampoline simulates a process that issues one foreign call per
// resumption and exits after the last one.
type scriptTrampoline struct {
	calls   []ffi.Request
	resumes int
	states  []proc.State // state seen at each resumption

	released int
}

// Release implements Releaser.
func (s *scriptTrampoline) Release(*proc.Process) {
	s.released++
}

func (s *scriptTrampoline) Resume(p *proc.Process) error {
	s.states = append(s.states, p.State())

	ctx := p.Context()
	if s.resumes > 0 {
		// Pop the call frame pushed on the previous resumption.
		ctx.SP += proc.FrameSize + 16
	}
	if s.resumes == len(s.calls) {
		s.resumes++
		p.SetContext(ctx)
		p.SetState(proc.Exiting)
		return nil
	}

	req := s.calls[s.resumes]
	s.resumes++
	ctx.SP -= proc.FrameSize + 16
	frame := proc.CallFrame{Frame: proc.Frame{RetPC: ctx.PC + 1}, Request: req}
	if err := p.Space().WriteStruct(ctx.SP, &frame); err != nil {
		return err
	}
	p.SetContext(ctx)
	p.SetState(proc.CallingC)
	return nil
}

func testProgram(ro []byte) *proc.Program {
	return &proc.Program{Name: "script", MainCode: 3, RO: ro}
}

// TestImmediateExit checks a process that exits on first resumption causes
// no dispatches and exactly one teardown.
func TestImmediateExit(t *testing.T) {
	rec := diag.NewRecorder()
	d := ffi.NewDispatcher(rec)
	resumes := 0
	tr := TrampolineFunc(func(p *proc.Process) error {
		resumes++
		p.SetState(proc.Exiting)
		return nil
	})

	code, err := Start(testProgram(nil), tr, WithSink(rec), WithDispatcher(d), noFatal(t))
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if code != ExitCompleted {
		t.Errorf("exit code = %d, want %d", code, ExitCompleted)
	}
	if resumes != 1 {
		t.Errorf("resumes = %d, want 1", resumes)
	}
	if d.Total() != 0 {
		t.Errorf("dispatches = %d, want 0", d.Total())
	}
	for _, k := range []diag.Kind{diag.FreeProcess, diag.FreeStack, diag.FreeRuntime} {
		if n := rec.Count(k); n != 1 {
			t.Errorf("%s events = %d, want 1", k, n)
		}
	}
}

func TestLifecycleEventOrder(t *testing.T) {
	rec := diag.NewRecorder()
	tr := TrampolineFunc(func(p *proc.Process) error {
		p.SetState(proc.Exiting)
		return nil
	})
	if _, err := Start(testProgram(nil), tr, WithSink(rec), noFatal(t)); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	want := []diag.Kind{
		diag.NewRuntime,
		diag.TrampolineID,
		diag.InitCode,
		diag.MainCode,
		diag.FiniCode,
		diag.NewStack,
		diag.NewProcess,
		diag.RootProcess,
		diag.InitialPC,
		diag.InitialSP,
		diag.FreeStack,
		diag.FreeProcess,
		diag.FreeRuntime,
	}
	events := rec.Events()
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(events), events, len(want))
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("event %d = %s, want %s", i, events[i].Kind, k)
		}
	}
	if events[8].Value != 3 {
		t.Errorf("initial PC event = %d, want 3", events[8].Value)
	}
	if events[9].Value%16 != 0 {
		t.Errorf("initial SP 0x%x not aligned", events[9].Value)
	}
	if events[0].Value != events[len(events)-1].Value {
		t.Errorf("new rt = %d, freed rt = %d, want the same runtime", events[0].Value, events[len(events)-1].Value)
	}
}

func TestStartLogsEntryPoints(t *testing.T) {
	rec := diag.NewRecorder()
	prog := &proc.Program{Name: "entries", InitCode: 1, MainCode: 3, FiniCode: 5}
	tr := TrampolineFunc(func(p *proc.Process) error {
		p.SetState(proc.Exiting)
		return nil
	})
	if _, err := Start(prog, tr, WithSink(rec), noFatal(t)); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	tests := []struct {
		kind diag.Kind
		want uint64
	}{
		{diag.InitCode, 1},
		{diag.MainCode, 3},
		{diag.FiniCode, 5},
	}
	for _, tt := range tests {
		events := rec.Filter(tt.kind)
		if len(events) != 1 || events[0].Value != tt.want {
			t.Errorf("%s events = %v, want one with %d", tt.kind, events, tt.want)
		}
	}
	ids := rec.Filter(diag.TrampolineID)
	if len(ids) != 1 || ids[0].Text != "rt.TrampolineFunc" {
		t.Errorf("trampoline events = %v, want rt.TrampolineFunc", ids)
	}
}

func TestRuntimeIDs(t *testing.T) {
	r1 := New(nil, WithSink(diag.Discard), noFatal(t))
	r2 := New(nil, WithSink(diag.Discard), noFatal(t))
	if r1.ID() == 0 || r1.ID() == r2.ID() {
		t.Errorf("ID() = %d, %d, want distinct non-zero ids", r1.ID(), r2.ID())
	}
}

func TestLogUint32Call(t *testing.T) {
	rec := diag.NewRecorder()
	tr := &scriptTrampoline{calls: []ffi.Request{{Code: 0, Arg: 0x2A}}}

	code, err := Start(testProgram(nil), tr, WithSink(rec), noFatal(t))
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if code != ExitCompleted {
		t.Errorf("exit code = %d", code)
	}

	events := rec.Filter(diag.LogUint32)
	if len(events) != 1 || events[0].Value != 42 {
		t.Fatalf("LogUint32 events = %v, want one with 42", events)
	}
	if tr.resumes != 2 {
		t.Errorf("resumes = %d, want 2", tr.resumes)
	}
}

func TestLogStringCall(t *testing.T) {
	rec := diag.NewRecorder()
	ro := []byte("xx\x00hello\x00")
	tr := &scriptTrampoline{calls: []ffi.Request{{Code: 1, Arg: memory.VaddrProgram + 3}}}

	if _, err := Start(testProgram(ro), tr, WithSink(rec), noFatal(t)); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	events := rec.Filter(diag.LogString)
	if len(events) != 1 || events[0].Text != "hello" {
		t.Fatalf("LogString events = %v, want one with hello", events)
	}
}

func TestCallsInIssueOrder(t *testing.T) {
	rec := diag.NewRecorder()
	var calls []ffi.Request
	for i := uint64(1); i <= 5; i++ {
		calls = append(calls, ffi.Request{Code: 0, Arg: i})
	}
	tr := &scriptTrampoline{calls: calls}

	if _, err := Start(testProgram(nil), tr, WithSink(rec), noFatal(t)); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	events := rec.Filter(diag.LogUint32)
	if len(events) != 5 {
		t.Fatalf("got %d log events, want 5", len(events))
	}
	for i, e := range events {
		if e.Value != uint64(i+1) {
			t.Errorf("event %d value = %d, want %d", i, e.Value, i+1)
		}
	}
}

// TestStateResetTiming checks the process is still CallingC while its call
// is dispatched and is back to Running when it is resumed.
func TestStateResetTiming(t *testing.T) {
	var rt *Runtime
	var during []proc.State
	d := ffi.NewDispatcher(nil)
	d.Register(ffi.LogUint32, ffi.NameLogUint32, ffi.HandlerFunc(func(_ ffi.Memory, _ uint64) error {
		during = append(during, rt.Root().State())
		return nil
	}))

	prog := testProgram(nil)
	rt = New(prog, WithSink(diag.Discard), WithDispatcher(d), noFatal(t))
	p, err := rt.Spawn(prog)
	if err != nil {
		t.Fatalf("Spawn() failed: %v", err)
	}

	tr := &scriptTrampoline{calls: []ffi.Request{{Code: 0, Arg: 1}, {Code: 0, Arg: 2}}}
	if err := rt.Run(p, tr); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if err := rt.Destroy(); err != nil {
		t.Fatalf("Destroy() failed: %v", err)
	}

	for i, s := range during {
		if s != proc.CallingC {
			t.Errorf("state during dispatch %d = %v, want CALLING_C", i, s)
		}
	}
	for i, s := range tr.states {
		if s != proc.Running {
			t.Errorf("state at resumption %d = %v, want RUNNING", i, s)
		}
	}
}

func TestUnknownCallCode(t *testing.T) {
	rec := diag.NewRecorder()
	tr := &scriptTrampoline{calls: []ffi.Request{{Code: 9, Arg: 0}}}

	code, err := Start(testProgram(nil), tr, WithSink(rec), noFatal(t))
	if !errors.Is(err, ffi.ErrUnknownCall) {
		t.Fatalf("Start() = %v, want ErrUnknownCall", err)
	}
	if code != ExitFault {
		t.Errorf("exit code = %d, want %d", code, ExitFault)
	}
	if rec.Count(diag.FreeProcess) != 1 || rec.Count(diag.FreeRuntime) != 1 {
		t.Error("faulted run was not torn down")
	}
	if rec.Count(diag.ProcessFault) != 1 {
		t.Errorf("ProcessFault events = %d, want 1", rec.Count(diag.ProcessFault))
	}
}

func TestReleaseAfterRun(t *testing.T) {
	tests := []struct {
		name  string
		calls []ffi.Request
		code  int
	}{
		{"completed", []ffi.Request{{Code: 0, Arg: 1}}, ExitCompleted},
		{"unknown call code", []ffi.Request{{Code: 9}}, ExitFault},
		{"bad string pointer", []ffi.Request{{Code: 1, Arg: 0xdead}}, ExitFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptTrampoline{calls: tt.calls}
			code, _ := Start(testProgram(nil), tr, WithSink(diag.Discard), noFatal(t))
			if code != tt.code {
				t.Errorf("exit code = %d, want %d", code, tt.code)
			}
			if tr.released != 1 {
				t.Errorf("Release() called %d times, want 1", tr.released)
			}
		})
	}
}

func TestTrampolineError(t *testing.T) {
	boom := errors.New("boom")
	tr := TrampolineFunc(func(*proc.Process) error { return boom })

	code, err := Start(testProgram(nil), tr, WithSink(diag.Discard), noFatal(t))
	if !errors.Is(err, boom) {
		t.Fatalf("Start() = %v, want boom", err)
	}
	if code != ExitFault {
		t.Errorf("exit code = %d, want %d", code, ExitFault)
	}
}

func TestAllocationFailureIsFatal(t *testing.T) {
	var fatalCode int
	tr := TrampolineFunc(func(p *proc.Process) error {
		t.Error("trampoline reached without a stack")
		return nil
	})

	code, err := Start(testProgram(nil), tr,
		WithSink(diag.Discard),
		WithSource(stack.NewBudgetSource(128)),
		WithFatal(func(c int, err error) { fatalCode = c }),
	)
	if fatalCode != ExitAllocFailure {
		t.Errorf("fatal code = %d, want %d", fatalCode, ExitAllocFailure)
	}
	if code != ExitAllocFailure || !errors.Is(err, stack.ErrOutOfMemory) {
		t.Errorf("Start() = %d, %v; want %d, ErrOutOfMemory", code, err, ExitAllocFailure)
	}
}

func TestSingleProcess(t *testing.T) {
	prog := testProgram(nil)
	r := New(prog, WithSink(diag.Discard), noFatal(t))

	p, err := r.Spawn(prog)
	if err != nil {
		t.Fatalf("Spawn() failed: %v", err)
	}
	if _, err := r.Spawn(prog); !errors.Is(err, ErrActiveProcess) {
		t.Errorf("second Spawn() = %v, want ErrActiveProcess", err)
	}
	if err := r.Destroy(); !errors.Is(err, ErrActiveProcess) {
		t.Errorf("Destroy() with live process = %v, want ErrActiveProcess", err)
	}

	if err := p.Destroy(); err != nil {
		t.Fatalf("proc Destroy() failed: %v", err)
	}
	if err := r.Destroy(); err != nil {
		t.Fatalf("Destroy() failed: %v", err)
	}
	if _, err := r.Spawn(prog); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Spawn() after Destroy = %v, want ErrDestroyed", err)
	}
}

// TestIndependentRuntimes checks two runtimes share no state.
func TestIndependentRuntimes(t *testing.T) {
	prog := testProgram(nil)
	r1 := New(prog, WithSink(diag.Discard), noFatal(t))
	r2 := New(prog, WithSink(diag.Discard), noFatal(t))

	p1, err := r1.Spawn(prog)
	if err != nil {
		t.Fatalf("Spawn() failed: %v", err)
	}
	p2, err := r2.Spawn(prog)
	if err != nil {
		t.Fatalf("Spawn() failed: %v", err)
	}
	if r1.Space() == r2.Space() {
		t.Error("runtimes share an address space")
	}

	if err := p1.Destroy(); err != nil {
		t.Fatal(err)
	}
	if r2.Stacks().Live() != 1 {
		t.Error("destroying a process in one runtime affected the other")
	}
	if err := p2.Destroy(); err != nil {
		t.Fatal(err)
	}
}

func TestReferencedProcessTeardownPanics(t *testing.T) {
	prog := testProgram(nil)
	r := New(prog, WithSink(diag.Discard), noFatal(t))
	p, err := r.Spawn(prog)
	if err != nil {
		t.Fatal(err)
	}
	p.Ref()

	defer func() {
		rec := recover()
		err, ok := rec.(error)
		if !ok || !errors.Is(err, proc.ErrStillReferenced) {
			t.Errorf("recovered %v, want ErrStillReferenced", rec)
		}
	}()

	r.Run(p, TrampolineFunc(func(p *proc.Process) error {
		p.SetState(proc.Exiting)
		return nil
	}))
	t.Error("Run() returned after tearing down a referenced process")
}
