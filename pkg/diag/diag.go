// Package diag carries runtime diagnostic events to their sinks.
//
// Every allocation and lifecycle step of a run produces an Event holding a
// kind and a pointer-sized value. Foreign-call emissions carry text as well.
// Sinks decide what to do with them: log through commonlog, record in memory
// for tests, or persist to the run journal.
package diag

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

// Kind identifies a diagnostic event.
type Kind string

// Event kinds.
const (
	NewRuntime   Kind = "new rt"
	FreeRuntime  Kind = "freed rt"
	TrampolineID Kind = "trampoline"
	InitCode     Kind = "init code"
	MainCode     Kind = "main code"
	FiniCode     Kind = "fini code"
	NewStack     Kind = "new stack segment"
	FreeStack    Kind = "freed stack segment"
	NewProcess   Kind = "new proc"
	FreeProcess  Kind = "freed proc"
	RootProcess  Kind = "root proc"
	InitialPC    Kind = "proc pc"
	InitialSP    Kind = "proc sp"
	LogUint32    Kind = "log u32"
	LogString    Kind = "log str"
	ProcessFault Kind = "proc fault"
)

// Event is a single diagnostic emission.
type Event struct {
	Kind  Kind   `cbor:"1,keyasint"`
	Value uint64 `cbor:"2,keyasint"`
	Text  string `cbor:"3,keyasint,omitempty"`
}

// String formats the event the way it is written to the log.
func (e Event) String() string {
	switch e.Kind {
	case LogUint32:
		return fmt.Sprintf("%s: %d", e.Kind, e.Value)
	case LogString, TrampolineID:
		return fmt.Sprintf("%s: %s", e.Kind, e.Text)
	}
	if e.Text != "" {
		return fmt.Sprintf("%s: 0x%x (%s)", e.Kind, e.Value, e.Text)
	}
	return fmt.Sprintf("%s: 0x%x", e.Kind, e.Value)
}

// Sink receives diagnostic events.
type Sink interface {
	Emit(e Event)
}

// SinkFunc is a function that implements Sink.
type SinkFunc func(e Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// LogSink writes events through a commonlog logger.
type LogSink struct {
	log commonlog.Logger
}

// NewLogSink returns a sink logging under "greenrt.<name>".
func NewLogSink(name string) *LogSink {
	return &LogSink{log: commonlog.GetLogger("greenrt." + name)}
}

// Emit implements Sink.
func (s *LogSink) Emit(e Event) {
	switch e.Kind {
	case LogUint32, LogString:
		s.log.Notice(e.String())
	case ProcessFault:
		s.log.Error(e.String())
	default:
		s.log.Info(e.String())
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of the given kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Filter returns the recorded events of the given kind.
func (r *Recorder) Filter(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}
