package ffi

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fortiblox/greenrt/pkg/diag"
)

// fakeMemory serves C strings from a map keyed by address.
type fakeMemory map[uint64]string

func (m fakeMemory) ReadCString(addr uint64, max int) (string, error) {
	s, ok := m[addr]
	if !ok {
		return "", fmt.Errorf("no string at 0x%x", addr)
	}
	return s, nil
}

func TestDispatchLogUint32(t *testing.T) {
	rec := diag.NewRecorder()
	d := NewDispatcher(rec)

	if err := d.Dispatch(nil, Request{Code: 0, Arg: 0x2A}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	events := rec.Filter(diag.LogUint32)
	if len(events) != 1 {
		t.Fatalf("LogUint32 events = %d, want 1", len(events))
	}
	if events[0].Value != 42 {
		t.Errorf("logged value = %d, want 42", events[0].Value)
	}
}

func TestDispatchLogUint32Truncates(t *testing.T) {
	rec := diag.NewRecorder()
	d := NewDispatcher(rec)

	if err := d.Dispatch(nil, Request{Code: uint64(LogUint32), Arg: 0x1_0000_0007}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := rec.Filter(diag.LogUint32)[0].Value; got != 7 {
		t.Errorf("logged value = %d, want 7", got)
	}
}

func TestDispatchLogString(t *testing.T) {
	rec := diag.NewRecorder()
	d := NewDispatcher(rec)
	mem := fakeMemory{0x1000: "hello"}

	if err := d.Dispatch(mem, Request{Code: 1, Arg: 0x1000}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	events := rec.Filter(diag.LogString)
	if len(events) != 1 || events[0].Text != "hello" {
		t.Fatalf("LogString events = %v, want one with text hello", events)
	}
	if d.Count(LogString) != 1 || d.Total() != 1 {
		t.Errorf("Count = %d, Total = %d", d.Count(LogString), d.Total())
	}
}

func TestDispatchBadPointer(t *testing.T) {
	rec := diag.NewRecorder()
	d := NewDispatcher(rec)

	err := d.Dispatch(fakeMemory{}, Request{Code: 1, Arg: 0xdead})
	if !errors.Is(err, ErrInvalidPointer) {
		t.Errorf("Dispatch = %v, want ErrInvalidPointer", err)
	}
	if rec.Count(diag.LogString) != 0 {
		t.Error("failed call emitted a diagnostic")
	}
	if d.Total() != 0 {
		t.Error("failed call was counted")
	}
}

func TestDispatchUnknown(t *testing.T) {
	rec := diag.NewRecorder()
	d := NewDispatcher(rec)

	for _, code := range []uint64{2, 99, ^uint64(0)} {
		err := d.Dispatch(nil, Request{Code: code})
		if !errors.Is(err, ErrUnknownCall) {
			t.Errorf("Dispatch(code %d) = %v, want ErrUnknownCall", code, err)
		}
	}
	if len(rec.Events()) != 0 {
		t.Errorf("unknown calls emitted %d events", len(rec.Events()))
	}
}

func TestLookupByHash(t *testing.T) {
	d := NewDispatcher(nil)

	tests := []struct {
		name string
		kind Kind
	}{
		{NameLogUint32, LogUint32},
		{NameLogString, LogString},
	}
	for _, tt := range tests {
		k, ok := d.Lookup(Murmur3Hash(tt.name))
		if !ok || k != tt.kind {
			t.Errorf("Lookup(%s) = %d, %v; want %d", tt.name, k, ok, tt.kind)
		}
		if d.Name(tt.kind) != tt.name {
			t.Errorf("Name(%d) = %q, want %q", tt.kind, d.Name(tt.kind), tt.name)
		}
	}

	if _, ok := d.Lookup(Murmur3Hash("rt_abort")); ok {
		t.Error("Lookup of unregistered name succeeded")
	}
	if d.Name(7) != "call#7" {
		t.Errorf("Name(7) = %q", d.Name(7))
	}
}

func TestRegisterCustom(t *testing.T) {
	d := NewDispatcher(nil)
	var got uint64
	d.Register(5, "rt_custom", HandlerFunc(func(_ Memory, arg uint64) error {
		got = arg
		return nil
	}))

	if err := d.Dispatch(nil, Request{Code: 5, Arg: 11}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got != 11 {
		t.Errorf("handler got %d, want 11", got)
	}
}

// TestMurmur3Hash checks the hash is deterministic and spreads names.
func TestMurmur3Hash(t *testing.T) {
	names := []string{NameLogUint32, NameLogString, "abort", "a", "ab", "abc"}
	seen := make(map[uint32]string)
	for _, n := range names {
		h := Murmur3Hash(n)
		if h != Murmur3Hash(n) {
			t.Errorf("Murmur3Hash(%q) not consistent", n)
		}
		if prev, ok := seen[h]; ok {
			t.Errorf("Murmur3Hash(%q) collides with %q", n, prev)
		}
		seen[h] = n
	}

	// Reference value for the empty string with seed 0.
	if h := Murmur3Hash(""); h != 0 {
		t.Errorf("Murmur3Hash(\"\") = 0x%08x, want 0", h)
	}
}
