package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortiblox/greenrt/pkg/diag"
	"github.com/fortiblox/greenrt/pkg/green/ffi"
	"github.com/fortiblox/greenrt/pkg/green/memory"
	"github.com/fortiblox/greenrt/pkg/green/rt"
	"github.com/fortiblox/greenrt/pkg/green/sbpf"
)

// Section indices used by buildELF.
const (
	secText   = 1
	secRodata = 2
	secSymtab = 3
	secStrtab = 4
	secRelDyn = 5
	secShstr  = 6
)

type testSym struct {
	name  string
	value uint64 // instruction index in .text, byte offset in .rodata
	info  uint8
	shndx uint16
}

type testRel struct {
	index uint64 // instruction index
	typ   uint32
	sym   uint64
}

type elfLayout struct {
	machine uint16
	entry   uint64 // instruction index
	text    []uint64
	ro      []byte
	syms    []testSym
	rels    []testRel
}

func funcSym(name string, pc uint64) testSym {
	return testSym{name: name, value: pc, info: 0x10 | sttFunc, shndx: secText}
}

func importSym(name string) testSym {
	return testSym{name: name, info: 0x10}
}

// buildELF lays out a minimal shared object: header, section contents,
// then the section header table. Section addresses equal file offsets.
func buildELF(t *testing.T, s elfLayout) []byte {
	t.Helper()
	if s.machine == 0 {
		s.machine = elfMachineSBPF
	}

	var body bytes.Buffer
	body.Write(make([]byte, fileHeaderSize))
	place := func(b []byte) (uint64, uint64) {
		off := uint64(body.Len())
		body.Write(b)
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		return off, uint64(len(b))
	}

	textBytes := make([]byte, 8*len(s.text))
	for i, ins := range s.text {
		binary.LittleEndian.PutUint64(textBytes[i*8:], ins)
	}
	textOff, textSize := place(textBytes)
	roOff, roSize := place(s.ro)

	strtab := []byte{0}
	syms := []symbol{{}}
	for _, ts := range s.syms {
		sym := symbol{Name: uint32(len(strtab)), Info: ts.info, Shndx: ts.shndx}
		strtab = append(append(strtab, ts.name...), 0)
		switch ts.shndx {
		case secText:
			sym.Value = textOff + ts.value*8
		case secRodata:
			sym.Value = roOff + ts.value
		}
		syms = append(syms, sym)
	}
	var symBuf bytes.Buffer
	if err := binary.Write(&symBuf, binary.LittleEndian, syms); err != nil {
		t.Fatalf("encode symbols: %v", err)
	}
	symOff, symSize := place(symBuf.Bytes())
	strOff, strSize := place(strtab)

	var relBuf bytes.Buffer
	for _, r := range s.rels {
		binary.Write(&relBuf, binary.LittleEndian, [2]uint64{textOff + r.index*8, r.sym<<32 | uint64(r.typ)})
	}
	relOff, relLen := place(relBuf.Bytes())

	shstr := "\x00.text\x00.rodata\x00.symtab\x00.strtab\x00.rel.dyn\x00.shstrtab\x00"
	shOff, shLen := place([]byte(shstr))
	name := func(n string) uint32 { return uint32(strings.Index(shstr, "\x00"+n+"\x00") + 1) }

	sections := []sectionHeader{
		{},
		{Name: name(".text"), Type: 1, Flags: 6, Addr: textOff, Offset: textOff, Size: textSize},
		{Name: name(".rodata"), Type: 1, Flags: 2, Addr: roOff, Offset: roOff, Size: roSize},
		{Name: name(".symtab"), Type: shtSymtab, Offset: symOff, Size: symSize, Link: secStrtab, EntSize: symbolSize},
		{Name: name(".strtab"), Type: 3, Offset: strOff, Size: strSize},
		{Name: name(".rel.dyn"), Type: shtRel, Offset: relOff, Size: relLen, Link: secSymtab, EntSize: relSize},
		{Name: name(".shstrtab"), Type: 3, Offset: shOff, Size: shLen},
	}
	tableOff := uint64(body.Len())
	if err := binary.Write(&body, binary.LittleEndian, sections); err != nil {
		t.Fatalf("encode sections: %v", err)
	}

	hdr := fileHeader{
		Type:      elfTypeDyn,
		Machine:   s.machine,
		Version:   1,
		Entry:     textOff + s.entry*8,
		SHOff:     tableOff,
		EHSize:    fileHeaderSize,
		SHEntSize: sectionSize,
		SHNum:     uint16(len(sections)),
		SHStrNdx:  secShstr,
	}
	copy(hdr.Ident[:], elfMagic[:])
	hdr.Ident[4], hdr.Ident[5], hdr.Ident[6] = elfClass64, elfDataLSB, 1

	var hb bytes.Buffer
	if err := binary.Write(&hb, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	out := body.Bytes()
	copy(out, hb.Bytes())
	return out
}

func runLoaded(t *testing.T, data []byte) *diag.Recorder {
	t.Helper()
	prog, err := LoadProgram("test", data)
	if err != nil {
		t.Fatalf("LoadProgram() failed: %v", err)
	}
	rec := diag.NewRecorder()
	d := ffi.NewDispatcher(rec)
	code, err := rt.Start(prog, sbpf.New(d), rt.WithSink(rec), rt.WithDispatcher(d))
	if err != nil || code != rt.ExitCompleted {
		t.Fatalf("Start() = %d, %v", code, err)
	}
	return rec
}

func TestLoadRelocatesStringAndImport(t *testing.T) {
	lddw := sbpf.Lddw(1, 0)
	layout := elfLayout{
		text: []uint64{
			lddw[0], lddw[1],
			sbpf.Encode(sbpf.OpCall, 0, 0, 0, -1),
			sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		},
		ro: []byte("hello\x00"),
		syms: []testSym{
			funcSym("main", 0),
			importSym(ffi.NameLogString),
			{name: ".L.str", value: 0, shndx: secRodata},
		},
		rels: []testRel{
			{index: 0, typ: rBPF64_64, sym: 3},
			{index: 2, typ: rBPF64_32, sym: 2},
		},
	}

	img, err := Load(buildELF(t, layout))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	lo, hi := sbpf.Instruction(img.Text[0]), sbpf.Instruction(img.Text[1])
	if addr := uint64(lo.Uimm()) | uint64(hi.Uimm())<<32; addr != memory.VaddrProgram {
		t.Errorf("lddw address = 0x%x, want 0x%x", addr, memory.VaddrProgram)
	}
	want := ffi.Murmur3Hash(ffi.NameLogString)
	if got := sbpf.Instruction(img.Text[2]).Uimm(); got != want {
		t.Errorf("call imm = 0x%08x, want 0x%08x", got, want)
	}
	if len(img.Imports) != 1 || img.Imports[0] != want {
		t.Errorf("Imports = %v, want [0x%08x]", img.Imports, want)
	}
	if string(img.RO) != "hello\x00" {
		t.Errorf("RO = %q", img.RO)
	}

	rec := runLoaded(t, buildELF(t, layout))
	events := rec.Filter(diag.LogString)
	if len(events) != 1 || events[0].Text != "hello" {
		t.Errorf("LogString events = %v, want one with hello", events)
	}
}

func TestLoadInternalCall(t *testing.T) {
	layout := elfLayout{
		text: []uint64{
			sbpf.Encode(sbpf.OpMov64Imm, 1, 0, 0, 40),
			sbpf.Encode(sbpf.OpCall, 0, 0, 0, -1),
			sbpf.Encode(sbpf.OpMov64Reg, 1, 0, 0, 0),
			sbpf.Encode(sbpf.OpCall, 0, 0, 0, -1),
			sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
			sbpf.Encode(sbpf.OpMov64Reg, 0, 1, 0, 0),
			sbpf.Encode(sbpf.OpAdd64Imm, 0, 0, 0, 2),
			sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		},
		syms: []testSym{
			funcSym("main", 0),
			funcSym("add_two", 5),
			importSym(ffi.NameLogUint32),
		},
		rels: []testRel{
			{index: 1, typ: rBPF64_32, sym: 2},
			{index: 3, typ: rBPF64_32, sym: 3},
		},
	}

	img, err := Load(buildELF(t, layout))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if pc, ok := img.Functions[ffi.Murmur3Hash("add_two")]; !ok || pc != 5 {
		t.Errorf("Functions[add_two] = %d, %v; want 5", pc, ok)
	}
	if len(img.Imports) != 1 {
		t.Errorf("Imports = %v, want only the log import", img.Imports)
	}

	rec := runLoaded(t, buildELF(t, layout))
	events := rec.Filter(diag.LogUint32)
	if len(events) != 1 || events[0].Value != 42 {
		t.Errorf("LogUint32 events = %v, want one with 42", events)
	}
}

func TestEntryPoints(t *testing.T) {
	exit := sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)
	text := []uint64{exit, exit, exit, exit}

	tests := []struct {
		name   string
		layout elfLayout
		want   [3]uint64 // init, main, fini
	}{
		{
			name:   "all symbols",
			layout: elfLayout{text: text, entry: 3, syms: []testSym{
				funcSym("init", 1), funcSym("main", 2), funcSym("fini", 3),
			}},
			want:   [3]uint64{1, 2, 3},
		},
		{
			name:   "ELF entry",
			layout: elfLayout{text: text, entry: 3},
			want:   [3]uint64{3, 3, 3},
		},
		{
			name:   "main only",
			layout: elfLayout{text: text, syms: []testSym{funcSym("main", 1)}},
			want:   [3]uint64{1, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := LoadProgram("entry", buildELF(t, tt.layout))
			if err != nil {
				t.Fatalf("LoadProgram() failed: %v", err)
			}
			got := [3]uint64{prog.InitCode, prog.MainCode, prog.FiniCode}
			if got != tt.want {
				t.Errorf("entries = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntryOutsideText(t *testing.T) {
	layout := elfLayout{text: []uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)}, entry: 9}
	if _, err := LoadProgram("bad", buildELF(t, layout)); !errors.Is(err, ErrNoEntry) {
		t.Errorf("LoadProgram() = %v, want ErrNoEntry", err)
	}
}

func TestUnresolved(t *testing.T) {
	img := &Image{Imports: []uint32{
		ffi.Murmur3Hash(ffi.NameLogUint32),
		ffi.Murmur3Hash("rt_missing"),
	}}
	got := img.Unresolved(ffi.NewDispatcher(nil))
	if len(got) != 1 || got[0] != ffi.Murmur3Hash("rt_missing") {
		t.Errorf("Unresolved() = %v, want only rt_missing", got)
	}
}

func TestLoadInvalidELF(t *testing.T) {
	valid := buildELF(t, elfLayout{text: []uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)}})
	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), valid...)
		f(b)
		return b
	}
	nobits := func(idx int, size uint64) []byte {
		return mutate(func(b []byte) {
			sh := binary.LittleEndian.Uint64(b[40:]) + uint64(idx)*sectionSize
			binary.LittleEndian.PutUint32(b[sh+4:], shtNobits)
			binary.LittleEndian.PutUint64(b[sh+32:], size)
		})
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, ErrInvalidELF},
		{"too short", []byte{0x7f, 'E', 'L', 'F'}, ErrInvalidELF},
		{"wrong magic", make([]byte, 64), ErrInvalidELF},
		{"32-bit", mutate(func(b []byte) { b[4] = 1 }), ErrUnsupportedClass},
		{"big endian", mutate(func(b []byte) { b[5] = 2 }), ErrUnsupportedEndian},
		{"x86-64", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[18:], 62) }), ErrUnsupportedMachine},
		{"section table past end", mutate(func(b []byte) { binary.LittleEndian.PutUint64(b[40:], uint64(len(b))) }), ErrInvalidELF},
		{"too large", make([]byte, MaxELFSize+1), ErrTooLarge},
		{"huge nobits rodata", nobits(secRodata, 1<<62), ErrInvalidSection},
		{"huge nobits text", nobits(secText, 1<<62), ErrInvalidSection},
		{"huge nobits shstrtab", nobits(secShstr, MaxELFSize+1), ErrInvalidSection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Load() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAcceptsBPFMachine(t *testing.T) {
	layout := elfLayout{machine: elfMachineBPF, text: []uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)}}
	if _, err := Load(buildELF(t, layout)); err != nil {
		t.Errorf("Load(EM_BPF) failed: %v", err)
	}
}

func TestCString(t *testing.T) {
	strtab := []byte("\x00hello\x00world")

	tests := []struct {
		offset uint32
		want   string
	}{
		{0, ""},
		{1, "hello"},
		{7, "world"},
		{99, ""},
	}
	for _, tt := range tests {
		if got := cstring(strtab, tt.offset); got != tt.want {
			t.Errorf("cstring(strtab, %d) = %q, want %q", tt.offset, got, tt.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.so")
	data := buildELF(t, elfLayout{text: []uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)}})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	prog, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if prog.Name != "hello" {
		t.Errorf("Name = %q, want hello", prog.Name)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.so")); err == nil {
		t.Error("LoadFile(missing) succeeded")
	}
}
