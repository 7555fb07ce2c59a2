// Package loader reads green programs from 64-bit little-endian BPF/sBPF ELF
// objects.
//
// The loader extracts .text as instruction slots and .rodata as the
// read-only data mapped at memory.VaddrProgram. Function symbols become
// call targets keyed by the murmur3 hash of their names, and relocations are
// applied in place: call sites get the hash of their target, and 64-bit
// immediate loads of read-only data get the address the data is mapped at.
//
// The process descriptor's entry points come from the symbols init, main
// and fini. A program without a main symbol starts at the ELF entry.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fortiblox/greenrt/pkg/green/ffi"
	"github.com/fortiblox/greenrt/pkg/green/memory"
	"github.com/fortiblox/greenrt/pkg/green/proc"
	"github.com/fortiblox/greenrt/pkg/green/sbpf"
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64     = 2
	elfDataLSB     = 1
	elfMachineBPF  = 247
	elfMachineSBPF = 263
	elfTypeExec    = 2
	elfTypeDyn     = 3

	shtSymtab = 2
	shtRela   = 4
	shtNobits = 8
	shtRel    = 9
	shtDynsym = 11

	sttFunc  = 2
	shnUndef = 0

	rBPF64_64    = 1
	rBPFRelative = 8
	rBPF64_32    = 10
)

// Limits.
const (
	MaxELFSize      = 10 << 20
	MaxSections     = 256
	MaxSymbols      = 100_000
	MaxRelocations  = 100_000
	MaxInstructions = 1_000_000
)

// Errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrTooLarge           = errors.New("ELF file too large")
	ErrNoEntry            = errors.New("entry point outside .text")
)

// fileHeader is the ELF64 file header.
type fileHeader struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PHOff     uint64
	SHOff     uint64
	Flags     uint32
	EHSize    uint16
	PHEntSize uint16
	PHNum     uint16
	SHEntSize uint16
	SHNum     uint16
	SHStrNdx  uint16
}

// sectionHeader is an ELF64 section header.
type sectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// symbol is an ELF64 symbol table entry.
type symbol struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// rela is an ELF64 relocation. Rel entries leave Addend zero.
type rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

const (
	fileHeaderSize = 64
	sectionSize    = 64
	symbolSize     = 24
	relSize        = 16
	relaSize       = 24
)

// Image is a parsed program image.
type Image struct {
	// Text contains the program instructions.
	Text []uint64

	// RO contains read-only data.
	RO []byte

	// Entry is the ELF entry as an instruction index.
	Entry uint64

	// Symbols maps function names to instruction indices.
	Symbols map[string]uint64

	// Functions maps function name hashes to instruction indices.
	Functions map[uint32]uint64

	// Imports holds the hashes of undefined call targets.
	Imports []uint32
}

// file is an ELF object being parsed.
type file struct {
	data     []byte
	header   fileHeader
	sections []sectionHeader
	names    []string
}

// Load parses an ELF object.
func Load(data []byte) (*Image, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}
	f := &file{data: data}
	if err := f.parseHeader(); err != nil {
		return nil, err
	}
	if err := f.parseSections(); err != nil {
		return nil, err
	}

	textIdx := f.find(".text")
	if textIdx < 0 {
		return nil, ErrNoTextSection
	}
	textSec := &f.sections[textIdx]
	raw, err := f.section(textSec)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: .text size %d not a multiple of 8", ErrInvalidSection, len(raw))
	}
	if len(raw)/8 > MaxInstructions {
		return nil, fmt.Errorf("%w: %d instructions", ErrTooLarge, len(raw)/8)
	}

	img := &Image{
		Text:      make([]uint64, len(raw)/8),
		Symbols:   make(map[string]uint64),
		Functions: make(map[uint32]uint64),
	}
	for i := range img.Text {
		img.Text[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}

	roIdx := f.find(".rodata")
	var roSec *sectionHeader
	if roIdx >= 0 {
		roSec = &f.sections[roIdx]
		if img.RO, err = f.section(roSec); err != nil {
			return nil, err
		}
	}

	syms, strtab, err := f.symbols()
	if err != nil {
		return nil, err
	}
	for _, s := range syms {
		if s.Info&0xf != sttFunc || int(s.Shndx) != textIdx {
			continue
		}
		name := cstring(strtab, s.Name)
		if name == "" || s.Value < textSec.Addr {
			continue
		}
		pc := (s.Value - textSec.Addr) / 8
		img.Symbols[name] = pc
		img.Functions[ffi.Murmur3Hash(name)] = pc
	}

	r := &relocator{img: img, syms: syms, strtab: strtab, text: textSec, ro: roSec}
	for i := range f.sections {
		sec := &f.sections[i]
		if sec.Type != shtRel && sec.Type != shtRela {
			continue
		}
		if sec.Type == shtRel && sec.Info != 0 && int(sec.Info) != textIdx {
			continue
		}
		relocs, err := f.relocations(sec)
		if err != nil {
			return nil, err
		}
		for _, rel := range relocs {
			r.apply(rel)
		}
	}

	if f.header.Entry >= textSec.Addr {
		img.Entry = (f.header.Entry - textSec.Addr) / 8
	}
	return img, nil
}

func (f *file) parseHeader() error {
	if len(f.data) < fileHeaderSize {
		return ErrInvalidELF
	}
	if err := binary.Read(bytes.NewReader(f.data), binary.LittleEndian, &f.header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}
	return validateHeader(&f.header)
}

func validateHeader(h *fileHeader) error {
	if !bytes.Equal(h.Ident[:4], elfMagic[:]) {
		return ErrInvalidELF
	}
	if h.Ident[4] != elfClass64 {
		return ErrUnsupportedClass
	}
	if h.Ident[5] != elfDataLSB {
		return ErrUnsupportedEndian
	}
	if h.Machine != elfMachineBPF && h.Machine != elfMachineSBPF {
		return fmt.Errorf("%w: %d", ErrUnsupportedMachine, h.Machine)
	}
	if h.Type != elfTypeExec && h.Type != elfTypeDyn {
		return fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, h.Type)
	}
	return nil
}

func (f *file) parseSections() error {
	h := &f.header
	if h.SHNum == 0 {
		return ErrNoTextSection
	}
	if h.SHNum > MaxSections {
		return fmt.Errorf("%w: %d sections", ErrInvalidELF, h.SHNum)
	}
	if h.SHEntSize != sectionSize {
		return fmt.Errorf("%w: section header size %d", ErrInvalidELF, h.SHEntSize)
	}
	end := h.SHOff + uint64(h.SHNum)*sectionSize
	if end < h.SHOff || end > uint64(len(f.data)) {
		return fmt.Errorf("%w: section headers out of bounds", ErrInvalidELF)
	}

	f.sections = make([]sectionHeader, h.SHNum)
	rd := bytes.NewReader(f.data[h.SHOff:end])
	if err := binary.Read(rd, binary.LittleEndian, f.sections); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}

	if int(h.SHStrNdx) >= len(f.sections) {
		return ErrInvalidSection
	}
	shstr, err := f.section(&f.sections[h.SHStrNdx])
	if err != nil {
		return err
	}
	f.names = make([]string, len(f.sections))
	for i := range f.sections {
		f.names[i] = cstring(shstr, f.sections[i].Name)
	}
	return nil
}

// find returns the index of the named section, or -1.
func (f *file) find(name string) int {
	for i, n := range f.names {
		if n == name {
			return i
		}
	}
	return -1
}

// section returns a copy of the contents of sec.
func (f *file) section(sec *sectionHeader) ([]byte, error) {
	if sec.Type == shtNobits {
		if sec.Size > MaxELFSize {
			return nil, fmt.Errorf("%w: nobits size %d", ErrInvalidSection, sec.Size)
		}
		return make([]byte, sec.Size), nil
	}
	end := sec.Offset + sec.Size
	if end < sec.Offset || end > uint64(len(f.data)) {
		return nil, fmt.Errorf("%w: offset 0x%x size %d", ErrInvalidSection, sec.Offset, sec.Size)
	}
	out := make([]byte, sec.Size)
	copy(out, f.data[sec.Offset:end])
	return out, nil
}

// symbols returns the static symbol table, falling back to the dynamic one.
func (f *file) symbols() ([]symbol, []byte, error) {
	for _, typ := range []uint32{shtSymtab, shtDynsym} {
		for i := range f.sections {
			sec := &f.sections[i]
			if sec.Type != typ {
				continue
			}
			if int(sec.Link) >= len(f.sections) {
				return nil, nil, ErrInvalidSection
			}
			raw, err := f.section(sec)
			if err != nil {
				return nil, nil, err
			}
			n := len(raw) / symbolSize
			if n > MaxSymbols {
				return nil, nil, fmt.Errorf("%w: %d symbols", ErrInvalidELF, n)
			}
			syms := make([]symbol, n)
			if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, syms); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSection, err)
			}
			strtab, err := f.section(&f.sections[sec.Link])
			if err != nil {
				return nil, nil, err
			}
			return syms, strtab, nil
		}
	}
	return nil, nil, nil
}

func (f *file) relocations(sec *sectionHeader) ([]rela, error) {
	raw, err := f.section(sec)
	if err != nil {
		return nil, err
	}
	size := relSize
	if sec.Type == shtRela {
		size = relaSize
	}
	n := len(raw) / size
	if n > MaxRelocations {
		return nil, fmt.Errorf("%w: %d relocations", ErrInvalidELF, n)
	}

	out := make([]rela, n)
	for i := range out {
		e := raw[i*size:]
		out[i].Offset = binary.LittleEndian.Uint64(e)
		out[i].Info = binary.LittleEndian.Uint64(e[8:])
		if size == relaSize {
			out[i].Addend = int64(binary.LittleEndian.Uint64(e[16:]))
		}
	}
	return out, nil
}

// relocator patches instruction immediates.
type relocator struct {
	img    *Image
	syms   []symbol
	strtab []byte
	text   *sectionHeader
	ro     *sectionHeader
}

func (r *relocator) apply(rel rela) {
	if rel.Offset < r.text.Addr {
		return
	}
	idx := (rel.Offset - r.text.Addr) / 8
	text := r.img.Text
	if idx >= uint64(len(text)) {
		return
	}
	typ := uint32(rel.Info)
	symIdx := rel.Info >> 32

	switch typ {
	case rBPF64_32:
		if symIdx >= uint64(len(r.syms)) {
			return
		}
		sym := &r.syms[symIdx]
		hash := ffi.Murmur3Hash(cstring(r.strtab, sym.Name))
		if sym.Shndx == shnUndef {
			r.img.Imports = append(r.img.Imports, hash)
		}
		text[idx] = setImm(text[idx], uint32(hash))

	case rBPF64_64:
		if idx+1 >= uint64(len(text)) || symIdx >= uint64(len(r.syms)) {
			return
		}
		addend := uint64(rel.Addend)
		if rel.Addend == 0 {
			addend = uint64(sbpf.Instruction(text[idx]).Uimm())
		}
		r.patchLddw(idx, r.dataAddr(r.syms[symIdx].Value+addend))

	case rBPFRelative:
		if idx+1 >= uint64(len(text)) {
			return
		}
		v := uint64(sbpf.Instruction(text[idx]).Uimm()) | uint64(sbpf.Instruction(text[idx+1]).Uimm())<<32
		r.patchLddw(idx, r.dataAddr(v))
	}
}

// dataAddr maps a link-time address inside .rodata to its runtime address.
func (r *relocator) dataAddr(v uint64) uint64 {
	if r.ro != nil && v >= r.ro.Addr && v < r.ro.Addr+r.ro.Size {
		return memory.VaddrProgram + (v - r.ro.Addr)
	}
	return v
}

func (r *relocator) patchLddw(idx, v uint64) {
	r.img.Text[idx] = setImm(r.img.Text[idx], uint32(v))
	r.img.Text[idx+1] = setImm(r.img.Text[idx+1], uint32(v>>32))
}

func setImm(ins uint64, imm uint32) uint64 {
	return ins&0xFFFF_FFFF | uint64(imm)<<32
}

func cstring(tab []byte, off uint32) string {
	if off >= uint32(len(tab)) {
		return ""
	}
	s := tab[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// Program builds the process descriptor for the image. A missing init or
// fini symbol falls back to the main entry.
func (img *Image) Program(name string) (*proc.Program, error) {
	mainPC, ok := img.Symbols["main"]
	if !ok {
		mainPC = img.Entry
	}
	if mainPC >= uint64(len(img.Text)) {
		return nil, fmt.Errorf("%w: %d", ErrNoEntry, mainPC)
	}
	initPC, ok := img.Symbols["init"]
	if !ok {
		initPC = mainPC
	}
	finiPC, ok := img.Symbols["fini"]
	if !ok {
		finiPC = mainPC
	}

	return &proc.Program{
		Name:      name,
		InitCode:  initPC,
		MainCode:  mainPC,
		FiniCode:  finiPC,
		Text:      img.Text,
		RO:        img.RO,
		Functions: img.Functions,
	}, nil
}

// Unresolved returns the imports r does not know.
func (img *Image) Unresolved(r sbpf.Resolver) []uint32 {
	var out []uint32
	for _, h := range img.Imports {
		if _, ok := r.Lookup(h); !ok {
			out = append(out, h)
		}
	}
	return out
}

// LoadProgram parses data and builds its process descriptor.
func LoadProgram(name string, data []byte) (*proc.Program, error) {
	img, err := Load(data)
	if err != nil {
		return nil, err
	}
	return img.Program(name)
}

// LoadFile reads and loads the ELF object at path. The program is named
// after the file.
func LoadFile(path string) (*proc.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prog, err := LoadProgram(name, data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return prog, nil
}
