package sbpf

// Instruction classes (bits 0-2).
const (
	ClassLd    = 0x00
	ClassLdx   = 0x01
	ClassSt    = 0x02
	ClassStx   = 0x03
	ClassAlu   = 0x04
	ClassJmp   = 0x05
	ClassJmp32 = 0x06
	ClassAlu64 = 0x07
)

// Operand source (bit 3).
const (
	SrcK = 0x00 // immediate
	SrcX = 0x08 // register
)

// ALU operations (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
)

// Load/store width (bits 3-4) and mode (bits 5-7).
const (
	SizeW  = 0x00
	SizeH  = 0x08
	SizeB  = 0x10
	SizeDW = 0x18

	ModeImm = 0x00
	ModeMem = 0x60
)

// Jump operations (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// Frequently used composed opcodes. Any class|source|operation combination
// the interpreter understands may be built by OR-ing the parts above.
const (
	OpLddw = ClassLd | ModeImm | SizeDW // 0x18, two slots

	OpAdd64Imm = ClassAlu64 | SrcK | AluAdd
	OpAdd64Reg = ClassAlu64 | SrcX | AluAdd
	OpSub64Imm = ClassAlu64 | SrcK | AluSub
	OpMul64Imm = ClassAlu64 | SrcK | AluMul
	OpDiv64Imm = ClassAlu64 | SrcK | AluDiv
	OpMod64Reg = ClassAlu64 | SrcX | AluMod
	OpMov64Imm = ClassAlu64 | SrcK | AluMov
	OpMov64Reg = ClassAlu64 | SrcX | AluMov
	OpNeg64    = ClassAlu64 | AluNeg
	OpAdd32Imm = ClassAlu | SrcK | AluAdd
	OpMov32Imm = ClassAlu | SrcK | AluMov

	OpLdxb  = ClassLdx | ModeMem | SizeB
	OpLdxh  = ClassLdx | ModeMem | SizeH
	OpLdxw  = ClassLdx | ModeMem | SizeW
	OpLdxdw = ClassLdx | ModeMem | SizeDW
	OpStb   = ClassSt | ModeMem | SizeB
	OpStdw  = ClassSt | ModeMem | SizeDW
	OpStxb  = ClassStx | ModeMem | SizeB
	OpStxw  = ClassStx | ModeMem | SizeW
	OpStxdw = ClassStx | ModeMem | SizeDW

	OpJa       = ClassJmp | JmpJa
	OpJeqImm   = ClassJmp | SrcK | JmpJeq
	OpJneImm   = ClassJmp | SrcK | JmpJne
	OpJgtImm   = ClassJmp | SrcK | JmpJgt
	OpJltReg   = ClassJmp | SrcX | JmpJlt
	OpJsltImm  = ClassJmp | SrcK | JmpJslt
	OpJeq32Imm = ClassJmp32 | SrcK | JmpJeq
	OpCall     = ClassJmp | JmpCall
	OpExit     = ClassJmp | JmpExit
)

// Instruction is one encoded 64-bit instruction slot.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 {
	return uint8(i & 0xFF)
}

// Class returns the instruction class.
func (i Instruction) Class() uint8 {
	return uint8(i & 0x07)
}

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 {
	return uint8((i >> 8) & 0x0F)
}

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 {
	return uint8((i >> 12) & 0x0F)
}

// Off returns the signed offset (bits 16-31).
func (i Instruction) Off() int16 {
	return int16(i >> 16)
}

// Imm returns the signed immediate (bits 32-63).
func (i Instruction) Imm() int32 {
	return int32(i >> 32)
}

// Uimm returns the immediate as unsigned.
func (i Instruction) Uimm() uint32 {
	return uint32(i >> 32)
}

// Encode creates an instruction from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// Lddw encodes the two slots of a 64-bit immediate load into dst.
func Lddw(dst uint8, v uint64) [2]uint64 {
	return [2]uint64{
		Encode(OpLddw, dst, 0, 0, int32(uint32(v))),
		Encode(0, 0, 0, 0, int32(uint32(v>>32))),
	}
}
