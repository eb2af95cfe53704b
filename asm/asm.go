// Package asm is a small x86 / x86-64 machine code emitter, just large
// enough for the stubs the hook engine generates.
package asm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Reg numbers follow the ModRM encoding; R8-R15 only exist in 64-bit mode.
type Reg byte

const (
	AX Reg = iota
	CX
	DX
	BX
	SP
	BP
	SI
	DI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg%d", r)
}

// Label marks a position for relative jumps.
type Label int

type fixup struct {
	at    int // offset of the rel32 field
	end   int // offset of the next instruction
	label Label
}

// Builder accumulates instructions. Errors are sticky and reported by
// Bytes, so emission code can stay linear.
type Builder struct {
	mode   int
	buf    []byte
	labels []int
	fixups []fixup
	err    error
}

// New returns a builder for 32- or 64-bit code.
func New(mode int) *Builder {
	if mode != 32 && mode != 64 {
		return &Builder{mode: mode, err: errors.Errorf("asm: unsupported mode %d", mode)}
	}
	return &Builder{mode: mode}
}

func (b *Builder) Mode() int {
	return b.mode
}

// Len is the number of bytes emitted so far.
func (b *Builder) Len() int {
	return len(b.buf)
}

func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = errors.Errorf("asm: "+format, args...)
	}
}

func (b *Builder) emit(bs ...byte) {
	b.buf = append(b.buf, bs...)
}

func (b *Builder) emit32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

func (b *Builder) emit64(v uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
}

func (b *Builder) checkReg(r Reg) {
	if r > R15 || (b.mode == 32 && r >= R8) {
		b.fail("register %s not available in %d-bit mode", r, b.mode)
	}
}

// rex emits a REX prefix when needed. w selects 64-bit operand size, reg
// and rm are the registers in the ModRM reg and r/m fields.
func (b *Builder) rex(w bool, reg, rm Reg) {
	if b.mode != 64 {
		return
	}
	p := byte(0x40)
	if w {
		p |= 0x08
	}
	if reg >= R8 {
		p |= 0x04
	}
	if rm >= R8 {
		p |= 0x01
	}
	if p != 0x40 {
		b.emit(p)
	}
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// NewLabel allocates an unbound label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Bind attaches l to the current position.
func (b *Builder) Bind(l Label) {
	if b.labels[l] >= 0 {
		b.fail("label %d bound twice", l)
	}
	b.labels[l] = len(b.buf)
}

// Bytes resolves labels and returns the code.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := append([]byte(nil), b.buf...)
	for _, f := range b.fixups {
		pos := b.labels[f.label]
		if pos < 0 {
			return nil, errors.Errorf("asm: label %d never bound", f.label)
		}
		binary.LittleEndian.PutUint32(out[f.at:], uint32(int32(pos-f.end)))
	}
	return out, nil
}

// Raw appends pre-encoded bytes.
func (b *Builder) Raw(bs []byte) {
	b.emit(bs...)
}

func (b *Builder) Push(r Reg) {
	b.checkReg(r)
	b.rex(false, 0, r)
	b.emit(0x50 + byte(r&7))
}

func (b *Builder) Pop(r Reg) {
	b.checkReg(r)
	b.rex(false, 0, r)
	b.emit(0x58 + byte(r&7))
}

// PushImm pushes a sign-extended 32-bit immediate (pointer sized slot).
func (b *Builder) PushImm(v int32) {
	if v >= -128 && v <= 127 {
		b.emit(0x6A, byte(int8(v)))
		return
	}
	b.emit(0x68)
	b.emit32(uint32(v))
}

// PushSPRel pushes the pointer-sized value at [sp+disp].
func (b *Builder) PushSPRel(disp int32) {
	b.spRel(0xFF, 6, disp)
}

// MovRegSPRel loads dst from [sp+disp].
func (b *Builder) MovRegSPRel(dst Reg, disp int32) {
	b.checkReg(dst)
	b.rex(b.mode == 64, dst, SP)
	b.spRel(0x8B, byte(dst), disp)
}

// spRel emits op with a [sp+disp] memory operand; reg is the ModRM reg field.
func (b *Builder) spRel(op byte, reg byte, disp int32) {
	if disp >= -128 && disp <= 127 {
		b.emit(op, modrm(1, reg, 4), 0x24, byte(int8(disp)))
		return
	}
	b.emit(op, modrm(2, reg, 4), 0x24)
	b.emit32(uint32(disp))
}

// MovImm loads a pointer-sized immediate into dst.
func (b *Builder) MovImm(dst Reg, v uint64) {
	b.checkReg(dst)
	if b.mode == 32 {
		if v > 0xFFFFFFFF {
			b.fail("immediate 0x%X does not fit 32 bits", v)
		}
		b.emit(0xB8 + byte(dst))
		b.emit32(uint32(v))
		return
	}
	b.rex(true, 0, dst)
	b.emit(0xB8 + byte(dst&7))
	b.emit64(v)
}

// Mov copies src into dst (pointer sized).
func (b *Builder) Mov(dst, src Reg) {
	b.checkReg(dst)
	b.checkReg(src)
	b.rex(b.mode == 64, src, dst)
	b.emit(0x89, modrm(3, byte(src), byte(dst)))
}

// Test sets flags from r & r (pointer sized).
func (b *Builder) Test(r Reg) {
	b.checkReg(r)
	b.rex(b.mode == 64, r, r)
	b.emit(0x85, modrm(3, byte(r), byte(r)))
}

func (b *Builder) CallReg(r Reg) {
	b.checkReg(r)
	b.rex(false, 0, r)
	b.emit(0xFF, modrm(3, 2, byte(r)))
}

func (b *Builder) JmpReg(r Reg) {
	b.checkReg(r)
	b.rex(false, 0, r)
	b.emit(0xFF, modrm(3, 4, byte(r)))
}

// CallRel emits "call rel32" assuming the code will be placed at base.
func (b *Builder) CallRel(base, target uintptr) {
	b.relTo(0xE8, base, target)
}

// JmpRel emits "jmp rel32" assuming the code will be placed at base.
func (b *Builder) JmpRel(base, target uintptr) {
	b.relTo(0xE9, base, target)
}

func (b *Builder) relTo(op byte, base, target uintptr) {
	end := int64(base) + int64(len(b.buf)) + 5
	d := int64(target) - end
	if d < -1<<31 || d > 1<<31-1 {
		b.fail("rel32 from 0x%X to 0x%X out of range", end-5, target)
	}
	b.emit(op)
	b.emit32(uint32(int32(d)))
}

// JmpAbs jumps to target through an inline pointer ("jmp [rip+0]" followed
// by the address). It clobbers no register. 64-bit mode only.
func (b *Builder) JmpAbs(target uint64) {
	if b.mode != 64 {
		b.fail("jmp [rip] needs 64-bit mode")
	}
	b.emit(0xFF, 0x25)
	b.emit32(0)
	b.emit64(target)
}

// Jnz jumps to l when ZF is clear.
func (b *Builder) Jnz(l Label) {
	b.emit(0x0F, 0x85)
	b.emit32(0)
	b.fixups = append(b.fixups, fixup{at: len(b.buf) - 4, end: len(b.buf), label: l})
}

// Jmp jumps to l.
func (b *Builder) Jmp(l Label) {
	b.emit(0xE9)
	b.emit32(0)
	b.fixups = append(b.fixups, fixup{at: len(b.buf) - 4, end: len(b.buf), label: l})
}

func (b *Builder) Ret() {
	b.emit(0xC3)
}

// RetN returns and pops n extra bytes of arguments.
func (b *Builder) RetN(n uint16) {
	if n == 0 {
		b.Ret()
		return
	}
	b.emit(0xC2, byte(n), byte(n>>8))
}

func (b *Builder) arithSP(ext byte, v int32) {
	b.rex(b.mode == 64, 0, SP)
	if v >= -128 && v <= 127 {
		b.emit(0x83, modrm(3, ext, byte(SP)), byte(int8(v)))
		return
	}
	b.emit(0x81, modrm(3, ext, byte(SP)))
	b.emit32(uint32(v))
}

// AddSP adds v to the stack pointer.
func (b *Builder) AddSP(v int32) {
	if v != 0 {
		b.arithSP(0, v)
	}
}

// SubSP subtracts v from the stack pointer.
func (b *Builder) SubSP(v int32) {
	if v != 0 {
		b.arithSP(5, v)
	}
}

// AndSP masks the stack pointer, e.g. AndSP(-16) to align it.
func (b *Builder) AndSP(v int32) {
	b.arithSP(4, v)
}

// LeaSP moves the stack pointer by v without touching flags.
func (b *Builder) LeaSP(v int32) {
	b.rex(b.mode == 64, SP, SP)
	b.spRel(0x8D, byte(SP), v)
}

// Pushad saves all eight 32-bit GPRs (32-bit mode only).
func (b *Builder) Pushad() {
	if b.mode != 32 {
		b.fail("pushad is not encodable in 64-bit mode")
	}
	b.emit(0x60)
}

// Popad restores what Pushad saved (32-bit mode only).
func (b *Builder) Popad() {
	if b.mode != 32 {
		b.fail("popad is not encodable in 64-bit mode")
	}
	b.emit(0x61)
}

// Pushf pushes the flags register (pushfd / pushfq).
func (b *Builder) Pushf() {
	b.emit(0x9C)
}

// Popf pops the flags register (popfd / popfq).
func (b *Builder) Popf() {
	b.emit(0x9D)
}

// MovqFromXMM copies the low 64 bits of xmm into dst (64-bit mode only).
func (b *Builder) MovqFromXMM(dst Reg, xmm int) {
	if b.mode != 64 {
		b.fail("movq r64, xmm needs 64-bit mode")
	}
	if xmm < 0 || xmm > 7 {
		b.fail("xmm%d not supported", xmm)
	}
	b.checkReg(dst)
	b.emit(0x66)
	b.rex(true, 0, dst)
	b.emit(0x0F, 0x7E, modrm(3, byte(xmm), byte(dst)))
}

// MovdquToSP stores xmm to [sp+disp].
func (b *Builder) MovdquToSP(disp int32, xmm int) {
	b.movdqu(0x7F, xmm, disp)
}

// MovdquFromSP loads xmm from [sp+disp].
func (b *Builder) MovdquFromSP(xmm int, disp int32) {
	b.movdqu(0x6F, xmm, disp)
}

func (b *Builder) movdqu(op byte, xmm int, disp int32) {
	if xmm < 0 || xmm > 7 {
		b.fail("xmm%d not supported", xmm)
	}
	b.emit(0xF3, 0x0F)
	b.spRel(op, byte(xmm), disp)
}

// Int3 pads with breakpoints.
func (b *Builder) Int3(n int) {
	for i := 0; i < n; i++ {
		b.emit(0xCC)
	}
}
