package stub

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"hookkit/asm"
	"hookkit/reloc"
)

// MinStolen is the number of bytes a detour overwrites at the hooked
// function: one near jump.
const MinStolen = 5

var (
	ErrUnrelocatable = errors.New("instruction cannot be relocated")
	ErrTooShort      = errors.New("function too short to detour")
)

// Stolen is the run of whole instructions a detour displaces.
type Stolen struct {
	Insts []x86asm.Inst
	Len   int
}

// Steal decodes instructions from code until at least min bytes are
// covered. A function that ends (ret or jmp) before that is rejected since
// the jump would overwrite whatever follows it.
func Steal(arch reloc.Arch, code []byte, min int) (Stolen, error) {
	m, err := mode(arch)
	if err != nil {
		return Stolen{}, err
	}
	var s Stolen
	for s.Len < min {
		inst, err := x86asm.Decode(code[s.Len:], m)
		if err != nil {
			return Stolen{}, errors.Wrapf(err, "decoding at +%d", s.Len)
		}
		s.Insts = append(s.Insts, inst)
		s.Len += inst.Len
		if s.Len < min && (inst.Op == x86asm.RET || inst.Op == x86asm.JMP) {
			return Stolen{}, errors.Wrapf(ErrTooShort, "%v at +%d", inst.Op, s.Len-inst.Len)
		}
	}
	return s, nil
}

func isRel(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Rel)
	return ok
}

// Trampoline copies the instructions displaced from addr (code holds the
// bytes found there) to a stub at base and appends a jump back to the rest
// of the function, so calling base behaves like the unhooked function.
// rel32 branches are re-targeted; rel8 branches and RIP-relative operands
// are rejected. It also returns how many bytes were stolen.
func Trampoline(arch reloc.Arch, addr uintptr, code []byte, base uintptr) ([]byte, int, error) {
	stolen, err := Steal(arch, code, MinStolen)
	if err != nil {
		return nil, 0, err
	}
	m, _ := mode(arch)

	out := make([]byte, 0, stolen.Len+16)
	off := 0
	for _, inst := range stolen.Insts {
		raw := append([]byte(nil), code[off:off+inst.Len]...)
		if inst.PCRel != 0 {
			if !isRel(inst.Args[0]) {
				return nil, 0, errors.Wrapf(ErrUnrelocatable, "RIP-relative %v at 0x%X", inst.Op, addr+uintptr(off))
			}
			if inst.PCRel != 4 {
				return nil, 0, errors.Wrapf(ErrUnrelocatable, "short %v at 0x%X", inst.Op, addr+uintptr(off))
			}
			rel := int32(binary.LittleEndian.Uint32(raw[inst.PCRelOff:]))
			target := int64(addr) + int64(off+inst.Len) + int64(rel)
			d := target - (int64(base) + int64(len(out)+inst.Len))
			if d < math.MinInt32 || d > math.MaxInt32 {
				return nil, 0, errors.Wrapf(ErrUnrelocatable, "%v at 0x%X cannot reach 0x%X from the trampoline", inst.Op, addr+uintptr(off), target)
			}
			binary.LittleEndian.PutUint32(raw[inst.PCRelOff:], uint32(int32(d)))
		}
		out = append(out, raw...)
		off += inst.Len
	}

	b := asm.New(m)
	b.Raw(out)
	back := addr + uintptr(stolen.Len)
	d := int64(back) - (int64(base) + int64(len(out)) + 5)
	if m == 32 || (d >= math.MinInt32 && d <= math.MaxInt32) {
		b.JmpRel(base, back)
	} else {
		b.JmpAbs(uint64(back))
	}
	tramp, err := b.Bytes()
	if err != nil {
		return nil, 0, err
	}
	return tramp, stolen.Len, nil
}
