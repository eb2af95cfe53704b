package stub

import (
	"github.com/pkg/errors"

	"hookkit/asm"
	"hookkit/reloc"
)

// ArgKind is the native type of one argument at a call site.
type ArgKind int

const (
	Int32 ArgKind = iota
	Int64
	Pointer
	Float32
	Float64
)

func (k ArgKind) String() string {
	switch k {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Pointer:
		return "pointer"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return "invalid"
}

// Float reports whether the argument travels in an XMM register on x86-64.
func (k ArgKind) Float() bool {
	return k == Float32 || k == Float64
}

// StackSize is the number of bytes the argument takes on the x86 stack.
func (k ArgKind) StackSize(arch reloc.Arch) int {
	switch k {
	case Int64, Float64:
		return 8
	case Pointer:
		return arch.PointerSize()
	}
	return 4
}

// Convention is the x86 calling convention of the hooked call. x86-64 has
// a single convention and ignores it.
type Convention int

const (
	Cdecl Convention = iota
	Stdcall
	// Thiscall passes the object in ECX and cleans the stack like Stdcall.
	Thiscall
)

func (c Convention) String() string {
	switch c {
	case Cdecl:
		return "cdecl"
	case Stdcall:
		return "stdcall"
	case Thiscall:
		return "thiscall"
	}
	return "invalid"
}

// Signature describes the function called at a site, not counting the
// implicit object of a Thiscall.
type Signature struct {
	Convention Convention
	Args       []ArgKind
}

// StackSize is the number of argument bytes the caller pushed on x86.
func (s Signature) StackSize(arch reloc.Arch) int {
	n := 0
	for _, a := range s.Args {
		n += a.StackSize(arch)
	}
	return n
}

func (s Signature) validate() error {
	if s.Convention < Cdecl || s.Convention > Thiscall {
		return errors.Errorf("invalid calling convention %d", s.Convention)
	}
	for i, a := range s.Args {
		if a < Int32 || a > Float64 {
			return errors.Errorf("argument %d: invalid kind %d", i, a)
		}
	}
	return nil
}

var win64Args = [4]asm.Reg{asm.CX, asm.DX, asm.R8, asm.R9}

// CallStub generates a stub that sits between a call site and replacement.
//
// On x86 the stub copies the caller's arguments into a fresh frame (the
// Thiscall object becomes the first argument), calls replacement as cdecl,
// drops the copy and returns the way the original callee would have, so
// the site's stack bookkeeping is unchanged.
//
// On x86-64 the first four arguments are in registers. Float arguments are
// moved from XMM0-3 into the matching integer register so a replacement
// that only takes integers sees their raw bits, then the stub tail-jumps
// to replacement.
func CallStub(arch reloc.Arch, sig Signature, replacement uintptr) ([]byte, error) {
	if err := sig.validate(); err != nil {
		return nil, err
	}
	m, err := mode(arch)
	if err != nil {
		return nil, err
	}
	b := asm.New(m)

	if arch == reloc.AMD64 {
		for i, a := range sig.Args {
			if i >= len(win64Args) {
				break
			}
			if a.Float() {
				b.MovqFromXMM(win64Args[i], i)
			}
		}
		b.JmpAbs(uint64(replacement))
		return b.Bytes()
	}

	// [esp] is the return address, the arguments start at [esp+4]. Each
	// push moves esp down by 4, so the displacement of the next lower word
	// stays the same.
	total := sig.StackSize(arch)
	pushed := 0
	for off := total - 4; off >= 0; off -= 4 {
		b.PushSPRel(int32(4 + off + pushed))
		pushed += 4
	}
	if sig.Convention == Thiscall {
		b.Push(asm.CX)
		pushed += 4
	}
	b.MovImm(asm.AX, uint64(replacement))
	b.CallReg(asm.AX)
	b.AddSP(int32(pushed))
	if sig.Convention == Cdecl {
		b.Ret()
	} else {
		b.RetN(uint16(total))
	}
	return b.Bytes()
}

// Relay is an absolute jump to target, for replacements a rel32 branch
// from the site cannot reach. On x86-64 it clobbers RAX, which is volatile
// at every call boundary.
func Relay(arch reloc.Arch, target uintptr) ([]byte, error) {
	m, err := mode(arch)
	if err != nil {
		return nil, err
	}
	b := asm.New(m)
	b.MovImm(asm.AX, uint64(target))
	b.JmpReg(asm.AX)
	return b.Bytes()
}
