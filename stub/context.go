package stub

import (
	"unsafe"

	"hookkit/asm"
	"hookkit/reloc"
)

// Context32 is the frame the 32-bit dispatcher stub builds on the stack,
// lowest address first. Edi..Eax are in pushad order, Esp is the stack
// pointer before pushad.
type Context32 struct {
	Edi, Esi, Ebp, Esp, Ebx, Edx, Ecx, Eax uint32
	Flags                                  uint32
	// Target is where the stub returns to when the hook redirects.
	Target uint32
	// Return is the word on top of the stack when the stub was entered:
	// the return address when the site calls the stub.
	Return uint32
}

// Context64 is the x86-64 counterpart of Context32.
type Context64 struct {
	Rax, Rcx, Rdx, Rbx, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11, R12, R13, R14   uint64
	R15                               uint64
	Flags                             uint64
	Target                            uint64
	Return                            uint64
}

// ContextSize is the size of the frame for arch.
func ContextSize(arch reloc.Arch) int {
	if arch == reloc.AMD64 {
		return int(unsafe.Sizeof(Context64{}))
	}
	return int(unsafe.Sizeof(Context32{}))
}

// saved64 is the push order on x86-64; the frame reads it backwards.
var saved64 = []asm.Reg{asm.R15, asm.R14, asm.R13, asm.R12, asm.R11, asm.R10, asm.R9, asm.R8,
	asm.DI, asm.SI, asm.BP, asm.BX, asm.DX, asm.CX, asm.AX}

// shadowSpace is the Win64 home area for the dispatcher's register args.
const shadowSpace = 32

// xmmSpill is the stack needed to save n XMM registers.
func xmmSpill(n int) int32 {
	return int32(16 * n)
}

// spill saves xmm0..xmm(n-1) at [sp+at], 16 bytes apart; fill reloads them.
func spill(b *asm.Builder, at int32, n int) {
	for i := 0; i < n; i++ {
		b.MovdquToSP(at+xmmSpill(i), i)
	}
}

func fill(b *asm.Builder, at int32, n int) {
	for i := 0; i < n; i++ {
		b.MovdquFromSP(i, at+xmmSpill(i))
	}
}

// ContextStub generates the dispatcher stub for one hook. The stub saves
// the registers and flags below a zeroed target slot and calls
//
//	dispatcher(hookID, &frame) uintptr
//
// (stdcall on x86, the Win64 ABI on x86-64). The XMM registers the
// dispatcher may clobber (xmm0-7 on x86, xmm0-5 on x86-64) are saved in an
// aligned area below the frame around the call. A zero result restores the
// frame and returns to whatever was on the stack at entry. Non-zero
// restores the frame and returns through Target instead, leaving the entry
// stack untouched. Register edits made by the hook are restored into the
// CPU either way. The code is position independent.
func ContextStub(arch reloc.Arch, hookID, dispatcher uintptr) ([]byte, error) {
	m, err := mode(arch)
	if err != nil {
		return nil, err
	}
	b := asm.New(m)
	redirect := b.NewLabel()

	if arch == reloc.X86 {
		b.PushImm(0)
		b.Pushf()
		b.Pushad()
		b.Mov(asm.BX, asm.SP)
		b.SubSP(xmmSpill(8))
		b.AndSP(-16)
		spill(b, 0, 8)
		b.Push(asm.BX)
		b.PushImm(int32(uint32(hookID)))
		b.MovImm(asm.AX, uint64(dispatcher))
		b.CallReg(asm.AX)
		fill(b, 0, 8)
		b.Mov(asm.SP, asm.BX)
		b.Test(asm.AX)
		b.Jnz(redirect)

		b.Popad()
		b.Popf()
		b.LeaSP(4)
		b.Ret()

		b.Bind(redirect)
		b.Popad()
		b.Popf()
		b.Ret()
		return b.Bytes()
	}

	b.PushImm(0)
	b.Pushf()
	for _, r := range saved64 {
		b.Push(r)
	}
	b.Mov(asm.BX, asm.SP)
	b.MovImm(asm.CX, uint64(hookID))
	b.Mov(asm.DX, asm.BX)
	b.AndSP(-16)
	b.SubSP(shadowSpace + xmmSpill(6))
	spill(b, shadowSpace, 6)
	b.MovImm(asm.AX, uint64(dispatcher))
	b.CallReg(asm.AX)
	fill(b, shadowSpace, 6)
	b.Mov(asm.SP, asm.BX)
	b.Test(asm.AX)
	b.Jnz(redirect)

	restore := func() {
		for i := len(saved64) - 1; i >= 0; i-- {
			b.Pop(saved64[i])
		}
		b.Popf()
	}
	restore()
	b.LeaSP(8)
	b.Ret()

	b.Bind(redirect)
	restore()
	b.Ret()
	return b.Bytes()
}
