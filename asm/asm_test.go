package asm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"
)

// decodeAll disassembles code and fails the test if any byte is left over.
func decodeAll(t *testing.T, code []byte, mode int) []x86asm.Inst {
	t.Helper()
	var out []x86asm.Inst
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			t.Fatalf("decode at %d (% X): %v", off, code[off:], err)
		}
		out = append(out, inst)
		off += inst.Len
	}
	return out
}

func TestEncoding(t *testing.T) {
	tests := []struct {
		name   string
		mode   int
		emit   func(b *Builder)
		want   []byte
		wantOp x86asm.Op
	}{
		{name: "push eax", mode: 32, emit: func(b *Builder) { b.Push(AX) }, want: []byte{0x50}, wantOp: x86asm.PUSH},
		{name: "pop ebx", mode: 32, emit: func(b *Builder) { b.Pop(BX) }, want: []byte{0x5B}, wantOp: x86asm.POP},
		{name: "push imm8", mode: 32, emit: func(b *Builder) { b.PushImm(0) }, want: []byte{0x6A, 0x00}, wantOp: x86asm.PUSH},
		{name: "push imm32", mode: 32, emit: func(b *Builder) { b.PushImm(0x12345678) }, want: []byte{0x68, 0x78, 0x56, 0x34, 0x12}, wantOp: x86asm.PUSH},
		{name: "push [esp+4]", mode: 32, emit: func(b *Builder) { b.PushSPRel(4) }, want: []byte{0xFF, 0x74, 0x24, 0x04}, wantOp: x86asm.PUSH},
		{name: "push [esp+0x100]", mode: 32, emit: func(b *Builder) { b.PushSPRel(0x100) }, want: []byte{0xFF, 0xB4, 0x24, 0x00, 0x01, 0x00, 0x00}, wantOp: x86asm.PUSH},
		{name: "mov eax, [esp+8]", mode: 32, emit: func(b *Builder) { b.MovRegSPRel(AX, 8) }, want: []byte{0x8B, 0x44, 0x24, 0x08}, wantOp: x86asm.MOV},
		{name: "mov eax, imm32", mode: 32, emit: func(b *Builder) { b.MovImm(AX, 0xDEADBEEF) }, want: []byte{0xB8, 0xEF, 0xBE, 0xAD, 0xDE}, wantOp: x86asm.MOV},
		{name: "mov eax, esp", mode: 32, emit: func(b *Builder) { b.Mov(AX, SP) }, want: []byte{0x89, 0xE0}, wantOp: x86asm.MOV},
		{name: "test eax, eax", mode: 32, emit: func(b *Builder) { b.Test(AX) }, want: []byte{0x85, 0xC0}, wantOp: x86asm.TEST},
		{name: "call eax", mode: 32, emit: func(b *Builder) { b.CallReg(AX) }, want: []byte{0xFF, 0xD0}, wantOp: x86asm.CALL},
		{name: "jmp eax", mode: 32, emit: func(b *Builder) { b.JmpReg(AX) }, want: []byte{0xFF, 0xE0}, wantOp: x86asm.JMP},
		{name: "ret 8", mode: 32, emit: func(b *Builder) { b.RetN(8) }, want: []byte{0xC2, 0x08, 0x00}, wantOp: x86asm.RET},
		{name: "add esp, 8", mode: 32, emit: func(b *Builder) { b.AddSP(8) }, want: []byte{0x83, 0xC4, 0x08}, wantOp: x86asm.ADD},
		{name: "sub esp, 0x200", mode: 32, emit: func(b *Builder) { b.SubSP(0x200) }, want: []byte{0x81, 0xEC, 0x00, 0x02, 0x00, 0x00}, wantOp: x86asm.SUB},
		{name: "lea esp, [esp+4]", mode: 32, emit: func(b *Builder) { b.LeaSP(4) }, want: []byte{0x8D, 0x64, 0x24, 0x04}, wantOp: x86asm.LEA},
		{name: "pushad", mode: 32, emit: func(b *Builder) { b.Pushad() }, want: []byte{0x60}, wantOp: x86asm.PUSHAD},
		{name: "popad", mode: 32, emit: func(b *Builder) { b.Popad() }, want: []byte{0x61}, wantOp: x86asm.POPAD},
		{name: "movdqu [esp+0x10], xmm1", mode: 32, emit: func(b *Builder) { b.MovdquToSP(0x10, 1) }, want: []byte{0xF3, 0x0F, 0x7F, 0x4C, 0x24, 0x10}, wantOp: x86asm.MOVDQU},

		{name: "push r15", mode: 64, emit: func(b *Builder) { b.Push(R15) }, want: []byte{0x41, 0x57}, wantOp: x86asm.PUSH},
		{name: "pop r8", mode: 64, emit: func(b *Builder) { b.Pop(R8) }, want: []byte{0x41, 0x58}, wantOp: x86asm.POP},
		{name: "mov rax, imm64", mode: 64, emit: func(b *Builder) { b.MovImm(AX, 0x1122334455667788) }, want: []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, wantOp: x86asm.MOV},
		{name: "mov r10, imm64", mode: 64, emit: func(b *Builder) { b.MovImm(R10, 1) }, want: []byte{0x49, 0xBA, 1, 0, 0, 0, 0, 0, 0, 0}, wantOp: x86asm.MOV},
		{name: "mov rdx, rbx", mode: 64, emit: func(b *Builder) { b.Mov(DX, BX) }, want: []byte{0x48, 0x89, 0xDA}, wantOp: x86asm.MOV},
		{name: "mov rsp, rbx", mode: 64, emit: func(b *Builder) { b.Mov(SP, BX) }, want: []byte{0x48, 0x89, 0xDC}, wantOp: x86asm.MOV},
		{name: "mov rax, [rsp+0x28]", mode: 64, emit: func(b *Builder) { b.MovRegSPRel(AX, 0x28) }, want: []byte{0x48, 0x8B, 0x44, 0x24, 0x28}, wantOp: x86asm.MOV},
		{name: "test rax, rax", mode: 64, emit: func(b *Builder) { b.Test(AX) }, want: []byte{0x48, 0x85, 0xC0}, wantOp: x86asm.TEST},
		{name: "jmp r10", mode: 64, emit: func(b *Builder) { b.JmpReg(R10) }, want: []byte{0x41, 0xFF, 0xE2}, wantOp: x86asm.JMP},
		{name: "and rsp, -16", mode: 64, emit: func(b *Builder) { b.AndSP(-16) }, want: []byte{0x48, 0x83, 0xE4, 0xF0}, wantOp: x86asm.AND},
		{name: "sub rsp, 32", mode: 64, emit: func(b *Builder) { b.SubSP(32) }, want: []byte{0x48, 0x83, 0xEC, 0x20}, wantOp: x86asm.SUB},
		{name: "lea rsp, [rsp+8]", mode: 64, emit: func(b *Builder) { b.LeaSP(8) }, want: []byte{0x48, 0x8D, 0x64, 0x24, 0x08}, wantOp: x86asm.LEA},
		{name: "movq rcx, xmm0", mode: 64, emit: func(b *Builder) { b.MovqFromXMM(CX, 0) }, want: []byte{0x66, 0x48, 0x0F, 0x7E, 0xC1}, wantOp: x86asm.MOVQ},
		{name: "movdqu xmm5, [rsp+0x70]", mode: 64, emit: func(b *Builder) { b.MovdquFromSP(5, 0x70) }, want: []byte{0xF3, 0x0F, 0x6F, 0x6C, 0x24, 0x70}, wantOp: x86asm.MOVDQU},
		{name: "movq r9, xmm3", mode: 64, emit: func(b *Builder) { b.MovqFromXMM(R9, 3) }, want: []byte{0x66, 0x49, 0x0F, 0x7E, 0xD9}, wantOp: x86asm.MOVQ},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.mode)
			tt.emit(b)
			got, err := b.Bytes()
			if err != nil {
				t.Fatalf("Bytes() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("encoding mismatch (-want +got):\n%s", diff)
			}
			insts := decodeAll(t, got, tt.mode)
			if len(insts) != 1 || insts[0].Op != tt.wantOp {
				t.Errorf("decoded %v, want a single %v", insts, tt.wantOp)
			}
		})
	}
}

func TestOperands(t *testing.T) {
	b := New(64)
	b.MovqFromXMM(R8, 2)
	b.MovRegSPRel(R11, -8)
	code, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	insts := decodeAll(t, code, 64)

	if insts[0].Args[0] != x86asm.R8 || insts[0].Args[1] != x86asm.X2 {
		t.Errorf("movq operands = %v, %v", insts[0].Args[0], insts[0].Args[1])
	}
	mem, ok := insts[1].Args[1].(x86asm.Mem)
	if insts[1].Args[0] != x86asm.R11 || !ok || mem.Base != x86asm.RSP || mem.Disp != -8 {
		t.Errorf("mov operands = %v, %v", insts[1].Args[0], insts[1].Args[1])
	}
}

func TestLabels(t *testing.T) {
	b := New(32)
	skip := b.NewLabel()
	b.Test(AX)
	b.Jnz(skip)
	b.Ret()
	b.Bind(skip)
	b.RetN(4)

	code, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	want := []byte{0x85, 0xC0, 0x0F, 0x85, 0x01, 0x00, 0x00, 0x00, 0xC3, 0xC2, 0x04, 0x00}
	if diff := cmp.Diff(want, code); diff != "" {
		t.Errorf("code mismatch (-want +got):\n%s", diff)
	}
	insts := decodeAll(t, code, 32)
	if insts[1].Op != x86asm.JNE || insts[1].Args[0] != x86asm.Rel(1) {
		t.Errorf("jnz decoded as %v %v", insts[1].Op, insts[1].Args[0])
	}

	back := New(64)
	top := back.NewLabel()
	back.Bind(top)
	back.Push(AX)
	back.Jmp(top)
	code, err = back.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if diff := cmp.Diff([]byte{0x50, 0xE9, 0xFA, 0xFF, 0xFF, 0xFF}, code); diff != "" {
		t.Errorf("backward jump mismatch:\n%s", diff)
	}
}

func TestRelativeBranches(t *testing.T) {
	b := New(64)
	b.Push(AX)
	b.JmpRel(0x7FF600010000, 0x7FF600001000)
	code, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	insts := decodeAll(t, code, 64)
	// the jmp sits at base+1 and ends at base+6
	if rel := insts[1].Args[0].(x86asm.Rel); int64(0x7FF600010006)+int64(rel) != 0x7FF600001000 {
		t.Errorf("jmp lands at 0x%X", int64(0x7FF600010006)+int64(rel))
	}

	abs := New(64)
	abs.JmpAbs(0x1122334455667788)
	code, err = abs.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	want := []byte{0xFF, 0x25, 0, 0, 0, 0, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if diff := cmp.Diff(want, code); diff != "" {
		t.Errorf("JmpAbs mismatch:\n%s", diff)
	}
	if inst := decodeAll(t, code[:6], 64)[0]; inst.Op != x86asm.JMP {
		t.Errorf("JmpAbs decoded as %v", inst.Op)
	}

	far := New(64)
	far.CallRel(0x7FF600000000, 0x10000000)
	if _, err := far.Bytes(); err == nil {
		t.Errorf("out-of-range call accepted")
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		mode int
		emit func(b *Builder)
	}{
		{name: "r8 in 32-bit mode", mode: 32, emit: func(b *Builder) { b.Push(R8) }},
		{name: "pushad in 64-bit mode", mode: 64, emit: func(b *Builder) { b.Pushad() }},
		{name: "movq in 32-bit mode", mode: 32, emit: func(b *Builder) { b.MovqFromXMM(AX, 0) }},
		{name: "xmm8", mode: 64, emit: func(b *Builder) { b.MovdquToSP(0, 8) }},
		{name: "wide immediate in 32-bit mode", mode: 32, emit: func(b *Builder) { b.MovImm(AX, 1<<40) }},
		{name: "unbound label", mode: 32, emit: func(b *Builder) { b.Jnz(b.NewLabel()) }},
		{name: "jmp [rip] in 32-bit mode", mode: 32, emit: func(b *Builder) { b.JmpAbs(0) }},
		{name: "bad mode", mode: 16, emit: func(b *Builder) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.mode)
			tt.emit(b)
			if _, err := b.Bytes(); err == nil {
				t.Errorf("Bytes() succeeded, want error")
			}
		})
	}
}
