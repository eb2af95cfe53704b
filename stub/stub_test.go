package stub

import (
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"

	"hookkit/memory"
	"hookkit/reloc"
)

const codeBase = 0x7FF600000000

func decodeAll(t *testing.T, code []byte, mode int) []x86asm.Inst {
	t.Helper()
	var out []x86asm.Inst
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			t.Fatalf("decode at %d: %v", off, err)
		}
		out = append(out, inst)
		off += inst.Len
	}
	return out
}

func ops(insts []x86asm.Inst) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.Op.String()
	}
	return out
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestPool_Place(t *testing.T) {
	img := memory.NewImage()
	if err := img.Map(codeBase, make([]byte, 0x1000), memory.PAGE_EXECUTE_READ); err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	pool := NewPool(img)

	first, err := pool.PlaceCode(codeBase, []byte{0xC3})
	if err != nil {
		t.Fatalf("PlaceCode() error = %v", err)
	}
	second, err := pool.PlaceCode(codeBase, []byte{0x90, 0xC3})
	if err != nil {
		t.Fatalf("PlaceCode() error = %v", err)
	}
	if first != codeBase+0x10000 || second != first+16 {
		t.Errorf("stubs at 0x%X, 0x%X", first, second)
	}
	if got, _ := memory.ReadBytes(img, second, 2); !cmp.Equal(got, []byte{0x90, 0xC3}) {
		t.Errorf("stub bytes = % X", got)
	}

	var bases []uintptr
	build := func(base uintptr) ([]byte, error) {
		bases = append(bases, base)
		return make([]byte, 0x9000), nil
	}
	if _, err := pool.Place(codeBase, build); err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	third, err := pool.Place(codeBase, build)
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if third != codeBase+0x20000 || pool.Chunks() != 2 {
		t.Errorf("overflowing stub at 0x%X in %d chunks", third, pool.Chunks())
	}
	// the second large stub was built once for the full chunk and once more
	// for the fresh one
	if len(bases) != 3 || bases[1] != bases[0]+0x9000 || bases[2] != third {
		t.Errorf("build bases = %X", bases)
	}

	if _, err := pool.PlaceCode(codeBase, make([]byte, ChunkSize+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized PlaceCode() error = %v", err)
	}
	if _, err := pool.PlaceCode(0x1000, []byte{0xC3}); !errors.Is(err, memory.ErrAlloc) {
		t.Errorf("unreachable hint error = %v, want ErrAlloc", err)
	}
}

// checkSpill verifies that insts store xmm0..xmm(n-1) to [sp+at+16i] and
// that reload loads them back from the same slots.
func checkSpill(t *testing.T, store, reload []x86asm.Inst, sp x86asm.Reg, at int64) {
	t.Helper()
	if len(store) != len(reload) {
		t.Fatalf("%d stores, %d reloads", len(store), len(reload))
	}
	for i := range store {
		xmm := x86asm.X0 + x86asm.Reg(i)
		disp := at + int64(16*i)
		dst, ok := store[i].Args[0].(x86asm.Mem)
		if !ok || dst.Base != sp || dst.Disp != disp || store[i].Args[1] != xmm {
			t.Errorf("store %d = %v, want [%v+%d] <- %v", i, store[i], sp, disp, xmm)
		}
		src, ok := reload[i].Args[1].(x86asm.Mem)
		if !ok || src.Base != sp || src.Disp != disp || reload[i].Args[0] != xmm {
			t.Errorf("reload %d = %v, want %v <- [%v+%d]", i, reload[i], xmm, sp, disp)
		}
	}
}

func TestContextStub_X86(t *testing.T) {
	code, err := ContextStub(reloc.X86, 7, 0x10203040)
	if err != nil {
		t.Fatalf("ContextStub() error = %v", err)
	}
	insts := decodeAll(t, code, 32)

	var want []string
	want = append(want, "PUSH", "PUSHFD", "PUSHAD", "MOV", "SUB", "AND")
	want = append(want, repeat("MOVDQU", 8)...)
	want = append(want, "PUSH", "PUSH", "MOV", "CALL")
	want = append(want, repeat("MOVDQU", 8)...)
	want = append(want, "MOV", "TEST", "JNE",
		"POPAD", "POPFD", "LEA", "RET",
		"POPAD", "POPFD", "RET")
	if diff := cmp.Diff(want, ops(insts)); diff != "" {
		t.Fatalf("instruction sequence (-want +got):\n%s", diff)
	}

	// ebx keeps the frame address across the call
	if insts[3].Args[0] != x86asm.EBX || insts[3].Args[1] != x86asm.ESP {
		t.Errorf("frame save = %v", insts[3])
	}
	if insts[4].Args[1] != x86asm.Imm(128) || insts[5].Args[1] != x86asm.Imm(-16) {
		t.Errorf("spill area = %v; %v", insts[4], insts[5])
	}
	checkSpill(t, insts[6:14], insts[18:26], x86asm.ESP, 0)
	if insts[14].Args[0] != x86asm.EBX {
		t.Errorf("frame operand = %v", insts[14].Args[0])
	}
	if insts[15].Args[0] != x86asm.Imm(7) {
		t.Errorf("hook id operand = %v", insts[15].Args[0])
	}
	if insts[16].Args[1] != x86asm.Imm(0x10203040) {
		t.Errorf("dispatcher operand = %v", insts[16].Args[1])
	}
	if insts[26].Args[0] != x86asm.ESP || insts[26].Args[1] != x86asm.EBX {
		t.Errorf("stack restore = %v", insts[26])
	}

	// the redirect label is the second popad
	skip := 0
	for _, inst := range insts[29:33] {
		skip += inst.Len
	}
	if insts[28].Args[0] != x86asm.Rel(skip) {
		t.Errorf("jnz skips %v, want %d", insts[28].Args[0], skip)
	}
	if ContextSize(reloc.X86) != 44 {
		t.Errorf("ContextSize(x86) = %d", ContextSize(reloc.X86))
	}
}

func TestContextStub_X64Layout(t *testing.T) {
	code, err := ContextStub(reloc.AMD64, 3, 0x7FF612345678)
	if err != nil {
		t.Fatalf("ContextStub() error = %v", err)
	}
	insts := decodeAll(t, code, 64)

	var want []string
	want = append(want, "PUSH", "PUSHFQ")
	want = append(want, repeat("PUSH", 15)...)
	want = append(want, "MOV", "MOV", "MOV", "AND", "SUB")
	want = append(want, repeat("MOVDQU", 6)...)
	want = append(want, "MOV", "CALL")
	want = append(want, repeat("MOVDQU", 6)...)
	want = append(want, "MOV", "TEST", "JNE")
	want = append(want, repeat("POP", 15)...)
	want = append(want, "POPFQ", "LEA", "RET")
	want = append(want, repeat("POP", 15)...)
	want = append(want, "POPFQ", "RET")
	if diff := cmp.Diff(want, ops(insts)); diff != "" {
		t.Fatalf("instruction sequence (-want +got):\n%s", diff)
	}

	// Replay the pushes: the last register pushed sits at the lowest
	// address, which must be the first field of Context64.
	var frame []string
	for _, inst := range insts[2:17] {
		frame = append([]string{inst.Args[0].String()}, frame...)
	}
	frame = append(frame, "FLAGS", "TARGET", "RETURN")

	typ := reflect.TypeOf(Context64{})
	var fields []string
	for i := 0; i < typ.NumField(); i++ {
		fields = append(fields, strings.ToUpper(typ.Field(i).Name))
	}
	if diff := cmp.Diff(fields, frame); diff != "" {
		t.Errorf("frame layout differs from Context64 (-struct +stack):\n%s", diff)
	}
	if ContextSize(reloc.AMD64) != 8*len(frame) {
		t.Errorf("ContextSize(x86-64) = %d", ContextSize(reloc.AMD64))
	}

	// xmm0-5 live above the 32-byte shadow space of the aligned call frame
	if insts[20].Args[1] != x86asm.Imm(-16) || insts[21].Args[1] != x86asm.Imm(32+6*16) {
		t.Errorf("call frame = %v; %v", insts[20], insts[21])
	}
	checkSpill(t, insts[22:28], insts[30:36], x86asm.RSP, 32)
	if insts[36].Args[0] != x86asm.RSP || insts[36].Args[1] != x86asm.RBX {
		t.Errorf("stack restore = %v", insts[36])
	}

	// pops mirror the pushes
	const pops = 39
	for i := 0; i < 15; i++ {
		push := insts[2+i].Args[0]
		pop := insts[pops+14-i].Args[0]
		if push != pop {
			t.Errorf("push %v restored as %v", push, pop)
		}
	}
}

func TestCallStub_X86(t *testing.T) {
	const repl = 0x00401000
	tests := []struct {
		name string
		sig  Signature
		want []byte
	}{
		{
			name: "stdcall int, double, pointer",
			sig:  Signature{Convention: Stdcall, Args: []ArgKind{Int32, Float64, Pointer}},
			want: []byte{
				0xFF, 0x74, 0x24, 0x10,
				0xFF, 0x74, 0x24, 0x10,
				0xFF, 0x74, 0x24, 0x10,
				0xFF, 0x74, 0x24, 0x10,
				0xB8, 0x00, 0x10, 0x40, 0x00,
				0xFF, 0xD0,
				0x83, 0xC4, 0x10,
				0xC2, 0x10, 0x00,
			},
		},
		{
			name: "thiscall forwards ecx",
			sig:  Signature{Convention: Thiscall, Args: []ArgKind{Float32}},
			want: []byte{
				0xFF, 0x74, 0x24, 0x04,
				0x51,
				0xB8, 0x00, 0x10, 0x40, 0x00,
				0xFF, 0xD0,
				0x83, 0xC4, 0x08,
				0xC2, 0x04, 0x00,
			},
		},
		{
			name: "cdecl without arguments",
			sig:  Signature{},
			want: []byte{0xB8, 0x00, 0x10, 0x40, 0x00, 0xFF, 0xD0, 0xC3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CallStub(reloc.X86, tt.sig, repl)
			if err != nil {
				t.Fatalf("CallStub() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("CallStub() (-want +got):\n%s", diff)
			}
			decodeAll(t, got, 32)
		})
	}
}

// TestCallStub_X86Copies replays the pushes against a fake stack and
// checks the replacement sees the arguments in the caller's order.
func TestCallStub_X86Copies(t *testing.T) {
	sig := Signature{Convention: Cdecl, Args: []ArgKind{Int32, Int64, Int32}}
	code, err := CallStub(reloc.X86, sig, 0x1000)
	if err != nil {
		t.Fatalf("CallStub() error = %v", err)
	}

	// return address, then a, b (lo, hi), c
	stack := []uint32{0xAAAA, 1, 2, 3, 4}
	sp := 0
	for _, inst := range decodeAll(t, code, 32) {
		if inst.Op != x86asm.PUSH {
			break
		}
		mem := inst.Args[0].(x86asm.Mem)
		v := stack[sp+int(mem.Disp)/4]
		stack = append([]uint32{v}, stack...)
	}
	if diff := cmp.Diff([]uint32{1, 2, 3, 4}, stack[:4]); diff != "" {
		t.Errorf("copied frame (-want +got):\n%s", diff)
	}
}

func TestCallStub_X64(t *testing.T) {
	sig := Signature{Args: []ArgKind{Float32, Int32, Float64, Pointer, Float64}}
	got, err := CallStub(reloc.AMD64, sig, 0x7FF612345678)
	if err != nil {
		t.Fatalf("CallStub() error = %v", err)
	}
	want := []byte{
		0x66, 0x48, 0x0F, 0x7E, 0xC1,
		0x66, 0x49, 0x0F, 0x7E, 0xD0,
		0xFF, 0x25, 0, 0, 0, 0,
		0x78, 0x56, 0x34, 0x12, 0xF6, 0x7F, 0, 0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CallStub() (-want +got):\n%s", diff)
	}

	if _, err := CallStub(reloc.X86, Signature{Args: []ArgKind{ArgKind(42)}}, 1); err == nil {
		t.Errorf("invalid argument kind accepted")
	}
	if _, err := CallStub(reloc.ArchUnknown, Signature{}, 1); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unknown arch error = %v", err)
	}
}

func TestRelay(t *testing.T) {
	got, err := Relay(reloc.AMD64, 0x1122334455667788)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	want := []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0xFF, 0xE0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Relay(x86-64) (-want +got):\n%s", diff)
	}

	got, err = Relay(reloc.X86, 0x00402000)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if diff := cmp.Diff([]byte{0xB8, 0x00, 0x20, 0x40, 0x00, 0xFF, 0xE0}, got); diff != "" {
		t.Errorf("Relay(x86) (-want +got):\n%s", diff)
	}
}

func jumpTarget(at uintptr, insn []byte) uintptr {
	return uintptr(int64(at) + 5 + int64(int32(binary.LittleEndian.Uint32(insn[1:5]))))
}

func TestTrampoline(t *testing.T) {
	const fn = codeBase + 0x1000
	const tramp = codeBase + 0x10000

	t.Run("prologue", func(t *testing.T) {
		// push rbx; sub rsp, 0x20; mov ...
		code := []byte{0x40, 0x53, 0x48, 0x83, 0xEC, 0x20, 0x48, 0x8B, 0xD9, 0xC3}
		got, n, err := Trampoline(reloc.AMD64, fn, code, tramp)
		if err != nil {
			t.Fatalf("Trampoline() error = %v", err)
		}
		if n != 6 {
			t.Errorf("stole %d bytes, want 6", n)
		}
		if diff := cmp.Diff(code[:6], got[:6]); diff != "" {
			t.Errorf("copied prologue:\n%s", diff)
		}
		if got[6] != 0xE9 || jumpTarget(tramp+6, got[6:]) != fn+6 {
			t.Errorf("jump back = % X", got[6:])
		}
	})

	t.Run("call is re-targeted", func(t *testing.T) {
		code := []byte{0xE8, 0x00, 0x01, 0x00, 0x00, 0xC3}
		got, n, err := Trampoline(reloc.AMD64, fn, code, tramp)
		if err != nil {
			t.Fatalf("Trampoline() error = %v", err)
		}
		if n != 5 || got[0] != 0xE8 {
			t.Fatalf("trampoline = % X (stole %d)", got, n)
		}
		if target := jumpTarget(tramp, got); target != fn+5+0x100 {
			t.Errorf("relocated call lands at 0x%X, want 0x%X", target, fn+5+0x100)
		}
	})

	t.Run("far trampoline jumps back absolutely", func(t *testing.T) {
		code := []byte{0x40, 0x53, 0x48, 0x83, 0xEC, 0x20}
		got, _, err := Trampoline(reloc.AMD64, fn, code, 0x10000000)
		if err != nil {
			t.Fatalf("Trampoline() error = %v", err)
		}
		if got[6] != 0xFF || got[7] != 0x25 || binary.LittleEndian.Uint64(got[12:]) != fn+6 {
			t.Errorf("jump back = % X", got[6:])
		}
	})

	t.Run("x86 frame setup", func(t *testing.T) {
		code := []byte{0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x10, 0x90}
		got, n, err := Trampoline(reloc.X86, 0x401000, code, 0x500000)
		if err != nil {
			t.Fatalf("Trampoline() error = %v", err)
		}
		if n != 6 || jumpTarget(0x500006, got[6:]) != 0x401006 {
			t.Errorf("trampoline = % X (stole %d)", got, n)
		}
	})

	rejects := []struct {
		name string
		code []byte
		want error
	}{
		{name: "short jcc", code: []byte{0x74, 0x05, 0x90, 0x90, 0x90, 0x90}, want: ErrUnrelocatable},
		{name: "rip relative", code: []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00}, want: ErrUnrelocatable},
		{name: "ret", code: []byte{0xC3, 0xCC, 0xCC, 0xCC, 0xCC}, want: ErrTooShort},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Trampoline(reloc.AMD64, fn, tt.code, tramp); !errors.Is(err, tt.want) {
				t.Errorf("Trampoline() error = %v, want %v", err, tt.want)
			}
		})
	}
}
