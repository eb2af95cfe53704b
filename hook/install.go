package hook

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"hookkit/memory"
	"hookkit/patch"
	"hookkit/peimage"
	"hookkit/stub"
)

// maxVtableEntries bounds the walk that sizes a virtual table.
const maxVtableEntries = 1024

// reach returns a branch target for replacement that a rel32 at addr can
// encode, placing a relay next to addr when replacement is too far away.
func (e *Engine) reach(addr, replacement uintptr) (target, relay uintptr, err error) {
	if _, err := patch.Displacement(addr, replacement); err == nil {
		return replacement, 0, nil
	}
	code, err := stub.Relay(e.arch, replacement)
	if err != nil {
		return 0, 0, err
	}
	relay, err = e.pool.PlaceCode(addr, code)
	if err != nil {
		return 0, 0, err
	}
	e.log.Debugf("[HOOK] relay 0x%X -> 0x%X for site 0x%X", relay, replacement, addr)
	return relay, relay, nil
}

// expectCall checks the precondition of call hooks: a near call rel32 at
// addr. It returns the call's current target.
func (e *Engine) expectCall(name string, addr uintptr) (uintptr, error) {
	code, err := memory.ReadBytes(e.mem, addr, 15)
	if err != nil {
		if code, err = memory.ReadBytes(e.mem, addr, 5); err != nil {
			return 0, wrap(name, addr, err)
		}
	}
	inst, err := x86asm.Decode(code, 8*e.arch.PointerSize())
	if err != nil {
		return 0, &Error{Kind: InvalidPatchPrecondition, Name: name, Addr: addr,
			Err: errors.Wrapf(ErrInvalidPrecondition, "expected call rel32, found %02X: %v", code[0], err)}
	}
	if _, rel := inst.Args[0].(x86asm.Rel); inst.Op != x86asm.CALL || !rel || inst.Len != 5 {
		return 0, &Error{Kind: InvalidPatchPrecondition, Name: name, Addr: addr,
			Err: errors.Wrapf(ErrInvalidPrecondition, "expected call rel32, found %s", inst)}
	}
	target, err := patch.DecodeBranch(e.mem, addr)
	if err != nil {
		return 0, wrap(name, addr, err)
	}
	return target, nil
}

// branch rewrites the 5 bytes at addr into a call or jump to target.
func (e *Engine) branch(rec *Record, op byte, target uintptr) error {
	if err := e.claim(rec.Name, rec.Addr); err != nil {
		return err
	}
	dest, relay, err := e.reach(rec.Addr, target)
	if err != nil {
		return wrap(rec.Name, rec.Addr, err)
	}
	if rec.Stub == 0 {
		rec.Stub = relay
	}
	data, err := patch.Branch(rec.Addr, dest, op)
	if err != nil {
		return wrap(rec.Name, rec.Addr, err)
	}
	_, err = e.install(rec, data)
	return err
}

// HookCall points the near call at addr to replacement and returns the
// function it used to call, which replacement can still call.
func (e *Engine) HookCall(name string, addr, replacement uintptr) (uintptr, error) {
	original, err := e.expectCall(name, addr)
	if err != nil {
		return 0, err
	}
	rec := &Record{Name: name, Addr: addr, Kind: NearCall, OriginalTarget: original, Replacement: replacement}
	if err := e.branch(rec, patch.OpCall, replacement); err != nil {
		return 0, err
	}
	return original, nil
}

// HookCallWith is HookCall for a replacement with a uniform signature: a
// stub generated for sig adapts the site's calling convention to it. On
// x86 replacement must be cdecl.
func (e *Engine) HookCallWith(name string, addr uintptr, sig stub.Signature, replacement uintptr) (uintptr, error) {
	original, err := e.expectCall(name, addr)
	if err != nil {
		return 0, err
	}
	if err := e.claim(name, addr); err != nil {
		return 0, err
	}
	code, err := stub.CallStub(e.arch, sig, replacement)
	if err != nil {
		return 0, wrap(name, addr, err)
	}
	at, err := e.pool.PlaceCode(addr, code)
	if err != nil {
		return 0, wrap(name, addr, err)
	}
	rec := &Record{Name: name, Addr: addr, Kind: NearCall, OriginalTarget: original, Replacement: replacement, Stub: at}
	if err := e.branch(rec, patch.OpCall, at); err != nil {
		return 0, err
	}
	return original, nil
}

// HookJump replaces the instruction at addr with a jump to replacement.
// Control does not come back to the site.
func (e *Engine) HookJump(name string, addr, replacement uintptr) error {
	rec := &Record{Name: name, Addr: addr, Kind: NearJump, Replacement: replacement}
	if op, err := memory.ReadU8(e.mem, addr); err == nil && (op == patch.OpCall || op == patch.OpJump) {
		rec.OriginalTarget, _ = patch.DecodeBranch(e.mem, addr)
	}
	return e.branch(rec, patch.OpJump, replacement)
}

// HookImport redirects every call through the import address table slot of
// module!ref to replacement and returns the previous slot value.
func (e *Engine) HookImport(module string, ref peimage.ImportRef, replacement uintptr) (uintptr, error) {
	name := module + "!" + ref.String()
	if e.headers == nil {
		return 0, &Error{Kind: ImportNotFound, Name: name, Err: errors.Wrap(peimage.ErrImportNotFound, "module has no PE headers")}
	}
	imp, err := peimage.FindImport(e.mem, e.headers, module, ref)
	if err != nil {
		return 0, wrap(name, 0, err)
	}
	width := e.arch.PointerSize()
	previous, err := memory.ReadPtr(e.mem, imp.Slot, width)
	if err != nil {
		return 0, wrap(name, imp.Slot, err)
	}
	rec := &Record{Name: imp.String(), Addr: imp.Slot, Kind: ImportTableEntry, OriginalTarget: previous, Replacement: replacement}
	if _, err := e.install(rec, e.pointer(replacement)); err != nil {
		return 0, err
	}
	return previous, nil
}

func (e *Engine) pointer(v uintptr) []byte {
	b := make([]byte, e.arch.PointerSize())
	for i := range b {
		b[i] = byte(uint64(v) >> (8 * i))
	}
	return b
}

func (e *Engine) executable(addr uintptr) bool {
	if e.headers != nil && len(e.headers.Sections) > 0 {
		return e.headers.Executable(addr)
	}
	return addr >= e.execLo && addr < e.execHi
}

// vtableLength counts the leading entries of table that point into the
// module's code, and at least slot+1 of them.
func (e *Engine) vtableLength(table uintptr, slot int) (int, error) {
	width := e.arch.PointerSize()
	n := 0
	for ; n < maxVtableEntries; n++ {
		v, err := memory.ReadPtr(e.mem, table+uintptr(n*width), width)
		if err != nil || !e.executable(v) {
			break
		}
	}
	if n < slot+1 {
		n = slot + 1
	}
	return n, nil
}

// cloneTable copies table, and the RTTI locator in the word before it,
// into fresh memory and returns the address of the copied table. Every
// object hooked through an original table gets its own copy.
func (e *Engine) cloneTable(name string, table uintptr, slot int) (uintptr, error) {
	width := e.arch.PointerSize()
	n, err := e.vtableLength(table, slot)
	if err != nil {
		return 0, err
	}
	size := (n + 1) * width
	src, err := memory.ReadBytes(e.mem, table-uintptr(width), size)
	if err != nil {
		return 0, wrap(name, table, err)
	}
	mem, err := e.mem.Alloc(0, size, memory.PAGE_READWRITE)
	if err != nil {
		return 0, wrap(name, table, err)
	}
	if err := e.mem.WriteAt(src, mem); err != nil {
		return 0, wrap(name, mem, err)
	}
	clone := mem + uintptr(width)
	e.isClone[clone] = true
	e.log.WithField("hook", name).Debugf("[HOOK] vtable 0x%X cloned to 0x%X (%d entries)", table, clone, n)
	return clone, nil
}

// HookVirtualTableSlot gives object a private copy of its virtual table
// with slot pointing to replacement, and returns the slot's previous
// value. Other objects keep using the original table.
func (e *Engine) HookVirtualTableSlot(name string, object uintptr, slot int, replacement uintptr) (uintptr, error) {
	if slot < 0 || slot >= maxVtableEntries {
		return 0, &Error{Kind: InvalidPatchPrecondition, Name: name, Addr: object,
			Err: errors.Wrapf(ErrInvalidPrecondition, "slot %d out of range", slot)}
	}
	width := e.arch.PointerSize()
	table, err := memory.ReadPtr(e.mem, object, width)
	if err != nil {
		return 0, wrap(name, object, err)
	}

	clone := table
	if !e.isClone[table] {
		if clone, err = e.cloneTable(name, table, slot); err != nil {
			return 0, err
		}
		if _, err := e.patches.Apply(fmt.Sprintf("%s table", name), object, e.pointer(clone)); err != nil {
			return 0, wrap(name, object, err)
		}
	}

	at := clone + uintptr(slot*width)
	previous, err := memory.ReadPtr(e.mem, at, width)
	if err != nil {
		return 0, wrap(name, at, err)
	}
	rec := &Record{Name: name, Addr: at, Kind: VirtualTableSlot, OriginalTarget: previous, Replacement: replacement}
	if _, err := e.install(rec, e.pointer(replacement)); err != nil {
		return 0, err
	}
	return previous, nil
}

// Detour moves the first instructions of the function at addr into a
// trampoline and jumps from addr to replacement. The returned trampoline
// behaves like the unhooked function.
func (e *Engine) Detour(name string, addr, replacement uintptr) (uintptr, error) {
	if err := e.claim(name, addr); err != nil {
		return 0, err
	}
	code, err := memory.ReadBytes(e.mem, addr, 32)
	if err != nil {
		if code, err = memory.ReadBytes(e.mem, addr, 16); err != nil {
			return 0, wrap(name, addr, err)
		}
	}

	stolen := 0
	tramp, err := e.pool.Place(addr, func(base uintptr) ([]byte, error) {
		t, n, err := stub.Trampoline(e.arch, addr, code, base)
		stolen = n
		return t, err
	})
	if err != nil {
		return 0, wrap(name, addr, err)
	}

	dest, _, err := e.reach(addr, replacement)
	if err != nil {
		return 0, wrap(name, addr, err)
	}
	jump, err := patch.Branch(addr, dest, patch.OpJump)
	if err != nil {
		return 0, wrap(name, addr, err)
	}
	data := append(jump, patch.NopBytes(stolen-patch.BranchSize)...)

	rec := &Record{Name: name, Addr: addr, Kind: Detour, OriginalTarget: tramp, Replacement: replacement, Stub: tramp}
	if _, err := e.install(rec, data); err != nil {
		return 0, err
	}
	return tramp, nil
}
