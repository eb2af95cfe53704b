package hook

import (
	"fmt"
	"runtime/debug"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hookkit/asm"
	"hookkit/memory"
	"hookkit/patch"
	"hookkit/reloc"
	"hookkit/stub"
)

// HookFunc is the body of a context hook. It may read and change the
// registers in f. Returning 0 continues along the original path; any other
// value is an address control is transferred to instead.
//
// Hook bodies run on the thread that hit the site, possibly many at once.
type HookFunc func(f *Frame) uintptr

// Frame is the register state captured by a dispatcher stub. Exactly one of
// X86 and X64 is set.
type Frame struct {
	Arch reloc.Arch
	X86  *stub.Context32
	X64  *stub.Context64
}

func frameAt(arch reloc.Arch, ctx uintptr) *Frame {
	f := &Frame{Arch: arch}
	if arch == reloc.AMD64 {
		f.X64 = (*stub.Context64)(unsafe.Pointer(ctx))
	} else {
		f.X86 = (*stub.Context32)(unsafe.Pointer(ctx))
	}
	return f
}

func (f *Frame) reg32(r asm.Reg) *uint32 {
	c := f.X86
	switch r {
	case asm.AX:
		return &c.Eax
	case asm.CX:
		return &c.Ecx
	case asm.DX:
		return &c.Edx
	case asm.BX:
		return &c.Ebx
	case asm.BP:
		return &c.Ebp
	case asm.SI:
		return &c.Esi
	case asm.DI:
		return &c.Edi
	}
	return nil
}

func (f *Frame) reg64(r asm.Reg) *uint64 {
	c := f.X64
	switch r {
	case asm.AX:
		return &c.Rax
	case asm.CX:
		return &c.Rcx
	case asm.DX:
		return &c.Rdx
	case asm.BX:
		return &c.Rbx
	case asm.BP:
		return &c.Rbp
	case asm.SI:
		return &c.Rsi
	case asm.DI:
		return &c.Rdi
	case asm.R8:
		return &c.R8
	case asm.R9:
		return &c.R9
	case asm.R10:
		return &c.R10
	case asm.R11:
		return &c.R11
	case asm.R12:
		return &c.R12
	case asm.R13:
		return &c.R13
	case asm.R14:
		return &c.R14
	case asm.R15:
		return &c.R15
	}
	return nil
}

// SP is the stack pointer at the moment the stub was entered.
func (f *Frame) SP() uintptr {
	if f.X64 != nil {
		return uintptr(unsafe.Pointer(&f.X64.Return))
	}
	return uintptr(unsafe.Pointer(&f.X86.Return))
}

// Reg returns the value register r had at the site.
func (f *Frame) Reg(r asm.Reg) uintptr {
	if r == asm.SP {
		return f.SP()
	}
	if f.X64 != nil {
		if p := f.reg64(r); p != nil {
			return uintptr(*p)
		}
		return 0
	}
	if p := f.reg32(r); p != nil {
		return uintptr(*p)
	}
	return 0
}

// SetReg changes the value r will have when execution resumes. The stack
// pointer cannot be changed: the stub always resumes on the stack it was
// entered with, so SetReg(asm.SP, v) reports false.
func (f *Frame) SetReg(r asm.Reg, v uintptr) bool {
	if f.X64 != nil {
		if p := f.reg64(r); p != nil {
			*p = uint64(v)
			return true
		}
		return false
	}
	if p := f.reg32(r); p != nil {
		*p = uint32(v)
		return true
	}
	return false
}

// Stack returns the i-th word on the stack at entry; Stack(0) is the
// return address when the site is a call.
func (f *Frame) Stack(i int) uintptr {
	if f.X64 != nil {
		return uintptr(*(*uint64)(unsafe.Add(unsafe.Pointer(&f.X64.Return), 8*i)))
	}
	return uintptr(*(*uint32)(unsafe.Add(unsafe.Pointer(&f.X86.Return), 4*i)))
}

func (f *Frame) Return() uintptr {
	return f.Stack(0)
}

func (f *Frame) Flags() uintptr {
	if f.X64 != nil {
		return uintptr(f.X64.Flags)
	}
	return uintptr(f.X86.Flags)
}

func (f *Frame) setTarget(v uintptr) {
	if f.X64 != nil {
		f.X64.Target = uint64(v)
		return
	}
	f.X86.Target = uint32(v)
}

// CallResult is the outcome of a guarded call.
type CallResult struct {
	OK           bool
	FaultAddress uintptr
	Err          error
}

// Guard runs fn and turns a panic, including a memory fault, into a
// CallResult. Stubs have no Go frames to unwind into, so nothing may
// escape a hook body.
func Guard(fn func()) (res CallResult) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		res = CallResult{Err: errors.Errorf("panic: %v", r)}
		if err, ok := r.(error); ok {
			res.Err = errors.WithStack(err)
		}
		if fault, ok := r.(interface{ Addr() uintptr }); ok {
			res.FaultAddress = fault.Addr()
		}
	}()
	fn()
	return CallResult{OK: true}
}

type binding struct {
	name string
	fn   HookFunc
	// fallback is where "continue" goes when the site was a branch.
	fallback uintptr
}

func (e *Engine) register(name string, fn HookFunc, fallback uintptr) uintptr {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.hooks[e.nextID] = &binding{name: name, fn: fn, fallback: fallback}
	return e.nextID
}

func (e *Engine) unregister(id uintptr) {
	e.mu.Lock()
	delete(e.hooks, id)
	e.mu.Unlock()
}

// Dispatch is the entry point dispatcher stubs call with the hook id and
// the address of the frame they built.
func (e *Engine) Dispatch(id, ctx uintptr) uintptr {
	return e.DispatchFrame(id, frameAt(e.arch, ctx))
}

// DispatchFrame runs hook id against f. It returns 0 when the stub should
// return normally and 1 when it should leave through the target written
// into f.
func (e *Engine) DispatchFrame(id uintptr, f *Frame) uintptr {
	e.mu.RLock()
	b := e.hooks[id]
	e.mu.RUnlock()
	if b == nil {
		e.log.Errorf("[HOOK] dispatch for unknown hook id %d", id)
		return 0
	}

	var target uintptr
	res := Guard(func() { target = b.fn(f) })
	if !res.OK {
		e.log.WithFields(logrus.Fields{
			"hook":  b.name,
			"fault": fmt.Sprintf("0x%X", res.FaultAddress),
		}).Errorf("[HOOK] %s [FALHA]: %v", b.name, res.Err)
		target = 0
	}
	if target == 0 {
		target = b.fallback
	}
	if target == 0 {
		return 0
	}
	f.setTarget(target)
	return 1
}

func (e *Engine) dispatcher() uintptr {
	if e.dispatch == 0 {
		e.dispatch = newNativeDispatcher(e.Dispatch)
	}
	return e.dispatch
}

func (e *Engine) contextHook(rec *Record, op byte, fn HookFunc) error {
	if err := e.claim(rec.Name, rec.Addr); err != nil {
		return err
	}
	dispatcher := e.dispatcher()
	if dispatcher == 0 {
		return wrap(rec.Name, rec.Addr, errors.Wrap(ErrNoDispatcher, "set Options.Dispatcher"))
	}

	id := e.register(rec.Name, fn, rec.OriginalTarget)
	code, err := stub.ContextStub(e.arch, id, dispatcher)
	if err == nil {
		rec.Stub, err = e.pool.PlaceCode(rec.Addr, code)
	}
	if err == nil {
		rec.ID = id
		rec.Replacement = rec.Stub
		err = e.branch(rec, op, rec.Stub)
	}
	if err != nil {
		e.unregister(id)
		return wrap(rec.Name, rec.Addr, err)
	}
	return nil
}

// HookCallContext points the near call at addr to a dispatcher stub that
// runs fn with the registers of the caller. When fn returns 0 the original
// callee runs; otherwise the returned address is called in its place, with
// the same arguments and return address.
func (e *Engine) HookCallContext(name string, addr uintptr, fn HookFunc) (uintptr, error) {
	original, err := e.expectCall(name, addr)
	if err != nil {
		return 0, err
	}
	rec := &Record{Name: name, Addr: addr, Kind: NearCall, OriginalTarget: original}
	if err := e.contextHook(rec, patch.OpCall, fn); err != nil {
		return 0, err
	}
	return original, nil
}

// HookJumpContext replaces the instruction at addr with a jump to a
// dispatcher stub running fn. If the site was a jump, returning 0 from fn
// follows it; at any other site fn must always return where to go.
func (e *Engine) HookJumpContext(name string, addr uintptr, fn HookFunc) error {
	rec := &Record{Name: name, Addr: addr, Kind: NearJump}
	if op, err := memory.ReadU8(e.mem, addr); err == nil && op == patch.OpJump {
		rec.OriginalTarget, _ = patch.DecodeBranch(e.mem, addr)
	}
	return e.contextHook(rec, patch.OpJump, fn)
}
