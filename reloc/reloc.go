// Package reloc translates between link-time ("static") addresses taken
// from a disassembly of a known build and the addresses the module actually
// occupies in the running process.
package reloc

import "fmt"

// Arch is the instruction set of the target image.
type Arch int

const (
	ArchUnknown Arch = iota
	X86
	AMD64
)

func (a Arch) String() string {
	switch a {
	case X86:
		return "x86"
	case AMD64:
		return "x86-64"
	}
	return "unknown"
}

// PointerSize returns the width of a native pointer in bytes.
func (a Arch) PointerSize() int {
	if a == AMD64 {
		return 8
	}
	return 4
}

// Default preferred image bases for PE32 and PE32+ executables.
const (
	StaticBaseX86   uintptr = 0x400000
	StaticBaseAMD64 uintptr = 0x140000000
)

// StaticBaseFor returns the link-time base address for arch.
func StaticBaseFor(arch Arch) uintptr {
	if arch == AMD64 {
		return StaticBaseAMD64
	}
	return StaticBaseX86
}

// Context holds the base delta. The zero value is uninitialised and must
// go through Initialize before any translation.
type Context struct {
	staticBase  uintptr
	runtimeBase uintptr
	delta       uintptr
	ready       bool
}

// New returns a Context already initialised for the given bases.
func New(staticBase, runtimeBase uintptr) *Context {
	c := &Context{staticBase: staticBase}
	c.Initialize(runtimeBase)
	return c
}

// FromModule returns a Context for a module of the given arch loaded at
// runtimeBase.
func FromModule(arch Arch, runtimeBase uintptr) *Context {
	return New(StaticBaseFor(arch), runtimeBase)
}

// SetStaticBase overrides the link-time base. It must be called before
// Initialize.
func (c *Context) SetStaticBase(base uintptr) {
	if c.ready {
		panic("reloc: static base changed after initialisation")
	}
	c.staticBase = base
}

// Initialize fixes the runtime base. The delta never changes afterwards.
func (c *Context) Initialize(runtimeBase uintptr) {
	if c.ready {
		panic("reloc: context initialised twice")
	}
	c.runtimeBase = runtimeBase
	// unsigned wraparound keeps the delta correct for bases below the
	// static base too
	c.delta = runtimeBase - c.staticBase
	c.ready = true
}

func (c *Context) Initialized() bool {
	return c != nil && c.ready
}

func (c *Context) mustBeReady() {
	if !c.Initialized() {
		panic("reloc: address translated before Initialize")
	}
}

func (c *Context) StaticBase() uintptr {
	c.mustBeReady()
	return c.staticBase
}

func (c *Context) RuntimeBase() uintptr {
	c.mustBeReady()
	return c.runtimeBase
}

// Delta is runtimeBase - staticBase modulo the pointer width.
func (c *Context) Delta() uintptr {
	c.mustBeReady()
	return c.delta
}

// ToRuntime converts a static address to where it lives in this process.
func (c *Context) ToRuntime(static uintptr) uintptr {
	c.mustBeReady()
	return static + c.delta
}

// ToStatic converts a runtime address back to its link-time address.
func (c *Context) ToStatic(runtime uintptr) uintptr {
	c.mustBeReady()
	return runtime - c.delta
}

// RVA returns the offset of a runtime address from the module base.
func (c *Context) RVA(runtime uintptr) uint32 {
	c.mustBeReady()
	return uint32(runtime - c.runtimeBase)
}

func (c *Context) String() string {
	if !c.Initialized() {
		return "reloc{uninitialised}"
	}
	return fmt.Sprintf("reloc{static=0x%X runtime=0x%X delta=0x%X}", c.staticBase, c.runtimeBase, c.delta)
}
