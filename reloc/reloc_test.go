package reloc

import (
	"math/rand"
	"testing"
)

func TestContext_EndToEnd(t *testing.T) {
	c := New(0x140000000, 0x7FF600000000)

	if got := c.ToRuntime(0x140001000); got != 0x7FF600001000 {
		t.Errorf("ToRuntime() = 0x%X, want 0x7FF600001000", got)
	}
	if got := c.ToStatic(0x7FF600001000); got != 0x140001000 {
		t.Errorf("ToStatic() = 0x%X, want 0x140001000", got)
	}
	if got := c.RVA(0x7FF600001000); got != 0x1000 {
		t.Errorf("RVA() = 0x%X, want 0x1000", got)
	}
}

func TestContext_Linearity(t *testing.T) {
	tests := []struct {
		name        string
		static      uintptr
		runtimeBase uintptr
	}{
		{name: "amd64 high load", static: StaticBaseAMD64, runtimeBase: 0x7FF600000000},
		{name: "x86 rebased", static: StaticBaseX86, runtimeBase: 0x00DE0000},
		{name: "loaded below static base", static: StaticBaseAMD64, runtimeBase: 0x10000000},
		{name: "not rebased", static: StaticBaseX86, runtimeBase: StaticBaseX86},
	}
	rng := rand.New(rand.NewSource(1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.static, tt.runtimeBase)
			delta := tt.runtimeBase - tt.static
			for i := 0; i < 1000; i++ {
				a := tt.static + uintptr(rng.Intn(0x4000000))
				if got := c.ToRuntime(c.ToStatic(a)); got != a {
					t.Fatalf("ToRuntime(ToStatic(0x%X)) = 0x%X", a, got)
				}
				if got := c.ToRuntime(a); got != a+delta {
					t.Fatalf("ToRuntime(0x%X) = 0x%X, want 0x%X", a, got, a+delta)
				}
			}
		})
	}
}

func expectPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	f()
}

func TestContext_Guards(t *testing.T) {
	var c Context
	expectPanic(t, "ToRuntime before Initialize", func() { c.ToRuntime(0x1000) })
	expectPanic(t, "ToStatic before Initialize", func() { c.ToStatic(0x1000) })

	c.SetStaticBase(StaticBaseX86)
	c.Initialize(0x500000)
	if c.Delta() != 0x100000 {
		t.Errorf("Delta() = 0x%X, want 0x100000", c.Delta())
	}
	expectPanic(t, "second Initialize", func() { c.Initialize(0x600000) })
	expectPanic(t, "SetStaticBase after Initialize", func() { c.SetStaticBase(0) })
}

func TestFromModule(t *testing.T) {
	if got := FromModule(X86, 0x00400000).Delta(); got != 0 {
		t.Errorf("x86 Delta() = 0x%X, want 0", got)
	}
	if got := FromModule(AMD64, 0x140000000+0x5000).Delta(); got != 0x5000 {
		t.Errorf("amd64 Delta() = 0x%X, want 0x5000", got)
	}
}
