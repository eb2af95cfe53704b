// Package stub generates the machine code the hook engine places between a
// patched site and Go: dispatcher stubs that capture the register state,
// argument marshaling stubs for call sites, far relays and detour
// trampolines. Code is written once into a Pool and never modified.
package stub

import (
	"github.com/pkg/errors"

	"hookkit/memory"
	"hookkit/reloc"
)

const (
	// ChunkSize is how much executable memory the pool reserves at a time.
	ChunkSize = memory.AllocationGranularity
	stubAlign = 16
)

var (
	ErrTooLarge    = errors.New("stub larger than a pool chunk")
	ErrUnsupported = errors.New("unsupported architecture")
)

func mode(arch reloc.Arch) (int, error) {
	switch arch {
	case reloc.X86:
		return 32, nil
	case reloc.AMD64:
		return 64, nil
	}
	return 0, errors.Wrapf(ErrUnsupported, "%s", arch)
}

type chunk struct {
	base uintptr
	used int
}

// Pool hands out executable memory for stubs. Chunks are allocated close
// to the sites that jump into them so a 5-byte branch can reach, and are
// never released.
type Pool struct {
	mem    memory.Memory
	chunks []*chunk
}

func NewPool(mem memory.Memory) *Pool {
	return &Pool{mem: mem}
}

// reaches reports whether every byte of c is within rel32 reach of hint.
func (c *chunk) reaches(hint uintptr) bool {
	if hint == 0 {
		return true
	}
	return memory.WithinRel32(hint, c.base) && memory.WithinRel32(hint, c.base+ChunkSize)
}

func (p *Pool) grow(hint uintptr) (*chunk, error) {
	base, err := p.mem.Alloc(hint, ChunkSize, memory.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, errors.Wrapf(err, "stub chunk near 0x%X", hint)
	}
	c := &chunk{base: base}
	p.chunks = append(p.chunks, c)
	return c, nil
}

func (p *Pool) chunkNear(hint uintptr) (*chunk, error) {
	for i := len(p.chunks) - 1; i >= 0; i-- {
		c := p.chunks[i]
		if c.used < ChunkSize && c.reaches(hint) {
			return c, nil
		}
	}
	return p.grow(hint)
}

// Place asks build for the code of a stub that will live at base, writes it
// into the pool and returns base. build may be called twice when the stub
// does not fit the current chunk, so it must not have side effects.
func (p *Pool) Place(hint uintptr, build func(base uintptr) ([]byte, error)) (uintptr, error) {
	c, err := p.chunkNear(hint)
	if err != nil {
		return 0, err
	}
	base := c.base + uintptr(c.used)
	code, err := build(base)
	if err != nil {
		return 0, err
	}
	if len(code) > ChunkSize {
		return 0, errors.Wrapf(ErrTooLarge, "%d bytes", len(code))
	}
	if len(code) > ChunkSize-c.used {
		if c, err = p.grow(hint); err != nil {
			return 0, err
		}
		base = c.base
		if code, err = build(base); err != nil {
			return 0, err
		}
	}

	if err := p.mem.WriteAt(code, base); err != nil {
		return 0, errors.Wrapf(err, "writing stub at 0x%X", base)
	}
	if err := p.mem.FlushCode(base, len(code)); err != nil {
		return 0, err
	}
	c.used += (len(code) + stubAlign - 1) &^ (stubAlign - 1)
	if c.used > ChunkSize {
		c.used = ChunkSize
	}
	return base, nil
}

// PlaceCode places position independent code.
func (p *Pool) PlaceCode(hint uintptr, code []byte) (uintptr, error) {
	return p.Place(hint, func(uintptr) ([]byte, error) { return code, nil })
}

// Chunks returns the number of chunks reserved so far.
func (p *Pool) Chunks() int {
	return len(p.chunks)
}
