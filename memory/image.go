package memory

import (
	"sort"

	"github.com/pkg/errors"
)

type region struct {
	base uintptr
	data []byte
	prot []Protection
}

func (r *region) end() uintptr {
	return r.base + uintptr(len(r.data))
}

func (r *region) contains(addr uintptr, size int) bool {
	return addr >= r.base && addr+uintptr(size) <= r.end() && addr+uintptr(size) >= addr
}

// Image is an address space made of plain buffers. It tracks page
// protection so code pages reject unprotected writes the way a real process
// does, and it hands out allocations above the highest mapped region.
type Image struct {
	regions []*region
}

func NewImage() *Image {
	return &Image{}
}

func alignUp(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}

// Map places a copy of data at base. base must be page aligned; the region
// length is rounded up to whole pages.
func (m *Image) Map(base uintptr, data []byte, prot Protection) error {
	if base%PageSize != 0 {
		return errors.Errorf("map: base 0x%X not page aligned", base)
	}
	size := alignUp(uintptr(len(data)), PageSize)
	if size == 0 {
		size = PageSize
	}
	for _, r := range m.regions {
		if base < r.end() && r.base < base+size {
			return errors.Errorf("map: 0x%X+0x%X overlaps region at 0x%X", base, size, r.base)
		}
	}

	r := &region{
		base: base,
		data: make([]byte, size),
		prot: make([]Protection, size/PageSize),
	}
	copy(r.data, data)
	for i := range r.prot {
		r.prot[i] = prot
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	return nil
}

func (m *Image) find(addr uintptr, size int) (*region, error) {
	for _, r := range m.regions {
		if r.contains(addr, size) {
			return r, nil
		}
	}
	return nil, errors.Wrapf(ErrUnmapped, "0x%X+%d", addr, size)
}

func (r *region) pages(addr uintptr, size int) (int, int) {
	first := int((addr - r.base) / PageSize)
	last := int((addr + uintptr(size) - 1 - r.base) / PageSize)
	if size == 0 {
		last = first
	}
	return first, last
}

func (m *Image) ReadAt(p []byte, addr uintptr) error {
	r, err := m.find(addr, len(p))
	if err != nil {
		return err
	}
	first, last := r.pages(addr, len(p))
	for i := first; i <= last; i++ {
		if !r.prot[i].Readable() {
			return errors.Wrapf(ErrAccessViolation, "read 0x%X", r.base+uintptr(i)*PageSize)
		}
	}
	copy(p, r.data[addr-r.base:])
	return nil
}

func (m *Image) WriteAt(p []byte, addr uintptr) error {
	r, err := m.find(addr, len(p))
	if err != nil {
		return err
	}
	first, last := r.pages(addr, len(p))
	for i := first; i <= last; i++ {
		if !r.prot[i].Writable() {
			return errors.Wrapf(ErrAccessViolation, "write 0x%X", r.base+uintptr(i)*PageSize)
		}
	}
	copy(r.data[addr-r.base:], p)
	return nil
}

func (m *Image) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	r, err := m.find(addr, size)
	if err != nil {
		return 0, errors.Wrapf(ErrProtect, "%v", err)
	}
	first, last := r.pages(addr, size)
	old := r.prot[first]
	for i := first; i <= last; i++ {
		r.prot[i] = prot
	}
	return old, nil
}

// Protection returns the protection of the page holding addr.
func (m *Image) Protection(addr uintptr) (Protection, error) {
	r, err := m.find(addr, 1)
	if err != nil {
		return 0, err
	}
	return r.prot[(addr-r.base)/PageSize], nil
}

// Alloc maps a zeroed region at the next allocation-granularity boundary
// above every existing region. That keeps it close to whatever was mapped
// first, so hint is only checked for rel32 reach.
func (m *Image) Alloc(hint uintptr, size int, prot Protection) (uintptr, error) {
	if size <= 0 {
		return 0, errors.Wrapf(ErrAlloc, "size %d", size)
	}
	var top uintptr = AllocationGranularity
	if n := len(m.regions); n > 0 {
		top = alignUp(m.regions[n-1].end(), AllocationGranularity)
	}
	if hint != 0 && !WithinRel32(hint, top) {
		return 0, errors.Wrapf(ErrAlloc, "no room near 0x%X", hint)
	}
	if err := m.Map(top, make([]byte, size), prot); err != nil {
		return 0, errors.Wrap(ErrAlloc, err.Error())
	}
	return top, nil
}

func (m *Image) FlushCode(addr uintptr, size int) error {
	_, err := m.find(addr, size)
	return err
}

// View returns the backing bytes of [addr, addr+size) without copying.
func (m *Image) View(addr uintptr, size int) ([]byte, error) {
	r, err := m.find(addr, size)
	if err != nil {
		return nil, err
	}
	off := addr - r.base
	return r.data[off : off+uintptr(size)], nil
}
