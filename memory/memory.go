package memory

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Protection usa a mesma numeração dos PAGE_* do Windows.
type Protection uint32

const (
	PAGE_NOACCESS          Protection = 0x01
	PAGE_READONLY          Protection = 0x02
	PAGE_READWRITE         Protection = 0x04
	PAGE_WRITECOPY         Protection = 0x08
	PAGE_EXECUTE           Protection = 0x10
	PAGE_EXECUTE_READ      Protection = 0x20
	PAGE_EXECUTE_READWRITE Protection = 0x40
	PAGE_EXECUTE_WRITECOPY Protection = 0x80

	PageSize = 0x1000
	// AllocationGranularity is the alignment of fresh allocations.
	AllocationGranularity = 0x10000
)

var (
	ErrUnmapped        = errors.New("address not mapped")
	ErrAccessViolation = errors.New("access violation")
	ErrAlloc           = errors.New("allocation failed")
	ErrProtect         = errors.New("protection change failed")
)

// Readable reports whether data on a page with this protection can be read.
func (p Protection) Readable() bool {
	return p != 0 && p != PAGE_NOACCESS && p != PAGE_EXECUTE
}

// Writable reports whether a page with this protection accepts writes.
func (p Protection) Writable() bool {
	switch p {
	case PAGE_READWRITE, PAGE_WRITECOPY, PAGE_EXECUTE_READWRITE, PAGE_EXECUTE_WRITECOPY:
		return true
	}
	return false
}

// Executable reports whether code may run from a page with this protection.
func (p Protection) Executable() bool {
	return p >= PAGE_EXECUTE
}

// Memory is an address space the engine can patch: the current process,
// another process, or a mapped image held in buffers.
type Memory interface {
	ReadAt(p []byte, addr uintptr) error
	WriteAt(p []byte, addr uintptr) error
	// Protect changes the protection of the pages covering [addr, addr+size)
	// and returns the previous protection of the first page.
	Protect(addr uintptr, size int, prot Protection) (Protection, error)
	// Alloc reserves and commits size bytes. A non-zero hint asks for memory
	// within rel32 reach of hint.
	Alloc(hint uintptr, size int, prot Protection) (uintptr, error)
	FlushCode(addr uintptr, size int) error
}

// Viewer is implemented by memories that can expose a range without copying.
type Viewer interface {
	View(addr uintptr, size int) ([]byte, error)
}

// Snapshot returns a copy of [base, base+size). Pages that cannot be read
// are left zeroed, the same way a module dump of a live process looks.
// Later writes to mem do not show through the copy.
func Snapshot(mem Memory, base uintptr, size int) ([]byte, error) {
	if v, ok := mem.(Viewer); ok {
		if buf, err := v.View(base, size); err == nil {
			return append([]byte(nil), buf...), nil
		}
	}

	buf := make([]byte, size)
	readable := 0
	for off := 0; off < size; off += PageSize {
		end := off + PageSize
		if end > size {
			end = size
		}
		if err := mem.ReadAt(buf[off:end], base+uintptr(off)); err == nil {
			readable++
		}
	}
	if readable == 0 {
		return nil, errors.Wrapf(ErrUnmapped, "snapshot 0x%X+0x%X", base, size)
	}
	return buf, nil
}

// ReadBytes lê N bytes da memória
func ReadBytes(mem Memory, addr uintptr, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := mem.ReadAt(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadU8 lê um byte da memória
func ReadU8(mem Memory, addr uintptr) (uint8, error) {
	var b [1]byte
	err := mem.ReadAt(b[:], addr)
	return b[0], err
}

// ReadU16 lê 2 bytes da memória
func ReadU16(mem Memory, addr uintptr) (uint16, error) {
	var b [2]byte
	err := mem.ReadAt(b[:], addr)
	return binary.LittleEndian.Uint16(b[:]), err
}

// ReadU32 lê 4 bytes da memória
func ReadU32(mem Memory, addr uintptr) (uint32, error) {
	var b [4]byte
	err := mem.ReadAt(b[:], addr)
	return binary.LittleEndian.Uint32(b[:]), err
}

func ReadU64(mem Memory, addr uintptr) (uint64, error) {
	var b [8]byte
	err := mem.ReadAt(b[:], addr)
	return binary.LittleEndian.Uint64(b[:]), err
}

// ReadF32 lê um float32 da memória
func ReadF32(mem Memory, addr uintptr) (float32, error) {
	v, err := ReadU32(mem, addr)
	return math.Float32frombits(v), err
}

// ReadPtr reads a pointer of the given width (4 or 8 bytes).
func ReadPtr(mem Memory, addr uintptr, width int) (uintptr, error) {
	if width == 4 {
		v, err := ReadU32(mem, addr)
		return uintptr(v), err
	}
	v, err := ReadU64(mem, addr)
	return uintptr(v), err
}

// WritePtr writes a pointer of the given width without touching protection.
func WritePtr(mem Memory, addr uintptr, width int, v uintptr) error {
	b := make([]byte, width)
	if width == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
	} else {
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
	return mem.WriteAt(b, addr)
}

// ReadCString lê uma string terminada em zero
func ReadCString(mem Memory, addr uintptr, maxLen int) (string, error) {
	out := make([]byte, 0, 32)
	var b [1]byte
	for i := 0; i < maxLen; i++ {
		if err := mem.ReadAt(b[:], addr+uintptr(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out), nil
}

// WriteProtected wraps a write in a protection scope: the pages are made
// RWX, written, restored, and the instruction cache is flushed.
func WriteProtected(mem Memory, addr uintptr, data []byte) error {
	old, err := mem.Protect(addr, len(data), PAGE_EXECUTE_READWRITE)
	if err != nil {
		return errors.Wrapf(ErrProtect, "unprotect 0x%X+%d: %v", addr, len(data), err)
	}

	werr := mem.WriteAt(data, addr)

	if _, err := mem.Protect(addr, len(data), old); err != nil && werr == nil {
		werr = errors.Wrapf(ErrProtect, "restore 0x%X+%d: %v", addr, len(data), err)
	}
	if werr != nil {
		return werr
	}
	return mem.FlushCode(addr, len(data))
}
