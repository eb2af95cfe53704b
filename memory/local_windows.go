//go:build windows

package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// Local is the address space of the current process. Reads and writes are
// plain copies; nothing guards against touching unmapped memory.
type Local struct{}

func bytesAt(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func (Local) ReadAt(p []byte, addr uintptr) error {
	copy(p, bytesAt(addr, len(p)))
	return nil
}

func (Local) WriteAt(p []byte, addr uintptr) error {
	copy(bytesAt(addr, len(p)), p)
	return nil
}

func (Local) View(addr uintptr, size int) ([]byte, error) {
	return bytesAt(addr, size), nil
}

func (Local) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), uint32(prot), &old); err != nil {
		return 0, errors.Wrapf(ErrProtect, "VirtualProtect 0x%X+%d: %v", addr, size, err)
	}
	return Protection(old), nil
}

func (Local) Alloc(hint uintptr, size int, prot Protection) (uintptr, error) {
	if hint == 0 {
		addr, err := windows.VirtualAlloc(0, uintptr(size), MEM_COMMIT|MEM_RESERVE, uint32(prot))
		if err != nil {
			return 0, errors.Wrapf(ErrAlloc, "VirtualAlloc %d bytes: %v", size, err)
		}
		return addr, nil
	}

	si := getSystemInfo()
	for _, addr := range NearCandidates(hint, uintptr(si.AllocationGranularity),
		si.MinimumApplicationAddress, si.MaximumApplicationAddress, nearAttempts) {
		got, err := windows.VirtualAlloc(addr, uintptr(size), MEM_COMMIT|MEM_RESERVE, uint32(prot))
		if err == nil && got != 0 {
			return got, nil
		}
	}
	return 0, errors.Wrapf(ErrAlloc, "VirtualAlloc near 0x%X", hint)
}

func (Local) FlushCode(addr uintptr, size int) error {
	ProcFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(size))
	return nil
}
