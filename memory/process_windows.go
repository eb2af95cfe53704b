//go:build windows

package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	ProcVirtualProtectEx      = kernel32.NewProc("VirtualProtectEx")
	ProcVirtualAllocEx        = kernel32.NewProc("VirtualAllocEx")
	ProcFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
	ProcGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
)

const (
	MEM_COMMIT  = 0x1000
	MEM_RESERVE = 0x2000

	nearAttempts = 4096
)

type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

func getSystemInfo() systemInfo {
	var si systemInfo
	ProcGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
	return si
}

// Process acessa a memória de outro processo pelo handle
type Process struct {
	handle windows.Handle
}

// NewProcess wraps a handle opened with PROCESS_ALL_ACCESS (or at least VM
// read/write/operation rights).
func NewProcess(handle windows.Handle) *Process {
	return &Process{handle: handle}
}

func (p *Process) Handle() windows.Handle {
	return p.handle
}

func (p *Process) ReadAt(b []byte, addr uintptr) error {
	if len(b) == 0 {
		return nil
	}
	var read uintptr
	if err := windows.ReadProcessMemory(p.handle, addr, &b[0], uintptr(len(b)), &read); err != nil {
		return errors.Wrapf(ErrAccessViolation, "ReadProcessMemory 0x%X+%d: %v", addr, len(b), err)
	}
	if int(read) != len(b) {
		return errors.Wrapf(ErrAccessViolation, "ReadProcessMemory 0x%X: short read %d/%d", addr, read, len(b))
	}
	return nil
}

func (p *Process) WriteAt(b []byte, addr uintptr) error {
	if len(b) == 0 {
		return nil
	}
	var written uintptr
	if err := windows.WriteProcessMemory(p.handle, addr, &b[0], uintptr(len(b)), &written); err != nil {
		return errors.Wrapf(ErrAccessViolation, "WriteProcessMemory 0x%X+%d: %v", addr, len(b), err)
	}
	return nil
}

func (p *Process) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	var old uint32
	ret, _, err := ProcVirtualProtectEx.Call(
		uintptr(p.handle), addr, uintptr(size),
		uintptr(prot),
		uintptr(unsafe.Pointer(&old)),
	)
	if ret == 0 {
		return 0, errors.Wrapf(ErrProtect, "VirtualProtectEx 0x%X+%d: %v", addr, size, err)
	}
	return Protection(old), nil
}

func (p *Process) allocAt(addr uintptr, size int, prot Protection) uintptr {
	ret, _, _ := ProcVirtualAllocEx.Call(
		uintptr(p.handle), addr, uintptr(size),
		MEM_COMMIT|MEM_RESERVE, uintptr(prot),
	)
	return ret
}

// Alloc aloca memória no processo alvo, perto de hint quando pedido
func (p *Process) Alloc(hint uintptr, size int, prot Protection) (uintptr, error) {
	if hint == 0 {
		if addr := p.allocAt(0, size, prot); addr != 0 {
			return addr, nil
		}
		return 0, errors.Wrapf(ErrAlloc, "VirtualAllocEx %d bytes", size)
	}

	si := getSystemInfo()
	for _, addr := range NearCandidates(hint, uintptr(si.AllocationGranularity),
		si.MinimumApplicationAddress, si.MaximumApplicationAddress, nearAttempts) {
		if got := p.allocAt(addr, size, prot); got != 0 {
			return got, nil
		}
	}
	return 0, errors.Wrapf(ErrAlloc, "VirtualAllocEx near 0x%X", hint)
}

func (p *Process) FlushCode(addr uintptr, size int) error {
	ProcFlushInstructionCache.Call(uintptr(p.handle), addr, uintptr(size))
	return nil
}
