//go:build windows

// Package process finds a running process and one of its modules so the
// engine can patch it from outside.
package process

import (
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"hookkit/memory"
)

const access = windows.PROCESS_VM_READ | windows.PROCESS_VM_WRITE |
	windows.PROCESS_VM_OPERATION | windows.PROCESS_QUERY_INFORMATION

// Module is a loaded module of a process.
type Module struct {
	Name string
	Base uintptr
	Size int
}

// FindProcess encontra um processo pelo nome
func FindProcess(name string) (uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, errors.Wrap(err, "process snapshot")
	}
	defer windows.CloseHandle(snap)

	var pe windows.ProcessEntry32
	pe.Size = uint32(unsafe.Sizeof(pe))
	for err = windows.Process32First(snap, &pe); err == nil; err = windows.Process32Next(snap, &pe) {
		if strings.EqualFold(windows.UTF16ToString(pe.ExeFile[:]), name) {
			return pe.ProcessID, nil
		}
	}
	return 0, errors.Errorf("process %s not found", name)
}

// FindModule obtém base e tamanho de um módulo
func FindModule(pid uint32, name string) (Module, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
	if err != nil {
		return Module{}, errors.Wrap(err, "module snapshot")
	}
	defer windows.CloseHandle(snap)

	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))
	for err = windows.Module32First(snap, &me); err == nil; err = windows.Module32Next(snap, &me) {
		modName := windows.UTF16ToString(me.Module[:])
		if strings.EqualFold(modName, name) {
			return Module{Name: modName, Base: me.ModBaseAddr, Size: int(me.ModBaseSize)}, nil
		}
	}
	return Module{}, errors.Errorf("module %s not found in pid %d", name, pid)
}

// Attach opens processName and locates moduleName in it. An empty
// moduleName means the main executable.
func Attach(processName, moduleName string) (*memory.Process, Module, error) {
	pid, err := FindProcess(processName)
	if err != nil {
		return nil, Module{}, err
	}
	if moduleName == "" {
		moduleName = processName
	}
	mod, err := FindModule(pid, moduleName)
	if err != nil {
		return nil, Module{}, err
	}
	handle, err := windows.OpenProcess(access, false, pid)
	if err != nil {
		return nil, Module{}, errors.Wrapf(err, "opening pid %d", pid)
	}
	return memory.NewProcess(handle), mod, nil
}
