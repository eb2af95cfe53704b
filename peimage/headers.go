// Package peimage reads PE headers and import tables out of a mapped
// module, and maps PE files into a memory.Image for offline patching.
package peimage

import (
	"bytes"
	"encoding/binary"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"

	"hookkit/memory"
	"hookkit/reloc"
)

const (
	magicPE32     = 0x10B
	magicPE32Plus = 0x20B

	dirImport    = 1
	dirBaseReloc = 5

	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

var ErrNotPE = errors.New("not a PE image")

// Section is a section header as mapped in memory.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
}

func (s Section) Executable() bool {
	return s.Characteristics&scnMemExecute != 0
}

// Protection is the page protection a loader gives the section.
func (s Section) Protection() memory.Protection {
	return sectionProtection(s.Characteristics)
}

func sectionProtection(c uint32) memory.Protection {
	exec, read, write := c&scnMemExecute != 0, c&scnMemRead != 0, c&scnMemWrite != 0
	switch {
	case exec && write:
		return memory.PAGE_EXECUTE_READWRITE
	case exec && read:
		return memory.PAGE_EXECUTE_READ
	case exec:
		return memory.PAGE_EXECUTE
	case write:
		return memory.PAGE_READWRITE
	case read:
		return memory.PAGE_READONLY
	}
	return memory.PAGE_NOACCESS
}

// Headers is what the engine needs from a module's headers.
type Headers struct {
	Base          uintptr
	Machine       uint16
	Magic         uint16
	Arch          reloc.Arch
	ImageBase     uint64
	SizeOfImage   uint32
	SizeOfHeaders uint32
	EntryPoint    uint32
	Directories   [16]pe.DataDirectory
	Sections      []Section
}

// Directory returns data directory i, or a zero entry.
func (h *Headers) Directory(i int) pe.DataDirectory {
	if i < 0 || i >= len(h.Directories) {
		return pe.DataDirectory{}
	}
	return h.Directories[i]
}

// Executable reports whether addr falls in an executable section.
func (h *Headers) Executable(addr uintptr) bool {
	if addr < h.Base {
		return false
	}
	rva := addr - h.Base
	for _, s := range h.Sections {
		size := s.VirtualSize
		if size == 0 {
			continue
		}
		if s.Executable() && rva >= uintptr(s.VirtualAddress) && rva < uintptr(s.VirtualAddress)+uintptr(size) {
			return true
		}
	}
	return false
}

func readStruct(mem memory.Memory, addr uintptr, v interface{}) error {
	buf := make([]byte, binary.Size(v))
	if err := mem.ReadAt(buf, addr); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// ParseHeaders reads the headers of the module mapped at base.
func ParseHeaders(mem memory.Memory, base uintptr) (*Headers, error) {
	mz, err := memory.ReadU16(mem, base)
	if err != nil {
		return nil, errors.Wrapf(err, "reading DOS header at 0x%X", base)
	}
	if mz != 0x5A4D {
		return nil, errors.Wrapf(ErrNotPE, "bad DOS magic 0x%04X at 0x%X", mz, base)
	}
	lfanew, err := memory.ReadU32(mem, base+0x3C)
	if err != nil {
		return nil, err
	}
	nt := base + uintptr(lfanew)
	sig, err := memory.ReadU32(mem, nt)
	if err != nil {
		return nil, err
	}
	if sig != 0x00004550 {
		return nil, errors.Wrapf(ErrNotPE, "bad NT signature 0x%08X", sig)
	}

	var fh pe.FileHeader
	if err := readStruct(mem, nt+4, &fh); err != nil {
		return nil, errors.Wrap(err, "reading file header")
	}
	optAddr := nt + 4 + uintptr(binary.Size(fh))
	magic, err := memory.ReadU16(mem, optAddr)
	if err != nil {
		return nil, err
	}

	h := &Headers{Base: base, Machine: fh.Machine, Magic: magic}
	// the optional header may be shorter than the full struct when the image
	// has fewer than 16 data directories
	switch magic {
	case magicPE32:
		var oh pe.OptionalHeader32
		if err := readOptional(mem, optAddr, int(fh.SizeOfOptionalHeader), &oh); err != nil {
			return nil, err
		}
		h.Arch = reloc.X86
		h.ImageBase = uint64(oh.ImageBase)
		h.SizeOfImage, h.SizeOfHeaders, h.EntryPoint = oh.SizeOfImage, oh.SizeOfHeaders, oh.AddressOfEntryPoint
		h.Directories = clampDirs(oh.DataDirectory, oh.NumberOfRvaAndSizes)
	case magicPE32Plus:
		var oh pe.OptionalHeader64
		if err := readOptional(mem, optAddr, int(fh.SizeOfOptionalHeader), &oh); err != nil {
			return nil, err
		}
		h.Arch = reloc.AMD64
		h.ImageBase = oh.ImageBase
		h.SizeOfImage, h.SizeOfHeaders, h.EntryPoint = oh.SizeOfImage, oh.SizeOfHeaders, oh.AddressOfEntryPoint
		h.Directories = clampDirs(oh.DataDirectory, oh.NumberOfRvaAndSizes)
	default:
		return nil, errors.Wrapf(ErrNotPE, "unknown optional header magic 0x%X", magic)
	}

	secAddr := optAddr + uintptr(fh.SizeOfOptionalHeader)
	for i := 0; i < int(fh.NumberOfSections); i++ {
		var sh pe.SectionHeader32
		if err := readStruct(mem, secAddr+uintptr(i*binary.Size(sh)), &sh); err != nil {
			return nil, errors.Wrapf(err, "reading section header %d", i)
		}
		h.Sections = append(h.Sections, Section{
			Name:            string(bytes.TrimRight(sh.Name[:], "\x00")),
			VirtualAddress:  sh.VirtualAddress,
			VirtualSize:     sh.VirtualSize,
			Characteristics: sh.Characteristics,
		})
	}
	return h, nil
}

func readOptional(mem memory.Memory, addr uintptr, size int, v interface{}) error {
	full := binary.Size(v)
	if size > full {
		size = full
	}
	buf := make([]byte, full)
	if err := mem.ReadAt(buf[:size], addr); err != nil {
		return errors.Wrap(err, "reading optional header")
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func clampDirs(dirs [16]pe.DataDirectory, n uint32) [16]pe.DataDirectory {
	for i := int(n); i < len(dirs); i++ {
		dirs[i] = pe.DataDirectory{}
	}
	return dirs
}

// DetectArch returns the architecture of the module mapped at base.
func DetectArch(mem memory.Memory, base uintptr) (reloc.Arch, error) {
	h, err := ParseHeaders(mem, base)
	if err != nil {
		return reloc.ArchUnknown, err
	}
	return h.Arch, nil
}
