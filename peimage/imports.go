package peimage

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"hookkit/memory"
)

var ErrImportNotFound = errors.New("import not found")

// maxImportName bounds C string reads from the name tables.
const maxImportName = 512

// Import is one entry of a module's import address table.
type Import struct {
	Module    string
	Name      string
	Ordinal   uint16
	ByOrdinal bool
	// Slot is the runtime address of the address table entry the loader
	// filled in; calls through the import thunk read it.
	Slot uintptr
}

func (i Import) String() string {
	if i.ByOrdinal {
		return fmt.Sprintf("%s!#%d", i.Module, i.Ordinal)
	}
	return i.Module + "!" + i.Name
}

// ImportRef selects an import by name or, when Name is empty, by ordinal.
type ImportRef struct {
	Name    string
	Ordinal uint16
}

func ByName(name string) ImportRef {
	return ImportRef{Name: name}
}

func ByOrdinal(ordinal uint16) ImportRef {
	return ImportRef{Ordinal: ordinal}
}

func (r ImportRef) String() string {
	if r.Name == "" {
		return fmt.Sprintf("#%d", r.Ordinal)
	}
	return r.Name
}

func (r ImportRef) matches(imp Import) bool {
	if r.Name == "" {
		return imp.ByOrdinal && imp.Ordinal == r.Ordinal
	}
	return !imp.ByOrdinal && strings.EqualFold(imp.Name, r.Name)
}

// SameModule compares DLL names the way the loader does: case-insensitive,
// with or without the ".dll" suffix.
func SameModule(a, b string) bool {
	trim := func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimSuffix(s, ".dll")
	}
	return trim(a) == trim(b)
}

type importDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// Imports walks the import directory of the module described by h.
func Imports(mem memory.Memory, h *Headers) ([]Import, error) {
	dir := h.Directory(dirImport)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	width := h.Arch.PointerSize()
	ordinalFlag := uint64(1) << 63
	if width == 4 {
		ordinalFlag = 1 << 31
	}

	var out []Import
	for at := h.Base + uintptr(dir.VirtualAddress); ; at += 20 {
		var d importDescriptor
		if err := readStruct(mem, at, &d); err != nil {
			return nil, errors.Wrapf(err, "import descriptor at 0x%X", at)
		}
		if d.Name == 0 && d.FirstThunk == 0 {
			break
		}
		module, err := memory.ReadCString(mem, h.Base+uintptr(d.Name), maxImportName)
		if err != nil {
			return nil, errors.Wrapf(err, "import module name at RVA 0x%X", d.Name)
		}

		lookup := d.OriginalFirstThunk
		if lookup == 0 {
			lookup = d.FirstThunk
		}
		for i := 0; ; i++ {
			off := uintptr(i * width)
			v, err := memory.ReadPtr(mem, h.Base+uintptr(lookup)+off, width)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: lookup entry %d", module, i)
			}
			if v == 0 {
				break
			}
			imp := Import{Module: module, Slot: h.Base + uintptr(d.FirstThunk) + off}
			if uint64(v)&ordinalFlag != 0 {
				imp.ByOrdinal = true
				imp.Ordinal = uint16(v)
			} else {
				// skip the 2-byte hint
				rva := uintptr(uint32(v) & 0x7FFFFFFF)
				if imp.Name, err = memory.ReadCString(mem, h.Base+rva+2, maxImportName); err != nil {
					return nil, errors.Wrapf(err, "%s: import name %d", module, i)
				}
			}
			out = append(out, imp)
		}
	}
	return out, nil
}

// FindImport returns the import of module selected by ref.
func FindImport(mem memory.Memory, h *Headers, module string, ref ImportRef) (Import, error) {
	imports, err := Imports(mem, h)
	if err != nil {
		return Import{}, err
	}
	for _, imp := range imports {
		if SameModule(imp.Module, module) && ref.matches(imp) {
			return imp, nil
		}
	}
	return Import{}, errors.Wrapf(ErrImportNotFound, "%s!%s", module, ref)
}
