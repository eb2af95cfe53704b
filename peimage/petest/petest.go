// Package petest builds small PE images for tests: one code section and
// one data section holding an import table and base relocations. File and
// memory layouts are identical, so the same bytes can be mapped directly
// or loaded through peimage.MapFile.
package petest

import (
	"bytes"
	"encoding/binary"

	"github.com/Binject/debug/pe"

	"hookkit/reloc"
)

const (
	TextRVA     = 0x1000
	DataRVA     = 0x2000
	SizeOfImage = 0x3000

	lfanew = 0x40
)

// Import is one imported function. Bound is the value the loader would
// have written into its address table slot.
type Import struct {
	Module  string
	Name    string
	Ordinal uint16
	Bound   uint64
}

type Options struct {
	Arch reloc.Arch
	// Code is copied to the start of the code section.
	Code []byte
	// Pointers are RVAs of absolute pointers that get a base relocation.
	Pointers []uint32
	Imports  []Import
}

type layout struct {
	buf   []byte
	width int
	next  uint32
}

func (l *layout) alloc(n int) uint32 {
	at := l.next
	l.next += uint32(n+7) &^ 7
	return at
}

func (l *layout) putPtr(rva uint32, v uint64) {
	if l.width == 4 {
		binary.LittleEndian.PutUint32(l.buf[rva:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(l.buf[rva:], v)
}

// Build returns the image bytes.
func Build(o Options) []byte {
	l := &layout{buf: make([]byte, SizeOfImage), width: o.Arch.PointerSize(), next: DataRVA}
	copy(l.buf[TextRVA:], o.Code)

	// group imports by module, keeping first-seen order
	var modules []string
	byModule := map[string][]Import{}
	for _, imp := range o.Imports {
		if _, ok := byModule[imp.Module]; !ok {
			modules = append(modules, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp)
	}

	var importDir pe.DataDirectory
	if len(modules) > 0 {
		descs := l.alloc(20 * (len(modules) + 1))
		importDir = pe.DataDirectory{VirtualAddress: descs, Size: uint32(20 * (len(modules) + 1))}
		for i, mod := range modules {
			imps := byModule[mod]
			name := l.alloc(len(mod) + 1)
			copy(l.buf[name:], mod)
			lookup := l.alloc(l.width * (len(imps) + 1))
			iat := l.alloc(l.width * (len(imps) + 1))
			for j, imp := range imps {
				var entry uint64
				if imp.Name == "" {
					entry = uint64(imp.Ordinal)
					if l.width == 4 {
						entry |= 1 << 31
					} else {
						entry |= 1 << 63
					}
				} else {
					hint := l.alloc(2 + len(imp.Name) + 1)
					copy(l.buf[hint+2:], imp.Name)
					entry = uint64(hint)
				}
				l.putPtr(lookup+uint32(j*l.width), entry)
				bound := imp.Bound
				if bound == 0 {
					bound = entry
				}
				l.putPtr(iat+uint32(j*l.width), bound)
			}
			d := descs + uint32(20*i)
			binary.LittleEndian.PutUint32(l.buf[d:], lookup)
			binary.LittleEndian.PutUint32(l.buf[d+12:], name)
			binary.LittleEndian.PutUint32(l.buf[d+16:], iat)
		}
	}

	var relocDir pe.DataDirectory
	if len(o.Pointers) > 0 {
		typ := uint16(10) // DIR64
		if l.width == 4 {
			typ = 3 // HIGHLOW
		}
		entries := len(o.Pointers)
		if entries%2 == 1 {
			entries++
		}
		size := 8 + 2*entries
		at := l.alloc(size)
		binary.LittleEndian.PutUint32(l.buf[at:], TextRVA)
		binary.LittleEndian.PutUint32(l.buf[at+4:], uint32(size))
		for i, p := range o.Pointers {
			binary.LittleEndian.PutUint16(l.buf[at+8+uint32(2*i):], typ<<12|uint16(p-TextRVA))
		}
		relocDir = pe.DataDirectory{VirtualAddress: at, Size: uint32(size)}
	}

	writeHeaders(l.buf, o.Arch, importDir, relocDir)
	return l.buf
}

func writeHeaders(buf []byte, arch reloc.Arch, importDir, relocDir pe.DataDirectory) {
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:], lfanew)

	var hdr bytes.Buffer
	hdr.WriteString("PE\x00\x00")

	fh := pe.FileHeader{
		Machine:          pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections: 2,
		Characteristics:  0x0102,
	}
	var opt interface{}
	if arch == reloc.AMD64 {
		fh.Machine = pe.IMAGE_FILE_MACHINE_AMD64
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader64{}))
		fh.Characteristics = 0x0022
		oh := &pe.OptionalHeader64{
			Magic:               0x20B,
			ImageBase:           uint64(reloc.StaticBaseAMD64),
			SectionAlignment:    0x1000,
			FileAlignment:       0x1000,
			SizeOfImage:         SizeOfImage,
			SizeOfHeaders:       TextRVA,
			AddressOfEntryPoint: TextRVA,
			BaseOfCode:          TextRVA,
			NumberOfRvaAndSizes: 16,
		}
		oh.DataDirectory[1] = importDir
		oh.DataDirectory[5] = relocDir
		opt = oh
	} else {
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader32{}))
		oh := &pe.OptionalHeader32{
			Magic:               0x10B,
			ImageBase:           uint32(reloc.StaticBaseX86),
			SectionAlignment:    0x1000,
			FileAlignment:       0x1000,
			SizeOfImage:         SizeOfImage,
			SizeOfHeaders:       TextRVA,
			AddressOfEntryPoint: TextRVA,
			BaseOfCode:          TextRVA,
			BaseOfData:          DataRVA,
			NumberOfRvaAndSizes: 16,
		}
		oh.DataDirectory[1] = importDir
		oh.DataDirectory[5] = relocDir
		opt = oh
	}

	sections := []pe.SectionHeader32{
		{VirtualSize: 0x1000, VirtualAddress: TextRVA, SizeOfRawData: 0x1000, PointerToRawData: TextRVA, Characteristics: 0x60000020},
		{VirtualSize: 0x1000, VirtualAddress: DataRVA, SizeOfRawData: 0x1000, PointerToRawData: DataRVA, Characteristics: 0xC0000040},
	}
	copy(sections[0].Name[:], ".text")
	copy(sections[1].Name[:], ".data")

	binary.Write(&hdr, binary.LittleEndian, &fh)
	binary.Write(&hdr, binary.LittleEndian, opt)
	binary.Write(&hdr, binary.LittleEndian, sections)
	copy(buf[lfanew:], hdr.Bytes())
}
