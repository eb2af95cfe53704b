package peimage

import (
	"encoding/binary"
	"io"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"

	"hookkit/memory"
)

const (
	relAbsolute = 0
	relHighLow  = 3
	relDir64    = 10
)

// MapFile lays the PE file out at base the way the loader would: headers
// and sections at their virtual addresses, section protections applied,
// and base relocations fixed up for base. A zero base keeps the preferred
// image base. Imports are left unbound.
func MapFile(r io.ReaderAt, base uintptr) (*memory.Image, *Headers, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing PE")
	}

	var (
		imageBase     uint64
		sizeOfImage   uint32
		sizeOfHeaders uint32
		relocDir      pe.DataDirectory
	)
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		imageBase, sizeOfImage, sizeOfHeaders = uint64(oh.ImageBase), oh.SizeOfImage, oh.SizeOfHeaders
		if oh.NumberOfRvaAndSizes > dirBaseReloc {
			relocDir = oh.DataDirectory[dirBaseReloc]
		}
	case *pe.OptionalHeader64:
		imageBase, sizeOfImage, sizeOfHeaders = oh.ImageBase, oh.SizeOfImage, oh.SizeOfHeaders
		if oh.NumberOfRvaAndSizes > dirBaseReloc {
			relocDir = oh.DataDirectory[dirBaseReloc]
		}
	default:
		return nil, nil, errors.Wrap(ErrNotPE, "missing optional header")
	}

	if base == 0 {
		base = uintptr(imageBase)
	}

	buf := make([]byte, sizeOfImage)
	if sizeOfHeaders > sizeOfImage {
		sizeOfHeaders = sizeOfImage
	}
	if _, err := r.ReadAt(buf[:sizeOfHeaders], 0); err != nil && err != io.EOF {
		return nil, nil, errors.Wrap(err, "reading headers")
	}

	for _, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading section %s", s.Name)
		}
		if s.VirtualSize != 0 && uint32(len(data)) > s.VirtualSize {
			data = data[:s.VirtualSize]
		}
		if uint64(s.VirtualAddress)+uint64(len(data)) > uint64(len(buf)) {
			return nil, nil, errors.Errorf("section %s at RVA 0x%X overruns the image", s.Name, s.VirtualAddress)
		}
		copy(buf[s.VirtualAddress:], data)
	}

	if err := Relocate(buf, relocDir, imageBase, uint64(base)); err != nil {
		return nil, nil, err
	}

	img := memory.NewImage()
	if err := img.Map(base, buf, memory.PAGE_READONLY); err != nil {
		return nil, nil, err
	}
	for _, s := range f.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		if size == 0 {
			continue
		}
		if _, err := img.Protect(base+uintptr(s.VirtualAddress), int(size), sectionProtection(s.Characteristics)); err != nil {
			return nil, nil, errors.Wrapf(err, "protecting section %s", s.Name)
		}
	}

	h, err := ParseHeaders(img, base)
	if err != nil {
		return nil, nil, err
	}
	return img, h, nil
}

// Relocate applies the base relocation blocks in dir to an image laid out
// in buf, moving it from oldBase to newBase.
func Relocate(buf []byte, dir pe.DataDirectory, oldBase, newBase uint64) error {
	if dir.VirtualAddress == 0 || dir.Size == 0 || oldBase == newBase {
		return nil
	}
	end := uint64(dir.VirtualAddress) + uint64(dir.Size)
	if end > uint64(len(buf)) {
		return errors.Errorf("relocation directory extends beyond the image")
	}

	delta := newBase - oldBase
	for block := uint64(dir.VirtualAddress); block+8 <= end; {
		page := binary.LittleEndian.Uint32(buf[block:])
		size := uint64(binary.LittleEndian.Uint32(buf[block+4:]))
		if size == 0 {
			break
		}
		if size < 8 || block+size > end {
			return errors.Errorf("invalid relocation block: size %d at RVA 0x%X", size, block)
		}
		for e := block + 8; e+2 <= block+size; e += 2 {
			entry := binary.LittleEndian.Uint16(buf[e:])
			at := uint64(page) + uint64(entry&0x0FFF)
			switch entry >> 12 {
			case relAbsolute:
			case relHighLow:
				if at+4 > uint64(len(buf)) {
					return errors.Errorf("HIGHLOW relocation at RVA 0x%X beyond the image", at)
				}
				v := binary.LittleEndian.Uint32(buf[at:])
				binary.LittleEndian.PutUint32(buf[at:], v+uint32(delta))
			case relDir64:
				if at+8 > uint64(len(buf)) {
					return errors.Errorf("DIR64 relocation at RVA 0x%X beyond the image", at)
				}
				v := binary.LittleEndian.Uint64(buf[at:])
				binary.LittleEndian.PutUint64(buf[at:], v+delta)
			default:
				return errors.Errorf("unsupported relocation type %d at RVA 0x%X", entry>>12, at)
			}
		}
		block += size
	}
	return nil
}
