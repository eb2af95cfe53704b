package patch

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"

	"github.com/pkg/errors"

	"hookkit/memory"
)

const (
	OpCall byte = 0xE8
	OpJump byte = 0xE9
	OpNop  byte = 0x90
	OpRet  byte = 0xC3
	OpRetN byte = 0xC2

	// BranchSize is the length of a near call/jmp with a rel32 operand.
	BranchSize = 5
)

var (
	ErrBranchOutOfRange = errors.New("branch displacement out of rel32 range")
	ErrValueType        = errors.New("value type has no fixed size")
)

func encode[T any](v T) ([]byte, error) {
	if binary.Size(v) <= 0 {
		return nil, errors.Wrapf(ErrValueType, "%s", reflect.TypeOf(v))
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Put copies the little-endian bytes of v to addr. The page must already
// be writable.
func Put[T any](mem memory.Memory, addr uintptr, v T) error {
	b, err := encode(v)
	if err != nil {
		return err
	}
	return mem.WriteAt(b, addr)
}

// PutProtected is Put wrapped in a protection scope, for code pages.
func PutProtected[T any](mem memory.Memory, addr uintptr, v T) error {
	b, err := encode(v)
	if err != nil {
		return err
	}
	return memory.WriteProtected(mem, addr, b)
}

// Get reads a fixed-size little-endian value.
func Get[T any](mem memory.Memory, addr uintptr) (T, error) {
	var v T
	size := binary.Size(v)
	if size <= 0 {
		return v, errors.Wrapf(ErrValueType, "%s", reflect.TypeOf(v))
	}
	buf := make([]byte, size)
	if err := mem.ReadAt(buf, addr); err != nil {
		return v, err
	}
	err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &v)
	return v, err
}

// Bytes copies raw bytes to addr without touching protection.
func Bytes(mem memory.Memory, addr uintptr, data []byte) error {
	return mem.WriteAt(data, addr)
}

// BytesProtected copies raw bytes to a code page.
func BytesProtected(mem memory.Memory, addr uintptr, data []byte) error {
	return memory.WriteProtected(mem, addr, data)
}

// NopBytes returns n single-byte no-ops.
func NopBytes(n int) []byte {
	return bytes.Repeat([]byte{OpNop}, n)
}

// Nop overwrites length bytes at addr with 0x90.
func Nop(mem memory.Memory, addr uintptr, length int) error {
	return mem.WriteAt(NopBytes(length), addr)
}

// ReturnBytes is "ret" or, for callee-cleans functions, "ret stackSize".
func ReturnBytes(stackSize uint16) []byte {
	if stackSize == 0 {
		return []byte{OpRet}
	}
	return []byte{OpRetN, byte(stackSize), byte(stackSize >> 8)}
}

// Return stubs a function out: its first instruction becomes a return that
// pops stackSize bytes of arguments.
func Return(mem memory.Memory, addr uintptr, stackSize uint16) error {
	return memory.WriteProtected(mem, addr, ReturnBytes(stackSize))
}

// Displacement computes target - (addr+5) and rejects anything a rel32
// cannot hold.
func Displacement(addr, target uintptr) (int32, error) {
	d := int64(target) - (int64(addr) + BranchSize)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, errors.Wrapf(ErrBranchOutOfRange, "0x%X -> 0x%X", addr, target)
	}
	return int32(d), nil
}

// Branch encodes a 5-byte near branch at addr to target with the given
// opcode (OpCall or OpJump).
func Branch(addr, target uintptr, op byte) ([]byte, error) {
	d, err := Displacement(addr, target)
	if err != nil {
		return nil, err
	}
	b := make([]byte, BranchSize)
	b[0] = op
	binary.LittleEndian.PutUint32(b[1:], uint32(d))
	return b, nil
}

// BranchTarget decodes the destination of a near branch located at addr
// whose bytes are insn.
func BranchTarget(addr uintptr, insn []byte) uintptr {
	d := int32(binary.LittleEndian.Uint32(insn[1:5]))
	return uintptr(int64(addr) + BranchSize + int64(d))
}

// EncodeBranch writes a near branch at addr. Like Put it does not touch
// page protection.
func EncodeBranch(mem memory.Memory, addr, target uintptr, op byte) error {
	b, err := Branch(addr, target, op)
	if err != nil {
		return err
	}
	return mem.WriteAt(b, addr)
}

// DecodeBranch reads the rel32 at addr+1 and returns addr+5+disp.
func DecodeBranch(mem memory.Memory, addr uintptr) (uintptr, error) {
	insn := make([]byte, BranchSize)
	if err := mem.ReadAt(insn, addr); err != nil {
		return 0, err
	}
	return BranchTarget(addr, insn), nil
}
