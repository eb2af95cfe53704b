package pattern

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"hookkit/memory"
	"hookkit/reloc"
)

// AnyCount disables the match-count assertion.
const AnyCount = -1

var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrOutOfBounds       = errors.New("field outside scanned region")
	ErrFieldType         = errors.New("field type has no fixed size")
)

// MismatchError is returned when a signature matched a different number of
// times than the caller expected. The target build is then assumed to be
// one the signature was not written for.
type MismatchError struct {
	Pattern string
	Want    int
	Got     int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("signature mismatch: %q matched %d times, expected %d", e.Pattern, e.Got, e.Want)
}

func (e *MismatchError) Unwrap() error {
	return ErrSignatureMismatch
}

// Region is a contiguous range of the target address space and its bytes.
type Region struct {
	Base uintptr
	Data []byte
}

func (r Region) End() uintptr {
	return r.Base + uintptr(len(r.Data))
}

// Match is one place a pattern was found.
type Match struct {
	Addr   uintptr
	Offset int

	lo, hi uintptr
}

// Adjust returns the match address moved by delta bytes.
func (m Match) Adjust(delta int) uintptr {
	return uintptr(int64(m.Addr) + int64(delta))
}

// Static returns the link-time address of the match.
func (m Match) Static(c *reloc.Context) uintptr {
	return c.ToStatic(m.Addr)
}

func (m Match) inBounds(addr uintptr, size int) bool {
	if m.lo == 0 && m.hi == 0 {
		return true
	}
	return addr >= m.lo && addr+uintptr(size) <= m.hi
}

// Scanner searches one region and remembers what it found, so a signature
// shared by several hooks is only scanned once.
type Scanner struct {
	region Region
	memo   *cache.Cache
}

func NewScanner(region Region) *Scanner {
	return &Scanner{
		region: region,
		memo:   cache.New(cache.NoExpiration, 0),
	}
}

func (s *Scanner) Region() Region {
	return s.region
}

// Forget drops remembered results, e.g. after the region was re-read.
func (s *Scanner) Forget() {
	s.memo.Flush()
}

func (s *Scanner) offsets(p Pattern) []int {
	key := fmt.Sprintf("%X/%s", s.region.Base, p.String())
	if v, ok := s.memo.Get(key); ok {
		return v.([]int)
	}
	offs := p.FindAll(s.region.Data)
	s.memo.SetDefault(key, offs)
	return offs
}

// Find returns every match of p. With count >= 0 the number of matches must
// be exactly count; anything else is a *MismatchError.
func (s *Scanner) Find(p Pattern, count int) ([]Match, error) {
	offs := s.offsets(p)
	if count != AnyCount && len(offs) != count {
		return nil, &MismatchError{Pattern: p.String(), Want: count, Got: len(offs)}
	}

	matches := make([]Match, len(offs))
	for i, off := range offs {
		matches[i] = Match{
			Addr:   s.region.Base + uintptr(off),
			Offset: off,
			lo:     s.region.Base,
			hi:     s.region.End(),
		}
	}
	return matches, nil
}

// FindOne requires exactly one match.
func (s *Scanner) FindOne(p Pattern) (Match, error) {
	m, err := s.Find(p, 1)
	if err != nil {
		return Match{}, err
	}
	return m[0], nil
}

// ReadField reads a fixed-size value of type T at m+delta from mem. The
// read must stay inside the region the match came from.
func ReadField[T any](mem memory.Memory, m Match, delta int) (T, error) {
	var v T
	size := binary.Size(v)
	if size <= 0 {
		return v, errors.Wrapf(ErrFieldType, "%s", reflect.TypeOf(v))
	}

	addr := m.Adjust(delta)
	if !m.inBounds(addr, size) {
		return v, errors.Wrapf(ErrOutOfBounds, "0x%X+%d", addr, size)
	}

	buf := make([]byte, size)
	if err := mem.ReadAt(buf, addr); err != nil {
		return v, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &v); err != nil {
		return v, err
	}
	return v, nil
}

// ResolveRel32 follows the 32-bit relative operand at m+delta, the way
// "mov rax, [rip+disp]" or "call rel32" address their target: the result is
// the address right after the operand plus the displacement.
func ResolveRel32(mem memory.Memory, m Match, delta int) (uintptr, error) {
	disp, err := ReadField[int32](mem, m, delta)
	if err != nil {
		return 0, err
	}
	return uintptr(int64(m.Adjust(delta)) + 4 + int64(disp)), nil
}
