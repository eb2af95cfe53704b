// Package pattern finds byte signatures with wildcards inside a mapped
// module.
//
// Signatures are written as whitespace separated tokens, each either two hex
// digits or a wildcard ("?" or "??"):
//
//	48 8B CB 8B D0 E8 ? ? ? ? 48 85 C0
package pattern

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrSyntax = errors.New("invalid pattern")

// Pattern is a sequence of exact bytes and single-byte wildcards.
type Pattern struct {
	bytes []byte
	wild  []bool
	// first non-wildcard position, -1 when every token is a wildcard
	anchor int
}

// Parse reads the textual form of a signature.
func Parse(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Pattern{}, errors.Wrap(ErrSyntax, "empty pattern")
	}

	p := Pattern{
		bytes: make([]byte, len(fields)),
		wild:  make([]bool, len(fields)),
	}
	for i, f := range fields {
		if f == "?" || f == "??" {
			p.wild[i] = true
			continue
		}
		if len(f) != 2 {
			return Pattern{}, errors.Wrapf(ErrSyntax, "token %d %q", i, f)
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Pattern{}, errors.Wrapf(ErrSyntax, "token %d %q", i, f)
		}
		p.bytes[i] = byte(v)
	}
	p.setAnchor()
	return p, nil
}

// MustParse is Parse for signatures known at compile time.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FromMask builds a pattern from raw bytes and an "xx??x" style mask where
// 'x' keeps the byte and '?' ignores it.
func FromMask(b []byte, mask string) (Pattern, error) {
	if len(b) != len(mask) || len(b) == 0 {
		return Pattern{}, errors.Wrapf(ErrSyntax, "mask length %d for %d bytes", len(mask), len(b))
	}
	p := Pattern{
		bytes: append([]byte(nil), b...),
		wild:  make([]bool, len(b)),
	}
	for i := range mask {
		switch mask[i] {
		case 'x', 'X':
		case '?':
			p.wild[i] = true
			p.bytes[i] = 0
		default:
			return Pattern{}, errors.Wrapf(ErrSyntax, "mask char %q at %d", mask[i], i)
		}
	}
	p.setAnchor()
	return p, nil
}

func (p *Pattern) setAnchor() {
	p.anchor = -1
	for i, w := range p.wild {
		if !w {
			p.anchor = i
			return
		}
	}
}

// Len is the number of bytes a match covers.
func (p Pattern) Len() int {
	return len(p.bytes)
}

// String returns the canonical textual form.
func (p Pattern) String() string {
	var sb strings.Builder
	for i := range p.bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if p.wild[i] {
			sb.WriteString("??")
		} else {
			fmt.Fprintf(&sb, "%02X", p.bytes[i])
		}
	}
	return sb.String()
}

// MatchAt reports whether the pattern matches data at off.
func (p Pattern) MatchAt(data []byte, off int) bool {
	if off < 0 || off+len(p.bytes) > len(data) {
		return false
	}
	for i, b := range p.bytes {
		if !p.wild[i] && data[off+i] != b {
			return false
		}
	}
	return true
}

// Index returns the first match at or after from, or -1.
func (p Pattern) Index(data []byte, from int) int {
	last := len(data) - len(p.bytes)
	if p.anchor < 0 {
		if from <= last {
			return from
		}
		return -1
	}

	key := p.bytes[p.anchor]
	for off := from; off <= last; {
		i := bytes.IndexByte(data[off+p.anchor:last+p.anchor+1], key)
		if i < 0 {
			return -1
		}
		off += i
		if p.MatchAt(data, off) {
			return off
		}
		off++
	}
	return -1
}

// FindAll returns every (possibly overlapping) match offset in data.
func (p Pattern) FindAll(data []byte) []int {
	var out []int
	for off := p.Index(data, 0); off >= 0; off = p.Index(data, off+1) {
		out = append(out, off)
	}
	return out
}
