package hook

import "fmt"

// Kind is what an installer did at a patch site.
type Kind int

const (
	NearCall Kind = iota
	NearJump
	Nop
	Bytes
	Return
	ImportTableEntry
	VirtualTableSlot
	Detour
)

var kindNames = map[Kind]string{
	NearCall:         "call",
	NearJump:         "jump",
	Nop:              "nop",
	Bytes:            "bytes",
	Return:           "return",
	ImportTableEntry: "import",
	VirtualTableSlot: "vtable",
	Detour:           "detour",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State of a record. There is no way back from Installed other than
// Engine.RestoreAll.
type State int

const (
	Located State = iota
	Installed
	Restored
)

func (s State) String() string {
	switch s {
	case Located:
		return "located"
	case Installed:
		return "installed"
	case Restored:
		return "restored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Record is one patch site. Original holds the bytes (or pointer) that
// were there before installation; OriginalTarget is the callable the
// caller can still use to reach the pre-hook behaviour, when there is one.
type Record struct {
	Name           string
	Addr           uintptr
	Kind           Kind
	State          State
	Original       []byte
	OriginalTarget uintptr
	Replacement    uintptr
	// Stub is the generated code the site branches to, if any.
	Stub uintptr
	// ID is the dispatch id of context hooks.
	ID uintptr
}

func (r *Record) String() string {
	return fmt.Sprintf("%-8s %-32s 0x%X -> 0x%X (%s)", r.Kind, r.Name, r.Addr, r.Replacement, r.State)
}
