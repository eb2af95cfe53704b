package hook

import (
	"fmt"

	"github.com/pkg/errors"

	"hookkit/memory"
	"hookkit/patch"
	"hookkit/pattern"
	"hookkit/peimage"
	"hookkit/stub"
)

// ErrorKind classifies installation failures. None of them is meant to be
// recovered from: a half-hooked process is stopped instead.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	SignatureMismatch
	InvalidPatchPrecondition
	ImportNotFound
	AllocationFailure
	ProtectionChangeFailure
)

func (k ErrorKind) String() string {
	switch k {
	case SignatureMismatch:
		return "signature mismatch"
	case InvalidPatchPrecondition:
		return "invalid patch precondition"
	case ImportNotFound:
		return "import not found"
	case AllocationFailure:
		return "allocation failure"
	case ProtectionChangeFailure:
		return "protection change failure"
	}
	return "unknown"
}

var (
	ErrInvalidPrecondition = errors.New("invalid patch precondition")
	ErrNoDispatcher        = errors.New("no native dispatcher")
)

// sentinel is the error an *Error of this kind matches with errors.Is.
func (k ErrorKind) sentinel() error {
	switch k {
	case SignatureMismatch:
		return pattern.ErrSignatureMismatch
	case InvalidPatchPrecondition:
		return ErrInvalidPrecondition
	case ImportNotFound:
		return peimage.ErrImportNotFound
	case AllocationFailure:
		return memory.ErrAlloc
	case ProtectionChangeFailure:
		return memory.ErrProtect
	}
	return nil
}

// Error is an installation failure tied to the hook or signature that
// caused it.
type Error struct {
	Kind ErrorKind
	Name string
	Addr uintptr
	Err  error
}

func (e *Error) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s @ 0x%X: %s: %v", e.Name, e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// classify picks the kind from the sentinels err wraps.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, pattern.ErrSignatureMismatch):
		return SignatureMismatch
	case errors.Is(err, peimage.ErrImportNotFound):
		return ImportNotFound
	case errors.Is(err, memory.ErrAlloc):
		return AllocationFailure
	case errors.Is(err, memory.ErrProtect):
		return ProtectionChangeFailure
	case errors.Is(err, ErrInvalidPrecondition),
		errors.Is(err, patch.ErrAlreadyPatched),
		errors.Is(err, patch.ErrBranchOutOfRange),
		errors.Is(err, ErrNoDispatcher),
		errors.Is(err, stub.ErrUnrelocatable),
		errors.Is(err, stub.ErrTooShort):
		return InvalidPatchPrecondition
	}
	return KindUnknown
}

func wrap(name string, addr uintptr, err error) error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return err
	}
	return &Error{Kind: classify(err), Name: name, Addr: addr, Err: err}
}

// KindOf returns the kind of an installation error.
func KindOf(err error) ErrorKind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return classify(err)
}
