// Package hook installs patches and interceptions into a module: call and
// jump hooks, import table and virtual table hooks, detours, and hooks that
// run Go code against the live register state.
//
// Installation is expected to run on one goroutine before the target
// executes the patched code; nothing here suspends threads. Dispatch into
// hook bodies may happen from any thread once installed.
package hook

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hookkit/memory"
	"hookkit/patch"
	"hookkit/pattern"
	"hookkit/peimage"
	"hookkit/reloc"
	"hookkit/stub"
)

// Options describe the module an Engine patches.
type Options struct {
	// Arch is read from the PE headers when left unset.
	Arch reloc.Arch
	// ModuleBase is where the module is loaded.
	ModuleBase uintptr
	// ModuleSize defaults to SizeOfImage.
	ModuleSize int
	// StaticBase defaults to the usual image base for Arch.
	StaticBase uintptr
	// Dispatcher is the native address context stubs call. On Windows it
	// defaults to a callback into Engine.Dispatch, which only works when
	// the module is loaded in this process.
	Dispatcher uintptr
	Logger     logrus.FieldLogger
}

// Engine owns everything an attach needs: the relocation context, the
// scanner over the module, the patch log, the stub pool and the dispatch
// registry.
type Engine struct {
	mem     memory.Memory
	arch    reloc.Arch
	reloc   *reloc.Context
	headers *peimage.Headers
	scanner *pattern.Scanner
	patches *patch.Manager
	pool    *stub.Pool
	log     logrus.FieldLogger

	records []*Record
	byAddr  map[uintptr]*Record

	// vtable copies made for hooked objects
	isClone  map[uintptr]bool
	execLo   uintptr
	execHi   uintptr
	dispatch uintptr

	mu     sync.RWMutex
	hooks  map[uintptr]*binding
	nextID uintptr
}

// New prepares an engine for the module at opts.ModuleBase. The module is
// snapshotted once for scanning.
func New(mem memory.Memory, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	headers, herr := peimage.ParseHeaders(mem, opts.ModuleBase)
	arch := opts.Arch
	if arch == reloc.ArchUnknown {
		if herr != nil {
			return nil, errors.Wrap(herr, "detecting architecture")
		}
		arch = headers.Arch
	}
	if herr != nil {
		headers = nil
		log.WithField("base", fmt.Sprintf("0x%X", opts.ModuleBase)).Debugf("[HOOK] no PE headers: %v", herr)
	}

	size := opts.ModuleSize
	if size == 0 && headers != nil {
		size = int(headers.SizeOfImage)
	}
	if size <= 0 {
		return nil, errors.Errorf("module size unknown for 0x%X", opts.ModuleBase)
	}
	data, err := memory.Snapshot(mem, opts.ModuleBase, size)
	if err != nil {
		return nil, errors.Wrap(err, "reading module")
	}

	static := opts.StaticBase
	if static == 0 {
		static = reloc.StaticBaseFor(arch)
	}

	e := &Engine{
		mem:      mem,
		arch:     arch,
		reloc:    reloc.New(static, opts.ModuleBase),
		headers:  headers,
		scanner:  pattern.NewScanner(pattern.Region{Base: opts.ModuleBase, Data: data}),
		patches:  patch.NewManager(mem, log),
		pool:     stub.NewPool(mem),
		log:      log,
		byAddr:   make(map[uintptr]*Record),
		isClone:  make(map[uintptr]bool),
		execLo:   opts.ModuleBase,
		execHi:   opts.ModuleBase + uintptr(size),
		dispatch: opts.Dispatcher,
		hooks:    make(map[uintptr]*binding),
	}
	log.WithFields(logrus.Fields{
		"arch":  arch.String(),
		"reloc": e.reloc.String(),
	}).Infof("[HOOK] engine ready, module 0x%X (%d bytes)", opts.ModuleBase, size)
	return e, nil
}

func (e *Engine) Arch() reloc.Arch {
	return e.arch
}

func (e *Engine) Memory() memory.Memory {
	return e.mem
}

// Reloc is the relocation context of the module.
func (e *Engine) Reloc() *reloc.Context {
	return e.reloc
}

// Headers returns nil when the module has no readable PE headers.
func (e *Engine) Headers() *peimage.Headers {
	return e.headers
}

func (e *Engine) Logger() logrus.FieldLogger {
	return e.log
}

func (e *Engine) ToRuntime(static uintptr) uintptr {
	return e.reloc.ToRuntime(static)
}

func (e *Engine) ToStatic(addr uintptr) uintptr {
	return e.reloc.ToStatic(addr)
}

// Status retorna resumo dos patches
func (e *Engine) Status() string {
	return e.patches.Status()
}

// Records returns the patch sites in installation order.
func (e *Engine) Records() []*Record {
	out := make([]*Record, len(e.records))
	copy(out, e.records)
	return out
}

// Lookup returns the record installed at addr.
func (e *Engine) Lookup(addr uintptr) (*Record, bool) {
	r, ok := e.byAddr[addr]
	return r, ok
}

// Scan finds every match of sig in the module. count is the exact number
// of matches required, or pattern.AnyCount.
func (e *Engine) Scan(sig string, count int) ([]pattern.Match, error) {
	p, err := pattern.Parse(sig)
	if err != nil {
		return nil, wrap(sig, 0, err)
	}
	return e.ScanPattern(p, count)
}

func (e *Engine) ScanPattern(p pattern.Pattern, count int) ([]pattern.Match, error) {
	matches, err := e.scanner.Find(p, count)
	if err != nil {
		e.log.WithField("pattern", p.String()).Errorf("[SCAN] %v", err)
		return nil, wrap(p.String(), 0, err)
	}
	e.log.WithField("pattern", p.String()).Debugf("[SCAN] %d match(es)", len(matches))
	return matches, nil
}

// ScanOne requires sig to match exactly once.
func (e *Engine) ScanOne(sig string) (pattern.Match, error) {
	m, err := e.Scan(sig, 1)
	if err != nil {
		return pattern.Match{}, err
	}
	return m[0], nil
}

// ReadField reads a T embedded at m+delta, e.g. an immediate or a
// displacement inside the matched instruction.
func ReadField[T any](e *Engine, m pattern.Match, delta int) (T, error) {
	return pattern.ReadField[T](e.mem, m, delta)
}

// ResolveRel32 follows the rel32 operand at m+delta.
func (e *Engine) ResolveRel32(m pattern.Match, delta int) (uintptr, error) {
	return pattern.ResolveRel32(e.mem, m, delta)
}

// claim fails when addr already has a record: sites are patched once.
func (e *Engine) claim(name string, addr uintptr) error {
	if prev, ok := e.byAddr[addr]; ok {
		return &Error{
			Kind: InvalidPatchPrecondition,
			Name: name,
			Addr: addr,
			Err:  errors.Wrapf(ErrInvalidPrecondition, "already hooked by %s", prev.Name),
		}
	}
	return nil
}

// install writes data at addr through the patch log and records it.
func (e *Engine) install(rec *Record, data []byte) (*Record, error) {
	if err := e.claim(rec.Name, rec.Addr); err != nil {
		return nil, err
	}
	entry, err := e.patches.Apply(rec.Name, rec.Addr, data)
	if err != nil {
		return nil, wrap(rec.Name, rec.Addr, err)
	}
	rec.Original = entry.Original
	rec.State = Installed
	e.records = append(e.records, rec)
	e.byAddr[rec.Addr] = rec
	e.log.WithFields(logrus.Fields{
		"hook": rec.Name,
		"addr": fmt.Sprintf("0x%X", rec.Addr),
		"kind": rec.Kind.String(),
	}).Infof("[HOOK] %s [OK]", rec.Name)
	return rec, nil
}

// PatchBytes overwrites code or data at addr.
func (e *Engine) PatchBytes(name string, addr uintptr, data []byte) error {
	_, err := e.install(&Record{Name: name, Addr: addr, Kind: Bytes}, data)
	return err
}

// PatchNop erases n bytes of instructions at addr.
func (e *Engine) PatchNop(name string, addr uintptr, n int) error {
	_, err := e.install(&Record{Name: name, Addr: addr, Kind: Nop}, patch.NopBytes(n))
	return err
}

// PatchReturn makes the function at addr return immediately, popping
// stackSize bytes of arguments.
func (e *Engine) PatchReturn(name string, addr uintptr, stackSize uint16) error {
	_, err := e.install(&Record{Name: name, Addr: addr, Kind: Return}, patch.ReturnBytes(stackSize))
	return err
}

// RestoreAll puts back the original bytes of every patch, newest first.
// Generated stubs, cloned tables and registered hook bodies are kept: a
// thread may still be running inside them.
func (e *Engine) RestoreAll() error {
	err := e.patches.RestoreAll()
	for _, r := range e.records {
		if _, active := e.patches.Lookup(r.Addr); !active && r.State == Installed {
			r.State = Restored
		}
	}
	e.log.Infof("[HOOK] %s", e.patches.Status())
	return err
}
