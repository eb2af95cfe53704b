package patch

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hookkit/memory"
)

var ErrAlreadyPatched = errors.New("address already patched")

// Entry guarda os bytes originais de um patch aplicado
type Entry struct {
	Name     string
	Addr     uintptr
	Bytes    []byte
	Original []byte
	Active   bool
}

// Manager aplica patches de bytes e lembra o que havia antes, na ordem em
// que foram aplicados.
type Manager struct {
	mem     memory.Memory
	log     logrus.FieldLogger
	patches []*Entry
	byAddr  map[uintptr]*Entry
}

func NewManager(mem memory.Memory, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		mem:    mem,
		log:    log,
		byAddr: make(map[uintptr]*Entry),
	}
}

func (m *Manager) Memory() memory.Memory {
	return m.mem
}

func (m *Manager) overlaps(addr uintptr, size int) *Entry {
	for _, p := range m.patches {
		if !p.Active {
			continue
		}
		if addr < p.Addr+uintptr(len(p.Bytes)) && p.Addr < addr+uintptr(size) {
			return p
		}
	}
	return nil
}

// Apply captures the original bytes at addr and writes data with the page
// made writable for the duration. A range that overlaps an active patch is
// refused: patches do not compose.
func (m *Manager) Apply(name string, addr uintptr, data []byte) (*Entry, error) {
	if prev := m.overlaps(addr, len(data)); prev != nil {
		return nil, errors.Wrapf(ErrAlreadyPatched, "%s @ 0x%X overlaps %s @ 0x%X", name, addr, prev.Name, prev.Addr)
	}

	original, err := memory.ReadBytes(m.mem, addr, len(data))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading original bytes", name)
	}

	entry := &Entry{
		Name:     name,
		Addr:     addr,
		Bytes:    append([]byte(nil), data...),
		Original: original,
	}

	if err := memory.WriteProtected(m.mem, addr, data); err != nil {
		m.log.WithField("addr", fmt.Sprintf("0x%X", addr)).Errorf("[PATCH] %s [ERRO]", name)
		return nil, errors.Wrapf(err, "%s", name)
	}

	entry.Active = true
	m.patches = append(m.patches, entry)
	m.byAddr[addr] = entry
	m.log.WithField("addr", fmt.Sprintf("0x%X", addr)).Debugf("[PATCH] %s (%d bytes) [OK]", name, len(data))
	return entry, nil
}

// Lookup returns the active patch starting at addr.
func (m *Manager) Lookup(addr uintptr) (*Entry, bool) {
	e, ok := m.byAddr[addr]
	if !ok || !e.Active {
		return nil, false
	}
	return e, true
}

// Entries returns the patches in the order they were applied.
func (m *Manager) Entries() []*Entry {
	return m.patches
}

// RestoreAll restaura todos os patches pros bytes originais, do último
// para o primeiro.
func (m *Manager) RestoreAll() error {
	var firstErr error
	for i := len(m.patches) - 1; i >= 0; i-- {
		p := m.patches[i]
		if !p.Active {
			continue
		}
		if err := memory.WriteProtected(m.mem, p.Addr, p.Original); err != nil {
			m.log.Errorf("[PATCH] Falha ao restaurar %s @ 0x%X: %v", p.Name, p.Addr, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.Active = false
		delete(m.byAddr, p.Addr)
		m.log.Debugf("[PATCH] Restaurado: %s", p.Name)
	}
	return firstErr
}

// Status retorna resumo dos patches
func (m *Manager) Status() string {
	active := 0
	for _, p := range m.patches {
		if p.Active {
			active++
		}
	}
	return fmt.Sprintf("Patches: %d/%d", active, len(m.patches))
}
