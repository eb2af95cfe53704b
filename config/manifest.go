package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"hookkit/hook"
	"hookkit/pattern"
	"hookkit/peimage"
)

// Manifest actions.
const (
	ActionScan   = "scan"
	ActionNop    = "nop"
	ActionBytes  = "bytes"
	ActionCall   = "call"
	ActionJump   = "jump"
	ActionReturn = "return"
	ActionDetour = "detour"
	ActionImport = "import"
)

var ErrManifest = errors.New("invalid manifest")

// Manifest is a list of signatures and what to do where they match,
// applied in order.
//
//	entries:
//	  - name: CanLoot distance check
//	    pattern: "F3 0F 10 45 ? 0F 2F C1 76 ?"
//	    offset: 8
//	    action: bytes
//	    bytes: "EB"
type Manifest struct {
	Module  string   `yaml:"module"`
	Entries []*Entry `yaml:"entries"`
}

type Entry struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	// Expected number of matches; 1 when omitted, -1 for any.
	Count  *int   `yaml:"count"`
	Offset int    `yaml:"offset"`
	Action string `yaml:"action"`
	// nop
	Length int `yaml:"length"`
	// bytes, hex with optional spaces
	Bytes string `yaml:"bytes"`
	// call, jump, detour, import: a static address ("0x1400A1230") or
	// "@name" for the first address located by an earlier entry.
	Target string `yaml:"target"`
	// return: argument bytes popped by the function
	Stack uint16 `yaml:"stack"`
	// import: "WS2_32.dll!send" or "WS2_32.dll!#19"
	Import string `yaml:"import"`

	pat    pattern.Pattern
	data   []byte
	module string
	ref    peimage.ImportRef
}

func (ent *Entry) count() int {
	if ent.Count == nil {
		return 1
	}
	return *ent.Count
}

func (ent *Entry) invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrManifest, "%s: %s", ent.Name, fmt.Sprintf(format, args...))
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	return ParseManifest(data)
}

// ParseManifest decodes a manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	m := &Manifest{}
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrap(ErrManifest, err.Error())
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseImport(s string) (string, peimage.ImportRef, error) {
	i := strings.LastIndex(s, "!")
	if i <= 0 || i == len(s)-1 {
		return "", peimage.ImportRef{}, errors.Errorf("import %q is not module!function", s)
	}
	module, fn := s[:i], s[i+1:]
	if strings.HasPrefix(fn, "#") {
		n, err := strconv.ParseUint(fn[1:], 10, 16)
		if err != nil {
			return "", peimage.ImportRef{}, errors.Errorf("bad ordinal in %q", s)
		}
		return module, peimage.ByOrdinal(uint16(n)), nil
	}
	return module, peimage.ByName(fn), nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool)
	for i, ent := range m.Entries {
		if ent.Name == "" {
			return errors.Wrapf(ErrManifest, "entry %d has no name", i)
		}
		if seen[ent.Name] {
			return ent.invalid("duplicate name")
		}
		if ent.Action == "" {
			ent.Action = ActionScan
		}

		if ent.Action == ActionImport {
			var err error
			if ent.module, ent.ref, err = parseImport(ent.Import); err != nil {
				return ent.invalid("%v", err)
			}
		} else {
			p, err := pattern.Parse(ent.Pattern)
			if err != nil {
				return ent.invalid("%v", err)
			}
			ent.pat = p
			if c := ent.count(); c < pattern.AnyCount {
				return ent.invalid("count %d", c)
			}
		}

		switch ent.Action {
		case ActionScan, ActionReturn:
		case ActionNop:
			if ent.Length <= 0 {
				return ent.invalid("nop needs a length")
			}
		case ActionBytes:
			data, err := hex.DecodeString(strings.Join(strings.Fields(ent.Bytes), ""))
			if err != nil || len(data) == 0 {
				return ent.invalid("bad bytes %q", ent.Bytes)
			}
			ent.data = data
		case ActionCall, ActionJump, ActionDetour, ActionImport:
			if ent.Target == "" {
				return ent.invalid("%s needs a target", ent.Action)
			}
			if ref, ok := strings.CutPrefix(ent.Target, "@"); ok && !seen[ref] {
				return ent.invalid("target %s is not an earlier entry", ent.Target)
			}
			if !strings.HasPrefix(ent.Target, "@") {
				if _, err := strconv.ParseUint(ent.Target, 0, 64); err != nil {
					return ent.invalid("bad target %q", ent.Target)
				}
			}
		default:
			return ent.invalid("unknown action %q", ent.Action)
		}
		seen[ent.Name] = true
	}
	return nil
}

// Located holds what each entry resolved to while a plan runs: match
// addresses, or the previous slot value for imports.
type Located map[string][]uintptr

// Addr returns the first address located for name.
func (l Located) Addr(name string) (uintptr, bool) {
	if a := l[name]; len(a) > 0 {
		return a[0], true
	}
	return 0, false
}

func (ent *Entry) target(e *hook.Engine, loc Located) (uintptr, error) {
	if ref, ok := strings.CutPrefix(ent.Target, "@"); ok {
		addr, found := loc.Addr(ref)
		if !found {
			return 0, ent.invalid("%s located nothing", ref)
		}
		return addr, nil
	}
	static, err := strconv.ParseUint(ent.Target, 0, 64)
	if err != nil {
		return 0, ent.invalid("bad target %q", ent.Target)
	}
	return e.ToRuntime(uintptr(static)), nil
}

func (ent *Entry) run(e *hook.Engine, loc Located) error {
	if ent.Action == ActionImport {
		target, err := ent.target(e, loc)
		if err != nil {
			return err
		}
		previous, err := e.HookImport(ent.module, ent.ref, target)
		if err != nil {
			return err
		}
		loc[ent.Name] = []uintptr{previous}
		return nil
	}

	matches, err := e.ScanPattern(ent.pat, ent.count())
	if err != nil {
		return err
	}
	addrs := make([]uintptr, len(matches))
	for i, m := range matches {
		addrs[i] = m.Adjust(ent.Offset)
	}
	loc[ent.Name] = addrs

	for i, addr := range addrs {
		name := ent.Name
		if len(addrs) > 1 {
			name = fmt.Sprintf("%s #%d", ent.Name, i)
		}
		if err := ent.apply(e, loc, name, addr); err != nil {
			return err
		}
	}
	return nil
}

func (ent *Entry) apply(e *hook.Engine, loc Located, name string, addr uintptr) error {
	switch ent.Action {
	case ActionNop:
		return e.PatchNop(name, addr, ent.Length)
	case ActionBytes:
		return e.PatchBytes(name, addr, ent.data)
	case ActionReturn:
		return e.PatchReturn(name, addr, ent.Stack)
	case ActionCall, ActionJump, ActionDetour:
		target, err := ent.target(e, loc)
		if err != nil {
			return err
		}
		switch ent.Action {
		case ActionCall:
			_, err = e.HookCall(name, addr, target)
		case ActionJump:
			err = e.HookJump(name, addr, target)
		default:
			_, err = e.Detour(name, addr, target)
		}
		return err
	}
	return nil
}

// Plan turns the manifest into installer steps, one per entry. The
// returned Located is filled in as the plan runs.
func (m *Manifest) Plan() (*hook.Plan, Located) {
	plan := hook.NewPlan()
	loc := make(Located)
	for _, ent := range m.Entries {
		ent := ent
		plan.Add(ent.Name, func(e *hook.Engine) error {
			return ent.run(e, loc)
		})
	}
	return plan, loc
}
