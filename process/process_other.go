//go:build !windows

package process

import (
	"github.com/pkg/errors"

	"hookkit/memory"
)

var ErrUnsupported = errors.New("attaching to a process needs windows")

type Module struct {
	Name string
	Base uintptr
	Size int
}

func Attach(processName, moduleName string) (memory.Memory, Module, error) {
	return nil, Module{}, ErrUnsupported
}
