//go:build windows

package hook

import "golang.org/x/sys/windows"

// newNativeDispatcher wraps fn in a callback native code can call: stdcall
// on 386, the Windows x64 convention on amd64.
func newNativeDispatcher(fn func(id, ctx uintptr) uintptr) uintptr {
	return windows.NewCallback(fn)
}
