//go:build !windows

package hook

func newNativeDispatcher(func(id, ctx uintptr) uintptr) uintptr {
	return 0
}
