//go:build !darwin && !freebsd && !linux

package ffi

// RTLD flags - unused on this platform
const (
	RTLD_NOW    = 0
	RTLD_GLOBAL = 0
)

func dlopenLibrary(string, int) (uintptr, error) {
	return 0, ErrNotSupported
}

func dlsymLibrary(uintptr, string) (uintptr, error) {
	return 0, ErrNotSupported
}

func dlcloseLibrary(uintptr) error {
	return nil
}

func registerFunc(any, uintptr) error {
	return ErrNotSupported
}
