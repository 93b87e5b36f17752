// Package ffi provides purego bindings to a vendor H.264 encoder shim.
//
// The shim is a thin C library in front of the hardware encoder block. It
// exports three functions:
//
//	int32_t h264enc_open(int32_t *out_inst);
//	int32_t h264enc_close(int32_t inst);
//	int32_t h264enc_ioctl(int32_t inst, uint32_t cmd, ShimEncodeParam *param);
//
// Every function returns 0 on success or one of the Shim* error codes.
package ffi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	// ErrLibraryNotLoaded is returned when calling into an unloaded library.
	ErrLibraryNotLoaded = errors.New("h264enc shim library not loaded")

	// ErrLibraryNotFound is returned when the shim library cannot be found.
	ErrLibraryNotFound = errors.New("h264enc shim library not found")

	// FFI error sentinels. These match shim error codes and support errors.Is().
	ErrInvalidParam   = errors.New("invalid parameter")
	ErrInitFailed     = errors.New("initialization failed")
	ErrEncodeFailed   = errors.New("encode failed")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrNotSupported   = errors.New("not supported")
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrBusy           = errors.New("device busy")
	ErrIO             = errors.New("i/o error")
)

// Error codes from shim (int32 to match C int)
const (
	ShimOK                int32 = 0
	ShimErrInvalidParam   int32 = -1
	ShimErrInitFailed     int32 = -2
	ShimErrEncodeFailed   int32 = -3
	ShimErrOutOfMemory    int32 = -4
	ShimErrNotSupported   int32 = -5
	ShimErrBufferTooSmall int32 = -6
	ShimErrBusy           int32 = -7
	ShimErrIO             int32 = -8
)

// Ioctl commands understood by h264enc_ioctl.
const (
	IoctlEncodeInit  uint32 = 0x4170
	IoctlEncodeFrame uint32 = 0x4172
)

// EnvLibraryPath names the environment variable checked by FindLibrary.
const EnvLibraryPath = "H264ENC_SHIM_PATH"

// Library is a loaded shim.
type Library struct {
	path   string
	handle uintptr
	loaded atomic.Bool
	mu     sync.Mutex

	// Populated by registerFunctions.
	open  func(outInst uintptr) int32
	close func(inst int32) int32
	ioctl func(inst int32, cmd uint32, param uintptr) int32
}

// Load opens the shim at path. An empty path is resolved with FindLibrary.
func Load(path string) (*Library, error) {
	if path == "" {
		p, ok := FindLibrary()
		if !ok {
			return nil, ErrLibraryNotFound
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, path)
	}

	handle, err := dlopenLibrary(path, RTLD_NOW|RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	l := &Library{path: path, handle: handle}
	if err := l.registerFunctions(); err != nil {
		_ = dlcloseLibrary(handle)
		return nil, err
	}
	l.loaded.Store(true)
	return l, nil
}

// Path returns the file the library was loaded from.
func (l *Library) Path() string {
	return l.path
}

// IsLoaded reports whether the library is usable.
func (l *Library) IsLoaded() bool {
	return l.loaded.Load()
}

// Unload closes the library. Later calls return ErrLibraryNotLoaded.
func (l *Library) Unload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded.Load() {
		return nil
	}
	l.loaded.Store(false)
	if err := dlcloseLibrary(l.handle); err != nil {
		return err
	}
	l.handle = 0
	return nil
}

func (l *Library) registerFunctions() error {
	syms := []struct {
		name string
		fn   any
	}{
		{"h264enc_open", &l.open},
		{"h264enc_close", &l.close},
		{"h264enc_ioctl", &l.ioctl},
	}
	for _, s := range syms {
		addr, err := dlsymLibrary(l.handle, s.name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", s.name, err)
		}
		if err := registerFunc(s.fn, addr); err != nil {
			return fmt.Errorf("bind %s: %w", s.name, err)
		}
	}
	return nil
}

// Open creates a codec instance.
func (l *Library) Open() (int32, error) {
	if !l.loaded.Load() {
		return -1, ErrLibraryNotLoaded
	}
	var inst int32 = -1
	if err := ShimError(l.open(Int32Ptr(&inst))); err != nil {
		return -1, err
	}
	return inst, nil
}

// CloseInstance releases a codec instance.
func (l *Library) CloseInstance(inst int32) error {
	if !l.loaded.Load() {
		return ErrLibraryNotLoaded
	}
	return ShimError(l.close(inst))
}

// Ioctl issues cmd on inst. The shim reads and writes p in place.
func (l *Library) Ioctl(inst int32, cmd uint32, p *EncodeParams) error {
	if !l.loaded.Load() {
		return ErrLibraryNotLoaded
	}
	rc := l.ioctl(inst, cmd, p.Ptr())
	runtime.KeepAlive(p)
	return ShimError(rc)
}

// FindLibrary looks for the shim in EnvLibraryPath, then next to the
// executable and in ./lib/{os}_{arch}/.
func FindLibrary() (string, bool) {
	if path := os.Getenv(EnvLibraryPath); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}

	libName := getLibraryName()
	platformDir := fmt.Sprintf("%s_%s", runtime.GOOS, runtime.GOARCH)

	var searchPaths []string
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		searchPaths = append(searchPaths,
			filepath.Join(execDir, libName),
			filepath.Join(execDir, "lib", platformDir, libName),
		)
	}
	if wd, err := os.Getwd(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(wd, "lib", platformDir, libName))
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			return absPath, true
		}
	}
	return "", false
}

func getLibraryName() string {
	return getLibraryNameFor(runtime.GOOS)
}

func getLibraryNameFor(goos string) string {
	switch goos {
	case "darwin":
		return "libh264enc_shim.dylib"
	case "windows":
		return "h264enc_shim.dll"
	default:
		return "libh264enc_shim.so"
	}
}

// ShimError converts a shim error code to a Go error.
// Returns sentinel errors that support errors.Is() comparisons.
func ShimError(code int32) error {
	switch code {
	case ShimOK:
		return nil
	case ShimErrInvalidParam:
		return ErrInvalidParam
	case ShimErrInitFailed:
		return ErrInitFailed
	case ShimErrEncodeFailed:
		return ErrEncodeFailed
	case ShimErrOutOfMemory:
		return ErrOutOfMemory
	case ShimErrNotSupported:
		return ErrNotSupported
	case ShimErrBufferTooSmall:
		return ErrBufferTooSmall
	case ShimErrBusy:
		return ErrBusy
	case ShimErrIO:
		return ErrIO
	default:
		return fmt.Errorf("unknown shim error: %d", code)
	}
}
