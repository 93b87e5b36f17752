package hwcodec

import "sync"

// Device guards the single encoder block. Every encoder that shares the
// hardware must share one Device.
type Device struct {
	mu      sync.Mutex
	backend Backend
}

// NewDevice wraps b.
func NewDevice(b Backend) *Device {
	return &Device{backend: b}
}

// Lock acquires exclusive use of the hardware.
func (d *Device) Lock() {
	d.mu.Lock()
}

// Unlock releases the hardware.
func (d *Device) Unlock() {
	d.mu.Unlock()
}

// Backend returns the wrapped backend. Call it with the device locked.
func (d *Device) Backend() Backend {
	return d.backend
}
