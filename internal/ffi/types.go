package ffi

import (
	"unsafe"
)

// EncodeParams matches ShimEncodeParam in h264enc_shim.h.
type EncodeParams struct {
	APIVersion  uint32
	FrameWidth  uint32
	FrameHeight uint32
	FrameRate   float32
	IPInterval  uint32
	MaxQuant    uint32
	MinQuant    uint32
	Quant       uint32
	BitRate     uint32
	SPSPPS      int32 // 1 every frame, 0 on I slices, -1 first IDR only
	Intra       int32 // 1 force I, 0 forbid I, -1 follow IPInterval
	ROIEnable   int32
	ROIX        uint32
	ROIY        uint32
	ROIWidth    uint32
	ROIHeight   uint32

	YFrameBaseAddr uintptr
	UFrameBaseAddr uintptr
	VFrameBaseAddr uintptr
	Bitstream      uintptr
	BitstreamCap   uint32

	// Outputs
	BitstreamSize uint32
	Keyframe      int32
	_             int32 // padding
}

// Ptr returns a pointer to the params as uintptr for FFI calls.
func (p *EncodeParams) Ptr() uintptr {
	return uintptr(unsafe.Pointer(p))
}

// ByteSlicePtr returns a uintptr to the first element of a byte slice.
// Returns 0 if the slice is empty.
func ByteSlicePtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Int32Ptr returns a uintptr to an int32 variable.
func Int32Ptr(p *int32) uintptr {
	return uintptr(unsafe.Pointer(p))
}
