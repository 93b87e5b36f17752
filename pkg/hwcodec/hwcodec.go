// Package hwcodec defines the interface to the H.264 hardware encoder block
// and the backends that implement it.
//
// The hardware is driven through an ioctl-style Backend: an instance is
// opened once, initialized with CmdEncodeInit and then fed one frame per
// CmdEncodeFrame call. Calls are synchronous and block for one frame.
// Only one encoder block exists per process; Device serializes access to it.
package hwcodec

import (
	"errors"
	"fmt"
)

// Errors returned by backends.
var (
	ErrNoInstance     = errors.New("hwcodec: unknown codec instance")
	ErrNotInitialized = errors.New("hwcodec: encoder not initialized")
	ErrInvalidParam   = errors.New("hwcodec: invalid encode parameter")
	ErrBitstreamFull  = errors.New("hwcodec: bitstream buffer too small")
	ErrUnknownCommand = errors.New("hwcodec: unknown ioctl command")
	ErrDeviceBusy     = errors.New("hwcodec: no free codec instance")
)

// Cmd is an ioctl command.
type Cmd uint32

const (
	CmdEncodeInit  Cmd = 0x4170
	CmdEncodeFrame Cmd = 0x4172
)

// String returns the command name.
func (c Cmd) String() string {
	switch c {
	case CmdEncodeInit:
		return "ENCODE_INIT"
	case CmdEncodeFrame:
		return "ENCODE_FRAME"
	default:
		return fmt.Sprintf("Cmd(%#x)", uint32(c))
	}
}

// Instance identifies an open codec instance.
type Instance int32

// SPSPPSMode selects when parameter sets are emitted.
type SPSPPSMode int32

const (
	SPSPPSFirstIDR SPSPPSMode = -1 // only before the first IDR
	SPSPPSOnIntra  SPSPPSMode = 0  // before every IDR
	SPSPPSAlways   SPSPPSMode = 1  // before every frame
)

// IntraMode selects the slice type policy.
type IntraMode int32

const (
	IntraFollowGOP IntraMode = -1
	IntraNever     IntraMode = 0
	IntraForce     IntraMode = 1
)

// EncodeParam is the parameter block shared with the hardware. Init fields
// are read by CmdEncodeInit; CmdEncodeFrame reads the planes, Quant and
// Bitstream and fills the output fields.
type EncodeParam struct {
	Width      int
	Height     int
	FrameRate  int
	IPInterval int
	MaxQuant   int
	MinQuant   int
	Quant      int
	Bitrate    int // bits per second
	SPSPPS     SPSPPSMode
	Intra      IntraMode

	ROIEnable bool
	ROIX      int
	ROIY      int
	ROIWidth  int
	ROIHeight int

	// Frame input
	Y, U, V []byte

	// Bitstream receives the encoded access unit; its length is the limit.
	Bitstream []byte

	// Outputs
	BitstreamSize int
	Keyframe      bool
}

// Validate checks the init fields.
func (p *EncodeParam) Validate() error {
	switch {
	case p.Width <= 0 || p.Height <= 0:
		return fmt.Errorf("%w: size %dx%d", ErrInvalidParam, p.Width, p.Height)
	case p.Width%2 != 0 || p.Height%2 != 0:
		return fmt.Errorf("%w: odd size %dx%d", ErrInvalidParam, p.Width, p.Height)
	case p.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate %d", ErrInvalidParam, p.FrameRate)
	case p.MinQuant < 0 || p.MaxQuant < p.MinQuant:
		return fmt.Errorf("%w: quant range [%d, %d]", ErrInvalidParam, p.MinQuant, p.MaxQuant)
	case p.Bitrate <= 0:
		return fmt.Errorf("%w: bitrate %d", ErrInvalidParam, p.Bitrate)
	}
	return nil
}

// checkFrame verifies the plane and bitstream slices for one frame.
func (p *EncodeParam) checkFrame() error {
	ySize := p.Width * p.Height
	if len(p.Y) < ySize || len(p.U) < ySize/4 || len(p.V) < ySize/4 {
		return fmt.Errorf("%w: planes %d/%d/%d for %dx%d", ErrInvalidParam, len(p.Y), len(p.U), len(p.V), p.Width, p.Height)
	}
	if len(p.Bitstream) == 0 {
		return fmt.Errorf("%w: no bitstream buffer", ErrInvalidParam)
	}
	return nil
}

// Backend is the ioctl-style hardware interface.
type Backend interface {
	Open() (Instance, error)
	Close(inst Instance) error
	Ioctl(inst Instance, cmd Cmd, p *EncodeParam) error
}
