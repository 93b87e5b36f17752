package hwcodec

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/thesyncim/h264live/internal/ffi"
)

// shimAPIVersion is the parameter block version the shim expects.
const shimAPIVersion = 0x00010000

// Shim is a Backend that drives the hardware through the vendor shim
// library loaded with purego.
type Shim struct {
	lib *ffi.Library

	mu     sync.Mutex
	params map[Instance]*ffi.EncodeParams
}

// LoadLibrary loads the shim at path. An empty path searches the
// H264ENC_SHIM_PATH environment variable and the default locations.
func LoadLibrary(path string) (*Shim, error) {
	lib, err := ffi.Load(path)
	if err != nil {
		return nil, fmt.Errorf("hwcodec: %w", err)
	}
	return &Shim{
		lib:    lib,
		params: make(map[Instance]*ffi.EncodeParams),
	}, nil
}

// Path returns the loaded library path.
func (s *Shim) Path() string {
	return s.lib.Path()
}

// Unload closes the library.
func (s *Shim) Unload() error {
	return s.lib.Unload()
}

// Open implements Backend.
func (s *Shim) Open() (Instance, error) {
	inst, err := s.lib.Open()
	if err != nil {
		return -1, err
	}
	s.mu.Lock()
	s.params[Instance(inst)] = &ffi.EncodeParams{}
	s.mu.Unlock()
	return Instance(inst), nil
}

// Close implements Backend.
func (s *Shim) Close(inst Instance) error {
	s.mu.Lock()
	delete(s.params, inst)
	s.mu.Unlock()
	return s.lib.CloseInstance(int32(inst))
}

// Ioctl implements Backend. The C parameter block lives as long as the
// instance, as the hardware expects.
func (s *Shim) Ioctl(inst Instance, cmd Cmd, p *EncodeParam) error {
	s.mu.Lock()
	cp, ok := s.params[inst]
	s.mu.Unlock()
	if !ok {
		return ErrNoInstance
	}

	switch cmd {
	case CmdEncodeInit:
		if err := p.Validate(); err != nil {
			return err
		}
		fillInit(cp, p)
		return s.lib.Ioctl(int32(inst), ffi.IoctlEncodeInit, cp)
	case CmdEncodeFrame:
		if err := p.checkFrame(); err != nil {
			return err
		}
		cp.Quant = uint32(p.Quant)
		cp.Intra = int32(p.Intra)
		cp.YFrameBaseAddr = ffi.ByteSlicePtr(p.Y)
		cp.UFrameBaseAddr = ffi.ByteSlicePtr(p.U)
		cp.VFrameBaseAddr = ffi.ByteSlicePtr(p.V)
		cp.Bitstream = ffi.ByteSlicePtr(p.Bitstream)
		cp.BitstreamCap = uint32(len(p.Bitstream))
		cp.BitstreamSize = 0

		err := s.lib.Ioctl(int32(inst), ffi.IoctlEncodeFrame, cp)
		runtime.KeepAlive(p.Y)
		runtime.KeepAlive(p.U)
		runtime.KeepAlive(p.V)
		runtime.KeepAlive(p.Bitstream)
		cp.YFrameBaseAddr, cp.UFrameBaseAddr, cp.VFrameBaseAddr, cp.Bitstream = 0, 0, 0, 0
		if err != nil {
			return err
		}
		p.BitstreamSize = int(cp.BitstreamSize)
		p.Keyframe = cp.Keyframe != 0
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrUnknownCommand, cmd)
	}
}

func fillInit(cp *ffi.EncodeParams, p *EncodeParam) {
	*cp = ffi.EncodeParams{
		APIVersion:  shimAPIVersion,
		FrameWidth:  uint32(p.Width),
		FrameHeight: uint32(p.Height),
		FrameRate:   float32(p.FrameRate),
		IPInterval:  uint32(p.IPInterval),
		MaxQuant:    uint32(p.MaxQuant),
		MinQuant:    uint32(p.MinQuant),
		Quant:       uint32(p.Quant),
		BitRate:     uint32(p.Bitrate),
		SPSPPS:      int32(p.SPSPPS),
		Intra:       int32(p.Intra),
		ROIX:        uint32(p.ROIX),
		ROIY:        uint32(p.ROIY),
		ROIWidth:    uint32(p.ROIWidth),
		ROIHeight:   uint32(p.ROIHeight),
	}
	if p.ROIEnable {
		cp.ROIEnable = 1
	}
}

var _ Backend = (*Shim)(nil)
