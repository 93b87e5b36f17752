// Package encoder drives the H.264 hardware encoder block.
//
// An H264Encoder owns one codec instance on a shared hwcodec.Device and a
// rate controller that picks the quantizer for every frame. Output that does
// not fit the caller's buffer is staged inside the encoder and handed out by
// later Drain calls.
package encoder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/frame"
	"github.com/thesyncim/h264live/pkg/hwcodec"
	"github.com/thesyncim/h264live/pkg/ratecontrol"
)

// Common errors
var (
	ErrEncoderClosed = errors.New("encoder is closed")
	ErrInvalidConfig = errors.New("invalid encoder configuration")
	ErrInvalidFrame  = errors.New("invalid frame")
	ErrCodecOpen     = errors.New("hardware codec unavailable")
	ErrIO            = errors.New("hardware codec init failed")
	ErrEncodeFailed  = errors.New("encode failed")
)

// defaultFrameRate is used when neither the frame nor the destination
// carries a rate.
const defaultFrameRate = 30

// Destination describes the consumer the encoder feeds.
type Destination struct {
	// FrameRate is the rate the consumer expects; it becomes the GOP when
	// the configuration leaves GOP at zero.
	FrameRate int
}

// Result describes one Encode or Drain call.
type Result struct {
	// N is the number of bytes written to dst.
	N int
	// Remaining is the size of a staged access unit that did not fit dst.
	Remaining int

	Timestamp  time.Duration
	IsKeyframe bool
	NAL        codec.NALType
	Quant      int
}

// Stats contains encoder runtime statistics.
type Stats struct {
	FramesEncoded uint64
	BytesEncoded  uint64
	Keyframes     uint64
	Failures      uint64
	Staged        uint64 // access units that had to be staged
	StagedDropped uint64 // staged units overwritten before a Drain
	LastQuant     int
	RateControl   ratecontrol.Stats
}

// Option configures an H264Encoder.
type Option func(*H264Encoder)

// WithLogger sets the logger for hardware failures.
func WithLogger(l *zap.Logger) Option {
	return func(e *H264Encoder) {
		e.log = l
	}
}

// H264Encoder encodes I420 frames with the hardware block.
type H264Encoder struct {
	dev  *hwcodec.Device
	inst hwcodec.Instance
	cfg  codec.H264Config
	dest Destination
	log  *zap.Logger

	mu          sync.Mutex
	closed      bool
	initialized bool
	width       int
	height      int
	param       hwcodec.EncodeParam
	rc          *ratecontrol.Controller
	nextQuant   int
	planes      []byte

	staging    []byte
	pending    int
	pendingTS  time.Duration
	pendingKey bool
	pendingNAL codec.NALType

	stats Stats
}

// Open validates cfg, filling defaults, and opens a codec instance on dev.
// A nil cfg uses codec.DefaultH264Config. Hardware parameters are set up
// lazily from the first frame.
func Open(dev *hwcodec.Device, dest Destination, cfg *codec.H264Config, opts ...Option) (*H264Encoder, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidConfig)
	}
	c := codec.DefaultH264Config()
	if cfg != nil {
		c = *cfg
	}
	c, err := codec.NormalizeH264Config(c, dest.FrameRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	e := &H264Encoder{
		dev:  dev,
		cfg:  c,
		dest: dest,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("encoder")

	dev.Lock()
	inst, err := dev.Backend().Open()
	dev.Unlock()
	if err != nil {
		e.log.Error("open codec", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrCodecOpen, err)
	}
	e.inst = inst
	return e, nil
}

// Attr reports the attributes the hardware supports by adjusting cfg.
// Only the Baseline profile exists.
func Attr(cfg *codec.H264Config) {
	if cfg != nil {
		cfg.Profile = codec.H264ProfileBaseline
	}
}

// Config returns the normalized configuration.
func (e *H264Encoder) Config() codec.H264Config {
	return e.cfg
}

// Codec returns codec.H264.
func (e *H264Encoder) Codec() codec.Type {
	return codec.H264
}

// StagingSize returns the size of the internal staging buffer, or zero
// before the first frame.
func (e *H264Encoder) StagingSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.staging)
}

// Encode encodes src into dst. A nil src drains previously staged output.
//
// When dst is larger than the staging buffer the hardware writes into it
// directly. Otherwise the access unit is produced in the staging buffer and
// copied out if it fits; if not, it stays staged and Result.Remaining holds
// its size. A later Encode discards anything still staged.
func (e *H264Encoder) Encode(src *frame.VideoFrame, dst []byte) (Result, error) {
	if e == nil {
		return Result{}, ErrEncoderClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Result{}, ErrEncoderClosed
	}
	if src == nil {
		return e.drain(dst), nil
	}

	e.dev.Lock()
	defer e.dev.Unlock()

	if !e.initialized {
		if err := e.init(src); err != nil {
			return Result{}, err
		}
	} else if src.Width != e.width || src.Height != e.height {
		return Result{}, fmt.Errorf("%w: %dx%d, stream is %dx%d", ErrInvalidFrame, src.Width, src.Height, e.width, e.height)
	}

	y, u, v, buf, err := src.Planes(e.planes)
	e.planes = buf
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	quant := e.quant()
	direct := len(dst) > len(e.staging)
	out := e.staging
	if direct {
		out = dst
	}
	if e.pending > 0 {
		e.stats.StagedDropped++
		e.log.Debug("dropping staged access unit", zap.Int("size", e.pending))
		e.pending = 0
	}

	p := &e.param
	p.Y, p.U, p.V = y, u, v
	p.Quant = quant
	p.Intra = hwcodec.IntraFollowGOP
	p.Bitstream = out
	p.BitstreamSize = 0
	p.Keyframe = false

	err = e.dev.Backend().Ioctl(e.inst, hwcodec.CmdEncodeFrame, p)
	p.Y, p.U, p.V, p.Bitstream = nil, nil, nil, nil
	if err != nil {
		e.stats.Failures++
		e.log.Error("encode frame", zap.Error(err), zap.Int("quant", quant), zap.Duration("timestamp", src.Timestamp))
		return Result{}, fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}

	size, key := p.BitstreamSize, p.Keyframe
	if e.cfg.FixQuality == 0 {
		e.rc.Update(quant, size, key)
		e.nextQuant = e.rc.Quant()
	}

	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(size)
	e.stats.LastQuant = quant
	if key {
		e.stats.Keyframes++
	}

	res := Result{
		Timestamp:  src.Timestamp,
		IsKeyframe: key,
		NAL:        nalMask(out[:size]),
		Quant:      quant,
	}
	switch {
	case direct:
		res.N = size
	case size <= len(dst):
		res.N = copy(dst, out[:size])
	default:
		e.pending = size
		e.pendingTS = src.Timestamp
		e.pendingKey = key
		e.pendingNAL = res.NAL
		e.stats.Staged++
		res.Remaining = size
	}
	return res, nil
}

// Drain copies staged output into dst. It does not touch the hardware.
func (e *H264Encoder) Drain(dst []byte) (Result, error) {
	return e.Encode(nil, dst)
}

func (e *H264Encoder) drain(dst []byte) Result {
	if e.pending == 0 {
		return Result{}
	}
	res := Result{
		Timestamp:  e.pendingTS,
		IsKeyframe: e.pendingKey,
		NAL:        e.pendingNAL,
	}
	if e.pending > len(dst) {
		res.Remaining = e.pending
		return res
	}
	res.N = copy(dst, e.staging[:e.pending])
	e.pending = 0
	return res
}

// init sets up the hardware and rate controller from the first frame.
// Called with the device locked.
func (e *H264Encoder) init(src *frame.VideoFrame) error {
	fps := src.FrameRate
	if fps <= 0 {
		fps = e.dest.FrameRate
	}
	if fps <= 0 {
		fps = defaultFrameRate
	}

	e.param = hwcodec.EncodeParam{
		Width:      src.Width,
		Height:     src.Height,
		FrameRate:  fps,
		IPInterval: int(e.cfg.GOP),
		MaxQuant:   ratecontrol.MaxQuant,
		MinQuant:   ratecontrol.MinQuant,
		Quant:      (ratecontrol.MaxQuant + ratecontrol.MinQuant) / 2,
		Bitrate:    int(e.cfg.BitrateBps()),
		SPSPPS:     hwcodec.SPSPPSOnIntra,
		Intra:      hwcodec.IntraFollowGOP,
	}
	if err := e.dev.Backend().Ioctl(e.inst, hwcodec.CmdEncodeInit, &e.param); err != nil {
		e.log.Error("init codec", zap.Error(err), zap.Int("width", src.Width), zap.Int("height", src.Height))
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	e.rc = ratecontrol.New(ratecontrol.DefaultConfig(e.cfg.BitrateBps(), float64(fps), e.cfg.GOP))
	e.nextQuant = e.rc.Quant()
	e.staging = make([]byte, src.Width*src.Height/3)
	e.width, e.height = src.Width, src.Height
	e.initialized = true

	e.log.Info("codec initialized",
		zap.Int("width", src.Width),
		zap.Int("height", src.Height),
		zap.Int("fps", fps),
		zap.Uint32("gop", e.cfg.GOP),
		zap.Uint32("kbps", e.cfg.Bitrate),
		zap.Stringer("mode", e.cfg.RateControl()),
	)
	return nil
}

// quant returns the quantizer for the next frame.
func (e *H264Encoder) quant() int {
	if e.cfg.FixQuality != 0 {
		return int(e.cfg.FixQuality)
	}
	return min(max(e.nextQuant, int(e.cfg.MinQuality)), int(e.cfg.MaxQuality))
}

func nalMask(au []byte) codec.NALType {
	info, err := codec.ParseH264Frame(au)
	if err != nil {
		return codec.NALUnknown
	}
	return info.NALType
}

// Stats returns a snapshot of the encoder counters.
func (e *H264Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	if e.rc != nil {
		s.RateControl = e.rc.Stats()
	}
	return s
}

// Close releases the codec instance. Closing twice returns ErrEncoderClosed.
func (e *H264Encoder) Close() error {
	if e == nil {
		return ErrEncoderClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	e.closed = true
	e.staging, e.planes, e.pending = nil, nil, 0

	e.dev.Lock()
	err := e.dev.Backend().Close(e.inst)
	e.dev.Unlock()
	if err != nil {
		return fmt.Errorf("close codec: %w", err)
	}
	return nil
}
