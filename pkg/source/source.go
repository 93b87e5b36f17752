// Package source produces raw frames for the encoder pipeline: synthetic
// test patterns and adapters for pion/mediadevices readers.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/thesyncim/h264live/pkg/frame"
)

// ErrInvalidConfig is returned for unusable source parameters.
var ErrInvalidConfig = errors.New("source: invalid config")

// Video produces raw pictures. Frames returned by ReadFrame belong to the
// caller, who releases them when done. io.EOF ends the stream.
type Video interface {
	ReadFrame(ctx context.Context) (*frame.VideoFrame, error)
	Close() error
}

// Audio produces PCM blocks. io.EOF ends the stream.
type Audio interface {
	ReadAudio(ctx context.Context) (*frame.AudioFrame, error)
	Close() error
}

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	Width     int
	Height    int
	FrameRate int
	// Frames stops the stream after this many frames; 0 is unlimited.
	Frames int
	// Realtime paces ReadFrame at FrameRate.
	Realtime bool
}

// Synthetic generates a moving gradient. It is what the CLI encodes when
// no capture device is configured.
type Synthetic struct {
	cfg    SyntheticConfig
	pool   *frame.VideoFramePool
	n      int
	ticker *time.Ticker
}

// NewSynthetic returns a test pattern source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrInvalidConfig, cfg.Width, cfg.Height)
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate %d", ErrInvalidConfig, cfg.FrameRate)
	}
	s := &Synthetic{
		cfg:  cfg,
		pool: frame.NewVideoFramePool(cfg.Width, cfg.Height, frame.PixelFormatI420, 4),
	}
	if cfg.Realtime {
		s.ticker = time.NewTicker(time.Second / time.Duration(cfg.FrameRate))
	}
	return s, nil
}

// ReadFrame returns the next pattern frame.
func (s *Synthetic) ReadFrame(ctx context.Context) (*frame.VideoFrame, error) {
	if s.cfg.Frames > 0 && s.n >= s.cfg.Frames {
		return nil, io.EOF
	}
	if s.ticker != nil && s.n > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := s.pool.Get()
	fill(f, s.n)
	f.FrameRate = s.cfg.FrameRate
	f.Timestamp = time.Duration(s.n) * time.Second / time.Duration(s.cfg.FrameRate)
	s.n++
	return f, nil
}

// fill draws a diagonal gradient shifted by n pixels.
func fill(f *frame.VideoFrame, n int) {
	y, u, v := f.YPlane(), f.UPlane(), f.VPlane()
	for row := 0; row < f.Height; row++ {
		line := y[row*f.Stride[0]:]
		for col := 0; col < f.Width; col++ {
			line[col] = byte(row + col + 2*n)
		}
	}
	for row := 0; row < f.Height/2; row++ {
		for col := 0; col < f.Width/2; col++ {
			u[row*f.Stride[1]+col] = byte(128 + col - n)
			v[row*f.Stride[2]+col] = byte(128 + row + n)
		}
	}
}

// Close stops the pacing ticker.
func (s *Synthetic) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

// ToneConfig configures a Tone source.
type ToneConfig struct {
	SampleRate int           // default 8000
	Frequency  float64       // Hz, default 440
	Amplitude  float64       // 0..1, default 0.5
	Block      time.Duration // default 20ms
	Blocks     int           // 0 is unlimited
}

// Tone generates a mono sine wave.
type Tone struct {
	cfg   ToneConfig
	phase float64
	n     int
}

// NewTone returns a sine source.
func NewTone(cfg ToneConfig) *Tone {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 440
	}
	if cfg.Amplitude <= 0 || cfg.Amplitude > 1 {
		cfg.Amplitude = 0.5
	}
	if cfg.Block <= 0 {
		cfg.Block = 20 * time.Millisecond
	}
	return &Tone{cfg: cfg}
}

// ReadAudio returns the next block.
func (t *Tone) ReadAudio(ctx context.Context) (*frame.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.cfg.Blocks > 0 && t.n >= t.cfg.Blocks {
		return nil, io.EOF
	}

	samples := int(time.Duration(t.cfg.SampleRate) * t.cfg.Block / time.Second)
	f := frame.NewAudioFrame(t.cfg.SampleRate, 1, samples)
	step := 2 * math.Pi * t.cfg.Frequency / float64(t.cfg.SampleRate)
	for i := 0; i < samples; i++ {
		f.SetSample(i, int16(t.cfg.Amplitude*math.MaxInt16*math.Sin(t.phase)))
		t.phase = math.Mod(t.phase+step, 2*math.Pi)
	}
	f.Timestamp = time.Duration(t.n) * t.cfg.Block
	t.n++
	return f, nil
}

// Close is a no-op.
func (t *Tone) Close() error {
	return nil
}
