// Package frame provides raw media frame types and pooling.
package frame

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"
)

// PixelFormat represents the pixel format of a video frame.
type PixelFormat int

const (
	// PixelFormatI420 is YUV 4:2:0 planar (Y, U, V planes). This is what the
	// encoder hardware consumes.
	PixelFormatI420 PixelFormat = iota

	// PixelFormatNV12 is YUV 4:2:0 semi-planar (Y plane, interleaved UV plane).
	PixelFormatNV12
)

// ErrUnsupportedFormat is returned for frames the hardware cannot read.
var ErrUnsupportedFormat = errors.New("frame: unsupported pixel format")

// String returns the string representation of the pixel format.
func (f PixelFormat) String() string {
	switch f {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	default:
		return "Unknown"
	}
}

// VideoFrame is one raw picture handed to the encoder.
type VideoFrame struct {
	Width  int
	Height int
	Format PixelFormat

	// Data holds the planes. For I420: [Y, U, V]. For NV12: [Y, UV].
	Data [][]byte

	// Stride is the line size in bytes for each plane.
	Stride []int

	// FrameRate is the source rate in frames per second.
	FrameRate int

	// Timestamp is the capture time relative to the start of the stream.
	Timestamp time.Duration

	pool *VideoFramePool
}

// Release returns the frame to its pool for reuse.
func (f *VideoFrame) Release() {
	if f.pool != nil {
		f.pool.Put(f)
	}
}

// Clone creates a deep copy of the frame, detached from any pool.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		FrameRate: f.FrameRate,
		Timestamp: f.Timestamp,
		Data:      make([][]byte, len(f.Data)),
		Stride:    append([]int(nil), f.Stride...),
	}
	for i, plane := range f.Data {
		clone.Data[i] = append([]byte(nil), plane...)
	}
	return clone
}

// Size returns the byte size of a tightly packed I420 picture.
func (f *VideoFrame) Size() int {
	return I420Size(f.Width, f.Height)
}

// I420Size returns the byte size of a packed I420 picture of w x h.
func I420Size(w, h int) int {
	return w*h + 2*((w/2)*(h/2))
}

// YPlane returns the Y plane.
func (f *VideoFrame) YPlane() []byte {
	if len(f.Data) > 0 {
		return f.Data[0]
	}
	return nil
}

// UPlane returns the U plane (I420 only).
func (f *VideoFrame) UPlane() []byte {
	if f.Format == PixelFormatI420 && len(f.Data) > 1 {
		return f.Data[1]
	}
	return nil
}

// VPlane returns the V plane (I420 only).
func (f *VideoFrame) VPlane() []byte {
	if f.Format == PixelFormatI420 && len(f.Data) > 2 {
		return f.Data[2]
	}
	return nil
}

// UVPlane returns the interleaved UV plane (NV12 only).
func (f *VideoFrame) UVPlane() []byte {
	if f.Format == PixelFormatNV12 && len(f.Data) > 1 {
		return f.Data[1]
	}
	return nil
}

// Planes returns tightly packed Y, U and V planes. When the frame is
// already packed I420 the planes alias f.Data; otherwise they are copied
// into buf, which is grown as needed and returned for reuse.
func (f *VideoFrame) Planes(buf []byte) (y, u, v, out []byte, err error) {
	w, h := f.Width, f.Height
	cw, ch := w/2, h/2
	if w <= 0 || h <= 0 {
		return nil, nil, nil, buf, fmt.Errorf("frame: invalid size %dx%d", w, h)
	}

	switch f.Format {
	case PixelFormatI420:
		if len(f.Data) < 3 || len(f.Stride) < 3 {
			return nil, nil, nil, buf, fmt.Errorf("frame: I420 needs 3 planes, have %d", len(f.Data))
		}
		if f.Stride[0] == w && f.Stride[1] == cw && f.Stride[2] == cw {
			return f.Data[0], f.Data[1], f.Data[2], buf, nil
		}
	case PixelFormatNV12:
		if len(f.Data) < 2 || len(f.Stride) < 2 {
			return nil, nil, nil, buf, fmt.Errorf("frame: NV12 needs 2 planes, have %d", len(f.Data))
		}
	default:
		return nil, nil, nil, buf, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f.Format)
	}

	size := I420Size(w, h)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	y, u, v = buf[:w*h], buf[w*h:w*h+cw*ch], buf[w*h+cw*ch:]

	copyPlane(y, f.Data[0], w, h, f.Stride[0])
	if f.Format == PixelFormatI420 {
		copyPlane(u, f.Data[1], cw, ch, f.Stride[1])
		copyPlane(v, f.Data[2], cw, ch, f.Stride[2])
		return y, u, v, buf, nil
	}

	uv, stride := f.Data[1], f.Stride[1]
	for row := 0; row < ch; row++ {
		line := uv[row*stride:]
		for col := 0; col < cw; col++ {
			u[row*cw+col] = line[2*col]
			v[row*cw+col] = line[2*col+1]
		}
	}
	return y, u, v, buf, nil
}

func copyPlane(dst, src []byte, w, h, stride int) {
	for row := 0; row < h; row++ {
		copy(dst[row*w:(row+1)*w], src[row*stride:row*stride+w])
	}
}

// NewI420Frame creates a new I420 frame with allocated buffers.
func NewI420Frame(width, height int) *VideoFrame {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)

	return &VideoFrame{
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
		Data: [][]byte{
			make([]byte, ySize),
			make([]byte, uvSize),
			make([]byte, uvSize),
		},
		Stride: []int{width, width / 2, width / 2},
	}
}

// NewNV12Frame creates a new NV12 frame with allocated buffers.
func NewNV12Frame(width, height int) *VideoFrame {
	ySize := width * height
	uvSize := width * (height / 2)

	return &VideoFrame{
		Width:  width,
		Height: height,
		Format: PixelFormatNV12,
		Data: [][]byte{
			make([]byte, ySize),
			make([]byte, uvSize),
		},
		Stride: []int{width, width},
	}
}

// FromYCbCr wraps a 4:2:0 image without copying.
func FromYCbCr(img *image.YCbCr) (*VideoFrame, error) {
	if img.SubsampleRatio != image.YCbCrSubsampleRatio420 {
		return nil, fmt.Errorf("%w: subsample ratio %v", ErrUnsupportedFormat, img.SubsampleRatio)
	}
	b := img.Rect
	return &VideoFrame{
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: PixelFormatI420,
		Data: [][]byte{
			img.Y[img.YOffset(b.Min.X, b.Min.Y):],
			img.Cb[img.COffset(b.Min.X, b.Min.Y):],
			img.Cr[img.COffset(b.Min.X, b.Min.Y):],
		},
		Stride: []int{img.YStride, img.CStride, img.CStride},
	}, nil
}

// VideoFramePool manages reusable video frames to reduce allocations.
type VideoFramePool struct {
	mu      sync.Mutex
	frames  []*VideoFrame
	maxSize int
	width   int
	height  int
	format  PixelFormat
}

// NewVideoFramePool creates a pool of frames with the given geometry.
func NewVideoFramePool(width, height int, format PixelFormat, poolSize int) *VideoFramePool {
	pool := &VideoFramePool{
		maxSize: poolSize,
		width:   width,
		height:  height,
		format:  format,
		frames:  make([]*VideoFrame, 0, poolSize),
	}

	for i := 0; i < poolSize; i++ {
		f := pool.allocFrame()
		f.pool = pool
		pool.frames = append(pool.frames, f)
	}

	return pool
}

// Get returns a frame from the pool or allocates a new one.
func (p *VideoFramePool) Get() *VideoFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) > 0 {
		f := p.frames[len(p.frames)-1]
		p.frames = p.frames[:len(p.frames)-1]
		f.Timestamp = 0
		f.FrameRate = 0
		return f
	}

	f := p.allocFrame()
	f.pool = p
	return f
}

// Put returns a frame to the pool. Frames from other pools are ignored.
func (p *VideoFramePool) Put(f *VideoFrame) {
	if f == nil || f.pool != p {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) < p.maxSize {
		p.frames = append(p.frames, f)
	}
}

func (p *VideoFramePool) allocFrame() *VideoFrame {
	if p.format == PixelFormatNV12 {
		return NewNV12Frame(p.width, p.height)
	}
	return NewI420Frame(p.width, p.height)
}
