package source

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/pion/mediadevices/pkg/io/video"

	"github.com/thesyncim/h264live/pkg/frame"
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	FrameRate int
	// Width and Height scale every picture to this size; zero keeps the
	// size of the first picture.
	Width  int
	Height int
	// Nearest selects nearest neighbor scaling instead of the box filter.
	Nearest bool
}

// Reader adapts a pion/mediadevices video.Reader, such as a camera track,
// to the Video interface.
type Reader struct {
	r    video.Reader
	cfg  ReaderConfig
	pool *frame.VideoFramePool
	n    int
}

// FromVideoReader wraps r. Pictures are converted to I420 with
// video.ToI420 and copied into pooled frames; the release func r returns
// is called before ReadFrame returns.
func FromVideoReader(r video.Reader, cfg ReaderConfig) (*Reader, error) {
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate %d", ErrInvalidConfig, cfg.FrameRate)
	}
	if cfg.Width%2 != 0 || cfg.Height%2 != 0 || (cfg.Width == 0) != (cfg.Height == 0) {
		return nil, fmt.Errorf("%w: size %dx%d", ErrInvalidConfig, cfg.Width, cfg.Height)
	}
	return &Reader{r: r, cfg: cfg}, nil
}

// ReadFrame reads and converts the next picture. The underlying reader is
// not interruptible; ctx is checked before each read.
func (r *Reader) ReadFrame(ctx context.Context) (*frame.VideoFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, release, err := r.r.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		return nil, err
	}

	img, convRelease, err := video.ToI420(video.ReaderFunc(func() (image.Image, func(), error) {
		return raw, func() {}, nil
	})).Read()
	if convRelease != nil {
		defer convRelease()
	}
	if err != nil {
		return nil, err
	}

	yuv, ok := img.(*image.YCbCr)
	if !ok {
		return nil, fmt.Errorf("%w: %T", frame.ErrUnsupportedFormat, img)
	}
	src, err := frame.FromYCbCr(yuv)
	if err != nil {
		return nil, err
	}

	if r.pool == nil {
		w, h := r.cfg.Width, r.cfg.Height
		if w == 0 {
			w, h = src.Width&^1, src.Height&^1
		}
		r.pool = frame.NewVideoFramePool(w, h, frame.PixelFormatI420, 4)
	}

	dst := r.pool.Get()
	if r.cfg.Nearest {
		ScaleI420Nearest(src, dst)
	} else {
		ScaleI420(src, dst)
	}
	dst.FrameRate = r.cfg.FrameRate
	dst.Timestamp = time.Duration(r.n) * time.Second / time.Duration(r.cfg.FrameRate)
	r.n++
	return dst, nil
}

// Close is a no-op; the owner of the wrapped reader closes it.
func (r *Reader) Close() error {
	return nil
}
