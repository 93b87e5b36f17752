// Package depacketizer reassembles RTP streams produced by the packetizer
// into encoded frames. It is the receiving half used by the probe command
// and by round-trip tests.
package depacketizer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/thesyncim/h264live/pkg/codec"
)

// Errors
var (
	ErrDepacketizerClosed = errors.New("depacketizer is closed")
	ErrNeedMoreData       = errors.New("need more data")
	ErrBufferTooSmall     = errors.New("buffer too small")
	ErrInvalidPacket      = errors.New("invalid RTP packet")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
)

// maxPending bounds the completed frames waiting for PopInto; the oldest
// is dropped beyond it.
const maxPending = 64

// FrameInfo contains metadata about a reassembled frame.
type FrameInfo struct {
	Size       int
	Timestamp  uint32
	IsKeyframe bool
	NAL        codec.NALType // zero for audio
}

// Stats counts reassembly outcomes.
type Stats struct {
	Packets uint64
	Frames  uint64
	// Lost counts frames dropped for missing packets, and H.264 delta
	// frames dropped while waiting for a key frame after a loss.
	Lost uint64
}

// Depacketizer reassembles RTP packets into complete frames.
type Depacketizer interface {
	// Push adds a marshalled RTP packet.
	Push(packet []byte) error

	// PopInto copies the oldest complete frame into dst.
	// Returns ErrNeedMoreData if no complete frame is available.
	PopInto(dst []byte) (FrameInfo, error)

	Stats() Stats
	Close() error
}

type pending struct {
	data []byte
	info FrameInfo
}

type depacketizer struct {
	codec  codec.Type
	closed atomic.Bool

	mu      sync.Mutex
	h264    codecs.H264Packet
	cur     []byte
	curTS   uint32
	started bool
	broken  bool
	lastSeq uint16
	haveSeq bool
	waitKey bool
	ready   []pending
	stats   Stats
}

// New creates a depacketizer for H.264 or G.711 streams.
func New(codecType codec.Type) (Depacketizer, error) {
	switch codecType {
	case codec.H264, codec.PCMU, codec.PCMA:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, codecType)
	}
	return &depacketizer{codec: codecType}, nil
}

func (d *depacketizer) Push(packet []byte) error {
	if d.closed.Load() {
		return ErrDepacketizerClosed
	}
	if len(packet) == 0 {
		return nil
	}

	var p rtp.Packet
	if err := p.Unmarshal(packet); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Packets++
	if d.haveSeq && p.SequenceNumber != d.lastSeq+1 {
		d.loss()
	}
	d.lastSeq, d.haveSeq = p.SequenceNumber, true

	if d.codec != codec.H264 {
		d.enqueue(append([]byte(nil), p.Payload...), FrameInfo{Timestamp: p.Timestamp})
		return nil
	}

	if d.started && p.Timestamp != d.curTS {
		// The previous frame never saw its marker bit.
		d.loss()
	}
	d.curTS, d.started = p.Timestamp, true

	nal, err := d.h264.Unmarshal(p.Payload)
	if err != nil {
		d.broken = true
	} else {
		d.cur = append(d.cur, nal...)
	}

	if p.Marker {
		d.finish()
	}
	return nil
}

// loss drops the frame in progress and holds delta frames until the next
// key frame. d.mu must be held.
func (d *depacketizer) loss() {
	if d.started || d.broken {
		d.stats.Lost++
	}
	d.reset()
	d.h264 = codecs.H264Packet{}
	if d.codec == codec.H264 {
		d.waitKey = true
	}
}

func (d *depacketizer) reset() {
	d.cur = d.cur[:0]
	d.started = false
	d.broken = false
}

// finish completes the frame in progress. d.mu must be held.
func (d *depacketizer) finish() {
	defer d.reset()
	if d.broken || len(d.cur) == 0 {
		d.stats.Lost++
		d.waitKey = true
		return
	}

	parsed, err := codec.ParseH264Frame(d.cur)
	if err != nil {
		d.stats.Lost++
		d.waitKey = true
		return
	}
	key := parsed.NALType.IsKeyFrame()
	if d.waitKey && !key {
		d.stats.Lost++
		return
	}
	d.waitKey = false
	d.enqueue(append([]byte(nil), d.cur...), FrameInfo{
		Timestamp:  d.curTS,
		IsKeyframe: key,
		NAL:        parsed.NALType,
	})
}

func (d *depacketizer) enqueue(data []byte, info FrameInfo) {
	info.Size = len(data)
	if len(d.ready) == maxPending {
		d.ready = d.ready[1:]
		d.stats.Lost++
	}
	d.ready = append(d.ready, pending{data: data, info: info})
	d.stats.Frames++
}

func (d *depacketizer) PopInto(dst []byte) (FrameInfo, error) {
	if d.closed.Load() {
		return FrameInfo{}, ErrDepacketizerClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.ready) == 0 {
		return FrameInfo{}, ErrNeedMoreData
	}
	f := d.ready[0]
	if len(dst) < len(f.data) {
		return FrameInfo{}, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, len(f.data), len(dst))
	}
	copy(dst, f.data)
	d.ready[0] = pending{}
	d.ready = d.ready[1:]
	return f.info, nil
}

func (d *depacketizer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *depacketizer) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = nil
	d.cur = nil
	return nil
}
