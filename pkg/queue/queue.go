// Package queue provides the bounded frame queue between the encoder and
// its consumers.
//
// A Queue is a power-of-two ring of owned, individually resizable byte
// buffers behind one mutex. When it is full it applies a key-frame aware
// backpressure policy: audio is refused, video delta frames are dropped until
// the next key frame, and a key frame replaces the newest queued frame.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/thesyncim/h264live/pkg/codec"
)

// DefaultCapacity is the slot count used when WithCapacity is not given.
const DefaultCapacity = 4

// Slots larger than this shrink when a frame uses less than half of them.
const shrinkThreshold = 2048

// How often ImportContext re-checks the active callback while idle.
const pollInterval = 10 * time.Millisecond

// Status errors. A nil error is success, including a silently discarded
// video frame.
var (
	ErrNoMem    = errors.New("queue: buffer allocation failed")
	ErrFull     = errors.New("queue: full")
	ErrEmpty    = errors.New("queue: empty")
	ErrSize     = errors.New("queue: destination buffer too small")
	ErrClosed   = errors.New("queue: closed")
	ErrInactive = errors.New("queue: caller no longer active")
	ErrCapacity = errors.New("queue: capacity must be a power of two")
)

// Kind tells the overflow policy how a frame may be treated.
type Kind int

const (
	Video Kind = iota
	Audio
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return "unknown"
	}
}

// Info describes one queued frame.
type Info struct {
	Data      []byte
	Timestamp uint64
	Tag       any    // forwarded unchanged from Push
	Seq       uint64 // number of writes into the slot
}

// Stats contains queue counters.
type Stats struct {
	Pushed           uint64 // frames stored, including overwrites
	Discarded        uint64 // video frames dropped by the skip policy
	Overwritten      uint64 // key frames stored over the newest frame
	AudioOverwritten uint64 // overwrites that replaced a queued audio block
	Rejected         uint64 // audio frames refused with ErrFull
	DiscardedPending uint32 // drops since the skip policy engaged
	Skipping         bool
	Allocations      uint64
	Len              int
	Cap              int
}

// Allocator returns a buffer of exactly n bytes.
type Allocator func(n int) ([]byte, error)

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the number of slots. It must be a power of two.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		q.capacity = n
	}
}

// WithActiveFunc sets the callback ImportContext polls to learn whether
// its caller still wants data.
func WithActiveFunc(fn func() bool) Option {
	return func(q *Queue) {
		q.active = fn
	}
}

// WithAllocator replaces the slot buffer allocator.
func WithAllocator(fn Allocator) Option {
	return func(q *Queue) {
		q.alloc = fn
	}
}

// WithLogger sets the logger used for drop reports.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		q.log = l
	}
}

type slot struct {
	buf    []byte
	length int
	ts     uint64
	seq    uint64
	tag    any
	kind   Kind
}

// Queue is a bounded ring of frames. It is safe for concurrent use.
type Queue struct {
	capacity int
	mask     uint64
	active   func() bool
	alloc    Allocator
	log      *zap.Logger

	mu         sync.Mutex
	slots      []slot
	write      uint64 // free running; slot index is write & mask
	read       uint64
	skipNonKey bool
	discarded  uint32

	pushed      uint64
	dropped     uint64
	overwritten uint64
	audioLost   uint64
	rejected    uint64
	allocations uint64

	notify chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// New creates a queue.
func New(opts ...Option) (*Queue, error) {
	q := &Queue{
		capacity: DefaultCapacity,
		alloc:    func(n int) ([]byte, error) { return make([]byte, n), nil },
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.capacity <= 0 || q.capacity&(q.capacity-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, q.capacity)
	}
	q.mask = uint64(q.capacity - 1)
	q.slots = make([]slot, q.capacity)
	q.log = q.log.Named("queue")
	q.notify = make(chan struct{}, 1)
	q.done = make(chan struct{})
	return q, nil
}

// Close releases all slot buffers. Further operations return ErrClosed.
func (q *Queue) Close() error {
	if q == nil {
		return nil
	}
	if q.closed.Swap(true) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.slots {
		q.slots[i] = slot{}
	}
	close(q.done)
	return nil
}

func (q *Queue) full() bool {
	return q.write-q.read == uint64(q.capacity)
}

func (q *Queue) empty() bool {
	return q.write == q.read
}

// Push stores a copy of data. kind and nal drive the overflow policy.
//
// A full queue refuses audio with ErrFull and leaves it untouched. A video
// delta frame that meets a full queue is dropped and every following delta
// frame is dropped as well until a key frame arrives; those drops return nil.
// A key frame that meets a full queue replaces the newest queued frame,
// whatever its kind; when audio and video share a queue that frame may be an
// audio block. Such losses are counted in Stats.AudioOverwritten.
func (q *Queue) Push(data []byte, ts uint64, kind Kind, nal codec.NALType, tag any) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrClosed
	}

	full := q.full()
	if full && kind != Video {
		q.rejected++
		return ErrFull
	}

	key := nal.IsKeyFrame()
	idx := q.write
	switch {
	case kind == Video && full && !key:
		q.skipNonKey = true
		q.discarded++
		q.dropped++
		return nil
	case kind == Video && q.skipNonKey && !key:
		q.discarded++
		q.dropped++
		return nil
	case kind == Video && full && key:
		idx = q.write - 1
	}

	s := &q.slots[idx&q.mask]
	if err := q.reserve(s, len(data)); err != nil {
		return err
	}

	if q.skipNonKey && kind == Video {
		q.log.Info("discarded frames", zap.Uint32("count", q.discarded))
		q.discarded = 0
		q.skipNonKey = false
	}

	if idx != q.write && s.kind == Audio {
		q.audioLost++
		q.log.Warn("key frame replaced queued audio", zap.Uint64("timestamp", s.ts))
	}

	s.length = copy(s.buf, data)
	s.ts = ts
	s.tag = tag
	s.kind = kind
	s.seq++

	q.pushed++
	if idx == q.write {
		q.write++
	} else {
		q.overwritten++
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// reserve makes s.buf exactly fit n bytes when it must grow, or when it is
// large and n would use less than half of it.
func (q *Queue) reserve(s *slot, n int) error {
	size := len(s.buf)
	switch {
	case size < n:
		buf, err := q.alloc(n)
		if err != nil || len(buf) < n {
			q.log.Warn("grow slot buffer failed", zap.Int("size", n), zap.Error(err))
			return ErrNoMem
		}
		q.allocations++
		s.buf = buf
	case size > shrinkThreshold && n < size/2:
		buf, err := q.alloc(n)
		if err != nil || len(buf) < n {
			// The old buffer is left in place.
			q.log.Warn("shrink slot buffer failed", zap.Int("size", n), zap.Error(err))
			return ErrNoMem
		}
		q.allocations++
		s.buf = buf
	}
	return nil
}

func (q *Queue) infoAt(s *slot, data []byte) Info {
	return Info{
		Data:      data,
		Timestamp: s.ts,
		Tag:       s.tag,
		Seq:       s.seq,
	}
}

// touch copies the oldest frame into dst. q.mu must be held.
func (q *Queue) touch(dst []byte) (Info, error) {
	if q.closed.Load() {
		return Info{}, ErrClosed
	}
	if q.empty() {
		return Info{}, ErrEmpty
	}
	s := &q.slots[q.read&q.mask]
	if len(dst) < s.length {
		return Info{}, fmt.Errorf("%w: need %d, have %d", ErrSize, s.length, len(dst))
	}
	n := copy(dst, s.buf[:s.length])
	return q.infoAt(s, dst[:n]), nil
}

// Touch copies the oldest frame into dst without removing it.
func (q *Queue) Touch(dst []byte) (Info, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.touch(dst)
}

// Flush removes the oldest frame.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed.Load() {
		return ErrClosed
	}
	if q.empty() {
		return ErrEmpty
	}
	q.read++
	return nil
}

// Import copies the oldest frame into dst and removes it.
func (q *Queue) Import(dst []byte) (Info, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	info, err := q.touch(dst)
	if err != nil {
		return info, err
	}
	q.read++
	return info, nil
}

// Peek returns the oldest frame without copying. Info.Data aliases the
// slot buffer and stays valid only until the next Push; call Flush once
// the data has been consumed.
func (q *Queue) Peek() (Info, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed.Load() {
		return Info{}, ErrClosed
	}
	if q.empty() {
		return Info{}, ErrEmpty
	}
	s := &q.slots[q.read&q.mask]
	return q.infoAt(s, s.buf[:s.length]), nil
}

// ImportContext is Import that waits for a frame. It returns ctx.Err() when
// ctx ends and ErrInactive once the active callback reports false.
func (q *Queue) ImportContext(ctx context.Context, dst []byte) (Info, error) {
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		info, err := q.Import(dst)
		if !errors.Is(err, ErrEmpty) {
			return info, err
		}
		if q.active != nil && !q.active() {
			return Info{}, ErrInactive
		}
		if ticker == nil {
			ticker = time.NewTicker(pollInterval)
		}

		select {
		case <-ctx.Done():
			return Info{}, ctx.Err()
		case <-q.done:
			return Info{}, ErrClosed
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.write - q.read)
}

// Cap returns the slot count.
func (q *Queue) Cap() int {
	return q.capacity
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pushed:           q.pushed,
		Discarded:        q.dropped,
		Overwritten:      q.overwritten,
		AudioOverwritten: q.audioLost,
		Rejected:         q.rejected,
		DiscardedPending: q.discarded,
		Skipping:         q.skipNonKey,
		Allocations:      q.allocations,
		Len:              int(q.write - q.read),
		Cap:              q.capacity,
	}
}
