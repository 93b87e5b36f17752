// Package pipeline connects a raw frame source, the H.264 encoder, the frame
// queue and a transport sink.
//
// The producers run independently of the consumer so a slow sink never
// stalls the encoder; the queue's overflow policy decides what is lost
// when the sink falls behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/encoder"
	"github.com/thesyncim/h264live/pkg/frame"
	"github.com/thesyncim/h264live/pkg/queue"
	"github.com/thesyncim/h264live/pkg/source"
)

// Errors
var (
	ErrInvalidConfig = errors.New("pipeline: invalid config")
	ErrRunning       = errors.New("pipeline: already running")
)

// DefaultBufferSize is the initial size of the encoder output and consumer
// buffers. Both grow on demand.
const DefaultBufferSize = 256 << 10

// How long the audio producer waits before retrying a refused block.
const audioRetry = 5 * time.Millisecond

// Sink receives encoded frames in queue order.
type Sink interface {
	WriteFrame(f frame.EncodedFrame) error
}

// Config wires the pipeline components. Video, Encoder, Queue and Sink are
// required.
type Config struct {
	Video   source.Video
	Encoder *encoder.H264Encoder
	Queue   *queue.Queue
	Sink    Sink

	// Audio is optional. Blocks are converted to AudioCodec (PCMU or PCMA,
	// default PCMU) before they are queued.
	Audio      source.Audio
	AudioCodec codec.Type

	BufferSize int
	Logger     *zap.Logger
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	VideoFrames  uint64 // access units queued
	AudioFrames  uint64 // audio blocks queued
	Bytes        uint64 // bytes handed to the sink
	Delivered    uint64 // frames handed to the sink
	EncodeErrors uint64
	SinkErrors   uint64
	QueueErrors  uint64 // pushes that failed with ErrNoMem
	AudioRetries uint64

	Encoder encoder.Stats
	Queue   queue.Stats
}

// meta travels with each queued frame as its tag.
type meta struct {
	codec    codec.Type
	duration time.Duration
	keyframe bool
	nal      codec.NALType
}

// Pipeline runs one encode session.
type Pipeline struct {
	cfg Config
	log *zap.Logger

	running atomic.Bool

	videoFrames  atomic.Uint64
	audioFrames  atomic.Uint64
	bytes        atomic.Uint64
	delivered    atomic.Uint64
	encodeErrors atomic.Uint64
	sinkErrors   atomic.Uint64
	queueErrors  atomic.Uint64
	audioRetries atomic.Uint64
}

// New validates cfg and returns a pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Video == nil:
		return nil, fmt.Errorf("%w: no video source", ErrInvalidConfig)
	case cfg.Encoder == nil:
		return nil, fmt.Errorf("%w: no encoder", ErrInvalidConfig)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%w: no queue", ErrInvalidConfig)
	case cfg.Sink == nil:
		return nil, fmt.Errorf("%w: no sink", ErrInvalidConfig)
	}
	if cfg.Audio != nil {
		if cfg.AudioCodec == codec.H264 {
			cfg.AudioCodec = codec.PCMU
		}
		if cfg.AudioCodec != codec.PCMU && cfg.AudioCodec != codec.PCMA {
			return nil, fmt.Errorf("%w: audio codec %v", ErrInvalidConfig, cfg.AudioCodec)
		}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, log: cfg.Logger.Named("pipeline")}, nil
}

// Run encodes until every source reports io.EOF or ctx ends. Frames still
// queued when the sources finish are delivered before Run returns; the
// queue is closed on return. Run can be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.running.Swap(true) {
		return ErrRunning
	}

	g, ctx := errgroup.WithContext(ctx)
	producers, pctx := errgroup.WithContext(ctx)

	producers.Go(func() error { return p.produceVideo(pctx) })
	if p.cfg.Audio != nil {
		producers.Go(func() error { return p.produceAudio(pctx) })
	}

	g.Go(func() error {
		err := producers.Wait()
		if err == nil {
			err = p.awaitDrain(ctx)
		}
		p.cfg.Queue.Close()
		return err
	})
	g.Go(func() error { return p.consume(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) produceVideo(ctx context.Context) error {
	dst := make([]byte, p.cfg.BufferSize)
	for {
		f, err := p.cfg.Video.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			p.log.Debug("video source finished")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read video: %w", err)
		}

		fps := f.FrameRate
		res, err := p.cfg.Encoder.Encode(f, dst)
		f.Release()
		switch {
		case errors.Is(err, encoder.ErrEncodeFailed), errors.Is(err, encoder.ErrInvalidFrame):
			p.encodeErrors.Add(1)
			p.log.Warn("frame lost", zap.Error(err))
			continue
		case err != nil:
			return err
		}

		if res.Remaining > 0 {
			dst = make([]byte, res.Remaining)
			if res, err = p.cfg.Encoder.Drain(dst); err != nil {
				return err
			}
		}
		if res.N == 0 {
			continue
		}

		m := meta{codec: codec.H264, keyframe: res.IsKeyframe, nal: res.NAL}
		if fps > 0 {
			m.duration = time.Second / time.Duration(fps)
		}
		if err := p.push(dst[:res.N], res.Timestamp, queue.Video, res.NAL, m); err != nil {
			return err
		}
		p.videoFrames.Add(1)
	}
}

func (p *Pipeline) produceAudio(ctx context.Context) error {
	var buf []byte
	for {
		f, err := p.cfg.Audio.ReadAudio(ctx)
		if errors.Is(err, io.EOF) {
			p.log.Debug("audio source finished")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}

		if p.cfg.AudioCodec == codec.PCMA {
			buf = f.ALaw(buf[:0])
		} else {
			buf = f.MuLaw(buf[:0])
		}
		m := meta{codec: p.cfg.AudioCodec, duration: f.Duration()}

		for {
			err := p.push(buf, f.Timestamp, queue.Audio, 0, m)
			if !errors.Is(err, queue.ErrFull) {
				if err != nil {
					return err
				}
				break
			}
			p.audioRetries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(audioRetry):
			}
		}
		p.audioFrames.Add(1)
	}
}

// push queues data. A failed buffer allocation loses the frame but not the
// session.
func (p *Pipeline) push(data []byte, ts time.Duration, kind queue.Kind, nal codec.NALType, m meta) error {
	err := p.cfg.Queue.Push(data, uint64(ts), kind, nal, m)
	if errors.Is(err, queue.ErrNoMem) {
		p.queueErrors.Add(1)
		p.log.Warn("queue push failed", zap.Stringer("kind", kind), zap.Int("size", len(data)))
		return nil
	}
	return err
}

// awaitDrain waits until the consumer has taken every queued frame.
func (p *Pipeline) awaitDrain(ctx context.Context) error {
	ticker := time.NewTicker(audioRetry)
	defer ticker.Stop()
	for p.cfg.Queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (p *Pipeline) consume(ctx context.Context) error {
	buf := make([]byte, p.cfg.BufferSize)
	for {
		info, err := p.cfg.Queue.ImportContext(ctx, buf)
		switch {
		case errors.Is(err, queue.ErrClosed):
			return nil
		case errors.Is(err, queue.ErrSize):
			next, perr := p.cfg.Queue.Peek()
			if perr != nil {
				continue
			}
			buf = make([]byte, len(next.Data))
			continue
		case err != nil:
			return err
		}

		m, _ := info.Tag.(meta)
		f := frame.EncodedFrame{
			Codec:     m.codec,
			Data:      info.Data,
			Timestamp: time.Duration(info.Timestamp),
			Duration:  m.duration,
			Keyframe:  m.keyframe,
			NAL:       m.nal,
		}
		if err := p.cfg.Sink.WriteFrame(f); err != nil {
			p.sinkErrors.Add(1)
			p.log.Warn("sink write failed", zap.Stringer("codec", f.Codec), zap.Error(err))
			continue
		}
		p.delivered.Add(1)
		p.bytes.Add(uint64(len(f.Data)))
	}
}

// Stats returns a snapshot of the pipeline, encoder and queue counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		VideoFrames:  p.videoFrames.Load(),
		AudioFrames:  p.audioFrames.Load(),
		Bytes:        p.bytes.Load(),
		Delivered:    p.delivered.Load(),
		EncodeErrors: p.encodeErrors.Load(),
		SinkErrors:   p.sinkErrors.Load(),
		QueueErrors:  p.queueErrors.Load(),
		AudioRetries: p.audioRetries.Load(),
		Encoder:      p.cfg.Encoder.Stats(),
		Queue:        p.cfg.Queue.Stats(),
	}
}

// Close closes every component. Sinks are closed when they implement
// io.Closer.
func (p *Pipeline) Close() error {
	err := multierr.Combine(
		p.cfg.Video.Close(),
		p.cfg.Encoder.Close(),
		p.cfg.Queue.Close(),
	)
	if p.cfg.Audio != nil {
		err = multierr.Append(err, p.cfg.Audio.Close())
	}
	if c, ok := p.cfg.Sink.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}
