package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/encoder"
	"github.com/thesyncim/h264live/pkg/hwcodec"
	"github.com/thesyncim/h264live/pkg/packetizer"
	"github.com/thesyncim/h264live/pkg/pc"
	"github.com/thesyncim/h264live/pkg/pipeline"
	"github.com/thesyncim/h264live/pkg/queue"
	"github.com/thesyncim/h264live/pkg/source"
)

var errUsage = errors.New("invalid arguments")

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openBackend loads the shim at path, or returns a simulator when path is
// empty. The returned function releases the backend.
func openBackend(path string, log *zap.Logger) (hwcodec.Backend, func() error, error) {
	if path == "" {
		log.Info("no shim configured, using the simulator")
		return hwcodec.NewSimulator(hwcodec.DefaultSimulatorConfig()), func() error { return nil }, nil
	}
	shim, err := hwcodec.LoadLibrary(path)
	if err != nil {
		return nil, nil, err
	}
	log.Info("loaded shim", zap.String("path", shim.Path()))
	return shim, shim.Unload, nil
}

func parseAudioCodec(name string) (codec.Type, error) {
	switch strings.ToLower(name) {
	case "pcmu", "ulaw":
		return codec.PCMU, nil
	case "pcma", "alaw":
		return codec.PCMA, nil
	default:
		return 0, fmt.Errorf("%w: audio codec %q", errUsage, name)
	}
}

func h264Config(c *cli.Context) *codec.H264Config {
	return &codec.H264Config{
		Profile:    codec.H264ProfileBaseline,
		Bitrate:    uint32(c.Uint(flagBitrate)),
		GOP:        uint32(c.Uint(flagGOP)),
		MinQuality: uint32(c.Uint(flagMinQuality)),
		MaxQuality: uint32(c.Uint(flagMaxQuality)),
		FixQuality: uint32(c.Uint(flagFixedQuality)),
	}
}

func run(c *cli.Context) error {
	log, err := newLogger(c.Bool(flagDebug))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audioCodec, err := parseAudioCodec(c.String(flagAudioCodec))
	if err != nil {
		return err
	}
	fps := c.Int(flagFPS)

	backend, unload, err := openBackend(c.String(flagShim), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := unload(); err != nil {
			log.Warn("unload shim", zap.Error(err))
		}
	}()

	enc, err := encoder.Open(hwcodec.NewDevice(backend), encoder.Destination{FrameRate: fps}, h264Config(c), encoder.WithLogger(log))
	if err != nil {
		return err
	}
	q, err := queue.New(queue.WithCapacity(c.Int(flagQueue)), queue.WithLogger(log))
	if err != nil {
		enc.Close()
		return err
	}
	video, err := source.NewSynthetic(source.SyntheticConfig{
		Width:     c.Int(flagWidth),
		Height:    c.Int(flagHeight),
		FrameRate: fps,
		Frames:    c.Int(flagFrames),
		Realtime:  c.Bool(flagRealtime),
	})
	if err != nil {
		enc.Close()
		q.Close()
		return err
	}

	router := pipeline.NewRouter()
	router.Route(codec.H264, pipeline.Discard)
	router.Route(audioCodec, pipeline.Discard)

	cfg := pipeline.Config{
		Video:      video,
		Encoder:    enc,
		Queue:      q,
		Sink:       router,
		AudioCodec: audioCodec,
		Logger:     log,
	}
	listen := c.String(flagListen)
	if c.String(flagAudio) != "" || listen != "" {
		cfg.Audio = source.NewTone(source.ToneConfig{})
	}
	p, err := pipeline.New(cfg)
	if err != nil {
		enc.Close()
		q.Close()
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn("close pipeline", zap.Error(err))
		}
	}()

	if addr := c.String(flagRTP); addr != "" {
		udp, err := pipeline.DialUDP(addr, packetizer.Config{Codec: codec.H264, SSRC: rand.Uint32()}, log)
		if err != nil {
			return err
		}
		router.Route(codec.H264, udp)
	}
	if addr := c.String(flagAudio); addr != "" {
		udp, err := pipeline.DialUDP(addr, packetizer.Config{Codec: audioCodec, SSRC: rand.Uint32()}, log)
		if err != nil {
			return err
		}
		router.Route(audioCodec, udp)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return p.Run(ctx)
	})
	if interval := c.Duration(flagStatsInterval); interval > 0 {
		g.Go(func() error {
			logStats(ctx, p, interval, log)
			return nil
		})
	}
	if listen != "" {
		srv := newServer(router, pc.Configuration{ICEServers: c.StringSlice(flagSTUN), Logger: log}, audioCodec, log)
		g.Go(func() error { return serveHTTP(ctx, listen, srv, log) })
	}

	err = g.Wait()
	logTotals(p, log)
	return err
}

func serveHTTP(ctx context.Context, addr string, srv *server, log *zap.Logger) error {
	hs := &http.Server{Addr: addr, Handler: srv.handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info("serving viewers", zap.String("addr", addr))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

func logStats(ctx context.Context, p *pipeline.Pipeline, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last pipeline.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s := p.Stats()
		bytes := s.Encoder.BytesEncoded - last.Encoder.BytesEncoded
		log.Info("stats",
			zap.Uint64("frames", s.Encoder.FramesEncoded-last.Encoder.FramesEncoded),
			zap.Float64("kbps", float64(bytes)*8/interval.Seconds()/1000),
			zap.Int("quant", s.Encoder.LastQuant),
			zap.Uint64("keyframes", s.Encoder.Keyframes-last.Encoder.Keyframes),
			zap.Int("queued", s.Queue.Len),
			zap.Uint64("discarded", s.Queue.Discarded-last.Queue.Discarded),
			zap.Uint64("sink_errors", s.SinkErrors-last.SinkErrors),
		)
		last = s
	}
}

func logTotals(p *pipeline.Pipeline, log *zap.Logger) {
	s := p.Stats()
	log.Info("finished",
		zap.Uint64("video_frames", s.VideoFrames),
		zap.Uint64("audio_frames", s.AudioFrames),
		zap.Uint64("delivered", s.Delivered),
		zap.Uint64("bytes", s.Bytes),
		zap.Uint64("encode_errors", s.EncodeErrors),
		zap.Uint64("discarded", s.Queue.Discarded),
		zap.Uint64("overwritten", s.Queue.Overwritten),
		zap.Uint64("audio_overwritten", s.Queue.AudioOverwritten),
		zap.Uint64("staged_dropped", s.Encoder.StagedDropped),
	)
}
