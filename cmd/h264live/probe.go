package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/depacketizer"
)

const (
	flagProbeAddr     = "addr"
	flagProbeCodec    = "codec"
	flagProbeDuration = "duration"
)

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "receive an RTP stream and report what arrives",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagProbeAddr, Value: "127.0.0.1:5004", Usage: "listen on `HOST:PORT`"},
			&cli.StringFlag{Name: flagProbeCodec, Value: "h264", Usage: "h264, pcmu or pcma"},
			&cli.DurationFlag{Name: flagProbeDuration, Usage: "stop after this long, 0 runs until interrupted"},
			&cli.DurationFlag{Name: flagStatsInterval, Value: time.Second, Usage: "how often to log statistics"},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
		},
		Action: probe,
	}
}

func parseProbeCodec(name string) (codec.Type, error) {
	if name == "h264" || name == "H264" {
		return codec.H264, nil
	}
	return parseAudioCodec(name)
}

// probeTotals is what a probe run received.
type probeTotals struct {
	Packets   uint64
	Frames    uint64
	Keyframes uint64
	Bytes     uint64
	Lost      uint64
}

func probe(c *cli.Context) error {
	log, err := newLogger(c.Bool(flagDebug))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	ct, err := parseProbeCodec(c.String(flagProbeCodec))
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", c.String(flagProbeAddr))
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := c.Duration(flagProbeDuration); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	log.Info("probing", zap.Stringer("addr", conn.LocalAddr()), zap.Stringer("codec", ct))
	totals, err := receive(ctx, conn, ct, c.Duration(flagStatsInterval), log)
	log.Info("finished",
		zap.Uint64("packets", totals.Packets),
		zap.Uint64("frames", totals.Frames),
		zap.Uint64("keyframes", totals.Keyframes),
		zap.Uint64("bytes", totals.Bytes),
		zap.Uint64("lost", totals.Lost),
	)
	return err
}

// receive reads packets from conn until ctx is done.
func receive(ctx context.Context, conn *net.UDPConn, ct codec.Type, interval time.Duration, log *zap.Logger) (probeTotals, error) {
	var totals probeTotals
	d, err := depacketizer.New(ct)
	if err != nil {
		return totals, err
	}
	defer d.Close()

	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	pkt := make([]byte, 1500)
	frame := make([]byte, 64<<10)
	var last probeTotals
	lastReport := time.Now()

	for {
		n, err := conn.Read(pkt)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return totals, err
		}
		if err := d.Push(pkt[:n]); err != nil {
			log.Debug("bad packet", zap.Error(err))
			continue
		}

		for {
			info, err := d.PopInto(frame)
			if errors.Is(err, depacketizer.ErrBufferTooSmall) {
				frame = make([]byte, 2*len(frame))
				continue
			}
			if err != nil {
				break
			}
			totals.Frames++
			totals.Bytes += uint64(info.Size)
			if info.IsKeyframe {
				totals.Keyframes++
				log.Debug("key frame", zap.Uint32("ts", info.Timestamp), zap.Stringer("nal", info.NAL))
			}
		}

		s := d.Stats()
		totals.Packets, totals.Lost = s.Packets, s.Lost
		if interval > 0 && time.Since(lastReport) >= interval {
			elapsed := time.Since(lastReport)
			log.Info("received",
				zap.Uint64("frames", totals.Frames-last.Frames),
				zap.Float64("kbps", float64(totals.Bytes-last.Bytes)*8/elapsed.Seconds()/1000),
				zap.Uint64("keyframes", totals.Keyframes-last.Keyframes),
				zap.Uint64("lost", totals.Lost-last.Lost),
			)
			last, lastReport = totals, time.Now()
		}
	}
	return totals, nil
}
