// Command h264live encodes a live source with the H.264 hardware encoder
// (or its simulator) and delivers the stream over RTP/UDP or to WebRTC
// viewers.
//
// Usage:
//
//	h264live --rtp 127.0.0.1:5004 --bitrate 1024
//	h264live --listen :8080 --audio-codec pcmu
//	h264live probe --addr 127.0.0.1:5004
//
// The shim library path may also come from H264LIVE_SHIM.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

const (
	flagWidth         = "width"
	flagHeight        = "height"
	flagFPS           = "fps"
	flagBitrate       = "bitrate"
	flagGOP           = "gop"
	flagMinQuality    = "min-quality"
	flagMaxQuality    = "max-quality"
	flagFixedQuality  = "fixed-quality"
	flagQueue         = "queue"
	flagFrames        = "frames"
	flagRealtime      = "realtime"
	flagShim          = "shim"
	flagRTP           = "rtp"
	flagAudio         = "audio"
	flagAudioCodec    = "audio-codec"
	flagListen        = "listen"
	flagSTUN          = "stun"
	flagStatsInterval = "stats-interval"
	flagDebug         = "debug"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "h264live",
		Usage: "rate-controlled H.264 live encoder",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: flagWidth, Value: 640, Usage: "picture width", EnvVars: []string{"H264LIVE_WIDTH"}},
			&cli.IntFlag{Name: flagHeight, Value: 480, Usage: "picture height", EnvVars: []string{"H264LIVE_HEIGHT"}},
			&cli.IntFlag{Name: flagFPS, Value: 30, Usage: "frames per second", EnvVars: []string{"H264LIVE_FPS"}},
			&cli.UintFlag{Name: flagBitrate, Value: 1024, Usage: "target bitrate in `KBPS`", EnvVars: []string{"H264LIVE_BITRATE"}},
			&cli.UintFlag{Name: flagGOP, Usage: "key frame interval in frames, 0 follows --fps", EnvVars: []string{"H264LIVE_GOP"}},
			&cli.UintFlag{Name: flagMinQuality, Value: 25, Usage: "lowest quantizer in bitrate mode", EnvVars: []string{"H264LIVE_MIN_QUALITY"}},
			&cli.UintFlag{Name: flagMaxQuality, Value: 50, Usage: "highest quantizer in bitrate mode", EnvVars: []string{"H264LIVE_MAX_QUALITY"}},
			&cli.UintFlag{Name: flagFixedQuality, Usage: "fixed quantizer 1..52, disables rate control", EnvVars: []string{"H264LIVE_FIXED_QUALITY"}},
			&cli.IntFlag{Name: flagQueue, Value: 4, Usage: "frame queue slots, a power of two", EnvVars: []string{"H264LIVE_QUEUE"}},
			&cli.IntFlag{Name: flagFrames, Usage: "stop after this many frames, 0 runs until interrupted", EnvVars: []string{"H264LIVE_FRAMES"}},
			&cli.BoolFlag{Name: flagRealtime, Value: true, Usage: "pace the source at --fps", EnvVars: []string{"H264LIVE_REALTIME"}},
			&cli.StringFlag{Name: flagShim, Usage: "hardware shim library `PATH`; the simulator is used when empty", EnvVars: []string{"H264LIVE_SHIM"}},
			&cli.StringFlag{Name: flagRTP, Usage: "send video RTP to `HOST:PORT`", EnvVars: []string{"H264LIVE_RTP"}},
			&cli.StringFlag{Name: flagAudio, Usage: "send a G.711 test tone as RTP to `HOST:PORT`", EnvVars: []string{"H264LIVE_AUDIO"}},
			&cli.StringFlag{Name: flagAudioCodec, Value: "pcmu", Usage: "G.711 variant: pcmu or pcma", EnvVars: []string{"H264LIVE_AUDIO_CODEC"}},
			&cli.StringFlag{Name: flagListen, Usage: "serve WebRTC viewers on `ADDR`", EnvVars: []string{"H264LIVE_LISTEN"}},
			&cli.StringSliceFlag{Name: flagSTUN, Value: cli.NewStringSlice("stun:stun.l.google.com:19302"), Usage: "ICE server URLs for viewers", EnvVars: []string{"H264LIVE_STUN"}},
			&cli.DurationFlag{Name: flagStatsInterval, Value: time.Second, Usage: "how often to log statistics, 0 disables", EnvVars: []string{"H264LIVE_STATS_INTERVAL"}},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging", EnvVars: []string{"H264LIVE_DEBUG"}},
		},
		Action:   run,
		Commands: []*cli.Command{probeCommand()},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "h264live:", err)
		os.Exit(1)
	}
}
