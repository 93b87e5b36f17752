package frame

import (
	"time"

	"github.com/thesyncim/h264live/pkg/codec"
)

// EncodedFrame is one compressed access unit (video) or block (audio) on
// its way to a transport.
type EncodedFrame struct {
	Codec     codec.Type
	Data      []byte
	Timestamp time.Duration
	// Duration advances the RTP clock for the next frame.
	Duration time.Duration
	Keyframe bool
	NAL      codec.NALType
}

// Samples returns Duration in units of the codec clock rate, rounded to
// the nearest tick.
func (f EncodedFrame) Samples() uint32 {
	if f.Duration <= 0 {
		return 0
	}
	ticks := uint64(f.Duration)*uint64(f.Codec.ClockRate()) + uint64(time.Second)/2
	return uint32(ticks / uint64(time.Second))
}
