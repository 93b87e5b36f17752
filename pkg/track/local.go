// Package track provides Pion TrackLocal implementations that send frames
// produced by the encoder pipeline.
package track

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/frame"
	"github.com/thesyncim/h264live/pkg/packetizer"
)

// Errors
var (
	ErrTrackClosed   = errors.New("track is closed")
	ErrNotBound      = errors.New("track not bound")
	ErrAlreadyBound  = errors.New("track already bound")
	ErrInvalidConfig = errors.New("invalid config")
	ErrCodecMismatch = errors.New("frame codec does not match track")
)

// Config configures a track.
type Config struct {
	ID       string // default: random UUID
	StreamID string // default: ID
	Codec    codec.Type
	MTU      uint16 // RTP MTU (default 1200)
	Logger   *zap.Logger
}

// Stats contains per-track counters.
type Stats struct {
	Frames  uint64
	Packets uint64
	Bytes   uint64
}

// localTrack is the codec independent part of VideoTrack and AudioTrack.
type localTrack struct {
	id       string
	streamID string
	codec    codec.Type
	kind     webrtc.RTPCodecType
	mtu      uint16
	log      *zap.Logger

	mu         sync.Mutex
	writer     webrtc.TrackLocalWriter
	params     webrtc.RTPCodecParameters
	pkt        *packetizer.Packetizer
	packetBuf  []byte
	packetInfo []packetizer.PacketInfo

	closed  atomic.Bool
	bound   atomic.Bool
	frames  atomic.Uint64
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (t *localTrack) init(cfg Config, kind webrtc.RTPCodecType) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = cfg.ID
	}
	if cfg.MTU == 0 {
		cfg.MTU = packetizer.DefaultMTU
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	t.id = cfg.ID
	t.streamID = cfg.StreamID
	t.codec = cfg.Codec
	t.kind = kind
	t.mtu = cfg.MTU
	t.log = cfg.Logger.Named("track").With(zap.String("id", cfg.ID), zap.Stringer("codec", cfg.Codec))
}

// ID returns the track ID.
func (t *localTrack) ID() string {
	return t.id
}

// RID returns the RTP stream ID (empty for non-simulcast).
func (t *localTrack) RID() string {
	return ""
}

// StreamID returns the stream ID.
func (t *localTrack) StreamID() string {
	return t.streamID
}

// Kind returns the RTP codec type.
func (t *localTrack) Kind() webrtc.RTPCodecType {
	return t.kind
}

// Codec returns the codec the track sends.
func (t *localTrack) Codec() codec.Type {
	return t.codec
}

// Bind is called by Pion when the track is added to a PeerConnection.
func (t *localTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	if t.closed.Load() {
		return webrtc.RTPCodecParameters{}, ErrTrackClosed
	}
	if t.bound.Load() {
		return webrtc.RTPCodecParameters{}, ErrAlreadyBound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	selected, ok := t.selectCodec(ctx.CodecParameters())
	if !ok {
		return webrtc.RTPCodecParameters{}, fmt.Errorf("%w: %s not negotiated", webrtc.ErrUnsupportedCodec, t.codec.MimeType())
	}

	pkt, err := packetizer.New(packetizer.Config{
		Codec:       t.codec,
		SSRC:        uint32(ctx.SSRC()),
		PayloadType: uint8(selected.PayloadType),
		MTU:         t.mtu,
		ClockRate:   selected.ClockRate,
	})
	if err != nil {
		return webrtc.RTPCodecParameters{}, err
	}

	t.pkt = pkt
	t.writer = ctx.WriteStream()
	t.params = selected
	t.bound.Store(true)
	t.log.Debug("bound", zap.Uint32("ssrc", uint32(ctx.SSRC())), zap.Uint8("pt", uint8(selected.PayloadType)))

	return selected, nil
}

// selectCodec picks the first offered codec with our MIME type, preferring
// packetization-mode=1 for H.264.
func (t *localTrack) selectCodec(offered []webrtc.RTPCodecParameters) (webrtc.RTPCodecParameters, bool) {
	var (
		match webrtc.RTPCodecParameters
		found bool
	)
	for _, c := range offered {
		if !strings.EqualFold(c.MimeType, t.codec.MimeType()) {
			continue
		}
		if t.codec == codec.H264 && strings.Contains(c.SDPFmtpLine, "packetization-mode=1") {
			return c, true
		}
		if !found {
			match, found = c, true
		}
	}
	return match, found
}

// Unbind is called when the track is removed from the PeerConnection.
func (t *localTrack) Unbind(webrtc.TrackLocalContext) error {
	if !t.bound.CompareAndSwap(true, false) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pkt != nil {
		t.pkt.Close()
		t.pkt = nil
	}
	t.writer = nil
	return nil
}

// WriteFrame packetizes f and writes the packets to the bound peer
// connection.
func (t *localTrack) WriteFrame(f frame.EncodedFrame) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	if f.Codec != t.codec {
		return fmt.Errorf("%w: %v on %v track", ErrCodecMismatch, f.Codec, t.codec)
	}
	if !t.bound.Load() {
		return ErrNotBound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pkt == nil || t.writer == nil {
		return ErrNotBound
	}

	if n := t.pkt.MaxPackets(len(f.Data)); n > len(t.packetInfo) {
		t.packetInfo = make([]packetizer.PacketInfo, n)
		t.packetBuf = make([]byte, n*t.pkt.MaxPacketSize())
	}

	numPackets, err := t.pkt.PacketizeInto(f.Data, f.Samples(), t.packetBuf, t.packetInfo)
	if err != nil {
		return err
	}

	for i := 0; i < numPackets; i++ {
		info := t.packetInfo[i]
		if _, err := t.writer.Write(t.packetBuf[info.Offset : info.Offset+info.Size]); err != nil {
			return err
		}
		t.bytes.Add(uint64(info.Size))
	}
	t.packets.Add(uint64(numPackets))
	t.frames.Add(1)
	return nil
}

// WriteRTP writes an already-formed RTP packet.
func (t *localTrack) WriteRTP(pkt *rtp.Packet) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	if !t.bound.Load() {
		return ErrNotBound
	}

	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()

	if writer == nil {
		return ErrNotBound
	}

	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}

	_, err = writer.Write(buf)
	return err
}

// Parameters returns the codec parameters chosen by the last Bind.
func (t *localTrack) Parameters() webrtc.RTPCodecParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// Stats returns the track counters.
func (t *localTrack) Stats() Stats {
	return Stats{
		Frames:  t.frames.Load(),
		Packets: t.packets.Load(),
		Bytes:   t.bytes.Load(),
	}
}

// Close releases all resources.
func (t *localTrack) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pkt != nil {
		t.pkt.Close()
		t.pkt = nil
	}
	t.writer = nil
	return nil
}

// VideoTrack sends H.264 access units.
type VideoTrack struct {
	localTrack
}

// NewVideoTrack creates an H.264 track. cfg.Codec is ignored.
func NewVideoTrack(cfg Config) *VideoTrack {
	cfg.Codec = codec.H264
	t := &VideoTrack{}
	t.init(cfg, webrtc.RTPCodecTypeVideo)
	return t
}

// Capability returns the codec capability to register with a MediaEngine.
func (t *VideoTrack) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   codec.H264.ClockRate(),
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=" + codec.H264ProfileBaseline.ProfileLevelID(),
	}
}

// AudioTrack sends G.711 audio.
type AudioTrack struct {
	localTrack
}

// NewAudioTrack creates a G.711 track. cfg.Codec must be PCMU or PCMA;
// zero selects PCMU.
func NewAudioTrack(cfg Config) (*AudioTrack, error) {
	switch cfg.Codec {
	case codec.PCMU, codec.PCMA:
	case codec.H264:
		// codec.H264 is the zero Type.
		cfg.Codec = codec.PCMU
	default:
		return nil, fmt.Errorf("%w: audio codec %v", ErrInvalidConfig, cfg.Codec)
	}
	t := &AudioTrack{}
	t.init(cfg, webrtc.RTPCodecTypeAudio)
	return t, nil
}

// Capability returns the codec capability to register with a MediaEngine.
func (t *AudioTrack) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  t.codec.MimeType(),
		ClockRate: t.codec.ClockRate(),
		Channels:  1,
	}
}

var (
	_ webrtc.TrackLocal = (*VideoTrack)(nil)
	_ webrtc.TrackLocal = (*AudioTrack)(nil)
)
