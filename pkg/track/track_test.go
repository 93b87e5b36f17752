package track

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/h264live/internal/testutil"
	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/frame"
)

// fakeContext provides the parts of webrtc.TrackLocalContext Bind uses.
type fakeContext struct {
	webrtc.TrackLocalContext
	params []webrtc.RTPCodecParameters
	ssrc   webrtc.SSRC
	w      *fakeWriter
}

func (c *fakeContext) CodecParameters() []webrtc.RTPCodecParameters { return c.params }
func (c *fakeContext) SSRC() webrtc.SSRC                            { return c.ssrc }
func (c *fakeContext) WriteStream() webrtc.TrackLocalWriter         { return c.w }

type fakeWriter struct {
	packets []*rtp.Packet
	err     error
}

func (w *fakeWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	w.packets = append(w.packets, &rtp.Packet{Header: *header, Payload: append([]byte(nil), payload...)})
	return len(payload), w.err
}

func (w *fakeWriter) Write(b []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(append([]byte(nil), b...)); err != nil {
		return 0, err
	}
	w.packets = append(w.packets, &pkt)
	return len(b), nil
}

func h264Params() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/h264", ClockRate: 90000, SDPFmtpLine: "packetization-mode=0"},
			PayloadType:        100,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "packetization-mode=1;profile-level-id=42e01f"},
			PayloadType:        102,
		},
	}
}

func TestTrackDefaults(t *testing.T) {
	vt := NewVideoTrack(Config{})
	if _, err := uuid.Parse(vt.ID()); err != nil {
		t.Errorf("ID() = %q, want a UUID: %v", vt.ID(), err)
	}
	if vt.StreamID() != vt.ID() {
		t.Errorf("StreamID() = %q, want ID %q", vt.StreamID(), vt.ID())
	}
	if vt.Kind() != webrtc.RTPCodecTypeVideo || vt.Codec() != codec.H264 {
		t.Errorf("Kind, Codec = %v, %v", vt.Kind(), vt.Codec())
	}
	if vt.RID() != "" {
		t.Errorf("RID() = %q, want empty", vt.RID())
	}

	vt2 := NewVideoTrack(Config{ID: "cam", StreamID: "live", Codec: codec.PCMU})
	if vt2.ID() != "cam" || vt2.StreamID() != "live" || vt2.Codec() != codec.H264 {
		t.Errorf("ID, StreamID, Codec = %q, %q, %v", vt2.ID(), vt2.StreamID(), vt2.Codec())
	}
}

func TestNewAudioTrack(t *testing.T) {
	tests := []struct {
		name    string
		codec   codec.Type
		want    codec.Type
		wantErr bool
	}{
		{"default", codec.H264, codec.PCMU, false},
		{"PCMU", codec.PCMU, codec.PCMU, false},
		{"PCMA", codec.PCMA, codec.PCMA, false},
		{"AAC", codec.AAC, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, err := NewAudioTrack(Config{Codec: tt.codec})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAudioTrack: %v", err)
			}
			if at.Codec() != tt.want || at.Kind() != webrtc.RTPCodecTypeAudio {
				t.Errorf("Codec, Kind = %v, %v", at.Codec(), at.Kind())
			}
			if at.Capability().ClockRate != 8000 {
				t.Errorf("ClockRate = %d, want 8000", at.Capability().ClockRate)
			}
		})
	}
}

func TestBindSelectsPacketizationMode1(t *testing.T) {
	vt := NewVideoTrack(Config{ID: "v"})
	ctx := &fakeContext{params: h264Params(), ssrc: 1234, w: &fakeWriter{}}

	params, err := vt.Bind(ctx)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if params.PayloadType != 102 {
		t.Errorf("PayloadType = %d, want 102", params.PayloadType)
	}
	if vt.Parameters().PayloadType != 102 {
		t.Errorf("Parameters().PayloadType = %d, want 102", vt.Parameters().PayloadType)
	}
	if _, err := vt.Bind(ctx); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second Bind() error = %v, want ErrAlreadyBound", err)
	}
}

func TestBindUnsupported(t *testing.T) {
	at, err := NewAudioTrack(Config{})
	if err != nil {
		t.Fatalf("NewAudioTrack: %v", err)
	}
	_, err = at.Bind(&fakeContext{params: h264Params(), w: &fakeWriter{}})
	if !errors.Is(err, webrtc.ErrUnsupportedCodec) {
		t.Errorf("Bind() error = %v, want ErrUnsupportedCodec", err)
	}
}

func TestWriteFrameNotBound(t *testing.T) {
	vt := NewVideoTrack(Config{})
	err := vt.WriteFrame(frame.EncodedFrame{Codec: codec.H264, Data: testutil.KeyAccessUnit(10)})
	if !errors.Is(err, ErrNotBound) {
		t.Errorf("WriteFrame() error = %v, want ErrNotBound", err)
	}
	if err := vt.WriteRTP(&rtp.Packet{}); !errors.Is(err, ErrNotBound) {
		t.Errorf("WriteRTP() error = %v, want ErrNotBound", err)
	}
}

func TestWriteFrameCodecMismatch(t *testing.T) {
	vt := NewVideoTrack(Config{})
	err := vt.WriteFrame(frame.EncodedFrame{Codec: codec.PCMU, Data: []byte{1}})
	if !errors.Is(err, ErrCodecMismatch) {
		t.Errorf("WriteFrame() error = %v, want ErrCodecMismatch", err)
	}
}

func TestWriteFrameVideo(t *testing.T) {
	vt := NewVideoTrack(Config{})
	w := &fakeWriter{}
	if _, err := vt.Bind(&fakeContext{params: h264Params(), ssrc: 42, w: w}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	au := testutil.KeyAccessUnit(4000)
	f := frame.EncodedFrame{Codec: codec.H264, Data: au, Duration: time.Second / 30, Keyframe: true}
	if err := vt.WriteFrame(f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if len(w.packets) < 4 {
		t.Fatalf("wrote %d packets, want at least 4", len(w.packets))
	}

	var out []byte
	depack := &codecs.H264Packet{}
	for i, pkt := range w.packets {
		if pkt.SSRC != 42 || pkt.PayloadType != 102 {
			t.Errorf("packet %d: SSRC/PT = %d/%d, want 42/102", i, pkt.SSRC, pkt.PayloadType)
		}
		b, err := depack.Unmarshal(pkt.Payload)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		out = append(out, b...)
	}
	if !bytes.Equal(out, au) {
		t.Errorf("reassembled %d bytes, want %d", len(out), len(au))
	}

	first := len(w.packets)
	if err := vt.WriteFrame(frame.EncodedFrame{Codec: codec.H264, Data: testutil.DeltaAccessUnit(2), Duration: time.Second / 30}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := w.packets[first].Timestamp - w.packets[0].Timestamp; got != 3000 {
		t.Errorf("timestamp step = %d, want 3000", got)
	}

	s := vt.Stats()
	if s.Frames != 2 || s.Packets != uint64(len(w.packets)) {
		t.Errorf("Stats() = %+v, want 2 frames, %d packets", s, len(w.packets))
	}
}

func TestWriteFrameAudio(t *testing.T) {
	at, err := NewAudioTrack(Config{Codec: codec.PCMU})
	if err != nil {
		t.Fatalf("NewAudioTrack: %v", err)
	}
	w := &fakeWriter{}
	params := []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}}
	if _, err := at.Bind(&fakeContext{params: params, ssrc: 7, w: w}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := at.WriteFrame(frame.EncodedFrame{Codec: codec.PCMU, Data: make([]byte, 160), Duration: 20 * time.Millisecond}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if len(w.packets) != 2 {
		t.Fatalf("wrote %d packets, want 2", len(w.packets))
	}
	if got := w.packets[1].Timestamp - w.packets[0].Timestamp; got != 160 {
		t.Errorf("timestamp step = %d, want 160", got)
	}
}

func TestWriteFrameWriterError(t *testing.T) {
	vt := NewVideoTrack(Config{})
	werr := errors.New("closed pipe")
	if _, err := vt.Bind(&fakeContext{params: h264Params(), w: &fakeWriter{err: werr}}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := vt.WriteFrame(frame.EncodedFrame{Codec: codec.H264, Data: testutil.KeyAccessUnit(10)}); !errors.Is(err, werr) {
		t.Errorf("WriteFrame() error = %v, want %v", err, werr)
	}
}

func TestUnbindAndClose(t *testing.T) {
	vt := NewVideoTrack(Config{})
	ctx := &fakeContext{params: h264Params(), w: &fakeWriter{}}
	if _, err := vt.Bind(ctx); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := vt.Unbind(ctx); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if err := vt.WriteFrame(frame.EncodedFrame{Codec: codec.H264, Data: testutil.KeyAccessUnit(1)}); !errors.Is(err, ErrNotBound) {
		t.Errorf("WriteFrame after Unbind = %v, want ErrNotBound", err)
	}
	if _, err := vt.Bind(ctx); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	if err := vt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := vt.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if err := vt.WriteFrame(frame.EncodedFrame{Codec: codec.H264, Data: testutil.KeyAccessUnit(1)}); !errors.Is(err, ErrTrackClosed) {
		t.Errorf("WriteFrame after Close = %v, want ErrTrackClosed", err)
	}
	if _, err := vt.Bind(ctx); !errors.Is(err, ErrTrackClosed) {
		t.Errorf("Bind after Close = %v, want ErrTrackClosed", err)
	}
}

func TestImplementsTrackLocal(t *testing.T) {
	var _ webrtc.TrackLocal = NewVideoTrack(Config{})
	at, _ := NewAudioTrack(Config{})
	var _ webrtc.TrackLocal = at
}
