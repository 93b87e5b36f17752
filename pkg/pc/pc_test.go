package pc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap/zaptest"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/frame"
	"github.com/thesyncim/h264live/pkg/track"
)

func TestCodecs(t *testing.T) {
	codecs := Codecs()
	if len(codecs) != 3 {
		t.Fatalf("len(Codecs()) = %d, want 3", len(codecs))
	}
	h264 := codecs[0]
	if h264.MimeType != webrtc.MimeTypeH264 || h264.PayloadType != H264PayloadType {
		t.Errorf("H264 = %s/%d, want %s/%d", h264.MimeType, h264.PayloadType, webrtc.MimeTypeH264, H264PayloadType)
	}
	if !strings.Contains(h264.SDPFmtpLine, "packetization-mode=1") {
		t.Errorf("SDPFmtpLine = %q, want packetization-mode=1", h264.SDPFmtpLine)
	}
	if codecs[1].PayloadType != 0 || codecs[2].PayloadType != 8 {
		t.Errorf("G.711 payload types = %d/%d, want 0/8", codecs[1].PayloadType, codecs[2].PayloadType)
	}
}

func TestNewPeerConnectionNoTracks(t *testing.T) {
	if _, err := NewPeerConnection(Configuration{}); !errors.Is(err, ErrNoTracks) {
		t.Errorf("NewPeerConnection() error = %v, want ErrNoTracks", err)
	}
}

func TestAnswerRejectsGarbage(t *testing.T) {
	p, err := NewPeerConnection(Configuration{}, track.NewVideoTrack(track.Config{}))
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer p.Close()

	if _, err := p.Answer(context.Background(), "not sdp"); !errors.Is(err, ErrSetDescriptionFailed) {
		t.Errorf("Answer() error = %v, want ErrSetDescriptionFailed", err)
	}

	p.Close()
	if _, err := p.Answer(context.Background(), ""); !errors.Is(err, ErrPeerConnectionClosed) {
		t.Errorf("Answer() after Close error = %v, want ErrPeerConnectionClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

// newViewer returns a receive-only pion peer with loopback candidates.
func newViewer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	viewer, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { viewer.Close() })
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := viewer.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			t.Fatalf("AddTransceiverFromKind(%s): %v", kind, err)
		}
	}
	return viewer
}

func TestPublishToViewer(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}

	video := track.NewVideoTrack(track.Config{StreamID: "h264live"})
	audio, err := track.NewAudioTrack(track.Config{StreamID: "h264live"})
	if err != nil {
		t.Fatalf("NewAudioTrack: %v", err)
	}
	pub, err := NewPeerConnection(Configuration{IncludeLoopback: true, Logger: zaptest.NewLogger(t)}, video, audio)
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pub.Close()

	connected := make(chan struct{})
	var once sync.Once
	pub.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})

	viewer := newViewer(t)
	received := make(chan string, 4)
	viewer.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if _, _, err := remote.ReadRTP(); err == nil {
			received <- remote.Codec().MimeType
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, err := viewer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(viewer)
	if err := viewer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered

	answer, err := pub.Answer(ctx, viewer.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !strings.Contains(answer, "H264") || !strings.Contains(answer, "PCMU") {
		t.Errorf("answer lacks H264 or PCMU:\n%s", answer)
	}
	if err := viewer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatal("peer never connected")
	}

	au := append([]byte{0, 0, 0, 1, 0x65}, make([]byte, 2000)...)
	pcm := make([]byte, 160)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case mime := <-received:
			got[strings.ToLower(mime)] = true
		case <-ticker.C:
			vf := frame.EncodedFrame{Codec: codec.H264, Data: au, Duration: time.Second / 30, Keyframe: true}
			if err := video.WriteFrame(vf); err != nil && !errors.Is(err, track.ErrNotBound) {
				t.Fatalf("video WriteFrame: %v", err)
			}
			af := frame.EncodedFrame{Codec: codec.PCMU, Data: pcm, Duration: 20 * time.Millisecond}
			if err := audio.WriteFrame(af); err != nil && !errors.Is(err, track.ErrNotBound) {
				t.Fatalf("audio WriteFrame: %v", err)
			}
		case <-ctx.Done():
			t.Fatalf("viewer received %v, want video/h264 and audio/pcmu", got)
		}
	}
	if !got["video/h264"] || !got["audio/pcmu"] {
		t.Errorf("viewer received %v, want video/h264 and audio/pcmu", got)
	}
	if s := video.Stats(); s.Frames == 0 || s.Packets < 2 {
		t.Errorf("video Stats = %+v, want frames sent in several packets", s)
	}
}
