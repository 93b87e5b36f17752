// Package pc publishes the encoder's tracks to remote peers with
// pion/webrtc. Each PeerConnection answers one remote offer and sends the
// tracks it was created with.
package pc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/packetizer"
)

// Errors
var (
	ErrPeerConnectionClosed = errors.New("peer connection closed")
	ErrNoTracks             = errors.New("no tracks to publish")
	ErrSetDescriptionFailed = errors.New("set description failed")
	ErrCreateAnswerFailed   = errors.New("create answer failed")
)

// H264FmtpLine advertises the baseline profile in non-interleaved mode, the
// only stream the hardware produces.
var H264FmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=" + codec.H264ProfileBaseline.ProfileLevelID()

// H264PayloadType is the dynamic payload type registered for H.264.
const H264PayloadType = 102

// Configuration for PeerConnection.
type Configuration struct {
	// ICEServers lists STUN/TURN URLs.
	ICEServers []string
	// IncludeLoopback gathers 127.0.0.1 host candidates, for local peers.
	IncludeLoopback bool
	Logger          *zap.Logger
}

// DefaultConfiguration returns a configuration with a public STUN server.
func DefaultConfiguration() Configuration {
	return Configuration{
		ICEServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// Codecs returns the codec parameters a PeerConnection negotiates.
func Codecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    codec.H264.MimeType(),
				ClockRate:   codec.H264.ClockRate(),
				SDPFmtpLine: H264FmtpLine,
				RTCPFeedback: []webrtc.RTCPFeedback{
					{Type: "nack"},
					{Type: "nack", Parameter: "pli"},
					{Type: "goog-remb"},
				},
			},
			PayloadType: H264PayloadType,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: codec.PCMU.MimeType(), ClockRate: codec.PCMU.ClockRate(), Channels: 1},
			PayloadType:        webrtc.PayloadType(packetizer.DefaultPayloadType(codec.PCMU)),
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: codec.PCMA.MimeType(), ClockRate: codec.PCMA.ClockRate(), Channels: 1},
			PayloadType:        webrtc.PayloadType(packetizer.DefaultPayloadType(codec.PCMA)),
		},
	}
}

// newAPI builds a webrtc API limited to Codecs, with the default NACK,
// RTCP report and TWCC interceptors. A MediaEngine cannot be shared
// between peer connections, so every PeerConnection gets its own.
func newAPI(cfg Configuration) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range Codecs() {
		kind := webrtc.RTPCodecTypeAudio
		if c.MimeType == codec.H264.MimeType() {
			kind = webrtc.RTPCodecTypeVideo
		}
		if err := m.RegisterCodec(c, kind); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// PeerConnection sends a fixed set of local tracks to one remote peer.
type PeerConnection struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	wg     sync.WaitGroup
	closed atomic.Bool

	mu      sync.Mutex
	onState func(webrtc.PeerConnectionState)
}

// NewPeerConnection creates a connection publishing tracks. The remote
// side is expected to send the offer.
func NewPeerConnection(cfg Configuration, tracks ...webrtc.TrackLocal) (*PeerConnection, error) {
	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	conn, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := &PeerConnection{pc: conn, log: log.Named("pc")}

	for _, t := range tracks {
		sender, err := conn.AddTrack(t)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		p.wg.Add(1)
		go p.readRTCP(sender)
	}

	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Info("connection state", zap.Stringer("state", s))
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
	return p, nil
}

// readRTCP drains incoming RTCP so the interceptors see receiver reports
// and NACKs. It returns when the sender is closed.
func (p *PeerConnection) readRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// OnConnectionStateChange sets the connection state callback.
func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// Answer applies the remote offer and returns the local answer once ICE
// gathering has finished, so the answer carries every candidate.
func (p *PeerConnection) Answer(ctx context.Context, offer string) (string, error) {
	if p.closed.Load() {
		return "", ErrPeerConnectionClosed
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("%w: remote: %w", ErrSetDescriptionFailed, err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCreateAnswerFailed, err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: local: %w", ErrSetDescriptionFailed, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

// AddICECandidate adds a candidate trickled by the remote peer.
func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.closed.Load() {
		return ErrPeerConnectionClosed
	}
	return p.pc.AddICECandidate(c)
}

// ConnectionState returns the aggregate connection state.
func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close closes the connection and waits for the RTCP readers.
func (p *PeerConnection) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.pc.Close()
	p.wg.Wait()
	return err
}
