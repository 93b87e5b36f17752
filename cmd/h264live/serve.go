package main

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/frame"
	"github.com/thesyncim/h264live/pkg/pc"
	"github.com/thesyncim/h264live/pkg/pipeline"
	"github.com/thesyncim/h264live/pkg/track"
)

// signalMessage is one websocket signaling message.
type signalMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	State     string                   `json:"state,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// server attaches a pair of tracks to the pipeline router for every
// websocket viewer.
type server struct {
	router     *pipeline.Router
	cfg        pc.Configuration
	audioCodec codec.Type
	log        *zap.Logger
	upgrader   websocket.Upgrader
	viewers    atomic.Int64
}

func newServer(router *pipeline.Router, cfg pc.Configuration, audioCodec codec.Type, log *zap.Logger) *server {
	return &server{
		router:     router,
		cfg:        cfg,
		audioCodec: audioCodec,
		log:        log.Named("viewer"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", serveIndex)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(indexHTML))
}

// boundSink feeds a track and ignores frames produced before the viewer's
// transport is up.
type boundSink struct {
	t interface {
		WriteFrame(frame.EncodedFrame) error
	}
}

func (b boundSink) WriteFrame(f frame.EncodedFrame) error {
	if err := b.t.WriteFrame(f); err != nil && !errors.Is(err, track.ErrNotBound) {
		return err
	}
	return nil
}

// session is one connected viewer.
type session struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu sync.Mutex // serializes websocket writes
}

func (s *session) send(msg signalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Debug("send", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Info("viewer connected", zap.Int64("viewers", s.viewers.Add(1)))
	defer func() {
		log.Info("viewer disconnected", zap.Int64("viewers", s.viewers.Add(-1)))
	}()

	if err := s.serveViewer(r, conn, log); err != nil {
		log.Warn("session ended", zap.Error(err))
	}
}

func (s *server) serveViewer(r *http.Request, conn *websocket.Conn, log *zap.Logger) error {
	video := track.NewVideoTrack(track.Config{StreamID: "h264live", Logger: log})
	audio, err := track.NewAudioTrack(track.Config{StreamID: "h264live", Codec: s.audioCodec, Logger: log})
	if err != nil {
		return err
	}
	defer video.Close()
	defer audio.Close()

	cfg := s.cfg
	cfg.Logger = log
	peer, err := pc.NewPeerConnection(cfg, video, audio)
	if err != nil {
		return err
	}
	defer peer.Close()

	sess := &session{conn: conn, log: log}
	peer.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		sess.send(signalMessage{Type: "state", State: st.String()})
		if st == webrtc.PeerConnectionStateFailed {
			conn.Close()
		}
	})

	vs, as := boundSink{video}, boundSink{audio}
	s.router.Route(codec.H264, vs)
	s.router.Route(s.audioCodec, as)
	defer s.router.Remove(codec.H264, vs)
	defer s.router.Remove(s.audioCodec, as)

	for {
		var msg signalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case "offer":
			answer, err := peer.Answer(r.Context(), msg.SDP)
			if err != nil {
				sess.send(signalMessage{Type: "error", Error: err.Error()})
				return err
			}
			sess.send(signalMessage{Type: "answer", SDP: answer})
		case "candidate":
			if msg.Candidate == nil {
				continue
			}
			if err := peer.AddICECandidate(*msg.Candidate); err != nil {
				log.Debug("add candidate", zap.Error(err))
			}
		default:
			sess.send(signalMessage{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>h264live</title></head>
<body>
<video id="video" autoplay playsinline muted controls></video>
<pre id="state"></pre>
<script>
const state = document.getElementById('state');
const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
const pc = new RTCPeerConnection({iceServers: [{urls: 'stun:stun.l.google.com:19302'}]});
pc.addTransceiver('video', {direction: 'recvonly'});
pc.addTransceiver('audio', {direction: 'recvonly'});
pc.ontrack = e => { document.getElementById('video').srcObject = e.streams[0]; };
ws.onmessage = async e => {
  const msg = JSON.parse(e.data);
  if (msg.type === 'answer') await pc.setRemoteDescription({type: 'answer', sdp: msg.sdp});
  if (msg.type === 'state') state.textContent = msg.state;
  if (msg.type === 'error') state.textContent = 'error: ' + msg.error;
};
ws.onopen = async () => {
  await pc.setLocalDescription(await pc.createOffer());
  await new Promise(r => {
    if (pc.iceGatheringState === 'complete') return r();
    pc.onicegatheringstatechange = () => pc.iceGatheringState === 'complete' && r();
  });
  ws.send(JSON.stringify({type: 'offer', sdp: pc.localDescription.sdp}));
};
</script>
</body>
</html>
`
