package pipeline

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/frame"
	"github.com/thesyncim/h264live/pkg/packetizer"
)

// ErrNoRoute is returned by Router for a codec without a sink.
var ErrNoRoute = errors.New("pipeline: no sink for codec")

// Router dispatches frames to a sink per codec.
type Router struct {
	mu     sync.RWMutex
	routes map[codec.Type][]Sink
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[codec.Type][]Sink)}
}

// Route adds s as a destination for frames of codec c. A codec may have
// several sinks; each receives every frame.
func (r *Router) Route(c codec.Type, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[c] = append(r.routes[c], s)
}

// Remove detaches s from codec c.
func (r *Router) Remove(c codec.Type, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sinks := r.routes[c]
	for i, cur := range sinks {
		if cur == s {
			r.routes[c] = append(sinks[:i:i], sinks[i+1:]...)
			return
		}
	}
}

// WriteFrame writes f to every sink routed for its codec. All sinks are
// tried; their errors are combined.
func (r *Router) WriteFrame(f frame.EncodedFrame) error {
	r.mu.RLock()
	sinks := r.routes[f.Codec]
	r.mu.RUnlock()

	if len(sinks) == 0 {
		return fmt.Errorf("%w: %v", ErrNoRoute, f.Codec)
	}
	var err error
	for _, s := range sinks {
		err = multierr.Append(err, s.WriteFrame(f))
	}
	return err
}

// Close closes every routed sink that has a Close method.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for _, sinks := range r.routes {
		for _, s := range sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				err = multierr.Append(err, c.Close())
			}
		}
	}
	r.routes = make(map[codec.Type][]Sink)
	return err
}

// Discard is a Sink that drops every frame.
var Discard Sink = discard{}

type discard struct{}

func (discard) WriteFrame(frame.EncodedFrame) error { return nil }

// UDPSink sends one RTP stream to a UDP address.
type UDPSink struct {
	conn *net.UDPConn
	pkt  *packetizer.Packetizer
	log  *zap.Logger

	mu  sync.Mutex
	buf []byte
}

// DialUDP connects to addr (host:port) and packetizes frames with cfg.
func DialUDP(addr string, cfg packetizer.Config, log *zap.Logger) (*UDPSink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	pkt, err := packetizer.New(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		pkt.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("udp").With(zap.Stringer("codec", cfg.Codec), zap.String("addr", addr))
	log.Info("sending RTP", zap.Uint32("ssrc", cfg.SSRC))
	return &UDPSink{conn: conn, pkt: pkt, log: log}, nil
}

// WriteFrame packetizes f and sends each packet as one datagram.
func (s *UDPSink) WriteFrame(f frame.EncodedFrame) error {
	if f.Codec != s.pkt.Config().Codec {
		return fmt.Errorf("%w: got %v, sink carries %v", ErrNoRoute, f.Codec, s.pkt.Config().Codec)
	}
	packets, err := s.pkt.Packetize(f.Data, f.Samples())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range packets {
		n := p.MarshalSize()
		if cap(s.buf) < n {
			s.buf = make([]byte, n)
		}
		n, err := p.MarshalTo(s.buf[:n])
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		if _, err := s.conn.Write(s.buf[:n]); err != nil {
			return fmt.Errorf("send rtp: %w", err)
		}
	}
	return nil
}

// LocalAddr returns the local address of the socket.
func (s *UDPSink) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close closes the socket and the packetizer.
func (s *UDPSink) Close() error {
	return multierr.Combine(s.pkt.Close(), s.conn.Close())
}
