// Package packetizer splits encoded frames into RTP packets using pion/rtp.
package packetizer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/thesyncim/h264live/pkg/codec"
)

// Errors
var (
	ErrPacketizerClosed = errors.New("packetizer is closed")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrInvalidData      = errors.New("invalid data")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// DefaultMTU is the packet size limit used when Config.MTU is zero.
const DefaultMTU = 1200

// Config configures an RTP packetizer.
type Config struct {
	Codec       codec.Type
	SSRC        uint32
	PayloadType uint8  // 0 picks the codec default
	MTU         uint16 // Maximum transmission unit (typically 1200)
	ClockRate   uint32 // RTP clock rate; 0 picks the codec rate

	// Sequencer numbers packets; nil starts at a random sequence number.
	Sequencer rtp.Sequencer
}

// PacketInfo describes a single RTP packet in the output buffer.
type PacketInfo struct {
	Offset int // Offset into the buffer where this packet starts
	Size   int // Size of this packet
}

// Packetizer converts encoded frames into RTP packets.
type Packetizer struct {
	config Config

	mu     sync.Mutex
	rtp    rtp.Packetizer
	seq    uint16
	closed bool
}

// New creates a new RTP packetizer.
func New(cfg Config) (*Packetizer, error) {
	var payloader rtp.Payloader
	switch cfg.Codec {
	case codec.H264:
		payloader = &codecs.H264Payloader{}
	case codec.PCMU, codec.PCMA:
		payloader = &codecs.G711Payloader{}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, cfg.Codec)
	}

	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = cfg.Codec.ClockRate()
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultPayloadType(cfg.Codec)
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = rtp.NewRandomSequencer()
	}

	return &Packetizer{
		config: cfg,
		rtp:    rtp.NewPacketizer(cfg.MTU, cfg.PayloadType, cfg.SSRC, payloader, cfg.Sequencer, cfg.ClockRate),
	}, nil
}

// DefaultPayloadType returns the payload type used when none is configured.
func DefaultPayloadType(t codec.Type) uint8 {
	switch t {
	case codec.PCMU:
		return 0
	case codec.PCMA:
		return 8
	default:
		return 96
	}
}

// Config returns the effective configuration.
func (p *Packetizer) Config() Config {
	return p.config
}

// Packetize splits one encoded frame into packets. samples is the frame
// duration in clock-rate units; it advances the RTP timestamp of the next
// frame.
func (p *Packetizer) Packetize(data []byte, samples uint32) ([]*rtp.Packet, error) {
	if len(data) == 0 {
		return nil, ErrInvalidData
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPacketizerClosed
	}
	pkts := p.rtp.Packetize(data, samples)
	if n := len(pkts); n > 0 {
		p.seq = pkts[n-1].SequenceNumber
	}
	return pkts, nil
}

// PacketizeInto packetizes data and marshals the packets contiguously into
// dst, recording their positions in packets. It returns the packet count.
func (p *Packetizer) PacketizeInto(data []byte, samples uint32, dst []byte, packets []PacketInfo) (int, error) {
	pkts, err := p.Packetize(data, samples)
	if err != nil {
		return 0, err
	}
	if len(pkts) > len(packets) {
		return 0, fmt.Errorf("%w: %d packets, room for %d", ErrBufferTooSmall, len(pkts), len(packets))
	}

	off := 0
	for i, pkt := range pkts {
		size := pkt.MarshalSize()
		if off+size > len(dst) {
			return 0, fmt.Errorf("%w: need %d bytes", ErrBufferTooSmall, off+size)
		}
		n, err := pkt.MarshalTo(dst[off:])
		if err != nil {
			return 0, err
		}
		packets[i] = PacketInfo{Offset: off, Size: n}
		off += n
	}
	return len(pkts), nil
}

// MaxPackets returns an upper bound on the packets a frame of frameSize
// bytes produces.
func (p *Packetizer) MaxPackets(frameSize int) int {
	// RTP header plus FU-A indicator and header.
	payloadPerPacket := int(p.config.MTU) - 12 - 2
	if payloadPerPacket <= 0 {
		payloadPerPacket = 1
	}
	return (frameSize+payloadPerPacket-1)/payloadPerPacket + 2
}

// MaxPacketSize returns the maximum size of a single RTP packet.
func (p *Packetizer) MaxPacketSize() int {
	return int(p.config.MTU)
}

// SequenceNumber returns the sequence number of the last packet produced.
func (p *Packetizer) SequenceNumber() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Close stops the packetizer. Later calls return ErrPacketizerClosed.
func (p *Packetizer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
