package frame

import (
	"encoding/binary"
	"time"
)

// AudioFrame is a block of interleaved signed 16-bit little-endian PCM.
type AudioFrame struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of audio channels.
	Channels int

	// Samples holds interleaved int16 samples as little-endian bytes.
	Samples []byte

	// NumSamples is the number of samples per channel.
	NumSamples int

	// Timestamp is the capture time relative to the start of the stream.
	Timestamp time.Duration
}

// NewAudioFrame allocates a silent S16 frame.
func NewAudioFrame(sampleRate, channels, numSamples int) *AudioFrame {
	return &AudioFrame{
		SampleRate: sampleRate,
		Channels:   channels,
		NumSamples: numSamples,
		Samples:    make([]byte, numSamples*channels*2),
	}
}

// Sample returns interleaved sample i.
func (f *AudioFrame) Sample(i int) int16 {
	return int16(binary.LittleEndian.Uint16(f.Samples[2*i:]))
}

// SetSample stores interleaved sample i.
func (f *AudioFrame) SetSample(i int, v int16) {
	binary.LittleEndian.PutUint16(f.Samples[2*i:], uint16(v))
}

// Duration returns the duration of the audio in this frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.NumSamples) * time.Second / time.Duration(f.SampleRate)
}

// MuLaw appends the G.711 mu-law encoding of the frame to dst.
func (f *AudioFrame) MuLaw(dst []byte) []byte {
	n := len(f.Samples) / 2
	for i := 0; i < n; i++ {
		dst = append(dst, linearToMuLaw(f.Sample(i)))
	}
	return dst
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

func linearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0f
	return ^byte(sign | exponent<<4 | mantissa)
}

// MuLawToLinear decodes one G.711 mu-law byte.
func MuLawToLinear(b byte) int16 {
	b = ^b
	exponent := int(b>>4) & 0x07
	mantissa := int(b) & 0x0f
	s := ((mantissa << 3) + muLawBias) << exponent
	s -= muLawBias
	if b&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}

// ALaw appends the G.711 A-law encoding of the frame to dst.
func (f *AudioFrame) ALaw(dst []byte) []byte {
	n := len(f.Samples) / 2
	for i := 0; i < n; i++ {
		dst = append(dst, linearToALaw(f.Sample(i)))
	}
	return dst
}

// Upper bounds of the A-law segments on 13-bit magnitudes.
var aLawSegEnd = [8]int{0x1f, 0x3f, 0x7f, 0xff, 0x1ff, 0x3ff, 0x7ff, 0xfff}

func linearToALaw(sample int16) byte {
	s := int(sample) >> 3
	mask := 0xd5
	if s < 0 {
		mask = 0x55
		s = -s - 1
	}

	seg := 0
	for seg < len(aLawSegEnd) && s > aLawSegEnd[seg] {
		seg++
	}
	if seg == len(aLawSegEnd) {
		return byte(0x7f ^ mask)
	}

	v := seg << 4
	if seg < 2 {
		v |= (s >> 1) & 0x0f
	} else {
		v |= (s >> seg) & 0x0f
	}
	return byte(v ^ mask)
}

// ALawToLinear decodes one G.711 A-law byte.
func ALawToLinear(b byte) int16 {
	b ^= 0x55
	t := int(b&0x0f) << 4
	switch seg := int(b&0x70) >> 4; seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if b&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}
