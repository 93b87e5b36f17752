// Package testutil provides shared fixtures for h264live tests.
package testutil

import (
	"math"

	"github.com/thesyncim/h264live/pkg/frame"
)

var (
	sps = []byte{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16, 0xe8, 0x40}
	pps = []byte{0x68, 0xce, 0x3c, 0x80}
)

// KeyAccessUnit returns SPS, PPS and an IDR slice with n payload bytes, each
// behind a four byte start code. Payload bytes are never zero.
func KeyAccessUnit(n int) []byte {
	b := make([]byte, 0, 3*4+len(sps)+len(pps)+1+n)
	b = appendNAL(b, sps)
	b = appendNAL(b, pps)
	return appendSlice(b, 0x65, n)
}

// DeltaAccessUnit returns a single non-IDR slice with n payload bytes.
func DeltaAccessUnit(n int) []byte {
	return appendSlice(make([]byte, 0, 5+n), 0x41, n)
}

func appendNAL(b, nal []byte) []byte {
	b = append(b, 0, 0, 0, 1)
	return append(b, nal...)
}

func appendSlice(b []byte, header byte, n int) []byte {
	b = append(b, 0, 0, 0, 1, header)
	for i := 0; i < n; i++ {
		b = append(b, byte(1+i%250))
	}
	return b
}

// GradientFrame creates an I420 frame with a diagonal luma gradient and
// neutral chroma.
func GradientFrame(width, height int) *frame.VideoFrame {
	f := frame.NewI420Frame(width, height)
	y := f.YPlane()
	for i := range y {
		y[i] = byte((i%width + i/width) % 256)
	}
	fill(f.UPlane(), 128)
	fill(f.VPlane(), 128)
	return f
}

// GrayFrame creates a uniform mid-gray I420 frame.
func GrayFrame(width, height int) *frame.VideoFrame {
	f := frame.NewI420Frame(width, height)
	fill(f.YPlane(), 128)
	fill(f.UPlane(), 128)
	fill(f.VPlane(), 128)
	return f
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// SineFrame creates a mono S16 frame holding a 440 Hz tone.
func SineFrame(sampleRate, numSamples int) *frame.AudioFrame {
	f := frame.NewAudioFrame(sampleRate, 1, numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		f.SetSample(i, int16(10000*math.Sin(2*math.Pi*440*t)))
	}
	return f
}
