package encoder

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/thesyncim/h264live/internal/testutil"
	"github.com/thesyncim/h264live/pkg/codec"
	"github.com/thesyncim/h264live/pkg/frame"
	"github.com/thesyncim/h264live/pkg/hwcodec"
	"github.com/thesyncim/h264live/pkg/ratecontrol"
)

const (
	testWidth   = 160
	testHeight  = 120
	testStaging = testWidth * testHeight / 3
)

// fakeBackend produces access units of scripted sizes and records what the
// encoder asked for.
type fakeBackend struct {
	sizes    []int // cycled; defaults to 100 bytes
	keyEvery int   // 0 means only the first frame is a key frame

	opened  bool
	closes  int
	init    hwcodec.EncodeParam
	quants  []int
	frames  int
	openErr error
	initErr error
}

func (f *fakeBackend) Open() (hwcodec.Instance, error) {
	if f.openErr != nil {
		return -1, f.openErr
	}
	f.opened = true
	return 7, nil
}

func (f *fakeBackend) Close(inst hwcodec.Instance) error {
	if inst != 7 {
		return hwcodec.ErrNoInstance
	}
	f.closes++
	return nil
}

func (f *fakeBackend) Ioctl(inst hwcodec.Instance, cmd hwcodec.Cmd, p *hwcodec.EncodeParam) error {
	if inst != 7 {
		return hwcodec.ErrNoInstance
	}
	switch cmd {
	case hwcodec.CmdEncodeInit:
		if f.initErr != nil {
			return f.initErr
		}
		f.init = *p
		return nil
	case hwcodec.CmdEncodeFrame:
		size := f.size(f.frames)
		if size > len(p.Bitstream) {
			return hwcodec.ErrBitstreamFull
		}
		key := f.isKey(f.frames)
		writeAccessUnit(p.Bitstream[:size], f.frames, key)
		f.quants = append(f.quants, p.Quant)
		p.BitstreamSize = size
		p.Keyframe = key
		f.frames++
		return nil
	}
	return hwcodec.ErrUnknownCommand
}

func (f *fakeBackend) size(i int) int {
	if len(f.sizes) == 0 {
		return 100
	}
	return f.sizes[i%len(f.sizes)]
}

func (f *fakeBackend) isKey(i int) bool {
	if f.keyEvery <= 0 {
		return i == 0
	}
	return i%f.keyEvery == 0
}

// writeAccessUnit fills b with one Annex-B slice whose payload depends on n.
func writeAccessUnit(b []byte, n int, key bool) {
	copy(b, []byte{0, 0, 0, 1, 0x41})
	if key {
		b[4] = 0x65
	}
	for i := 5; i < len(b); i++ {
		b[i] = byte(1 + (n+i)%200)
	}
}

func expectedAccessUnit(size, n int, key bool) []byte {
	b := make([]byte, size)
	writeAccessUnit(b, n, key)
	return b
}

func newTestFrame() *frame.VideoFrame {
	f := testutil.GradientFrame(testWidth, testHeight)
	f.FrameRate = 30
	return f
}

func openFake(t *testing.T, fb *fakeBackend, cfg *codec.H264Config, opts ...Option) *H264Encoder {
	t.Helper()
	enc, err := Open(hwcodec.NewDevice(fb), Destination{FrameRate: 30}, cfg, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = enc.Close() })
	return enc
}

func TestOpenRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  codec.H264Config
		want error
	}{
		{"main profile", codec.H264Config{Profile: codec.H264ProfileMain}, codec.ErrUnsupportedProfile},
		{"fixed quality too high", codec.H264Config{FixQuality: 53}, codec.ErrInvalidQuality},
		{"min above max", codec.H264Config{MinQuality: 20, MaxQuality: 15}, codec.ErrQualityRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{}
			_, err := Open(hwcodec.NewDevice(fb), Destination{}, &tt.cfg)
			if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v and %v", err, ErrInvalidConfig, tt.want)
			}
			if fb.opened {
				t.Error("codec opened for an invalid configuration")
			}
		})
	}
}

func TestOpenDefaults(t *testing.T) {
	enc, err := Open(hwcodec.NewDevice(&fakeBackend{}), Destination{FrameRate: 25}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer enc.Close()

	want := codec.H264Config{
		Profile:    codec.H264ProfileBaseline,
		Bitrate:    1024,
		GOP:        30,
		MaxQuality: 50,
		MinQuality: 25,
	}
	if diff := cmp.Diff(want, enc.Config()); diff != "" {
		t.Errorf("Config() mismatch (-want +got):\n%s", diff)
	}

	enc2, err := Open(hwcodec.NewDevice(&fakeBackend{}), Destination{FrameRate: 25}, &codec.H264Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer enc2.Close()
	if got := enc2.Config().GOP; got != 25 {
		t.Errorf("GOP = %d, want destination frame rate 25", got)
	}
}

func TestOpenCodecFailure(t *testing.T) {
	sim := hwcodec.NewSimulator(hwcodec.SimulatorConfig{})
	sim.FailOpen(errors.New("no device"))
	if _, err := Open(hwcodec.NewDevice(sim), Destination{}, nil); !errors.Is(err, ErrCodecOpen) {
		t.Errorf("Open() error = %v, want ErrCodecOpen", err)
	}
	if _, err := Open(nil, Destination{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Open(nil) error = %v, want ErrInvalidConfig", err)
	}
}

func TestOpenSingleInstance(t *testing.T) {
	dev := hwcodec.NewDevice(hwcodec.NewSimulator(hwcodec.SimulatorConfig{}))
	first, err := Open(dev, Destination{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open(dev, Destination{}, nil); !errors.Is(err, ErrCodecOpen) || !errors.Is(err, hwcodec.ErrDeviceBusy) {
		t.Errorf("second Open() error = %v, want ErrCodecOpen wrapping ErrDeviceBusy", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	second, err := Open(dev, Destination{}, nil)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	second.Close()
}

func TestLazyInit(t *testing.T) {
	fb := &fakeBackend{}
	enc := openFake(t, fb, &codec.H264Config{Bitrate: 512, GOP: 15})

	if enc.StagingSize() != 0 {
		t.Errorf("StagingSize() = %d before first frame, want 0", enc.StagingSize())
	}
	if _, err := enc.Encode(newTestFrame(), make([]byte, 1<<16)); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	want := hwcodec.EncodeParam{
		Width:      testWidth,
		Height:     testHeight,
		FrameRate:  30,
		IPInterval: 15,
		MaxQuant:   52,
		MinQuant:   0,
		Quant:      26,
		Bitrate:    512000,
		SPSPPS:     hwcodec.SPSPPSOnIntra,
		Intra:      hwcodec.IntraFollowGOP,
	}
	if diff := cmp.Diff(want, fb.init); diff != "" {
		t.Errorf("init params mismatch (-want +got):\n%s", diff)
	}
	if enc.StagingSize() != testStaging {
		t.Errorf("StagingSize() = %d, want %d", enc.StagingSize(), testStaging)
	}
}

func TestInitFrameRateFallback(t *testing.T) {
	fb := &fakeBackend{}
	enc, err := Open(hwcodec.NewDevice(fb), Destination{FrameRate: 12}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer enc.Close()

	src := frame.NewI420Frame(testWidth, testHeight)
	if _, err := enc.Encode(src, make([]byte, 1<<16)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if fb.init.FrameRate != 12 {
		t.Errorf("FrameRate = %d, want destination rate 12", fb.init.FrameRate)
	}
}

func TestInitFailure(t *testing.T) {
	fb := &fakeBackend{initErr: errors.New("ioctl")}
	enc := openFake(t, fb, nil)
	if _, err := enc.Encode(newTestFrame(), make([]byte, 1<<16)); !errors.Is(err, ErrIO) {
		t.Errorf("Encode() error = %v, want ErrIO", err)
	}
}

func TestQuantFollowsController(t *testing.T) {
	sizes := []int{9000, 3000, 4000, 5200, 2500, 4300, 6000, 3900}
	fb := &fakeBackend{sizes: sizes, keyEvery: 30}
	enc := openFake(t, fb, nil)

	ref := ratecontrol.New(ratecontrol.DefaultConfig(1024000, 30, 30))
	var want []int
	src := newTestFrame()
	dst := make([]byte, 1<<16)
	for i := 0; i < 90; i++ {
		q := min(max(ref.Quant(), 25), 50)
		want = append(want, q)
		ref.Update(q, fb.size(i), fb.isKey(i))

		res, err := enc.Encode(src, dst)
		if err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
		if res.Quant != q {
			t.Fatalf("frame %d: Quant = %d, want %d", i, res.Quant, q)
		}
	}
	if diff := cmp.Diff(want, fb.quants); diff != "" {
		t.Errorf("hardware quants mismatch (-want +got):\n%s", diff)
	}
	if got := enc.Stats().RateControl.Quant; got != ref.Quant() {
		t.Errorf("controller quant = %d, want %d", got, ref.Quant())
	}
}

func TestQuantClampedToQualityBand(t *testing.T) {
	fb := &fakeBackend{sizes: []int{10}} // tiny frames push the controller toward 0
	enc := openFake(t, fb, &codec.H264Config{MinQuality: 20, MaxQuality: 40})

	src := newTestFrame()
	dst := make([]byte, 1<<16)
	for i := 0; i < 200; i++ {
		res, err := enc.Encode(src, dst)
		if err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
		if res.Quant < 20 || res.Quant > 40 {
			t.Fatalf("frame %d: Quant = %d outside [20, 40]", i, res.Quant)
		}
	}
	if got := fb.quants[len(fb.quants)-1]; got != 20 {
		t.Errorf("last quant = %d, want pinned at 20", got)
	}
}

func TestFixedQuality(t *testing.T) {
	fb := &fakeBackend{sizes: []int{9000, 100}}
	enc := openFake(t, fb, &codec.H264Config{FixQuality: 33})

	src := newTestFrame()
	dst := make([]byte, 1<<16)
	for i := 0; i < 10; i++ {
		if _, err := enc.Encode(src, dst); err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
	}
	for i, q := range fb.quants {
		if q != 33 {
			t.Errorf("frame %d: quant = %d, want 33", i, q)
		}
	}
	if got := enc.Stats().RateControl.Frames; got != 0 {
		t.Errorf("controller saw %d frames in fixed quality mode, want 0", got)
	}
}

func TestEncodeDirectIntoLargeDestination(t *testing.T) {
	fb := &fakeBackend{sizes: []int{testStaging + 500}}
	enc := openFake(t, fb, nil)

	dst := make([]byte, testStaging+1000)
	src := newTestFrame()
	src.Timestamp = 40 * time.Millisecond
	res, err := enc.Encode(src, dst)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := Result{
		N:          testStaging + 500,
		Timestamp:  40 * time.Millisecond,
		IsKeyframe: true,
		NAL:        codec.NALI,
		Quant:      26,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(dst[:res.N], expectedAccessUnit(res.N, 0, true)) {
		t.Error("destination does not hold the access unit")
	}
}

func TestEncodeCopiesWhenFits(t *testing.T) {
	fb := &fakeBackend{sizes: []int{1500}}
	enc := openFake(t, fb, nil)

	dst := make([]byte, 2000) // below the staging size
	res, err := enc.Encode(newTestFrame(), dst)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res.N != 1500 || res.Remaining != 0 {
		t.Errorf("N, Remaining = %d, %d, want 1500, 0", res.N, res.Remaining)
	}
	if !bytes.Equal(dst[:1500], expectedAccessUnit(1500, 0, true)) {
		t.Error("copied data mismatch")
	}
}

func TestStagingAndDrain(t *testing.T) {
	fb := &fakeBackend{sizes: []int{5000, 300}}
	enc := openFake(t, fb, nil)

	small := make([]byte, 1000)
	src := newTestFrame()
	src.Timestamp = time.Second
	res, err := enc.Encode(src, small)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res.N != 0 || res.Remaining != 5000 {
		t.Fatalf("N, Remaining = %d, %d, want 0, 5000", res.N, res.Remaining)
	}

	// Still too small: nothing moves.
	res, err = enc.Drain(small)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.N != 0 || res.Remaining != 5000 {
		t.Errorf("Drain(small) N, Remaining = %d, %d, want 0, 5000", res.N, res.Remaining)
	}

	big := make([]byte, 6000)
	res, err = enc.Drain(big)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	want := Result{N: 5000, Timestamp: time.Second, IsKeyframe: true, NAL: codec.NALI}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Drain result mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(big[:5000], expectedAccessUnit(5000, 0, true)) {
		t.Error("drained data mismatch")
	}

	res, _ = enc.Drain(big)
	if res != (Result{}) {
		t.Errorf("Drain on empty staging = %+v, want zero", res)
	}

	s := enc.Stats()
	if s.Staged != 1 || s.StagedDropped != 0 {
		t.Errorf("Staged, StagedDropped = %d, %d, want 1, 0", s.Staged, s.StagedDropped)
	}
}

func TestEncodeDropsUndrainedStaging(t *testing.T) {
	fb := &fakeBackend{sizes: []int{5000, 300}}
	enc := openFake(t, fb, nil)

	small := make([]byte, 1000)
	src := newTestFrame()
	if res, _ := enc.Encode(src, small); res.Remaining != 5000 {
		t.Fatalf("Remaining = %d, want 5000", res.Remaining)
	}
	res, err := enc.Encode(src, small)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res.N != 300 {
		t.Errorf("N = %d, want 300", res.N)
	}
	if res, _ := enc.Drain(small); res.N != 0 || res.Remaining != 0 {
		t.Errorf("Drain = %+v, want nothing staged", res)
	}
	if got := enc.Stats().StagedDropped; got != 1 {
		t.Errorf("StagedDropped = %d, want 1", got)
	}
}

func TestEncodeFailureIsLoggedAndRecoverable(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	sim := hwcodec.NewSimulator(hwcodec.SimulatorConfig{})
	enc, err := Open(hwcodec.NewDevice(sim), Destination{FrameRate: 30}, nil, WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer enc.Close()

	src := newTestFrame()
	dst := make([]byte, 1<<16)
	if _, err := enc.Encode(src, dst); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	hwErr := errors.New("timeout")
	sim.FailNext(hwcodec.CmdEncodeFrame, hwErr)
	_, err = enc.Encode(src, dst)
	if !errors.Is(err, ErrEncodeFailed) || !errors.Is(err, hwErr) {
		t.Errorf("Encode() error = %v, want ErrEncodeFailed wrapping %v", err, hwErr)
	}

	entries := logs.FilterMessage("encode frame").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d encode failures, want 1", len(entries))
	}
	if entries[0].LoggerName != "encoder" {
		t.Errorf("LoggerName = %q, want encoder", entries[0].LoggerName)
	}

	if _, err := enc.Encode(src, dst); err != nil {
		t.Errorf("Encode after failure: %v", err)
	}
	s := enc.Stats()
	if s.FramesEncoded != 2 || s.Failures != 1 {
		t.Errorf("FramesEncoded, Failures = %d, %d, want 2, 1", s.FramesEncoded, s.Failures)
	}
}

func TestEncodeRejectsGeometryChange(t *testing.T) {
	enc := openFake(t, &fakeBackend{}, nil)
	dst := make([]byte, 1<<16)
	if _, err := enc.Encode(newTestFrame(), dst); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := enc.Encode(frame.NewI420Frame(320, 240), dst); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Encode() error = %v, want ErrInvalidFrame", err)
	}
}

func TestSimulatorStreamNearTarget(t *testing.T) {
	sim := hwcodec.NewSimulator(hwcodec.DefaultSimulatorConfig())
	enc, err := Open(hwcodec.NewDevice(sim), Destination{FrameRate: 30}, &codec.H264Config{Bitrate: 1024, GOP: 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer enc.Close()

	src := frame.NewI420Frame(640, 480)
	src.FrameRate = 30
	dst := make([]byte, 1<<20)
	const frames = 600
	var tail int
	for i := 0; i < frames; i++ {
		res, err := enc.Encode(src, dst)
		if err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
		if res.IsKeyframe != (i%30 == 0) {
			t.Errorf("frame %d: IsKeyframe = %v", i, res.IsKeyframe)
		}
		if i >= frames-300 {
			tail += res.N
		}
	}

	bps := float64(tail) * 8 / 10 // 300 frames at 30 fps
	if bps < 0.75*1024000 || bps > 1.25*1024000 {
		t.Errorf("bitrate = %.0f bps, want within 25%% of 1024000", bps)
	}
}

func TestClose(t *testing.T) {
	fb := &fakeBackend{}
	enc, err := Open(hwcodec.NewDevice(fb), Destination{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := enc.Close(); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("second Close() = %v, want ErrEncoderClosed", err)
	}
	if fb.closes != 1 {
		t.Errorf("backend closes = %d, want 1", fb.closes)
	}
	if _, err := enc.Encode(newTestFrame(), nil); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("Encode after Close = %v, want ErrEncoderClosed", err)
	}

	var nilEnc *H264Encoder
	if err := nilEnc.Close(); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("nil Close() = %v, want ErrEncoderClosed", err)
	}
	if _, err := nilEnc.Encode(nil, nil); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("nil Encode() = %v, want ErrEncoderClosed", err)
	}
}

func TestAttr(t *testing.T) {
	cfg := codec.H264Config{Profile: codec.H264ProfileHigh, Bitrate: 300}
	Attr(&cfg)
	if cfg.Profile != codec.H264ProfileBaseline {
		t.Errorf("Profile = %v, want Baseline", cfg.Profile)
	}
	if cfg.Bitrate != 300 {
		t.Errorf("Bitrate = %d, want untouched 300", cfg.Bitrate)
	}
	Attr(nil)
}
