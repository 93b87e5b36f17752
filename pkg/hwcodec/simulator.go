package hwcodec

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Parameter sets emitted by the simulator: Baseline, level 3.1.
var (
	simSPS = []byte{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16, 0xe8, 0x40}
	simPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// SimulatorConfig tunes the simulated bitstream size. Zero fields take
// defaults.
type SimulatorConfig struct {
	// Complexity is the delta frame size in bytes per pixel at quantizer 1.
	Complexity float64
	// Gamma is the exponent of the quantizer in the size model.
	Gamma float64
	// KeyFrameScale multiplies the size of IDR frames.
	KeyFrameScale float64
	// Jitter is the relative random size variation, 0 for none.
	Jitter float64
	// Seed seeds the jitter and payload generator.
	Seed int64
	// MaxInstances bounds concurrently open instances (default 1).
	MaxInstances int
}

// DefaultSimulatorConfig returns a model that lands near 1 Mbps for VGA at
// 30 fps around quantizer 26.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Complexity:    1.8,
		Gamma:         1.5,
		KeyFrameScale: 3,
		Jitter:        0.1,
		Seed:          1,
		MaxInstances:  1,
	}
}

// FrameRecord describes one simulated encode.
type FrameRecord struct {
	Quant    int
	Size     int
	Keyframe bool
}

// SimulatorStats counts backend calls.
type SimulatorStats struct {
	Opens    int
	Closes   int
	Inits    int
	Frames   int
	Failures int
}

type simInstance struct {
	init        EncodeParam
	initialized bool
	frame       int
	sentParams  bool
}

// Simulator is a pure-Go Backend. It produces well-formed Annex-B access
// units whose size follows Complexity * pixels / quant^Gamma, with IDR
// frames every IP interval.
type Simulator struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	rng       *rand.Rand
	instances map[Instance]*simInstance
	next      Instance
	stats     SimulatorStats
	history   []FrameRecord
	failOpen  error
	failNext  map[Cmd]error
}

// NewSimulator returns a simulator using cfg.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	def := DefaultSimulatorConfig()
	if cfg.Complexity <= 0 {
		cfg.Complexity = def.Complexity
	}
	if cfg.Gamma <= 0 {
		cfg.Gamma = def.Gamma
	}
	if cfg.KeyFrameScale <= 0 {
		cfg.KeyFrameScale = def.KeyFrameScale
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 1
	}
	return &Simulator{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		instances: make(map[Instance]*simInstance),
		failNext:  make(map[Cmd]error),
	}
}

// FailOpen makes the next Open return err.
func (s *Simulator) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen = err
}

// FailNext makes the next Ioctl with cmd return err.
func (s *Simulator) FailNext(cmd Cmd, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[cmd] = err
}

// Stats returns the call counters.
func (s *Simulator) Stats() SimulatorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// History returns a copy of all encoded frame records.
func (s *Simulator) History() []FrameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FrameRecord(nil), s.history...)
}

// Open implements Backend.
func (s *Simulator) Open() (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Opens++
	if err := s.failOpen; err != nil {
		s.failOpen = nil
		s.stats.Failures++
		return -1, err
	}
	if len(s.instances) >= s.cfg.MaxInstances {
		s.stats.Failures++
		return -1, ErrDeviceBusy
	}
	inst := s.next
	s.next++
	s.instances[inst] = &simInstance{}
	return inst, nil
}

// Close implements Backend.
func (s *Simulator) Close(inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst]; !ok {
		return ErrNoInstance
	}
	s.stats.Closes++
	delete(s.instances, inst)
	return nil
}

// Ioctl implements Backend.
func (s *Simulator) Ioctl(inst Instance, cmd Cmd, p *EncodeParam) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instances[inst]
	if !ok {
		return ErrNoInstance
	}
	if err, ok := s.failNext[cmd]; ok {
		delete(s.failNext, cmd)
		s.stats.Failures++
		return err
	}

	switch cmd {
	case CmdEncodeInit:
		if err := p.Validate(); err != nil {
			s.stats.Failures++
			return err
		}
		s.stats.Inits++
		in.init = *p
		in.init.Y, in.init.U, in.init.V, in.init.Bitstream = nil, nil, nil, nil
		in.initialized = true
		in.frame = 0
		in.sentParams = false
		return nil
	case CmdEncodeFrame:
		if !in.initialized {
			s.stats.Failures++
			return ErrNotInitialized
		}
		if err := s.encode(in, p); err != nil {
			s.stats.Failures++
			return err
		}
		s.stats.Frames++
		s.history = append(s.history, FrameRecord{Quant: p.Quant, Size: p.BitstreamSize, Keyframe: p.Keyframe})
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrUnknownCommand, cmd)
	}
}

func (s *Simulator) isKeyFrame(in *simInstance, intra IntraMode) bool {
	switch intra {
	case IntraForce:
		return true
	case IntraNever:
		return in.frame == 0
	}
	if in.init.IPInterval <= 1 {
		return true
	}
	return in.frame%in.init.IPInterval == 0
}

// frameSize returns the modeled size of the slice payload.
func (s *Simulator) frameSize(in *simInstance, quant int, key bool) int {
	q := float64(max(quant, 1))
	pixels := float64(in.init.Width * in.init.Height)
	size := s.cfg.Complexity * pixels / math.Pow(q, s.cfg.Gamma)
	if key {
		size *= s.cfg.KeyFrameScale
	}
	if s.cfg.Jitter > 0 {
		size *= 1 + s.cfg.Jitter*(2*s.rng.Float64()-1)
	}
	return max(int(size), 1)
}

func (s *Simulator) encode(in *simInstance, p *EncodeParam) error {
	p.Width, p.Height = in.init.Width, in.init.Height
	if err := p.checkFrame(); err != nil {
		return err
	}

	key := s.isKeyFrame(in, p.Intra)
	withParams := key && (in.init.SPSPPS != SPSPPSFirstIDR || !in.sentParams)
	if in.init.SPSPPS == SPSPPSAlways {
		withParams = true
	}

	out := p.Bitstream[:0]
	if withParams {
		out = append(out, startCode...)
		out = append(out, simSPS...)
		out = append(out, startCode...)
		out = append(out, simPPS...)
		in.sentParams = true
	}

	header := byte(0x41) // nal_ref_idc 2, non-IDR slice
	if key {
		header = 0x65 // nal_ref_idc 3, IDR slice
	}
	out = append(out, startCode...)
	out = append(out, header)
	if len(out) > len(p.Bitstream) {
		return fmt.Errorf("%w: need %d, have %d", ErrBitstreamFull, len(out), len(p.Bitstream))
	}

	// The hardware stops writing at the end of the buffer.
	n := min(s.frameSize(in, p.Quant, key), len(p.Bitstream)-len(out))
	for i := 0; i < n; i++ {
		out = append(out, byte(1+s.rng.Intn(255)))
	}

	p.BitstreamSize = len(out)
	p.Keyframe = key
	in.frame++
	return nil
}

var _ Backend = (*Simulator)(nil)
