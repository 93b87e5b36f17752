// Package ratecontrol provides the closed-loop quantizer controller used by
// the H.264 encoder driver.
//
// The controller is fed the size of every encoded frame and answers with the
// quantizer to request for the next one. It is a pure numeric state machine
// with no locking; drive it from the encoder goroutine only.
package ratecontrol

import (
	"errors"
	"fmt"
	"math"
)

// Quantizer range and the tuning used by the encoder driver.
const (
	MaxQuant = 52
	MinQuant = 0

	DelayFactor       = 4   // frames averaged into avgFrameSize
	AveragingPeriod   = 100 // frames averaged into sequenceQuality
	BufferSizeQuality = 100
	BufferSizeBitrate = 10
)

// qualityFloor is the lowest target quality, i.e. 2/MaxQuant.
const qualityFloor = 2.0 / MaxQuant

// Validation errors.
var (
	ErrInvalidFrameRate = errors.New("frame rate must be positive")
	ErrInvalidRange     = errors.New("quantizer range invalid")
	ErrInvalidQuant     = errors.New("initial quantizer outside range")
	ErrInvalidPeriod    = errors.New("delay factor, averaging period and buffer size must be positive")
)

// Config holds the controller's init parameters.
type Config struct {
	TargetRate          uint32  // bits per second
	ReactionDelayFactor uint32  // frames
	AveragingPeriod     uint32  // frames
	BufferSize          uint32  // abstract seconds of buffering
	FrameRate           float64 // frames per second
	MaxQuant            int
	MinQuant            int
	InitialQuant        int
	IPInterval          uint32 // GOP length; 0 disables the pre-key-frame cut
}

// DefaultConfig returns the tuning the encoder driver uses for a stream.
func DefaultConfig(targetRate uint32, frameRate float64, ipInterval uint32) Config {
	return Config{
		TargetRate:          targetRate,
		ReactionDelayFactor: DelayFactor,
		AveragingPeriod:     AveragingPeriod,
		BufferSize:          BufferSizeBitrate,
		FrameRate:           frameRate,
		MaxQuant:            MaxQuant,
		MinQuant:            MinQuant,
		InitialQuant:        26,
		IPInterval:          ipInterval,
	}
}

// Validate checks the preconditions New assumes. New never calls it.
func Validate(cfg Config) error {
	if !(cfg.FrameRate > 0) {
		return fmt.Errorf("%w: %v", ErrInvalidFrameRate, cfg.FrameRate)
	}
	if cfg.MinQuant < 0 || cfg.MaxQuant <= cfg.MinQuant || cfg.MaxQuant > MaxQuant {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, cfg.MinQuant, cfg.MaxQuant)
	}
	if cfg.InitialQuant < cfg.MinQuant || cfg.InitialQuant > cfg.MaxQuant {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidQuant, cfg.InitialQuant, cfg.MinQuant, cfg.MaxQuant)
	}
	if cfg.ReactionDelayFactor == 0 || cfg.AveragingPeriod == 0 || cfg.BufferSize == 0 {
		return ErrInvalidPeriod
	}
	return nil
}

// Controller is the rate control state.
type Controller struct {
	targetRate          float64
	frameRate           float64
	targetFrameSize     float64
	reactionDelayFactor float64
	averagingPeriod     float64
	bufferSize          float64
	maxQuant            int
	minQuant            int

	quant         int
	previousQuant int

	sequenceQuality float64
	avgFrameSize    float64
	totalSize       int64
	frameCount      int64

	quantError [MaxQuant]float64

	ipInterval        uint32
	ipIntervalCounter uint32
}

// Stats is a snapshot of the controller state.
type Stats struct {
	Quant           int
	PreviousQuant   int
	Frames          int64
	TotalSize       int64
	Deviation       int64
	AvgFrameSize    float64
	SequenceQuality float64
	TargetFrameSize float64
}

// New returns a controller initialized from cfg. Parameters are not
// checked; call Validate first when they come from an untrusted source.
func New(cfg Config) *Controller {
	c := &Controller{}
	c.Reset(cfg)
	return c
}

// Reset re-initializes the controller in place.
func (c *Controller) Reset(cfg Config) {
	*c = Controller{
		targetRate:          float64(cfg.TargetRate),
		frameRate:           cfg.FrameRate,
		reactionDelayFactor: float64(cfg.ReactionDelayFactor),
		averagingPeriod:     float64(cfg.AveragingPeriod),
		bufferSize:          float64(cfg.BufferSize),
		maxQuant:            cfg.MaxQuant,
		minQuant:            cfg.MinQuant,
		quant:               cfg.InitialQuant,
		previousQuant:       cfg.InitialQuant,
		ipInterval:          cfg.IPInterval,
	}
	c.targetFrameSize = c.targetRate / 8.0 / c.frameRate
	c.sequenceQuality = 2.0 / float64(cfg.InitialQuant)
	c.avgFrameSize = c.targetFrameSize
}

// Quant returns the quantizer to request for the next encode.
func (c *Controller) Quant() int {
	return c.quant
}

// TargetFrameSize returns the per-frame byte budget.
func (c *Controller) TargetFrameSize() float64 {
	return c.targetFrameSize
}

// Update feeds back the quantizer that was used and the size of the frame
// it produced.
func (c *Controller) Update(usedQuant int, frameSize int, isKeyFrame bool) {
	c.quant = c.previousQuant

	size := float64(frameSize)
	pinnedLow := usedQuant == c.minQuant && size < c.targetFrameSize
	pinnedHigh := usedQuant == c.maxQuant && size > c.targetFrameSize
	if !pinnedLow && !pinnedHigh {
		c.frameCount++
		c.totalSize += int64(frameSize)
	}

	deviation := c.deviation()

	if usedQuant >= 2 {
		c.sequenceQuality -= c.sequenceQuality / c.averagingPeriod
		c.sequenceQuality += 2.0 / float64(usedQuant) / c.averagingPeriod
		if c.sequenceQuality < 0.1 {
			c.sequenceQuality = 0.1
		}
		if !isKeyFrame {
			c.avgFrameSize -= c.avgFrameSize / c.reactionDelayFactor
			c.avgFrameSize += size / c.reactionDelayFactor
		}
	}

	qualityScale := c.targetFrameSize / c.avgFrameSize * c.targetFrameSize / c.avgFrameSize

	baseQuality := c.sequenceQuality
	if qualityScale >= 1.0 {
		baseQuality = 1.0 - (1.0-baseQuality)/qualityScale
	} else {
		baseQuality = qualityFloor + (baseQuality-qualityFloor)*qualityScale
	}

	overflow := -(float64(deviation) / c.bufferSize)

	targetQuality := baseQuality + (baseQuality-qualityFloor)*overflow/c.targetFrameSize
	if targetQuality > 2.0 {
		targetQuality = 2.0
	} else if targetQuality < qualityFloor {
		targetQuality = qualityFloor
	}

	candidate := int(2.0 / targetQuality)
	if candidate < MaxQuant {
		c.quantError[candidate] += 2.0/targetQuality - float64(candidate)
		if c.quantError[candidate] >= 1.0 {
			c.quantError[candidate] -= 1.0
			candidate++
		}
	}

	step := 1
	if c.frameRate <= 10 {
		step = 3
	}
	if candidate > c.quant+step {
		candidate = c.quant + step
	} else if candidate < c.quant-step {
		candidate = c.quant - step
	}

	if candidate > c.maxQuant {
		candidate = c.maxQuant
	} else if candidate < c.minQuant {
		candidate = c.minQuant
	}
	c.previousQuant = candidate

	// Leave room for the key frame that follows on slow, thin streams.
	if c.frameRate <= 10 && c.targetRate <= 128000 && c.ipInterval > 0 {
		c.ipIntervalCounter++
		if c.ipIntervalCounter%c.ipInterval == 0 {
			candidate -= 5
			if candidate <= 25 {
				candidate = 25
			}
		}
	}
	if isKeyFrame {
		c.ipIntervalCounter = 1
	}
	c.quant = candidate
}

func (c *Controller) deviation() int64 {
	ideal := c.targetRate / 8.0 / c.frameRate * float64(c.frameCount)
	d := float64(c.totalSize) - ideal
	if math.IsNaN(d) {
		return 0
	}
	return int64(d)
}

// Stats returns a snapshot of the controller state.
func (c *Controller) Stats() Stats {
	return Stats{
		Quant:           c.quant,
		PreviousQuant:   c.previousQuant,
		Frames:          c.frameCount,
		TotalSize:       c.totalSize,
		Deviation:       c.deviation(),
		AvgFrameSize:    c.avgFrameSize,
		SequenceQuality: c.sequenceQuality,
		TargetFrameSize: c.targetFrameSize,
	}
}
