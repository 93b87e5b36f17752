// Package codec defines codec types and configurations for h264live.
package codec

import (
	"errors"
	"fmt"
)

// Type represents a video or audio codec type.
type Type int

const (
	// Video codecs
	H264 Type = iota

	// Audio codecs
	PCMU
	PCMA
	AAC
	PCM16
)

// String returns the string representation of the codec type.
func (t Type) String() string {
	switch t {
	case H264:
		return "H264"
	case PCMU:
		return "PCMU"
	case PCMA:
		return "PCMA"
	case AAC:
		return "AAC"
	case PCM16:
		return "PCM16"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for the codec.
func (t Type) MimeType() string {
	switch t {
	case H264:
		return "video/H264"
	case PCMU:
		return "audio/PCMU"
	case PCMA:
		return "audio/PCMA"
	case AAC:
		return "audio/mpeg4-generic"
	case PCM16:
		return "audio/L16"
	default:
		return ""
	}
}

// IsVideo returns true if this is a video codec.
func (t Type) IsVideo() bool {
	return t == H264
}

// IsAudio returns true if this is an audio codec.
func (t Type) IsAudio() bool {
	switch t {
	case PCMU, PCMA, AAC, PCM16:
		return true
	default:
		return false
	}
}

// ClockRate returns the RTP clock rate for the codec.
func (t Type) ClockRate() uint32 {
	switch t {
	case H264:
		return 90000
	case PCMU, PCMA:
		return 8000
	case AAC, PCM16:
		return 48000
	default:
		return 0
	}
}

// RateControlMode specifies the encoder rate control strategy.
type RateControlMode int

const (
	RateControlCBR RateControlMode = iota // Quantizer follows the bitrate controller
	RateControlCQ                         // Fixed quantizer, bitrate floats
)

// String returns the string representation of the rate control mode.
func (m RateControlMode) String() string {
	switch m {
	case RateControlCBR:
		return "CBR"
	case RateControlCQ:
		return "CQ"
	default:
		return "unknown"
	}
}

// H264Profile represents H.264 profiles.
type H264Profile int

const (
	H264ProfileBaseline H264Profile = iota
	H264ProfileMain
	H264ProfileHigh
)

// String returns the string representation of the profile.
func (p H264Profile) String() string {
	switch p {
	case H264ProfileBaseline:
		return "baseline"
	case H264ProfileMain:
		return "main"
	case H264ProfileHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ProfileLevelID returns the SDP profile-level-id for the profile at level 3.1.
func (p H264Profile) ProfileLevelID() string {
	switch p {
	case H264ProfileMain:
		return "4d001f"
	case H264ProfileHigh:
		return "64001f"
	default:
		return "42001f"
	}
}

// Quantizer range accepted by the H.264 encoder block.
const (
	MaxQuant = 52
	MinQuant = 0
)

// Configuration errors returned by NormalizeH264Config.
var (
	ErrUnsupportedProfile = errors.New("unsupported H.264 profile")
	ErrInvalidQuality     = errors.New("fixed quality out of range")
	ErrQualityRange       = errors.New("min quality must be below max quality")
)

// H264Config contains H.264 encoder configuration.
type H264Config struct {
	Profile H264Profile // Only H264ProfileBaseline is supported by the hardware

	// Quality
	FixQuality uint32 // Fixed quantizer 1 (better) .. 52; 0 = follow Bitrate
	MaxQuality uint32 // Upper quantizer bound in bitrate mode (0 = 50)
	MinQuality uint32 // Lower quantizer bound in bitrate mode (0 = 25)

	// Bitrate control
	Bitrate uint32 // Target bitrate in kbps (0 = 1024)

	// Key frames
	GOP uint32 // 0 = destination frame rate, 1 = all I frames, >1 = fixed interval
}

// RateControl returns the rate control mode implied by the configuration.
func (c H264Config) RateControl() RateControlMode {
	if c.FixQuality != 0 {
		return RateControlCQ
	}
	return RateControlCBR
}

// BitrateBps returns the target bitrate in bits per second.
func (c H264Config) BitrateBps() uint32 {
	return c.Bitrate * 1000
}

// DefaultH264Config returns the defaults used when no parameter block is given.
func DefaultH264Config() H264Config {
	return H264Config{
		Profile:    H264ProfileBaseline,
		FixQuality: 0,
		Bitrate:    1024,
		GOP:        30,
		MaxQuality: 50,
		MinQuality: 25,
	}
}

// NormalizeH264Config validates cfg and fills zero fields with defaults.
// destFrameRate is used as the GOP when cfg.GOP is zero.
func NormalizeH264Config(cfg H264Config, destFrameRate int) (H264Config, error) {
	def := DefaultH264Config()

	if cfg.Profile != H264ProfileBaseline {
		return cfg, fmt.Errorf("%w: %s", ErrUnsupportedProfile, cfg.Profile)
	}
	if cfg.FixQuality > MaxQuant {
		return cfg, fmt.Errorf("%w: %d", ErrInvalidQuality, cfg.FixQuality)
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = def.Bitrate
	}
	if cfg.GOP == 0 {
		if destFrameRate > 0 {
			cfg.GOP = uint32(destFrameRate)
		} else {
			cfg.GOP = def.GOP
		}
	}
	if cfg.MaxQuality == 0 || cfg.MaxQuality > def.MaxQuality {
		cfg.MaxQuality = def.MaxQuality
	}
	if cfg.MinQuality == 0 || cfg.MinQuality > def.MinQuality {
		cfg.MinQuality = def.MinQuality
	}
	if cfg.MinQuality >= cfg.MaxQuality {
		return cfg, fmt.Errorf("%w: min %d, max %d", ErrQualityRange, cfg.MinQuality, cfg.MaxQuality)
	}
	return cfg, nil
}
