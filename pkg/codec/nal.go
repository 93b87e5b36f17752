package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// NALType is a bitmask of the NAL unit kinds found in one H.264 access unit.
// The bit values are shared with the hardware encoder's frame type report.
type NALType uint32

const (
	NALUnknown NALType = 0x00
	NALSPS     NALType = 0x01
	NALPPS     NALType = 0x02
	NALI       NALType = 0x04
	NALP       NALType = 0x08
	NALAUD     NALType = 0x10
	NALSEI     NALType = 0x20
)

// ErrNoNALUnits is returned when an access unit carries no Annex-B NAL units.
var ErrNoNALUnits = errors.New("no NAL units in access unit")

// IsKeyFrame reports whether the mask contains an IDR slice.
func (t NALType) IsKeyFrame() bool {
	return t&NALI != 0
}

// String returns a "|" separated list of the kinds in the mask.
func (t NALType) String() string {
	if t == NALUnknown {
		return "unknown"
	}
	names := []struct {
		bit  NALType
		name string
	}{
		{NALSPS, "SPS"},
		{NALPPS, "PPS"},
		{NALI, "I"},
		{NALP, "P"},
		{NALAUD, "AUD"},
		{NALSEI, "SEI"},
	}
	var parts []string
	for _, n := range names {
		if t&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// FrameInfo describes the NAL units of an access unit. Slices alias the
// buffer passed to ParseH264Frame and include the one-byte NAL header.
type FrameInfo struct {
	NALType NALType
	SPS     []byte
	PPS     []byte
	SEI     []byte
	Slice   []byte // first I or P slice
}

// ParseH264Frame scans an Annex-B access unit and reports which NAL unit
// kinds it contains.
func ParseH264Frame(au []byte) (FrameInfo, error) {
	var info FrameInfo

	nalus, err := h264.AnnexBUnmarshal(au)
	if err != nil {
		return info, fmt.Errorf("parse access unit: %w", err)
	}
	if len(nalus) == 0 {
		return info, ErrNoNALUnits
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			info.NALType |= NALSPS
			info.SPS = nalu
		case h264.NALUTypePPS:
			info.NALType |= NALPPS
			info.PPS = nalu
		case h264.NALUTypeAccessUnitDelimiter:
			info.NALType |= NALAUD
		case h264.NALUTypeSEI:
			info.NALType |= NALSEI
			info.SEI = nalu
		case h264.NALUTypeIDR:
			info.NALType |= NALI
			if info.Slice == nil {
				info.Slice = nalu
			}
		case h264.NALUTypeNonIDR:
			info.NALType |= NALP
			if info.Slice == nil {
				info.Slice = nalu
			}
		}
	}
	return info, nil
}
