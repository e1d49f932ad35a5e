package media

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// ParameterSets holds the out-of-band configuration NAL units of a stream.
type ParameterSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// Complete reports whether all parameter sets required by codec are present.
func (p ParameterSets) Complete(codec Codec) bool {
	if len(p.SPS) == 0 || len(p.PPS) == 0 {
		return false
	}
	return codec != CodecH265 || len(p.VPS) > 0
}

// Merge overwrites p with the non-empty sets of other and reports whether anything changed.
func (p *ParameterSets) Merge(other ParameterSets) bool {
	changed := false
	if len(other.VPS) > 0 && !bytes.Equal(p.VPS, other.VPS) {
		p.VPS = cloneBytes(other.VPS)
		changed = true
	}
	if len(other.SPS) > 0 && !bytes.Equal(p.SPS, other.SPS) {
		p.SPS = cloneBytes(other.SPS)
		changed = true
	}
	if len(other.PPS) > 0 && !bytes.Equal(p.PPS, other.PPS) {
		p.PPS = cloneBytes(other.PPS)
		changed = true
	}
	return changed
}

// NALUs returns the sets in decoding order.
func (p ParameterSets) NALUs(codec Codec) [][]byte {
	var out [][]byte
	if codec == CodecH265 && len(p.VPS) > 0 {
		out = append(out, p.VPS)
	}
	if len(p.SPS) > 0 {
		out = append(out, p.SPS)
	}
	if len(p.PPS) > 0 {
		out = append(out, p.PPS)
	}
	return out
}

// SplitNALUs parses a payload in Annex B or AVCC framing into NAL units.
// Payloads that match neither are returned as a single NAL unit.
func SplitNALUs(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	if isAnnexB(data) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err != nil {
			return [][]byte{data}
		}
		return au
	}

	if len(data) >= 4 {
		var au h264.AVCC
		if err := au.Unmarshal(data); err == nil && len(au) > 0 {
			return au
		}
	}

	return [][]byte{data}
}

func isAnnexB(data []byte) bool {
	if len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01 {
		return true
	}
	return len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x00 && data[3] == 0x01
}

// ExtractParameterSets collects the parameter sets contained in nalus.
func ExtractParameterSets(codec Codec, nalus [][]byte) ParameterSets {
	var p ParameterSets
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch codec {
		case CodecH265:
			if len(nalu) < 2 {
				continue
			}
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				p.VPS = nalu
			case h265.NALUType_SPS_NUT:
				p.SPS = nalu
			case h265.NALUType_PPS_NUT:
				p.PPS = nalu
			}
		default:
			switch h264.NALUType(nalu[0] & 0x1F) {
			case h264.NALUTypeSPS:
				p.SPS = nalu
			case h264.NALUTypePPS:
				p.PPS = nalu
			}
		}
	}
	return p
}

// IsRandomAccess reports whether the access unit starts a decodable sequence.
func IsRandomAccess(codec Codec, nalus [][]byte) bool {
	if codec == CodecH265 {
		return h265.IsRandomAccess(nalus)
	}
	return h264.IsRandomAccess(nalus)
}

func isParameterSet(codec Codec, nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	if codec == CodecH265 {
		switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
		case h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT:
			return true
		}
		return false
	}
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeSPS, h264.NALUTypePPS:
		return true
	}
	return false
}

func isAccessUnitDelimiter(codec Codec, nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	if codec == CodecH265 {
		return h265.NALUType((nalu[0]>>1)&0x3F) == h265.NALUType_AUD_NUT
	}
	return h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeAccessUnitDelimiter
}

// PrependParameterSets returns the access unit with params placed in front of
// the picture data, after any access unit delimiter. In-band copies already
// present in the access unit are replaced.
func PrependParameterSets(codec Codec, nalus [][]byte, params ParameterSets) [][]byte {
	sets := params.NALUs(codec)
	out := make([][]byte, 0, len(nalus)+len(sets))

	i := 0
	if len(nalus) > 0 && isAccessUnitDelimiter(codec, nalus[0]) {
		out = append(out, nalus[0])
		i = 1
	}
	out = append(out, sets...)
	for _, nalu := range nalus[i:] {
		if isParameterSet(codec, nalu) {
			continue
		}
		out = append(out, nalu)
	}
	return out
}

// MarshalAVCC encodes NAL units with 4-byte length prefixes, the framing
// used inside MP4 samples. The result never aliases the input.
func MarshalAVCC(nalus [][]byte) ([]byte, error) {
	if len(nalus) == 0 {
		return nil, fmt.Errorf("no NAL units")
	}
	avcc, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling AVCC: %w", err)
	}
	return avcc, nil
}
