package chunk

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/chunkrec/internal/media"
)

// Errors for fMP4 operations
var (
	ErrCodecNotConfigured = errors.New("codec not configured")
	ErrNoSamples          = errors.New("no samples to write")
)

const videoTrackID = 1

// FMP4Writer wraps mediacommon's fmp4 for writing the single-track init
// segment and media parts of a recording.
type FMP4Writer struct {
	codec     mp4.Codec
	timescale uint32
	seqNum    uint32
}

// NewFMP4Writer creates an fMP4 writer for format.
func NewFMP4Writer(format media.OutputFormat, timescale uint32) (*FMP4Writer, error) {
	codec, err := videoCodec(format)
	if err != nil {
		return nil, err
	}
	if timescale == 0 {
		return nil, fmt.Errorf("timescale must be positive")
	}
	return &FMP4Writer{
		codec:     codec,
		timescale: timescale,
		seqNum:    1,
	}, nil
}

func videoCodec(format media.OutputFormat) (mp4.Codec, error) {
	switch format.Codec {
	case media.CodecH264:
		if len(format.SPS) == 0 || len(format.PPS) == 0 {
			return nil, fmt.Errorf("H.264 SPS/PPS not available: %w", ErrCodecNotConfigured)
		}
		return &mp4.CodecH264{
			SPS: format.SPS,
			PPS: format.PPS,
		}, nil

	case media.CodecH265:
		if len(format.VPS) == 0 || len(format.SPS) == 0 || len(format.PPS) == 0 {
			return nil, fmt.Errorf("H.265 VPS/SPS/PPS not available: %w", ErrCodecNotConfigured)
		}
		return &mp4.CodecH265{
			VPS: format.VPS,
			SPS: format.SPS,
			PPS: format.PPS,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported video codec %q: %w", format.Codec, ErrCodecNotConfigured)
	}
}

// Timescale returns the track timescale.
func (w *FMP4Writer) Timescale() uint32 {
	return w.timescale
}

// GenerateInit generates the ftyp+moov init segment with the given
// orientation applied to the track header.
func (w *FMP4Writer) GenerateInit(orientation int) ([]byte, error) {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: w.timescale,
			Codec:     w.codec,
		}},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling init: %w", err)
	}

	data := buf.Bytes()
	if err := SetOrientation(data, orientation); err != nil {
		return nil, err
	}
	return data, nil
}

// GeneratePart generates one moof+mdat fragment.
func (w *FMP4Writer) GeneratePart(samples []*fmp4.Sample, baseTime uint64) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	part := fmp4.Part{
		SequenceNumber: w.seqNum,
		Tracks: []*fmp4.PartTrack{{
			ID:       videoTrackID,
			BaseTime: baseTime,
			Samples:  samples,
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling part: %w", err)
	}

	w.seqNum++
	return buf.Bytes(), nil
}

// SequenceNumber returns the sequence number of the next part.
func (w *FMP4Writer) SequenceNumber() uint32 {
	return w.seqNum
}
