package chunk

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/abema/go-mp4"
)

// ErrInvalidOrientation is returned for rotations other than 0, 90, 180 and 270 degrees.
var ErrInvalidOrientation = errors.New("orientation must be 0, 90, 180 or 270")

const (
	fixedOne = 1 << 16 // 16.16
	fixedW   = 1 << 30 // 2.30
)

// Display matrices for each rotation, as laid out in ISO/IEC 14496-12 8.3.2.
var orientationMatrices = map[int][9]int32{
	0:   {fixedOne, 0, 0, 0, fixedOne, 0, 0, 0, fixedW},
	90:  {0, fixedOne, 0, -fixedOne, 0, 0, 0, 0, fixedW},
	180: {-fixedOne, 0, 0, 0, -fixedOne, 0, 0, 0, fixedW},
	270: {0, -fixedOne, 0, fixedOne, 0, 0, 0, 0, fixedW},
}

var tkhdPath = mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeTkhd()}

// ValidOrientation reports whether degrees is a supported rotation.
func ValidOrientation(degrees int) bool {
	_, ok := orientationMatrices[degrees]
	return ok
}

// SetOrientation rewrites the matrix of every track header in the init
// segment in place.
func SetOrientation(init []byte, degrees int) error {
	matrix, ok := orientationMatrices[degrees]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidOrientation, degrees)
	}

	headers, err := trackHeaders(init)
	if err != nil {
		return err
	}
	for _, h := range headers {
		tkhd := h.Payload.(*mp4.Tkhd)
		tkhd.Matrix = matrix

		var buf bytes.Buffer
		if _, err := mp4.Marshal(&buf, tkhd, h.Info.Context); err != nil {
			return fmt.Errorf("marshalling tkhd: %w", err)
		}
		// The matrix has a fixed width, so the payload keeps its size.
		payload := h.Info.Size - h.Info.HeaderSize
		if uint64(buf.Len()) != payload {
			return fmt.Errorf("tkhd payload changed size: %d != %d", buf.Len(), payload)
		}
		copy(init[h.Info.Offset+h.Info.HeaderSize:], buf.Bytes())
	}
	return nil
}

// Orientation returns the rotation encoded in the first track header.
func Orientation(init []byte) (int, error) {
	headers, err := trackHeaders(init)
	if err != nil {
		return 0, err
	}
	got := headers[0].Payload.(*mp4.Tkhd).Matrix
	for degrees, m := range orientationMatrices {
		if m == got {
			return degrees, nil
		}
	}
	return 0, fmt.Errorf("unrecognized track matrix %v", got)
}

// trackHeaders returns every moov/trak/tkhd box with its decoded payload.
func trackHeaders(init []byte) ([]*mp4.BoxInfoWithPayload, error) {
	headers, err := mp4.ExtractBoxWithPayload(bytes.NewReader(init), nil, tkhdPath)
	if err != nil {
		return nil, fmt.Errorf("reading init segment: %w", err)
	}
	if len(headers) == 0 {
		return nil, errors.New("init segment has no track headers")
	}
	return headers, nil
}
