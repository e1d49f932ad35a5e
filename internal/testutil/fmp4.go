package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// SplitFMP4 separates the leading ftyp+moov boxes of a file from its
// moof+mdat fragments.
func SplitFMP4(data []byte) (init, fragments []byte, err error) {
	off := 0
	for off < len(data) {
		if len(data)-off < 8 {
			return nil, nil, fmt.Errorf("truncated box header at %d", off)
		}
		size := int(binary.BigEndian.Uint32(data[off:]))
		if string(data[off+4:off+8]) == "moof" {
			break
		}
		if size < 8 || off+size > len(data) {
			return nil, nil, fmt.Errorf("invalid box size %d at %d", size, off)
		}
		off += size
	}
	return data[:off], data[off:], nil
}

// ParseFMP4 decodes a chunk file. init is nil when the file holds fragments
// only.
func ParseFMP4(data []byte) (*fmp4.Init, fmp4.Parts, error) {
	initData, fragData, err := SplitFMP4(data)
	if err != nil {
		return nil, nil, err
	}

	var init *fmp4.Init
	if len(initData) > 0 {
		init = &fmp4.Init{}
		if err := init.Unmarshal(bytes.NewReader(initData)); err != nil {
			return nil, nil, fmt.Errorf("unmarshaling init: %w", err)
		}
	}

	var parts fmp4.Parts
	if len(fragData) > 0 {
		if err := parts.Unmarshal(fragData); err != nil {
			return nil, nil, fmt.Errorf("unmarshaling fragments: %w", err)
		}
	}
	return init, parts, nil
}

// CountSamples returns the number of samples across all parts.
func CountSamples(parts fmp4.Parts) int {
	n := 0
	for _, p := range parts {
		for _, tr := range p.Tracks {
			n += len(tr.Samples)
		}
	}
	return n
}
