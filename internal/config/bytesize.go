package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

var errEmptyByteSize = errors.New("empty byte size")

// ByteSize is a byte count written in config as "256MiB", "1GB" or a plain
// number. Viper decodes it through UnmarshalText.
type ByteSize int64

// ParseByteSize accepts SI (KB, MB) and IEC (KiB, MiB) suffixes, case
// insensitively.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errEmptyByteSize
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String uses IEC units, e.g. "256 MiB".
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.IBytes(uint64(b))
}
