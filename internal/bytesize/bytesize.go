// Package bytesize provides a byte-count type that decodes from
// human-readable strings such as "4Mi", "256MiB" or "1GB".
package bytesize

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes.
//
// Binary suffixes (Ki, Mi, Gi, Ti with or without the trailing B) multiply by
// 1024; decimal ones (K, M, G, T, KB...) by 1000. A bare number is bytes.
type ByteSize uint64

const (
	B  ByteSize = 1
	KB ByteSize = 1000 * B
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB

	KiB ByteSize = 1024 * B
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

// Parse converts s into a ByteSize.
func Parse(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// MustParse is Parse for constants known to be valid.
func MustParse(s string) ByteSize {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// UnmarshalText lets ByteSize be decoded by mapstructure, yaml and flags.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalText renders the largest exact binary unit, so decoding the text
// yields the same value.
func (b ByteSize) MarshalText() ([]byte, error) {
	for _, u := range []struct {
		size   ByteSize
		suffix string
	}{{TiB, "TiB"}, {GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}} {
		if b >= u.size && b%u.size == 0 {
			return []byte(fmt.Sprintf("%d%s", uint64(b/u.size), u.suffix)), nil
		}
	}
	return []byte(fmt.Sprintf("%d", uint64(b))), nil
}

// String returns the size using IEC units, e.g. "4.0 MiB".
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Int64 returns b as an int64, saturating at math.MaxInt64.
func (b ByteSize) Int64() int64 {
	if uint64(b) > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(b)
}

// Uint64 returns b as a uint64.
func (b ByteSize) Uint64() uint64 {
	return uint64(b)
}
