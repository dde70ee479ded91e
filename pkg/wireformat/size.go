// Package wireformat provides the fixed-width integer, address, certificate,
// and link-specifier codecs shared by the cell and descriptor layers.
// See tor-spec.txt for the wire formats this package implements.
package wireformat

import (
	"fmt"
)

// Size is a packable/unpackable fixed-width unsigned integer field.
type Size int

// Field widths used throughout the ORPort wire format.
const (
	CHAR      Size = 1
	SHORT     Size = 2
	LONG      Size = 4
	LONG_LONG Size = 8
)

// ErrNegativeValue is returned when Pack is asked to encode a negative value.
var ErrNegativeValue = fmt.Errorf("wireformat: negative values cannot be packed")

func (s Size) maxValue() uint64 {
	if s >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * uint(s))) - 1
}

// Pack encodes n as a big-endian unsigned integer of width s.
func (s Size) Pack(n int64) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeValue
	}
	if uint64(n) > s.maxValue() {
		return nil, fmt.Errorf("wireformat: %d does not fit in %d bytes", n, s)
	}

	buf := make([]byte, s)
	v := uint64(n)
	for i := int(s) - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf, nil
}

// Unpack decodes exactly len(s) bytes of data as a big-endian unsigned integer.
func (s Size) Unpack(data []byte) (int64, error) {
	if len(data) != int(s) {
		return 0, fmt.Errorf("wireformat: %w: expected %d bytes, got %d", ErrMalformedField, s, len(data))
	}

	var v uint64
	for _, b := range data {
		v = (v << 8) | uint64(b)
	}
	return int64(v), nil
}

// Pop decodes the first len(s) bytes of data, returning the value and the remainder.
func (s Size) Pop(data []byte) (int64, []byte, error) {
	if len(data) < int(s) {
		return 0, nil, fmt.Errorf("wireformat: %w: need %d bytes, have %d", ErrMalformedField, s, len(data))
	}
	v, err := s.Unpack(data[:s])
	if err != nil {
		return 0, nil, err
	}
	return v, data[s:], nil
}

// ErrMalformedField is wrapped into errors raised when a fixed-width field is truncated.
var ErrMalformedField = fmt.Errorf("malformed field")
