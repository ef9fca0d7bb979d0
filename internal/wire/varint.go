package wire

import (
	"bytes"
	"fmt"
	"io"
)

// ProtoError is the single "protocol error" kind surfaced by the codec.
// Reason carries a short discriminant.
type ProtoError struct {
	Reason string
}

func (e *ProtoError) Error() string { return "protocol error: " + e.Reason }

func protoErrorf(format string, args ...interface{}) error {
	return &ProtoError{Reason: fmt.Sprintf(format, args...)}
}

// EncodeVariableInt encodes value using the MQTT "remaining length"
// 7-bit-per-byte little-endian continuation encoding, up to 4 bytes.
func EncodeVariableInt(value int) []byte {
	var buf bytes.Buffer
	EncodeVariableIntTo(value, &buf)
	return buf.Bytes()
}

// EncodeVariableIntTo writes value into to and returns the number of
// bytes written.
func EncodeVariableIntTo(value int, to *bytes.Buffer) int {
	n := 0
	for {
		b := byte(value % 128)
		value /= 128
		if value > 0 {
			b |= 0x80
		}
		to.WriteByte(b)
		n++
		if value == 0 {
			break
		}
	}
	return n
}

// DecodeVariableInt reads a variable-length integer from r. It returns
// a *ProtoError if more than 4 continuation bytes are seen or the
// encoded value exceeds MaxRemainingLength.
func DecodeVariableInt(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	one := make([]byte, 1)
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, one); err != nil {
			return 0, err
		}
		b := one[0]
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			if value > MaxRemainingLength {
				return 0, protoErrorf("remaining length %d exceeds maximum", value)
			}
			return value, nil
		}
		multiplier *= 128
	}
	return 0, protoErrorf("malformed variable length integer")
}
