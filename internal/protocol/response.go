package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Status bytes for the single-byte replies. Any other leading byte is the X of a Found box.
const (
	StatusNone     byte = 0x00
	StatusMultiple byte = 0x01
	StatusTooSmall byte = 0x02
)

// ErrCoordinateOverflow is returned when a Found box cannot be represented in single bytes.
var ErrCoordinateOverflow = errors.New("box coordinate does not fit in a byte")

// CoordPolicy controls what happens to box values outside 0..255.
type CoordPolicy int

const (
	CoordError CoordPolicy = iota
	CoordClamp
)

// ParseCoordPolicy maps a config string onto a CoordPolicy.
func ParseCoordPolicy(s string) (CoordPolicy, error) {
	switch s {
	case "error", "":
		return CoordError, nil
	case "clamp":
		return CoordClamp, nil
	}
	return 0, fmt.Errorf("invalid coordinate policy %q (want error|clamp)", s)
}

// Encode returns the wire bytes for o.
func Encode(o types.Outcome, policy CoordPolicy) ([]byte, error) {
	switch o.Kind {
	case types.None:
		return []byte{StatusNone}, nil
	case types.Multiple:
		return []byte{StatusMultiple}, nil
	case types.TooSmall:
		return []byte{StatusTooSmall}, nil
	case types.Found:
		vals := [4]int{o.Box.X, o.Box.Y, o.Box.W, o.Box.H}
		out := make([]byte, 4)
		for i, v := range vals {
			b, err := toByte(v, policy)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", err, o.Box)
			}
			out[i] = b
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown outcome kind %d", o.Kind)
}

func toByte(v int, policy CoordPolicy) (byte, error) {
	if v >= 0 && v <= 255 {
		return byte(v), nil
	}
	if policy == CoordClamp {
		if v < 0 {
			return 0, nil
		}
		return 255, nil
	}
	return 0, ErrCoordinateOverflow
}

// Writer serializes outcomes and flushes after each one; the caller blocks on every reply.
type Writer struct {
	w      *bufio.Writer
	policy CoordPolicy
}

func NewWriter(w io.Writer, policy CoordPolicy) *Writer {
	return &Writer{w: bufio.NewWriter(w), policy: policy}
}

// WriteOutcome writes exactly one reply. Nothing is written if the outcome cannot be encoded.
func (rw *Writer) WriteOutcome(o types.Outcome) ([]byte, error) {
	b, err := Encode(o, rw.policy)
	if err != nil {
		return nil, err
	}
	if _, err := rw.w.Write(b); err != nil {
		return nil, err
	}
	if err := rw.w.Flush(); err != nil {
		return nil, err
	}
	return b, nil
}
