// Package protocol implements the worker's wire format: a decimal length line followed by a
// payload on the way in, and a one- or four-byte status reply on the way out.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const megabyte = 1024 * 1024

// DefaultMaxFrame caps a single payload so a garbage length line cannot make us allocate
// arbitrarily large buffers.
const DefaultMaxFrame = 64 * megabyte

var (
	// ErrEOF means the stream closed cleanly on a frame boundary. It is the normal shutdown path.
	ErrEOF = errors.New("stream closed")
	// ErrBadLength means the length line was not a positive decimal integer within bounds.
	ErrBadLength = errors.New("bad frame length")
	// ErrTruncated means the stream closed in the middle of a frame.
	ErrTruncated = errors.New("truncated frame")
)

// Frame is one request unit. Its length is len(Payload).
type Frame struct {
	Payload []byte
}

// Reader pulls length-prefixed frames off a byte stream.
type Reader struct {
	r        *bufio.Reader
	maxFrame int
}

// NewReader wraps r. maxFrame <= 0 selects DefaultMaxFrame.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Reader{r: bufio.NewReader(r), maxFrame: maxFrame}
}

// ReadFrame blocks until a whole frame is available.
func (fr *Reader) ReadFrame() (Frame, error) {
	line, err := fr.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line == "" {
				return Frame{}, ErrEOF
			}
			return Frame{}, fmt.Errorf("%w: stream closed inside length line %q", ErrTruncated, line)
		}
		return Frame{}, err
	}

	n, err := parseLength(line, fr.maxFrame)
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: expected %d bytes: %v", ErrTruncated, n, err)
		}
		return Frame{}, err
	}
	return Frame{Payload: payload}, nil
}

func parseLength(line string, maxFrame int) (int, error) {
	s := strings.TrimSpace(line)
	n, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadLength, s)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: zero", ErrBadLength)
	}
	if n > uint64(maxFrame) {
		return 0, fmt.Errorf("%w: %d exceeds limit of %d bytes", ErrBadLength, n, maxFrame)
	}
	return int(n), nil
}

// WriteFrame encodes payload in the request format. The worker itself never sends requests;
// this is used by replay tooling and tests to build streams.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
