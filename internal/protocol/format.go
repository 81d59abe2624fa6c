package protocol

import (
	"errors"
	"fmt"
)

// FormatTag selects the pixel encoding of a payload.
type FormatTag uint8

const (
	Raw      FormatTag = 0
	RGBA8888 FormatTag = 1
	JPEG     FormatTag = 2
)

// ErrUnknownFormat is returned for a trailer byte outside the known tags.
var ErrUnknownFormat = errors.New("unknown format tag")

func (t FormatTag) String() string {
	switch t {
	case Raw:
		return "raw"
	case RGBA8888:
		return "rgba8888"
	case JPEG:
		return "jpeg"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Resolved is a payload split into its image bytes and format.
type Resolved struct {
	Tag   FormatTag
	Image []byte
}

// Resolver decides how a payload is laid out. Tagged is the canonical shape; Legacy treats
// every payload as an untagged raw square.
type Resolver struct {
	Legacy bool
}

// Resolve never copies: Image aliases the frame payload.
func (r Resolver) Resolve(f Frame) (Resolved, error) {
	if r.Legacy {
		return Resolved{Tag: Raw, Image: f.Payload}, nil
	}
	n := len(f.Payload)
	if n == 0 {
		return Resolved{}, fmt.Errorf("%w: empty payload", ErrBadLength)
	}
	tag := FormatTag(f.Payload[n-1])
	switch tag {
	case Raw, RGBA8888, JPEG:
		return Resolved{Tag: tag, Image: f.Payload[:n-1]}, nil
	default:
		return Resolved{}, fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(tag))
	}
}
