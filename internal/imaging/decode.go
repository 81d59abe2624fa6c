// Package imaging turns request payloads into the single-channel square buffer the detectors consume.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"github.com/andresmejia3/facewatch/internal/protocol"
	"golang.org/x/image/draw"
)

var (
	// ErrCorrupt means the image codec rejected the payload.
	ErrCorrupt = errors.New("corrupt image")
	// ErrShapeMismatch means the byte count does not form a square of the expected depth.
	ErrShapeMismatch = errors.New("image shape mismatch")
	// ErrNonSquare is returned for non-square JPEGs when the reject policy is active.
	ErrNonSquare = fmt.Errorf("%w: non-square image", ErrShapeMismatch)
)

// Canonical is a side x side grayscale image, row-major, one byte per pixel.
// OffsetX/OffsetY locate the buffer inside the source image when it was cropped.
type Canonical struct {
	Side    int
	Pix     []byte
	OffsetX int
	OffsetY int
}

// NonSquarePolicy decides what to do with decoded images whose width != height.
type NonSquarePolicy int

const (
	CropCenter NonSquarePolicy = iota
	RejectNonSquare
)

// ParseNonSquarePolicy maps a config string onto a NonSquarePolicy.
func ParseNonSquarePolicy(s string) (NonSquarePolicy, error) {
	switch s {
	case "crop", "":
		return CropCenter, nil
	case "reject":
		return RejectNonSquare, nil
	}
	return 0, fmt.Errorf("invalid non-square policy %q (want crop|reject)", s)
}

// Decoder dispatches on the format tag.
type Decoder struct {
	NonSquare NonSquarePolicy
}

// Decode converts resolved image bytes to a Canonical image. The raw path aliases the input.
func (d Decoder) Decode(r protocol.Resolved) (Canonical, error) {
	switch r.Tag {
	case protocol.Raw:
		return decodeRaw(r.Image)
	case protocol.RGBA8888:
		return decodeRGBA(r.Image)
	case protocol.JPEG:
		return d.decodeJPEG(r.Image)
	}
	return Canonical{}, fmt.Errorf("%w: %d", protocol.ErrUnknownFormat, uint8(r.Tag))
}

func decodeRaw(b []byte) (Canonical, error) {
	side := isqrt(len(b))
	if side < 1 || side*side != len(b) {
		return Canonical{}, fmt.Errorf("%w: %d raw bytes is not a square", ErrShapeMismatch, len(b))
	}
	return Canonical{Side: side, Pix: b}, nil
}

func decodeRGBA(b []byte) (Canonical, error) {
	if len(b)%4 != 0 {
		return Canonical{}, fmt.Errorf("%w: %d bytes is not a whole number of rgba pixels", ErrShapeMismatch, len(b))
	}
	pixels := len(b) / 4
	side := isqrt(pixels)
	if side < 1 || side*side != pixels {
		return Canonical{}, fmt.Errorf("%w: %d rgba pixels is not a square", ErrShapeMismatch, pixels)
	}

	gray := make([]byte, pixels)
	for i := range gray {
		p := b[i*4 : i*4+4]
		gray[i] = Luma(p[0], p[1], p[2])
	}
	return Canonical{Side: side, Pix: gray}, nil
}

// Luma is round(0.299R + 0.587G + 0.114B) in integer arithmetic.
func Luma(r, g, b byte) byte {
	return byte((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}

func (d Decoder) decodeJPEG(b []byte) (Canonical, error) {
	img, err := jpeg.Decode(bytes.NewReader(b))
	if err != nil {
		return Canonical{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return FromImage(img, d.NonSquare)
}

// FromImage converts any decoded image to a Canonical one, applying the non-square policy.
func FromImage(img image.Image, policy NonSquarePolicy) (Canonical, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 1 || h < 1 {
		return Canonical{}, fmt.Errorf("%w: empty image %dx%d", ErrShapeMismatch, w, h)
	}

	side, offX, offY := w, 0, 0
	if w != h {
		if policy == RejectNonSquare {
			return Canonical{}, fmt.Errorf("%w: %dx%d", ErrNonSquare, w, h)
		}
		side = min(w, h)
		offX = (w - side) / 2
		offY = (h - side) / 2
	}

	src := image.Rect(offX, offY, offX+side, offY+side).Add(bounds.Min)
	dst := image.NewGray(image.Rect(0, 0, side, side))
	draw.Copy(dst, image.Point{}, img, src, draw.Src, nil)

	return Canonical{Side: side, Pix: dst.Pix, OffsetX: offX, OffsetY: offY}, nil
}

// Gray exposes the buffer as an *image.Gray without copying.
func (c Canonical) Gray() *image.Gray {
	return &image.Gray{Pix: c.Pix, Stride: c.Side, Rect: image.Rect(0, 0, c.Side, c.Side)}
}

// isqrt returns floor(sqrt(n)) exactly for the sizes a frame can carry.
func isqrt(n int) int {
	if n <= 0 {
		return 0
	}
	s := int(math.Sqrt(float64(n)))
	for s*s > n {
		s--
	}
	for (s+1)*(s+1) <= n {
		s++
	}
	return s
}
