package types

import "fmt"

// BoundingBox is a candidate face region in pixels: top-left corner plus width/height.
// Values are kept as ints so callers can tell when they no longer fit in a wire byte.
type BoundingBox struct {
	X int `msgpack:"x"`
	Y int `msgpack:"y"`
	W int `msgpack:"w"`
	H int `msgpack:"h"`
}

// Area returns w*h.
func (b BoundingBox) Area() int {
	return b.W * b.H
}

// Translate shifts the box by (dx, dy).
func (b BoundingBox) Translate(dx, dy int) BoundingBox {
	return BoundingBox{X: b.X + dx, Y: b.Y + dy, W: b.W, H: b.H}
}

// Kind enumerates the four classification results.
type Kind uint8

const (
	None Kind = iota
	Multiple
	TooSmall
	Found
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Multiple:
		return "multiple"
	case TooSmall:
		return "too-small"
	case Found:
		return "found"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Outcome is the per-frame classification. Box is only meaningful when Kind == Found.
type Outcome struct {
	Kind Kind
	Box  BoundingBox
}

func (o Outcome) String() string {
	if o.Kind == Found {
		return fmt.Sprintf("found(x=%d y=%d w=%d h=%d)", o.Box.X, o.Box.Y, o.Box.W, o.Box.H)
	}
	return o.Kind.String()
}

// FrameTask is a single request payload pulled off a capture for offline processing.
type FrameTask struct {
	Index int
	Data  []byte
}
