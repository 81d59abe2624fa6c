package detect

import "github.com/andresmejia3/facewatch/internal/types"

// Classify maps backend boxes and the canonical side to an outcome.
// A single face covering less than half the image is TooSmall; exactly half counts as Found.
func Classify(boxes []types.BoundingBox, side int) types.Outcome {
	switch {
	case len(boxes) == 0:
		return types.Outcome{Kind: types.None}
	case len(boxes) > 1:
		return types.Outcome{Kind: types.Multiple}
	}

	box := boxes[0]
	// w*h < 0.5*side*side without going through floats
	if 2*box.Area() < side*side {
		return types.Outcome{Kind: types.TooSmall}
	}
	return types.Outcome{Kind: types.Found, Box: box}
}
