//go:build !gocv

package detect

import (
	"errors"
	"log/slog"
)

// HaarAvailable reports whether the binary was built with OpenCV support.
const HaarAvailable = false

// Haar is unavailable without the gocv build tag.
type Haar struct{ Backend }

// NewHaar always fails; rebuild with -tags gocv (requires OpenCV) to enable the haar backend.
func NewHaar(HaarConfig, *slog.Logger) (*Haar, error) {
	return nil, errors.New("haar backend not compiled in: rebuild with -tags gocv")
}
