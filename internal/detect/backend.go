// Package detect holds the face-localization backends and the classifier that turns their
// candidate boxes into a wire outcome.
package detect

import (
	"context"
	"errors"

	"github.com/andresmejia3/facewatch/internal/imaging"
	"github.com/andresmejia3/facewatch/internal/types"
)

// ErrBackend wraps any failure reported by a detection backend.
var ErrBackend = errors.New("detection backend failed")

// ErrUnusable marks a backend failure after which the backend cannot answer any further frame,
// e.g. a detector child whose stream fell out of sync. It always travels wrapped with ErrBackend.
var ErrUnusable = errors.New("backend unusable")

// Backend locates candidate faces. Box order carries no meaning. Implementations are created
// once per process and called from a single goroutine.
type Backend interface {
	Detect(ctx context.Context, img imaging.Canonical) ([]types.BoundingBox, error)
	Close() error
}

// Func adapts a plain function to the Backend interface.
type Func func(ctx context.Context, img imaging.Canonical) ([]types.BoundingBox, error)

func (f Func) Detect(ctx context.Context, img imaging.Canonical) ([]types.BoundingBox, error) {
	return f(ctx, img)
}

func (f Func) Close() error { return nil }
