//go:build gocv

package detect

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/andresmejia3/facewatch/internal/imaging"
	"github.com/andresmejia3/facewatch/internal/types"
	"gocv.io/x/gocv"
)

// HaarAvailable reports whether the binary was built with OpenCV support.
const HaarAvailable = true

// Haar runs an OpenCV CascadeClassifier. It owns native memory and must be closed.
type Haar struct {
	cfg        HaarConfig
	classifier gocv.CascadeClassifier
	log        *slog.Logger
}

// NewHaar loads the cascade XML.
func NewHaar(cfg HaarConfig, log *slog.Logger) (*Haar, error) {
	if log == nil {
		log = slog.Default()
	}
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.CascadePath) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade file %s", cfg.CascadePath)
	}
	log.Info("haar cascade loaded", "path", cfg.CascadePath, "scale_factor", cfg.ScaleFactor, "min_neighbors", cfg.MinNeighbors)
	return &Haar{cfg: cfg, classifier: classifier, log: log}, nil
}

func (h *Haar) Detect(_ context.Context, img imaging.Canonical) ([]types.BoundingBox, error) {
	mat, err := gocv.ImageGrayToMatGray(img.Gray())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer mat.Close()

	minSize := image.Pt(h.cfg.MinSize, h.cfg.MinSize)
	rects := h.classifier.DetectMultiScaleWithParams(mat, h.cfg.ScaleFactor, h.cfg.MinNeighbors, 0, minSize, image.Point{})

	boxes := make([]types.BoundingBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, types.BoundingBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()})
	}
	h.log.Debug("haar detections", "count", len(boxes))
	return boxes, nil
}

func (h *Haar) Close() error {
	return h.classifier.Close()
}
