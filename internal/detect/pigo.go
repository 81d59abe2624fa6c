package detect

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/andresmejia3/facewatch/internal/imaging"
	"github.com/andresmejia3/facewatch/internal/types"
	pigo "github.com/esimov/pigo/core"
)

// facefinder is the frontal face cascade distributed with pigo.
//
//go:embed cascade/facefinder
var facefinder []byte

// PigoConfig tunes the pure-Go pixel-intensity-comparison cascade.
type PigoConfig struct {
	CascadePath      string  // Empty selects the embedded facefinder cascade
	MinSize          int     // Minimum face size (pixels)
	MaxSize          int     // Maximum face size (pixels), capped at the image side
	ShiftFactor      float64 // Shift factor for the detection window
	ScaleFactor      float64 // Scale factor for the image pyramid
	IoUThreshold     float64 // IoU threshold for clustering overlapping hits
	QualityThreshold float32 // Minimum detection score kept
}

// DefaultPigoConfig returns the tunables used for frontal face detection.
func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		CascadePath:      "",
		MinSize:          20,
		MaxSize:          1000,
		ShiftFactor:      0.1,
		ScaleFactor:      1.1,
		IoUThreshold:     0.2,
		QualityThreshold: 5.0,
	}
}

// Pigo is a Backend backed by an unpacked pigo cascade. The classifier is read-only once unpacked.
type Pigo struct {
	cfg        PigoConfig
	classifier *pigo.Pigo
	log        *slog.Logger
}

// NewPigo reads and unpacks the cascade file, or the embedded one when no path is set.
func NewPigo(cfg PigoConfig, log *slog.Logger) (*Pigo, error) {
	if log == nil {
		log = slog.Default()
	}
	cascade, source := facefinder, "embedded"
	if cfg.CascadePath != "" {
		var err error
		if cascade, err = os.ReadFile(cfg.CascadePath); err != nil {
			return nil, fmt.Errorf("failed to read cascade file: %w", err)
		}
		source = cfg.CascadePath
	}

	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}

	log.Info("pigo cascade loaded", "source", source, "min_size", cfg.MinSize, "quality_threshold", cfg.QualityThreshold)
	return &Pigo{cfg: cfg, classifier: classifier, log: log}, nil
}

func (p *Pigo) Detect(_ context.Context, img imaging.Canonical) ([]types.BoundingBox, error) {
	if p.classifier == nil {
		return nil, fmt.Errorf("%w: pigo classifier closed", ErrBackend)
	}

	gray := img.Gray()
	params := pigo.CascadeParams{
		MinSize:     p.cfg.MinSize,
		MaxSize:     min(p.cfg.MaxSize, img.Side),
		ShiftFactor: p.cfg.ShiftFactor,
		ScaleFactor: p.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: gray.Pix,
			Rows:   gray.Rect.Dy(),
			Cols:   gray.Rect.Dx(),
			Dim:    gray.Stride,
		},
	}

	// Angle 0: upright faces only
	dets := p.classifier.RunCascade(params, 0.0)
	dets = p.classifier.ClusterDetections(dets, p.cfg.IoUThreshold)

	boxes := pigoBoxes(dets, p.cfg.QualityThreshold, img.Side)
	p.log.Debug("pigo detections", "raw", len(dets), "kept", len(boxes))
	return boxes, nil
}

func (p *Pigo) Close() error {
	p.classifier = nil
	return nil
}

// pigoBoxes converts center/scale detections to top-left boxes clipped to the image.
func pigoBoxes(dets []pigo.Detection, quality float32, side int) []types.BoundingBox {
	var boxes []types.BoundingBox
	for _, det := range dets {
		if det.Q < quality {
			continue
		}
		// Row/Col is the window center and Scale its full side length
		x0 := max(det.Col-det.Scale/2, 0)
		y0 := max(det.Row-det.Scale/2, 0)
		x1 := min(det.Col+det.Scale/2, side)
		y1 := min(det.Row+det.Scale/2, side)
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		boxes = append(boxes, types.BoundingBox{X: x0, Y: y0, W: x1 - x0, H: y1 - y0})
	}
	return boxes
}
