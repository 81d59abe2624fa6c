package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/facewatch/internal/detect"
	"github.com/andresmejia3/facewatch/internal/imaging"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/protocol"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Options holds the engine configuration shared by serve, replay and detect.
type Options struct {
	Backend        string
	Cascade        string
	HaarCascade    string
	MinFace        int
	Quality        float64
	Python         string
	WorkerScript   string
	ScoreThreshold float64

	Legacy        bool
	OnError       string
	Coords        string
	NonSquare     string
	MaxFrame      int
	DetectTimeout time.Duration
	MetricsFile   string
}

// engine is Options after validation.
type engine struct {
	opts      Options
	onError   pipeline.ErrorPolicy
	coords    protocol.CoordPolicy
	nonSquare imaging.NonSquarePolicy
}

func addEngineFlags(cmd *cobra.Command) {
	pigoDefaults := detect.DefaultPigoConfig()
	haarDefaults := detect.DefaultHaarConfig()
	neuralDefaults := worker.DefaultNeuralConfig()

	f := cmd.Flags()
	f.StringP("backend", "B", "pigo", "Detection backend: pigo, haar (needs -tags gocv) or neural")
	f.String("cascade", pigoDefaults.CascadePath, "Pigo cascade file (empty uses the built-in facefinder cascade)")
	f.String("haar-cascade", haarDefaults.CascadePath, "OpenCV haar cascade xml")
	f.Int("min-face", pigoDefaults.MinSize, "Smallest face the cascades search for (pixels)")
	f.Float64("quality", float64(pigoDefaults.QualityThreshold), "Minimum pigo detection score")
	f.String("python", neuralDefaults.Python, "Python interpreter for the neural backend")
	f.String("worker-script", neuralDefaults.Script, "Detector script for the neural backend")
	f.Float64("score-threshold", neuralDefaults.ScoreThreshold, "Neural detector confidence threshold")

	f.Bool("legacy-untagged", false, "Treat payloads as untagged raw grayscale (side = isqrt(N))")
	f.String("on-error", "exit", "What a failed frame does: exit, or skip (answer 'no face' and continue)")
	f.String("coords", "error", "Box coordinates above 255: error or clamp")
	f.String("non-square", "crop", "Non-square JPEG frames: crop (center square) or reject")
	f.Int("max-frame", protocol.DefaultMaxFrame, "Largest accepted payload in bytes")
	f.Duration("detect-timeout", 0, "Per-frame detection deadline (0 disables)")
	f.String("metrics-file", "", "Write Prometheus metrics in textfile format here on exit")
}

// loadOptions reads the engine configuration from viper; flags must already be bound.
func loadOptions() Options {
	return Options{
		Backend:        viper.GetString("backend"),
		Cascade:        viper.GetString("cascade"),
		HaarCascade:    viper.GetString("haar-cascade"),
		MinFace:        viper.GetInt("min-face"),
		Quality:        viper.GetFloat64("quality"),
		Python:         viper.GetString("python"),
		WorkerScript:   viper.GetString("worker-script"),
		ScoreThreshold: viper.GetFloat64("score-threshold"),
		Legacy:         viper.GetBool("legacy-untagged"),
		OnError:        viper.GetString("on-error"),
		Coords:         viper.GetString("coords"),
		NonSquare:      viper.GetString("non-square"),
		MaxFrame:       viper.GetInt("max-frame"),
		DetectTimeout:  viper.GetDuration("detect-timeout"),
		MetricsFile:    viper.GetString("metrics-file"),
	}
}

// validateOptions checks everything before any backend is started.
func validateOptions(opts Options) (engine, error) {
	e := engine{opts: opts}
	var err error

	switch opts.Backend {
	case "pigo", "neural":
	case "haar":
		if !detect.HaarAvailable {
			return e, fmt.Errorf("backend %q is not compiled in: rebuild with -tags gocv", opts.Backend)
		}
	default:
		return e, fmt.Errorf("unknown backend %q (want pigo, haar or neural)", opts.Backend)
	}
	if opts.MinFace < 1 {
		return e, fmt.Errorf("invalid min-face: must be >= 1, got %d", opts.MinFace)
	}
	if opts.ScoreThreshold < 0 || opts.ScoreThreshold > 1.0 {
		return e, fmt.Errorf("invalid score-threshold: must be between 0.0 and 1.0, got %f", opts.ScoreThreshold)
	}
	if opts.MaxFrame < 1 {
		return e, fmt.Errorf("invalid max-frame: must be >= 1, got %d", opts.MaxFrame)
	}
	if opts.DetectTimeout < 0 {
		return e, fmt.Errorf("invalid detect-timeout: must not be negative, got %s", opts.DetectTimeout)
	}

	if e.onError, err = pipeline.ParseErrorPolicy(opts.OnError); err != nil {
		return e, err
	}
	if e.coords, err = protocol.ParseCoordPolicy(opts.Coords); err != nil {
		return e, err
	}
	if e.nonSquare, err = imaging.ParseNonSquarePolicy(opts.NonSquare); err != nil {
		return e, err
	}
	return e, nil
}

// newBackend starts the configured detector. The returned SafeCommand is non-nil for the neural
// backend so its crash logs can be shown.
func (e engine) newBackend(ctx context.Context, log *slog.Logger) (detect.Backend, *utils.SafeCommand, error) {
	switch e.opts.Backend {
	case "haar":
		cfg := detect.DefaultHaarConfig()
		cfg.CascadePath = e.opts.HaarCascade
		cfg.MinSize = e.opts.MinFace
		b, err := detect.NewHaar(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	case "neural":
		cfg := worker.NeuralConfig{
			Python:         e.opts.Python,
			Script:         e.opts.WorkerScript,
			ScoreThreshold: e.opts.ScoreThreshold,
		}
		b, err := worker.NewNeuralBackend(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Cmd, nil
	}

	cfg := detect.DefaultPigoConfig()
	cfg.CascadePath = e.opts.Cascade
	cfg.MinSize = e.opts.MinFace
	cfg.QualityThreshold = float32(e.opts.Quality)
	b, err := detect.NewPigo(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return b, nil, nil
}

func (e engine) loopConfig(backend detect.Backend, m *metrics.Collector, log *slog.Logger) pipeline.Config {
	return pipeline.Config{
		Backend:       backend,
		Legacy:        e.opts.Legacy,
		NonSquare:     e.nonSquare,
		Coords:        e.coords,
		MaxFrame:      e.opts.MaxFrame,
		OnError:       e.onError,
		DetectTimeout: e.opts.DetectTimeout,
		Log:           log,
		Metrics:       m,
	}
}

// newCollector returns nil when no metrics file is configured; a nil Collector records nothing.
func (e engine) newCollector() *metrics.Collector {
	if e.opts.MetricsFile == "" {
		return nil
	}
	return metrics.NewCollector()
}

func (e engine) flushMetrics(m *metrics.Collector, log *slog.Logger) {
	if err := m.WriteTextfile(e.opts.MetricsFile); err != nil {
		log.Warn("failed to write metrics file", "path", e.opts.MetricsFile, "error", err)
	}
}
