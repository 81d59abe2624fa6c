// Package pipeline runs the worker's request/response loop: one frame in, one reply out,
// never more than one frame in flight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andresmejia3/facewatch/internal/detect"
	"github.com/andresmejia3/facewatch/internal/imaging"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/protocol"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/types"
)

// ErrorPolicy decides what a failed frame does to the loop.
type ErrorPolicy int

const (
	// Fatal stops the loop on the first failure; the host sees the process exit.
	Fatal ErrorPolicy = iota
	// Skip answers a failed frame with StatusNone and keeps going. This changes what the
	// host observes, so it is opt-in.
	Skip
)

// ParseErrorPolicy maps a config string onto an ErrorPolicy.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "exit", "fatal", "":
		return Fatal, nil
	case "skip":
		return Skip, nil
	}
	return 0, fmt.Errorf("invalid error policy %q (want exit|skip)", s)
}

// Journal receives every answered frame after its reply has been flushed.
type Journal interface {
	RecordOutcome(ctx context.Context, e store.Entry) error
}

// FrameResult describes one answered frame.
type FrameResult struct {
	Index   int
	Format  protocol.FormatTag
	Side    int
	Outcome types.Outcome
	Reply   []byte
	Latency time.Duration
	Err     error // set when the frame failed and was answered under the Skip policy
}

// Config wires the loop. Only Backend is required.
type Config struct {
	Backend       detect.Backend
	Legacy        bool
	NonSquare     imaging.NonSquarePolicy
	Coords        protocol.CoordPolicy
	MaxFrame      int
	OnError       ErrorPolicy
	DetectTimeout time.Duration

	Log       *slog.Logger
	Metrics   *metrics.Collector
	Journal   Journal
	SessionID string
	// Observe is called after each reply is flushed.
	Observe func(FrameResult)
}

// Loop owns the stream ends for its whole lifetime and borrows the backend.
type Loop struct {
	cfg      Config
	reader   *protocol.Reader
	resolver protocol.Resolver
	decoder  imaging.Decoder
	writer   *protocol.Writer
	log      *slog.Logger
	frames   int
}

func New(in io.Reader, out io.Writer, cfg Config) *Loop {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		reader:   protocol.NewReader(in, cfg.MaxFrame),
		resolver: protocol.Resolver{Legacy: cfg.Legacy},
		decoder:  imaging.Decoder{NonSquare: cfg.NonSquare},
		writer:   protocol.NewWriter(out, cfg.Coords),
		log:      cfg.Log,
	}
}

// Frames reports how many frames have been read so far.
func (l *Loop) Frames() int {
	return l.frames
}

// Run processes frames until the input closes on a frame boundary (nil) or a frame fails under
// the Fatal policy (the error). Cancellation is only observed between frames.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := l.reader.ReadFrame()
		if errors.Is(err, protocol.ErrEOF) {
			l.log.Info("input closed, shutting down", "frames", l.frames)
			return nil
		}
		if err != nil {
			l.cfg.Metrics.ObserveError(errorKind(err))
			if l.cfg.OnError == Skip && errors.Is(err, protocol.ErrBadLength) {
				// No frame was accepted, so nothing is owed to the host; resync on the next line
				l.log.Warn("discarding bad length line", "error", err)
				continue
			}
			return fmt.Errorf("reading frame %d: %w", l.frames+1, err)
		}
		l.frames++

		if err := l.answer(ctx, frame); err != nil {
			return fmt.Errorf("frame %d: %w", l.frames, err)
		}
	}
}

// answer processes one frame and writes exactly one reply, or returns an error without writing.
func (l *Loop) answer(ctx context.Context, frame protocol.Frame) error {
	res := FrameResult{Index: l.frames}

	outcome, err := l.process(ctx, frame, &res)
	var reply []byte
	if err == nil {
		reply, err = l.writer.WriteOutcome(outcome)
		if err != nil && !errors.Is(err, protocol.ErrCoordinateOverflow) {
			return err // the output stream itself is gone
		}
	}

	if err != nil {
		l.cfg.Metrics.ObserveError(errorKind(err))
		if l.cfg.OnError != Skip || !recoverable(err) {
			return err
		}
		l.log.Warn("frame failed, answering none", "frame", l.frames, "error", err)
		res.Err = err
		outcome = types.Outcome{Kind: types.None}
		if reply, err = l.writer.WriteOutcome(outcome); err != nil {
			return err
		}
	}

	res.Outcome = outcome
	res.Reply = reply
	l.cfg.Metrics.ObserveFrame(res.Format.String(), outcome.Kind.String(), res.Latency)
	l.log.Debug("frame answered", "frame", res.Index, "format", res.Format, "side", res.Side, "outcome", outcome, "latency", res.Latency)

	if l.cfg.Journal != nil && res.Err == nil {
		entry := store.Entry{
			SessionID:  l.cfg.SessionID,
			FrameIndex: res.Index,
			Format:     res.Format.String(),
			Side:       res.Side,
			Outcome:    sentOutcome(outcome, reply),
			Latency:    res.Latency,
		}
		if err := l.cfg.Journal.RecordOutcome(ctx, entry); err != nil {
			l.log.Warn("journal write failed", "frame", res.Index, "error", err)
		}
	}
	if l.cfg.Observe != nil {
		l.cfg.Observe(res)
	}
	return nil
}

// sentOutcome is o as the host decoded it: with --coords clamp a Found box is the clamped one.
func sentOutcome(o types.Outcome, reply []byte) types.Outcome {
	if o.Kind != types.Found || len(reply) != 4 {
		return o
	}
	o.Box = types.BoundingBox{X: int(reply[0]), Y: int(reply[1]), W: int(reply[2]), H: int(reply[3])}
	return o
}

func (l *Loop) process(ctx context.Context, frame protocol.Frame, res *FrameResult) (types.Outcome, error) {
	resolved, err := l.resolver.Resolve(frame)
	if err != nil {
		return types.Outcome{}, err
	}
	res.Format = resolved.Tag

	img, err := l.decoder.Decode(resolved)
	if err != nil {
		return types.Outcome{}, err
	}
	res.Side = img.Side

	outcome, latency, err := Evaluate(ctx, l.cfg.Backend, img, l.cfg.DetectTimeout)
	res.Latency = latency
	return outcome, err
}

// Evaluate runs the backend on img and classifies the result. Found boxes are translated back
// into the source image's coordinates when img was cropped.
func Evaluate(ctx context.Context, backend detect.Backend, img imaging.Canonical, timeout time.Duration) (types.Outcome, time.Duration, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	boxes, err := backend.Detect(ctx, img)
	latency := time.Since(start)
	if err != nil {
		if !errors.Is(err, detect.ErrBackend) {
			err = fmt.Errorf("%w: %w", detect.ErrBackend, err)
		}
		return types.Outcome{}, latency, err
	}

	outcome := detect.Classify(boxes, img.Side)
	if outcome.Kind == types.Found {
		outcome.Box = outcome.Box.Translate(img.OffsetX, img.OffsetY)
	}
	return outcome, latency, nil
}

// recoverable reports whether a frame failure leaves the loop able to answer the next frame.
func recoverable(err error) bool {
	if errors.Is(err, detect.ErrUnusable) {
		return false
	}
	return errors.Is(err, protocol.ErrUnknownFormat) ||
		errors.Is(err, imaging.ErrShapeMismatch) ||
		errors.Is(err, imaging.ErrCorrupt) ||
		errors.Is(err, detect.ErrBackend) ||
		errors.Is(err, protocol.ErrCoordinateOverflow)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrBadLength):
		return "bad_length"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrUnknownFormat):
		return "unknown_format"
	case errors.Is(err, imaging.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, imaging.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, detect.ErrUnusable):
		return "backend_unusable"
	case errors.Is(err, detect.ErrBackend):
		return "backend"
	case errors.Is(err, protocol.ErrCoordinateOverflow):
		return "coordinate_overflow"
	}
	return "io"
}
