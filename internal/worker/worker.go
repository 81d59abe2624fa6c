package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/facewatch/internal/detect"
	"github.com/andresmejia3/facewatch/internal/imaging"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils" // Using the SafeCommand wrapper
	"github.com/vmihailenco/msgpack/v5"
)

const maxResponse = 16 * 1024 * 1024

// NeuralConfig describes the external detector process.
type NeuralConfig struct {
	Python         string
	Script         string
	ScoreThreshold float64
}

// DefaultNeuralConfig points at the bundled detector script.
func DefaultNeuralConfig() NeuralConfig {
	return NeuralConfig{
		Python:         "python3",
		Script:         "python/detector.py",
		ScoreThreshold: 0.5,
	}
}

// detectRequest is the msgpack body sent for every frame.
type detectRequest struct {
	Side      int     `msgpack:"side"`
	Pix       []byte  `msgpack:"pix"`
	Threshold float64 `msgpack:"threshold"`
}

// detectResponse is the msgpack body read back. Status 0 is success, anything else carries Error.
type detectResponse struct {
	Status      uint8               `msgpack:"status"`
	Boxes       []types.BoundingBox `msgpack:"boxes"`
	Error       string              `msgpack:"error"`
	InferenceMs float64             `msgpack:"inference_ms"`
}

// NeuralBackend runs a neural face detector in a child process. Requests go over the child's
// stdin, responses come back over a dedicated pipe (FD 3) so the model's own stdout chatter
// can never corrupt the stream.
type NeuralBackend struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg    NeuralConfig
	log    *slog.Logger
	broken error
}

// NewNeuralBackend starts the detector process. The model is loaded once by the child and
// reused for every frame.
func NewNeuralBackend(ctx context.Context, cfg NeuralConfig, log *slog.Logger) (*NeuralBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. Initialize the SafeCommand so crash logs are captured
	py := utils.NewSafeCommandContext(ctx, cfg.Python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("detector process failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	log.Info("neural detector started", "python", cfg.Python, "script", cfg.Script, "pid", py.Process.Pid)
	return &NeuralBackend{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Detect sends one canonical image and waits for the child's boxes. A context deadline is
// enforced on the response read when the data pipe supports it.
func (n *NeuralBackend) Detect(ctx context.Context, img imaging.Canonical) ([]types.BoundingBox, error) {
	if n.broken != nil {
		return nil, fmt.Errorf("%w: %w: earlier failure: %v", detect.ErrBackend, detect.ErrUnusable, n.broken)
	}

	body, err := msgpack.Marshal(detectRequest{Side: img.Side, Pix: img.Pix, Threshold: n.cfg.ScoreThreshold})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", detect.ErrBackend, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if f, ok := n.DataPipe.(*os.File); ok {
			_ = f.SetReadDeadline(deadline)
			defer f.SetReadDeadline(time.Time{})
		}
	}

	raw, err := n.Communicate(body)
	if err != nil {
		// The stream position is unknown now; refuse further use
		n.broken = err
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w: %w", detect.ErrBackend, detect.ErrUnusable, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("%w: %w: %v", detect.ErrBackend, detect.ErrUnusable, err)
	}

	var resp detectResponse
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", detect.ErrBackend, err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("%w: python worker error: %s", detect.ErrBackend, resp.Error)
	}

	n.log.Debug("neural detections", "count", len(resp.Boxes), "inference_ms", resp.InferenceMs)
	return resp.Boxes, nil
}

// Communicate performs one request/response exchange.
// Protocol: [Length uint32 BE][Data] in both directions.
func (n *NeuralBackend) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(n.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := n.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(n.DataPipe, header); err != nil {
		return nil, err // This is where a crashed child (e.g. ModuleNotFoundError) surfaces
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(n.DataPipe, respBody)
	return respBody, err
}

// Close ends the child by closing its stdin and waits for it to exit.
func (n *NeuralBackend) Close() error {
	n.Stdin.Close()
	n.DataPipe.Close()
	if n.Cmd == nil {
		return nil
	}
	if err := n.Cmd.Wait(); err != nil {
		return fmt.Errorf("detector process exited: %w", err)
	}
	return nil
}
