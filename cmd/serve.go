package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/andresmejia3/facewatch/internal/detect"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer length-prefixed frames from stdin with face status replies on stdout",
	Long: `Reads "<length>\n<payload>" frames from stdin, one at a time, and writes exactly one
reply per frame to stdout: 0x00 no face, 0x01 several faces, 0x02 face too small, or the
four bytes x, y, w, h of the only face. Exits 0 when stdin closes between frames.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	addEngineFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	e, err := validateOptions(loadOptions())
	if err != nil {
		return err
	}

	backend, child, err := e.newBackend(ctx, logger)
	if err != nil {
		utils.ShowError("Failed to start detection backend", err, child)
		return err
	}
	defer backend.Close()

	// A signal can arrive while blocked on stdin; closing it wakes the read up.
	stopWatch := context.AfterFunc(ctx, func() { os.Stdin.Close() })
	defer stopWatch()

	sessionID := uuid.NewString()
	log := logger.With("session", sessionID)

	var journal pipeline.Journal
	if DB != nil {
		if err := DB.EnsureSession(ctx, sessionID, "stdin", e.opts.Backend); err != nil {
			log.Warn("journal disabled: failed to register session", "error", err)
		} else {
			journal = DB
		}
	}

	m := e.newCollector()
	defer e.flushMetrics(m, log)

	err = serveStream(ctx, os.Stdin, os.Stdout, e, backend, journal, sessionID, m, log)
	if err != nil && ctx.Err() != nil {
		log.Info("interrupted, shutting down")
		return nil
	}
	if err != nil {
		utils.ShowError("Worker stopped", err, child)
	}
	return err
}

// serveStream runs the loop over one request stream.
func serveStream(ctx context.Context, in io.Reader, out io.Writer, e engine, backend detect.Backend,
	journal pipeline.Journal, sessionID string, m *metrics.Collector, log *slog.Logger) error {
	cfg := e.loopConfig(backend, m, log)
	cfg.Journal = journal
	cfg.SessionID = sessionID

	log.Info("worker ready", "backend", e.opts.Backend, "legacy_untagged", e.opts.Legacy, "on_error", e.opts.OnError)
	loop := pipeline.New(in, out, cfg)
	if err := loop.Run(ctx); err != nil {
		log.Error("frame failed", "frames", loop.Frames(), "error", err)
		return err
	}
	log.Info("stream finished", "frames", loop.Frames())
	return nil
}
