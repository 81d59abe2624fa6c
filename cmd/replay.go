package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/protocol"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// ReplayOptions selects how a capture file is turned into requests.
type ReplayOptions struct {
	MJPEG    bool
	Video    bool
	Side     int
	NthFrame int
	Out      string
}

var replayOpts ReplayOptions

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Run a recorded request stream, MJPEG file or video through the worker offline",
	Long: `Feeds a capture through the same loop "serve" runs. By default the capture is a recorded
request stream in the wire format. With --mjpeg it is a concatenation of JPEG images, and with
--video any file ffmpeg can decode; each image is sent as a JPEG-tagged frame.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runReplay(cmd.Context(), args[0], replayOpts)
	},
}

func init() {
	addEngineFlags(replayCmd)
	replayCmd.Flags().BoolVar(&replayOpts.MJPEG, "mjpeg", false, "Capture is a concatenated JPEG stream")
	replayCmd.Flags().BoolVar(&replayOpts.Video, "video", false, "Capture is a video file, decoded with ffmpeg")
	replayCmd.Flags().IntVar(&replayOpts.Side, "side", 0, "With --video: center-crop and scale frames to this square side (0 keeps the source size)")
	replayCmd.Flags().IntVarP(&replayOpts.NthFrame, "nth-frame", "n", 1, "With --mjpeg or --video: only send every nth image")
	replayCmd.Flags().StringVarP(&replayOpts.Out, "out", "o", "", "Save the raw reply stream to this file")
	replayCmd.MarkFlagsMutuallyExclusive("mjpeg", "video")
	rootCmd.AddCommand(replayCmd)
}

// replaySummary tallies outcomes as replies are flushed.
type replaySummary struct {
	counts map[types.Kind]int
	failed int
	frames int
}

func newReplaySummary() *replaySummary {
	return &replaySummary{counts: make(map[types.Kind]int)}
}

func (s *replaySummary) observe(r pipeline.FrameResult) {
	s.frames++
	if r.Err != nil {
		s.failed++
	}
	s.counts[r.Outcome.Kind]++
}

func (s *replaySummary) print(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "OUTCOME\tFRAMES\tSHARE")
	fmt.Fprintln(tw, "-------\t------\t-----")
	for _, k := range []types.Kind{types.Found, types.TooSmall, types.Multiple, types.None} {
		share := 0.0
		if s.frames > 0 {
			share = 100 * float64(s.counts[k]) / float64(s.frames)
		}
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", k, s.counts[k], share)
	}
	if s.failed > 0 {
		fmt.Fprintf(tw, "(skipped errors)\t%d\t\n", s.failed)
	}
	tw.Flush()
}

func validateReplayFlags(path string, opts ReplayOptions) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("capture file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access capture file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("capture path %s is a directory, expected a file", path)
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.Side < 0 {
		return fmt.Errorf("invalid side: must be >= 0, got %d", opts.Side)
	}
	return nil
}

func runReplay(ctx context.Context, path string, opts ReplayOptions) error {
	if err := validateReplayFlags(path, opts); err != nil {
		return err
	}
	e, err := validateOptions(loadOptions())
	if err != nil {
		return err
	}

	captureID, err := utils.GenerateCaptureID(path)
	if err != nil {
		return fmt.Errorf("failed to generate capture ID: %w", err)
	}
	sessionID := uuid.NewString()
	log := logger.With("session", sessionID, "capture", captureID[:12])
	fmt.Fprintf(os.Stderr, "📼 Replaying capture %s\n", captureID[:12])

	backend, child, err := e.newBackend(ctx, log)
	if err != nil {
		utils.ShowError("Failed to start detection backend", err, child)
		return err
	}
	defer backend.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		in     io.Reader
		bar    *progressbar.ProgressBar
		source = "capture:" + captureID[:12]
		ffmpeg *utils.SafeCommand
	)
	switch {
	case opts.Video:
		total := utils.GetTotalFrames(ctx, path)
		if total <= 0 {
			// Fallback to a spinner if ffprobe fails
			total = -1
		}
		bar = frameBar(total)

		ffmpeg = utils.NewFFmpegCmd(ctx, path, opts.Side)
		ffmpegOut, err := ffmpeg.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
		}
		if err := ffmpeg.Start(); err != nil {
			return fmt.Errorf("failed to start FFmpeg: %w", err)
		}
		frames := jpegFrames(ffmpegOut, opts.NthFrame)
		defer frames.Close()
		in = frames
		source = "video:" + captureID[:12]
	case opts.MJPEG:
		bar = frameBar(-1)
		frames := jpegFrames(f, opts.NthFrame)
		defer frames.Close()
		in = frames
		source = "mjpeg:" + captureID[:12]
	default:
		info, err := f.Stat()
		if err != nil {
			return err
		}
		bar = progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetDescription("🔍 Replaying"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowBytes(true),
		)
		in = io.TeeReader(f, bar)
	}

	out := io.Discard
	if opts.Out != "" {
		replies, err := os.Create(opts.Out)
		if err != nil {
			return fmt.Errorf("failed to create reply file: %w", err)
		}
		defer replies.Close()
		out = replies
	}

	m := e.newCollector()
	defer e.flushMetrics(m, log)

	summary := newReplaySummary()
	cfg := e.loopConfig(backend, m, log)
	cfg.SessionID = sessionID
	cfg.Observe = func(r pipeline.FrameResult) {
		summary.observe(r)
		if opts.MJPEG || opts.Video {
			bar.Add(1)
		}
	}
	if DB != nil {
		if err := DB.EnsureSession(ctx, sessionID, source, e.opts.Backend); err != nil {
			log.Warn("journal disabled: failed to register session", "error", err)
		} else {
			cfg.Journal = DB
		}
	}

	runErr := pipeline.New(in, out, cfg).Run(ctx)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if ffmpeg != nil {
		if runErr != nil {
			// Nobody is draining ffmpeg's stdout any more
			ffmpeg.Process.Kill()
		}
		if err := ffmpeg.Wait(); err != nil && runErr == nil && ctx.Err() == nil {
			utils.ShowError("FFmpeg execution failed", err, ffmpeg)
			return err
		}
	}

	summary.print(os.Stdout)
	if runErr != nil {
		utils.ShowError("Replay stopped", runErr, child)
		return runErr
	}
	fmt.Fprintf(os.Stderr, "🏁 Replay complete. Answered %d frames.\n", summary.frames)
	return nil
}

func frameBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Replaying"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
}

// jpegFrames turns a concatenated JPEG stream into a request stream of JPEG-tagged frames,
// keeping every nth image. Closing the returned reader stops the splitter.
func jpegFrames(r io.Reader, nth int) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, megabyte), 64*megabyte)
		scanner.Split(utils.SplitJpeg)

		var task types.FrameTask
		for scanner.Scan() {
			task = types.FrameTask{Index: task.Index + 1, Data: scanner.Bytes()}
			if task.Index%nth != 0 {
				continue
			}
			payload := append(bytes.Clone(task.Data), byte(protocol.JPEG))
			if err := protocol.WriteFrame(pw, payload); err != nil {
				// Reader side closed
				return
			}
		}
		if err := scanner.Err(); err != nil {
			pw.CloseWithError(fmt.Errorf("splitting image %d: %w", task.Index+1, err))
			return
		}
		pw.Close()
	}()
	return pr
}
