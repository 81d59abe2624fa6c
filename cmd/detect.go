package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/andresmejia3/facewatch/internal/detect"
	"github.com/andresmejia3/facewatch/internal/imaging"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/protocol"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>",
	Short: "Classify a single JPEG or PNG file and print the reply the worker would send",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDetect(cmd.Context(), args[0])
	},
}

func init() {
	addEngineFlags(detectCmd)
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, imagePath string) error {
	e, err := validateOptions(loadOptions())
	if err != nil {
		return err
	}

	f, err := os.Open(imagePath)
	if err != nil {
		utils.ShowError("Failed to open image file", err, nil)
		return err
	}
	defer f.Close()

	img, err := decodeImageFile(f, e.nonSquare)
	if err != nil {
		utils.ShowError("Failed to decode image", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting detection backend...")
	backend, child, err := e.newBackend(ctx, logger)
	if err != nil {
		utils.ShowError("Failed to start detection backend", err, child)
		return err
	}
	defer backend.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing frame...")
	outcome, reply, err := classifyImage(ctx, backend, img, e)
	if err != nil {
		utils.ShowError("Detection failed", err, child)
		return err
	}

	printDetection(os.Stdout, img, outcome, reply)
	return nil
}

func decodeImageFile(r io.Reader, policy imaging.NonSquarePolicy) (imaging.Canonical, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return imaging.Canonical{}, fmt.Errorf("%w: %w", imaging.ErrCorrupt, err)
	}
	logger.Debug("image decoded", "format", format, "bounds", src.Bounds())
	return imaging.FromImage(src, policy)
}

// classifyImage runs the same classification and encoding as the serving loop.
func classifyImage(ctx context.Context, backend detect.Backend, img imaging.Canonical, e engine) (types.Outcome, []byte, error) {
	outcome, _, err := pipeline.Evaluate(ctx, backend, img, e.opts.DetectTimeout)
	if err != nil {
		return outcome, nil, err
	}
	reply, err := protocol.Encode(outcome, e.coords)
	return outcome, reply, err
}

func printDetection(w io.Writer, img imaging.Canonical, outcome types.Outcome, reply []byte) {
	switch outcome.Kind {
	case types.None:
		fmt.Fprintln(w, "❌ No face detected.")
	case types.Multiple:
		fmt.Fprintln(w, "⚠️  Multiple faces detected.")
	case types.TooSmall:
		fmt.Fprintln(w, "🔎 One face detected, but it is too small.")
	case types.Found:
		b := outcome.Box
		fmt.Fprintf(w, "✅ Face at x=%d y=%d (%dx%d)\n", b.X, b.Y, b.W, b.H)
	}
	if img.OffsetX != 0 || img.OffsetY != 0 {
		fmt.Fprintf(w, "   analysed a %dx%d center square at offset (%d,%d)\n", img.Side, img.Side, img.OffsetX, img.OffsetY)
	}
	fmt.Fprintf(w, "   reply: % x\n", reply)
}
