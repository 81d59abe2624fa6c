package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/andresmejia3/facewatch/internal/detect"
	"github.com/andresmejia3/facewatch/internal/imaging"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/protocol"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOptions parses args against a fresh engine flag set, the same way a subcommand does.
func testOptions(t *testing.T, args ...string) Options {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	configFile = ""

	cmd := &cobra.Command{Use: "test"}
	addEngineFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, loadConfig(cmd))
	return loadOptions()
}

func TestDefaultOptionsAreValid(t *testing.T) {
	e, err := validateOptions(testOptions(t))
	require.NoError(t, err)
	assert.Equal(t, "pigo", e.opts.Backend)
	assert.Equal(t, pipeline.Fatal, e.onError)
	assert.Equal(t, protocol.CoordError, e.coords)
	assert.Equal(t, imaging.CropCenter, e.nonSquare)
	assert.Equal(t, protocol.DefaultMaxFrame, e.opts.MaxFrame)
	assert.False(t, e.opts.Legacy)
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown backend", []string{"--backend", "magic"}},
		{"bad error policy", []string{"--on-error", "retry"}},
		{"bad coord policy", []string{"--coords", "wrap"}},
		{"bad non-square policy", []string{"--non-square", "stretch"}},
		{"zero min face", []string{"--min-face", "0"}},
		{"score threshold above one", []string{"--score-threshold", "1.5"}},
		{"zero max frame", []string{"--max-frame", "0"}},
		{"negative timeout", []string{"--detect-timeout", "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateOptions(testOptions(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestHaarNeedsBuildTag(t *testing.T) {
	_, err := validateOptions(testOptions(t, "--backend", "haar"))
	if detect.HaarAvailable {
		assert.NoError(t, err)
	} else {
		assert.ErrorContains(t, err, "-tags gocv")
	}
}

func TestOptionsFromEnvironment(t *testing.T) {
	t.Setenv("FACEWATCH_ON_ERROR", "skip")
	t.Setenv("FACEWATCH_LEGACY_UNTAGGED", "true")
	t.Setenv("FACEWATCH_DETECT_TIMEOUT", "250ms")
	t.Setenv("FACEWATCH_COORDS", "clamp")

	// An explicit flag wins over the environment
	opts := testOptions(t, "--coords", "error")
	assert.Equal(t, "skip", opts.OnError)
	assert.True(t, opts.Legacy)
	assert.Equal(t, 250*time.Millisecond, opts.DetectTimeout)
	assert.Equal(t, "error", opts.Coords)
}

func TestOptionsFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("non-square: reject\nmax-frame: 1024\n"), 0o644))

	viper.Reset()
	t.Cleanup(viper.Reset)
	configFile = path
	t.Cleanup(func() { configFile = "" })

	cmd := &cobra.Command{Use: "test"}
	addEngineFlags(cmd)
	require.NoError(t, loadConfig(cmd))

	e, err := validateOptions(loadOptions())
	require.NoError(t, err)
	assert.Equal(t, imaging.RejectNonSquare, e.nonSquare)
	assert.Equal(t, 1024, e.opts.MaxFrame)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "INFO"} {
		_, err := newLogger(level)
		assert.NoError(t, err, level)
	}
	_, err := newLogger("loud")
	assert.Error(t, err)
}

func TestDBURL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("POSTGRES_HOST", "")
	assert.Empty(t, dbURL())

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "fw")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "facewatch")
	t.Setenv("POSTGRES_PORT", "")
	assert.Equal(t, "postgres://fw:secret@db:5432/facewatch", dbURL())

	viper.Set("db", "postgres://elsewhere/x")
	assert.Equal(t, "postgres://elsewhere/x", dbURL())
}

func fixedBoxes(boxes ...types.BoundingBox) detect.Backend {
	return detect.Func(func(context.Context, imaging.Canonical) ([]types.BoundingBox, error) {
		return boxes, nil
	})
}

func TestServeStream(t *testing.T) {
	e, err := validateOptions(testOptions(t))
	require.NoError(t, err)

	in := new(bytes.Buffer)
	require.NoError(t, protocol.WriteFrame(in, append(make([]byte, 100), byte(protocol.Raw))))
	require.NoError(t, protocol.WriteFrame(in, append(make([]byte, 100), byte(protocol.Raw))))
	out := new(bytes.Buffer)

	backend := fixedBoxes(types.BoundingBox{X: 1, Y: 2, W: 8, H: 8})
	err = serveStream(context.Background(), in, out, e, backend, nil, "s", nil, logger)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 8, 8, 1, 2, 8, 8}, out.Bytes())
}

func TestServeStreamSkip(t *testing.T) {
	e, err := validateOptions(testOptions(t, "--on-error", "skip"))
	require.NoError(t, err)

	in := new(bytes.Buffer)
	require.NoError(t, protocol.WriteFrame(in, []byte{1, 2, 3, 0}))
	out := new(bytes.Buffer)

	failing := detect.Func(func(context.Context, imaging.Canonical) ([]types.BoundingBox, error) {
		return nil, errors.New("unreachable")
	})
	require.NoError(t, serveStream(context.Background(), in, out, e, failing, nil, "s", nil, logger))
	assert.Equal(t, []byte{protocol.StatusNone}, out.Bytes())
}

func TestServeStreamFatal(t *testing.T) {
	e, err := validateOptions(testOptions(t))
	require.NoError(t, err)

	out := new(bytes.Buffer)
	err = serveStream(context.Background(), strings.NewReader("12\nshort"), out, e, fixedBoxes(), nil, "s", nil, logger)
	assert.ErrorIs(t, err, protocol.ErrTruncated)
	assert.Empty(t, out.Bytes())
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, jpeg.Encode(buf, image.NewGray(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func TestJpegFrames(t *testing.T) {
	first := encodeJPEG(t, 8, 8)
	second := encodeJPEG(t, 16, 16)
	var stream []byte
	stream = append(stream, first...)
	stream = append(stream, second...)

	tests := []struct {
		name string
		nth  int
		want [][]byte
	}{
		{"every image", 1, [][]byte{first, second}},
		{"every second image", 2, [][]byte{second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := jpegFrames(bytes.NewReader(stream), tt.nth)
			defer frames.Close()
			r := protocol.NewReader(frames, 0)

			for _, want := range tt.want {
				f, err := r.ReadFrame()
				require.NoError(t, err)
				assert.Equal(t, append(bytes.Clone(want), byte(protocol.JPEG)), f.Payload)
			}
			_, err := r.ReadFrame()
			assert.ErrorIs(t, err, protocol.ErrEOF)
		})
	}
}

func TestJpegFramesReportsFailingImage(t *testing.T) {
	first := encodeJPEG(t, 8, 8)
	boom := errors.New("disk gone")
	frames := jpegFrames(io.MultiReader(bytes.NewReader(first), iotest.ErrReader(boom)), 1)
	defer frames.Close()
	r := protocol.NewReader(frames, 0)

	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Clone(first), byte(protocol.JPEG)), f.Payload)

	_, err = r.ReadFrame()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "splitting image 2")
}

func TestReplayMJPEGThroughLoop(t *testing.T) {
	e, err := validateOptions(testOptions(t))
	require.NoError(t, err)

	stream := append(encodeJPEG(t, 16, 16), encodeJPEG(t, 16, 16)...)
	summary := newReplaySummary()
	cfg := e.loopConfig(fixedBoxes(types.BoundingBox{X: 0, Y: 0, W: 2, H: 2}), nil, logger)
	cfg.Observe = summary.observe

	frames := jpegFrames(bytes.NewReader(stream), 1)
	defer frames.Close()
	out := new(bytes.Buffer)
	require.NoError(t, pipeline.New(frames, out, cfg).Run(context.Background()))

	assert.Equal(t, []byte{protocol.StatusTooSmall, protocol.StatusTooSmall}, out.Bytes())
	assert.Equal(t, 2, summary.frames)
	assert.Equal(t, 2, summary.counts[types.TooSmall])

	table := new(bytes.Buffer)
	summary.print(table)
	assert.Contains(t, table.String(), "too-small")
	assert.Contains(t, table.String(), "100.0%")
	assert.NotContains(t, table.String(), "skipped errors")
}

func TestValidateReplayFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "capture.bin")
	require.NoError(t, os.WriteFile(file, []byte("1\nx"), 0o644))

	assert.NoError(t, validateReplayFlags(file, ReplayOptions{NthFrame: 1}))
	assert.Error(t, validateReplayFlags(filepath.Join(dir, "missing"), ReplayOptions{NthFrame: 1}))
	assert.Error(t, validateReplayFlags(dir, ReplayOptions{NthFrame: 1}))
	assert.Error(t, validateReplayFlags(file, ReplayOptions{NthFrame: 0}))
	assert.Error(t, validateReplayFlags(file, ReplayOptions{NthFrame: 1, Side: -4}))
}

func TestDecodeImageFileCropsPNG(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, png.Encode(buf, image.NewGray(image.Rect(0, 0, 20, 10))))

	img, err := decodeImageFile(buf, imaging.CropCenter)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Side)
	assert.Equal(t, 5, img.OffsetX)
	assert.Equal(t, 0, img.OffsetY)

	_, err = decodeImageFile(bytes.NewReader([]byte("not an image")), imaging.CropCenter)
	assert.ErrorIs(t, err, imaging.ErrCorrupt)
}

func TestClassifyImage(t *testing.T) {
	e, err := validateOptions(testOptions(t))
	require.NoError(t, err)

	img := imaging.Canonical{Side: 10, Pix: make([]byte, 100), OffsetX: 5}
	outcome, reply, err := classifyImage(context.Background(), fixedBoxes(types.BoundingBox{X: 1, Y: 1, W: 9, H: 9}), img, e)
	require.NoError(t, err)
	assert.Equal(t, types.Found, outcome.Kind)
	assert.Equal(t, []byte{6, 1, 9, 9}, reply)

	out := new(bytes.Buffer)
	printDetection(out, img, outcome, reply)
	assert.Contains(t, out.String(), "x=6 y=1")
	assert.Contains(t, out.String(), "06 01 09 09")
}

func TestPrintSessions(t *testing.T) {
	out := new(bytes.Buffer)
	printSessions(out, []store.SessionSummary{{
		ID: "abc", Label: "lobby", Source: "stdin", Backend: "pigo", StartedAt: time.Now(),
		Frames: 3, Found: 1, TooSmall: 1, None: 1,
	}})
	assert.Contains(t, out.String(), "abc")
	assert.Contains(t, out.String(), "lobby")

	out.Reset()
	printEntries(out, []store.Entry{{FrameIndex: 1, Format: "jpeg", Side: 10, Outcome: types.Outcome{Kind: types.Multiple}}})
	assert.Contains(t, out.String(), "multiple")
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		got := confirm(bufioReader(tt.input), new(bytes.Buffer), "sure?")
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func bufioReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "detect", "replay", "history", "label", "reset"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.Equal(t, "true", historyCmd.Annotations[requiresDB])
	assert.Empty(t, serveCmd.Annotations[requiresDB])
}
