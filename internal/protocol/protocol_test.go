package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrame(t *testing.T) {
	stream := new(bytes.Buffer)
	require.NoError(t, WriteFrame(stream, []byte{1, 2, 3, 4, 0}))
	stream.WriteString("3\r\n")
	stream.Write([]byte{9, 9, 9})

	r := NewReader(stream, 0)

	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 0}, f.Payload)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9}, f.Payload)

	// Stream ends exactly on a frame boundary
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, ErrEOF)
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  error
	}{
		{"empty stream", "", 0, ErrEOF},
		{"not a number", "abc\n", 0, ErrBadLength},
		{"negative", "-4\n", 0, ErrBadLength},
		{"zero", "0\n", 0, ErrBadLength},
		{"over limit", "11\n", 10, ErrBadLength},
		{"short payload", "5\nabc", 0, ErrTruncated},
		{"no payload", "5\n", 0, ErrTruncated},
		{"partial length line", "12", 0, ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tt.input), tt.max)
			_, err := r.ReadFrame()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		legacy  bool
		payload []byte
		tag     FormatTag
		image   []byte
		wantErr error
	}{
		{"tagged raw", false, []byte{1, 2, 3, 4, 0}, Raw, []byte{1, 2, 3, 4}, nil},
		{"tagged rgba", false, []byte{1, 2, 3, 4, 1}, RGBA8888, []byte{1, 2, 3, 4}, nil},
		{"tagged jpeg", false, []byte{0xFF, 0xD8, 2}, JPEG, []byte{0xFF, 0xD8}, nil},
		{"unknown tag", false, []byte{1, 2, 3, 4, 7}, 0, nil, ErrUnknownFormat},
		{"legacy keeps every byte", true, []byte{1, 2, 3, 2}, Raw, []byte{1, 2, 3, 2}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolver{Legacy: tt.legacy}.Resolve(Frame{Payload: tt.payload})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tag, got.Tag)
			assert.Equal(t, tt.image, got.Image)
		})
	}
}

func TestEncode(t *testing.T) {
	box := func(x, y, w, h int) types.BoundingBox { return types.BoundingBox{X: x, Y: y, W: w, H: h} }

	tests := []struct {
		name    string
		outcome types.Outcome
		policy  CoordPolicy
		want    []byte
		wantErr error
	}{
		{"none", types.Outcome{Kind: types.None}, CoordError, []byte{0x00}, nil},
		{"multiple", types.Outcome{Kind: types.Multiple}, CoordError, []byte{0x01}, nil},
		{"too small", types.Outcome{Kind: types.TooSmall}, CoordError, []byte{0x02}, nil},
		{"found", types.Outcome{Kind: types.Found, Box: box(1, 1, 9, 9)}, CoordError, []byte{1, 1, 9, 9}, nil},
		{"found at origin keeps ambiguity", types.Outcome{Kind: types.Found, Box: box(0, 0, 9, 9)}, CoordError, []byte{0, 0, 9, 9}, nil},
		{"overflow errors", types.Outcome{Kind: types.Found, Box: box(10, 10, 300, 300)}, CoordError, nil, ErrCoordinateOverflow},
		{"overflow clamps", types.Outcome{Kind: types.Found, Box: box(-3, 10, 300, 255)}, CoordClamp, []byte{0, 10, 255, 255}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.outcome, tt.policy)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// flushCounter records how many bytes reached the underlying stream on each Write call.
type flushCounter struct {
	writes [][]byte
}

func (f *flushCounter) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestWriterFlushesEveryReply(t *testing.T) {
	sink := &flushCounter{}
	w := NewWriter(sink, CoordError)

	_, err := w.WriteOutcome(types.Outcome{Kind: types.None})
	require.NoError(t, err)
	require.Len(t, sink.writes, 1, "reply must reach the stream before the next request")

	_, err = w.WriteOutcome(types.Outcome{Kind: types.Found, Box: types.BoundingBox{X: 4, Y: 5, W: 6, H: 7}})
	require.NoError(t, err)
	require.Len(t, sink.writes, 2)
	assert.Equal(t, []byte{4, 5, 6, 7}, sink.writes[1])
}

func TestWriterWritesNothingOnOverflow(t *testing.T) {
	sink := &flushCounter{}
	w := NewWriter(sink, CoordError)

	_, err := w.WriteOutcome(types.Outcome{Kind: types.Found, Box: types.BoundingBox{X: 256, W: 1, H: 1}})
	require.True(t, errors.Is(err, ErrCoordinateOverflow))
	assert.Empty(t, sink.writes)
}

func TestParseCoordPolicy(t *testing.T) {
	p, err := ParseCoordPolicy("clamp")
	require.NoError(t, err)
	assert.Equal(t, CoordClamp, p)

	_, err = ParseCoordPolicy("wrap")
	assert.Error(t, err)
}
