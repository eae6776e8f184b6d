package ffmpeg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid(t *testing.T) {
	cases := []struct {
		n          int
		cols, rows int
	}{
		{1, 1, 1},
		{2, 2, 1},
		{3, 2, 2},
		{4, 2, 2},
		{5, 3, 2},
		{6, 3, 2},
		{7, 3, 3},
		{9, 3, 3},
		{10, 4, 3},
		{13, 4, 4},
	}
	for _, c := range cases {
		cols, rows := Grid(c.n)
		assert.Equal(t, c.cols, cols, "cols for %d", c.n)
		assert.Equal(t, c.rows, rows, "rows for %d", c.n)
	}
}

func TestLayoutCellsAreEven(t *testing.T) {
	l := NewLayout(10, 1280, 720)
	assert.Equal(t, 320, l.CellW)
	assert.Equal(t, 240, l.CellH)

	l = NewLayout(9, 1280, 720)
	assert.Equal(t, 426, l.CellW)
	assert.Equal(t, 240, l.CellH)

	x, y := l.Offset(4)
	assert.Equal(t, 426, x)
	assert.Equal(t, 240, y)
}

func TestVideoFilterThreeInputsLeavesCellEmpty(t *testing.T) {
	f := NewLayout(3, 1280, 720).VideoFilter(3)

	assert.Contains(t, f, "[0:v:0]scale=640:360:force_original_aspect_ratio=increase,crop=640:360,setsar=1[v0]")
	assert.Contains(t, f, "[0:v:2]")
	assert.NotContains(t, f, "[0:v:3]")
	assert.Contains(t, f, "[v0][v1][v2]xstack=inputs=3:layout=0_0|640_0|0_360:fill=black[v]")
}

func TestAudioFilter(t *testing.T) {
	assert.Equal(t, "[0:a:0][0:a:1]amix=inputs=2:duration=longest[a]", AudioFilter(2))
}

func argValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuildArgsSingleVideoNoStack(t *testing.T) {
	args := BuildArgs(Options{SDPPath: "/x/stream.sdp", OutDir: "/x", VideoInputs: 1, AudioInputs: 1})

	_, ok := argValue(args, "-filter_complex")
	assert.False(t, ok)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-map 0:v:0")
	assert.Contains(t, joined, "-map 0:a:0")
	assert.Contains(t, joined, "-nostats -protocol_whitelist file,rtp,udp -i /x/stream.sdp")
}

func TestBuildArgsGridAndMix(t *testing.T) {
	args := BuildArgs(Options{SDPPath: "/x/stream.sdp", OutDir: "/x", VideoInputs: 3, AudioInputs: 2})

	fc, ok := argValue(args, "-filter_complex")
	require.True(t, ok)
	assert.Contains(t, fc, "xstack=inputs=3")
	assert.Contains(t, fc, "amix=inputs=2")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-map [v] -map [a]")
	assert.Contains(t, joined, "-c:v libx264 -preset veryfast -tune zerolatency -pix_fmt yuv420p -bf 0 -g 60 -keyint_min 60")
	assert.Contains(t, joined, "-c:a aac -b:a 128k -ar 48000 -ac 2")
	assert.Contains(t, joined, "-f hls -hls_time 2 -hls_list_size 6 -hls_flags delete_segments")
	assert.Equal(t, "/x/stream.m3u8", args[len(args)-1])

	seg, ok := argValue(args, "-hls_segment_filename")
	require.True(t, ok)
	assert.Equal(t, "/x/segment_%03d.ts", seg)
}

func TestBuildArgsAudioOnly(t *testing.T) {
	args := BuildArgs(Options{SDPPath: "s.sdp", OutDir: "out", AudioInputs: 1})

	joined := strings.Join(args, " ")
	assert.NotContains(t, joined, "libx264")
	assert.NotContains(t, joined, "0:v:0")
	assert.Contains(t, joined, "-c:a aac")
}
