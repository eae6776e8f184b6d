package ffmpeg

import (
	"path/filepath"
	"strconv"
	"strings"
)

const (
	PlaylistName   = "stream.m3u8"
	SDPName        = "stream.sdp"
	segmentPattern = "segment_%03d.ts"
)

// Options describes one composite transcode: a single SDP input carrying
// audioInputs audio streams followed by videoInputs video streams.
type Options struct {
	SDPPath        string
	OutDir         string
	AudioInputs    int
	VideoInputs    int
	Width          int
	Height         int
	FPS            int
	SegmentSeconds int
	ListSize       int
}

func (o Options) withDefaults() Options {
	if o.Width == 0 {
		o.Width = 1280
	}
	if o.Height == 0 {
		o.Height = 720
	}
	if o.FPS == 0 {
		o.FPS = 30
	}
	if o.SegmentSeconds == 0 {
		o.SegmentSeconds = 2
	}
	if o.ListSize == 0 {
		o.ListSize = 6
	}
	return o
}

// BuildArgs returns the transcoder argv (without the executable).
func BuildArgs(o Options) []string {
	o = o.withDefaults()

	args := []string{
		"-nostats",
		"-protocol_whitelist", "file,rtp,udp",
		"-i", o.SDPPath,
	}

	var filters []string
	var maps []string

	switch {
	case o.VideoInputs > 1:
		filters = append(filters, NewLayout(o.VideoInputs, o.Width, o.Height).VideoFilter(o.VideoInputs))
		maps = append(maps, "-map", "[v]")
	case o.VideoInputs == 1:
		maps = append(maps, "-map", "0:v:0")
	}

	switch {
	case o.AudioInputs > 1:
		filters = append(filters, AudioFilter(o.AudioInputs))
		maps = append(maps, "-map", "[a]")
	case o.AudioInputs == 1:
		maps = append(maps, "-map", "0:a:0")
	}

	if len(filters) > 0 {
		args = append(args, "-filter_complex", strings.Join(filters, ";"))
	}
	args = append(args, maps...)

	if o.VideoInputs > 0 {
		gop := strconv.Itoa(o.FPS * o.SegmentSeconds)
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-tune", "zerolatency",
			"-pix_fmt", "yuv420p",
			"-bf", "0",
			"-g", gop,
			"-keyint_min", gop,
			"-sc_threshold", "0",
			"-r", strconv.Itoa(o.FPS),
		)
	}
	if o.AudioInputs > 0 {
		args = append(args,
			"-c:a", "aac",
			"-b:a", "128k",
			"-ar", "48000",
			"-ac", "2",
		)
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(o.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(o.ListSize),
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(o.OutDir, segmentPattern),
		filepath.Join(o.OutDir, PlaylistName),
	)
	return args
}
