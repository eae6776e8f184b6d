package mixers

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"github.com/imtaco/conf-sfu/internal/engine"
)

type Config struct {
	Root             string        `mapstructure:"root"`
	PublicPath       string        `mapstructure:"public_path"`
	PortBase         int           `mapstructure:"port_base"`
	ProbePorts       bool          `mapstructure:"probe_ports"`
	FFmpeg           string        `mapstructure:"ffmpeg"`
	ResumeDelay      time.Duration `mapstructure:"resume_delay"`
	ForceKillTimeout time.Duration `mapstructure:"force_kill_timeout"`
	CanvasWidth      int           `mapstructure:"canvas_width"`
	CanvasHeight     int           `mapstructure:"canvas_height"`
	FPS              int           `mapstructure:"fps"`
	SegmentSeconds   int           `mapstructure:"segment_seconds"`
	ListSize         int           `mapstructure:"list_size"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("root"), "./hls")
	v.SetDefault(p("public_path"), "/hls")
	v.SetDefault(p("port_base"), 20000)
	v.SetDefault(p("probe_ports"), false)
	v.SetDefault(p("ffmpeg"), "ffmpeg")
	v.SetDefault(p("resume_delay"), time.Second)
	v.SetDefault(p("force_kill_timeout"), 5*time.Second)
	v.SetDefault(p("canvas_width"), 1280)
	v.SetDefault(p("canvas_height"), 720)
	v.SetDefault(p("fps"), 30)
	v.SetDefault(p("segment_seconds"), 2)
	v.SetDefault(p("list_size"), 6)
}

type StreamState int

const (
	StateRequested StreamState = iota
	StateAllocating
	StateEncoding
	StateVerifying
	StateLive
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = map[StreamState]string{
	StateRequested:  "requested",
	StateAllocating: "allocating",
	StateEncoding:   "encoding",
	StateVerifying:  "verifying",
	StateLive:       "live",
	StateStopping:   "stopping",
	StateStopped:    "stopped",
	StateFailed:     "failed",
}

func (s StreamState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s StreamState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the stream no longer owns any resources.
func (s StreamState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// StartRequest is a snapshot of a room's producers to composite.
// OnResolved fires at most once: nil when the playlist turns playable,
// an error when verification fails or the transcoder dies first.
type StartRequest struct {
	RoomID     string
	Router     engine.Router
	Audio      []engine.Producer
	Video      []engine.Producer
	OnResolved func(streamID string, err error)
}

type StartResult struct {
	StreamID    string `json:"streamId"`
	PlaylistURL string `json:"playlistUrl"`
}

type StreamInfo struct {
	StreamID    string      `json:"streamId"`
	RoomID      string      `json:"roomId"`
	State       StreamState `json:"state"`
	PlaylistURL string      `json:"playlistUrl"`
	Inputs      int         `json:"inputs"`
	PID         int         `json:"pid,omitempty"`
	// LastSegment is the newest finished segment number, -1 before the first.
	LastSegment int       `json:"lastSegment"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Compositor interface {
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
	// Stop is a no-op for unknown stream ids.
	Stop(ctx context.Context, streamID string) error
	StopRoom(ctx context.Context, roomID string)
	Streams() []StreamInfo
	Close(ctx context.Context)
}

// PortAllocator hands out RTP/RTCP port pairs; rtcp is always rtp+1.
type PortAllocator interface {
	Next() (rtp int, rtcp int, err error)
}

// ReadinessMonitor polls a stream directory until its playlist becomes
// playable. done is called at most once; alive is checked before every
// attempt and a false result ends the watch silently.
type ReadinessMonitor interface {
	Watch(streamID, dir string, alive func() bool, done func(err error))
}
