package rooms

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"github.com/imtaco/conf-sfu/internal/engine"
)

type Config struct {
	SpeakerInterval time.Duration `mapstructure:"speaker_interval"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("speaker_interval"), "300ms")
}

type TransportRole string

const (
	RoleProducer TransportRole = "producer"
	RoleConsumer TransportRole = "consumer"
)

// Registry owns every live room and serializes mutations per room id.
type Registry interface {
	CreateRoom(ctx context.Context, roomID string) (*RoomSummary, error)
	JoinRoom(ctx context.Context, roomID, participantID string) ([]ProducerInfo, error)
	LeaveRoom(ctx context.Context, roomID, participantID string) (*LeaveResult, error)

	RtpCapabilities(roomID string) (engine.RtpCapabilities, error)
	CreateTransport(ctx context.Context, roomID, participantID string, role TransportRole) (*engine.TransportParams, error)
	ConnectTransport(ctx context.Context, roomID, participantID, transportID string, dtls engine.DtlsParameters) error
	Produce(ctx context.Context, roomID, participantID string, kind engine.MediaKind, rtp engine.RtpParameters) (string, error)
	Consume(ctx context.Context, roomID, participantID, sourceParticipantID string, caps engine.RtpCapabilities) ([]ConsumerInfo, error)
	Resume(ctx context.Context, roomID, participantID, consumerID string) error
	Producers(roomID, excludeParticipantID string) ([]ProducerInfo, error)
	StreamSources(roomID string) (*StreamSources, error)

	RoomState(roomID string) (*RoomState, error)
	AllRooms() []RoomSummary
	CloseAll(ctx context.Context)
}

// StreamStopper stops every composite stream tagged to a room. It runs
// before the room's router closes.
type StreamStopper interface {
	StopRoom(ctx context.Context, roomID string)
}

// Notifier receives room events that do not originate from a request.
type Notifier interface {
	DominantSpeakerChanged(roomID, participantID string)
}

type ProducerInfo struct {
	ProducerID    string           `json:"producerId"`
	ParticipantID string           `json:"participantId"`
	Kind          engine.MediaKind `json:"kind,omitempty"`
}

type ConsumerInfo struct {
	ConsumerID    string               `json:"consumerId"`
	ProducerID    string               `json:"producerId"`
	Kind          engine.MediaKind     `json:"kind"`
	RtpParameters engine.RtpParameters `json:"rtpParameters"`
	Paused        bool                 `json:"paused"`
}

type ConsumerState struct {
	ConsumerID          string           `json:"consumerId"`
	ProducerID          string           `json:"producerId"`
	ParticipantID       string           `json:"participantId"`
	SourceParticipantID string           `json:"sourceParticipantId"`
	Kind                engine.MediaKind `json:"kind"`
	Paused              bool             `json:"paused"`
}

type ParticipantState struct {
	ParticipantID     string `json:"participantId"`
	ProducerTransport string `json:"producerTransportId,omitempty"`
	ConsumerTransport string `json:"consumerTransportId,omitempty"`
	ProducerCount     int    `json:"producerCount"`
	ConsumerCount     int    `json:"consumerCount"`
}

// RoomState is a read-only snapshot of a room's session graph.
type RoomState struct {
	RoomID          string             `json:"roomId"`
	WorkerID        int                `json:"workerId"`
	RouterID        string             `json:"routerId"`
	Participants    []ParticipantState `json:"participants"`
	Producers       []ProducerInfo     `json:"producers"`
	Consumers       []ConsumerState    `json:"consumers"`
	DominantSpeaker string             `json:"dominantSpeaker,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
}

type RoomSummary struct {
	RoomID       string `json:"roomId"`
	WorkerID     int    `json:"workerId"`
	RouterID     string `json:"routerId"`
	Participants int    `json:"participants"`
}

type LeaveResult struct {
	// Remaining is the participant count after the leave.
	Remaining int
	// Closed reports that the room was destroyed by this leave.
	Closed bool
	// Producers lists the departing participant's producers.
	Producers []ProducerInfo
}

// StreamSources is a snapshot of a room's live producers for compositing.
type StreamSources struct {
	RoomID string
	Router engine.Router
	Audio  []engine.Producer
	Video  []engine.Producer
}
