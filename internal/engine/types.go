package engine

import (
	"encoding/json"
	"strings"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// RtcpFeedback is one RTCP feedback mechanism supported by a codec.
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability describes a codec the router (or a remote endpoint) can handle.
type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []json.RawMessage    `json:"headerExtensions,omitempty"`
}

// RtpCodecParameters is a negotiated codec inside RtpParameters.
type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

// Name returns the encoding name, e.g. "opus" for "audio/opus".
func (c RtpCodecParameters) Name() string {
	if i := strings.IndexByte(c.MimeType, '/'); i >= 0 {
		return c.MimeType[i+1:]
	}
	return c.MimeType
}

// RtpParameters is passed through between the client and the engine. Only the
// codec list is interpreted by the control plane.
type RtpParameters struct {
	Mid              string               `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters `json:"codecs"`
	HeaderExtensions []json.RawMessage    `json:"headerExtensions,omitempty"`
	Encodings        []json.RawMessage    `json:"encodings,omitempty"`
	Rtcp             json.RawMessage      `json:"rtcp,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address,omitempty"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type ListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

type WebRtcTransportOptions struct {
	ListenIPs []ListenIP `json:"listenIps"`
	EnableUDP bool       `json:"enableUdp"`
	EnableTCP bool       `json:"enableTcp"`
	PreferUDP bool       `json:"preferUdp"`
}

type PlainTransportOptions struct {
	ListenIP ListenIP `json:"listenIp"`
	RtcpMux  bool     `json:"rtcpMux"`
	Comedia  bool     `json:"comedia"`
}

// PlainConnectParams points a plain transport at the remote RTP receiver.
type PlainConnectParams struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	RtcpPort int    `json:"rtcpPort,omitempty"`
}

// TransportParams is what a client needs to build its side of a WebRTC transport.
type TransportParams struct {
	ID             string         `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ConsumeOptions struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
	Paused          bool            `json:"paused"`
}

// ResourceUsage is a worker's cumulative CPU time in seconds.
type ResourceUsage struct {
	UserTime   float64 `json:"ru_utime"`
	SystemTime float64 `json:"ru_stime"`
}

func (u ResourceUsage) CPU() float64 {
	return u.UserTime + u.SystemTime
}

type WorkerSettings struct {
	ID         int    `json:"id"`
	RtcMinPort int    `json:"rtcMinPort"`
	RtcMaxPort int    `json:"rtcMaxPort"`
	LogLevel   string `json:"logLevel,omitempty"`
}

// RouterEvent reports a router being created or closed on a worker.
type RouterEvent struct {
	RouterID string
	Closed   bool
}
