package engine

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/imtaco/conf-sfu/internal/errors"
)

// DefaultMediaCodecs is the fixed codec set every router is created with.
func DefaultMediaCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{
			Kind:                 KindAudio,
			MimeType:             webrtc.MimeTypeOpus,
			ClockRate:            48000,
			Channels:             2,
			PreferredPayloadType: 111,
			Parameters: map[string]any{
				"sprop-stereo":         1,
				"sprop-maxcapturerate": 48000,
				"maxaveragebitrate":    64000,
				"maxplaybackrate":      48000,
				"cbr":                  0,
				"useinbandfec":         1,
				"usedtx":               1,
			},
		},
		{
			Kind:                 KindVideo,
			MimeType:             webrtc.MimeTypeH264,
			ClockRate:            90000,
			PreferredPayloadType: 102,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "64001f",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  2500,
				"x-google-max-bitrate":    4000,
				"x-google-min-bitrate":    500,
			},
		},
		{
			Kind:                 KindVideo,
			MimeType:             webrtc.MimeTypeVP8,
			ClockRate:            90000,
			PreferredPayloadType: 103,
			Parameters: map[string]any{
				"x-google-start-bitrate": 2500,
				"x-google-max-bitrate":   4000,
				"x-google-min-bitrate":   500,
			},
		},
	}
}

// ParseKind validates a media kind received from a client.
func ParseKind(s string) (MediaKind, error) {
	switch webrtc.NewRTPCodecType(s) {
	case webrtc.RTPCodecTypeAudio:
		return KindAudio, nil
	case webrtc.RTPCodecTypeVideo:
		return KindVideo, nil
	default:
		return "", errors.Newf(errors.ErrInvalidArgument, "unknown media kind %q", s)
	}
}

// SupportsCodec reports whether caps contain a codec compatible with c
// (same mime type, clock rate and channel count).
func SupportsCodec(caps RtpCapabilities, c RtpCodecParameters) bool {
	for _, cc := range caps.Codecs {
		if !strings.EqualFold(cc.MimeType, c.MimeType) || cc.ClockRate != c.ClockRate {
			continue
		}
		if c.Channels > 0 && cc.Channels != c.Channels {
			continue
		}
		return true
	}
	return false
}

// CapabilityFor picks the capability of caps matching mimeType.
func CapabilityFor(caps RtpCapabilities, mimeType string) (RtpCodecCapability, bool) {
	for _, cc := range caps.Codecs {
		if strings.EqualFold(cc.MimeType, mimeType) {
			return cc, true
		}
	}
	return RtpCodecCapability{}, false
}
