package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
)

const loopback = "127.0.0.1"

// Media is one RTP stream the transcoder receives on a port pair.
type Media struct {
	Kind     engine.MediaKind
	RtpPort  int
	RtcpPort int
	Codec    engine.RtpCodecParameters
}

// BuildSDP renders a receive-side session with one media line per input in
// the given order, all sharing the loopback connection address.
func BuildSDP(streamID string, media []Media) ([]byte, error) {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: loopback,
		},
		SessionName: sdp.SessionName("composite " + streamID),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: loopback},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	for _, m := range media {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  string(m.Kind),
				Port:   sdp.RangedPort{Value: m.RtpPort},
				Protos: []string{"RTP", "AVP"},
			},
		}
		var channels uint16
		if m.Kind == engine.KindAudio {
			channels = m.Codec.Channels
		}
		md.WithCodec(m.Codec.PayloadType, m.Codec.Name(), m.Codec.ClockRate, channels, fmtp(m.Codec.Parameters))
		if m.RtcpPort > 0 {
			md.WithValueAttribute("rtcp", strconv.Itoa(m.RtcpPort))
		}
		md.WithPropertyAttribute("sendonly")
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	out, err := sd.Marshal()
	if err != nil {
		return nil, errors.Wrap(errors.ErrProcessFailure, err, "marshal sdp")
	}
	return out, nil
}

// WriteSDP writes the session into dir and returns the file path.
func WriteSDP(dir, streamID string, media []Media) (string, error) {
	body, err := BuildSDP(streamID, media)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(errors.ErrProcessFailure, err, "failed to create stream directory")
	}
	path := filepath.Join(dir, SDPName)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", errors.Wrap(errors.ErrProcessFailure, err, "failed to write SDP file")
	}
	return path, nil
}

func fmtp(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fmtpValue(params[k]))
	}
	return strings.Join(parts, ";")
}

// fmtpValue renders one parameter. Numbers decoded from JSON arrive as
// float64 and must never print in exponent form.
func fmtpValue(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
