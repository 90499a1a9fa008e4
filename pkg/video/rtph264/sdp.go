// SPDX-License-Identifier: GPL-2.0-or-later

package rtph264

import (
	"encoding/base64"
	"errors"
	"fmt"
	"instantreplay/pkg/video"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// Errors.
var (
	ErrNoH264Media      = errors.New("no H264 media in session description")
	ErrSpropInvalid     = errors.New("invalid sprop-parameter-sets")
	ErrSpropMissing     = errors.New("sprop-parameter-sets is missing")
	ErrInvalidFrameRate = errors.New("invalid framerate attribute")
)

// ParamsFromSDP returns the codec parameters of the first H264
// media description. The payload type is returned as well.
func ParamsFromSDP(byts []byte) (video.CodecParams, uint8, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(byts); err != nil {
		return video.CodecParams{}, 0, fmt.Errorf("unmarshal sdp: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			codec, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil || !strings.EqualFold(codec.Name, "H264") {
				continue
			}

			params := video.CodecParams{ClockRate: int(codec.ClockRate)}
			params.SPS, params.PPS, err = decodeSprop(fmtpForPayloadType(md, format))
			if err != nil {
				return video.CodecParams{}, 0, err
			}

			if v, ok := md.Attribute("framerate"); ok {
				params.FrameRate, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
				if err != nil {
					return video.CodecParams{}, 0, fmt.Errorf("%w: %v", ErrInvalidFrameRate, v)
				}
			}
			return params, uint8(pt), nil
		}
	}
	return video.CodecParams{}, 0, ErrNoH264Media
}

// fmtpForPayloadType returns the format parameters of the payload type.
// The attribute is read directly since its parameters may contain spaces.
func fmtpForPayloadType(md *psdp.MediaDescription, pt string) string {
	for _, attr := range md.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		tmp := strings.SplitN(attr.Value, " ", 2)
		if len(tmp) == 2 && tmp[0] == pt {
			return tmp[1]
		}
	}
	return ""
}

// decodeSprop extracts the SPS and PPS from format parameters.
func decodeSprop(fmtp string) ([]byte, []byte, error) {
	for _, kv := range strings.Split(fmtp, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}

		tmp := strings.SplitN(kv, "=", 2)
		if len(tmp) != 2 || tmp[0] != "sprop-parameter-sets" {
			continue
		}

		tmp = strings.SplitN(tmp[1], ",", 3)
		if len(tmp) < 2 {
			return nil, nil, fmt.Errorf("%w (%v)", ErrSpropInvalid, kv)
		}

		sps, err := base64.StdEncoding.DecodeString(tmp[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%w (%v)", ErrSpropInvalid, kv)
		}

		pps, err := base64.StdEncoding.DecodeString(tmp[1])
		if err != nil {
			return nil, nil, fmt.Errorf("%w (%v)", ErrSpropInvalid, kv)
		}
		return sps, pps, nil
	}
	return nil, nil, fmt.Errorf("%w (%v)", ErrSpropMissing, fmtp)
}
