// SPDX-License-Identifier: GPL-2.0-or-later

package rtph264

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=No Name\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 5006 RTP/AVP 97\r\n" +
	"a=rtpmap:97 MPEG4-GENERIC/48000/2\r\n" +
	"m=video 5004 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=fmtp:96 packetization-mode=1; sprop-parameter-sets=Z2QAH6zZQFAFuwEQAAADABAAAAMDwPGDGWA=,aOvjyyLA; profile-level-id=64001F\r\n" +
	"a=framerate:25\r\n"

func TestParamsFromSDP(t *testing.T) {
	params, pt, err := ParamsFromSDP([]byte(testSDP))
	require.NoError(t, err)
	require.Equal(t, uint8(96), pt)
	require.Equal(t, 90000, params.ClockRate)
	require.Equal(t, 25.0, params.FrameRate)
	require.Equal(t, []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x10, 0x00, 0x00, 0x03, 0x00,
		0x10, 0x00, 0x00, 0x03, 0x03, 0xc0, 0xf1, 0x83,
		0x19, 0x60,
	}, params.SPS)
	require.Equal(t, []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}, params.PPS)
}

func TestParamsFromSDPErrors(t *testing.T) {
	header := "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"s=No Name\r\n" +
		"t=0 0\r\n"

	cases := []struct {
		name string
		sdp  string
		err  error
	}{
		{
			"noVideo",
			header + "m=audio 5006 RTP/AVP 97\r\na=rtpmap:97 opus/48000/2\r\n",
			ErrNoH264Media,
		},
		{
			"otherCodec",
			header + "m=video 5004 RTP/AVP 96\r\na=rtpmap:96 VP8/90000\r\n",
			ErrNoH264Media,
		},
		{
			"spropMissing",
			header + "m=video 5004 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\n" +
				"a=fmtp:96 packetization-mode=1\r\n",
			ErrSpropMissing,
		},
		{
			"spropInvalid",
			header + "m=video 5004 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\n" +
				"a=fmtp:96 sprop-parameter-sets=!!!,aOvjyyLA\r\n",
			ErrSpropInvalid,
		},
		{
			"spropSingle",
			header + "m=video 5004 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\n" +
				"a=fmtp:96 sprop-parameter-sets=aOvjyyLA\r\n",
			ErrSpropInvalid,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParamsFromSDP([]byte(tc.sdp))
			require.ErrorIs(t, err, tc.err)
		})
	}
}
