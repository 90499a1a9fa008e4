// SPDX-License-Identifier: GPL-2.0-or-later

package tsmuxer

import (
	"bytes"
	"context"
	"errors"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/h264"
	"testing"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/require"
)

func annexB(nalu ...byte) []byte {
	return append([]byte{0, 0, 0, 1}, nalu...)
}

type pes struct {
	pts  int64
	rai  bool
	data []byte
}

func demux(t *testing.T, buf []byte) []pes {
	t.Helper()
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(buf))

	var ret []pes
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			return ret
		}
		require.NoError(t, err)
		if d.PES == nil || d.PID != VideoPID {
			continue
		}
		p := pes{
			pts:  d.PES.Header.OptionalHeader.PTS.Base,
			data: d.PES.Data,
		}
		if d.FirstPacket != nil && d.FirstPacket.AdaptationField != nil {
			p.rai = d.FirstPacket.AdaptationField.RandomAccessIndicator
		}
		ret = append(ret, p)
	}
}

func TestMux(t *testing.T) {
	payloads := [][]byte{
		annexB(0x67, 0x42, 0xc0, 0x1f),
		annexB(0x68, 0xce, 0x3c, 0x80),
		annexB(0x65, 0x88, 1, 2, 3),
		annexB(0x41, 0x9a, 4),
		annexB(0x41, 0x9a, 5),
	}
	var packets []video.Packet
	for i, p := range payloads {
		packets = append(packets, video.Packet{Payload: p, Index: i})
	}

	var buf bytes.Buffer
	require.NoError(t, Mux(&buf, packets, video.CodecParams{FrameRate: 30}))
	require.Zero(t, buf.Len()%188)

	got := demux(t, buf.Bytes())
	require.Len(t, got, 3)

	require.Equal(t, int64(0), got[0].pts)
	require.Equal(t, int64(3000), got[1].pts)
	require.Equal(t, int64(6000), got[2].pts)

	require.True(t, got[0].rai)
	require.False(t, got[1].rai)

	// Parameter sets are kept in-band.
	require.Equal(t, h264.AnnexBEncode([][]byte{
		{0x67, 0x42, 0xc0, 0x1f},
		{0x68, 0xce, 0x3c, 0x80},
		{0x65, 0x88, 1, 2, 3},
	}), got[0].data)
}

func TestMuxNoFrames(t *testing.T) {
	packets := []video.Packet{{Payload: annexB(0x67, 0x42)}}
	err := Mux(&bytes.Buffer{}, packets, video.CodecParams{})
	require.ErrorIs(t, err, ErrNoFrames)
}
