// SPDX-License-Identifier: GPL-2.0-or-later

package tsmuxer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/h264"
	"io"

	"github.com/asticode/go-astits"
)

// VideoPID is the PID of the video elementary stream.
const VideoPID = 256

// Timescale of PTS values.
const Timescale = 90000

const streamIDVideo = 0xe0

// ErrNoFrames no frames.
var ErrNoFrames = errors.New("no frames")

// Mux writes the packets as a MPEG-TS stream with one PES per frame.
// Parameter sets stay in-band.
func Mux(w io.Writer, packets []video.Packet, params video.CodecParams) error {
	frames := video.GroupFrames(packets)
	if len(frames) == 0 {
		return ErrNoFrames
	}

	bw := bufio.NewWriter(w)
	mx := astits.NewMuxer(context.Background(), bw)
	err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: VideoPID,
		StreamType:    astits.StreamTypeH264Video,
	})
	if err != nil {
		return fmt.Errorf("add elementary stream: %w", err)
	}
	mx.SetPCRPID(VideoPID)

	// PTS always uses the 90kHz clock.
	dur := int64(video.CodecParams{
		ClockRate: Timescale,
		FrameRate: params.FrameRate,
	}.FrameDuration())

	for i, f := range frames {
		pts := int64(i) * dur
		_, err := mx.WriteData(&astits.MuxerData{
			PID: VideoPID,
			AdaptationField: &astits.PacketAdaptationField{
				RandomAccessIndicator: f.IsIDR,
			},
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					OptionalHeader: &astits.PESOptionalHeader{
						MarkerBits:      2,
						PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
						PTS:             &astits.ClockReference{Base: pts},
					},
					StreamID: streamIDVideo,
				},
				Data: h264.AnnexBEncode(f.NALUs),
			},
		})
		if err != nil {
			return fmt.Errorf("write frame %d: %w", f.Index, err)
		}
	}
	return bw.Flush()
}
