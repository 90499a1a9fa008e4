// SPDX-License-Identifier: GPL-2.0-or-later

package mp4muxer

import (
	"errors"
	"fmt"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/h264"
	"io"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"
)

// Errors.
var (
	ErrNoParameterSets = errors.New("SPS or PPS missing")
	ErrNoFrames        = errors.New("no frames")
)

// Mux writes the packets as a fragmented MP4 file with a single video
// track. The file contains the init segment followed by one fragment.
func Mux(w io.Writer, packets []video.Packet, params video.CodecParams) error {
	if len(params.SPS) == 0 || len(params.PPS) == 0 {
		return ErrNoParameterSets
	}

	frames := video.GroupFrames(packets)
	if len(frames) == 0 {
		return ErrNoFrames
	}
	return muxFrames(w, frames, params)
}

func muxFrames(w io.Writer, frames []video.Frame, params video.CodecParams) error {
	initSeg := mp4.CreateEmptyInit()
	initSeg.AddEmptyTrack(uint32(params.ClockRateOrDefault()), "video", "und")
	trak := initSeg.Moov.Trak

	err := trak.SetAVCDescriptor("avc1", [][]byte{params.SPS}, [][]byte{params.PPS}, true)
	if err != nil {
		return fmt.Errorf("set avc descriptor: %w", err)
	}
	if err := initSeg.Encode(w); err != nil {
		return fmt.Errorf("write init: %w", err)
	}

	frag, err := mp4.CreateFragment(1, trak.Tkhd.TrackID)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}

	dur := params.FrameDuration()
	for i, f := range frames {
		data := h264.AVCCMarshal(sampleNALUs(f.NALUs))

		flags := mp4.NonSyncSampleFlags
		if f.IsIDR {
			flags = mp4.SyncSampleFlags
		}

		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Dur:   uint32(dur),
				Size:  uint32(len(data)),
			},
			DecodeTime: uint64(i) * dur,
			Data:       data,
		})
	}

	if err := frag.Encode(w); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	return nil
}

// sampleNALUs removes the NALUs that are carried in the sample entry.
func sampleNALUs(nalus [][]byte) [][]byte {
	ret := make([][]byte, 0, len(nalus))
	for _, nalu := range nalus {
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS, avc.NALU_PPS, avc.NALU_AUD:
			continue
		}
		ret = append(ret, nalu)
	}
	return ret
}
