// SPDX-License-Identifier: GPL-2.0-or-later

package mp4muxer

import (
	"errors"
	"instantreplay/pkg/video"
	"io"
)

// ErrSampleMissing no sync frame.
var ErrSampleMissing = errors.New("missing sync sample")

// GenerateThumbnailVideo writes a mp4 video with the first sync
// frame of packets, it can be converted to an image by FFmpeg.
func GenerateThumbnailVideo(w io.Writer, packets []video.Packet, params video.CodecParams) error {
	if len(params.SPS) == 0 || len(params.PPS) == 0 {
		return ErrNoParameterSets
	}
	for _, f := range video.GroupFrames(packets) {
		if f.IsIDR {
			return muxFrames(w, []video.Frame{f}, params)
		}
	}
	return ErrSampleMissing
}
