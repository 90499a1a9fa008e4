// SPDX-License-Identifier: GPL-2.0-or-later

package video

import (
	"errors"
	"fmt"
	"instantreplay/pkg/video/h264"
	"io"
	"path/filepath"
	"strings"
)

// DefaultClockRate is the H264 RTP clock rate.
const DefaultClockRate = 90000

// DefaultFrameRate is used when the stream does not signal one.
const DefaultFrameRate = 30

// CodecParams describes the stream and is passed to muxers unchanged.
type CodecParams struct {
	// SPS and PPS without start code.
	SPS []byte `json:"sps"`
	PPS []byte `json:"pps"`

	// Ticks per second.
	ClockRate int     `json:"clockRate"`
	FrameRate float64 `json:"frameRate"`

	Width  int `json:"width"`
	Height int `json:"height"`
}

// ClockRateOrDefault returns ClockRate or DefaultClockRate if unset.
func (p CodecParams) ClockRateOrDefault() int {
	if p.ClockRate <= 0 {
		return DefaultClockRate
	}
	return p.ClockRate
}

// FrameRateOrDefault returns FrameRate or DefaultFrameRate if unset.
func (p CodecParams) FrameRateOrDefault() float64 {
	if p.FrameRate <= 0 {
		return DefaultFrameRate
	}
	return p.FrameRate
}

// FrameDuration returns the duration of one frame in clock ticks.
func (p CodecParams) FrameDuration() uint64 {
	d := float64(p.ClockRateOrDefault()) / p.FrameRateOrDefault()
	if d < 1 {
		return 1
	}
	return uint64(d + 0.5)
}

// Packet is a single access unit handed to a muxer.
type Packet struct {
	// Payload including start code.
	Payload     []byte
	IsSyncPoint bool

	// Index is the position of the packet in the clip.
	Index int
}

// Muxer writes packets into a container.
type Muxer func(w io.Writer, packets []Packet, params CodecParams) error

// Format is a container format.
type Format string

// Formats.
const (
	FormatMP4  Format = "mp4"
	FormatTS   Format = "ts"
	FormatH264 Format = "h264"
)

// Formats returns all supported formats.
func Formats() []Format {
	return []Format{FormatMP4, FormatTS, FormatH264}
}

// ErrUnknownFormat unknown container format.
var ErrUnknownFormat = errors.New("unknown format")

// ParseFormat returns the format with the given name.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(name)) {
	case FormatMP4:
		return FormatMP4, nil
	case FormatTS:
		return FormatTS, nil
	case FormatH264, "264":
		return FormatH264, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// FormatFromPath returns the format matching the file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: no file extension: %v", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// WriteAnnexB writes the packets as a raw H264 elementary stream.
func WriteAnnexB(w io.Writer, packets []Packet, _ CodecParams) error {
	for _, p := range packets {
		if _, err := w.Write(p.Payload); err != nil {
			return fmt.Errorf("write packet %d: %w", p.Index, err)
		}
	}
	return nil
}

// Frame is a group of NALUs that belong to the same picture.
type Frame struct {
	// NALUs without start code.
	NALUs [][]byte
	IsIDR bool

	// Index of the first packet in the frame.
	Index int
}

// GroupFrames groups packets into frames. A frame begins at the
// delimiter, parameter sets or SEI that precede its first slice.
// Trailing NALUs without a slice are dropped.
func GroupFrames(packets []Packet) []Frame {
	var frames []Frame
	var cur Frame
	hasSlice := false
	cur.Index = -1

	flush := func() {
		if hasSlice {
			frames = append(frames, cur)
		}
		cur = Frame{Index: -1}
		hasSlice = false
	}

	for _, p := range packets {
		nalu := h264.StripStartCode(p.Payload)
		if len(nalu) == 0 {
			continue
		}
		typ := h264.TypeOf(nalu)

		switch {
		case typ.IsVCL():
			if hasSlice && h264.IsFirstSliceOfPicture(nalu) {
				flush()
			}
			hasSlice = true
			if typ == h264.NALUTypeIDR {
				cur.IsIDR = true
			}

		case typ == h264.NALUTypeAccessUnitDelimiter,
			typ == h264.NALUTypeSPS,
			typ == h264.NALUTypePPS,
			typ == h264.NALUTypeSEI:
			if hasSlice {
				flush()
			}
		}

		if cur.Index == -1 {
			cur.Index = p.Index
		}
		cur.NALUs = append(cur.NALUs, nalu)
	}
	flush()
	return frames
}
