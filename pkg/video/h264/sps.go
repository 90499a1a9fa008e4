// SPDX-License-Identifier: GPL-2.0-or-later

package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

func readGolombUnsigned(br *bitio.Reader) (uint32, error) {
	leadingZeroBits := uint32(0)

	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		if b != 0 {
			break
		}
		leadingZeroBits++
		if leadingZeroBits > 31 {
			return 0, ErrSPSInvalidGolomb
		}
	}

	codeNum := uint32(0)
	for n := leadingZeroBits; n > 0; n-- {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		codeNum |= uint32(b) << (n - 1)
	}

	return (1 << leadingZeroBits) - 1 + codeNum, nil
}

func readGolombSigned(br *bitio.Reader) (int32, error) {
	v, err := readGolombUnsigned(br)
	if err != nil {
		return 0, err
	}
	vi := int32(v)

	if (vi & 0x01) != 0 {
		return (vi + 1) / 2, nil
	}
	return -vi / 2, nil
}

func readFlag(br *bitio.Reader) (bool, error) {
	tmp, err := br.ReadBits(1)
	if err != nil {
		return false, err
	}
	return tmp == 1, nil
}

func skipScalingList(br *bitio.Reader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale, err := readGolombSigned(br)
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// EmulationPreventionRemove removes emulation prevention bytes from a NALU.
func EmulationPreventionRemove(nalu []byte) []byte {
	// 0x00 0x00 0x03 0x0X -> 0x00 0x00 0x0X
	ret := make([]byte, 0, len(nalu))
	zeros := 0
	for _, b := range nalu {
		if zeros == 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		ret = append(ret, b)
	}
	return ret
}

// SpsFramecropping is the frame cropping part of a SPS.
type SpsFramecropping struct {
	LeftOffset   uint32
	RightOffset  uint32
	TopOffset    uint32
	BottomOffset uint32
}

// SpsTiming is the timing info of the video usability information.
type SpsTiming struct {
	NumUnitsInTick     uint32
	TimeScale          uint32
	FixedFrameRateFlag bool
}

// SPS is a H264 sequence parameter set. Only the fields
// required to describe the stream are decoded.
type SPS struct {
	ProfileIdc      uint8
	ConstraintFlags uint8
	LevelIdc        uint8
	ID              uint32

	ChromaFormatIdc uint32

	Log2MaxFrameNumMinus4 uint32
	PicOrderCntType       uint32
	MaxNumRefFrames       uint32

	PicWidthInMbsMinus1  uint32
	PicHeightInMbsMinus1 uint32
	FrameMbsOnlyFlag     bool

	// frameCroppingFlag == true
	FrameCropping *SpsFramecropping

	// vui timingInfoPresentFlag == true
	Timing *SpsTiming
}

// SPS errors.
var (
	ErrSPSBufferTooShort    = errors.New("buffer too short")
	ErrSPSWrongForbiddenBit = errors.New("wrong forbidden bit")
	ErrSPSWrongType         = errors.New("not a SPS")
	ErrSPSInvalidGolomb     = errors.New("invalid exp-golomb code")
)

// Unmarshal decodes a SPS NALU without start code.
func (s *SPS) Unmarshal(buf []byte) error { //nolint:funlen
	// ref: ISO/IEC 14496-10:2020
	buf = EmulationPreventionRemove(buf)

	if len(buf) < 4 {
		return ErrSPSBufferTooShort
	}
	if buf[0]>>7 != 0 {
		return ErrSPSWrongForbiddenBit
	}
	if TypeOf(buf) != NALUTypeSPS {
		return ErrSPSWrongType
	}

	s.ProfileIdc = buf[1]
	s.ConstraintFlags = buf[2]
	s.LevelIdc = buf[3]

	br := bitio.NewReader(bytes.NewReader(buf[4:]))

	var err error
	if s.ID, err = readGolombUnsigned(br); err != nil {
		return fmt.Errorf("id: %w", err)
	}

	s.ChromaFormatIdc = 1
	switch s.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		if err := s.unmarshalHighProfile(br); err != nil {
			return fmt.Errorf("high profile: %w", err)
		}
	}

	if s.Log2MaxFrameNumMinus4, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.PicOrderCntType, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if err := s.skipPicOrderCnt(br); err != nil {
		return fmt.Errorf("pic order count: %w", err)
	}
	if s.MaxNumRefFrames, err = readGolombUnsigned(br); err != nil {
		return err
	}

	// gaps_in_frame_num_value_allowed_flag
	if _, err := readFlag(br); err != nil {
		return err
	}

	if s.PicWidthInMbsMinus1, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.PicHeightInMbsMinus1, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.FrameMbsOnlyFlag, err = readFlag(br); err != nil {
		return err
	}
	if !s.FrameMbsOnlyFlag {
		// mb_adaptive_frame_field_flag
		if _, err := readFlag(br); err != nil {
			return err
		}
	}

	// direct_8x8_inference_flag
	if _, err := readFlag(br); err != nil {
		return err
	}

	frameCroppingFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	s.FrameCropping = nil
	if frameCroppingFlag {
		c := &SpsFramecropping{}
		for _, v := range []*uint32{&c.LeftOffset, &c.RightOffset, &c.TopOffset, &c.BottomOffset} {
			if *v, err = readGolombUnsigned(br); err != nil {
				return fmt.Errorf("frame cropping: %w", err)
			}
		}
		s.FrameCropping = c
	}

	vuiParameterPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	s.Timing = nil
	if vuiParameterPresentFlag {
		if err := s.unmarshalVUITiming(br); err != nil {
			return fmt.Errorf("vui: %w", err)
		}
	}
	return nil
}

func (s *SPS) unmarshalHighProfile(br *bitio.Reader) error {
	var err error
	if s.ChromaFormatIdc, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.ChromaFormatIdc == 3 {
		// separate_colour_plane_flag
		if _, err := readFlag(br); err != nil {
			return err
		}
	}

	// bit_depth_luma_minus8, bit_depth_chroma_minus8
	for i := 0; i < 2; i++ {
		if _, err := readGolombUnsigned(br); err != nil {
			return err
		}
	}

	// qpprime_y_zero_transform_bypass_flag
	if _, err := readFlag(br); err != nil {
		return err
	}

	seqScalingMatrixPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if !seqScalingMatrixPresentFlag {
		return nil
	}

	lim := 8
	if s.ChromaFormatIdc == 3 {
		lim = 12
	}
	for i := 0; i < lim; i++ {
		present, err := readFlag(br)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		size := 64
		if i < 6 {
			size = 16
		}
		if err := skipScalingList(br, size); err != nil {
			return err
		}
	}
	return nil
}

func (s *SPS) skipPicOrderCnt(br *bitio.Reader) error {
	switch s.PicOrderCntType {
	case 0:
		// log2_max_pic_order_cnt_lsb_minus4
		_, err := readGolombUnsigned(br)
		return err

	case 1:
		// delta_pic_order_always_zero_flag
		if _, err := readFlag(br); err != nil {
			return err
		}
		// offset_for_non_ref_pic, offset_for_top_to_bottom_field
		for i := 0; i < 2; i++ {
			if _, err := readGolombSigned(br); err != nil {
				return err
			}
		}
		numRefFramesInPicOrderCntCycle, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}
		for i := uint32(0); i < numRefFramesInPicOrderCntCycle; i++ {
			if _, err := readGolombSigned(br); err != nil {
				return err
			}
		}
	}
	return nil
}

// unmarshalVUITiming decodes the VUI up to and including the timing info.
func (s *SPS) unmarshalVUITiming(br *bitio.Reader) error {
	aspectRatioInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if aspectRatioInfoPresentFlag {
		aspectRatioIdc, err := br.ReadBits(8)
		if err != nil {
			return err
		}
		if aspectRatioIdc == 255 { // Extended_SAR
			if _, err := br.ReadBits(32); err != nil {
				return err
			}
		}
	}

	overscanInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if overscanInfoPresentFlag {
		if _, err := readFlag(br); err != nil {
			return err
		}
	}

	videoSignalTypePresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if videoSignalTypePresentFlag {
		// video_format, video_full_range_flag
		if _, err := br.ReadBits(4); err != nil {
			return err
		}
		colourDescriptionPresentFlag, err := readFlag(br)
		if err != nil {
			return err
		}
		if colourDescriptionPresentFlag {
			if _, err := br.ReadBits(24); err != nil {
				return err
			}
		}
	}

	chromaLocInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if chromaLocInfoPresentFlag {
		for i := 0; i < 2; i++ {
			if _, err := readGolombUnsigned(br); err != nil {
				return err
			}
		}
	}

	timingInfoPresentFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	if !timingInfoPresentFlag {
		return nil
	}

	numUnitsInTick, err := br.ReadBits(32)
	if err != nil {
		return err
	}
	timeScale, err := br.ReadBits(32)
	if err != nil {
		return err
	}
	fixedFrameRateFlag, err := readFlag(br)
	if err != nil {
		return err
	}
	s.Timing = &SpsTiming{
		NumUnitsInTick:     uint32(numUnitsInTick),
		TimeScale:          uint32(timeScale),
		FixedFrameRateFlag: fixedFrameRateFlag,
	}
	return nil
}

// Width returns the video width.
func (s SPS) Width() int {
	if s.FrameCropping != nil {
		return int(((s.PicWidthInMbsMinus1 + 1) * 16) - (s.FrameCropping.LeftOffset+s.FrameCropping.RightOffset)*2)
	}
	return int((s.PicWidthInMbsMinus1 + 1) * 16)
}

// Height returns the video height.
func (s SPS) Height() int {
	f := uint32(0)
	if s.FrameMbsOnlyFlag {
		f = 1
	}
	if s.FrameCropping != nil {
		return int(((2 - f) * (s.PicHeightInMbsMinus1 + 1) * 16) - (s.FrameCropping.TopOffset+s.FrameCropping.BottomOffset)*2)
	}
	return int((2 - f) * (s.PicHeightInMbsMinus1 + 1) * 16)
}

// FPS returns the frame per second of the video, 0 if unknown.
func (s SPS) FPS() float64 {
	if s.Timing == nil || s.Timing.NumUnitsInTick == 0 {
		return 0
	}
	return float64(s.Timing.TimeScale) / (2 * float64(s.Timing.NumUnitsInTick))
}

// CodecString returns the RFC 6381 codec string, for example "avc1.42C01F".
func (s SPS) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIdc, s.ConstraintFlags, s.LevelIdc)
}
