// SPDX-License-Identifier: GPL-2.0-or-later

package h264

import "encoding/binary"

// MaxNALUSize is the maximum size of a NALU.
// with a 250 Mbps H264 video, the maximum NALU size is 2.2MB.
const MaxNALUSize = 3 * 1024 * 1024

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

func annexBEncodeSize(nalus [][]byte) int {
	n := 0
	for _, nalu := range nalus {
		n += len(startCode) + len(nalu)
	}
	return n
}

// AnnexBEncode encodes NALUs into the Annex-B stream format.
func AnnexBEncode(nalus [][]byte) []byte {
	buf := make([]byte, annexBEncodeSize(nalus))
	pos := 0

	for _, nalu := range nalus {
		pos += copy(buf[pos:], startCode)
		pos += copy(buf[pos:], nalu)
	}

	return buf
}

// StripStartCode returns the NALU without its leading
// 3 or 4 byte start code. The returned slice aliases unit.
func StripStartCode(unit []byte) []byte {
	switch {
	case len(unit) >= 4 && unit[0] == 0 && unit[1] == 0 && unit[2] == 0 && unit[3] == 1:
		return unit[4:]
	case len(unit) >= 3 && unit[0] == 0 && unit[1] == 0 && unit[2] == 1:
		return unit[3:]
	}
	return unit
}

func avccMarshalSize(nalus [][]byte) int {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	return n
}

// AVCCMarshal encodes NALUs into the AVCC stream format.
func AVCCMarshal(nalus [][]byte) []byte {
	buf := make([]byte, avccMarshalSize(nalus))
	pos := 0
	for _, nalu := range nalus {
		binary.BigEndian.PutUint32(buf[pos:], uint32(len(nalu)))
		pos += 4

		pos += copy(buf[pos:], nalu)
	}
	return buf
}
