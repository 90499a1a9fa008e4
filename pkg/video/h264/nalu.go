// SPDX-License-Identifier: GPL-2.0-or-later

package h264

import "fmt"

// NALUType is the type of a NALU.
type NALUType uint8

// NALU types, ITU-T H.264 Table 7-1.
const (
	NALUTypeNonIDR                        NALUType = 1
	NALUTypeDataPartitionA                NALUType = 2
	NALUTypeDataPartitionB                NALUType = 3
	NALUTypeDataPartitionC                NALUType = 4
	NALUTypeIDR                           NALUType = 5
	NALUTypeSEI                           NALUType = 6
	NALUTypeSPS                           NALUType = 7
	NALUTypePPS                           NALUType = 8
	NALUTypeAccessUnitDelimiter           NALUType = 9
	NALUTypeEndOfSequence                 NALUType = 10
	NALUTypeEndOfStream                   NALUType = 11
	NALUTypeFillerData                    NALUType = 12
	NALUTypeSPSExtension                  NALUType = 13
	NALUTypePrefix                        NALUType = 14
	NALUTypeSubsetSPS                     NALUType = 15
	NALUTypeSliceLayerWithoutPartitioning NALUType = 19
	NALUTypeSliceExtension                NALUType = 20
)

var naluTypeLabels = map[NALUType]string{
	NALUTypeNonIDR:                        "NonIDR",
	NALUTypeDataPartitionA:                "DataPartitionA",
	NALUTypeDataPartitionB:                "DataPartitionB",
	NALUTypeDataPartitionC:                "DataPartitionC",
	NALUTypeIDR:                           "IDR",
	NALUTypeSEI:                           "SEI",
	NALUTypeSPS:                           "SPS",
	NALUTypePPS:                           "PPS",
	NALUTypeAccessUnitDelimiter:           "AccessUnitDelimiter",
	NALUTypeEndOfSequence:                 "EndOfSequence",
	NALUTypeEndOfStream:                   "EndOfStream",
	NALUTypeFillerData:                    "FillerData",
	NALUTypeSPSExtension:                  "SPSExtension",
	NALUTypePrefix:                        "Prefix",
	NALUTypeSubsetSPS:                     "SubsetSPS",
	NALUTypeSliceLayerWithoutPartitioning: "SliceLayerWithoutPartitioning",
	NALUTypeSliceExtension:                "SliceExtension",
}

// String implements fmt.Stringer.
func (nt NALUType) String() string {
	if l, ok := naluTypeLabels[nt]; ok {
		return l
	}
	return fmt.Sprintf("unknown (%d)", nt)
}

// TypeOf returns the type of a NALU without start code.
// Empty NALUs have type 0, which is unspecified.
func TypeOf(nalu []byte) NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return NALUType(nalu[0] & 0x1F)
}

// IsSyncPoint reports whether a NALU of this type can open a decoder:
// an IDR slice or one of the parameter sets that must precede it.
func (nt NALUType) IsSyncPoint() bool {
	switch nt {
	case NALUTypeIDR, NALUTypeSPS, NALUTypePPS:
		return true
	}
	return false
}

// IsVCL reports whether the NALU carries slice data.
func (nt NALUType) IsVCL() bool {
	return nt >= NALUTypeNonIDR && nt <= NALUTypeIDR
}

// IsFirstSliceOfPicture reports whether a VCL NALU starts a new picture,
// first_mb_in_slice is ue(v) coded so a zero value is a single set bit.
func IsFirstSliceOfPicture(nalu []byte) bool {
	if len(nalu) < 2 || !TypeOf(nalu).IsVCL() {
		return false
	}
	return nalu[1]&0x80 != 0
}
