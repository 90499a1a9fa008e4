// SPDX-License-Identifier: GPL-2.0-or-later

package system

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// ErrNoCPUSample gopsutil returned an empty sample.
var ErrNoCPUSample = errors.New("no cpu sample")

// Bitrates of a ultrafast zerolatency screen capture, the
// capture process is capped at the same rate.
const (
	bitrate1080p   = 2_000_000
	bitrate720p    = 1_000_000
	bitrateDefault = 3_000_000
)

// EstimateBitrate returns the bitrate in bits per second for the resolution.
func EstimateBitrate(width int, height int) int {
	switch {
	case width == 1920 && height == 1080:
		return bitrate1080p
	case width == 1280 && height == 720:
		return bitrate720p
	default:
		return bitrateDefault
	}
}

// EstimateByteBudget returns the memory needed to buffer bufferSecs of video at
// bitrate, doubled for headroom and capped at a quarter of availableRAM.
func EstimateByteBudget(bitrate int, bufferSecs int, availableRAM uint64) int {
	budget := uint64(bitrate/8) * uint64(bufferSecs) * 2
	if limit := availableRAM / 4; availableRAM != 0 && budget > limit {
		budget = limit
	}
	return int(budget)
}

// ByteBudget estimates the byte budget from the available memory.
func ByteBudget(bitrate int, bufferSecs int) (int, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return EstimateByteBudget(bitrate, bufferSecs, vm.Available), nil
}
