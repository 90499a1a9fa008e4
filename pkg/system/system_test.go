// SPDX-License-Identifier: GPL-2.0-or-later

package system

import (
	"context"
	"errors"
	"instantreplay/pkg/log"
	"instantreplay/pkg/storage"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func mockCPU(context.Context, time.Duration, bool) ([]float64, error) {
	return []float64{11}, nil
}

func mockRAM() (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{UsedPercent: 22, Available: 4096}, nil
}

func mockDisk() (storage.DiskUsage, error) {
	return storage.DiskUsage{Percent: 33, Free: 2048, Formatted: "1 GB / 3 GB"}, nil
}

var errMock = errors.New("mock")

func TestUpdate(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		s := New(mockDisk, log.NewMockLogger())
		s.cpu = mockCPU
		s.ram = mockRAM
		s.now = func() time.Time { return time.Unix(1, 0) }

		require.Equal(t, Status{}, s.Status())
		require.NoError(t, s.update(context.Background()))
		expected := Status{
			CPUUsage:           11,
			RAMUsage:           22,
			RAMAvailable:       4096,
			DiskUsage:          33,
			DiskFree:           2048,
			DiskUsageFormatted: "1 GB / 3 GB",
			SampledAt:          time.Unix(1, 0),
		}
		require.Equal(t, expected, s.Status())
	})
	t.Run("emptyCPUSample", func(t *testing.T) {
		s := New(mockDisk, log.NewMockLogger())
		s.cpu = func(context.Context, time.Duration, bool) ([]float64, error) {
			return nil, nil
		}
		s.ram = mockRAM
		require.ErrorIs(t, s.update(context.Background()), ErrNoCPUSample)
	})
	t.Run("cpuErr", func(t *testing.T) {
		s := New(mockDisk, log.NewMockLogger())
		s.cpu = func(context.Context, time.Duration, bool) ([]float64, error) {
			return nil, errMock
		}
		s.ram = mockRAM
		require.ErrorIs(t, s.update(context.Background()), errMock)
	})
	t.Run("ramErr", func(t *testing.T) {
		s := New(mockDisk, log.NewMockLogger())
		s.cpu = mockCPU
		s.ram = func() (*mem.VirtualMemoryStat, error) { return nil, errMock }
		require.ErrorIs(t, s.update(context.Background()), errMock)
	})
	t.Run("diskErr", func(t *testing.T) {
		s := New(func() (storage.DiskUsage, error) {
			return storage.DiskUsage{}, errMock
		}, log.NewMockLogger())
		s.cpu = mockCPU
		s.ram = mockRAM
		require.ErrorIs(t, s.update(context.Background()), errMock)
	})
}

func TestStatusLoopLogsErrors(t *testing.T) {
	logger := log.NewLogger(&sync.WaitGroup{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger.Start(ctx)
	feed, cancel2 := logger.Subscribe()
	defer cancel2()

	s := New(mockDisk, logger)
	s.interval = time.Hour
	s.ram = mockRAM
	s.cpu = func(context.Context, time.Duration, bool) ([]float64, error) {
		return nil, errMock
	}

	done := make(chan struct{})
	go func() {
		s.StatusLoop(ctx)
		close(done)
	}()

	entry := <-feed
	require.Equal(t, log.LevelError, entry.Level)
	require.Equal(t, "system", entry.Src)
	require.Equal(t, "could not update system status: cpu usage: mock", entry.Msg)

	cancel()
	<-done
}

func TestStatusLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(mockDisk, log.NewMockLogger())
	s.ram = mockRAM
	s.cpu = func(ctx context.Context, _ time.Duration, _ bool) ([]float64, error) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return []float64{11}, nil
	}

	done := make(chan struct{})
	go func() {
		s.StatusLoop(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return s.Status().CPUUsage == 11
	}, 5*time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestEstimateByteBudget(t *testing.T) {
	const gib = 1024 * 1024 * 1024
	cases := []struct {
		name          string
		width, height int
		secs          int
		ram           uint64
		expected      int
	}{
		{"1080p", 1920, 1080, 30, 16 * gib, 250_000 * 30 * 2},
		{"720p", 1280, 720, 30, 16 * gib, 125_000 * 30 * 2},
		{"other", 2560, 1440, 10, 16 * gib, 375_000 * 10 * 2},
		{"ramLimit", 1920, 1080, 600, 400_000_000, 100_000_000},
		{"ramUnknown", 1920, 1080, 600, 0, 250_000 * 600 * 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actual := EstimateByteBudget(EstimateBitrate(tc.width, tc.height), tc.secs, tc.ram)
			require.Equal(t, tc.expected, actual)
		})
	}
}
