// SPDX-License-Identifier: GPL-2.0-or-later

// Package system samples host resource usage.
package system

import (
	"context"
	"fmt"
	"instantreplay/pkg/log"
	"instantreplay/pkg/storage"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the latest resource sample. The zero value means no sample yet.
type Status struct {
	CPUUsage int `json:"cpuUsage"`
	RAMUsage int `json:"ramUsage"`

	// RAMAvailable in bytes, the byte budget is derived from it.
	RAMAvailable uint64 `json:"ramAvailable"`

	DiskUsage          int    `json:"diskUsage"`
	DiskFree           uint64 `json:"diskFree"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`

	SampledAt time.Time `json:"sampledAt"`
}

type (
	cpuFunc  func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc  func() (*mem.VirtualMemoryStat, error)
	diskFunc func() (storage.DiskUsage, error)
)

// System periodically samples CPU, RAM and disk usage.
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc
	now  func() time.Time

	// interval is both the CPU measurement window and the retry delay.
	interval time.Duration

	status Status
	logger log.ILogger
	mu     sync.Mutex
	once   sync.Once
}

// New returns a System that reports disk usage from disk.
func New(disk diskFunc, logger log.ILogger) *System {
	return &System{
		cpu:  cpu.PercentWithContext,
		ram:  mem.VirtualMemory,
		disk: disk,
		now:  time.Now,

		interval: 10 * time.Second,
		logger:   logger,
	}
}

// sample blocks for the CPU measurement interval.
func (s *System) sample(ctx context.Context) (Status, error) {
	cpuUsage, err := s.cpu(ctx, s.interval, false)
	if err != nil {
		return Status{}, fmt.Errorf("cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return Status{}, fmt.Errorf("cpu usage: %w", ErrNoCPUSample)
	}
	vm, err := s.ram()
	if err != nil {
		return Status{}, fmt.Errorf("ram usage: %w", err)
	}
	du, err := s.disk()
	if err != nil {
		return Status{}, fmt.Errorf("disk usage: %w", err)
	}
	return Status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(vm.UsedPercent),
		RAMAvailable:       vm.Available,
		DiskUsage:          du.Percent,
		DiskFree:           du.Free,
		DiskUsageFormatted: du.Formatted,
		SampledAt:          s.now(),
	}, nil
}

func (s *System) update(ctx context.Context) error {
	status, err := s.sample(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	return nil
}

// StatusLoop samples until the context is canceled.
// Only the first call runs, later calls return immediately.
func (s *System) StatusLoop(ctx context.Context) {
	s.once.Do(func() {
		for ctx.Err() == nil {
			err := s.update(ctx)
			if err == nil || ctx.Err() != nil {
				continue
			}
			s.logger.Log(log.Entry{
				Level: log.LevelError,
				Src:   "system",
				Msg:   fmt.Sprintf("could not update system status: %v", err),
			})
			select {
			case <-ctx.Done():
			case <-time.After(s.interval):
			}
		}
	})
}

// Status returns the latest sample.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
