// SPDX-License-Identifier: GPL-2.0-or-later

// Package ffmock mocks ffmpeg processes.
package ffmock

import (
	"context"
	"errors"
	"instantreplay/pkg/ffmpeg"
	"io"
	"os/exec"
	"time"
)

// MockProcessConfig ProcessMocker config.
type MockProcessConfig struct {
	// Stdout is written to the stdout writer on start.
	Stdout []byte

	ReturnErr bool
	Sleep     time.Duration

	// OnStart is called with the command before it starts.
	OnStart func(*exec.Cmd)
}

// NewProcessMocker creates process mocker from config.
func NewProcessMocker(c MockProcessConfig) ffmpeg.NewProcessFunc {
	return func(cmd *exec.Cmd) ffmpeg.Process {
		return mockProcess{c: c, cmd: cmd}
	}
}

// ErrMock mock error.
var ErrMock = errors.New("mock")

type mockProcess struct {
	c      MockProcessConfig
	cmd    *exec.Cmd
	stdout io.Writer
}

func (m mockProcess) Start(ctx context.Context) error {
	if m.c.OnStart != nil {
		m.c.OnStart(m.cmd)
	}
	if m.stdout != nil && m.c.Stdout != nil {
		if _, err := m.stdout.Write(m.c.Stdout); err != nil {
			return err
		}
	}
	if m.c.Sleep != 0 {
		select {
		case <-time.After(m.c.Sleep):
		case <-ctx.Done():
		}
	}
	if m.c.ReturnErr {
		return ErrMock
	}
	return nil
}

func (m mockProcess) Timeout(time.Duration) ffmpeg.Process { return m }

func (m mockProcess) StdoutWriter(w io.Writer) ffmpeg.Process {
	m.stdout = w
	return m
}

func (m mockProcess) StdoutLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }
func (m mockProcess) StderrLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }

// NewProcess sleeps for 15ms before returning.
var NewProcess = NewProcessMocker(MockProcessConfig{
	Sleep: 15 * time.Millisecond,
})

// NewProcessNil returns nil.
var NewProcessNil = NewProcessMocker(MockProcessConfig{})

// NewProcessErr returns error.
var NewProcessErr = NewProcessMocker(MockProcessConfig{
	ReturnErr: true,
})
