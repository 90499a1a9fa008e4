// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

import (
	"context"
	"fmt"
	"instantreplay/pkg/ffmpeg"
	"instantreplay/pkg/log"
	"io"
	"time"
)

// FFmpegSource captures the screen with a ffmpeg subprocess.
type FFmpegSource struct {
	ffmpeg     *ffmpeg.FFMPEG
	config     ffmpeg.CaptureConfig
	newProcess ffmpeg.NewProcessFunc
	logger     log.ILogger
}

// NewFFmpegSource returns a capture source.
func NewFFmpegSource(bin string, config ffmpeg.CaptureConfig, logger log.ILogger) *FFmpegSource {
	return &FFmpegSource{
		ffmpeg:     ffmpeg.New(bin),
		config:     config,
		newProcess: ffmpeg.NewProcess,
		logger:     logger,
	}
}

// Run starts ffmpeg and copies its stdout to w. Blocks until ffmpeg exits.
func (s *FFmpegSource) Run(ctx context.Context, w io.Writer) error {
	cmd, err := s.ffmpeg.CaptureCmd(s.config)
	if err != nil {
		return err
	}

	logFunc := func(msg string) {
		s.logger.Log(log.Entry{Level: log.LevelDebug, Src: "ffmpeg", Msg: msg})
	}

	process := s.newProcess(cmd).
		Timeout(10 * time.Second).
		StdoutWriter(w).
		StderrLogger(logFunc)

	s.logger.Log(log.Entry{
		Level: log.LevelInfo,
		Src:   "ffmpeg",
		Msg:   fmt.Sprintf("starting capture process: %v", cmd),
	})

	if err := process.Start(ctx); err != nil {
		return fmt.Errorf("capture process: %w", err)
	}
	return nil
}
