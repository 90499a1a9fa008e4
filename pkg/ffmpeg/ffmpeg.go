// SPDX-License-Identifier: GPL-2.0-or-later

package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Process interface only used for testing.
type Process interface {
	// Start starts the process and blocks until it exits.
	Start(ctx context.Context) error

	Timeout(time.Duration) Process
	StdoutWriter(io.Writer) Process
	StdoutLogger(LogFunc) Process
	StderrLogger(LogFunc) Process
}

// LogFunc is called once per output line.
type LogFunc func(string)

// Stdout is read in chunks of this size.
const readChunkSize = 8 * 1024

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutWriter io.Writer
	stdoutLogger LogFunc
	stderrLogger LogFunc

	done chan struct{}
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
	}
}

func (p process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

// StdoutWriter copies stdout to w. Takes precedence over StdoutLogger.
func (p process) StdoutWriter(w io.Writer) Process {
	p.stdoutWriter = w
	return p
}

func (p process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

func (p process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}

func attachLogger(wg *sync.WaitGroup, l LogFunc, label string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for scanner.Scan() {
			l(fmt.Sprintf("%v: %v", label, scanner.Text()))
		}
	}()
}

func attachWriter(wg *sync.WaitGroup, w io.Writer, pipe io.Reader) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, err := pipe.Read(buf)
			if n > 0 {
				if _, err := w.Write(buf[:n]); err != nil {
					// Keep draining so the process isn't blocked on a full pipe.
					w = io.Discard
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// Start starts process with context.
func (p process) Start(ctx context.Context) error {
	var pipes sync.WaitGroup

	switch {
	case p.stdoutWriter != nil:
		pipe, err := p.cmd.StdoutPipe()
		if err != nil {
			return err
		}
		attachWriter(&pipes, p.stdoutWriter, pipe)
	case p.stdoutLogger != nil:
		pipe, err := p.cmd.StdoutPipe()
		if err != nil {
			return err
		}
		attachLogger(&pipes, p.stdoutLogger, "stdout", pipe)
	}
	if p.stderrLogger != nil {
		pipe, err := p.cmd.StderrPipe()
		if err != nil {
			return err
		}
		attachLogger(&pipes, p.stderrLogger, "stderr", pipe)
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	p.done = make(chan struct{})

	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.stop()
		}
	}()

	// Pipes must be drained before Wait closes them.
	pipes.Wait()
	err := p.cmd.Wait()
	close(p.done)

	// FFmpeg returns 255 on normal exit.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 255 {
		return nil
	}

	return err
}

// Note, can't use CommandContext to stop process as it would
// kill the process before it has a chance to exit on its own.
func (p process) stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-p.done
	}
}

// FFMPEG stores ffmpeg binary location.
type FFMPEG struct {
	command func(...string) *exec.Cmd
}

// New returns FFMPEG.
func New(bin string) *FFMPEG {
	command := func(args ...string) *exec.Cmd {
		return exec.Command(bin, args...)
	}
	return &FFMPEG{command: command}
}

// CaptureConfig screen capture settings.
type CaptureConfig struct {
	// Input device, empty selects the platform default.
	Input string

	// Extra options placed before the input, "-draw_mouse 0".
	InputOptions string

	Width            int
	Height           int
	FPS              int
	KeyframeInterval int

	// MaxBitrate in bits per second, 0 leaves the rate uncapped.
	MaxBitrate int
}

// ErrUnsupportedPlatform no capture device for this platform.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

type captureDevice struct {
	format       string
	defaultInput string
}

var captureDevices = map[string]captureDevice{
	"linux":   {"x11grab", ":0.0"},
	"windows": {"gdigrab", "desktop"},
	"darwin":  {"avfoundation", "0"},
}

// CaptureArgs returns the arguments to capture the screen on goos
// and encode it as a raw H264 stream on stdout.
func CaptureArgs(goos string, c CaptureConfig) ([]string, error) {
	device, exists := captureDevices[goos]
	if !exists {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, goos)
	}

	input := c.Input
	if input == "" {
		input = device.defaultInput
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if c.InputOptions != "" {
		args = append(args, ParseArgs(c.InputOptions)...)
	}
	args = append(args,
		"-f", device.format,
		"-framerate", strconv.Itoa(c.FPS),
		"-video_size", strconv.Itoa(c.Width)+"x"+strconv.Itoa(c.Height),
		"-i", input,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(c.KeyframeInterval),
	)
	if c.MaxBitrate > 0 {
		args = append(args,
			"-maxrate", strconv.Itoa(c.MaxBitrate),
			"-bufsize", strconv.Itoa(2*c.MaxBitrate),
		)
	}
	args = append(args, "-f", "h264", "-")
	return args, nil
}

// CaptureCmd returns the capture command for the current platform.
func (f *FFMPEG) CaptureCmd(c CaptureConfig) (*exec.Cmd, error) {
	args, err := CaptureArgs(runtime.GOOS, c)
	if err != nil {
		return nil, err
	}
	return f.command(args...), nil
}

// ParseArgs slices arguments.
func ParseArgs(args string) []string {
	return strings.Fields(args)
}
