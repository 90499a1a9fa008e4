// SPDX-License-Identifier: GPL-2.0-or-later

package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeProcess(t *testing.T) {
	if os.Getenv("GO_TEST_PROCESS") != "1" {
		return
	}
	if os.Getenv("SLEEP") == "1" {
		time.Sleep(1 * time.Hour)
	}

	fmt.Fprintf(os.Stdout, "%v", "out")
	fmt.Fprintf(os.Stderr, "%v", "err")

	if os.Getenv("EXIT") == "255" {
		os.Exit(255)
	}
	if os.Getenv("EXIT") == "1" {
		os.Exit(1)
	}
	os.Exit(0)
}

func fakeExecCommand(env ...string) *exec.Cmd {
	cs := []string{"-test.run=TestFakeProcess"}
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = []string{"GO_TEST_PROCESS=1"}
	cmd.Env = append(cmd.Env, env...)
	return cmd
}

func TestProcess(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := NewProcess(fakeExecCommand())
		err := p.Start(ctx)
		require.NoError(t, err)
	})
	t.Run("exit255", func(t *testing.T) {
		p := NewProcess(fakeExecCommand("EXIT=255"))
		require.NoError(t, p.Start(context.Background()))
	})
	t.Run("exit1", func(t *testing.T) {
		p := NewProcess(fakeExecCommand("EXIT=1"))
		require.Error(t, p.Start(context.Background()))
	})
	t.Run("startWithLogger", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logs := make(chan string, 2)
		logFunc := func(msg string) {
			logs <- fmt.Sprintf("test %v", msg)
		}

		p := NewProcess(fakeExecCommand()).
			Timeout(0).
			StdoutLogger(logFunc).
			StderrLogger(logFunc)

		err := p.Start(ctx)
		require.NoError(t, err)

		compareOutput := func(input string) {
			output1 := "test stdout: out"
			output2 := "test stderr: err"
			switch {
			case input == output1:
			case input == output2:
			default:
				t.Fatalf("outputs doesn't match: '%v'", input)
			}
		}

		compareOutput(<-logs)
		compareOutput(<-logs)
	})
	t.Run("stdoutWriter", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProcess(fakeExecCommand()).StdoutWriter(&buf)

		require.NoError(t, p.Start(context.Background()))
		require.Equal(t, "out", buf.String())
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := NewProcess(fakeExecCommand("SLEEP=1")).Timeout(100 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			p.Start(ctx) //nolint:errcheck
			close(done)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("process was not stopped")
		}
	})

	_, pw, err := os.Pipe()
	require.NoError(t, err)

	t.Run("stdoutErr", func(t *testing.T) {
		cmd := fakeExecCommand()
		cmd.Stdout = pw

		p := NewProcess(cmd).StdoutLogger(func(string) {})
		err := p.Start(context.Background())
		require.Error(t, err)
	})
	t.Run("stderrErr", func(t *testing.T) {
		cmd := fakeExecCommand()
		cmd.Stderr = pw

		p := NewProcess(cmd).StderrLogger(func(string) {})
		err := p.Start(context.Background())
		require.Error(t, err)
	})
}

func TestCaptureArgs(t *testing.T) {
	config := CaptureConfig{
		Width:            1280,
		Height:           720,
		FPS:              30,
		KeyframeInterval: 60,
	}
	tail := []string{
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-f", "h264",
		"-",
	}
	head := []string{"-hide_banner", "-loglevel", "error"}

	cases := []struct {
		goos   string
		device []string
	}{
		{"linux", []string{"-f", "x11grab", "-framerate", "30", "-video_size", "1280x720", "-i", ":0.0"}},
		{"windows", []string{"-f", "gdigrab", "-framerate", "30", "-video_size", "1280x720", "-i", "desktop"}},
		{"darwin", []string{"-f", "avfoundation", "-framerate", "30", "-video_size", "1280x720", "-i", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.goos, func(t *testing.T) {
			args, err := CaptureArgs(tc.goos, config)
			require.NoError(t, err)

			expected := append(append(append([]string{}, head...), tc.device...), tail...)
			require.Equal(t, expected, args)
		})
	}
	t.Run("inputOverride", func(t *testing.T) {
		c := config
		c.Input = ":1.0+100,200"
		c.InputOptions = "-draw_mouse 0"
		args, err := CaptureArgs("linux", c)
		require.NoError(t, err)

		expected := append([]string{}, head...)
		expected = append(expected, "-draw_mouse", "0")
		expected = append(expected,
			"-f", "x11grab", "-framerate", "30", "-video_size", "1280x720", "-i", ":1.0+100,200")
		expected = append(expected, tail...)
		require.Equal(t, expected, args)
	})
	t.Run("maxBitrate", func(t *testing.T) {
		c := config
		c.MaxBitrate = 1_000_000
		args, err := CaptureArgs("linux", c)
		require.NoError(t, err)

		expected := append([]string{}, head...)
		expected = append(expected,
			"-f", "x11grab", "-framerate", "30", "-video_size", "1280x720", "-i", ":0.0")
		expected = append(expected, tail[:len(tail)-3]...)
		expected = append(expected,
			"-maxrate", "1000000", "-bufsize", "2000000", "-f", "h264", "-")
		require.Equal(t, expected, args)
	})
	t.Run("unsupported", func(t *testing.T) {
		_, err := CaptureArgs("plan9", config)
		require.ErrorIs(t, err, ErrUnsupportedPlatform)
	})
}

func TestParseArgs(t *testing.T) {
	cases := map[string]struct {
		input    string
		expected []string
	}{
		"simple": {"1 2 3 4", []string{"1", "2", "3", "4"}},
		"spaces": {" 1  2 ", []string{"1", "2"}},
		"empty":  {"", []string{}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			actual := ParseArgs(tc.input)
			require.Equal(t, tc.expected, actual)
		})
	}
}
