// SPDX-License-Identifier: GPL-2.0-or-later

package instantreplay

import (
	"context"
	"encoding/base64"
	"fmt"
	"instantreplay/pkg/clip"
	"instantreplay/pkg/recorder"
	"instantreplay/pkg/storage"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/rtph264"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=No Name\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=video 5004 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=fmtp:96 packetization-mode=1; sprop-parameter-sets=Z2QAH6zZQFAFuwEQAAADABAAAAMDwPGDGWA=,aOvjyyLA\r\n"

// "pass1" hashed with cost 4.
const pass1 = "$2a$04$M0InS5zIFKk.xmjtcabjrudhKhukxJo6cnhJBq9I.J/slbgWE0F.S"

func writeEnv(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	envPath := filepath.Join(dir, "env.yaml")
	require.NoError(t, os.WriteFile(envPath, []byte(yaml), 0o600))
	return envPath
}

func TestNewApp(t *testing.T) {
	t.Run("rtp", func(t *testing.T) {
		dir := t.TempDir()
		sdpPath := filepath.Join(dir, "stream.sdp")
		require.NoError(t, os.WriteFile(sdpPath, []byte(testSDP), 0o600))

		envPath := writeEnv(t, fmt.Sprintf(`
clipFormat: ts
byteBudgetMB: 2
capture:
  source: rtp
  sdpPath: %v
`, sdpPath))

		app, err := newApp(envPath, &sync.WaitGroup{})
		require.NoError(t, err)
		require.Equal(t, video.FormatTS, app.format)
		require.Equal(t, 2*1024*1024, app.byteBudget)
		require.True(t, app.auth.AuthDisabled())

		params := app.recorder.CodecParams()
		require.Equal(t, 90000, params.ClockRate)
		require.Equal(t, []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}, params.PPS)
	})
	t.Run("readErr", func(t *testing.T) {
		_, err := newApp("/nil/env.yaml", &sync.WaitGroup{})
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("configErr", func(t *testing.T) {
		envPath := writeEnv(t, "capture:\n  source: nil\n")
		_, err := newApp(envPath, &sync.WaitGroup{})
		require.ErrorIs(t, err, storage.ErrInvalidSource)
	})
	t.Run("sdpErr", func(t *testing.T) {
		envPath := writeEnv(t, "capture:\n  source: rtp\n  sdpPath: /nil.sdp\n")
		_, err := newApp(envPath, &sync.WaitGroup{})
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestNewSource(t *testing.T) {
	t.Run("ffmpeg", func(t *testing.T) {
		env := storage.ConfigEnv{
			FFmpegBin: "/usr/bin/ffmpeg",
			Capture: storage.CaptureConfig{
				Source: storage.SourceFFmpeg,
				Width:  640,
				Height: 480,
				FPS:    24,
			},
		}
		source, params, err := newSource(env, nil)
		require.NoError(t, err)
		require.IsType(t, &recorder.FFmpegSource{}, source)
		require.Equal(t, video.CodecParams{FrameRate: 24, Width: 640, Height: 480}, params)
	})
	t.Run("rtpWithoutSDP", func(t *testing.T) {
		env := storage.ConfigEnv{
			Capture: storage.CaptureConfig{
				Source:     storage.SourceRTP,
				RTPAddress: ":5004",
			},
		}
		source, params, err := newSource(env, nil)
		require.NoError(t, err)
		require.Equal(t, ":5004", source.(*rtph264.Source).Address)
		require.Equal(t, uint8(0), source.(*rtph264.Source).PayloadType)
		require.Equal(t, video.CodecParams{}, params)
	})
	t.Run("invalidSDP", func(t *testing.T) {
		sdpPath := filepath.Join(t.TempDir(), "stream.sdp")
		require.NoError(t, os.WriteFile(sdpPath, []byte("v=0\r\n"), 0o600))

		env := storage.ConfigEnv{
			Capture: storage.CaptureConfig{Source: storage.SourceRTP, SDPPath: sdpPath},
		}
		_, _, err := newSource(env, nil)
		require.Error(t, err)
	})
}

func TestMaxBitrate(t *testing.T) {
	c := storage.CaptureConfig{Width: 1920, Height: 1080}
	require.Equal(t, 2_000_000, maxBitrate(c))

	c.MaxBitrateKbps = 6000
	require.Equal(t, 6_000_000, maxBitrate(c))
}

func TestByteBudget(t *testing.T) {
	env := storage.ConfigEnv{ByteBudgetMB: 3}
	budget, err := byteBudget(env)
	require.NoError(t, err)
	require.Equal(t, 3*1024*1024, budget)

	// The estimate follows the encoder cap.
	env = storage.ConfigEnv{
		BufferSecs: 1,
		Capture:    storage.CaptureConfig{MaxBitrateKbps: 8},
	}
	budget, err = byteBudget(env)
	require.NoError(t, err)
	require.Equal(t, 2000, budget)
}

func TestRoutes(t *testing.T) {
	envPath := writeEnv(t, fmt.Sprintf(`
byteBudgetMB: 1
capture:
  source: rtp
api:
  username: admin
  passwordHash: %v
`, pass1))

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	app.Logger.Start(ctx)

	index, err := clip.OpenIndex(ctx, filepath.Join(t.TempDir(), "clips.db"), wg)
	require.NoError(t, err)
	saver := clip.NewSaver(clip.SaverConfig{
		Buffer: app.buffer,
		Params: app.recorder,
		Index:  index,
		Dir:    t.TempDir(),
		Format: app.format,
		Logger: app.Logger,
	})

	server := httptest.NewServer(app.routes(saver, index, false))
	defer server.Close()

	get := func(path string, authorized bool) int {
		req, err := http.NewRequest(http.MethodGet, server.URL+path, nil)
		require.NoError(t, err)
		if authorized {
			req.Header.Set("Authorization",
				"Basic "+base64.StdEncoding.EncodeToString([]byte("admin:pass1")))
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, get("/api/status", false))
	require.Equal(t, http.StatusOK, get("/api/status", true))
	require.Equal(t, http.StatusOK, get("/api/clip/list", true))
	require.Equal(t, http.StatusMethodNotAllowed, get("/api/clip/save", true))
	require.Equal(t, http.StatusNotFound, get("/api/log/query", true))
}

func TestRun(t *testing.T) {
	require.NoError(t, Run(nil))
	require.NoError(t, Run([]string{"--hash-password", "a"}))
	require.Error(t, Run([]string{"--nil"}))
	require.Error(t, Run([]string{"--env", "/nil/env.yaml"}))
}
