// SPDX-License-Identifier: GPL-2.0-or-later

package instantreplay

import (
	"context"
	"errors"
	"fmt"
	"instantreplay/pkg/clip"
	"instantreplay/pkg/ffmpeg"
	"instantreplay/pkg/log"
	"instantreplay/pkg/recorder"
	"instantreplay/pkg/replay"
	"instantreplay/pkg/storage"
	"instantreplay/pkg/system"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/rtph264"
	"instantreplay/pkg/web"
	"instantreplay/pkg/web/auth"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// Run parses the command line and runs the app until interrupted.
func Run(args []string) error {
	flags := pflag.NewFlagSet("instantreplay", pflag.ContinueOnError)
	envFlag := flags.String("env", "", "path to env.yaml")
	hashFlag := flags.String("hash-password", "", "print the bcrypt hash of a password and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *hashFlag != "" {
		hash, err := auth.HashPassword(*hashFlag)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	if *envFlag == "" {
		flags.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.run(ctx)

	// Close databases.
	stop()
	wg.Wait()

	return err
}

// App is the main application struct.
type App struct {
	WG     *sync.WaitGroup
	Logger *log.Logger
	Env    storage.ConfigEnv

	logDB    *log.DB
	buffer   *replay.Buffer
	recorder *recorder.Recorder
	system   *system.System
	auth     auth.Authenticator
	format   video.Format

	byteBudget int
}

func newApp(envPath string, wg *sync.WaitGroup) (*App, error) {
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("get environment config: %w", err)
	}

	// Validated by NewConfigEnv.
	format, _ := video.ParseFormat(env.ClipFormat)

	logger := log.NewLogger(wg)

	budget, err := byteBudget(*env)
	if err != nil {
		return nil, err
	}

	buffer, err := replay.New(replay.Config{
		Retention:  env.Retention(),
		ByteBudget: budget,
	})
	if err != nil {
		return nil, fmt.Errorf("create replay buffer: %w", err)
	}

	source, params, err := newSource(*env, logger)
	if err != nil {
		return nil, err
	}

	rec := recorder.New(recorder.Config{
		Source: source,
		Buffer: buffer,
		Params: params,
		Logger: logger,
	})

	disk := func() (storage.DiskUsage, error) {
		return storage.Usage(env.StorageDir)
	}

	return &App{
		WG:       wg,
		Logger:   logger,
		Env:      *env,
		logDB:    log.NewDB(env.LogDBPath(), wg),
		buffer:   buffer,
		recorder: rec,
		system:   system.New(disk, logger),
		auth:     auth.NewAuthenticator(env.API, logger),
		format:   format,

		byteBudget: budget,
	}, nil
}

// maxBitrate returns the configured encoder bitrate or estimates one.
func maxBitrate(c storage.CaptureConfig) int {
	if c.MaxBitrateKbps != 0 {
		return c.MaxBitrateKbps * 1000
	}
	return system.EstimateBitrate(c.Width, c.Height)
}

// byteBudget returns the configured budget or estimates
// one from the bitrate the capture process is capped at.
func byteBudget(env storage.ConfigEnv) (int, error) {
	if budget := env.ByteBudget(); budget != 0 {
		return budget, nil
	}
	budget, err := system.ByteBudget(maxBitrate(env.Capture), env.BufferSecs)
	if err != nil {
		return 0, fmt.Errorf("estimate byte budget: %w", err)
	}
	return budget, nil
}

func newSource(env storage.ConfigEnv, logger log.ILogger) (recorder.Source, video.CodecParams, error) {
	c := env.Capture
	switch c.Source {
	case storage.SourceRTP:
		source := &rtph264.Source{
			Address: c.RTPAddress,
			Logger:  logger,
		}
		if c.SDPPath == "" {
			return source, video.CodecParams{}, nil
		}

		sdp, err := os.ReadFile(c.SDPPath)
		if err != nil {
			return nil, video.CodecParams{}, fmt.Errorf("read sdp: %w", err)
		}
		params, payloadType, err := rtph264.ParamsFromSDP(sdp)
		if err != nil {
			return nil, video.CodecParams{}, fmt.Errorf("parse sdp: %v: %w", c.SDPPath, err)
		}
		source.PayloadType = payloadType
		return source, params, nil

	default:
		config := ffmpeg.CaptureConfig{
			Input:            c.Input,
			InputOptions:     c.InputOptions,
			Width:            c.Width,
			Height:           c.Height,
			FPS:              c.FPS,
			KeyframeInterval: c.KeyframeInterval,
			MaxBitrate:       maxBitrate(c),
		}
		params := video.CodecParams{
			FrameRate: float64(c.FPS),
			Width:     c.Width,
			Height:    c.Height,
		}
		return recorder.NewFFmpegSource(env.FFmpegBin, config, logger), params, nil
	}
}

func (app *App) run(ctx context.Context) error {
	app.Logger.Start(ctx)

	// Validated by NewConfigEnv.
	maxLevel, _ := log.ParseLevel(app.Env.LogLevel)
	go app.Logger.LogToStdout(ctx, maxLevel)

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("prepare environment: %w", err)
	}

	logDBok := true
	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		logDBok = false
		app.logf(log.LevelError, "could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
	}

	index, err := clip.OpenIndex(ctx, app.Env.ClipIndexPath(), app.WG)
	if err != nil {
		return fmt.Errorf("open clip index: %w", err)
	}

	saver := clip.NewSaver(clip.SaverConfig{
		Buffer: app.buffer,
		Params: app.recorder,
		Index:  index,
		Dir:    app.Env.ClipsDir(),
		Format: app.format,
		Logger: app.Logger,
	})

	app.logf(log.LevelInfo, "starting, retention %v, byte budget %v",
		app.Env.Retention(), humanize.IBytes(uint64(app.byteBudget)))

	app.recorder.Start(ctx, app.WG)
	go app.system.StatusLoop(ctx)

	mux := app.routes(saver, index, logDBok)
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(app.Env.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logf(log.LevelInfo, "serving app on port %v", app.Env.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx2)
	})
	g.Go(func() error {
		app.saveOnSignal(gctx, saver.Save)
		return nil
	})

	err = g.Wait()
	if err != nil {
		app.logf(log.LevelError, "fatal error: %v", err)
	} else {
		app.logf(log.LevelInfo, "stopping")
	}
	return err
}

func (app *App) routes(saver *clip.Saver, index *clip.Index, logDBok bool) *http.ServeMux {
	a := app.auth
	mux := http.NewServeMux()

	mux.Handle("/api/clip/save", a.User(web.ClipSave(saver.Save, app.Env.DefaultClipDuration(), app.Logger)))
	mux.Handle("/api/clip/list", a.User(web.ClipList(index)))
	mux.Handle("/api/thumbnail", a.User(web.Thumbnail(app.buffer, app.recorder.CodecParams)))

	mux.Handle("/api/status", a.User(web.Status(app.buffer.Stats, app.recorder.CodecParams, app.system.Status)))
	mux.Handle("/api/disk", a.User(web.DiskUsage(func() (storage.DiskUsage, error) {
		return storage.Usage(app.Env.ClipsDir())
	})))

	mux.Handle("/api/log/feed", a.User(web.LogFeed(app.Logger, a)))
	if logDBok {
		mux.Handle("/api/log/query", a.User(web.LogQuery(app.logDB)))
	}
	return mux
}

// saveOnSignal saves a clip of the default duration on each save signal.
func (app *App) saveOnSignal(ctx context.Context, save clip.SaveFunc) {
	if len(saveSignals) == 0 {
		return
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, saveSignals...)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			app.logf(log.LevelInfo, "received %v, saving clip", s)
			if _, err := save(ctx, app.Env.DefaultClipDuration(), ""); err != nil {
				app.logf(log.LevelError, "could not save clip: %v", err)
			}
		}
	}
}

func (app *App) logf(level log.Level, format string, a ...interface{}) {
	app.Logger.Log(log.Entry{
		Level: level,
		Src:   "app",
		Msg:   fmt.Sprintf(format, a...),
	})
}
