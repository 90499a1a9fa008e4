// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"instantreplay/pkg/log"
	"instantreplay/pkg/video"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Capture sources.
const (
	SourceFFmpeg = "ffmpeg"
	SourceRTP    = "rtp"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Port      int    `yaml:"port"`
	FFmpegBin string `yaml:"ffmpegBin"`

	StorageDir string `yaml:"storageDir"`

	// BufferSecs is how far back a clip can reach.
	BufferSecs int `yaml:"bufferSecs"`

	// ByteBudgetMB caps the buffer size, 0 derives it from the capture settings.
	ByteBudgetMB int `yaml:"byteBudgetMB"`

	DefaultClipSecs int    `yaml:"defaultClipSecs"`
	ClipFormat      string `yaml:"clipFormat"`
	LogLevel        string `yaml:"logLevel"`

	Capture CaptureConfig `yaml:"capture"`
	API     APIConfig     `yaml:"api"`

	ConfigDir string `yaml:"-"`
}

// CaptureConfig selects and configures the stream source.
type CaptureConfig struct {
	Source string `yaml:"source"`

	// ffmpeg.
	Input            string `yaml:"input"`
	InputOptions     string `yaml:"inputOptions"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	FPS              int    `yaml:"fps"`
	KeyframeInterval int    `yaml:"keyframeInterval"`

	// MaxBitrateKbps caps the encoder, 0 derives it from the resolution.
	MaxBitrateKbps int `yaml:"maxBitrateKbps"`

	// rtp.
	RTPAddress string `yaml:"rtpAddress"`
	SDPPath    string `yaml:"sdpPath"`
}

// APIConfig http api authentication, disabled if Username is empty.
type APIConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"passwordHash"`
}

// Config errors.
var (
	ErrPathNotAbsolute  = errors.New("path is not absolute")
	ErrInvalidSource    = errors.New("invalid capture source")
	ErrInvalidValue     = errors.New("value must be positive")
	ErrPasswordHashless = errors.New("api username requires a passwordHash")
)

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)
	env.setDefaults()

	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (env *ConfigEnv) setDefaults() {
	if env.Port == 0 {
		env.Port = 2020
	}
	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.ConfigDir, "storage")
	}
	if env.BufferSecs == 0 {
		env.BufferSecs = 30
	}
	if env.DefaultClipSecs == 0 {
		env.DefaultClipSecs = env.BufferSecs
	}
	if env.ClipFormat == "" {
		env.ClipFormat = string(video.FormatMP4)
	}
	if env.LogLevel == "" {
		env.LogLevel = "info"
	}

	c := &env.Capture
	if c.Source == "" {
		c.Source = SourceFFmpeg
	}
	if c.Width == 0 {
		c.Width = 1920
	}
	if c.Height == 0 {
		c.Height = 1080
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.KeyframeInterval == 0 {
		c.KeyframeInterval = 2 * c.FPS
	}
	if c.RTPAddress == "" {
		c.RTPAddress = ":5004"
	}
}

func (env *ConfigEnv) validate() error {
	c := env.Capture
	switch c.Source {
	case SourceFFmpeg:
		if !filepath.IsAbs(env.FFmpegBin) {
			return fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, ErrPathNotAbsolute)
		}
		if !dirExist(env.FFmpegBin) {
			return fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, os.ErrNotExist)
		}
	case SourceRTP:
		if c.SDPPath != "" && !filepath.IsAbs(c.SDPPath) {
			return fmt.Errorf("sdpPath '%v': %w", c.SDPPath, ErrPathNotAbsolute)
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSource, c.Source)
	}

	if !filepath.IsAbs(env.StorageDir) {
		return fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"port", env.Port},
		{"bufferSecs", env.BufferSecs},
		{"defaultClipSecs", env.DefaultClipSecs},
		{"capture.width", c.Width},
		{"capture.height", c.Height},
		{"capture.fps", c.FPS},
		{"capture.keyframeInterval", c.KeyframeInterval},
	}
	for _, v := range positive {
		if v.value <= 0 {
			return fmt.Errorf("%v %v: %w", v.name, v.value, ErrInvalidValue)
		}
	}
	if env.ByteBudgetMB < 0 {
		return fmt.Errorf("byteBudgetMB %v: %w", env.ByteBudgetMB, ErrInvalidValue)
	}
	if c.MaxBitrateKbps < 0 {
		return fmt.Errorf("capture.maxBitrateKbps %v: %w", c.MaxBitrateKbps, ErrInvalidValue)
	}

	if _, err := video.ParseFormat(env.ClipFormat); err != nil {
		return fmt.Errorf("clipFormat: %w", err)
	}

	if _, err := log.ParseLevel(env.LogLevel); err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}

	if env.API.Username != "" && env.API.PasswordHash == "" {
		return ErrPasswordHashless
	}
	return nil
}

// Retention returns the buffer retention.
func (env ConfigEnv) Retention() time.Duration {
	return time.Duration(env.BufferSecs) * time.Second
}

// DefaultClipDuration returns the clip duration used when none is requested.
func (env ConfigEnv) DefaultClipDuration() time.Duration {
	return time.Duration(env.DefaultClipSecs) * time.Second
}

// ByteBudget returns the configured byte budget, 0 if unset.
func (env ConfigEnv) ByteBudget() int {
	return env.ByteBudgetMB * 1024 * 1024
}

// ClipsDir returns the default clip directory.
func (env ConfigEnv) ClipsDir() string {
	return filepath.Join(env.StorageDir, "clips")
}

// LogDBPath returns the path to the log database.
func (env ConfigEnv) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// ClipIndexPath returns the path to the clip index database.
func (env ConfigEnv) ClipIndexPath() string {
	return filepath.Join(env.StorageDir, "clips.db")
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.ClipsDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create clips directory: %v: %w", env.StorageDir, err)
	}
	return nil
}

func dirExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
