// SPDX-License-Identifier: GPL-2.0-or-later

// Package clip saves the replay buffer to files.
package clip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"instantreplay/pkg/log"
	"instantreplay/pkg/replay"
	"instantreplay/pkg/storage"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/mp4muxer"
	"instantreplay/pkg/video/tsmuxer"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Errors.
var (
	ErrNoCodecParams         = errors.New("codec parameters are not known yet")
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")
	ErrInvalidDuration       = errors.New("duration must be positive")
	ErrPathOutsideDir        = errors.New("path is outside the clips directory")
	ErrClipExists            = errors.New("clip already exists")
)

// Clip is a saved clip.
type Clip struct {
	ID     string       `json:"id"`
	Path   string       `json:"path"`
	Format video.Format `json:"format"`

	// Start is the capture time of the first unit.
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`

	// Size of the file in bytes.
	Size    int64     `json:"size"`
	Units   int       `json:"units"`
	SavedAt time.Time `json:"savedAt"`
}

// ParamsProvider provides the current stream parameters.
type ParamsProvider interface {
	CodecParams() video.CodecParams
}

// Muxers by format.
var Muxers = map[video.Format]video.Muxer{
	video.FormatMP4:  mp4muxer.Mux,
	video.FormatTS:   tsmuxer.Mux,
	video.FormatH264: video.WriteAnnexB,
}

// SaverConfig saver config.
type SaverConfig struct {
	Buffer *replay.Buffer
	Params ParamsProvider

	// Index is optional.
	Index *Index

	// Dir and Format are used when no path is given.
	Dir    string
	Format video.Format

	Logger log.ILogger
}

// Saver exports the replay buffer to files.
type Saver struct {
	buffer *replay.Buffer
	params ParamsProvider
	index  *Index
	logger log.ILogger

	dir    string
	format video.Format

	muxers    map[video.Format]video.Muxer
	freeSpace storage.FreeSpaceFunc
	now       func() time.Time
}

// NewSaver returns a saver.
func NewSaver(c SaverConfig) *Saver {
	return &Saver{
		buffer: c.Buffer,
		params: c.Params,
		index:  c.Index,
		logger: c.Logger,

		dir:    c.Dir,
		format: c.Format,

		muxers:    Muxers,
		freeSpace: storage.FreeSpace,
		now:       time.Now,
	}
}

// SaveFunc is used for mocking.
type SaveFunc func(ctx context.Context, window time.Duration, path string) (*Clip, error)

// Save writes the last window of the buffer to path. The format is
// selected by the file extension. Relative paths are resolved against
// the clips directory and paths outside of it are rejected. An empty
// path generates a name from the current time and clip id. Existing
// files are never replaced. The file is written to a temporary name in
// the same directory and renamed when complete.
func (s *Saver) Save(ctx context.Context, window time.Duration, path string) (*Clip, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDuration, window)
	}

	id := uuid.NewString()
	savedAt := s.now()
	path, err := s.resolvePath(path, savedAt, id)
	if err != nil {
		return nil, err
	}
	format, err := video.FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	mux, exists := s.muxers[format]
	if !exists {
		return nil, fmt.Errorf("%w: %v", video.ErrUnknownFormat, format)
	}

	units, err := s.buffer.Export(window)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	params := s.params.CodecParams()
	if format == video.FormatMP4 && (len(params.SPS) == 0 || len(params.PPS) == 0) {
		return nil, ErrNoCodecParams
	}

	packets := make([]video.Packet, len(units))
	var payloadSize uint64
	for i, u := range units {
		packets[i] = video.Packet{
			Payload:     u.Payload(),
			IsSyncPoint: u.IsSyncPoint(),
			Index:       i,
		}
		payloadSize += uint64(u.Size())
	}

	dir := filepath.Dir(path)
	free, err := s.freeSpace(dir)
	if err != nil {
		return nil, err
	}
	if payloadSize > free {
		return nil, fmt.Errorf("%w: need %v, have %v", ErrInsufficientDiskSpace,
			humanize.IBytes(payloadSize), humanize.IBytes(free))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size, err := writeFile(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		if err := mux(w, packets, params); err != nil {
			return err
		}
		return w.Flush()
	})
	if err != nil {
		return nil, fmt.Errorf("write clip: %w", err)
	}

	first, last := units[0].CapturedAt(), units[len(units)-1].CapturedAt()
	clip := &Clip{
		ID:       id,
		Path:     path,
		Format:   format,
		Start:    first,
		Duration: last.Sub(first),
		Size:     size,
		Units:    len(units),
		SavedAt:  savedAt,
	}

	if s.index != nil {
		if err := s.index.Add(*clip); err != nil {
			s.logger.Log(log.Entry{
				Level: log.LevelError,
				Src:   "clip",
				Msg:   fmt.Sprintf("could not index clip: %v", err),
			})
		}
	}

	s.logger.Log(log.Entry{
		Level: log.LevelInfo,
		Src:   "clip",
		Msg: fmt.Sprintf("saved %v: %v, %v units, %v",
			path, clip.Duration.Round(time.Millisecond), clip.Units, humanize.Bytes(uint64(size))),
	})
	return clip, nil
}

// resolvePath returns the absolute clip path inside the clips directory.
func (s *Saver) resolvePath(path string, savedAt time.Time, id string) (string, error) {
	dir, err := filepath.Abs(s.dir)
	if err != nil {
		return "", fmt.Errorf("clips directory: %w", err)
	}
	if path == "" {
		name := savedAt.Format("2006-01-02_15-04-05") + "_" + id[:8] + "." + string(s.format)
		return filepath.Join(dir, name), nil
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %v", ErrPathOutsideDir, path)
	}
	return path, nil
}

// writeFile writes to a temporary file and renames it to path.
// The final name is reserved first so an existing file is never replaced.
func writeFile(path string, write func(*os.File) error) (int64, error) {
	reserved, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("%w: %v", ErrClipExists, path)
		}
		return 0, err
	}
	reserved.Close()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	tmpPath := tmp.Name()

	fail := func(err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpPath)
		os.Remove(path)
		return 0, err
	}

	if err := write(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		os.Remove(path)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		os.Remove(path)
		return 0, err
	}
	return info.Size(), nil
}
