// SPDX-License-Identifier: GPL-2.0-or-later

// Package recorder feeds a byte stream source into the replay buffer.
package recorder

import (
	"context"
	"fmt"
	"instantreplay/pkg/log"
	"instantreplay/pkg/replay"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/h264"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Source produces an Annex-B byte stream.
type Source interface {
	// Run writes the stream to w and blocks until the
	// stream ends or the context is canceled.
	Run(ctx context.Context, w io.Writer) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(context.Context, io.Writer) error

// Run implements Source.
func (f SourceFunc) Run(ctx context.Context, w io.Writer) error {
	return f(ctx, w)
}

// Config recorder config.
type Config struct {
	// Name is used as the log source.
	Name string

	Source Source
	Buffer *replay.Buffer

	// Params are the stream parameters known before the stream starts.
	// SPS and PPS found in the stream replace the ones set here.
	Params video.CodecParams

	Logger log.ILogger
}

// Recorder runs the source until the context is canceled and
// restarts it when it exits. The buffer is kept across restarts.
type Recorder struct {
	name   string
	source Source
	buffer *replay.Buffer
	logger log.ILogger

	baseParams video.CodecParams
	paramSets  *h264.ParamSets

	restartDelay time.Duration
	newParser    func() *h264.Parser
}

// New returns a recorder.
func New(c Config) *Recorder {
	name := c.Name
	if name == "" {
		name = "recorder"
	}

	paramSets := &h264.ParamSets{}
	paramSets.Set(c.Params.SPS, c.Params.PPS)

	return &Recorder{
		name:         name,
		source:       c.Source,
		buffer:       c.Buffer,
		logger:       c.Logger,
		baseParams:   c.Params,
		paramSets:    paramSets,
		restartDelay: 1 * time.Second,
		newParser:    h264.NewParser,
	}
}

// Start recorder. The buffer is drained when the context is canceled.
func (r *Recorder) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.run(ctx)
	}()
}

func (r *Recorder) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			r.buffer.Drain()
			r.log(log.LevelInfo, "stopped")
			return
		}

		if err := r.runSession(ctx); err != nil {
			r.log(log.LevelError, fmt.Sprintf("crashed: %v", err))
		} else if ctx.Err() == nil {
			r.log(log.LevelWarning, "source exited")
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.restartDelay):
		}
	}
}

// runSession runs the source once with a new parser.
func (r *Recorder) runSession(ctx context.Context) error {
	w := &ingester{
		parser:    r.newParser(),
		buffer:    r.buffer,
		paramSets: r.paramSets,
		onParams:  r.onParamsChange,
	}
	err := r.source.Run(ctx, w)
	w.flush()

	if dropped := w.parser.Dropped(); dropped != 0 {
		r.log(log.LevelWarning, fmt.Sprintf("discarded %v of unframed data",
			humanize.IBytes(uint64(dropped))))
	}
	return err
}

func (r *Recorder) onParamsChange() {
	info := r.paramSets.SPSInfo()
	if info == nil {
		r.log(log.LevelDebug, "parameter sets changed")
		return
	}
	r.log(log.LevelInfo, fmt.Sprintf("stream parameters: %vx%v %v",
		info.Width(), info.Height(), info.CodecString()))
}

// CodecParams returns the current stream parameters.
func (r *Recorder) CodecParams() video.CodecParams {
	p := r.baseParams
	p.SPS, p.PPS = r.paramSets.Get()

	if info := r.paramSets.SPSInfo(); info != nil {
		p.Width = info.Width()
		p.Height = info.Height()
		if p.FrameRate == 0 {
			p.FrameRate = info.FPS()
		}
	}
	return p
}

func (r *Recorder) log(level log.Level, msg string) {
	r.logger.Log(log.Entry{Level: level, Src: r.name, Msg: msg})
}

// ingester parses written bytes and ingests the units.
type ingester struct {
	parser    *h264.Parser
	buffer    *replay.Buffer
	paramSets *h264.ParamSets
	onParams  func()
}

// Write never fails, malformed data is discarded by the parser.
func (w *ingester) Write(p []byte) (int, error) {
	w.ingest(w.parser.Feed(p))
	return len(p), nil
}

func (w *ingester) flush() {
	w.ingest(w.parser.Flush())
}

func (w *ingester) ingest(units []h264.Unit) {
	for _, u := range units {
		if w.paramSets.Observe(u) {
			w.onParams()
		}
		w.buffer.Ingest(u.Payload, u.IsSyncPoint)
	}
}
