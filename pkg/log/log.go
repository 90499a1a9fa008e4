// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ErrInvalidLevel invalid level.
var ErrInvalidLevel = errors.New("invalid level")

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// UnixMicro time in microseconds.
type UnixMicro uint64

// Entry log entry.
type Entry struct {
	Level Level     `json:"level"`
	Time  UnixMicro `json:"time"`
	Src   string    `json:"src"`
	Msg   string    `json:"msg"`
}

// ILogger logger interface.
type ILogger interface {
	Log(Entry)
}

// Logger fans out entries to subscribers.
type Logger struct {
	feed  chan Entry      // feed of logs.
	sub   chan chan Entry // subscribe requests.
	unsub chan chan Entry // unsubscribe requests.

	// done is closed when the logger stops.
	done chan struct{}

	wg *sync.WaitGroup
}

// NewLogger returns a logger that must be started before use.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(chan Entry),
		sub:   make(chan chan Entry),
		unsub: make(chan chan Entry),
		done:  make(chan struct{}),
		wg:    wg,
	}
}

// NewMockLogger returns a started logger without subscribers.
func NewMockLogger() *Logger {
	l := NewLogger(&sync.WaitGroup{})
	l.Start(context.Background())
	return l
}

// Start logger.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(l.done)

		subs := map[chan Entry]struct{}{}
		for {
			select {
			case <-ctx.Done():
				for ch := range subs {
					close(ch)
				}
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case entry := <-l.feed:
				for ch := range subs {
					ch <- entry
				}
			}
		}
	}()
}

// Log sends an entry to all subscribers.
// Time is set to the current time if unset.
func (l *Logger) Log(entry Entry) {
	if entry.Time == 0 {
		entry.Time = UnixMicro(time.Now().UnixMicro())
	}
	select {
	case l.feed <- entry:
	case <-l.done:
	}
}

// Done returns a channel that is closed when the logger stops.
func (l *Logger) Done() <-chan struct{} {
	return l.done
}

// CancelFunc cancels log feed subscription.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
// The chan is closed when the logger stops.
func (l *Logger) Subscribe() (<-chan Entry, CancelFunc) {
	feed := make(chan Entry)
	select {
	case l.sub <- feed:
	case <-l.done:
		close(feed)
		return feed, func() {}
	}

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed chan Entry) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case _, ok := <-feed:
			if !ok {
				return
			}
		case <-l.done:
			return
		}
	}
}

// LogToStdout prints entries at or above maxLevel to Stdout.
func (l *Logger) LogToStdout(ctx context.Context, maxLevel Level) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case entry, ok := <-feed:
			if !ok {
				return
			}
			if entry.Level > maxLevel {
				continue
			}
			fmt.Println(formatEntry(entry))
		case <-ctx.Done():
			return
		}
	}
}

func formatEntry(entry Entry) string {
	var b strings.Builder
	switch entry.Level {
	case LevelError:
		b.WriteString("[ERROR] ")
	case LevelWarning:
		b.WriteString("[WARNING] ")
	case LevelInfo:
		b.WriteString("[INFO] ")
	case LevelDebug:
		b.WriteString("[DEBUG] ")
	}
	if entry.Src != "" {
		b.WriteString(strings.ToUpper(entry.Src[:1]) + entry.Src[1:] + ": ")
	}
	b.WriteString(entry.Msg)
	return b.String()
}

// LevelInLevels returns true if level is in levels or if levels is empty.
func LevelInLevels(level Level, levels []Level) bool {
	return len(levels) == 0 || slices.Contains(levels, level)
}

// StringInStrings returns true if source is in sources or if sources is empty.
func StringInStrings(source string, sources []string) bool {
	return len(sources) == 0 || slices.Contains(sources, source)
}
