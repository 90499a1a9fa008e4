// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"instantreplay/pkg/clip"
	"instantreplay/pkg/log"
	"instantreplay/pkg/replay"
	"instantreplay/pkg/storage"
	"instantreplay/pkg/system"
	"instantreplay/pkg/video"
	"instantreplay/pkg/video/mp4muxer"
	"instantreplay/pkg/web/auth"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

// ClipSave saves the last seconds of the replay buffer.
// Query parameters: duration in seconds and optional path
// inside the clips directory.
func ClipSave(save clip.SaveFunc, defaultDuration time.Duration, logger log.ILogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		duration := defaultDuration
		if d := query.Get("duration"); d != "" {
			secs, err := strconv.ParseFloat(d, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not parse duration: %v", err), http.StatusBadRequest)
				return
			}
			duration = time.Duration(secs * float64(time.Second))
		}

		c, err := save(r.Context(), duration, query.Get("path"))
		if err != nil {
			status, msg := clipErrorStatus(err)
			if status == http.StatusInternalServerError {
				logger.Log(log.Entry{
					Level: log.LevelError,
					Src:   "app",
					Msg:   fmt.Sprintf("could not save clip: %v", err),
				})
			}
			http.Error(w, msg, status)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(c); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func clipErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, replay.ErrEmptyBuffer):
		return http.StatusConflict, "nothing recorded yet"
	case errors.Is(err, replay.ErrNoSyncPoint),
		errors.Is(err, clip.ErrNoCodecParams):
		return http.StatusUnprocessableEntity, "recording pipeline misconfigured: " + err.Error()
	case errors.Is(err, clip.ErrClipExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, clip.ErrInsufficientDiskSpace):
		return http.StatusInsufficientStorage, err.Error()
	case errors.Is(err, video.ErrUnknownFormat),
		errors.Is(err, clip.ErrInvalidDuration),
		errors.Is(err, clip.ErrPathOutsideDir):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "could not save clip, see logs for details"
}

// Thumbnail serves a single frame mp4 video of the latest keyframe.
func Thumbnail(buffer *replay.Buffer, params func() video.CodecParams) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		units, err := buffer.ExportLastGOP()
		if err != nil {
			status, msg := clipErrorStatus(err)
			http.Error(w, msg, status)
			return
		}

		packets := make([]video.Packet, len(units))
		for i, u := range units {
			packets[i] = video.Packet{
				Payload:     u.Payload(),
				IsSyncPoint: u.IsSyncPoint(),
				Index:       i,
			}
		}

		var b bytes.Buffer
		if err := mp4muxer.GenerateThumbnailVideo(&b, packets, params()); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		w.Header().Set("Content-Type", "video/mp4")
		w.Write(b.Bytes()) //nolint:errcheck
	})
}

// ClipList returns the saved clips, newest first.
func ClipList(index *clip.Index) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var limit int
		if l := r.URL.Query().Get("limit"); l != "" {
			var err error
			limit, err = strconv.Atoi(l)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
				return
			}
		}

		clips, err := index.List(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(clips); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// StatusResponse status response.
type StatusResponse struct {
	Buffer replay.Stats      `json:"buffer"`
	Stream video.CodecParams `json:"stream"`
	System system.Status     `json:"system"`
}

// Status returns buffer statistics and system usage.
func Status(
	stats func() replay.Stats,
	params func() video.CodecParams,
	sys func() system.Status,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		res := StatusResponse{
			Buffer: stats(),
			Stream: params(),
			System: sys(),
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// DiskUsage returns storage usage of the clips directory.
func DiskUsage(usage func() (storage.DiskUsage, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		u, err := usage()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(u); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// LogFeed opens a websocket with system logs.
func LogFeed(logger *log.Logger, a auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sources := parseCSVParam(query, "sources")

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		feed, cancel := logger.Subscribe()
		defer cancel()

		for {
			entry, ok := <-feed
			if !ok {
				return
			}

			if !log.LevelInLevels(entry.Level, levels) {
				continue
			}
			if !log.StringInStrings(entry.Src, sources) {
				continue
			}

			// Validate auth before each message.
			if !a.ValidateRequest(r).IsValid {
				return
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit, err := strconv.Atoi(query.Get("limit"))
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		levels, err := parseLevels(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var t uint64
		if s := query.Get("time"); s != "" {
			t, err = strconv.ParseUint(s, 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err), http.StatusBadRequest)
				return
			}
		}

		q := log.Query{
			Levels:  levels,
			Sources: parseCSVParam(query, "sources"),
			Time:    log.UnixMicro(t),
			Limit:   limit,
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(logs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// parseLevels parses level names or numbers.
func parseLevels(query url.Values) ([]log.Level, error) {
	var levels []log.Level
	for _, s := range parseCSVParam(query, "levels") {
		if n, err := strconv.Atoi(s); err == nil {
			levels = append(levels, log.Level(n))
			continue
		}
		level, err := log.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("invalid levels list: %w", err)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func parseCSVParam(query url.Values, key string) []string {
	csv := query.Get(key)
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}
