// SPDX-License-Identifier: GPL-2.0-or-later

package replay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AccessUnit is a classified unit of encoded video stamped
// with the time it was ingested. It is never modified after creation.
type AccessUnit struct {
	payload     []byte
	capturedAt  time.Time
	isSyncPoint bool
}

// NewAccessUnit returns a unit that owns a copy of payload.
func NewAccessUnit(payload []byte, capturedAt time.Time, isSyncPoint bool) AccessUnit {
	return AccessUnit{
		payload:     append([]byte(nil), payload...),
		capturedAt:  capturedAt,
		isSyncPoint: isSyncPoint,
	}
}

// Payload returns the unit data including the start code.
// The returned slice must not be modified.
func (u AccessUnit) Payload() []byte { return u.payload }

// CapturedAt returns the ingestion time.
func (u AccessUnit) CapturedAt() time.Time { return u.capturedAt }

// IsSyncPoint reports whether a decoder can start at this unit.
func (u AccessUnit) IsSyncPoint() bool { return u.isSyncPoint }

// Size returns the payload size in bytes.
func (u AccessUnit) Size() int { return len(u.payload) }

// Config of the retention policy.
type Config struct {
	// Retention is the maximum age of the oldest GOP.
	Retention time.Duration

	// ByteBudget is the maximum total payload size, 0 disables the limit.
	// The limit is soft, the last complete GOP and the one being
	// received are kept even if they exceed it.
	ByteBudget int
}

// Config errors.
var (
	ErrInvalidRetention  = errors.New("retention must be positive")
	ErrInvalidByteBudget = errors.New("byte budget cannot be negative")
)

// Validate config.
func (c Config) Validate() error {
	if c.Retention <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRetention, c.Retention)
	}
	if c.ByteBudget < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidByteBudget, c.ByteBudget)
	}
	return nil
}

// Buffer keeps the most recent access units of a stream. Both limits are
// applied at GOP boundaries, the buffer always starts with a sync point.
// A single producer calls Ingest while any number of readers call Export.
type Buffer struct {
	retention  time.Duration
	byteBudget int

	// units and currentBytes are only accessed with mu held.
	units        []AccessUnit
	currentBytes int

	// orphaned counts units dropped since the last sync
	// point because no sync point preceded them.
	orphaned int

	now func() time.Time
	mu  sync.Mutex
}

// New returns an empty buffer.
func New(config Config) (*Buffer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{
		retention:  config.Retention,
		byteBudget: config.ByteBudget,
		now:        time.Now,
	}, nil
}

// Ingest appends a copy of payload and evicts expired GOPs.
func (b *Buffer) Ingest(payload []byte, isSyncPoint bool) {
	data := append([]byte(nil), payload...)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	// Keep captured times non-decreasing even if the clock is not.
	if n := len(b.units); n != 0 && now.Before(b.units[n-1].capturedAt) {
		now = b.units[n-1].capturedAt
	}

	b.units = append(b.units, AccessUnit{
		payload:     data,
		capturedAt:  now,
		isSyncPoint: isSyncPoint,
	})
	b.currentBytes += len(data)
	if isSyncPoint {
		b.orphaned = 0
	}

	b.evict(now)
}

// evict removes the prefix that falls outside the retention policy.
// The new front is always a sync point, units that are
// not preceded by any sync point cannot be decoded and are dropped.
func (b *Buffer) evict(now time.Time) {
	cutoff := now.Add(-b.retention)

	i := b.searchCapturedAt(cutoff)
	var start int
	if i == len(b.units) {
		// Everything is stale, keep the most recent GOP.
		start = b.lastSyncPoint()
	} else {
		start = b.syncPointAtOrBefore(i)
	}
	if start == -1 {
		start = b.syncPointAtOrAfter(0)
	}
	if start == -1 {
		b.orphaned += len(b.units)
		b.removePrefix(len(b.units))
		return
	}
	b.removePrefix(b.gopStart(start))

	if b.byteBudget == 0 || b.currentBytes <= b.byteBudget {
		return
	}

	// Smallest index where the remaining units fit the budget.
	removed := 0
	j := 0
	for j < len(b.units) && b.currentBytes-removed > b.byteBudget {
		removed += len(b.units[j].payload)
		j++
	}
	if j > len(b.units)-1 {
		j = len(b.units) - 1
	}
	start = b.gopStart(b.syncPointAtOrBefore(j))

	// The newest GOP may still be growing, keep
	// the one before it so a full GOP is always held.
	if newest := b.gopStart(b.lastSyncPoint()); start == newest && newest > 0 {
		start = b.gopStart(b.syncPointAtOrBefore(newest - 1))
	}
	b.removePrefix(start)
}

// removePrefix removes the first n units.
func (b *Buffer) removePrefix(n int) {
	if n <= 0 {
		return
	}
	for _, u := range b.units[:n] {
		b.currentBytes -= len(u.payload)
	}
	m := copy(b.units, b.units[n:])

	// Release the payloads.
	for i := m; i < len(b.units); i++ {
		b.units[i] = AccessUnit{}
	}
	b.units = b.units[:m]
}

// searchCapturedAt returns the index of the first unit captured at or after t.
func (b *Buffer) searchCapturedAt(t time.Time) int {
	return sort.Search(len(b.units), func(i int) bool {
		return !b.units[i].capturedAt.Before(t)
	})
}

func (b *Buffer) syncPointAtOrBefore(i int) int {
	for ; i >= 0; i-- {
		if b.units[i].isSyncPoint {
			return i
		}
	}
	return -1
}

func (b *Buffer) syncPointAtOrAfter(i int) int {
	for ; i < len(b.units); i++ {
		if b.units[i].isSyncPoint {
			return i
		}
	}
	return -1
}

func (b *Buffer) lastSyncPoint() int {
	return b.syncPointAtOrBefore(len(b.units) - 1)
}

// gopStart returns the first unit of the run of sync points that
// contains i, parameter sets stay attached to the IDR they precede.
func (b *Buffer) gopStart(i int) int {
	if i < 0 {
		return i
	}
	for i > 0 && b.units[i-1].isSyncPoint {
		i--
	}
	return i
}

// Stats is a summary of the buffer contents.
type Stats struct {
	Units      int           `json:"units"`
	Bytes      int           `json:"bytes"`
	SyncPoints int           `json:"syncPoints"`
	GOPs       int           `json:"gops"`
	Span       time.Duration `json:"span"`
	Oldest     time.Time     `json:"oldest"`
	Newest     time.Time     `json:"newest"`

	// Orphaned is the number of units dropped since
	// the last sync point because none preceded them.
	Orphaned int `json:"orphaned"`
}

// Stats returns a summary of the buffer contents.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Units:    len(b.units),
		Bytes:    b.currentBytes,
		Orphaned: b.orphaned,
	}
	if len(b.units) == 0 {
		return s
	}

	prevSync := false
	for _, u := range b.units {
		if u.isSyncPoint {
			s.SyncPoints++
			// Consecutive parameter sets and IDR open a single GOP.
			if !prevSync {
				s.GOPs++
			}
		}
		prevSync = u.isSyncPoint
	}
	s.Oldest = b.units[0].capturedAt
	s.Newest = b.units[len(b.units)-1].capturedAt
	s.Span = s.Newest.Sub(s.Oldest)
	return s
}

// Drain removes all units.
func (b *Buffer) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units = nil
	b.currentBytes = 0
	b.orphaned = 0
}
