// SPDX-License-Identifier: GPL-2.0-or-later

package replay

import (
	"errors"
	"time"
)

// Export errors.
var (
	ErrEmptyBuffer = errors.New("buffer is empty")
	ErrNoSyncPoint = errors.New("buffer has no sync point")
)

// Export returns a copy of the units covering the last window of time.
// The returned slice starts at the first sync point inside the window,
// if the window has none it starts at the last sync point in the buffer.
// A window that no unit falls within returns the whole buffer.
// Parameter sets directly before the start are included.
func (b *Buffer) Export(window time.Duration) ([]AccessUnit, error) {
	b.mu.Lock()
	start, err := b.exportStart(window)
	return b.exportFrom(start, err)
}

// ExportLastGOP returns a copy of the units from the last sync point.
func (b *Buffer) ExportLastGOP() ([]AccessUnit, error) {
	b.mu.Lock()
	start, err := b.exportStart(0)
	if err == nil {
		start = b.gopStart(b.lastSyncPoint())
	}
	return b.exportFrom(start, err)
}

// exportFrom must be called with mu held, it is released before returning.
func (b *Buffer) exportFrom(start int, err error) ([]AccessUnit, error) {
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	units := make([]AccessUnit, len(b.units)-start)
	copy(units, b.units[start:])
	b.mu.Unlock()

	// Payloads are never written after ingest, the
	// copy can be made without holding the lock.
	for i, u := range units {
		units[i].payload = append([]byte(nil), u.payload...)
	}
	return units, nil
}

func (b *Buffer) exportStart(window time.Duration) (int, error) {
	if len(b.units) == 0 {
		// Data arrived but none of it could start a clip.
		if b.orphaned != 0 {
			return 0, ErrNoSyncPoint
		}
		return 0, ErrEmptyBuffer
	}

	cutoff := b.now().Add(-window)
	i := b.searchCapturedAt(cutoff)
	if i == len(b.units) {
		i = 0
	}

	if start := b.syncPointAtOrAfter(i); start != -1 {
		return b.gopStart(start), nil
	}
	if start := b.lastSyncPoint(); start != -1 {
		return b.gopStart(start), nil
	}
	return 0, ErrNoSyncPoint
}
