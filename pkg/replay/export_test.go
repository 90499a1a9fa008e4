// SPDX-License-Identifier: GPL-2.0-or-later

package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ingestGOPs ingests n units one second apart with a sync point every gopSize units.
func ingestGOPs(b *Buffer, clock *fakeClock, n int, gopSize int) {
	for i := 0; i < n; i++ {
		b.Ingest([]byte{byte(i)}, i%gopSize == 0)
		if i != n-1 {
			clock.advance(time.Second)
		}
	}
}

func TestExport(t *testing.T) {
	cases := []struct {
		name     string
		window   time.Duration
		expected []time.Time
	}{
		{
			name:     "syncPointInWindow",
			window:   7 * time.Second,
			expected: []time.Time{sec(15), sec(16), sec(17), sec(18), sec(19)},
		},
		{
			name:   "windowStartsOnSyncPoint",
			window: 9 * time.Second,
			expected: []time.Time{
				sec(10), sec(11), sec(12), sec(13), sec(14),
				sec(15), sec(16), sec(17), sec(18), sec(19),
			},
		},
		{
			name:     "windowShorterThanGOP",
			window:   2 * time.Second,
			expected: []time.Time{sec(15), sec(16), sec(17), sec(18), sec(19)},
		},
		{
			name:     "zeroWindow",
			window:   0,
			expected: []time.Time{sec(15), sec(16), sec(17), sec(18), sec(19)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, clock := newTestBuffer(t, Config{Retention: time.Minute})
			ingestGOPs(b, clock, 20, 5)

			units, err := b.Export(tc.window)
			require.NoError(t, err)
			require.Equal(t, tc.expected, capturedTimes(units))
			require.True(t, units[0].IsSyncPoint())
		})
	}
}

func TestExportWholeBuffer(t *testing.T) {
	b, clock := newTestBuffer(t, Config{Retention: time.Minute})
	ingestGOPs(b, clock, 20, 5)

	units, err := b.Export(time.Hour)
	require.NoError(t, err)
	require.Len(t, units, 20)
	require.Equal(t, epoch, units[0].CapturedAt())
}

func TestExportWindowWithoutSyncPoint(t *testing.T) {
	b, clock := newTestBuffer(t, Config{Retention: time.Minute})

	// One GOP: t=0 is the sync point, t=1..9 are not.
	ingestGOPs(b, clock, 10, 10)

	units, err := b.Export(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, units, 10)
	require.Equal(t, epoch, units[0].CapturedAt())
	require.True(t, units[0].IsSyncPoint())
}

func TestExportStaleBuffer(t *testing.T) {
	b, clock := newTestBuffer(t, Config{Retention: time.Minute})
	ingestGOPs(b, clock, 10, 5)

	// Nothing was captured inside the window, the whole buffer is returned.
	clock.advance(time.Hour)
	units, err := b.Export(time.Second)
	require.NoError(t, err)
	require.Len(t, units, 10)
}

func TestExportErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		b, _ := newTestBuffer(t, Config{Retention: time.Minute})
		_, err := b.Export(time.Second)
		require.ErrorIs(t, err, ErrEmptyBuffer)
	})
	t.Run("noSyncPoint", func(t *testing.T) {
		b, clock := newTestBuffer(t, Config{Retention: time.Minute})
		b.units = []AccessUnit{
			NewAccessUnit([]byte{1}, clock.now(), false),
			NewAccessUnit([]byte{2}, clock.now(), false),
		}
		b.currentBytes = 2

		_, err := b.Export(time.Second)
		require.ErrorIs(t, err, ErrNoSyncPoint)
	})
}

func TestExportIsIdempotent(t *testing.T) {
	b, clock := newTestBuffer(t, Config{Retention: time.Minute})
	ingestGOPs(b, clock, 20, 5)

	first, err := b.Export(8 * time.Second)
	require.NoError(t, err)
	second, err := b.Export(8 * time.Second)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestExportReturnsCopies(t *testing.T) {
	b, clock := newTestBuffer(t, Config{Retention: 5 * time.Second})
	ingestGOPs(b, clock, 5, 5)

	units, err := b.Export(time.Minute)
	require.NoError(t, err)
	require.Len(t, units, 5)

	units[0].Payload()[0] = 0xff

	// Evict the exported units.
	clock.advance(time.Minute)
	b.Ingest([]byte{5}, true)
	require.Equal(t, 1, b.Stats().Units)

	require.Equal(t, []byte{1}, units[1].Payload())
	require.Len(t, units, 5)

	again, err := b.Export(time.Minute)
	require.NoError(t, err)
	require.Equal(t, []byte{5}, again[0].Payload())
}

func TestExportLastGOP(t *testing.T) {
	b, clock := newTestBuffer(t, Config{Retention: time.Minute})
	ingestGOPs(b, clock, 12, 5)

	units, err := b.ExportLastGOP()
	require.NoError(t, err)
	require.Equal(t, []time.Time{sec(10), sec(11)}, capturedTimes(units))

	// Stale buffers still return the last GOP.
	clock.advance(time.Hour)
	units, err = b.ExportLastGOP()
	require.NoError(t, err)
	require.Len(t, units, 2)

	empty, _ := newTestBuffer(t, Config{Retention: time.Minute})
	_, err = empty.ExportLastGOP()
	require.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestExportIncludesParameterSets(t *testing.T) {
	b, clock := newTestBuffer(t, Config{Retention: time.Minute})

	// SPS PPS IDR P P, one unit per second.
	for i := 0; i < 10; i++ {
		b.Ingest([]byte{byte(i)}, i%5 < 3)
		if i != 9 {
			clock.advance(time.Second)
		}
	}

	// The window starts at the IDR at t=7.
	units, err := b.Export(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []time.Time{sec(5), sec(6), sec(7), sec(8), sec(9)}, capturedTimes(units))

	// No sync point in the window, the last GOP is returned whole.
	units, err = b.Export(time.Second)
	require.NoError(t, err)
	require.Len(t, units, 5)
	require.Equal(t, []byte{5}, units[0].Payload())

	units, err = b.ExportLastGOP()
	require.NoError(t, err)
	require.Len(t, units, 5)
	require.Equal(t, []byte{5}, units[0].Payload())
}
