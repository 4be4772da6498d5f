package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/media traffic counter.
var Stats = &stats{}

type stats struct {
	MsgSent    atomic.Int64 // signaling messages accepted for delivery
	MsgRecv    atomic.Int64 // signaling messages handed to a subscriber
	MsgDropped atomic.Int64 // signaling messages dropped (unreachable or stale)
	BytesRecv  atomic.Int64 // RTP payload bytes read from remote tracks
}

func (s *stats) AddSent()       { s.MsgSent.Add(1) }
func (s *stats) AddRecv()       { s.MsgRecv.Add(1) }
func (s *stats) AddDropped()    { s.MsgDropped.Add(1) }
func (s *stats) AddBytes(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every interval. Quiet intervals are not logged. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevDropped, prevBytes int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MsgSent.Load()
				recv := Stats.MsgRecv.Load()
				dropped := Stats.MsgDropped.Load()
				bytes := Stats.BytesRecv.Load()

				if sent != prevSent || recv != prevRecv || dropped != prevDropped || bytes != prevBytes {
					rate := float64(bytes-prevBytes) / interval.Seconds()
					pterm.DefaultLogger.Info(formatStats(sent-prevSent, recv-prevRecv, dropped-prevDropped, rate))
				}

				prevSent = sent
				prevRecv = recv
				prevDropped = dropped
				prevBytes = bytes

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted line of the interval deltas for the logger.
func formatStats(sent, recv, dropped int64, rate float64) string {
	return fmt.Sprintf("Signaling: %3d↑ %3d↓ %2d✗ | Media: %s/s",
		sent,
		recv,
		dropped,
		formatBytes(rate),
	)
}
