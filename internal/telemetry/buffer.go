// Package telemetry holds the bounded time series behind the live speed chart.
package telemetry

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of points the live chart keeps.
const DefaultCapacity = 50

// ChartPoint is one smoothed-speed sample.
type ChartPoint struct {
	SpeedMbps float64   `json:"speed_mbps"`
	Timestamp time.Time `json:"timestamp"`
}

// Buffer is a FIFO ring of ChartPoints. Once full, each Add evicts the
// oldest point. Safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	items []ChartPoint
	head  int // index of the oldest point
	n     int
}

// NewBuffer returns an empty buffer holding at most capacity points.
// A non-positive capacity means DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]ChartPoint, capacity)}
}

func (b *Buffer) Capacity() int { return len(b.items) }

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Add appends a point, evicting the oldest one when the buffer is full.
func (b *Buffer) Add(speedMbps float64, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := ChartPoint{SpeedMbps: speedMbps, Timestamp: ts}
	if b.n < len(b.items) {
		b.items[(b.head+b.n)%len(b.items)] = p
		b.n++
		return
	}
	b.items[b.head] = p
	b.head = (b.head + 1) % len(b.items)
}

// Snapshot returns the points oldest first. The slice is a copy.
func (b *Buffer) Snapshot() []ChartPoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ChartPoint, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Reset drops every point.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.items)
	b.head, b.n = 0, 0
}
