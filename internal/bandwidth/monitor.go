// Package bandwidth tracks download throughput over a sliding window.
package bandwidth

import (
	"sync"
	"time"
)

const (
	DefaultWindowSeconds = 60
	DefaultSampleRate    = 1
)

// Sample is one per-second throughput bucket.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Bytes     int64     `json:"bytes"`
}

// Monitor aggregates byte deltas reported by download workers. Writers are
// worker goroutines, readers a polling UI; everything is guarded by one
// mutex. Samples older than the window are evicted lazily.
type Monitor struct {
	mu         sync.Mutex
	samples    []Sample
	window     time.Duration
	totalBytes int64
	startedAt  time.Time
	clock      func() time.Time
}

// NewMonitor returns a monitor keeping windowSeconds of history. sampleRate
// is a samples-per-second sizing hint. Non-positive arguments fall back to
// the defaults.
func NewMonitor(windowSeconds, sampleRate int) *Monitor {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	m := &Monitor{
		samples: make([]Sample, 0, windowSeconds*sampleRate),
		window:  time.Duration(windowSeconds) * time.Second,
		clock:   time.Now,
	}
	m.startedAt = m.clock()
	return m
}

// AddDataPoint records bytes transferred since the previous report.
func (m *Monitor) AddDataPoint(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.pruneLocked(now)
	m.samples = append(m.samples, Sample{Timestamp: now, Bytes: bytes})
	m.totalBytes += bytes
}

// Current returns the throughput in bytes/sec across the in-window samples.
// Returns 0 until at least two samples span a measurable interval.
func (m *Monitor) Current() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.clock())
	if len(m.samples) < 2 {
		return 0
	}
	span := m.samples[len(m.samples)-1].Timestamp.Sub(m.samples[0].Timestamp).Seconds()
	if span <= 0 {
		return 0
	}
	var sum int64
	for _, s := range m.samples {
		sum += s.Bytes
	}
	return float64(sum) / span
}

// Average returns bytes/sec since the monitor was created or last reset.
func (m *Monitor) Average() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := m.clock().Sub(m.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.totalBytes) / elapsed
}

// TotalBytes returns the lifetime byte count. Unlike the sample window it is
// never evicted, only cleared by Reset.
func (m *Monitor) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// History returns the in-window samples aggregated into per-second buckets,
// oldest first, preceded by a zero sample so plots start from a baseline.
// Returns nil when the window is empty.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.clock())
	if len(m.samples) == 0 {
		return nil
	}

	buckets := make(map[int64]int64, len(m.samples))
	seconds := make([]int64, 0, len(m.samples))
	for _, s := range m.samples {
		sec := s.Timestamp.Unix()
		if _, ok := buckets[sec]; !ok {
			seconds = append(seconds, sec)
		}
		buckets[sec] += s.Bytes
	}

	out := make([]Sample, 0, len(seconds)+1)
	out = append(out, Sample{Timestamp: time.Unix(seconds[0]-1, 0)})
	for _, sec := range seconds {
		out = append(out, Sample{Timestamp: time.Unix(sec, 0), Bytes: buckets[sec]})
	}
	return out
}

// Reset drops all samples and counters and restarts the average clock.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = m.samples[:0]
	m.totalBytes = 0
	m.startedAt = m.clock()
}

// pruneLocked drops samples at or beyond the window edge. Samples are
// appended in clock order, so eviction only trims the front. Caller holds mu.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && !m.samples[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(m.samples, m.samples[i:])
		m.samples = m.samples[:n]
	}
}
