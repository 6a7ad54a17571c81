// Package stats aggregates per-node frame timing and byte counters
// (§4.2.7), tracked the way common_statsd.go's coreStats keeps a
// Tracker map of atomically-updated named values, re-pointed here at
// github.com/prometheus/client_golang instead of the unavailable internal
// statsd package — the teacher's go.mod already carries Prometheus, so this
// is the stack actually exercised rather than re-implemented from scratch.
package stats

import (
	"sync"
	"time"

	ratomic "sync/atomic"
)

// Sample is one node's aggregated values since the last reset.
type Sample struct {
	FrameDt       time.Duration
	BytesSent     int64
	BytesReceived int64
	Min           time.Duration
	Max           time.Duration
	Current       time.Duration
}

// Tracker holds the atomically-updated running values for one node,
// mirroring coreStats.Tracker's map-of-name-to-statsValue shape but scoped
// to the three values §4.2.7 needs.
type Tracker struct {
	frameDtNs ratomic.Int64
	bytesSent ratomic.Int64
	bytesRecv ratomic.Int64

	mu  sync.Mutex
	min time.Duration
	max time.Duration
}

func (t *Tracker) update(dt time.Duration, sent, recv int64) {
	t.frameDtNs.Store(int64(dt))
	t.bytesSent.Add(sent)
	t.bytesRecv.Add(recv)

	t.mu.Lock()
	if t.min == 0 || dt < t.min {
		t.min = dt
	}
	if dt > t.max {
		t.max = dt
	}
	t.mu.Unlock()
}

// copyT snapshots and resets the tracker, the way coreStats.copyT
// separates "since-last-log" values from the cumulative ones.
func (t *Tracker) copyT() Sample {
	cur := time.Duration(t.frameDtNs.Swap(0))
	sent := t.bytesSent.Swap(0)
	recv := t.bytesRecv.Swap(0)

	t.mu.Lock()
	min, max := t.min, t.max
	t.min, t.max = 0, 0
	t.mu.Unlock()

	return Sample{FrameDt: cur, BytesSent: sent, BytesReceived: recv, Min: min, Max: max, Current: cur}
}

// Sink is the master-side aggregation point: one Tracker per node ID.
type Sink struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	enabled  bool

	prom *promMetrics
}

// NewSink creates a Sink. enabled mirrors config.Config.Statistics; when
// false, Update is a no-op so a disabled sink costs nothing on the hot
// path.
func NewSink(enabled bool) *Sink {
	return &Sink{trackers: make(map[string]*Tracker), enabled: enabled}
}

// Enabled reports whether statistics collection is active.
func (s *Sink) Enabled() bool { return s.enabled }

// Update records one node's per-frame sample.
func (s *Sink) Update(node string, dt time.Duration, bytesSent, bytesReceived int64) {
	if !s.enabled {
		return
	}
	s.trackerFor(node).update(dt, bytesSent, bytesReceived)
	if s.prom != nil {
		s.prom.observe(node, dt, bytesSent, bytesReceived)
	}
}

// Sample returns and resets node's accumulated sample; counters zero after
// every sample per §4.2.7.
func (s *Sink) Sample(node string) Sample {
	return s.trackerFor(node).copyT()
}

func (s *Sink) trackerFor(node string) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[node]
	if !ok {
		t = &Tracker{}
		s.trackers[node] = t
	}
	return t
}

// GlobalMax returns the largest Current frame time across every tracked
// node, used for display normalization per §4.2.7.
func (s *Sink) GlobalMax() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max time.Duration
	for _, t := range s.trackers {
		if v := time.Duration(t.frameDtNs.Load()); v > max {
			max = v
		}
	}
	return max
}
