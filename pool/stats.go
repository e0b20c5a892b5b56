package pool

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ewmaAlpha weights the newest latency sample
const ewmaAlpha = 0.3

// opStats is the rolling record of one operation on one worker. All fields
// are updated with atomics.
type opStats struct {
	count      atomic.Int64
	errors     atomic.Int64
	totalNanos atomic.Int64
	ewmaBits   atomic.Uint64
}

func (s *opStats) record(latency time.Duration, failed bool) {
	s.count.Add(1)
	s.totalNanos.Add(int64(latency))
	if failed {
		s.errors.Add(1)
	}
	sample := float64(latency)
	for {
		old := s.ewmaBits.Load()
		var next float64
		if old == 0 {
			next = sample
		} else {
			prev := math.Float64frombits(old)
			next = ewmaAlpha*sample + (1-ewmaAlpha)*prev
		}
		if next == 0 {
			// keep zero meaning "no sample yet"
			next = math.SmallestNonzeroFloat64
		}
		if s.ewmaBits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (s *opStats) ewma() time.Duration {
	return time.Duration(math.Float64frombits(s.ewmaBits.Load()))
}

// OpStats is a snapshot of one operation's record
type OpStats struct {
	Count      int64         `json:"count"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avg_latency"`
	EWMA       time.Duration `json:"ewma_latency"`
	ErrorRate  float64       `json:"error_rate"`
}

func (s *opStats) snapshot() OpStats {
	out := OpStats{Count: s.count.Load(), Errors: s.errors.Load(), EWMA: s.ewma()}
	if out.Count > 0 {
		out.AvgLatency = time.Duration(s.totalNanos.Load() / out.Count)
		out.ErrorRate = float64(out.Errors) / float64(out.Count)
	}
	return out
}

const windowBuckets = 10

// errorWindow counts errors over a rolling window split into buckets. Each
// bucket remembers which slice of time it counts for so stale buckets are
// ignored without a sweeper.
type errorWindow struct {
	width   time.Duration
	epochs  [windowBuckets]atomic.Int64
	counts  [windowBuckets]atomic.Int64
	resetMu sync.Mutex
}

func newErrorWindow(window time.Duration) *errorWindow {
	width := window / windowBuckets
	if width <= 0 {
		width = time.Millisecond
	}
	return &errorWindow{width: width}
}

func (w *errorWindow) add(now time.Time) {
	epoch := now.UnixNano() / int64(w.width)
	i := epoch % windowBuckets
	if w.epochs[i].Load() != epoch {
		w.resetMu.Lock()
		if w.epochs[i].Load() != epoch {
			w.counts[i].Store(0)
			w.epochs[i].Store(epoch)
		}
		w.resetMu.Unlock()
	}
	w.counts[i].Add(1)
}

func (w *errorWindow) count(now time.Time) int64 {
	epoch := now.UnixNano() / int64(w.width)
	var total int64
	for i := 0; i < windowBuckets; i++ {
		if e := w.epochs[i].Load(); e > epoch-windowBuckets && e <= epoch {
			total += w.counts[i].Load()
		}
	}
	return total
}
