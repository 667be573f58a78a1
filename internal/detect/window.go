package detect

import (
	"math"
	"sync"
	"time"
)

// rollingWindow holds the last N samples of one (ship_id, metric_name)
// series.
type rollingWindow struct {
	samples  []float64
	next     int
	filled   bool
	lastSeen time.Time
}

func (w *rollingWindow) add(v float64) {
	w.samples[w.next] = v
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *rollingWindow) count() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

func (w *rollingWindow) meanStd() (mean, std float64) {
	n := w.count()
	if n == 0 {
		return 0, 0
	}
	for i := 0; i < n; i++ {
		mean += w.samples[i]
	}
	mean /= float64(n)
	var sq float64
	for i := 0; i < n; i++ {
		d := w.samples[i] - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(n))
	return mean, std
}

// minSamplesForZ is the minimum history before a z-score is meaningful.
const minSamplesForZ = 8

// Windows maintains the per-series rolling windows of the statistical
// detector. Entries idle past the TTL are dropped so a ship that went
// quiet does not pin memory forever.
type Windows struct {
	mu   sync.Mutex
	byID map[string]*rollingWindow
	size int
	ttl  time.Duration
}

// NewWindows sizes the rolling-window table.
func NewWindows(size int, ttl time.Duration) *Windows {
	if size < 2 {
		size = 128
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Windows{byID: make(map[string]*rollingWindow), size: size, ttl: ttl}
}

// Observe records value for the series and returns the z-score of the
// value against the history seen before it. ok is false while the
// series is too short for a meaningful score.
func (ws *Windows) Observe(shipID, metricName string, value float64, now time.Time) (z float64, ok bool) {
	key := shipID + "\x1f" + metricName

	ws.mu.Lock()
	defer ws.mu.Unlock()

	w := ws.byID[key]
	if w == nil || now.Sub(w.lastSeen) > ws.ttl {
		w = &rollingWindow{samples: make([]float64, ws.size)}
		ws.byID[key] = w
	}
	w.lastSeen = now

	if w.count() >= minSamplesForZ {
		mean, std := w.meanStd()
		if std > 0 {
			z = (value - mean) / std
			ok = true
		}
	}
	w.add(value)
	return z, ok
}

// Sweep drops series idle past the TTL and returns how many were
// removed.
func (ws *Windows) Sweep(now time.Time) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	removed := 0
	for key, w := range ws.byID {
		if now.Sub(w.lastSeen) > ws.ttl {
			delete(ws.byID, key)
			removed++
		}
	}
	return removed
}
