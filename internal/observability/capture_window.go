package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// CaptureMetricStats summarizes recent readings of one analysis metric
// for one session.
type CaptureMetricStats struct {
	SessionID string  `json:"session_id"`
	Metric    string  `json:"metric"`
	Samples   int     `json:"samples"`
	Last      float64 `json:"last"`
	Avg       float64 `json:"avg"`
	P50       float64 `json:"p50"`
	P95       float64 `json:"p95"`
	P99       float64 `json:"p99"`
}

type CaptureSnapshot struct {
	GeneratedAt time.Time            `json:"generated_at"`
	WindowSize  int                  `json:"window_size"`
	Metrics     []CaptureMetricStats `json:"metrics"`
}

// captureWindow keeps ring buffers of the analysis readings the capture
// subprocess pushes (audio level, motion level, scene-change score), per
// session and metric.
type captureWindow struct {
	mu         sync.RWMutex
	maxSamples int
	buffers    map[windowKey]*ringBuffer
}

type windowKey struct {
	sessionID string
	metric    string
}

type ringBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newCaptureWindow(maxSamples int) *captureWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &captureWindow{
		maxSamples: maxSamples,
		buffers:    make(map[windowKey]*ringBuffer),
	}
}

func (w *captureWindow) Observe(sessionID, metric string, value float64) {
	if sessionID == "" || metric == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	key := windowKey{sessionID: sessionID, metric: metric}
	buf, ok := w.buffers[key]
	if !ok {
		buf = &ringBuffer{values: make([]float64, w.maxSamples)}
		w.buffers[key] = buf
	}
	buf.values[buf.next] = value
	buf.last = value
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

// Forget drops a session's buffers after the session is deleted.
func (w *captureWindow) Forget(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.buffers {
		if key.sessionID == sessionID {
			delete(w.buffers, key)
		}
	}
}

func (w *captureWindow) Snapshot() CaptureSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]windowKey, 0, len(w.buffers))
	for key := range w.buffers {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sessionID != keys[j].sessionID {
			return keys[i].sessionID < keys[j].sessionID
		}
		return keys[i].metric < keys[j].metric
	})

	metrics := make([]CaptureMetricStats, 0, len(keys))
	for _, key := range keys {
		buf := w.buffers[key]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		metrics = append(metrics, CaptureMetricStats{
			SessionID: key.sessionID,
			Metric:    key.metric,
			Samples:   n,
			Last:      round2(buf.last),
			Avg:       round2(sum / float64(n)),
			P50:       round2(quantile(samples, 0.50)),
			P95:       round2(quantile(samples, 0.95)),
			P99:       round2(quantile(samples, 0.99)),
		})
	}

	return CaptureSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Metrics:     metrics,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
