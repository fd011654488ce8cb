// Package stats keeps bounded per-outcome price history and derives the
// indicators the technical strategies trade on. All computations return
// ok=false until enough samples have accumulated; callers treat that as
// "no signal", never as zero.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Trend labels the SMA-crossover direction of a series.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

const (
	trendShortWindow = 5
	trendLongWindow  = 20
	trendHysteresis  = 0.002 // fraction of the long SMA the short must clear
	spikeWindow      = 20
	spikeFactor      = 2.0
)

// Sample is one recorded price point.
type Sample struct {
	Price  float64
	Volume float64
	At     time.Time
}

// ring is a fixed-capacity circular buffer of samples.
type ring struct {
	buf   []Sample
	head  int // next write position
	count int
	trend Trend // last resolved trend, for hysteresis
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity), trend: TrendFlat}
}

func (r *ring) push(s Sample) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// at returns the i-th oldest sample, i in [0, count).
func (r *ring) at(i int) Sample {
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	return r.buf[(start+i)%len(r.buf)]
}

// last returns the newest n samples, oldest first.
func (r *ring) last(n int) []Sample {
	if n > r.count {
		n = r.count
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		out[i] = r.at(r.count - n + i)
	}
	return out
}

// History is the per-outcome sample store. Safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	capacity int
	series   map[string]*ring
}

// NewHistory creates a store holding up to capacity samples per outcome.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 500
	}
	return &History{
		capacity: capacity,
		series:   make(map[string]*ring),
	}
}

// Record appends one sample for an outcome.
func (h *History) Record(outcomeID string, price, volume float64, at time.Time) {
	h.mu.Lock()
	r, ok := h.series[outcomeID]
	if !ok {
		r = newRing(h.capacity)
		h.series[outcomeID] = r
	}
	r.push(Sample{Price: price, Volume: volume, At: at})
	h.mu.Unlock()
}

// Len returns the number of stored samples for an outcome.
func (h *History) Len(outcomeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.series[outcomeID]; ok {
		return r.count
	}
	return 0
}

// Forget drops an outcome's series.
func (h *History) Forget(outcomeID string) {
	h.mu.Lock()
	delete(h.series, outcomeID)
	h.mu.Unlock()
}

// SMA returns the simple moving average of the last n prices.
func (h *History) SMA(outcomeID string, n int) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.series[outcomeID]
	if !ok || n <= 0 || r.count < n {
		return 0, false
	}
	sum := 0.0
	for _, s := range r.last(n) {
		sum += s.Price
	}
	return sum / float64(n), true
}

// VWAP returns the volume-weighted average price over the trailing window.
// Falls back to ok=false when no volume was recorded in the window.
func (h *History) VWAP(outcomeID string, window time.Duration) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.series[outcomeID]
	if !ok || r.count == 0 {
		return 0, false
	}

	cutoff := time.Now().Add(-window)
	var pv, vol float64
	for i := 0; i < r.count; i++ {
		s := r.at(i)
		if s.At.Before(cutoff) {
			continue
		}
		pv += s.Price * s.Volume
		vol += s.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// RSI returns the n-period relative strength index with Wilder smoothing,
// clamped to [0, 100]. Needs n+1 samples.
func (h *History) RSI(outcomeID string, n int) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.series[outcomeID]
	if !ok || n <= 0 || r.count < n+1 {
		return 0, false
	}

	// Seed with the simple average of the first n changes, then smooth.
	var avgGain, avgLoss float64
	for i := 1; i <= n; i++ {
		change := r.at(i).Price - r.at(i-1).Price
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)

	for i := n + 1; i < r.count; i++ {
		change := r.at(i).Price - r.at(i-1).Price
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rsi := 100 - 100/(1+avgGain/avgLoss)
	return math.Max(0, math.Min(100, rsi)), true
}

// ZScore returns how many standard deviations the latest price sits from
// the n-sample mean. Zero-variance series return ok=false.
func (h *History) ZScore(outcomeID string, n int) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.series[outcomeID]
	if !ok || n < 2 || r.count < n {
		return 0, false
	}

	window := r.last(n)
	mean := smaOf(window)
	var variance float64
	for _, s := range window {
		d := s.Price - mean
		variance += d * d
	}
	variance /= float64(n)
	if variance == 0 {
		return 0, false
	}
	latest := window[len(window)-1].Price
	return (latest - mean) / math.Sqrt(variance), true
}

// Momentum returns the normalized price change over the last n samples:
// (p_now - p_then) / p_then. Sign carries direction.
func (h *History) Momentum(outcomeID string, n int) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.series[outcomeID]
	if !ok || n <= 0 || r.count < n+1 {
		return 0, false
	}
	then := r.at(r.count - n - 1).Price
	now := r.at(r.count - 1).Price
	if then == 0 {
		return 0, false
	}
	return (now - then) / then, true
}

// ChangePercent returns the percent price change across the trailing window.
func (h *History) ChangePercent(outcomeID string, window time.Duration) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.series[outcomeID]
	if !ok || r.count < 2 {
		return 0, false
	}

	cutoff := time.Now().Add(-window)
	var base float64
	found := false
	for i := 0; i < r.count; i++ {
		s := r.at(i)
		if !s.At.Before(cutoff) {
			base = s.Price
			found = true
			break
		}
	}
	if !found || base == 0 {
		return 0, false
	}
	now := r.at(r.count - 1).Price
	return (now - base) / base * 100, true
}

// TrendDirection classifies the series with a short/long SMA crossover.
// Small crossings inside the hysteresis band keep the previous trend, so a
// flat market does not flap between up and down.
func (h *History) TrendDirection(outcomeID string) (Trend, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.series[outcomeID]
	if !ok || r.count < trendLongWindow {
		return TrendFlat, false
	}

	short := smaOf(r.last(trendShortWindow))
	long := smaOf(r.last(trendLongWindow))
	band := long * trendHysteresis

	switch {
	case short > long+band:
		r.trend = TrendUp
	case short < long-band:
		r.trend = TrendDown
	}
	return r.trend, true
}

// VolumeSpike reports whether the newest sample's volume exceeds twice the
// median of the last 20 volumes.
func (h *History) VolumeSpike(outcomeID string) (bool, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.series[outcomeID]
	if !ok || r.count < spikeWindow {
		return false, false
	}

	recent := r.last(spikeWindow)
	vols := make([]float64, 0, len(recent)-1)
	for _, s := range recent[:len(recent)-1] {
		vols = append(vols, s.Volume)
	}
	sort.Float64s(vols)
	median := vols[len(vols)/2]
	if len(vols)%2 == 0 {
		median = (vols[len(vols)/2-1] + vols[len(vols)/2]) / 2
	}
	if median == 0 {
		return false, true
	}
	latest := recent[len(recent)-1].Volume
	return latest > spikeFactor*median, true
}

func smaOf(samples []Sample) float64 {
	sum := 0.0
	for _, s := range samples {
		sum += s.Price
	}
	return sum / float64(len(samples))
}
