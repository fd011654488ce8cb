package stats

import (
	"math"
	"testing"
	"time"
)

func record(h *History, id string, prices ...float64) {
	base := time.Now().Add(-time.Duration(len(prices)) * time.Second)
	for i, p := range prices {
		h.Record(id, p, 10, base.Add(time.Duration(i)*time.Second))
	}
}

func TestSMA(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	record(h, "o", 0.40, 0.42, 0.44, 0.46, 0.48)

	got, ok := h.SMA("o", 5)
	if !ok || math.Abs(got-0.44) > 1e-9 {
		t.Errorf("SMA(5) = %v %v, want 0.44", got, ok)
	}
	got, ok = h.SMA("o", 2)
	if !ok || math.Abs(got-0.47) > 1e-9 {
		t.Errorf("SMA(2) = %v %v, want 0.47", got, ok)
	}
	if _, ok := h.SMA("o", 6); ok {
		t.Error("SMA with too few samples should not be ok")
	}
	if _, ok := h.SMA("missing", 2); ok {
		t.Error("SMA on unknown series should not be ok")
	}
}

func TestRingWrapsAtCapacity(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	record(h, "o", 1, 2, 3, 4, 5)

	if n := h.Len("o"); n != 3 {
		t.Fatalf("len = %d, want 3", n)
	}
	// Only the newest 3 survive: 3, 4, 5.
	got, ok := h.SMA("o", 3)
	if !ok || got != 4 {
		t.Errorf("SMA(3) = %v %v, want 4", got, ok)
	}
}

func TestVWAP(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	now := time.Now()
	h.Record("o", 0.40, 100, now.Add(-2*time.Minute)) // outside window
	h.Record("o", 0.50, 100, now.Add(-30*time.Second))
	h.Record("o", 0.60, 300, now.Add(-10*time.Second))

	got, ok := h.VWAP("o", time.Minute)
	want := (0.50*100 + 0.60*300) / 400
	if !ok || math.Abs(got-want) > 1e-9 {
		t.Errorf("VWAP = %v %v, want %v", got, ok, want)
	}

	// Zero volume inside the window means no answer.
	h.Record("z", 0.50, 0, now)
	if _, ok := h.VWAP("z", time.Minute); ok {
		t.Error("zero-volume VWAP should not be ok")
	}
}

func TestRSI(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	// Strictly rising series pins RSI at 100.
	record(h, "up", 0.30, 0.32, 0.34, 0.36, 0.38, 0.40, 0.42, 0.44,
		0.46, 0.48, 0.50, 0.52, 0.54, 0.56, 0.58)
	got, ok := h.RSI("up", 14)
	if !ok || got != 100 {
		t.Errorf("rising RSI = %v %v, want 100", got, ok)
	}

	// Strictly falling series pins it at 0.
	record(h, "down", 0.58, 0.56, 0.54, 0.52, 0.50, 0.48, 0.46, 0.44,
		0.42, 0.40, 0.38, 0.36, 0.34, 0.32, 0.30)
	got, ok = h.RSI("down", 14)
	if !ok || got != 0 {
		t.Errorf("falling RSI = %v %v, want 0", got, ok)
	}

	// Flat series has no gains or losses.
	record(h, "flat", 0.50, 0.50, 0.50, 0.50, 0.50, 0.50, 0.50, 0.50,
		0.50, 0.50, 0.50, 0.50, 0.50, 0.50, 0.50)
	got, ok = h.RSI("flat", 14)
	if !ok || got != 50 {
		t.Errorf("flat RSI = %v %v, want 50", got, ok)
	}

	// Needs n+1 samples.
	record(h, "short", 0.50, 0.52, 0.54)
	if _, ok := h.RSI("short", 14); ok {
		t.Error("short series RSI should not be ok")
	}
}

func TestRSIMixedSeriesBounded(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	prices := make([]float64, 0, 40)
	p := 0.50
	for i := 0; i < 40; i++ {
		if i%3 == 0 {
			p -= 0.01
		} else {
			p += 0.02
		}
		prices = append(prices, p)
	}
	record(h, "mixed", prices...)

	got, ok := h.RSI("mixed", 14)
	if !ok {
		t.Fatal("mixed RSI should be ok")
	}
	if got <= 50 || got >= 100 {
		t.Errorf("net-rising mixed RSI = %v, want in (50, 100)", got)
	}
}

func TestMomentum(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	record(h, "o", 0.40, 0.42, 0.44, 0.50)

	got, ok := h.Momentum("o", 3)
	if !ok || math.Abs(got-0.25) > 1e-9 {
		t.Errorf("momentum = %v %v, want 0.25", got, ok)
	}

	record(h, "neg", 0.50, 0.45)
	got, ok = h.Momentum("neg", 1)
	if !ok || got >= 0 {
		t.Errorf("falling momentum = %v %v, want negative", got, ok)
	}

	if _, ok := h.Momentum("o", 10); ok {
		t.Error("momentum over too few samples should not be ok")
	}
}

func TestZScore(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	record(h, "o", 0.40, 0.50, 0.40, 0.50, 0.40, 0.50, 0.40, 0.50, 0.40, 0.90)

	z, ok := h.ZScore("o", 10)
	if !ok || z <= 2 {
		t.Errorf("outlier z-score = %v %v, want well above 2", z, ok)
	}

	record(h, "flat", 0.50, 0.50, 0.50, 0.50)
	if _, ok := h.ZScore("flat", 4); ok {
		t.Error("zero-variance series should not resolve a z-score")
	}
	if _, ok := h.ZScore("o", 50); ok {
		t.Error("too few samples should not resolve a z-score")
	}
}

func TestChangePercent(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	now := time.Now()
	h.Record("o", 0.80, 10, now.Add(-2*time.Hour)) // outside window
	h.Record("o", 0.40, 10, now.Add(-30*time.Minute))
	h.Record("o", 0.50, 10, now.Add(-time.Minute))

	got, ok := h.ChangePercent("o", time.Hour)
	if !ok || math.Abs(got-25) > 1e-9 {
		t.Errorf("change = %v%% %v, want 25%%", got, ok)
	}

	if _, ok := h.ChangePercent("o", time.Second); ok {
		t.Error("empty window should not be ok")
	}
}

func TestTrendDirection(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	rising := make([]float64, 25)
	for i := range rising {
		rising[i] = 0.30 + float64(i)*0.01
	}
	record(h, "up", rising...)
	if trend, ok := h.TrendDirection("up"); !ok || trend != TrendUp {
		t.Errorf("rising trend = %v %v", trend, ok)
	}

	falling := make([]float64, 25)
	for i := range falling {
		falling[i] = 0.60 - float64(i)*0.01
	}
	record(h, "down", falling...)
	if trend, ok := h.TrendDirection("down"); !ok || trend != TrendDown {
		t.Errorf("falling trend = %v %v", trend, ok)
	}

	record(h, "few", 0.50, 0.51)
	if _, ok := h.TrendDirection("few"); ok {
		t.Error("short series should not resolve a trend")
	}
}

func TestTrendHysteresisKeepsLastDirection(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	rising := make([]float64, 25)
	for i := range rising {
		rising[i] = 0.30 + float64(i)*0.01
	}
	record(h, "o", rising...)
	if trend, _ := h.TrendDirection("o"); trend != TrendUp {
		t.Fatalf("setup trend = %v", trend)
	}

	// Settle into a flat stretch; the short SMA converges on the long one
	// without crossing below the band, so the trend holds.
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 0.54
	}
	record(h, "o", flat...)
	if trend, ok := h.TrendDirection("o"); !ok || trend != TrendUp {
		t.Errorf("flat stretch trend = %v %v, want up retained", trend, ok)
	}
}

func TestVolumeSpike(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	now := time.Now()
	for i := 0; i < 19; i++ {
		h.Record("o", 0.50, 10, now.Add(time.Duration(i)*time.Second))
	}
	h.Record("o", 0.50, 25, now.Add(19*time.Second))

	spike, ok := h.VolumeSpike("o")
	if !ok || !spike {
		t.Errorf("25 vs median 10 should spike: %v %v", spike, ok)
	}

	h.Record("o", 0.50, 15, now.Add(20*time.Second))
	spike, ok = h.VolumeSpike("o")
	if !ok || spike {
		t.Errorf("15 vs median 10 should not spike: %v %v", spike, ok)
	}

	h.Record("few", 0.50, 100, now)
	if _, ok := h.VolumeSpike("few"); ok {
		t.Error("short series should not resolve a spike")
	}
}

func TestForget(t *testing.T) {
	t.Parallel()

	h := NewHistory(100)
	record(h, "o", 0.40, 0.42)
	h.Forget("o")
	if h.Len("o") != 0 {
		t.Error("forgotten series should be empty")
	}
}
