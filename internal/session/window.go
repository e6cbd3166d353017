package session

import "time"

type sample struct {
	at    time.Time
	total int64
}

// bitrateWindow keeps up to max cumulative-byte samples taken no more often
// than every interval and no older than span.
type bitrateWindow struct {
	max      int
	interval time.Duration
	span     time.Duration
	samples  []sample
}

func newBitrateWindow(max int, interval, span time.Duration) *bitrateWindow {
	if max < 2 {
		max = 2
	}
	return &bitrateWindow{max: max, interval: interval, span: span, samples: make([]sample, 0, max)}
}

// observe records total at now when a sample is due and returns the current
// windowed bitrate in bits/s.
func (w *bitrateWindow) observe(now time.Time, total int64) (bps float64, sampled bool) {
	n := len(w.samples)
	if n == 0 || now.Sub(w.samples[n-1].at) >= w.interval {
		w.samples = append(w.samples, sample{at: now, total: total})
		sampled = true
	}
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.samples)-1 && w.samples[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(w.samples) - drop - w.max; over > 0 {
		drop += over
	}
	if drop > 0 {
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
	return w.rate(), sampled
}

func (w *bitrateWindow) rate() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	first, last := w.samples[0], w.samples[len(w.samples)-1]
	secs := last.at.Sub(first.at).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(last.total-first.total) * 8 / secs
}
