package monitor

import (
	"sort"
	"time"

	"boardsync/pkg/types"
)

type sample struct {
	at      time.Time
	latency time.Duration
	failed  bool
	feature types.FeatureType
}

// window is a fixed-capacity ring of recent samples. Reads filter by age,
// so the ring bounds memory and the age bounds what is reported.
type window struct {
	buf  []sample
	next int
	full bool
}

func newWindow(size int) *window {
	return &window{buf: make([]sample, size)}
}

func (w *window) add(s sample) {
	w.buf[w.next] = s
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

// since returns the samples recorded at or after cutoff, oldest first.
func (w *window) since(cutoff time.Time) []sample {
	n := w.next
	start := 0
	if w.full {
		n = len(w.buf)
		start = w.next
	}
	out := make([]sample, 0, n)
	for i := 0; i < n; i++ {
		s := w.buf[(start+i)%len(w.buf)]
		if !s.at.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func (w *window) reset() {
	w.next = 0
	w.full = false
}

// percentiles uses nearest-rank on a sorted copy.
func percentiles(latencies []time.Duration) types.LatencyPercentiles {
	if len(latencies) == 0 {
		return types.LatencyPercentiles{}
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return types.LatencyPercentiles{
		P50: rank(sorted, 0.50),
		P95: rank(sorted, 0.95),
		P99: rank(sorted, 0.99),
	}
}

func rank(sorted []time.Duration, p float64) time.Duration {
	idx := int(p*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func mean(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}
