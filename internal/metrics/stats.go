package metrics

import (
	"math"
	"sort"
	"time"
)

// StageStats aggregates the recent durations of one component operation.
type StageStats struct {
	Component string        `json:"component"`
	Operation string        `json:"operation"`
	Count     int64         `json:"count"`
	Mean      time.Duration `json:"mean"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
	Max       time.Duration `json:"max"`
}

// rolling keeps the last n samples in a ring.
type rolling struct {
	samples []time.Duration
	next    int
	size    int
	total   int64
}

func newRolling(size int) *rolling {
	if size <= 0 {
		size = 1000
	}
	return &rolling{size: size}
}

func (r *rolling) add(d time.Duration) {
	r.total++
	if len(r.samples) < r.size {
		r.samples = append(r.samples, d)
		return
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % r.size
}

func (r *rolling) stats(component, operation string) StageStats {
	s := StageStats{Component: component, Operation: operation, Count: r.total}
	n := len(r.samples)
	if n == 0 {
		return s
	}
	sorted := append([]time.Duration(nil), r.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	s.Mean = sum / time.Duration(n)
	s.P50 = percentile(sorted, 0.50)
	s.P95 = percentile(sorted, 0.95)
	s.P99 = percentile(sorted, 0.99)
	s.Max = sorted[n-1]
	return s
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
