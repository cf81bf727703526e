// Package history is the append-only record of loop cycles. Records are
// written once when a cycle finishes and never mutated; statistics are
// derived queries over the stored rows.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mrcode/aidloop/internal/models"
)

// Sink stores finished cycle records.
type Sink interface {
	// Append writes one finished cycle. Records are immutable once written.
	Append(ctx context.Context, rec models.LoopCycleRecord) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]models.LoopCycleRecord, error)
	// Since returns all records started at or after t, oldest first.
	Since(ctx context.Context, t time.Time) ([]models.LoopCycleRecord, error)
	Close() error
}

// Stats summarizes loop performance over a window.
type Stats struct {
	Window         time.Duration `json:"window"`
	Cycles         int           `json:"cycles"`
	Succeeded      int           `json:"succeeded"`
	SuccessRate    float64       `json:"successRate"`
	MedianInterval float64       `json:"medianIntervalMinutes"`
	MeanInterval   float64       `json:"meanIntervalMinutes"`
	MedianDuration float64       `json:"medianDurationSeconds"`
	MeanDuration   float64       `json:"meanDurationSeconds"`
}

// ComputeStats derives loop statistics from records ordered oldest first.
// Succeeded counts cycles that reached a terminal non-failure outcome,
// including deliberate no-action cycles.
func ComputeStats(records []models.LoopCycleRecord, window time.Duration) Stats {
	s := Stats{Window: window, Cycles: len(records)}
	if len(records) == 0 {
		return s
	}

	var intervals, durations []float64
	for i, r := range records {
		switch r.Outcome.Status {
		case models.OutcomeSucceeded, models.OutcomeNoAction, models.OutcomeSuppressed:
			s.Succeeded++
		}
		durations = append(durations, r.Duration().Seconds())
		if i > 0 {
			intervals = append(intervals, r.StartedAt.Sub(records[i-1].StartedAt).Minutes())
		}
	}
	s.SuccessRate = float64(s.Succeeded) / float64(s.Cycles)
	s.MeanDuration, s.MedianDuration = meanMedian(durations)
	if len(intervals) > 0 {
		s.MeanInterval, s.MedianInterval = meanMedian(intervals)
	}
	return s
}

func meanMedian(vals []float64) (mean, median float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean = sum / float64(len(sorted))
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}
	return mean, median
}

// MemorySink keeps records in memory with a bounded capacity. Used by the
// simulate command and tests.
type MemorySink struct {
	mu      sync.Mutex
	records []models.LoopCycleRecord
	cap     int
}

// NewMemorySink returns a sink holding at most capacity records; zero means
// unbounded.
func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{cap: capacity}
}

func (m *MemorySink) Append(_ context.Context, rec models.LoopCycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if m.cap > 0 && len(m.records) > m.cap {
		m.records = m.records[len(m.records)-m.cap:]
	}
	return nil
}

func (m *MemorySink) Recent(_ context.Context, limit int) ([]models.LoopCycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.LoopCycleRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemorySink) Since(_ context.Context, t time.Time) ([]models.LoopCycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LoopCycleRecord
	for _, r := range m.records {
		if !r.StartedAt.Before(t) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemorySink) Close() error { return nil }
