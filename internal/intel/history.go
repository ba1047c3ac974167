package intel

import (
	"context"
	"sort"
	"sync"
	"time"
)

// History stores snapshot series per domain. Append adds a snapshot,
// replacing any point already recorded at the same instant, and prunes
// everything older than the retention window as one step for that domain.
// Points returns the series oldest first and never includes expired points,
// and Domains lists only domains with at least one live point.
type History interface {
	Append(ctx context.Context, s Snapshot) error
	Points(ctx context.Context, domain string) ([]Snapshot, error)
	Domains(ctx context.Context) ([]string, error)
}

// MemoryHistory is an in-process History.
type MemoryHistory struct {
	mu        sync.Mutex
	series    map[string]*series
	retention time.Duration
	now       func() time.Time
}

type series struct {
	mu     sync.Mutex
	points []Snapshot
}

// NewMemoryHistory creates a MemoryHistory. A non-positive retention uses
// DefaultRetention.
func NewMemoryHistory(retention time.Duration) *MemoryHistory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryHistory{
		series:    make(map[string]*series),
		retention: retention,
		now:       time.Now,
	}
}

func (h *MemoryHistory) get(domain string, create bool) *series {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.series[domain]
	if !ok && create {
		s = &series{}
		h.series[domain] = s
	}
	return s
}

func (h *MemoryHistory) Append(_ context.Context, snap Snapshot) error {
	s := h.get(snap.Domain, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].RecordedAt.Before(snap.RecordedAt)
	})
	if i < len(s.points) && s.points[i].RecordedAt.Equal(snap.RecordedAt) {
		s.points[i] = snap
	} else {
		s.points = append(s.points, Snapshot{})
		copy(s.points[i+1:], s.points[i:])
		s.points[i] = snap
	}

	s.points = live(s.points, h.cutoff())
	return nil
}

func (h *MemoryHistory) cutoff() time.Time { return h.now().Add(-h.retention) }

// live returns the suffix of the sorted points recorded at or after cutoff.
func live(points []Snapshot, cutoff time.Time) []Snapshot {
	i := sort.Search(len(points), func(i int) bool {
		return !points[i].RecordedAt.Before(cutoff)
	})
	return points[i:]
}

func (h *MemoryHistory) Points(_ context.Context, domain string) ([]Snapshot, error) {
	s := h.get(domain, false)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), live(s.points, h.cutoff())...), nil
}

func (h *MemoryHistory) Domains(_ context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.cutoff()
	out := make([]string, 0, len(h.series))
	for d, s := range h.series {
		s.mu.Lock()
		n := len(live(s.points, cutoff))
		s.mu.Unlock()
		if n > 0 {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out, nil
}
