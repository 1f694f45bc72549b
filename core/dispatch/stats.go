package dispatch

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// maxSamples bounds the retained duration window
const maxSamples = 4096

// Stats tracks job execution statistics
type Stats struct {
	mu        sync.Mutex
	jobs      int64
	failures  int64
	retries   int64
	durations []float64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Jobs     int64   `json:"jobs"`
	Failures int64   `json:"failures"`
	Retries  int64   `json:"retries"`
	MeanMs   float64 `json:"mean_ms"`
	StdDevMs float64 `json:"stddev_ms"`
	MaxMs    float64 `json:"max_ms"`
}

// NewStats creates empty statistics
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) record(d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs++
	if failed {
		s.failures++
	}
	if len(s.durations) == maxSamples {
		s.durations = s.durations[1:]
	}
	s.durations = append(s.durations, float64(d)/float64(time.Millisecond))
}

func (s *Stats) retry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Snapshot computes the current statistics
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{Jobs: s.jobs, Failures: s.failures, Retries: s.retries}
	if len(s.durations) == 0 {
		return snap
	}
	if len(s.durations) == 1 {
		snap.MeanMs = s.durations[0]
	} else {
		snap.MeanMs, snap.StdDevMs = stat.MeanStdDev(s.durations, nil)
	}
	for _, d := range s.durations {
		if d > snap.MaxMs {
			snap.MaxMs = d
		}
	}
	return snap
}
