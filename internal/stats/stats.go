// Package stats tracks per-run cumulative counters plus a rolling window
// used by the AIMD tuner to detect congestion (spec §4.D/§4.E).
//
// Grounded on the mutex-guarded struct idiom used throughout the teacher
// repo (server state, registry caches) and on the Python RunStats/window
// counters in boe_downloader_http.py.
package stats

import (
	"sync"
	"time"

	"github.com/mgarcia/boeingest/internal/model"
)

// Stats owns the cumulative counters and the current window. All methods
// are safe for concurrent use.
type Stats struct {
	mu     sync.Mutex
	cum    model.RunStats
	window model.WindowSnapshot
}

// New returns a Stats with a fresh window started now and
// the configured concurrency ceiling recorded for reporting.
func New(maxConcurrencyConfigured int) *Stats {
	return &Stats{
		cum: model.RunStats{MaxConcurrencyConfigured: int64(maxConcurrencyConfigured)},
		window: model.WindowSnapshot{
			Started: time.Now(),
		},
	}
}

// Record folds the outcome of one completed attempt into both the
// cumulative counters and the current window.
//
// status is the HTTP status code (0 for transport-level failures).
// skipped304 marks a cache-hit outcome that is neither ok nor an error
// (spec §4.D). errKind is fetch.Error.Kind ("timeout", "client", "http")
// for a failed attempt, or "" for a success/skip.
func (s *Stats) Record(format model.Format, status int, latency time.Duration, nbytes int64, skipped304 bool, errKind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cum.Done++
	s.cum.Bytes += nbytes

	switch {
	case skipped304:
		s.cum.Skipped304++
	case errKind != "":
		s.cum.Errors++
		s.window.Err++
		switch {
		case errKind == "timeout":
			s.cum.Timeouts++
			s.window.Timeouts++
		case status >= 400 && status < 500:
			// Mirrors update_item: classification by status band, not by
			// fetch.Kind, so a KindHTTP 404 lands as a client error while
			// a KindHTTP 503 lands as other below.
			s.cum.ClientErrors++
		default:
			s.cum.OtherErrors++
		}
		if status == 429 {
			s.cum.HTTP429++
			s.window.Status429++
		}
		if status >= 500 {
			s.cum.HTTP5xx++
			s.window.Status5xx++
		}
	case status >= 200 && status < 400:
		s.cum.OK++
		s.window.OK++
		switch format {
		case model.FormatXML:
			s.cum.XMLOk++
		case model.FormatJSON:
			s.cum.JSONOk++
		case model.FormatPDF:
			s.cum.PDFOk++
		}
	default:
		s.cum.Errors++
		s.cum.OtherErrors++
		s.window.Err++
	}

	switch {
	case status >= 200 && status < 300:
		s.cum.HTTPBand2xx++
	case status >= 300 && status < 400:
		s.cum.HTTPBand3xx++
	case status >= 400 && status < 500:
		s.cum.HTTPBand4xx++
	case status >= 500:
		s.cum.HTTPBand5xx++
	}

	if latency > 0 {
		s.window.Latencies = append(s.window.Latencies, latency.Seconds())
	}
}

// RecordConcurrency records the current in-use concurrency against the
// cumulative high-water mark.
func (s *Stats) RecordConcurrency(inUse int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(inUse) > s.cum.MaxConcurrencyReached {
		s.cum.MaxConcurrencyReached = int64(inUse)
	}
}

// Cumulative returns a copy of the cumulative counters.
func (s *Stats) Cumulative() model.RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cum
}

// SnapshotWindow returns a copy of the current window and atomically
// resets it, so the tuner observes each window's data exactly once.
func (s *Stats) SnapshotWindow() model.WindowSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.window
	s.window = model.WindowSnapshot{Started: time.Now()}
	return snap
}

// MeanLatency returns the arithmetic mean of a window's recorded
// latencies in seconds, or 0 if empty.
func MeanLatency(w model.WindowSnapshot) float64 {
	if len(w.Latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.Latencies {
		sum += v
	}
	return sum / float64(len(w.Latencies))
}

// Congested reports whether a window indicates congestion: any 429s,
// 5xxs, or timeouts observed in the window (spec §4.E).
func Congested(w model.WindowSnapshot) bool {
	return w.Status429 > 0 || w.Status5xx > 0 || w.Timeouts > 0
}
