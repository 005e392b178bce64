// Package tuner implements the AIMD concurrency autotuner of spec §4.E:
// a ticker loop that shrinks the limiter's target on congestion and grows
// it additively when the host has CPU headroom.
//
// Grounded on the ticker-loop idiom in the teacher's
// internal/registry/docker/private/service.go (session-reaper loop) and
// on autotune_concurrency in boe_downloader_http.py, whose formula this
// package reproduces exactly.
package tuner

import (
	"context"
	"log/slog"
	"time"

	"github.com/mgarcia/boeingest/internal/limiter"
	"github.com/mgarcia/boeingest/internal/stats"
)

// CPUSampler reports current CPU utilization as a percentage in [0, 100].
// A nil CPUSampler disables the CPU-aware branches (congestion is judged
// purely on error-rate signals, and growth is unconditional).
type CPUSampler func() (float64, bool)

// Config holds the tuner's thresholds, mirroring the original's
// cpu_high/cpu_low/interval_s knobs (spec §4.E).
type Config struct {
	Interval time.Duration
	CPUHigh  float64
	CPULow   float64
	MaxLimit int
}

// Tuner periodically adjusts a limiter.Limiter's target concurrency based
// on a stats.Stats window and, optionally, host CPU load.
type Tuner struct {
	cfg     Config
	lim     *limiter.Limiter
	st      *stats.Stats
	cpu     CPUSampler
	logger  *slog.Logger
	baseline float64
}

// New builds a Tuner. cpu may be nil.
func New(cfg Config, lim *limiter.Limiter, st *stats.Stats, cpu CPUSampler, logger *slog.Logger) *Tuner {
	return &Tuner{cfg: cfg, lim: lim, st: st, cpu: cpu, logger: logger}
}

// Run blocks, adjusting concurrency every cfg.Interval until ctx is done.
func (t *Tuner) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Tuner) tick() {
	snap := t.st.SnapshotWindow()
	cur := t.lim.GetTarget()
	avgLatency := stats.MeanLatency(snap)

	var cpuVal float64
	haveCPU := false
	if t.cpu != nil {
		if v, ok := t.cpu(); ok {
			cpuVal, haveCPU = v, true
		}
	}

	if t.baseline == 0 && avgLatency > 0 && (snap.OK+snap.Err) > 0 {
		t.baseline = avgLatency
	}

	congested := stats.Congested(snap)
	if haveCPU && cpuVal >= t.cfg.CPUHigh {
		congested = true
	}
	if t.baseline > 0 && avgLatency > 0 && snap.Err > 0 && avgLatency >= 2*t.baseline {
		congested = true
	}

	var next int
	switch {
	case congested:
		next = cur * 7 / 10
		if next < 1 {
			next = 1
		}
	case haveCPU && cpuVal > t.cfg.CPULow:
		next = cur // hold
	default:
		next = cur
		if cur < t.cfg.MaxLimit {
			next = cur + 1
		}
	}

	if next != cur {
		t.lim.SetTarget(next)
	}
	t.st.RecordConcurrency(t.lim.GetTarget())

	if t.logger != nil {
		t.logger.Debug("concurrency tuned",
			"prev", cur, "next", t.lim.GetTarget(), "congested", congested,
			"cpu", cpuVal, "avg_latency_s", avgLatency)
	}
}
