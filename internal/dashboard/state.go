// Package dashboard exposes a polled snapshot of run progress as JSON and
// a small HTML page, mirroring the original's FastAPI dashboard (spec
// §4.I).
//
// Grounded on boe_downloader_web.py's WebState dataclass for the exact
// field set and mutation methods, and on the teacher's
// internal/server/{server,handlers}.go for the http.Server wrapper and
// route-registration style.
package dashboard

import (
	"sync"
	"time"

	"github.com/mgarcia/boeingest/internal/model"
)

// State is the thread-safe, mutex-guarded run-progress snapshot served by
// the dashboard. Field names mirror the original's WebState exactly so
// the JSON snapshot is a drop-in replacement for existing dashboards.
type State struct {
	mu sync.Mutex

	RunID                 string `json:"run_id"`
	Cmd                   string `json:"cmd"`
	Status                string `json:"status"`
	LastUpdateLocal       string `json:"last_update_local"`
	Total                 int    `json:"total"`
	Done                  int64  `json:"done"`
	OK                    int64  `json:"ok"`
	Bytes                 int64  `json:"bytes"`
	XMLOk                 int64  `json:"xml_ok"`
	JSONOk                int64  `json:"json_ok"`
	PDFOk                 int64  `json:"pdf_ok"`
	Skipped304            int64  `json:"skipped_304"`
	Errors                int64  `json:"errors"`
	HTTP429               int64  `json:"http_429"`
	HTTP5xx               int64  `json:"http_5xx"`
	HTTPBand2xx           int64  `json:"http_2xx"`
	HTTPBand3xx           int64  `json:"http_3xx"`
	HTTPBand4xx           int64  `json:"http_4xx"`
	Timeouts              int64  `json:"timeouts"`
	ClientErrors          int64  `json:"client_errors"`
	OtherErrors           int64  `json:"other_errors"`
	Concurrency           int    `json:"concurrency"`
	ConcurrencyMaxCfg     int64  `json:"concurrency_max_cfg"`
	MaxConcurrencyReached int64  `json:"max_concurrency_reached"`
	CPUPct                string `json:"cpu_pct"`
	RAMText               string `json:"ram_text"`
}

// NewState returns a State with the idle defaults the original dataclass uses.
func NewState() *State {
	return &State{Status: "IDLE", LastUpdateLocal: "-", CPUPct: "n/a", RAMText: "n/a"}
}

// Snapshot returns a value copy safe to serialize outside the lock.
func (s *State) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		RunID: s.RunID, Cmd: s.Cmd, Status: s.Status, LastUpdateLocal: s.LastUpdateLocal,
		Total: s.Total, Done: s.Done, OK: s.OK, Bytes: s.Bytes,
		XMLOk: s.XMLOk, JSONOk: s.JSONOk, PDFOk: s.PDFOk,
		Skipped304: s.Skipped304, Errors: s.Errors, HTTP429: s.HTTP429, HTTP5xx: s.HTTP5xx,
		HTTPBand2xx: s.HTTPBand2xx, HTTPBand3xx: s.HTTPBand3xx, HTTPBand4xx: s.HTTPBand4xx,
		Timeouts: s.Timeouts, ClientErrors: s.ClientErrors, OtherErrors: s.OtherErrors,
		Concurrency: s.Concurrency, ConcurrencyMaxCfg: s.ConcurrencyMaxCfg,
		MaxConcurrencyReached: s.MaxConcurrencyReached, CPUPct: s.CPUPct, RAMText: s.RAMText,
	}
}

func (s *State) SetRunInfo(runID, cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunID, s.Cmd = runID, cmd
}

func (s *State) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
}

// Touch stamps the last-update timestamp using local time, matching the
// original's "%d/%m/%Y %H:%M:%S" display format.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastUpdateLocal = time.Now().Local().Format("02/01/2006 15:04:05")
}

func (s *State) SetTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.Total = n
}

func (s *State) SetConcurrency(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.Concurrency = n
}

func (s *State) SetLimits(maxCfg, maxReached int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxCfg < 0 {
		maxCfg = 0
	}
	if maxReached < 0 {
		maxReached = 0
	}
	s.ConcurrencyMaxCfg = maxCfg
	s.MaxConcurrencyReached = maxReached
}

func (s *State) SetSystem(cpuPct, ramText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CPUPct = cpuPct
	s.RAMText = ramText
}

// SyncTotals overwrites the dashboard's cumulative counters from a
// stats.Stats snapshot (http_5xx comes from RunStats.HTTP5xx;
// RunStats.HTTPBand5xx and the concurrency fields are not copied),
// mirroring the original's WebState.sync_totals plus the
// per-format/error-class/HTTP-band breakdown the original tracked
// separately in WebState.update_item. Stats.Record already derives all
// of these fields from the same per-attempt outcome, so one copy keeps
// the dashboard and the run's cumulative counters from ever diverging.
func (s *State) SyncTotals(cum model.RunStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Done = clamp(cum.Done)
	s.OK = clamp(cum.OK)
	s.Bytes = clamp(cum.Bytes)
	s.XMLOk = clamp(cum.XMLOk)
	s.JSONOk = clamp(cum.JSONOk)
	s.PDFOk = clamp(cum.PDFOk)
	s.Skipped304 = clamp(cum.Skipped304)
	s.Errors = clamp(cum.Errors)
	s.HTTP429 = clamp(cum.HTTP429)
	s.HTTP5xx = clamp(cum.HTTP5xx)
	s.HTTPBand2xx = clamp(cum.HTTPBand2xx)
	s.HTTPBand3xx = clamp(cum.HTTPBand3xx)
	s.HTTPBand4xx = clamp(cum.HTTPBand4xx)
	s.Timeouts = clamp(cum.Timeouts)
	s.ClientErrors = clamp(cum.ClientErrors)
	s.OtherErrors = clamp(cum.OtherErrors)
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
