package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"

	"github.com/mgarcia/boeingest/internal/dashboard"
	"github.com/mgarcia/boeingest/internal/fetch"
	"github.com/mgarcia/boeingest/internal/ledger"
	"github.com/mgarcia/boeingest/internal/limiter"
	"github.com/mgarcia/boeingest/internal/model"
	"github.com/mgarcia/boeingest/internal/pipeline"
	"github.com/mgarcia/boeingest/internal/stats"
	"github.com/mgarcia/boeingest/internal/store"
	"github.com/mgarcia/boeingest/internal/tuner"
	"github.com/mgarcia/boeingest/internal/util"
)

// commonFlags holds the options shared by every subcommand, grounded on
// boe_downloader_eli.py's top-level argparse group (--store, --db-dsn,
// --concurrency, --jitter, ...).
type commonFlags struct {
	store            string
	formats          []string
	timeout          time.Duration
	retries          int
	concurrency      string
	concurrencyStart int
	concurrencyMax   int
	uiRefresh        time.Duration
	debugHTTP        bool
	debugHTTPAll     bool
	noCache          bool
	cpuHigh          float64
	cpuLow           float64
	jitter           string
	baseDelay        time.Duration
	capDelay         time.Duration
	openWeb          bool
	webHost          string
	webPort          int
	dbDSN            string
	noDB             bool
}

var common commonFlags

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&common.store, "store", "./boe_store", "base storage directory")
	f.StringSliceVar(&common.formats, "formats", []string{"xml"}, "formats to download: subset of xml,json,pdf")
	f.DurationVar(&common.timeout, "timeout", 90*time.Second, "total per-request timeout")
	f.IntVar(&common.retries, "retries", 6, "max retries per URL on 429/5xx/transient errors")
	f.StringVar(&common.concurrency, "concurrency", "auto", "fixed concurrency N, or auto for the AIMD tuner")
	f.IntVar(&common.concurrencyStart, "concurrency-start", 10, "starting concurrency under auto")
	f.IntVar(&common.concurrencyMax, "concurrency-max", 25, "concurrency ceiling under auto")
	f.DurationVar(&common.uiRefresh, "ui-refresh", 800*time.Millisecond, "AIMD tuner tick interval under auto (the dashboard page polls every 800ms)")
	f.BoolVar(&common.debugHTTP, "debug-http", false, "log request headers and error-response bodies at debug level (response headers are not logged)")
	f.BoolVar(&common.debugHTTPAll, "debug-http-all", false, "same logging as --debug-http")
	f.BoolVar(&common.noCache, "no-cache", false, "disable conditional requests; still writes to disk")
	f.Float64Var(&common.cpuHigh, "cpu-high", 85.0, "auto: shrink concurrency once host CPU exceeds this percent")
	f.Float64Var(&common.cpuLow, "cpu-low", 70.0, "auto: allow growth once host CPU is below this percent")
	f.StringVar(&common.jitter, "jitter", "decorrelated", "retry backoff jitter: decorrelated or full")
	f.DurationVar(&common.baseDelay, "base-delay", 500*time.Millisecond, "backoff base delay")
	f.DurationVar(&common.capDelay, "cap-delay", 20*time.Second, "backoff cap delay")
	f.BoolVar(&common.openWeb, "open-web", false, "start the dashboard server for this run")
	f.StringVar(&common.webHost, "web-host", "127.0.0.1", "dashboard host shown in the startup log; the server listens on all interfaces")
	f.IntVar(&common.webPort, "web-port", 8000, "dashboard bind port")
	f.StringVar(&common.dbDSN, "db-dsn", os.Getenv("BOE_DB_DSN"), "PostgreSQL DSN (or BOE_DB_DSN)")
	f.BoolVar(&common.noDB, "no-db", false, "disable ledger recording")
}

// configError marks a startup failure that should exit with code 2
// (spec §6: "configuration error (bad port, missing DSN when required)").
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newConfigError(format string, args ...any) *configError {
	return &configError{err: fmt.Errorf(format, args...)}
}

// runtimeComponents bundles everything a subcommand needs to hand targets
// to the pipeline, built once per invocation by newRuntime.
type runtimeComponents struct {
	logger   *slog.Logger
	store    *store.Store
	fetcher  *fetch.Fetcher
	limiter  *limiter.Limiter
	stats    *stats.Stats
	ledger   *ledger.Ledger
	dash     *dashboard.State
	dashSrv  *dashboard.Server
	tuner    *tuner.Tuner
	tunerCtx context.Context
	stopTune context.CancelFunc
}

// newRuntime wires store, fetcher, limiter, stats, and (optionally)
// ledger/dashboard/tuner from commonFlags, validating the configuration
// errors spec §6 calls out explicitly.
func newRuntime(ctx context.Context) (*runtimeComponents, error) {
	if common.webPort <= 0 || common.webPort > 65535 {
		return nil, newConfigError("web-port out of range (1-65535): %d", common.webPort)
	}
	if !common.noDB && common.dbDSN == "" {
		return nil, newConfigError("--db-dsn (or BOE_DB_DSN) is required unless --no-db is set")
	}
	if common.jitter != string(fetch.JitterDecorrelated) && common.jitter != string(fetch.JitterFull) {
		return nil, newConfigError("jitter must be %q or %q, got %q", fetch.JitterDecorrelated, fetch.JitterFull, common.jitter)
	}

	logLevel := slog.LevelInfo
	if appConfig != nil {
		logLevel = appConfig.GetLogLevel(slog.LevelInfo)
	}
	if common.debugHTTP || common.debugHTTPAll {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	s, err := store.Open(common.store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	fetcher := fetch.New(common.timeout, "boeingest/1.0", logger)
	fetcher.Debug = common.debugHTTP
	fetcher.DebugAll = common.debugHTTPAll

	maxLimit, start := concurrencyBounds()
	lim := limiter.New(maxLimit, start)
	st := stats.New(maxLimit)

	rc := &runtimeComponents{logger: logger, store: s, fetcher: fetcher, limiter: lim, stats: st}

	if !common.noDB {
		l, err := ledger.Open(ctx, common.dbDSN)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		rc.ledger = l
	}

	if common.openWeb {
		state := dashboard.NewState()
		state.SetLimits(int64(maxLimit), 0)
		rc.dash = state
		rc.dashSrv = dashboard.New(common.webPort, state, logger)
	}

	if common.concurrency == "auto" {
		tunerCtx, stop := context.WithCancel(ctx)
		rc.tunerCtx, rc.stopTune = tunerCtx, stop
		rc.tuner = tuner.New(tuner.Config{
			Interval: common.uiRefresh,
			CPUHigh:  common.cpuHigh,
			CPULow:   common.cpuLow,
			MaxLimit: maxLimit,
		}, lim, st, processCPUPercent, logger)
	}

	return rc, nil
}

// concurrencyBounds resolves --concurrency into the limiter's
// (maxLimit, start) pair: a fixed N behaves as if max==start==N, auto
// spans [concurrencyStart, concurrencyMax].
func concurrencyBounds() (maxLimit, start int) {
	if common.concurrency == "auto" {
		return common.concurrencyMax, common.concurrencyStart
	}
	n, err := strconv.Atoi(common.concurrency)
	if err != nil || n < 1 {
		n = common.concurrencyStart
	}
	return n, n
}

func processCPUPercent() (float64, bool) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, false
	}
	return pcts[0], true
}

// run drives one ingestion command end to end: starts auxiliary
// goroutines (tuner, dashboard), runs the pipeline over targets until
// completion or a SIGINT/SIGTERM, then tears everything down in the
// order spec §5's cancellation rules describe.
func run(cmdLabel, accept, manifestName string, targets []model.Target, rc *runtimeComponents) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	rc.logger.Info("runtime information", "maxOSThreads", runtime.NumCPU())
	rc.logger.Info("goroutine info", "details", util.Info())
	rc.logger.Info("starting run", "cmd", cmdLabel, "run_id", runID, "targets", len(targets))

	if rc.dashSrv != nil {
		go func() {
			if err := rc.dashSrv.Start(); err != nil {
				rc.logger.Error("dashboard server failed", "error", err)
			}
		}()
		rc.logger.Info("dashboard listening", "host", common.webHost, "port", common.webPort)
	}
	if rc.tuner != nil {
		go rc.tuner.Run(rc.tunerCtx)
	}

	manifest, err := pipeline.OpenManifest(filepath.Join(rc.store.IndexDir(), manifestName))
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer manifest.Close()

	p := &pipeline.Pipeline{Store: rc.store, Fetcher: rc.fetcher, Limiter: rc.limiter, Stats: rc.stats, Manifest: manifest}
	opts := pipeline.Options{
		RunID:  runID,
		Cmd:    cmdLabel,
		Accept: accept,
		FetchOpts: fetch.Options{
			Retries:     common.retries,
			BaseDelay:   common.baseDelay,
			CapDelay:    common.capDelay,
			Jitter:      fetch.JitterMode(common.jitter),
			ReturnBytes: false,
			NoCache:     common.noCache,
		},
		Ledger:  rc.ledger,
		Logger:  rc.logger,
	}
	if rc.dash != nil {
		opts.Dashboard = rc.dash
	}

	runErr := p.Run(ctx, targets, opts)

	if rc.stopTune != nil {
		rc.stopTune()
	}
	if rc.dashSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rc.dashSrv.Shutdown(shutdownCtx); err != nil {
			rc.logger.Error("dashboard shutdown error", "error", err)
		}
	}
	if rc.ledger != nil {
		if err := rc.ledger.Close(); err != nil {
			rc.logger.Error("ledger close error", "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("%s: %w", cmdLabel, runErr)
	}
	cum := rc.stats.Cumulative()
	rc.logger.Info("run complete", "cmd", cmdLabel, "done", cum.Done, "ok", cum.OK,
		"skipped_304", cum.Skipped304, "errors", cum.Errors)
	return nil
}

// resolveAccept returns accept if set, otherwise the format-appropriate
// default Accept header.
func resolveAccept(accept string, format model.Format) string {
	if accept != "" {
		return accept
	}
	switch format {
	case model.FormatJSON:
		return "application/json"
	case model.FormatPDF:
		return "application/pdf"
	default:
		return "application/xml"
	}
}
