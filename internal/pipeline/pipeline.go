// Package pipeline fans a list of enumerated targets out across a bounded
// worker pool, orchestrating fetch -> ledger -> manifest per item (spec
// §4.H).
//
// Grounded on the goroutine-per-session style of the teacher's
// internal/registry/docker/private/service.go and on run_queue_download's
// worker()/handle_one() split in boe_downloader_pipeline.py: a fixed pool
// of workers pulls from a shared queue, each acquiring a limiter token
// before processing one item and releasing it once the item is handled.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mgarcia/boeingest/internal/fetch"
	"github.com/mgarcia/boeingest/internal/ledger"
	"github.com/mgarcia/boeingest/internal/limiter"
	"github.com/mgarcia/boeingest/internal/model"
	"github.com/mgarcia/boeingest/internal/stats"
	"github.com/mgarcia/boeingest/internal/store"
)

// StateSink receives dashboard updates as the run progresses. A nil
// StateSink disables dashboard reporting entirely.
type StateSink interface {
	SetRunInfo(runID, cmd string)
	SetStatus(status string)
	SetTotal(n int)
	SetConcurrency(n int)
	SyncTotals(cum model.RunStats)
	Touch()
}

// Options configures one pipeline Run.
type Options struct {
	RunID      string
	Cmd        string
	Accept     string
	FetchOpts  fetch.Options
	Ledger     *ledger.Ledger // nil disables ledger recording
	Dashboard  StateSink      // nil disables dashboard updates
	Logger     *slog.Logger
}

// Pipeline wires together the components a Run needs per item.
type Pipeline struct {
	Store    *store.Store
	Fetcher  *fetch.Fetcher
	Limiter  *limiter.Limiter
	Stats    *stats.Stats
	Manifest *ManifestWriter
}

// Run processes every target, writing one manifest record per outcome
// and returning only on a fatal (non-per-item) error: per-item fetch or
// ledger failures are recorded and the run continues.
func (p *Pipeline) Run(ctx context.Context, targets []model.Target, opts Options) error {
	if opts.Dashboard != nil {
		opts.Dashboard.SetRunInfo(opts.RunID, opts.Cmd)
		opts.Dashboard.SetStatus("RUNNING")
		opts.Dashboard.SetTotal(len(targets))
		opts.Dashboard.SetConcurrency(p.Limiter.GetTarget())
		opts.Dashboard.Touch()
	}

	queue := make(chan model.Target, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	g, gctx := errgroup.WithContext(ctx)
	workerCount := p.Limiter.MaxLimit()
	if workerCount > len(targets) && len(targets) > 0 {
		workerCount = len(targets)
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for target := range queue {
				if err := p.Limiter.Acquire(gctx); err != nil {
					return fmt.Errorf("pipeline: acquire token: %w", err)
				}
				p.handleOne(gctx, target, opts)
				p.Limiter.Release()
				p.Stats.RecordConcurrency(p.Limiter.InUse())
				if opts.Dashboard != nil {
					opts.Dashboard.SyncTotals(p.Stats.Cumulative())
					opts.Dashboard.Touch()
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if opts.Dashboard != nil {
		opts.Dashboard.SetStatus("DONE")
		opts.Dashboard.Touch()
	}
	return err
}

func (p *Pipeline) handleOne(ctx context.Context, target model.Target, opts Options) {
	start := time.Now()
	record := model.ManifestRecord{
		RunID: opts.RunID,
		Cmd:   opts.Cmd,
		Key:   target.Key,
		URL:   target.URL,
	}

	accept := target.AcceptHeader
	if accept == "" {
		accept = opts.Accept
	}
	target.AcceptHeader = accept
	if target.Format == "" {
		target.Format = inferFormat(target.URL, accept)
	}

	var resourceID string
	var attemptID string
	if opts.Ledger != nil {
		var err error
		resourceID, err = p.upsertResource(ctx, opts.Ledger, target)
		if err != nil {
			p.fail(record, "client", err.Error(), opts)
			return
		}

		existing, err := opts.Ledger.GetFormatStatus(ctx, resourceID, target.Format)
		if err == nil && existing.Downloaded && existing.Sha256 != "" && p.payloadExists(target.Format, existing) {
			p.finishCacheHit(ctx, target, resourceID, existing, record, start, opts)
			return
		}

		attemptID, err = opts.Ledger.AttemptStart(ctx, resourceID, target.Format, target.URL, accept)
		if err != nil {
			p.fail(record, "client", err.Error(), opts)
			return
		}
	}

	result, err := p.Fetcher.Fetch(ctx, p.Store, target, opts.FetchOpts)
	duration := time.Since(start)

	if err != nil {
		fe, _ := err.(*fetch.Error)
		status, kind, detail := 0, "client", err.Error()
		if fe != nil {
			status, kind, detail = fe.Status, string(fe.Kind), fe.Detail
		}
		p.Stats.Record(target.Format, status, duration, 0, false, kind)
		if opts.Ledger != nil && attemptID != "" {
			opts.Ledger.AttemptFinish(ctx, attemptID, ledger.AttemptResult{
				DurationMS: duration.Milliseconds(), HTTPStatus: status,
				ErrorType: kind, ErrorDetail: detail,
			})
			opts.Ledger.UpdateFormat(ctx, resourceID, target.Format, false, time.Time{}, status, "", "", detail)
		}
		p.fail(record, kind, detail, opts)
		return
	}

	nbytes := int64(len(result.Bytes))
	skipped304 := result.Status == http.StatusNotModified
	p.Stats.Record(target.Format, result.Status, duration, nbytes, skipped304, "")

	var storageURI string
	if !skipped304 && result.Meta.Sha256 != "" {
		dataPath, _ := p.Store.PathsFor(target.URL)
		if promoted, err := p.Store.Promote(target.Format, result.Meta.Sha256, dataPath); err != nil {
			if opts.Logger != nil {
				opts.Logger.Error("promote failed", "url", target.URL, "error", err)
			}
		} else if abs, err := filepath.Abs(promoted); err == nil {
			storageURI = "file://" + abs
		}
	}

	record.OK = true
	record.Status = result.Status
	record.ContentType = result.Meta.ContentType
	record.ETag = result.Meta.ETag
	record.LastModified = result.Meta.LastModified
	record.Sha256 = result.Meta.Sha256
	record.StorageURI = storageURI
	record.FetchedAt = time.Now().UTC()

	if opts.Ledger != nil {
		if attemptID != "" {
			headers := http.Header{}
			if result.Headers != nil {
				headers = result.Headers
			}
			opts.Ledger.AttemptFinish(ctx, attemptID, ledger.AttemptResult{
				DurationMS: duration.Milliseconds(), HTTPStatus: result.Status,
				ResponseHeaders: headers, ContentType: result.Meta.ContentType,
				ContentLength: nbytes, Sha256: result.Meta.Sha256, StorageURI: storageURI,
			})
		}
		if skipped304 {
			opts.Ledger.UpdateFormatNotModified(ctx, resourceID, target.Format, true, time.Now(), result.Status)
		} else {
			opts.Ledger.UpdateFormat(ctx, resourceID, target.Format, true, time.Now(), result.Status, result.Meta.Sha256, storageURI, "")
		}
	}

	if err := p.Manifest.Write(record); err != nil && opts.Logger != nil {
		opts.Logger.Error("manifest write failed", "url", target.URL, "error", err)
	}
}

// payloadExists reports whether a ledger "downloaded" row actually has a
// blob on disk to back it, per spec §4.H step 3: a ledger record alone is
// not sufficient grounds to skip a re-fetch.
func (p *Pipeline) payloadExists(format model.Format, existing ledger.FormatStatus) bool {
	path := existing.StorageURI
	if path == "" {
		path = p.Store.PromotedPath(format, existing.Sha256)
	} else {
		path = strings.TrimPrefix(path, "file://")
	}
	return store.Exists(path)
}

func (p *Pipeline) finishCacheHit(ctx context.Context, target model.Target, resourceID string, existing ledger.FormatStatus, record model.ManifestRecord, start time.Time, opts Options) {
	record.OK = true
	record.Status = http.StatusNotModified
	record.Sha256 = existing.Sha256
	record.StorageURI = existing.StorageURI
	record.FetchedAt = time.Now().UTC()
	p.Stats.Record(target.Format, http.StatusNotModified, time.Since(start), 0, true, "")
	if err := p.Manifest.Write(record); err != nil && opts.Logger != nil {
		opts.Logger.Error("manifest write failed", "url", target.URL, "error", err)
	}
}

func (p *Pipeline) fail(record model.ManifestRecord, kind, detail string, opts Options) {
	record.OK = false
	record.Error = fmt.Sprintf("%s: %s", kind, detail)
	if err := p.Manifest.Write(record); err != nil && opts.Logger != nil {
		opts.Logger.Error("manifest write failed", "url", record.URL, "error", err)
	}
}

func (p *Pipeline) upsertResource(ctx context.Context, l *ledger.Ledger, target model.Target) (string, error) {
	var urlXML, urlJSON, urlPDF string
	switch target.Format {
	case model.FormatXML:
		urlXML = target.URL
	case model.FormatJSON:
		urlJSON = target.URL
	case model.FormatPDF:
		urlPDF = target.URL
	}
	return l.UpsertResource(ctx, target.SourceKind, target.Key, urlXML, urlJSON, urlPDF)
}

// inferFormat guesses a target's payload format from its URL or Accept
// header when the enumerator didn't set one explicitly.
func inferFormat(url, accept string) model.Format {
	switch {
	case strings.Contains(accept, "pdf"), strings.HasSuffix(url, ".pdf"):
		return model.FormatPDF
	case strings.Contains(accept, "json"), strings.HasSuffix(url, ".json"):
		return model.FormatJSON
	default:
		return model.FormatXML
	}
}
