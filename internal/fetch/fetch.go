// Package fetch implements the conditional HTTP fetcher: a single-URL GET
// with cache-validator negotiation, retry/backoff, Retry-After honoring,
// and a one-shot 412 recovery path (spec §4.B).
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mgarcia/boeingest/internal/model"
	"github.com/mgarcia/boeingest/internal/store"
)

// Options configure one Fetch call. Every field is required; callers
// typically build one Options from CLI flags and reuse it across targets.
type Options struct {
	Retries    int
	BaseDelay  time.Duration
	CapDelay   time.Duration
	Jitter     JitterMode
	ReturnBytes bool
	NoCache    bool
}

// Result is the outcome of a successful or not-modified Fetch call.
type Result struct {
	Bytes   []byte // nil unless Options.ReturnBytes (on a 304: the cached bytes)
	Meta    model.StoredMeta
	Status  int
	Headers http.Header
}

// Fetcher performs conditional GETs against a Store-backed cache.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	Logger    *slog.Logger
	Debug     bool
	DebugAll  bool
}

// New builds a Fetcher with the given total-request timeout applied to
// every attempt (spec §5: "a single total-request timeout applies to
// every fetch").
func New(timeout time.Duration, userAgent string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
		Logger:    logger,
	}
}

func buildHeaders(accept string, meta model.StoredMeta, noCache bool) http.Header {
	h := http.Header{}
	h.Set("Accept", accept)
	if !noCache {
		if meta.ETag != "" {
			h.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			h.Set("If-Modified-Since", meta.LastModified)
		}
	}
	return h
}

func updateMetaFromHeaders(meta *model.StoredMeta, h http.Header) {
	if v := h.Get("ETag"); v != "" {
		meta.ETag = v
	}
	if v := h.Get("Last-Modified"); v != "" {
		meta.LastModified = v
	}
	if v := h.Get("Content-Type"); v != "" {
		meta.ContentType = v
	}
}

func (f *Fetcher) debugf(format string, args ...any) {
	if (f.Debug || f.DebugAll) && f.Logger != nil {
		f.Logger.Debug(fmt.Sprintf(format, args...))
	}
}

func (f *Fetcher) do(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	return f.Client.Do(req)
}

// Fetch performs a conditional GET for target.URL, persisting to s on
// success, and returns the tagged outcome described in spec §4.B and
// DESIGN NOTES §9 (NotModified/Ok folded into Result; Retryable/Fatal/
// Transport folded into *Error).
func (f *Fetcher) Fetch(ctx context.Context, s *store.Store, target model.Target, opts Options) (*Result, error) {
	meta, err := s.LoadMeta(target.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: load meta: %w", err)
	}
	headers := buildHeaders(target.AcceptHeader, meta, opts.NoCache)
	f.debugf("[HTTP DEBUG] REQUEST GET %s headers=%v", target.URL, headers)

	var lastErr error
	sleep := opts.BaseDelay

	for attempt := 1; attempt <= opts.Retries; attempt++ {
		resp, err := f.do(ctx, target.URL, cloneHeader(headers))
		if err != nil {
			classified := classifyTransportError(err, target.URL)
			lastErr = classified
			if attempt >= opts.Retries {
				break
			}
			sleep = computeBackoff(opts.Jitter, sleep, opts.BaseDelay, opts.CapDelay, attempt)
			time.Sleep(sleep)
			continue
		}

		result, retryErr, fatalErr := f.handleResponse(ctx, s, target, resp, &meta, opts)
		if fatalErr != nil {
			return nil, fatalErr
		}
		if retryErr == nil {
			return result, nil
		}

		lastErr = retryErr
		if attempt >= opts.Retries {
			break
		}
		if retryErr.RetryAfter > 0 {
			time.Sleep(minDuration(opts.CapDelay, retryErr.RetryAfter))
			continue
		}
		sleep = computeBackoff(opts.Jitter, sleep, opts.BaseDelay, opts.CapDelay, attempt)
		time.Sleep(sleep)
	}

	if e, ok := lastErr.(*Error); ok {
		return nil, e
	}
	return nil, &Error{Kind: KindClient, URL: target.URL, Detail: fmt.Sprintf("exhausted %d retries: %v", opts.Retries, lastErr), cause: lastErr}
}

// handleResponse processes one HTTP response. It returns exactly one of:
// a Result (success, including 412-recovery and 304), a retryable *Error
// (caller should sleep and retry), or a fatal error (non-retryable,
// returned to the caller immediately per spec §4.B).
func (f *Fetcher) handleResponse(ctx context.Context, s *store.Store, target model.Target, resp *http.Response, meta *model.StoredMeta, opts Options) (*Result, *Error, error) {
	defer resp.Body.Close()
	status := resp.StatusCode

	if status == http.StatusNotModified {
		return f.handleNotModified(s, target, *meta, resp.Header, opts.ReturnBytes)
	}

	if status == http.StatusPreconditionFailed && !opts.NoCache {
		// One-shot recovery: retry once, unconditionally, with fresh meta.
		// This path does not consume the retry budget (spec §4.B).
		result, err := f.fetchUnconditional(ctx, s, target, opts)
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	}

	if status >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		f.debugf("[HTTP DEBUG] ERROR BODY (first 200 bytes): %q", body)
		if status == 429 || status == 503 || status >= 500 {
			retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, &Error{Kind: KindHTTP, Status: status, URL: target.URL, Detail: string(body), RetryAfter: retryAfter}, nil
		}
		return nil, nil, &Error{Kind: KindHTTP, Status: status, URL: target.URL, Detail: string(body)}
	}

	updateMetaFromHeaders(meta, resp.Header)
	result, err := f.persist(s, target, resp, *meta, opts.ReturnBytes)
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}

func (f *Fetcher) handleNotModified(s *store.Store, target model.Target, meta model.StoredMeta, headers http.Header, returnBytes bool) (*Result, *Error, error) {
	var body []byte
	if returnBytes {
		cached, err := s.ReadCached(target.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch: read cached on 304: %w", err)
		}
		body = cached
	}
	return &Result{Bytes: body, Meta: meta, Status: http.StatusNotModified, Headers: headers}, nil, nil
}

func (f *Fetcher) fetchUnconditional(ctx context.Context, s *store.Store, target model.Target, opts Options) (*Result, error) {
	meta := model.StoredMeta{}
	headers := http.Header{}
	headers.Set("Accept", target.AcceptHeader)
	f.debugf("[HTTP DEBUG] RETRY NO-CACHE GET %s headers=%v", target.URL, headers)

	resp, err := f.do(ctx, target.URL, headers)
	if err != nil {
		return nil, classifyTransportError(err, target.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		result, _, err := f.handleNotModified(s, target, meta, resp.Header, opts.ReturnBytes)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, URL: target.URL, Detail: string(body)}
	}
	updateMetaFromHeaders(&meta, resp.Header)
	return f.persist(s, target, resp, meta, opts.ReturnBytes)
}

// persist writes the response body to the cache slot, either buffering
// (when the caller needs the bytes back) or streaming-and-hashing, per
// spec §4.B's "buffer-and-write when return_bytes, otherwise
// stream-and-hash".
func (f *Fetcher) persist(s *store.Store, target model.Target, resp *http.Response, meta model.StoredMeta, returnBytes bool) (*Result, error) {
	if returnBytes {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, classifyTransportError(err, target.URL)
		}
		digest := sha256.Sum256(body)
		meta.Sha256 = hex.EncodeToString(digest[:])
		if err := s.WriteBytes(target.URL, body, meta); err != nil {
			return nil, fmt.Errorf("fetch: write bytes: %w", err)
		}
		return &Result{Bytes: body, Meta: meta, Status: resp.StatusCode, Headers: resp.Header}, nil
	}

	digest, _, err := s.StreamInto(target.URL, resp.Body, meta)
	if err != nil {
		return nil, fmt.Errorf("fetch: stream into store: %w", err)
	}
	meta.Sha256 = digest
	return &Result{Meta: meta, Status: resp.StatusCode, Headers: resp.Header}, nil
}

// classifyTransportError distinguishes a timed-out request (context
// deadline, or a net.Error reporting Timeout()) from any other transport
// or client-side failure, per spec §7's error_type ∈ {http, timeout,
// client}.
func classifyTransportError(err error, url string) *Error {
	kind := KindClient
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		kind = KindTimeout
	}
	return &Error{Kind: kind, URL: url, Detail: err.Error(), cause: err}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
