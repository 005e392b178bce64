// Package model holds the plain data types shared across the ingestion
// pipeline: work targets, cache sidecars, ledger rows, and run statistics.
package model

import "time"

// Format is one of the three payload shapes the source publishes.
type Format string

const (
	FormatXML Format = "xml"
	FormatPDF Format = "pdf"
	FormatJSON Format = "json"
)

// Target is a single unit of work produced by the enumerator and consumed
// by a pipeline worker.
type Target struct {
	Key          string
	URL          string
	Format       Format
	SourceKind   string
	AcceptHeader string
}

// StoredMeta is the per-URL cache sidecar written atomically alongside the
// blob it describes.
type StoredMeta struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Sha256       string    `json:"sha256,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	FetchedAt    time.Time `json:"fetched_at,omitempty"`
}

// Empty reports whether the sidecar carries no cache validators at all.
func (m StoredMeta) Empty() bool {
	return m.ETag == "" && m.LastModified == "" && m.Sha256 == ""
}

// Resource is the ledger row keyed by (SourceKind, ResourceKey). FormatState
// holds the per-format triplet described in spec §3.
type Resource struct {
	ResourceID   int64
	SourceKind   string
	ResourceKey  string
	URLXML       *string
	URLJSON      *string
	URLPDF       *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FormatState is the mutable per-format portion of a Resource row.
type FormatState struct {
	Downloaded   bool
	DownloadedAt *time.Time
	HTTPStatus   *int
	Sha256       *string
	StorageURI   *string
	Error        *string
}

// Attempt is one HTTP interaction against a resource. It is open from
// AttemptStart until AttemptFinish closes it.
type Attempt struct {
	AttemptID        int64
	ResourceID       int64
	Format           Format
	RequestURL       string
	AcceptHeader     string
	RequestedAt      time.Time
	FinishedAt       *time.Time
	DurationMS       *int64
	HTTPStatus       *int
	ResponseHeaders  map[string]string
	ContentType      *string
	ContentLength    *int64
	Sha256           *string
	StorageURI       *string
	ErrorType        *string
	ErrorDetail      *string
}

// ManifestRecord is one append-only JSON-lines event written to index/.
type ManifestRecord struct {
	RunID        string    `json:"run_id"`
	Cmd          string    `json:"cmd"`
	TS           time.Time `json:"ts"`
	Key          string    `json:"key"`
	URL          string    `json:"url"`
	OK           bool      `json:"ok"`
	Status       int       `json:"status,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Sha256       string    `json:"sha256,omitempty"`
	StorageURI   string    `json:"storage_uri,omitempty"`
	FetchedAt    time.Time `json:"fetched_at,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// WindowSnapshot is a bounded-time slice of metrics, reset on every read.
type WindowSnapshot struct {
	OK        int64
	Err       int64
	Status429 int64
	Status5xx int64
	Timeouts  int64
	Latencies []float64
	Started   time.Time
}

// RunStats is the cumulative, monotonic counter set plus the current
// rolling window. See internal/stats for the mutex-guarded owner.
type RunStats struct {
	Done                     int64
	OK                       int64
	Skipped304               int64
	Errors                   int64
	HTTP429                  int64
	HTTP5xx                  int64
	Bytes                    int64
	MaxConcurrencyReached    int64
	MaxConcurrencyConfigured int64

	// Per-format success counters, mirroring WebState's xml_ok/pdf_ok.
	XMLOk  int64
	JSONOk int64
	PDFOk  int64

	// Error-class breakdown, mirroring WebState's timeouts/client_errors/
	// other_errors.
	Timeouts     int64
	ClientErrors int64
	OtherErrors  int64

	// HTTP status-band breakdown across every received response,
	// mirroring WebState's http_2xx/3xx/4xx/5xx.
	HTTPBand2xx int64
	HTTPBand3xx int64
	HTTPBand4xx int64
	HTTPBand5xx int64
}
