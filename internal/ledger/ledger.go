// Package ledger persists per-resource and per-attempt state to Postgres,
// with idempotent upsert semantics (non-null overwrites, null preserves)
// and a parallel per-attempt audit trail (spec §4.F).
//
// Grounded on the exact SQL in boe_downloader_db.py (DB_UPSERT_RESOURCE,
// DB_ATTEMPT_START/FINISH, DB_UPDATE_RESOURCE_FORMAT[_304]_SQL) and on the
// sqlx-over-pgx-stdlib wiring pattern seen in the pack (cognitive
// microservice: `sql.Open("pgx", dsn)`).
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mgarcia/boeingest/internal/model"
)

// Ledger wraps a connection pool opened against a Postgres DSN.
type Ledger struct {
	db *sqlx.DB
}

// Open connects to dsn via the pgx stdlib driver and bootstraps the
// ingest schema idempotently.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: bootstrap schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying pool.
func (l *Ledger) Close() error { return l.db.Close() }

// NewWithDB wraps an already-open sqlx.DB, bypassing dial and schema
// bootstrap. Exported for tests that inject a go-sqlmock connection
// (the pattern jordigilh-kubernaut uses to unit-test repository SQL
// without a live Postgres).
func NewWithDB(db *sqlx.DB) *Ledger { return &Ledger{db: db} }

const upsertResourceSQL = `
INSERT INTO ingest.resource (source_kind, resource_key, url_xml, url_json, url_pdf)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (source_kind, resource_key)
DO UPDATE SET
  url_xml  = COALESCE(EXCLUDED.url_xml,  ingest.resource.url_xml),
  url_json = COALESCE(EXCLUDED.url_json, ingest.resource.url_json),
  url_pdf  = COALESCE(EXCLUDED.url_pdf,  ingest.resource.url_pdf),
  updated_at = now()
RETURNING resource_id;
`

// UpsertResource inserts or merges a resource row, preserving any
// already-stored URL when the new value is empty (spec's COALESCE
// merge invariant). Empty strings are treated as NULL.
func (l *Ledger) UpsertResource(ctx context.Context, sourceKind, resourceKey, urlXML, urlJSON, urlPDF string) (string, error) {
	var id string
	err := l.db.QueryRowxContext(ctx, upsertResourceSQL,
		sourceKind, resourceKey, nullify(urlXML), nullify(urlJSON), nullify(urlPDF)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ledger: upsert resource: %w", err)
	}
	return id, nil
}

const attemptStartSQL = `
INSERT INTO ingest.attempt (resource_id, format, request_url, accept_header, requested_at)
VALUES ($1,$2,$3,$4, now())
RETURNING attempt_id;
`

// AttemptStart opens a new attempt row and returns its id.
func (l *Ledger) AttemptStart(ctx context.Context, resourceID string, format model.Format, requestURL, acceptHeader string) (string, error) {
	var id string
	err := l.db.QueryRowxContext(ctx, attemptStartSQL,
		resourceID, string(format), requestURL, nullify(acceptHeader)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ledger: attempt start: %w", err)
	}
	return id, nil
}

const attemptFinishSQL = `
UPDATE ingest.attempt
SET finished_at = now(),
    duration_ms = $2,
    http_status = $3,
    response_headers = $4,
    content_type = $5,
    content_length = $6,
    sha256 = $7,
    storage_uri = $8,
    error_type = $9,
    error_detail = $10
WHERE attempt_id = $1;
`

// AttemptResult closes the open attempt identified by attemptID with its
// outcome. httpStatus 0 means no status was received (transport error).
type AttemptResult struct {
	DurationMS      int64
	HTTPStatus      int
	ResponseHeaders http.Header
	ContentType     string
	ContentLength   int64
	Sha256          string
	StorageURI      string
	ErrorType       string
	ErrorDetail     string
}

// AttemptFinish closes an open attempt with its final outcome.
func (l *Ledger) AttemptFinish(ctx context.Context, attemptID string, r AttemptResult) error {
	headersJSON, err := json.Marshal(flattenHeaders(r.ResponseHeaders))
	if err != nil {
		return fmt.Errorf("ledger: marshal response headers: %w", err)
	}
	_, err = l.db.ExecContext(ctx, attemptFinishSQL,
		attemptID, r.DurationMS, nullifyInt(r.HTTPStatus), headersJSON,
		nullify(r.ContentType), nullifyInt64(r.ContentLength),
		nullify(r.Sha256), nullify(r.StorageURI), nullify(r.ErrorType), nullify(r.ErrorDetail))
	if err != nil {
		return fmt.Errorf("ledger: attempt finish: %w", err)
	}
	return nil
}

var updateFormatSQL = map[model.Format]string{
	model.FormatXML: `
UPDATE ingest.resource
SET xml_downloaded = $2, xml_downloaded_at = $3, xml_http_status = $4,
    xml_sha256 = $5, xml_storage_uri = $6, xml_error = $7, updated_at = now()
WHERE resource_id = $1;`,
	model.FormatJSON: `
UPDATE ingest.resource
SET json_downloaded = $2, json_downloaded_at = $3, json_http_status = $4,
    json_sha256 = $5, json_storage_uri = $6, json_error = $7, updated_at = now()
WHERE resource_id = $1;`,
	model.FormatPDF: `
UPDATE ingest.resource
SET pdf_downloaded = $2, pdf_downloaded_at = $3, pdf_http_status = $4,
    pdf_sha256 = $5, pdf_storage_uri = $6, pdf_error = $7, updated_at = now()
WHERE resource_id = $1;`,
}

var updateFormat304SQL = map[model.Format]string{
	model.FormatXML: `
UPDATE ingest.resource
SET xml_downloaded = $2, xml_downloaded_at = $3, xml_http_status = $4, updated_at = now()
WHERE resource_id = $1;`,
	model.FormatJSON: `
UPDATE ingest.resource
SET json_downloaded = $2, json_downloaded_at = $3, json_http_status = $4, updated_at = now()
WHERE resource_id = $1;`,
	model.FormatPDF: `
UPDATE ingest.resource
SET pdf_downloaded = $2, pdf_downloaded_at = $3, pdf_http_status = $4, updated_at = now()
WHERE resource_id = $1;`,
}

var getFormatSQL = map[model.Format]string{
	model.FormatXML:  `SELECT xml_downloaded AS downloaded, xml_sha256 AS sha256, xml_storage_uri AS storage_uri FROM ingest.resource WHERE resource_id = $1;`,
	model.FormatJSON: `SELECT json_downloaded AS downloaded, json_sha256 AS sha256, json_storage_uri AS storage_uri FROM ingest.resource WHERE resource_id = $1;`,
	model.FormatPDF:  `SELECT pdf_downloaded AS downloaded, pdf_sha256 AS sha256, pdf_storage_uri AS storage_uri FROM ingest.resource WHERE resource_id = $1;`,
}

// UpdateFormat records a completed (non-304) download outcome for one
// format column group.
func (l *Ledger) UpdateFormat(ctx context.Context, resourceID string, format model.Format, ok bool, downloadedAt time.Time, httpStatus int, sha256, storageURI, errText string) error {
	q, known := updateFormatSQL[format]
	if !known {
		return fmt.Errorf("ledger: unknown format %q", format)
	}
	_, err := l.db.ExecContext(ctx, q, resourceID, ok, nullifyTime(downloadedAt), nullifyInt(httpStatus), nullify(sha256), nullify(storageURI), nullify(errText))
	if err != nil {
		return fmt.Errorf("ledger: update format %s: %w", format, err)
	}
	return nil
}

// UpdateFormatNotModified records a 304 cache-hit outcome, leaving the
// stored sha256/storage_uri untouched.
func (l *Ledger) UpdateFormatNotModified(ctx context.Context, resourceID string, format model.Format, ok bool, downloadedAt time.Time, httpStatus int) error {
	q, known := updateFormat304SQL[format]
	if !known {
		return fmt.Errorf("ledger: unknown format %q", format)
	}
	_, err := l.db.ExecContext(ctx, q, resourceID, ok, nullifyTime(downloadedAt), nullifyInt(httpStatus))
	if err != nil {
		return fmt.Errorf("ledger: update format (304) %s: %w", format, err)
	}
	return nil
}

// FormatStatus is the result of GetFormatStatus.
type FormatStatus struct {
	Downloaded bool
	Sha256     string
	StorageURI string
}

// GetFormatStatus reads the current download status for one resource's
// format column group, used by the pipeline to skip already-complete work.
func (l *Ledger) GetFormatStatus(ctx context.Context, resourceID string, format model.Format) (FormatStatus, error) {
	q, known := getFormatSQL[format]
	if !known {
		return FormatStatus{}, fmt.Errorf("ledger: unknown format %q", format)
	}
	var row struct {
		Downloaded bool    `db:"downloaded"`
		Sha256     *string `db:"sha256"`
		StorageURI *string `db:"storage_uri"`
	}
	err := l.db.GetContext(ctx, &row, q, resourceID)
	if err != nil {
		return FormatStatus{}, fmt.Errorf("ledger: get format status: %w", err)
	}
	status := FormatStatus{Downloaded: row.Downloaded}
	if row.Sha256 != nil {
		status.Sha256 = *row.Sha256
	}
	if row.StorageURI != nil {
		status.StorageURI = *row.StorageURI
	}
	return status, nil
}

func nullify(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullifyInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullifyInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullifyTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
