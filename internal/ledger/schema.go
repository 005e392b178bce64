package ledger

// schema bootstraps the ingest schema idempotently. Column layout mirrors
// the original's ingest.resource/ingest.attempt tables (boe_downloader_db.py);
// this module never shipped a CREATE TABLE of its own, so the layout here
// is reconstructed from the columns its SQL statements reference.
const schema = `
CREATE SCHEMA IF NOT EXISTS ingest;

CREATE TABLE IF NOT EXISTS ingest.resource (
	resource_id       uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	source_kind       text NOT NULL,
	resource_key      text NOT NULL,
	url_xml           text,
	url_json          text,
	url_pdf           text,
	xml_downloaded    boolean NOT NULL DEFAULT false,
	xml_downloaded_at timestamptz,
	xml_http_status   integer,
	xml_sha256        text,
	xml_storage_uri   text,
	xml_error         text,
	json_downloaded    boolean NOT NULL DEFAULT false,
	json_downloaded_at timestamptz,
	json_http_status   integer,
	json_sha256        text,
	json_storage_uri   text,
	json_error         text,
	pdf_downloaded    boolean NOT NULL DEFAULT false,
	pdf_downloaded_at timestamptz,
	pdf_http_status   integer,
	pdf_sha256        text,
	pdf_storage_uri   text,
	pdf_error         text,
	created_at        timestamptz NOT NULL DEFAULT now(),
	updated_at        timestamptz NOT NULL DEFAULT now(),
	UNIQUE (source_kind, resource_key)
);

CREATE TABLE IF NOT EXISTS ingest.attempt (
	attempt_id        uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	resource_id       uuid NOT NULL REFERENCES ingest.resource(resource_id),
	format            text NOT NULL,
	request_url       text NOT NULL,
	accept_header     text,
	requested_at      timestamptz NOT NULL,
	finished_at       timestamptz,
	duration_ms       integer,
	http_status       integer,
	response_headers  jsonb,
	content_type      text,
	content_length    bigint,
	sha256            text,
	storage_uri       text,
	error_type        text,
	error_detail      text
);

CREATE INDEX IF NOT EXISTS attempt_resource_id_idx ON ingest.attempt (resource_id);
`
