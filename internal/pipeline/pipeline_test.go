package pipeline

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/mgarcia/boeingest/internal/fetch"
	"github.com/mgarcia/boeingest/internal/ledger"
	"github.com/mgarcia/boeingest/internal/limiter"
	"github.com/mgarcia/boeingest/internal/model"
	"github.com/mgarcia/boeingest/internal/stats"
	"github.com/mgarcia/boeingest/internal/store"
)

func readManifestRecords(t *testing.T, path string) []model.ManifestRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	defer f.Close()

	var out []model.ManifestRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec model.ManifestRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("unmarshal manifest line: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestRunWritesOneManifestRecordPerTarget(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	manifest, err := OpenManifest(filepath.Join(dir, "index", "manifest.jsonl"))
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer manifest.Close()

	lim := limiter.New(2, 2)
	st := stats.New(2)
	f := fetch.New(time.Second, "boeingest-test", slog.Default())

	p := &Pipeline{Store: s, Fetcher: f, Limiter: lim, Stats: st, Manifest: manifest}

	var targets []model.Target
	for i := 0; i < 6; i++ {
		targets = append(targets, model.Target{
			Key:    srv.URL + "/" + string(rune('a'+i)),
			URL:    srv.URL + "/" + string(rune('a'+i)),
			Format: model.FormatXML,
		})
	}

	opts := Options{
		RunID:  "run-1",
		Cmd:    "sumario",
		Accept: "application/xml",
		FetchOpts: fetch.Options{
			Retries: 1, BaseDelay: time.Millisecond, CapDelay: 10 * time.Millisecond,
			Jitter: fetch.JitterFull, ReturnBytes: true,
		},
	}

	if err := p.Run(context.Background(), targets, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records := readManifestRecords(t, filepath.Join(dir, "index", "manifest.jsonl"))
	if len(records) != 6 {
		t.Fatalf("len(records) = %d, want 6", len(records))
	}
	for _, r := range records {
		if !r.OK {
			t.Fatalf("record for %s not OK: %+v", r.URL, r)
		}
	}

	if atomic.LoadInt32(&maxConcurrent) > 2 {
		t.Fatalf("observed concurrency %d exceeds limiter cap of 2", maxConcurrent)
	}

	cum := st.Cumulative()
	if cum.OK != 6 || cum.Done != 6 {
		t.Fatalf("stats = %+v, want 6 OK/Done", cum)
	}
}

func TestRunRecordsFailureWithoutAbortingOtherTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	manifest, err := OpenManifest(filepath.Join(dir, "index", "manifest.jsonl"))
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer manifest.Close()

	lim := limiter.New(2, 2)
	st := stats.New(2)
	f := fetch.New(time.Second, "boeingest-test", slog.Default())
	p := &Pipeline{Store: s, Fetcher: f, Limiter: lim, Stats: st, Manifest: manifest}

	targets := []model.Target{
		{Key: "bad", URL: srv.URL + "/bad", Format: model.FormatXML},
		{Key: "good", URL: srv.URL + "/good", Format: model.FormatXML},
	}
	opts := Options{
		RunID: "run-2", Cmd: "sumario", Accept: "application/xml",
		FetchOpts: fetch.Options{Retries: 2, BaseDelay: time.Millisecond, CapDelay: 10 * time.Millisecond, Jitter: fetch.JitterFull, ReturnBytes: true},
	}

	if err := p.Run(context.Background(), targets, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records := readManifestRecords(t, filepath.Join(dir, "index", "manifest.jsonl"))
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	var sawFail, sawOK bool
	for _, r := range records {
		if r.Key == "bad" && !r.OK {
			sawFail = true
		}
		if r.Key == "good" && r.OK {
			sawOK = true
		}
	}
	if !sawFail || !sawOK {
		t.Fatalf("records = %+v, want one failed 'bad' and one ok 'good'", records)
	}
}

// TestRunWithLedgerPromotesThenSkipsOnSecondRun exercises the ledger-backed
// path end to end: a cold run must upsert the resource, start/finish an
// attempt, promote the fetched blob to its content-addressed path, and
// record that path as storage_uri; a second run against the same resource
// must see the ledger's "already downloaded" row, verify the promoted blob
// still exists on disk, and skip the HTTP fetch entirely (spec §4.H steps
// 3-4, Testable Property #5).
func TestRunWithLedgerPromotesThenSkipsOnSecondRun(t *testing.T) {
	const resourceID = "11111111-1111-1111-1111-111111111111"
	const attemptID = "22222222-2222-2222-2222-222222222222"
	const body = "<doc/>"

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	manifest, err := OpenManifest(filepath.Join(dir, "index", "manifest.jsonl"))
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer manifest.Close()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer mockDB.Close()
	mock.MatchExpectationsInOrder(true)
	l := ledger.NewWithDB(sqlx.NewDb(mockDB, "sqlmock"))

	target := model.Target{Key: "doc-1", URL: srv.URL + "/doc-1", Format: model.FormatXML, SourceKind: "sumario_item"}

	f := fetch.New(time.Second, "boeingest-test", slog.Default())
	opts := func() Options {
		return Options{
			RunID: "run-ledger", Cmd: "sumario", Accept: "application/xml",
			FetchOpts: fetch.Options{Retries: 1, BaseDelay: time.Millisecond, CapDelay: 10 * time.Millisecond, Jitter: fetch.JitterFull, ReturnBytes: true},
			Ledger:    l,
		}
	}

	// Cold run: resource not yet downloaded.
	mock.ExpectQuery("INSERT INTO ingest.resource").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"resource_id"}).AddRow(resourceID))
	mock.ExpectQuery("SELECT xml_downloaded").
		WithArgs(resourceID).
		WillReturnRows(sqlmock.NewRows([]string{"downloaded", "sha256", "storage_uri"}).AddRow(false, nil, nil))
	mock.ExpectQuery("INSERT INTO ingest.attempt").
		WithArgs(resourceID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"attempt_id"}).AddRow(attemptID))
	mock.ExpectExec("UPDATE ingest.attempt").
		WithArgs(attemptID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ingest.resource").
		WithArgs(resourceID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p1 := &Pipeline{Store: s, Fetcher: f, Limiter: limiter.New(1, 1), Stats: stats.New(1), Manifest: manifest}
	if err := p1.Run(context.Background(), []model.Target{target}, opts()); err != nil {
		t.Fatalf("cold Run: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls after cold run = %d, want 1", calls)
	}

	bodySum := sha256.Sum256([]byte(body))
	bodySha256 := hex.EncodeToString(bodySum[:])

	promoted := s.PromotedPath(model.FormatXML, bodySha256)
	if !store.Exists(promoted) {
		t.Fatalf("expected promoted blob at %s after cold run", promoted)
	}
	absPromoted, err := filepath.Abs(promoted)
	if err != nil {
		t.Fatalf("filepath.Abs: %v", err)
	}
	storageURI := "file://" + absPromoted

	// Warm run: ledger reports the resource already downloaded, with the
	// storage_uri pointing at the blob the cold run just promoted.
	mock.ExpectQuery("INSERT INTO ingest.resource").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"resource_id"}).AddRow(resourceID))
	mock.ExpectQuery("SELECT xml_downloaded").
		WithArgs(resourceID).
		WillReturnRows(sqlmock.NewRows([]string{"downloaded", "sha256", "storage_uri"}).AddRow(true, bodySha256, storageURI))

	p2 := &Pipeline{Store: s, Fetcher: f, Limiter: limiter.New(1, 1), Stats: stats.New(1), Manifest: manifest}
	if err := p2.Run(context.Background(), []model.Target{target}, opts()); err != nil {
		t.Fatalf("warm Run: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls after warm run = %d, want still 1 (no refetch on cache hit)", calls)
	}
	if st := p2.Stats.Cumulative(); st.Skipped304 != 1 || st.OK != 0 {
		t.Fatalf("warm run stats = %+v, want Skipped304=1 OK=0", st)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}
