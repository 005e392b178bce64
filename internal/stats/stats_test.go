package stats

import (
	"testing"
	"time"

	"github.com/mgarcia/boeingest/internal/model"
)

func TestRecordOkUpdatesCumulativeAndWindow(t *testing.T) {
	s := New(10)
	s.Record(model.FormatXML, 200, 50*time.Millisecond, 1024, false, "")

	cum := s.Cumulative()
	if cum.Done != 1 || cum.OK != 1 || cum.Bytes != 1024 || cum.XMLOk != 1 {
		t.Fatalf("cumulative = %+v", cum)
	}

	win := s.SnapshotWindow()
	if win.OK != 1 {
		t.Fatalf("window.OK = %d, want 1", win.OK)
	}
	if Congested(win) {
		t.Fatalf("a clean 200 window must not be congested")
	}
}

func TestRecord429MarksCongestion(t *testing.T) {
	s := New(10)
	s.Record(model.FormatXML, 429, 0, 0, false, "client")

	win := s.SnapshotWindow()
	if win.Status429 != 1 || win.Err != 1 {
		t.Fatalf("window = %+v", win)
	}
	if !Congested(win) {
		t.Fatalf("a window with a 429 must be congested")
	}

	cum := s.Cumulative()
	if cum.HTTP429 != 1 || cum.Errors != 1 || cum.ClientErrors != 1 {
		t.Fatalf("cumulative = %+v", cum)
	}
}

func TestRecordSkipped304IsNeitherOkNorError(t *testing.T) {
	s := New(10)
	s.Record(model.FormatXML, 304, 10*time.Millisecond, 0, true, "")

	cum := s.Cumulative()
	if cum.Skipped304 != 1 || cum.Errors != 0 || cum.OK != 0 {
		t.Fatalf("cumulative = %+v, want Skipped304=1 OK=0 Errors=0", cum)
	}
	if cum.Done != cum.OK+cum.Skipped304+cum.Errors {
		t.Fatalf("Done=%d must equal OK+Skipped304+Errors, got %+v", cum.Done, cum)
	}
	// A 304 still counts in the HTTP status-band breakdown (grounded on
	// WebState.update_item, which bumps http_3xx before returning early).
	if cum.HTTPBand3xx != 1 {
		t.Fatalf("HTTPBand3xx = %d, want 1", cum.HTTPBand3xx)
	}
}

func TestRecordTimeoutIncrementsTimeoutsAndErrors(t *testing.T) {
	s := New(10)
	s.Record(model.FormatPDF, 0, 0, 0, false, "timeout")

	cum := s.Cumulative()
	if cum.Errors != 1 || cum.Timeouts != 1 {
		t.Fatalf("cumulative = %+v, want Errors=1 Timeouts=1", cum)
	}
	win := s.SnapshotWindow()
	if win.Timeouts != 1 || win.Err != 1 {
		t.Fatalf("window = %+v", win)
	}
}

func TestRecordServerErrorCountsOtherErrorsAndHTTP5xxBand(t *testing.T) {
	s := New(10)
	s.Record(model.FormatXML, 503, 0, 0, false, "other")

	cum := s.Cumulative()
	if cum.Errors != 1 || cum.OtherErrors != 1 || cum.HTTP5xx != 1 || cum.HTTPBand5xx != 1 {
		t.Fatalf("cumulative = %+v", cum)
	}
}

func TestSnapshotWindowResetsAfterRead(t *testing.T) {
	s := New(10)
	s.Record(model.FormatXML, 200, 0, 0, false, "")
	first := s.SnapshotWindow()
	if first.OK != 1 {
		t.Fatalf("first window OK = %d, want 1", first.OK)
	}
	second := s.SnapshotWindow()
	if second.OK != 0 {
		t.Fatalf("second window OK = %d, want 0 after reset", second.OK)
	}
}

func TestMeanLatencyComputesAverage(t *testing.T) {
	s := New(10)
	s.Record(model.FormatXML, 200, 100*time.Millisecond, 0, false, "")
	s.Record(model.FormatXML, 200, 300*time.Millisecond, 0, false, "")
	win := s.SnapshotWindow()

	got := MeanLatency(win)
	want := 0.2
	if diff := got - want; diff < -1e-9 || diff > 1e-9 {
		t.Fatalf("MeanLatency = %v, want %v", got, want)
	}
}

func TestRecordConcurrencyTracksHighWaterMark(t *testing.T) {
	s := New(10)
	s.RecordConcurrency(3)
	s.RecordConcurrency(7)
	s.RecordConcurrency(2)

	cum := s.Cumulative()
	if cum.MaxConcurrencyReached != 7 {
		t.Fatalf("MaxConcurrencyReached = %d, want 7", cum.MaxConcurrencyReached)
	}
}
