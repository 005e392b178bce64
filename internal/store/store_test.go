package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/mgarcia/boeingest/internal/model"
)

func TestPathsForIsStableAndDistinctPerURL(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data1, meta1 := s.PathsFor("https://www.boe.es/a")
	data2, meta2 := s.PathsFor("https://www.boe.es/a")
	if data1 != data2 || meta1 != meta2 {
		t.Fatalf("PathsFor not stable across calls")
	}

	dataOther, _ := s.PathsFor("https://www.boe.es/b")
	if data1 == dataOther {
		t.Fatalf("different URLs collided on the same data path")
	}
}

func TestWriteBytesThenLoadMetaRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	url := "https://www.boe.es/diario_boe/xml.php?id=BOE-A-2026-1"
	body := []byte("<x/>")
	meta := model.StoredMeta{ETag: `"abc"`, LastModified: "Thu, 01 Jan 2026 00:00:00 GMT"}

	if err := s.WriteBytes(url, body, meta); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	got, err := s.LoadMeta(url)
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if got.ETag != meta.ETag || got.LastModified != meta.LastModified {
		t.Fatalf("LoadMeta = %+v, want %+v", got, meta)
	}

	cached, err := s.ReadCached(url)
	if err != nil {
		t.Fatalf("ReadCached: %v", err)
	}
	if !bytes.Equal(cached, body) {
		t.Fatalf("ReadCached = %q, want %q", cached, body)
	}
}

func TestLoadMetaOnMissingSidecarReturnsZeroValue(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	meta, err := s.LoadMeta("https://www.boe.es/never-written")
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if !meta.Empty() {
		t.Fatalf("expected empty meta, got %+v", meta)
	}
}

func TestStreamIntoComputesSha256AndPersistsIt(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body := []byte("<x/>")
	want := sha256.Sum256(body)
	wantHex := hex.EncodeToString(want[:])

	digest, n, err := s.StreamInto("https://www.boe.es/c", bytes.NewReader(body), model.StoredMeta{})
	if err != nil {
		t.Fatalf("StreamInto: %v", err)
	}
	if digest != wantHex {
		t.Fatalf("digest = %s, want %s", digest, wantHex)
	}
	if n != int64(len(body)) {
		t.Fatalf("n = %d, want %d", n, len(body))
	}

	meta, err := s.LoadMeta("https://www.boe.es/c")
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if meta.Sha256 != wantHex {
		t.Fatalf("sidecar sha256 = %s, want %s", meta.Sha256, wantHex)
	}
}

func TestPromoteIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	url := "https://www.boe.es/d"
	body := []byte("<x/>")
	if err := s.WriteBytes(url, body, model.StoredMeta{}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	dataPath, _ := s.PathsFor(url)
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])

	dest1, err := s.Promote(model.FormatXML, digest, dataPath)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if !Exists(dest1) {
		t.Fatalf("promoted file missing at %s", dest1)
	}

	// Remove the source slot; a second Promote call must still succeed
	// without copying, since the destination already exists.
	if err := os.Remove(dataPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	dest2, err := s.Promote(model.FormatXML, digest, dataPath)
	if err != nil {
		t.Fatalf("Promote (idempotent): %v", err)
	}
	if dest1 != dest2 {
		t.Fatalf("dest changed across idempotent Promote calls: %s vs %s", dest1, dest2)
	}

	got, err := os.ReadFile(dest2)
	if err != nil {
		t.Fatalf("ReadFile promoted: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("promoted content = %q, want %q", got, body)
	}

	wantPath := filepath.Join(s.Root(), "xml", digest+".xml")
	if dest1 != wantPath {
		t.Fatalf("promoted path = %s, want %s", dest1, wantPath)
	}
}
