package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ManifestWriter appends JSON-lines records to a single file under a
// mutex, matching the original's asyncio.Lock-guarded write_manifest
// (spec §4.H step 6: "append-only manifest, one writer at a time").
type ManifestWriter struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// OpenManifest opens (creating if necessary) the manifest file at path
// for appending.
func OpenManifest(path string) (*ManifestWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: mkdir manifest dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open manifest: %w", err)
	}
	return &ManifestWriter{file: f, w: bufio.NewWriter(f)}, nil
}

// Write appends one record as a JSON line, flushing immediately so a
// crash mid-run loses at most the in-flight record.
func (m *ManifestWriter) Write(record any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("pipeline: marshal manifest record: %w", err)
	}
	b = append(b, '\n')
	if _, err := m.w.Write(b); err != nil {
		return fmt.Errorf("pipeline: write manifest record: %w", err)
	}
	return m.w.Flush()
}

// Close flushes and closes the underlying file.
func (m *ManifestWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.w.Flush(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}
