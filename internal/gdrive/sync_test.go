package gdrive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type filesMock struct {
	mu        sync.Mutex
	existing  map[string]string
	createErr error
	creates   []string
	updates   map[string]string
	finds     int
}

func newFilesMock() *filesMock {
	return &filesMock{existing: map[string]string{}, updates: map[string]string{}}
}

func (m *filesMock) Find(_ context.Context, name, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	return m.existing[name], nil
}

func (m *filesMock) Create(_ context.Context, name, _ string, media io.Reader) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	body, _ := io.ReadAll(media)
	m.creates = append(m.creates, name)
	id := "file-" + name
	m.updates[id] = string(body)
	return id, nil
}

func (m *filesMock) Update(_ context.Context, fileID string, media io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, _ := io.ReadAll(media)
	m.updates[fileID] = string(body)
	return nil
}

func (m *filesMock) snapshot() (creates []string, updates map[string]string, finds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(m.updates))
	for k, v := range m.updates {
		cp[k] = v
	}
	return append([]string(nil), m.creates...), cp, m.finds
}

func writeArchive(t *testing.T, dir, date, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, date+".md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write archive failed: %v", err)
	}
}

func TestSyncCreatesThenUpdates(t *testing.T) {
	dir := t.TempDir()
	files := newFilesMock()
	s := newSyncer(files, "folder-1", dir)

	writeArchive(t, dir, "2026-03-04", "- line one\n")
	if err := s.Sync(context.Background(), "2026-03-04"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	writeArchive(t, dir, "2026-03-04", "- line one\n- line two\n")
	if err := s.Sync(context.Background(), "2026-03-04"); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}

	creates, updates, finds := files.snapshot()
	if len(creates) != 1 || creates[0] != "ghost-scribe-2026-03-04" {
		t.Fatalf("expected one create, got %v", creates)
	}
	if updates["file-ghost-scribe-2026-03-04"] != "- line one\n- line two\n" {
		t.Fatalf("expected updated content, got %q", updates["file-ghost-scribe-2026-03-04"])
	}
	if finds != 1 {
		t.Fatalf("expected the file id to be cached after the first lookup, got %d lookups", finds)
	}
}

func TestSyncReusesExistingDocument(t *testing.T) {
	dir := t.TempDir()
	files := newFilesMock()
	files.existing["ghost-scribe-2026-03-04"] = "doc-from-last-run"
	s := newSyncer(files, "folder-1", dir)

	writeArchive(t, dir, "2026-03-04", "- line\n")
	if err := s.Sync(context.Background(), "2026-03-04"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	creates, updates, _ := files.snapshot()
	if len(creates) != 0 {
		t.Fatalf("expected no create for an existing document, got %v", creates)
	}
	if updates["doc-from-last-run"] != "- line\n" {
		t.Fatalf("expected existing document updated, got %v", updates)
	}
}

func TestSyncMissingArchive(t *testing.T) {
	s := newSyncer(newFilesMock(), "folder-1", t.TempDir())
	if err := s.Sync(context.Background(), "2026-03-04"); err == nil {
		t.Fatal("expected error for a missing archive file")
	}
}

func TestRunRetriesFailedDates(t *testing.T) {
	dir := t.TempDir()
	files := newFilesMock()
	files.createErr = errors.New("quota exceeded")
	s := newSyncer(files, "folder-1", dir)
	writeArchive(t, dir, "2026-03-04", "- line\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 20*time.Millisecond) }()

	s.MarkDirty("2026-03-04")
	time.Sleep(50 * time.Millisecond)

	files.mu.Lock()
	files.createErr = nil
	files.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if creates, _, _ := files.snapshot(); len(creates) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for retried upload")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	s.mu.Lock()
	pending := len(s.dirty)
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected no pending dates, got %d", pending)
	}
}
