package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sjawhar/ghost-scribe/internal/draft"
)

// Writer keeps a daily markdown log of finalized consultations. Lines carry
// identifiers and timing only, never clinical text.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Append(rec draft.FinalizedRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.pathFor(rec.CompletedAt)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, FormatMarkdown(rec)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (w *Writer) pathFor(t time.Time) string {
	return filepath.Join(w.dir, t.Local().Format("2006-01-02")+".md")
}

// FormatMarkdown renders one archive line.
func FormatMarkdown(rec draft.FinalizedRecord) string {
	id := rec.ConsultationID
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("- **[%s]** consultation `%s` patient `%s`: %d min, %d messages",
		rec.CompletedAt.Local().Format("15:04:05"),
		id,
		rec.PatientID,
		rec.DurationMinutes,
		rec.MessageCount,
	)
}
