// Package gdrive mirrors the daily consultation archive into a Google Drive
// folder, one Google Doc per day.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const docMimeType = "application/vnd.google-apps.document"

// files is the slice of the Drive API the syncer needs.
type files interface {
	Find(ctx context.Context, name, folderID string) (string, error)
	Create(ctx context.Context, name, folderID string, media io.Reader) (string, error)
	Update(ctx context.Context, fileID string, media io.Reader) error
}

// Syncer uploads archive files for dates marked dirty. Uploads are retried on
// the next pass until they succeed.
type Syncer struct {
	files      files
	folderID   string
	archiveDir string

	mu      sync.Mutex
	fileIDs map[string]string
	dirty   map[string]struct{}
	kick    chan struct{}
}

func NewSyncer(ctx context.Context, credPath, folderID, archiveDir string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(driveFiles{svc: svc}, folderID, archiveDir), nil
}

func newSyncer(f files, folderID, archiveDir string) *Syncer {
	return &Syncer{
		files:      f,
		folderID:   folderID,
		archiveDir: archiveDir,
		fileIDs:    make(map[string]string),
		dirty:      make(map[string]struct{}),
		kick:       make(chan struct{}, 1),
	}
}

// MarkDirty queues date (YYYY-MM-DD) for upload and wakes Run.
func (s *Syncer) MarkDirty(date string) {
	s.mu.Lock()
	s.dirty[date] = struct{}{}
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run uploads dirty dates whenever MarkDirty is called and every interval
// until ctx is done. Pending dates get one last attempt on the way out.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			s.flush(flushCtx)
			cancel()
			return nil
		case <-s.kick:
			s.flush(ctx)
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *Syncer) flush(ctx context.Context) {
	s.mu.Lock()
	dates := make([]string, 0, len(s.dirty))
	for d := range s.dirty {
		dates = append(dates, d)
	}
	s.mu.Unlock()
	sort.Strings(dates)

	for _, date := range dates {
		if err := s.Sync(ctx, date); err != nil {
			slog.Warn("drive sync failed", "date", date, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.dirty, date)
		s.mu.Unlock()
	}
}

// Sync uploads the archive file for date, creating the Drive document on
// first use.
func (s *Syncer) Sync(ctx context.Context, date string) error {
	localPath := filepath.Join(s.archiveDir, date+".md")
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	name := fmt.Sprintf("ghost-scribe-%s", date)

	s.mu.Lock()
	fileID, ok := s.fileIDs[date]
	s.mu.Unlock()

	if !ok {
		fileID, err = s.files.Find(ctx, name, s.folderID)
		if err != nil {
			return fmt.Errorf("drive lookup: %w", err)
		}
	}

	if fileID != "" {
		if err := s.files.Update(ctx, fileID, f); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
	} else {
		fileID, err = s.files.Create(ctx, name, s.folderID, f)
		if err != nil {
			return fmt.Errorf("drive create: %w", err)
		}
	}

	s.mu.Lock()
	s.fileIDs[date] = fileID
	s.mu.Unlock()
	return nil
}

type driveFiles struct {
	svc *drive.Service
}

func (d driveFiles) Find(ctx context.Context, name, folderID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeQuery(name), escapeQuery(folderID))
	list, err := d.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func (d driveFiles) Create(ctx context.Context, name, folderID string, media io.Reader) (string, error) {
	doc, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: docMimeType,
		Parents:  []string{folderID},
	}).Media(media).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if doc.Id == "" {
		return "", errors.New("drive returned no file id")
	}
	return doc.Id, nil
}

func (d driveFiles) Update(ctx context.Context, fileID string, media io.Reader) error {
	_, err := d.svc.Files.Update(fileID, &drive.File{}).Media(media).Context(ctx).Do()
	return err
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
