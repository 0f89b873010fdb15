package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/ghost-scribe/internal/draft"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
	// loc decides which calendar day a finalized consultation belongs to.
	// It matches the zone the markdown archive and Drive sync use.
	loc *time.Location
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "ghost-scribe.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now, loc: time.Local}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS draft_state (
			session_key TEXT NOT NULL,
			slot TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(session_key, slot)
		);
	`); err != nil {
		return fmt.Errorf("create draft_state table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS finalized_consultations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			consultation_id TEXT NOT NULL DEFAULT '',
			patient_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			completed_date TEXT NOT NULL DEFAULT '',
			duration_minutes INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create finalized_consultations table: %w", err)
	}

	if err := s.addCompletedDate(); err != nil {
		return err
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_finalized_completed_at ON finalized_consultations(completed_at)"); err != nil {
		return fmt.Errorf("create finalized index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_finalized_completed_date ON finalized_consultations(completed_date)"); err != nil {
		return fmt.Errorf("create finalized date index: %w", err)
	}

	return nil
}

// addCompletedDate upgrades databases created before records carried their
// local calendar day. Old rows fall back to their UTC day.
func (s *SQLiteStore) addCompletedDate() error {
	rows, err := s.db.Query(`PRAGMA table_info(finalized_consultations)`)
	if err != nil {
		return fmt.Errorf("inspect finalized_consultations: %w", err)
	}
	found := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan table info: %w", err)
		}
		if name == "completed_date" {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate table info: %w", err)
	}
	_ = rows.Close()
	if found {
		return nil
	}

	if _, err := s.db.Exec(`ALTER TABLE finalized_consultations ADD COLUMN completed_date TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("add completed_date column: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE finalized_consultations SET completed_date = substr(completed_at, 1, 10)`); err != nil {
		return fmt.Errorf("backfill completed_date: %w", err)
	}
	return nil
}

// dayOf is the history date a timestamp is filed under.
func (s *SQLiteStore) dayOf(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) PutDraftValue(sessionKey, slot string, payload []byte) error {
	if strings.TrimSpace(sessionKey) == "" {
		return errors.New("session key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO draft_state(session_key, slot, payload, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_key, slot) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		sessionKey,
		slot,
		string(payload),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %s for session %s: %w", slot, sessionKey, err)
	}
	return nil
}

// GetDraftValue returns nil, nil when the slot is absent.
func (s *SQLiteStore) GetDraftValue(sessionKey, slot string) ([]byte, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM draft_state WHERE session_key = ? AND slot = ?`,
		sessionKey,
		slot,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s for session %s: %w", slot, sessionKey, err)
	}
	return []byte(payload), nil
}

func (s *SQLiteStore) DeleteDraftValue(sessionKey, slot string) error {
	if _, err := s.db.Exec(`DELETE FROM draft_state WHERE session_key = ? AND slot = ?`, sessionKey, slot); err != nil {
		return fmt.Errorf("delete %s for session %s: %w", slot, sessionKey, err)
	}
	return nil
}

func (s *SQLiteStore) ClearDraft(sessionKey string) error {
	if _, err := s.db.Exec(`DELETE FROM draft_state WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("clear draft for session %s: %w", sessionKey, err)
	}
	return nil
}

// CompleteDraft clears the draft and records the finalization in one
// transaction.
func (s *SQLiteStore) CompleteDraft(sessionKey string, rec draft.FinalizedRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin complete draft: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM draft_state WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("clear draft for session %s: %w", sessionKey, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO finalized_consultations(session_key, consultation_id, patient_id, started_at, completed_at, completed_date, duration_minutes, message_count)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionKey,
		rec.ConsultationID,
		rec.PatientID,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		s.dayOf(rec.CompletedAt),
		rec.DurationMinutes,
		rec.MessageCount,
	); err != nil {
		return fmt.Errorf("record finalized consultation for session %s: %w", sessionKey, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete draft: %w", err)
	}
	return nil
}

// GetFinalizedByDate lists the consultations finalized on a local calendar
// day given as YYYY-MM-DD.
func (s *SQLiteStore) GetFinalizedByDate(date string) ([]draft.FinalizedRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_key, consultation_id, patient_id, started_at, completed_at, duration_minutes, message_count
		 FROM finalized_consultations
		 WHERE completed_date = ?
		 ORDER BY completed_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query finalized consultations by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	return scanFinalized(rows)
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT completed_date AS date FROM finalized_consultations ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func scanFinalized(rows *sql.Rows) ([]draft.FinalizedRecord, error) {
	records := make([]draft.FinalizedRecord, 0, 16)
	for rows.Next() {
		var rec draft.FinalizedRecord
		var startedAt, completedAt string
		if err := rows.Scan(&rec.SessionKey, &rec.ConsultationID, &rec.PatientID, &startedAt, &completedAt, &rec.DurationMinutes, &rec.MessageCount); err != nil {
			return nil, fmt.Errorf("scan finalized consultation: %w", err)
		}

		var err error
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if rec.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finalized rows: %w", err)
	}

	return records, nil
}
