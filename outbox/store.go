// Package outbox is the durable hand-off for finished drafts. Drafts are
// kept in SQLite until the chat side marks them delivered; voice audio can
// be uploaded to an S3-compatible bucket first.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"murmur/log"
	"murmur/orchestrator"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

var (
	ErrNotFound  = errors.New("draft not found")
	ErrDuplicate = errors.New("draft already stored")
)

// Uploader copies a recording somewhere the recipient can fetch it and
// returns its location.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Draft is a stored DraftMessage.
type Draft struct {
	ID          string
	Text        string
	AudioPath   string
	AudioURL    string
	Duration    time.Duration
	Samples     []float64
	ReplyTo     string
	Attachments []string
	CreatedAt   time.Time
	DeliveredAt time.Time
}

func (d Draft) Voice() bool { return d.AudioPath != "" }

func (d Draft) Delivered() bool { return !d.DeliveredAt.IsZero() }

type Store struct {
	db       *sql.DB
	uploader Uploader
}

// Open initializes the database at dir/drafts.db.
func Open(dir string, uploader Uploader) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, "drafts.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(dbPath, 0o600)
	return &Store{db: db, uploader: uploader}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS drafts (
		  id               TEXT PRIMARY KEY,
		  text             TEXT NOT NULL,
		  audio_path       TEXT,
		  audio_url        TEXT,
		  duration_ms      INTEGER NOT NULL DEFAULT 0,
		  samples_json     TEXT,
		  reply_to         TEXT,
		  attachments_json TEXT,
		  created_at       INTEGER NOT NULL,
		  delivered_at     INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_drafts_pending
		ON drafts(created_at)
		WHERE delivered_at IS NULL;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", 1)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}
	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// Deliver stores d. A voice draft is uploaded first when an uploader is
// configured; an upload failure stores nothing.
func (s *Store) Deliver(ctx context.Context, d orchestrator.DraftMessage) error {
	row := Draft{
		ID:          d.ID,
		Text:        d.Text,
		ReplyTo:     d.ReplyTo,
		Attachments: d.Attachments,
		CreatedAt:   d.CreatedAt,
	}
	if d.Recording != nil {
		row.AudioPath = d.Recording.Path
		row.Duration = d.Recording.Duration
		row.Samples = d.Recording.Samples
		if s.uploader != nil {
			url, err := s.uploader.Upload(ctx, row.AudioPath)
			if err != nil {
				return fmt.Errorf("upload %s: %w", filepath.Base(row.AudioPath), err)
			}
			row.AudioURL = url
		}
	}
	if err := s.insert(ctx, row); err != nil {
		return err
	}
	log.Infof("draft %s stored", row.ID)
	return nil
}

func (s *Store) insert(ctx context.Context, d Draft) error {
	samples, err := toNullJSON(d.Samples)
	if err != nil {
		return err
	}
	attachments, err := toNullJSON(d.Attachments)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO drafts (
			id, text, audio_path, audio_url, duration_ms, samples_json,
			reply_to, attachments_json, created_at, delivered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.Text, toNullString(d.AudioPath), toNullString(d.AudioURL),
		d.Duration.Milliseconds(), samples, toNullString(d.ReplyTo), attachments,
		d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
		}
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

type ListOptions struct {
	// Pending limits the result to drafts not yet delivered.
	Pending bool
	Limit   int
}

// List returns drafts newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts`
	if opts.Pending {
		query += " WHERE delivered_at IS NULL"
	}
	query += " ORDER BY created_at DESC, id DESC"
	var args []any
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

// Get returns the draft with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, err
}

// MarkDelivered records that the chat side picked the draft up. Marking
// twice keeps the first time.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drafts SET delivered_at = COALESCE(delivered_at, ?) WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const draftColumns = `id, text, audio_path, audio_url, duration_ms, samples_json,
	reply_to, attachments_json, created_at, delivered_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDraft(row scanner) (*Draft, error) {
	var (
		d                            Draft
		audioPath, audioURL, replyTo sql.NullString
		samplesJSON, attachments     sql.NullString
		durationMs, createdAt        int64
		deliveredAt                  sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.Text, &audioPath, &audioURL, &durationMs, &samplesJSON,
		&replyTo, &attachments, &createdAt, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	d.AudioPath = audioPath.String
	d.AudioURL = audioURL.String
	d.ReplyTo = replyTo.String
	d.Duration = time.Duration(durationMs) * time.Millisecond
	d.CreatedAt = time.UnixMilli(createdAt)
	if deliveredAt.Valid {
		d.DeliveredAt = time.UnixMilli(deliveredAt.Int64)
	}
	if samplesJSON.Valid {
		if err := json.Unmarshal([]byte(samplesJSON.String), &d.Samples); err != nil {
			return nil, fmt.Errorf("draft %s samples: %w", d.ID, err)
		}
	}
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &d.Attachments); err != nil {
			return nil, fmt.Errorf("draft %s attachments: %w", d.ID, err)
		}
	}
	return &d, nil
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullJSON[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
