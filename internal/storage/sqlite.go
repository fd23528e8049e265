package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the durable work-item queue. All mutation goes through
// UpdateItem so that read-modify-write cycles are atomic; callers never
// rewrite rows from stale in-memory copies.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "redpost.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

const itemColumns = `id, keyword, title, body, tags, images, status,
	created_at, approved_at, rejected_at, published_at,
	approved_by, note_id, share_url, publish_error, source_channel_ref`

// AppendItem inserts a new work item. The item id must be unique.
func (s *Store) AppendItem(item WorkItem) error {
	if item.Status == "" {
		item.Status = StatusPending
	}
	if !item.Status.Valid() {
		return fmt.Errorf("invalid status %q", item.Status)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	tags, err := marshalList(item.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	images, err := marshalList(item.Images)
	if err != nil {
		return fmt.Errorf("encoding images: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO work_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Keyword, item.Title, item.Body, tags, images, string(item.Status),
		item.CreatedAt.UTC().Format(time.RFC3339), nullTime(item.ApprovedAt), nullTime(item.RejectedAt), nullTime(item.PublishedAt),
		item.ApprovedBy, item.NoteID, item.ShareURL, item.PublishError, item.SourceChannelRef,
	)
	if err != nil {
		return fmt.Errorf("inserting work item: %w", err)
	}
	return nil
}

// GetItem returns the work item with the given id, or ErrNotFound.
func (s *Store) GetItem(id string) (WorkItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	return scanItem(row)
}

// ListItems returns items newest-first, optionally filtered by status.
// A limit <= 0 means no limit.
func (s *Store) ListItems(status Status, limit int) ([]WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// OldestWithStatus returns the least recently created item with the given
// status, or ErrNotFound if there is none.
func (s *Store) OldestWithStatus(status Status) (WorkItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM work_items
		WHERE status = ? ORDER BY created_at ASC LIMIT 1`, string(status))
	return scanItem(row)
}

// UpdateItem applies mutate to the stored item inside a transaction and
// rewrites the row. If mutate returns an error the row is left unchanged
// and the error is returned alongside the current item. This is the only
// mutation primitive; it keeps concurrent read-modify-write cycles from
// losing updates.
func (s *Store) UpdateItem(id string, mutate func(*WorkItem) error) (WorkItem, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return WorkItem{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		return WorkItem{}, err
	}

	if err := mutate(&item); err != nil {
		return item, err
	}
	if !item.Status.Valid() {
		return item, fmt.Errorf("invalid status %q", item.Status)
	}

	tags, err := marshalList(item.Tags)
	if err != nil {
		return item, fmt.Errorf("encoding tags: %w", err)
	}
	images, err := marshalList(item.Images)
	if err != nil {
		return item, fmt.Errorf("encoding images: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE work_items SET keyword = ?, title = ?, body = ?, tags = ?, images = ?, status = ?,
			approved_at = ?, rejected_at = ?, published_at = ?,
			approved_by = ?, note_id = ?, share_url = ?, publish_error = ?, source_channel_ref = ?
		WHERE id = ?`,
		item.Keyword, item.Title, item.Body, tags, images, string(item.Status),
		nullTime(item.ApprovedAt), nullTime(item.RejectedAt), nullTime(item.PublishedAt),
		item.ApprovedBy, item.NoteID, item.ShareURL, item.PublishError, item.SourceChannelRef,
		id,
	)
	if err != nil {
		return item, fmt.Errorf("updating work item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return item, fmt.Errorf("committing update: %w", err)
	}
	return item, nil
}

// Stats returns item counts by status plus today's activity.
func (s *Store) Stats() (QueueStats, error) {
	var stats QueueStats

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusApproved:
			stats.Approved = count
		case StatusRejected:
			stats.Rejected = count
		case StatusPublished:
			stats.Published = count
		case StatusPublishFailed:
			stats.PublishFailed = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM work_items WHERE created_at LIKE ?`, today+"%").Scan(&stats.TodayCreated); err != nil {
		return stats, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM work_items WHERE published_at LIKE ?`, today+"%").Scan(&stats.TodayPublished); err != nil {
		return stats, err
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (WorkItem, error) {
	var item WorkItem
	var tags, images, status, createdAt string
	var approvedAt, rejectedAt, publishedAt sql.NullString

	err := row.Scan(
		&item.ID, &item.Keyword, &item.Title, &item.Body, &tags, &images, &status,
		&createdAt, &approvedAt, &rejectedAt, &publishedAt,
		&item.ApprovedBy, &item.NoteID, &item.ShareURL, &item.PublishError, &item.SourceChannelRef,
	)
	if err == sql.ErrNoRows {
		return WorkItem{}, ErrNotFound
	}
	if err != nil {
		return WorkItem{}, err
	}

	item.Status = Status(status)
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return WorkItem{}, fmt.Errorf("decoding tags: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &item.Images); err != nil {
		return WorkItem{}, fmt.Errorf("decoding images: %w", err)
	}

	if item.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return WorkItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if item.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return WorkItem{}, fmt.Errorf("parsing approved_at: %w", err)
	}
	if item.RejectedAt, err = parseNullTime(rejectedAt); err != nil {
		return WorkItem{}, fmt.Errorf("parsing rejected_at: %w", err)
	}
	if item.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return WorkItem{}, fmt.Errorf("parsing published_at: %w", err)
	}
	return item, nil
}

func marshalList(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
