package story

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// timeLayout keeps nanoseconds at a fixed width so updated_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists story documents in SQLite. Documents are stored as
// zstd-compressed JSON.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore opens (or creates) the story database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	// The DSN pragma applies to every pooled connection.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stories (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		image_uuid TEXT NOT NULL,
		document BLOB NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stories_image ON stories(image_uuid);
	CREATE INDEX IF NOT EXISTS idx_stories_updated ON stories(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or replaces st. A story without a UUID is assigned one.
func (s *Store) Save(st *Story) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st.Sanitize()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if st.UUID == "" {
		st.UUID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		var created string
		err := s.db.QueryRow("SELECT created_at FROM stories WHERE uuid = ?", st.UUID).Scan(&created)
		switch {
		case err == nil:
			st.CreatedAt, _ = time.Parse(timeLayout, created)
		case errors.Is(err, sql.ErrNoRows):
			st.CreatedAt = now
		default:
			return err
		}
	}
	st.UpdatedAt = now

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal story: %w", err)
	}
	doc := s.enc.EncodeAll(raw, nil)

	_, err = s.db.Exec(`
		INSERT INTO stories (uuid, name, image_uuid, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			image_uuid = excluded.image_uuid,
			document = excluded.document,
			updated_at = excluded.updated_at
	`,
		st.UUID,
		st.Name,
		st.ImageUUID,
		doc,
		st.CreatedAt.UTC().Format(timeLayout),
		st.UpdatedAt.Format(timeLayout),
	)
	return err
}

// Get loads a story by UUID.
func (s *Store) Get(id string) (*Story, error) {
	var doc []byte
	err := s.db.QueryRow("SELECT document FROM stories WHERE uuid = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	raw, err := s.dec.DecodeAll(doc, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress story %s: %w", id, err)
	}
	var st Story
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal story %s: %w", id, err)
	}
	return &st, nil
}

// List returns every story, most recently updated first.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT uuid, name, image_uuid, updated_at
		FROM stories
		ORDER BY updated_at DESC, uuid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var updated string
		if err := rows.Scan(&sum.UUID, &sum.Name, &sum.ImageUUID, &updated); err != nil {
			return nil, err
		}
		sum.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a story.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM stories WHERE uuid = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
