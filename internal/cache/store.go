// Package cache persists URL resolutions and extracted article content in an
// embedded SQLite database so repeated runs never re-fetch resolved items.
package cache

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/prensa-labs/newsward/internal/metrics"
)

// ErrUnavailable wraps store-level failures (disk, locking) so callers can
// degrade to cache-miss behavior instead of aborting work.
var ErrUnavailable = errors.New("cache unavailable")

const schema = `
CREATE TABLE IF NOT EXISTS url_resolution (
	indirect_url TEXT PRIMARY KEY,
	direct_url   TEXT,
	method       TEXT,
	resolved_at  TIMESTAMP,
	attempts     INTEGER DEFAULT 1,
	success      BOOLEAN DEFAULT 1
);

CREATE TABLE IF NOT EXISTS content_cache (
	url               TEXT PRIMARY KEY,
	title             TEXT,
	content           TEXT,
	date_raw          TEXT,
	date_iso          TEXT,
	author            TEXT,
	description       TEXT,
	word_count        INTEGER,
	http_status       INTEGER,
	extraction_method TEXT,
	cached_at         TIMESTAMP,
	content_hash      TEXT,
	confidence        REAL
);

CREATE INDEX IF NOT EXISTS idx_resolution_resolved_at ON url_resolution(resolved_at);
CREATE INDEX IF NOT EXISTS idx_content_cached_at ON content_cache(cached_at);
CREATE INDEX IF NOT EXISTS idx_content_hash ON content_cache(content_hash);
`

// ResolutionRecord is one row of the resolution cache, keyed by indirect URL.
type ResolutionRecord struct {
	IndirectURL string
	DirectURL   string
	Method      string
	ResolvedAt  time.Time
	Attempts    int
	Success     bool
}

// ContentRecord is one row of the content cache, keyed by direct URL.
type ContentRecord struct {
	URL              string    `json:"url"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	DateRaw          string    `json:"date_raw"`
	DateISO          string    `json:"date_iso"`
	Author           string    `json:"author"`
	Description      string    `json:"description"`
	WordCount        int       `json:"word_count"`
	HTTPStatus       int       `json:"http_status"`
	ExtractionMethod string    `json:"extraction_method"`
	CachedAt         time.Time `json:"cached_at"`
	ContentHash      string    `json:"content_hash"`
	Confidence       float64   `json:"confidence"`
}

// Stats summarizes cache occupancy.
type Stats struct {
	Resolutions           int64
	SuccessfulResolutions int64
	ContentRecords        int64
}

// Store is the sole owner and writer of both cache tables. The underlying
// *sql.DB is safe for concurrent use; WAL mode allows readers alongside the
// single writer.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the cache database at path and applies the
// schema. Parent directories are created.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cache mkdir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache open: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache ping: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// OpenMemory opens an in-memory store for testing. MaxOpenConns(1) keeps all
// queries on the same in-memory database; cleanup is registered on t.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("cache.OpenMemory: %v", err)
	}
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache close: %w", err)
	}
	return nil
}

// GetResolution returns the cached resolution for an indirect URL, or nil on
// miss. Records with success=false behave as misses so failed resolutions are
// retried on later runs. Store errors are reported as ErrUnavailable.
func (s *Store) GetResolution(ctx context.Context, indirectURL string) (*ResolutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT indirect_url, direct_url, method, resolved_at, attempts, success
		 FROM url_resolution WHERE indirect_url = ? AND success = 1`, indirectURL)

	var rec ResolutionRecord
	var resolvedAt string
	err := row.Scan(&rec.IndirectURL, &rec.DirectURL, &rec.Method, &resolvedAt, &rec.Attempts, &rec.Success)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		metrics.IncCacheLookup("resolution", "miss")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: get resolution: %v", ErrUnavailable, err)
	}
	rec.ResolvedAt = parseStamp(resolvedAt)
	metrics.IncCacheLookup("resolution", "hit")
	return &rec, nil
}

// SaveResolution upserts a resolution record with attempts=1 and
// resolved_at=now. Last write wins.
func (s *Store) SaveResolution(ctx context.Context, indirectURL, directURL, method string, success bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO url_resolution
		 (indirect_url, direct_url, method, resolved_at, attempts, success)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		indirectURL, directURL, method, formatStamp(time.Now()), success)
	if err != nil {
		return fmt.Errorf("%w: save resolution: %v", ErrUnavailable, err)
	}
	return nil
}

// GetContent returns the cached content record for a URL, or nil on miss.
// Unlike resolutions, content hits are returned regardless of prior success.
func (s *Store) GetContent(ctx context.Context, url string) (*ContentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, title, content, date_raw, date_iso, author, description,
		        word_count, http_status, extraction_method, cached_at, content_hash, confidence
		 FROM content_cache WHERE url = ?`, url)

	var rec ContentRecord
	var cachedAt string
	err := row.Scan(&rec.URL, &rec.Title, &rec.Content, &rec.DateRaw, &rec.DateISO,
		&rec.Author, &rec.Description, &rec.WordCount, &rec.HTTPStatus,
		&rec.ExtractionMethod, &cachedAt, &rec.ContentHash, &rec.Confidence)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		metrics.IncCacheLookup("content", "miss")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: get content: %v", ErrUnavailable, err)
	}
	rec.CachedAt = parseStamp(cachedAt)
	metrics.IncCacheLookup("content", "hit")
	return &rec, nil
}

// SaveContent upserts a content record, computing content_hash from the body
// and stamping cached_at=now.
func (s *Store) SaveContent(ctx context.Context, url string, rec ContentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO content_cache
		 (url, title, content, date_raw, date_iso, author, description,
		  word_count, http_status, extraction_method, cached_at, content_hash, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		url, rec.Title, rec.Content, rec.DateRaw, rec.DateISO, rec.Author, rec.Description,
		rec.WordCount, rec.HTTPStatus, rec.ExtractionMethod, formatStamp(time.Now()),
		HashContent(rec.Content), rec.Confidence)
	if err != nil {
		return fmt.Errorf("%w: save content: %v", ErrUnavailable, err)
	}
	return nil
}

// Cleanup removes records older than the given number of days from both
// tables and returns the number of rows deleted.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	cutoff := formatStamp(time.Now().AddDate(0, 0, -olderThanDays))

	var total int64
	for _, q := range []string{
		`DELETE FROM url_resolution WHERE resolved_at < ?`,
		`DELETE FROM content_cache WHERE cached_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("%w: cleanup: %v", ErrUnavailable, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// GetStats returns row counts for both tables.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		q    string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM url_resolution`, &st.Resolutions},
		{`SELECT COUNT(*) FROM url_resolution WHERE success = 1`, &st.SuccessfulResolutions},
		{`SELECT COUNT(*) FROM content_cache`, &st.ContentRecords},
	}
	for _, c := range queries {
		if err := s.db.QueryRowContext(ctx, c.q).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("%w: stats: %v", ErrUnavailable, err)
		}
	}
	return st, nil
}

// HashContent returns the hex MD5 digest of content, or "" for empty content.
// The digest is a dedup key, not a security boundary.
func HashContent(content string) string {
	if content == "" {
		return ""
	}
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Timestamps are stored as UTC RFC3339 strings so lexicographic comparison in
// SQL matches chronological order and prior-run databases stay readable.
func formatStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
