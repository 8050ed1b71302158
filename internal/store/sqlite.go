package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// SQLiteStore implements MetadataStore on SQLite with an FTS5 mirror of
// chunk text. WAL mode gives concurrent readers; a single writer connection
// avoids lock contention under the crawl worker pool.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	logger *slog.Logger
	closed bool

	ftsChecked bool // bootstrap check runs once per process
}

var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the metadata database at path.
// An empty path opens an in-memory database for testing.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, oerrors.New(oerrors.ErrCodeStoreOpen, "open metadata database", err)
	}

	// Single writer prevents SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite; DSN params are
	// ignored by the driver.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, oerrors.New(oerrors.ErrCodeStoreOpen, "set pragma", err)
		}
	}

	s := &SQLiteStore{db: db, path: dbPath, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, oerrors.New(oerrors.ErrCodeStoreOpen, "initialize schema", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, oerrors.New(oerrors.ErrCodeStoreOpen, "migrate schema", err)
	}
	return s, nil
}

// initSchema creates tables for a fresh database. Existing databases pass
// through unchanged; migrate handles older layouts.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS docsets (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		base_url      TEXT NOT NULL UNIQUE,
		seed_path     TEXT NOT NULL,
		allowed_paths TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pages (
		id              TEXT PRIMARY KEY,
		docset_id       TEXT NOT NULL REFERENCES docsets(id) ON DELETE CASCADE,
		url             TEXT NOT NULL,
		path            TEXT NOT NULL,
		title           TEXT,
		content_hash    TEXT,
		etag            TEXT,
		last_modified   TEXT,
		status          TEXT NOT NULL DEFAULT 'pending',
		error_message   TEXT,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		section         TEXT,
		fetched_at      TEXT,
		indexed_at      TEXT,
		last_attempt_at TEXT,
		created_at      TEXT NOT NULL,
		UNIQUE(docset_id, url)
	);
	CREATE INDEX IF NOT EXISTS idx_pages_docset_status ON pages(docset_id, status);

	CREATE TABLE IF NOT EXISTS chunks (
		id           TEXT PRIMARY KEY,
		page_id      TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
		docset_id    TEXT NOT NULL,
		content      TEXT NOT NULL,
		heading      TEXT,
		start_offset INTEGER NOT NULL,
		end_offset   INTEGER NOT NULL,
		chunk_index  INTEGER NOT NULL,
		embedding_id TEXT,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_page ON chunks(page_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		page_id UNINDEXED,
		docset_id UNINDEXED,
		url,
		title,
		heading,
		content,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (2);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migrate applies additive migrations for databases created by the older
// schema: missing retry/attempt columns, the section column, and the FTS
// mirror. The section backfill is derived deterministically from the URL
// path (second-to-last segment, or the last directory name).
func (s *SQLiteStore) migrate() error {
	cols, err := s.tableColumns("pages")
	if err != nil {
		return err
	}

	added := false
	addColumn := func(ddl string) error {
		added = true
		_, err := s.db.Exec(ddl)
		return err
	}

	if _, ok := cols["retry_count"]; !ok {
		if err := addColumn(`ALTER TABLE pages ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
	}
	if _, ok := cols["last_attempt_at"]; !ok {
		if err := addColumn(`ALTER TABLE pages ADD COLUMN last_attempt_at TEXT`); err != nil {
			return err
		}
	}
	if _, ok := cols["section"]; !ok {
		if err := addColumn(`ALTER TABLE pages ADD COLUMN section TEXT`); err != nil {
			return err
		}
		if _, err := s.db.Exec(`UPDATE pages SET section = '' WHERE section IS NULL`); err != nil {
			return err
		}
		if err := s.backfillSections(); err != nil {
			return err
		}
	}

	if added {
		s.logger.Info("schema_migrated", slog.String("table", "pages"))
	}
	return nil
}

// backfillSections derives the section label for every page from its URL
// path.
func (s *SQLiteStore) backfillSections() error {
	rows, err := s.db.Query(`SELECT id, path FROM pages`)
	if err != nil {
		return err
	}
	type rec struct{ id, path string }
	var recs []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.path); err != nil {
			_ = rows.Close()
			return err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, r := range recs {
		if _, err := s.db.Exec(`UPDATE pages SET section = ? WHERE id = ?`, SectionFromPath(r.path), r.id); err != nil {
			return err
		}
	}
	return nil
}

// SectionFromPath derives a section label from a URL path: the name of the
// directory containing the page, or "" at the root.
func SectionFromPath(p string) string {
	dir := path.Dir(strings.TrimSuffix(p, "/"))
	if dir == "/" || dir == "." {
		return ""
	}
	return path.Base(dir)
}

func (s *SQLiteStore) tableColumns(table string) (map[string]struct{}, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

// --- Docset operations ---

// CreateDocset inserts a docset. Name defaults to the base URL host;
// allowed paths default to the directory of the seed path ("/" when the
// seed sits at the root). Status starts pending.
func (s *SQLiteStore) CreateDocset(ctx context.Context, input CreateDocsetInput) (*Docset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}

	base, err := url.Parse(input.BaseURL)
	if err != nil || base.Host == "" {
		return nil, oerrors.New(oerrors.ErrCodeInvalidInput, fmt.Sprintf("invalid base URL %q", input.BaseURL), err)
	}

	name := input.Name
	if name == "" {
		name = base.Host
	}
	allowed := input.AllowedPaths
	if len(allowed) == 0 {
		allowed = []string{DefaultAllowedPath(input.SeedPath)}
	}
	allowedJSON, err := json.Marshal(allowed)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed paths: %w", err)
	}

	now := time.Now().UTC()
	d := &Docset{
		ID:           DocsetID(input.BaseURL),
		Name:         name,
		BaseURL:      input.BaseURL,
		SeedPath:     input.SeedPath,
		AllowedPaths: allowed,
		Status:       DocsetPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO docsets (id, name, base_url, seed_path, allowed_paths, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.BaseURL, d.SeedPath, string(allowedJSON), string(d.Status),
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, oerrors.New(oerrors.ErrCodeStoreWrite, "insert docset", err)
	}
	return d, nil
}

// DefaultAllowedPath returns the directory of the seed path, or "/" when
// the seed sits at the root.
func DefaultAllowedPath(seedPath string) string {
	dir := path.Dir(seedPath)
	if dir == "" || dir == "." {
		return "/"
	}
	return dir
}

// GetDocset returns the docset with the given ID, or NotFound.
func (s *SQLiteStore) GetDocset(ctx context.Context, id string) (*Docset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}
	return s.scanDocset(s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, seed_path, allowed_paths, status, created_at, updated_at
		 FROM docsets WHERE id = ?`, id), id)
}

// GetDocsetByURL returns the docset for a base URL, or NotFound. A second
// index request for the same base URL finds the existing record; no
// duplicate is created.
func (s *SQLiteStore) GetDocsetByURL(ctx context.Context, baseURL string) (*Docset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}
	return s.scanDocset(s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, seed_path, allowed_paths, status, created_at, updated_at
		 FROM docsets WHERE base_url = ?`, baseURL), baseURL)
}

func (s *SQLiteStore) scanDocset(row *sql.Row, key string) (*Docset, error) {
	var d Docset
	var allowedJSON, status, createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.Name, &d.BaseURL, &d.SeedPath, &allowedJSON, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, oerrors.NotFound("docset", key)
	}
	if err != nil {
		return nil, fmt.Errorf("scan docset: %w", err)
	}
	if err := json.Unmarshal([]byte(allowedJSON), &d.AllowedPaths); err != nil {
		return nil, fmt.Errorf("decode allowed paths: %w", err)
	}
	d.Status = DocsetStatus(status)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// ListDocsets returns all docsets ordered by creation time.
func (s *SQLiteStore) ListDocsets(ctx context.Context) ([]*Docset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, seed_path, allowed_paths, status, created_at, updated_at
		 FROM docsets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list docsets: %w", err)
	}
	defer rows.Close()

	var docsets []*Docset
	for rows.Next() {
		var d Docset
		var allowedJSON, status, createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.Name, &d.BaseURL, &d.SeedPath, &allowedJSON, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan docset: %w", err)
		}
		if err := json.Unmarshal([]byte(allowedJSON), &d.AllowedPaths); err != nil {
			return nil, fmt.Errorf("decode allowed paths: %w", err)
		}
		d.Status = DocsetStatus(status)
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		docsets = append(docsets, &d)
	}
	return docsets, rows.Err()
}

// UpdateDocsetStatus transitions a docset's lifecycle state and touches
// updated_at.
func (s *SQLiteStore) UpdateDocsetStatus(ctx context.Context, id string, status DocsetStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("metadata store")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE docsets SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "update docset status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return oerrors.NotFound("docset", id)
	}
	return nil
}

// DeleteDocset removes a docset and cascades pages, chunks, and FTS rows in
// a single transaction.
func (s *SQLiteStore) DeleteDocset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("metadata store")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE docset_id = ?`, id); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "delete FTS rows", err)
	}
	// chunks and pages cascade via foreign keys.
	res, err := tx.ExecContext(ctx, `DELETE FROM docsets WHERE id = ?`, id)
	if err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "delete docset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return oerrors.NotFound("docset", id)
	}
	return tx.Commit()
}

// --- Page operations ---

// CreatePage inserts a page. The page URL is unique within its docset;
// inserting a duplicate is an error.
func (s *SQLiteStore) CreatePage(ctx context.Context, page *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("metadata store")
	}

	if page.ID == "" {
		page.ID = PageID(page.DocsetID, page.URL)
	}
	if page.Status == "" {
		page.Status = PagePending
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}
	if page.Section == "" {
		page.Section = SectionFromPath(page.Path)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (id, docset_id, url, path, title, content_hash, etag, last_modified,
			status, error_message, retry_count, section, fetched_at, indexed_at, last_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		page.ID, page.DocsetID, page.URL, page.Path, page.Title, page.ContentHash,
		page.ETag, page.LastModified, string(page.Status), page.ErrorMessage,
		page.RetryCount, page.Section,
		formatTimePtr(page.FetchedAt), formatTimePtr(page.IndexedAt),
		formatTimePtr(page.LastAttemptAt), formatTime(page.CreatedAt))
	if err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "insert page", err)
	}
	return nil
}

const pageColumns = `id, docset_id, url, path, title, content_hash, etag, last_modified,
	status, error_message, retry_count, section, fetched_at, indexed_at, last_attempt_at, created_at`

// GetPage returns the page with the given ID, or NotFound.
func (s *SQLiteStore) GetPage(ctx context.Context, id string) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}
	return scanPage(s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE id = ?`, id), id)
}

// GetPageByURL returns the page with the exact canonical URL within a
// docset, or NotFound. No normalisation beyond what the extractor already
// produced.
func (s *SQLiteStore) GetPageByURL(ctx context.Context, docsetID, pageURL string) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}
	return scanPage(s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE docset_id = ? AND url = ?`, docsetID, pageURL), pageURL)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner, key string) (*Page, error) {
	var p Page
	var title, contentHash, etag, lastModified, errorMessage, section sql.NullString
	var status, createdAt string
	var fetchedAt, indexedAt, lastAttemptAt sql.NullString
	err := row.Scan(&p.ID, &p.DocsetID, &p.URL, &p.Path, &title, &contentHash,
		&etag, &lastModified, &status, &errorMessage, &p.RetryCount, &section,
		&fetchedAt, &indexedAt, &lastAttemptAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, oerrors.NotFound("page", key)
	}
	if err != nil {
		return nil, fmt.Errorf("scan page: %w", err)
	}
	p.Title = title.String
	p.ContentHash = contentHash.String
	p.ETag = etag.String
	p.LastModified = lastModified.String
	p.ErrorMessage = errorMessage.String
	p.Section = section.String
	p.Status = PageStatus(status)
	p.FetchedAt = parseTimePtr(fetchedAt)
	p.IndexedAt = parseTimePtr(indexedAt)
	p.LastAttemptAt = parseTimePtr(lastAttemptAt)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// UpdatePage applies a partial update; only non-nil fields are written.
// The parent docset's updated_at is deliberately untouched.
func (s *SQLiteStore) UpdatePage(ctx context.Context, id string, update PageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("metadata store")
	}

	var sets []string
	var args []any
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if update.Title != nil {
		add("title", *update.Title)
	}
	if update.ContentHash != nil {
		add("content_hash", *update.ContentHash)
	}
	if update.ETag != nil {
		add("etag", *update.ETag)
	}
	if update.LastModified != nil {
		add("last_modified", *update.LastModified)
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	if update.RetryCount != nil {
		add("retry_count", *update.RetryCount)
	}
	if update.FetchedAt != nil {
		add("fetched_at", formatTime(*update.FetchedAt))
	}
	if update.IndexedAt != nil {
		add("indexed_at", formatTime(*update.IndexedAt))
	}
	if update.LastAttemptAt != nil {
		add("last_attempt_at", formatTime(*update.LastAttemptAt))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "update page", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return oerrors.NotFound("page", id)
	}
	return nil
}

// ListPages returns pages for a docset, most recently indexed first with
// never-indexed pages last (engine-agnostic NULLS LAST).
func (s *SQLiteStore) ListPages(ctx context.Context, docsetID string, opts ListPagesOptions) ([]*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + pageColumns + ` FROM pages WHERE docset_id = ?`
	args := []any{docsetID}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY indexed_at IS NULL, indexed_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows, docsetID)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// GetNextPendingPage returns the earliest-inserted pending page for a
// docset, or NotFound when the docset has none. It does not reserve the
// page; the caller claims it by transitioning status to fetching.
func (s *SQLiteStore) GetNextPendingPage(ctx context.Context, docsetID string) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}
	return scanPage(s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages
		 WHERE docset_id = ? AND status = 'pending'
		 ORDER BY rowid LIMIT 1`, docsetID), docsetID)
}

// CountPages returns the number of pages in a docset.
func (s *SQLiteStore) CountPages(ctx context.Context, docsetID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, oerrors.StoreClosed("metadata store")
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pages WHERE docset_id = ?`, docsetID).Scan(&n)
	return n, err
}

// DeletePage removes a page; its chunks cascade and the FTS rows are
// cleared in the same transaction.
func (s *SQLiteStore) DeletePage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("metadata store")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE page_id = ?`, id); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "delete FTS rows", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id)
	if err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "delete page", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return oerrors.NotFound("page", id)
	}
	return tx.Commit()
}

// --- Chunk operations ---

// CreateChunks inserts chunk rows and their FTS mirror rows in a single
// transaction. The mirror carries the denormalised page URL and title so
// keyword hits resolve without a join.
func (s *SQLiteStore) CreateChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("metadata store")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Page URL and title are looked up once per distinct page.
	type pageInfo struct{ url, title string }
	pageCache := make(map[string]pageInfo)

	insertChunk, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, page_id, docset_id, content, heading, start_offset, end_offset, chunk_index, embedding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer insertChunk.Close()

	insertFTS, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks_fts (chunk_id, page_id, docset_id, url, title, heading, content)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare FTS insert: %w", err)
	}
	defer insertFTS.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		info, ok := pageCache[c.PageID]
		if !ok {
			var u string
			var t sql.NullString
			err := tx.QueryRowContext(ctx, `SELECT url, title FROM pages WHERE id = ?`, c.PageID).Scan(&u, &t)
			if err == sql.ErrNoRows {
				return oerrors.NotFound("page", c.PageID)
			}
			if err != nil {
				return fmt.Errorf("look up page: %w", err)
			}
			info = pageInfo{url: u, title: t.String}
			pageCache[c.PageID] = info
		}

		if _, err := insertChunk.ExecContext(ctx, c.ID, c.PageID, c.DocsetID, c.Content,
			c.Heading, c.StartOffset, c.EndOffset, c.Index, c.EmbeddingID, formatTime(c.CreatedAt)); err != nil {
			return oerrors.New(oerrors.ErrCodeStoreWrite, "insert chunk", err)
		}
		if _, err := insertFTS.ExecContext(ctx, c.ID, c.PageID, c.DocsetID,
			info.url, info.title, c.Heading, c.Content); err != nil {
			return oerrors.New(oerrors.ErrCodeStoreWrite, "insert FTS row", err)
		}
	}

	return tx.Commit()
}

// DeleteChunks removes all chunks for a page along with their FTS rows.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("metadata store")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE page_id = ?`, pageID); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "delete FTS rows", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE page_id = ?`, pageID); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "delete chunks", err)
	}
	return tx.Commit()
}

// GetChunksByPage returns a page's chunks in chunk_index order.
func (s *SQLiteStore) GetChunksByPage(ctx context.Context, pageID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, docset_id, content, heading, start_offset, end_offset, chunk_index, embedding_id, created_at
		FROM chunks WHERE page_id = ? ORDER BY chunk_index`, pageID)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var heading, embeddingID sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.PageID, &c.DocsetID, &c.Content, &heading,
			&c.StartOffset, &c.EndOffset, &c.Index, &embeddingID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Heading = heading.String
		c.EmbeddingID = embeddingID.String
		c.CreatedAt = parseTime(createdAt)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// SetChunkEmbeddingID records that a chunk has been vectorised.
func (s *SQLiteStore) SetChunkEmbeddingID(ctx context.Context, chunkID, embeddingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("metadata store")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET embedding_id = ? WHERE id = ?`, embeddingID, chunkID)
	if err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "set embedding id", err)
	}
	return nil
}

// --- Keyword search ---

// SearchKeyword runs a prefix-matching FTS5 query. The raw query is
// lowercased, stripped of punctuation, short tokens are dropped, and each
// remaining token gets a trailing * for prefix match. Results come back in
// BM25 order (best first) with the score mapped to [0,1].
func (s *SQLiteStore) SearchKeyword(ctx context.Context, query string, docsetIDs []string, topK int) ([]*KeywordResult, error) {
	s.mu.RLock()
	closed := s.closed
	checked := s.ftsChecked
	s.mu.RUnlock()
	if closed {
		return nil, oerrors.StoreClosed("metadata store")
	}

	if !checked {
		if err := s.bootstrapFTS(ctx); err != nil {
			return nil, err
		}
	}

	match := NormalizeKeywordQuery(query)
	if match == "" {
		return []*KeywordResult{}, nil
	}
	if topK <= 0 {
		topK = 10
	}

	sqlQuery := `
		SELECT chunk_id, page_id, docset_id, url, title, heading, content, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?`
	args := []any{match}
	if len(docsetIDs) > 0 {
		placeholders := make([]string, len(docsetIDs))
		for i, id := range docsetIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		sqlQuery += ` AND docset_id IN (` + strings.Join(placeholders, ",") + `)`
	}
	sqlQuery += ` ORDER BY score LIMIT ?`
	args = append(args, topK)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		// FTS5 errors on malformed match expressions; treat as no results.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return []*KeywordResult{}, nil
		}
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []*KeywordResult
	for rows.Next() {
		var r KeywordResult
		var title, heading sql.NullString
		if err := rows.Scan(&r.ChunkID, &r.PageID, &r.DocsetID, &r.URL, &title, &heading, &r.Content, &r.BM25); err != nil {
			return nil, fmt.Errorf("scan keyword result: %w", err)
		}
		r.Title = title.String
		r.Heading = heading.String
		r.KeywordScore = KeywordScore(r.BM25)
		results = append(results, &r)
	}
	return results, rows.Err()
}

// KeywordScore maps a BM25 value to a bounded [0,1] score.
func KeywordScore(bm25 float64) float64 {
	if bm25 < 0 {
		bm25 = 0
	}
	return 1 / (1 + bm25)
}

// NormalizeKeywordQuery lowercases, strips punctuation, drops tokens of one
// character or less, and appends * to each token for prefix matching.
func NormalizeKeywordQuery(query string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127 {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		if len(tok) <= 1 {
			continue
		}
		tokens = append(tokens, tok+"*")
	}
	return strings.Join(tokens, " ")
}

// bootstrapFTS rebuilds the FTS mirror from the chunks table when the
// mirror is empty but chunks exist, which happens after a migration from
// the pre-FTS schema. Runs once per process, on the first keyword search.
func (s *SQLiteStore) bootstrapFTS(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ftsChecked {
		return nil
	}
	s.ftsChecked = true

	var ftsCount, chunkCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks_fts`).Scan(&ftsCount); err != nil {
		return fmt.Errorf("count FTS rows: %w", err)
	}
	if ftsCount > 0 {
		return nil
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunkCount); err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	if chunkCount == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunks_fts (chunk_id, page_id, docset_id, url, title, heading, content)
		SELECT c.id, c.page_id, c.docset_id, p.url, COALESCE(p.title, ''), COALESCE(c.heading, ''), c.content
		FROM chunks c JOIN pages p ON p.id = c.page_id`); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "rebuild FTS mirror", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("fts_rebuilt", slog.Int("chunks", chunkCount))
	return nil
}

// --- Aggregates and recovery ---

// GetIndexStatus aggregates page counts per state and the chunk count.
func (s *SQLiteStore) GetIndexStatus(ctx context.Context, docsetID string) (*IndexStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}

	status := &IndexStatus{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pages WHERE docset_id = ? GROUP BY status`, docsetID)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		status.TotalPages += n
		switch PageStatus(st) {
		case PagePending:
			status.PendingPages = n
		case PageFetching:
			status.FetchingPages = n
		case PageFetched:
			status.FetchedPages = n
		case PageIndexing:
			status.IndexingPages = n
		case PageIndexed:
			status.IndexedPages = n
		case PageError:
			status.ErrorPages = n
		case PageSkipped:
			status.SkippedPages = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE docset_id = ?`, docsetID).Scan(&status.TotalChunks); err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	return status, nil
}

// GetStuckPages lists pages stranded in an in-flight state past the stuck
// threshold (or with no attempt timestamp at all).
func (s *SQLiteStore) GetStuckPages(ctx context.Context, docsetID string, threshold time.Duration) ([]*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("metadata store")
	}

	cutoff := formatTime(time.Now().UTC().Add(-threshold))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages
		 WHERE docset_id = ? AND status IN ('fetching','fetched','indexing')
		   AND (last_attempt_at IS NULL OR last_attempt_at < ?)
		 ORDER BY rowid`, docsetID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get stuck pages: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows, docsetID)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// ResetStuckPages atomically transitions stranded in-flight pages back to
// pending, incrementing retry_count. Returns the number of pages reset.
func (s *SQLiteStore) ResetStuckPages(ctx context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, oerrors.StoreClosed("metadata store")
	}

	cutoff := formatTime(time.Now().UTC().Add(-threshold))
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET status = 'pending', retry_count = retry_count + 1
		 WHERE status IN ('fetching','fetched','indexing')
		   AND (last_attempt_at IS NULL OR last_attempt_at < ?)`, cutoff)
	if err != nil {
		return 0, oerrors.New(oerrors.ErrCodeStoreWrite, "reset stuck pages", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetErrorPages moves error pages with remaining retry budget back to
// pending. Returns the number of pages reset.
func (s *SQLiteStore) ResetErrorPages(ctx context.Context, maxRetries int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, oerrors.StoreClosed("metadata store")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET status = 'pending'
		 WHERE status = 'error' AND retry_count < ?`, maxRetries)
	if err != nil {
		return 0, oerrors.New(oerrors.ErrCodeStoreWrite, "reset error pages", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetPagesForRefresh queues a docset's terminal pages for re-fetching.
// In incremental mode (clearHashes false) content hashes and conditional
// headers survive, so unchanged pages short-circuit; a full reindex clears
// them so every page re-embeds. Only pages older than maxAge are queued
// unless force is set. Returns the number of pages queued.
func (s *SQLiteStore) ResetPagesForRefresh(ctx context.Context, docsetID string, maxAge time.Duration, force, clearHashes bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, oerrors.StoreClosed("metadata store")
	}

	set := `status = 'pending', error_message = NULL`
	if clearHashes {
		set += `, content_hash = NULL, etag = NULL, last_modified = NULL`
	}

	query := `UPDATE pages SET ` + set + `
		WHERE docset_id = ? AND status IN ('indexed','error','skipped')`
	args := []any{docsetID}
	if !force {
		cutoff := formatTime(time.Now().UTC().Add(-maxAge))
		query += ` AND (fetched_at IS NULL OR fetched_at < ?)`
		args = append(args, cutoff)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, oerrors.New(oerrors.ErrCodeStoreWrite, "reset pages for refresh", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database after a final WAL checkpoint. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

// Timestamps are stored as fixed-width RFC3339 strings in UTC: sortable
// lexically, engine-agnostic, readable in the raw database. RFC3339Nano
// would trim trailing zeros and break lexical ordering within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
