package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
)

// ChunkRecord is one indexed chunk inside a collection. SourcePath plus
// Ordinal is unique within a collection; offsets are byte positions into
// the canonicalized source document.
type ChunkRecord struct {
	ID         int64
	SourcePath string
	Ordinal    int
	Content    string
	ChunkHash  string
	DocHash    string
	Start      int
	End        int
	Embedding  []float32
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

// Collection is one isolated vector namespace backed by its own SQLite
// database file. All writes for a source document are atomic: a source is
// never observable half-replaced.
type Collection struct {
	name      string
	db        *sql.DB
	dim       int
	vectorExt bool
	mu        sync.RWMutex
}

// openCollection opens or creates the collection database under dir.
func openCollection(dir, name string, dim int) (*Collection, error) {
	timer := logging.StartTimer(logging.CategoryStore, "openCollection")
	defer timer.Stop()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to create collection directory %s", dir)
	}

	path := filepath.Join(dir, "vectors.db")
	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to open collection database %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	c := &Collection{name: name, db: db, dim: dim}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	c.detectVecExtension()
	if c.vectorExt {
		logging.StoreDebug("sqlite-vec extension available for collection %s", name)
	}

	logging.Store("Collection %s ready (dimension=%d)", name, dim)
	return c, nil
}

// initialize creates the required tables and pins the collection dimension.
func (c *Collection) initialize() error {
	chunksTable := `
	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_path TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		content TEXT NOT NULL,
		chunk_hash TEXT NOT NULL,
		doc_hash TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		embedding BLOB,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_path, ordinal)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_path);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc_hash ON chunks(doc_hash);
	`

	infoTable := `
	CREATE TABLE IF NOT EXISTS collection_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	for _, table := range []string{chunksTable, infoTable} {
		if _, err := c.db.Exec(table); err != nil {
			return fault.Wrap(fault.Internal, err, "failed to create table in collection %s", c.name)
		}
	}

	// A collection keeps the dimension it was created with. Opening it with
	// a different configured dimension is an integrity problem, not a
	// migration.
	var stored string
	err := c.db.QueryRow("SELECT value FROM collection_info WHERE key = 'dimension'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := c.db.Exec("INSERT INTO collection_info (key, value) VALUES ('dimension', ?)", strconv.Itoa(c.dim)); err != nil {
			return fault.Wrap(fault.Internal, err, "failed to record dimension for collection %s", c.name)
		}
	case err != nil:
		return fault.Wrap(fault.Internal, err, "failed to read dimension for collection %s", c.name)
	default:
		dim, convErr := strconv.Atoi(stored)
		if convErr != nil {
			return fault.Wrap(fault.IntegrityError, convErr, "collection %s has a corrupt dimension marker %q", c.name, stored)
		}
		if dim != c.dim {
			return fault.New(fault.DimensionMismatch,
				"collection %s was created with dimension %d but the engine produces %d", c.name, dim, c.dim)
		}
	}

	return nil
}

// detectVecExtension probes for sqlite-vec virtual table support.
func (c *Collection) detectVecExtension() {
	if c.db == nil {
		return
	}
	if _, err := c.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		c.vectorExt = true
		_, _ = c.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Dimension returns the embedding dimension the collection was created with.
func (c *Collection) Dimension() int { return c.dim }

// Close closes the collection database.
func (c *Collection) Close() error {
	logging.StoreDebug("Closing collection %s", c.name)
	return c.db.Close()
}

// ReplaceSource atomically replaces every chunk for sourcePath with the
// given records. Readers never observe a partially indexed source. Records
// are inserted in ordinal order; embeddings may be nil for chunks that are
// stored for reassembly only.
func (c *Collection) ReplaceSource(ctx context.Context, sourcePath, docHash string, records []ChunkRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "ReplaceSource")
	defer timer.Stop()

	for i := range records {
		if records[i].Embedding != nil && len(records[i].Embedding) != c.dim {
			return fault.New(fault.DimensionMismatch,
				"chunk %d of %s has %d dimensions, collection %s expects %d",
				records[i].Ordinal, sourcePath, len(records[i].Embedding), c.name, c.dim)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks WHERE source_path = ?", sourcePath); err != nil {
		return fault.Wrap(fault.Internal, err, "failed to clear chunks for %s", sourcePath)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (source_path, ordinal, content, chunk_hash, doc_hash, start_offset, end_offset, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to prepare insert")
	}
	defer stmt.Close()

	for _, rec := range records {
		metaJSON, _ := json.Marshal(rec.Metadata)
		if _, err := stmt.Exec(
			sourcePath, rec.Ordinal, rec.Content, rec.ChunkHash, docHash,
			rec.Start, rec.End, encodeFloat32(rec.Embedding), string(metaJSON),
		); err != nil {
			return fault.Wrap(fault.Internal, err, "failed to insert chunk %d of %s", rec.Ordinal, sourcePath)
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Internal, err, "failed to commit replacement of %s", sourcePath)
	}

	logging.StoreDebug("Replaced %s in %s with %d chunks", sourcePath, c.name, len(records))
	return nil
}

// DeleteSource removes every chunk for sourcePath. Returns the number of
// chunks removed; deleting an unknown source is not an error.
func (c *Collection) DeleteSource(ctx context.Context, sourcePath string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, "DELETE FROM chunks WHERE source_path = ?", sourcePath)
	if err != nil {
		return 0, fault.Wrap(fault.Internal, err, "failed to delete chunks for %s", sourcePath)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("Deleted %d chunks for %s from %s", n, sourcePath, c.name)
	}
	return n, nil
}

// SourceHash returns the document hash recorded for sourcePath, or false
// when the source is not indexed.
func (c *Collection) SourceHash(ctx context.Context, sourcePath string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hash string
	err := c.db.QueryRowContext(ctx,
		"SELECT doc_hash FROM chunks WHERE source_path = ? LIMIT 1", sourcePath).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.Wrap(fault.Internal, err, "failed to read document hash for %s", sourcePath)
	}
	return hash, true, nil
}

// ChunksBySource returns every chunk for sourcePath in ordinal order.
func (c *Collection) ChunksBySource(ctx context.Context, sourcePath string) ([]ChunkRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, source_path, ordinal, content, chunk_hash, doc_hash, start_offset, end_offset, embedding, metadata, created_at
		FROM chunks WHERE source_path = ? ORDER BY ordinal ASC`, sourcePath)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to query chunks for %s", sourcePath)
	}
	defer rows.Close()

	return scanChunkRows(rows)
}

// FilteredChunks returns every chunk accepted by the filter, ordered by
// (source_path, ordinal). A nil filter accepts everything. Embeddings are
// decoded when present.
func (c *Collection) FilteredChunks(ctx context.Context, filter func(*ChunkRecord) bool) ([]ChunkRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, source_path, ordinal, content, chunk_hash, doc_hash, start_offset, end_offset, embedding, metadata, created_at
		FROM chunks ORDER BY source_path ASC, ordinal ASC`)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to query chunks")
	}
	defer rows.Close()

	records, err := scanChunkRows(rows)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return records, nil
	}

	filtered := records[:0]
	for i := range records {
		if filter(&records[i]) {
			filtered = append(filtered, records[i])
		}
	}
	return filtered, nil
}

// UpdateSourceMetadata merges patch into the metadata of every chunk for
// sourcePath. Returns the number of chunks updated.
func (c *Collection) UpdateSourceMetadata(ctx context.Context, sourcePath string, patch map[string]interface{}) (int64, error) {
	if len(patch) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault.Wrap(fault.Internal, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id, metadata FROM chunks WHERE source_path = ?", sourcePath)
	if err != nil {
		return 0, fault.Wrap(fault.Internal, err, "failed to read metadata for %s", sourcePath)
	}

	type pending struct {
		id   int64
		meta string
	}
	var updates []pending
	for rows.Next() {
		var id int64
		var metaJSON sql.NullString
		if err := rows.Scan(&id, &metaJSON); err != nil {
			rows.Close()
			return 0, fault.Wrap(fault.Internal, err, "failed to scan metadata row")
		}
		meta := make(map[string]interface{})
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &meta)
		}
		for k, v := range patch {
			meta[k] = v
		}
		merged, _ := json.Marshal(meta)
		updates = append(updates, pending{id: id, meta: string(merged)})
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.Exec("UPDATE chunks SET metadata = ? WHERE id = ?", u.meta, u.id); err != nil {
			return 0, fault.Wrap(fault.Internal, err, "failed to update metadata for chunk %d", u.id)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fault.Wrap(fault.Internal, err, "failed to commit metadata update for %s", sourcePath)
	}
	return int64(len(updates)), nil
}

// Count returns the total number of chunks in the collection.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fault.Wrap(fault.Internal, err, "failed to count chunks")
	}
	return n, nil
}

// SourceCount returns the number of distinct indexed sources.
func (c *Collection) SourceCount(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT source_path) FROM chunks").Scan(&n); err != nil {
		return 0, fault.Wrap(fault.Internal, err, "failed to count sources")
	}
	return n, nil
}

// Stats returns collection statistics.
func (c *Collection) Stats(ctx context.Context) (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[string]interface{})
	stats["name"] = c.name
	stats["dimension"] = c.dim

	var total int64
	c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&total)
	stats["total_chunks"] = total

	var embedded int64
	c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL").Scan(&embedded)
	stats["embedded_chunks"] = embedded

	var sources int64
	c.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT source_path) FROM chunks").Scan(&sources)
	stats["sources"] = sources

	var contentBytes int64
	c.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(LENGTH(content)), 0) FROM chunks").Scan(&contentBytes)
	stats["content_bytes"] = contentBytes

	return stats, nil
}

// scanChunkRows reads chunk rows into records, decoding embeddings and
// metadata. Rows with corrupt embedding blobs fail loudly rather than being
// silently skipped.
func scanChunkRows(rows *sql.Rows) ([]ChunkRecord, error) {
	var records []ChunkRecord
	for rows.Next() {
		var rec ChunkRecord
		var blob []byte
		var metaJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SourcePath, &rec.Ordinal, &rec.Content, &rec.ChunkHash, &rec.DocHash,
			&rec.Start, &rec.End, &blob, &metaJSON, &rec.CreatedAt); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "failed to scan chunk row")
		}
		vec, err := decodeFloat32(blob)
		if err != nil {
			return nil, fault.Wrap(fault.IntegrityError, err, "chunk %d of %s has a corrupt embedding", rec.Ordinal, rec.SourcePath)
		}
		rec.Embedding = vec
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed while iterating chunk rows")
	}
	return records, nil
}

// String implements fmt.Stringer for debug output.
func (c *Collection) String() string {
	return fmt.Sprintf("collection(%s, dim=%d)", c.name, c.dim)
}
