package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"contextkeeper/internal/chunk"
	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
	"contextkeeper/internal/redact"
	"contextkeeper/internal/scan"
	"contextkeeper/internal/store"
)

// FileResult reports one file's journey through the pipeline.
type FileResult struct {
	Path    string
	Chunks  int
	Bytes   int64
	Skipped bool
	Reason  string
}

// DirResult aggregates a directory ingest.
type DirResult struct {
	Files   int
	Chunks  int
	Skipped int
	Failed  int
	Bytes   int64
}

// ProgressFunc receives directory ingest progress. processed counts files
// attempted so far out of total eligible; current is the file in flight.
type ProgressFunc func(processed, total int, current string)

// Progress cadence for directory ingest: a report at least every
// progressEvery files or progressInterval, whichever comes first.
const (
	progressEvery    = 10
	progressInterval = time.Second

	// ingestWorkers bounds concurrent per-file pipelines within one task.
	ingestWorkers = 4
)

// IngestFile runs the single-file pipeline: path filter, bounded read,
// secret redaction, chunking, batch embedding, atomic replace. Re-ingesting
// an unchanged file is a no-op; a changed file replaces all prior chunks
// for its path.
func (e *Engine) IngestFile(ctx context.Context, projectID, path string) (*FileResult, error) {
	proj, err := e.resolveProject(projectID)
	if err != nil {
		return nil, err
	}
	return e.ingestOne(ctx, proj.ID, proj.RootPath, path)
}

func (e *Engine) ingestOne(ctx context.Context, projectID, root, path string) (*FileResult, error) {
	if !filepath.IsAbs(path) {
		return nil, fault.New(fault.InvalidInput, "path must be absolute: %s", path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fault.New(fault.InvalidInput, "path %s is outside project root %s", path, root)
	}

	filter, err := scan.NewFilter(root, e.maxFileBytes, e.extraDirs...)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "resolving project root")
	}

	info, err := os.Lstat(path)
	if err != nil {
		logging.IngestWarn("Skipping %s: %v", path, err)
		return &FileResult{Path: rel, Skipped: true, Reason: "unreadable"}, nil
	}
	if ok, reason := filter.File(path, info); !ok {
		logging.IngestDebug("Skipping %s: %s", rel, reason)
		return &FileResult{Path: rel, Skipped: true, Reason: reason}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		logging.IngestWarn("Skipping unreadable %s: %v", path, err)
		return &FileResult{Path: rel, Skipped: true, Reason: "unreadable"}, nil
	}

	cleaned, redactions := redact.Redact(string(raw))
	if redactions > 0 {
		logging.Ingest("Redacted %d secret(s) in %s", redactions, rel)
	}

	docHash := chunk.HashContent(cleaned)
	col, err := e.vectors.Collection(projectCollection(projectID))
	if err != nil {
		return nil, err
	}

	if prior, found, err := col.SourceHash(ctx, rel); err != nil {
		return nil, err
	} else if found && prior == docHash {
		logging.IngestDebug("Unchanged %s, skipping", rel)
		return &FileResult{Path: rel, Skipped: true, Reason: "unchanged"}, nil
	}

	chunks := e.chunker.Split(cleaned)
	if len(chunks) == 0 {
		// The file canonicalized to nothing; drop any stale entries.
		if _, err := col.DeleteSource(ctx, rel); err != nil {
			return nil, err
		}
		return &FileResult{Path: rel, Bytes: info.Size()}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), err, "embedding %s", rel)
	}
	if len(vectors) != len(chunks) {
		return nil, fault.New(fault.Internal, "embedding returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	language := scan.Language(path)
	mtime := info.ModTime().UTC().Format(time.RFC3339)
	records := make([]store.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.ChunkRecord{
			SourcePath: rel,
			Ordinal:    c.Ordinal,
			Content:    c.Content,
			ChunkHash:  c.Hash,
			DocHash:    docHash,
			Start:      c.Start,
			End:        c.End,
			Embedding:  vectors[i],
			Metadata: map[string]interface{}{
				"source_path":  rel,
				"ordinal":      c.Ordinal,
				"content_hash": docHash,
				"mtime":        mtime,
				"language":     language,
			},
		}
	}

	if err := col.ReplaceSource(ctx, rel, docHash, records); err != nil {
		return nil, err
	}

	metrics.FilesIndexedTotal.Inc()
	metrics.ChunksIndexedTotal.Add(float64(len(chunks)))
	logging.Ingest("Indexed %s: %d chunks, %s", rel, len(chunks), humanize.Bytes(uint64(len(raw))))
	return &FileResult{Path: rel, Chunks: len(chunks), Bytes: info.Size()}, nil
}

// RemoveFile deletes all chunks indexed for a path. Missing paths are a
// no-op. Used by the watcher on file removal.
func (e *Engine) RemoveFile(ctx context.Context, projectID, path string) error {
	proj, err := e.resolveProject(projectID)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(proj.RootPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fault.New(fault.InvalidInput, "path %s is outside project root %s", path, proj.RootPath)
	}
	if !e.vectors.Has(projectCollection(proj.ID)) {
		return nil
	}
	col, err := e.vectors.Collection(projectCollection(proj.ID))
	if err != nil {
		return err
	}
	n, err := col.DeleteSource(ctx, rel)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Ingest("Removed %d chunk(s) for deleted %s", n, rel)
	}
	return nil
}

// IngestDirectory walks a directory, streaming eligible files through the
// single-file pipeline. dir may be any subtree of the project root; empty
// means the root itself. File-level failures are counted and skipped; the
// walk itself fails only on cancellation or when the collection cannot be
// opened. progress may be nil.
func (e *Engine) IngestDirectory(ctx context.Context, projectID, dir string, progress ProgressFunc) (*DirResult, error) {
	proj, err := e.resolveProject(projectID)
	if err != nil {
		return nil, err
	}

	start := proj.RootPath
	if dir != "" {
		if !filepath.IsAbs(dir) {
			return nil, fault.New(fault.InvalidInput, "path must be absolute: %s", dir)
		}
		rel, err := filepath.Rel(proj.RootPath, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fault.New(fault.InvalidInput, "path %s is outside project root %s", dir, proj.RootPath)
		}
		start = dir
	}
	info, err := os.Stat(start)
	if err != nil {
		return nil, fault.Wrap(fault.NotFound, err, "ingest path %s", start)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.InvalidInput, "%s is not a directory", start)
	}

	filter, err := scan.NewFilter(proj.RootPath, e.maxFileBytes, e.extraDirs...)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "resolving project root")
	}

	// Collection must open before any work; this is the only hard
	// precondition of a directory ingest.
	if _, err := e.vectors.Collection(projectCollection(proj.ID)); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryIngest, fmt.Sprintf("directory ingest %s", proj.ID))
	defer timer.Stop()

	// First pass: collect eligible paths so progress can be a percentage.
	var paths []string
	if _, err := scan.WalkFrom(ctx, filter, start, func(path string, info os.FileInfo) error {
		paths = append(paths, path)
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Cancelled, ctx.Err(), "directory scan cancelled")
		}
		return nil, err
	}

	// Files run through the pipeline in parallel. Read, redact, chunk and
	// embed overlap across files; the collection write serializes on its
	// own lock, and each file's replace is a single transaction, so a
	// query never sees a half-rewritten file. ingestWorkers also bounds
	// embedding batches in flight per task.
	result := &DirResult{}
	var (
		mu         sync.Mutex
		done       int
		lastReport = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestWorkers)
	for _, path := range paths {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			fr, err := e.ingestOne(gctx, proj.ID, proj.RootPath, path)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if fault.IsKind(err, fault.Cancelled) {
					return err
				}
				result.Failed++
				logging.IngestError("Failed to ingest %s: %v", path, err)
			case fr.Skipped:
				result.Skipped++
			default:
				result.Files++
				result.Chunks += fr.Chunks
				result.Bytes += fr.Bytes
			}

			done++
			if progress != nil {
				if done == len(paths) || done%progressEvery == 0 || time.Since(lastReport) >= progressInterval {
					progress(done, len(paths), filepath.Base(path))
					lastReport = time.Now()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if fault.IsKind(err, fault.Cancelled) {
			return result, err
		}
		return result, fault.Wrap(fault.Cancelled, err, "ingest cancelled after %d files", result.Files)
	}

	logging.Ingest("Directory ingest %s done: %d files, %d chunks, %d skipped, %d failed, %s",
		proj.ID, result.Files, result.Chunks, result.Skipped, result.Failed, humanize.Bytes(uint64(result.Bytes)))
	return result, nil
}
