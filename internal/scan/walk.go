package scan

import (
	"context"
	"os"
	"path/filepath"

	"contextkeeper/internal/logging"
)

// WalkStats summarises a tree walk.
type WalkStats struct {
	Eligible int
	Skipped  int
	Errors   int
}

// Walk traverses the tree under the filter's root in lexical order, invoking
// fn for every eligible file. Unreadable entries are logged and skipped; they
// never abort the walk. fn returning an error stops the walk and propagates.
func Walk(ctx context.Context, filter *Filter, fn func(path string, info os.FileInfo) error) (WalkStats, error) {
	return WalkFrom(ctx, filter, filter.Root(), fn)
}

// WalkFrom traverses the subtree rooted at start, which must lie under the
// filter's root. Eligibility is still judged against the root, so excluded
// directory components between root and start keep their files out.
func WalkFrom(ctx context.Context, filter *Filter, start string, fn func(path string, info os.FileInfo) error) (WalkStats, error) {
	var stats WalkStats

	err := filepath.Walk(start, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			logging.IngestWarn("skipping %s: %v", path, err)
			stats.Errors++
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			if path != start && filter.ExcludedDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		ok, reason := filter.File(path, info)
		if !ok {
			logging.IngestDebug("skipping %s: %s", path, reason)
			stats.Skipped++
			return nil
		}

		stats.Eligible++
		return fn(path, info)
	})

	return stats, err
}
