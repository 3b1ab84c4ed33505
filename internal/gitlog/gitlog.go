// Package gitlog reports recent git activity for a project root: commits
// inside a time window and uncommitted working-tree changes. It shells out
// to the git binary; a missing binary or a non-repo root is not an error,
// the caller just sees empty activity.
package gitlog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
)

// FileChange is one changed path within a commit, with numstat line counts.
// Added and Deleted are zero for binary files.
type FileChange struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

// Commit is a single commit parsed from git log output.
type Commit struct {
	Hash    string       `json:"hash"`
	Author  string       `json:"author"`
	Message string       `json:"message"`
	Time    time.Time    `json:"time"`
	Files   []FileChange `json:"files"`
}

// Activity bundles everything the drift engine consumes for one window.
type Activity struct {
	Commits     []Commit `json:"commits"`
	WorkingTree []string `json:"working_tree"`
}

// IsRepo reports whether root is inside a git work tree. A missing git
// binary counts as "not a repo".
func IsRepo(ctx context.Context, root string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = root
	return cmd.Run() == nil
}

// Collect gathers commits since the given time plus current working-tree
// changes. A non-repo root returns empty activity and no error.
func Collect(ctx context.Context, root string, since time.Time) (*Activity, error) {
	start := time.Now()

	if !IsRepo(ctx, root) {
		logging.DriftDebug("Skipping git activity (not a repo or git missing): %s", root)
		return &Activity{}, nil
	}

	commits, err := CommitsSince(ctx, root, since)
	if err != nil {
		return nil, err
	}
	tree, err := WorkingTreeChanges(ctx, root)
	if err != nil {
		return nil, err
	}

	logging.DriftDebug("Git activity for %s: %d commits, %d dirty paths in %v",
		root, len(commits), len(tree), time.Since(start))
	return &Activity{Commits: commits, WorkingTree: tree}, nil
}

// CommitsSince returns commits newer than the given time, newest first,
// with per-file change stats.
func CommitsSince(ctx context.Context, root string, since time.Time) ([]Commit, error) {
	cmd := exec.CommandContext(ctx, "git", "log",
		fmt.Sprintf("--since=%s", since.UTC().Format(time.RFC3339)),
		"--pretty=format:COMMIT:%H|%an|%ct|%s",
		"--numstat",
	)
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return nil, fault.Wrap(fault.DependencyUnavailable, err, "git log failed in %s", root)
	}
	return parseLog(bytes.NewReader(output))
}

// WorkingTreeChanges returns paths with uncommitted modifications,
// including untracked files.
func WorkingTreeChanges(ctx context.Context, root string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return nil, fault.Wrap(fault.DependencyUnavailable, err, "git status failed in %s", root)
	}
	return parseStatus(bytes.NewReader(output)), nil
}

// parseLog consumes `git log --pretty=format:COMMIT:%H|%an|%ct|%s --numstat`
// output. Each COMMIT: header starts a new commit; indented numstat lines
// attach file changes to the current one.
func parseLog(r io.Reader) ([]Commit, error) {
	commits := make([]Commit, 0)
	var current *Commit

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "COMMIT:") {
			parts := strings.SplitN(strings.TrimPrefix(line, "COMMIT:"), "|", 4)
			if len(parts) < 4 {
				continue
			}
			commits = append(commits, Commit{
				Hash:    parts[0],
				Author:  parts[1],
				Message: parts[3],
			})
			current = &commits[len(commits)-1]
			if ts, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
				current.Time = time.Unix(ts, 0).UTC()
			}
			continue
		}

		if current == nil || strings.TrimSpace(line) == "" {
			continue
		}
		// numstat lines: "added\tdeleted\tpath", counts are "-" for binary.
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 {
			continue
		}
		fc := FileChange{Path: normalizeRename(fields[2])}
		if n, err := strconv.Atoi(fields[0]); err == nil {
			fc.Added = n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			fc.Deleted = n
		}
		current.Files = append(current.Files, fc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "reading git log output")
	}
	return commits, nil
}

// parseStatus consumes `git status --porcelain` output and returns the
// affected paths. Renames report the new name.
func parseStatus(r io.Reader) []string {
	paths := make([]string, 0)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+len(" -> "):]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// normalizeRename resolves numstat rename notation ("old => new" or
// "dir/{old => new}/file") to the post-rename path.
func normalizeRename(path string) string {
	if open := strings.Index(path, "{"); open >= 0 {
		if close := strings.Index(path[open:], "}"); close >= 0 {
			inner := path[open+1 : open+close]
			if arrow := strings.Index(inner, " => "); arrow >= 0 {
				replaced := path[:open] + inner[arrow+len(" => "):] + path[open+close+1:]
				return strings.ReplaceAll(replaced, "//", "/")
			}
		}
	}
	if arrow := strings.Index(path, " => "); arrow >= 0 {
		return path[arrow+len(" => "):]
	}
	return path
}
