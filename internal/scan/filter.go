// Package scan decides which filesystem entries are eligible for ingestion
// and walks project trees in deterministic order. The filter is pure: the
// same path and metadata always produce the same verdict.
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Directories excluded by component name anywhere in a path.
var excludedDirs = map[string]bool{
	// version control metadata
	".git": true, ".svn": true, ".hg": true, ".bzr": true,
	// virtual environments
	"venv": true, "env": true, ".venv": true, "virtualenv": true,
	// package manager trees
	"node_modules": true, "bower_components": true, "jspm_packages": true, "site-packages": true,
	// build output
	"dist": true, "build": true, ".next": true, ".nuxt": true, "target": true,
	// caches
	"__pycache__": true, ".pytest_cache": true, ".mypy_cache": true, ".cache": true,
	// IDE metadata
	".vscode": true, ".idea": true,
}

// Compiled artifacts and binary media are never ingested.
var blacklistedExts = map[string]bool{
	".pyc": true, ".pyo": true, ".class": true, ".o": true, ".so": true,
	".dylib": true, ".dll": true, ".exe": true, ".a": true, ".obj": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".svg": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".7z": true, ".rar": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".wav": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".bin": true, ".dat": true, ".db": true, ".sqlite": true, ".wasm": true,
}

// Source and documentation types eligible for ingestion.
var allowedExts = map[string]bool{
	".py": true,
	".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".go": true,
	".rs": true,
	".c": true, ".h": true, ".cpp": true, ".hpp": true, ".cc": true,
	".java": true, ".kt": true, ".swift": true,
	".rb": true, ".php": true,
	".sh": true, ".bash": true, ".zsh": true,
	".md": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".sql": true,
}

// Lockfiles are allowed only up to lockfileMaxBytes.
var lockfileNames = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"Cargo.lock":        true,
	"poetry.lock":       true,
	"composer.lock":     true,
	"Gemfile.lock":      true,
	"go.sum":            true,
}

const lockfileMaxBytes = 128 << 10

// Filter decides ingestion eligibility under a fixed project root.
type Filter struct {
	root         string
	maxFileBytes int64
	// extra directory names excluded for this deployment (the service's
	// own data tree, at minimum)
	extraDirs map[string]bool
}

// NewFilter builds a filter rooted at the given directory. extraExcludedDirs
// adds deployment-specific directory names (e.g. the data root's basename).
func NewFilter(root string, maxFileBytes int64, extraExcludedDirs ...string) (*Filter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", abs, err)
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	extra := make(map[string]bool, len(extraExcludedDirs))
	for _, d := range extraExcludedDirs {
		if d != "" {
			extra[d] = true
		}
	}
	return &Filter{root: resolved, maxFileBytes: maxFileBytes, extraDirs: extra}, nil
}

// Root returns the resolved project root.
func (f *Filter) Root() string { return f.root }

// ExcludedDir reports whether a directory name is excluded from recursion.
// Hidden directories are excluded except a small allowlist of configuration
// directories.
func (f *Filter) ExcludedDir(name string) bool {
	if excludedDirs[name] || f.extraDirs[name] {
		return true
	}
	if strings.HasPrefix(name, ".") && name != "." {
		switch name {
		case ".github", ".circleci", ".config":
			return false
		}
		return true
	}
	return false
}

// File reports whether a regular file is eligible for ingestion. The reason
// explains a negative verdict for skip logging.
func (f *Filter) File(path string, info fs.FileInfo) (bool, string) {
	// Exclusion precedence: directory components, extension blacklist,
	// size, symlink escape, then the allow-list.
	rel, err := filepath.Rel(f.root, path)
	if err == nil {
		for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/") {
			if part == "." || part == "" {
				continue
			}
			if f.ExcludedDir(part) {
				return false, fmt.Sprintf("excluded directory %q", part)
			}
		}
	}

	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(path))

	if blacklistedExts[ext] {
		return false, fmt.Sprintf("blacklisted extension %s", ext)
	}

	if lockfileNames[base] && info.Size() > lockfileMaxBytes {
		return false, fmt.Sprintf("lockfile over %d bytes", lockfileMaxBytes)
	}

	if info.Size() > f.maxFileBytes {
		return false, fmt.Sprintf("size %d over cap %d", info.Size(), f.maxFileBytes)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return false, "unresolvable symlink"
		}
		if !strings.HasPrefix(resolved, f.root+string(filepath.Separator)) && resolved != f.root {
			return false, "symlink escapes project root"
		}
	}

	if !allowedExts[ext] {
		return false, fmt.Sprintf("extension %q not in allow-list", ext)
	}

	return true, ""
}

// Language maps a path to the language tag stored in chunk metadata.
func Language(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".hpp", ".cc":
		return "cpp"
	case ".java":
		return "java"
	case ".kt":
		return "kotlin"
	case ".swift":
		return "swift"
	case ".rb":
		return "ruby"
	case ".php":
		return "php"
	case ".sh", ".bash", ".zsh":
		return "shell"
	case ".md":
		return "markdown"
	case ".rst":
		return "rst"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".sql":
		return "sql"
	default:
		return "unknown"
	}
}
