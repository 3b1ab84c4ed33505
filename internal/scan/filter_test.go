package scan

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func statFor(t *testing.T, path string) os.FileInfo {
	t.Helper()
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestFilterAllowList(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFilter(dir, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		rel  string
		want bool
	}{
		{"main.py", true},
		{"app.ts", true},
		{"lib.go", true},
		{"core.rs", true},
		{"README.md", true},
		{"schema.sql", true},
		{"config.yaml", true},
		{"notes.docx", false},
		{"image.png", false},
		{"binary.exe", false},
		{"compiled.pyc", false},
		{"noext", false},
	}

	for _, tc := range cases {
		path := writeFile(t, dir, tc.rel, "content")
		ok, reason := f.File(path, statFor(t, path))
		if ok != tc.want {
			t.Errorf("File(%s) = %v (%s), want %v", tc.rel, ok, reason, tc.want)
		}
	}
}

func TestFilterExcludedDirComponents(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFilter(dir, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	for _, rel := range []string{
		"node_modules/pkg/index.js",
		"src/__pycache__/mod.py",
		".venv/lib/thing.py",
		"dist/bundle.js",
		".idea/config.json",
	} {
		path := writeFile(t, dir, rel, "x")
		if ok, _ := f.File(path, statFor(t, path)); ok {
			t.Errorf("File(%s) should be excluded by directory component", rel)
		}
	}

	// Hidden config allowlist still admits CI files.
	path := writeFile(t, dir, ".github/workflows/ci.yaml", "x")
	if ok, reason := f.File(path, statFor(t, path)); !ok {
		t.Errorf(".github content should be eligible, got: %s", reason)
	}
}

func TestFilterSizeCap(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFilter(dir, 64)
	if err != nil {
		t.Fatal(err)
	}

	small := writeFile(t, dir, "small.go", "package x")
	big := writeFile(t, dir, "big.go", strings.Repeat("y", 200))

	if ok, _ := f.File(small, statFor(t, small)); !ok {
		t.Error("small file should pass")
	}
	if ok, _ := f.File(big, statFor(t, big)); ok {
		t.Error("oversized file should be rejected")
	}
}

func TestFilterSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	root := t.TempDir()
	secret := writeFile(t, outside, "secret.py", "x = 1")

	link := filepath.Join(root, "escape.py")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	f, err := NewFilter(root, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if ok, reason := f.File(link, statFor(t, link)); ok {
		t.Error("symlink escaping the root should be rejected")
	} else if !strings.Contains(reason, "symlink") {
		t.Errorf("unexpected reason: %s", reason)
	}

	// A symlink staying inside the root is fine.
	inside := writeFile(t, root, "real.py", "y = 2")
	innerLink := filepath.Join(root, "alias.py")
	if err := os.Symlink(inside, innerLink); err != nil {
		t.Skip("symlinks unavailable")
	}
	if ok, reason := f.File(innerLink, statFor(t, innerLink)); !ok {
		t.Errorf("internal symlink rejected: %s", reason)
	}
}

func TestFilterLockfileBudget(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFilter(dir, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	smallLock := writeFile(t, dir, "go.sum", "module v1 h1:abc")
	if ok, _ := f.File(smallLock, statFor(t, smallLock)); !ok {
		t.Error("small lockfile should pass")
	}

	bigLock := writeFile(t, dir, "package-lock.json", strings.Repeat("{}", 70<<10))
	if ok, _ := f.File(bigLock, statFor(t, bigLock)); ok {
		t.Error("oversized lockfile should be rejected")
	}
}

func TestWalkOrderAndSkips(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.py", "a")
	writeFile(t, dir, "b/inner.go", "b")
	writeFile(t, dir, "node_modules/x.js", "skip me")
	writeFile(t, dir, "z.md", "z")
	writeFile(t, dir, "image.png", "skip me too")

	f, err := NewFilter(dir, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	var seen []string
	stats, err := Walk(context.Background(), f, func(path string, info os.FileInfo) error {
		rel, _ := filepath.Rel(f.Root(), path)
		seen = append(seen, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	want := []string{"a.py", "b/inner.go", "z.md"}
	if len(seen) != len(want) {
		t.Fatalf("walked %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("walk order[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
	if stats.Eligible != 3 {
		t.Errorf("eligible = %d, want 3", stats.Eligible)
	}
	if stats.Skipped == 0 {
		t.Error("expected skipped count for png")
	}
}

func TestWalkHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, dir, filepath.Join("sub", strings.Repeat("f", i+1)+".py"), "x")
	}
	f, err := NewFilter(dir, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Walk(ctx, f, func(string, os.FileInfo) error { return nil }); err == nil {
		t.Error("cancelled walk should return an error")
	}
}
