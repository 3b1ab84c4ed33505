package gitlog

import (
	"strings"
	"testing"
	"time"
)

const sampleLog = `COMMIT:abc123def456|alice|1714000000|Add MongoDB driver
12	3	db/mongo.go
5	0	go.mod

COMMIT:789fedcba321|bob|1713900000|Fix auth token refresh
-	-	assets/logo.png
4	4	internal/auth/token.go
`

func TestParseLog(t *testing.T) {
	commits, err := parseLog(strings.NewReader(sampleLog))
	if err != nil {
		t.Fatalf("parseLog failed: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}

	first := commits[0]
	if first.Hash != "abc123def456" || first.Author != "alice" {
		t.Errorf("unexpected header: %+v", first)
	}
	if first.Message != "Add MongoDB driver" {
		t.Errorf("unexpected message: %q", first.Message)
	}
	if !first.Time.Equal(time.Unix(1714000000, 0).UTC()) {
		t.Errorf("unexpected time: %v", first.Time)
	}
	if len(first.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(first.Files))
	}
	if first.Files[0].Path != "db/mongo.go" || first.Files[0].Added != 12 || first.Files[0].Deleted != 3 {
		t.Errorf("unexpected file change: %+v", first.Files[0])
	}

	// Binary files report "-" counts, which parse to zero.
	second := commits[1]
	if second.Files[0].Path != "assets/logo.png" || second.Files[0].Added != 0 || second.Files[0].Deleted != 0 {
		t.Errorf("binary change mishandled: %+v", second.Files[0])
	}
}

func TestParseLog_MessageWithPipes(t *testing.T) {
	commits, err := parseLog(strings.NewReader("COMMIT:aaa|carol|1714000000|fix: a | b | c\n1\t1\tmain.go\n"))
	if err != nil {
		t.Fatalf("parseLog failed: %v", err)
	}
	if commits[0].Message != "fix: a | b | c" {
		t.Errorf("pipes in subject must survive: %q", commits[0].Message)
	}
}

func TestParseLog_Empty(t *testing.T) {
	commits, err := parseLog(strings.NewReader(""))
	if err != nil {
		t.Fatalf("parseLog failed: %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("expected no commits, got %d", len(commits))
	}
}

func TestParseStatus(t *testing.T) {
	out := ` M internal/api/server.go
A  internal/drift/engine.go
?? notes.txt
R  old_name.go -> new_name.go
`
	paths := parseStatus(strings.NewReader(out))
	want := []string{"internal/api/server.go", "internal/drift/engine.go", "notes.txt", "new_name.go"}
	if len(paths) != len(want) {
		t.Fatalf("expected %d paths, got %d: %v", len(want), len(paths), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("path %d: got %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestNormalizeRename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain.go", "plain.go"},
		{"old.go => new.go", "new.go"},
		{"internal/{store => db}/core.go", "internal/db/core.go"},
		{"pkg/{ => sub}/file.go", "pkg/sub/file.go"},
		{"internal/{old => }/thing.go", "internal/thing.go"},
	}
	for _, tc := range cases {
		if got := normalizeRename(tc.in); got != tc.want {
			t.Errorf("normalizeRename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
