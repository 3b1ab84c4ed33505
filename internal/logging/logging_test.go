package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetState() {
	CloseAll()
	stateMu.Lock()
	logsDir = ""
	enabled = false
	logLevel = LevelInfo
	stateMu.Unlock()
}

func TestDisabledLoggingIsNoOp(t *testing.T) {
	defer resetState()
	dir := t.TempDir()
	if err := Initialize(dir, false, "info"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Get(CategoryStore).Info("should not appear")
	Ingest("nor this: %d", 42)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("disabled logging created %d files", len(entries))
	}
}

func TestCategoryFilesCreated(t *testing.T) {
	defer resetState()
	dir := t.TempDir()
	if err := Initialize(dir, true, "debug"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Sacred("plan %s approved", "plan_ab12cd34")
	Drift("analysis complete")
	CloseAll()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"_boot.log", "_sacred.log", "_drift.log"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected a %s file, got %v", want, names)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	defer resetState()
	dir := t.TempDir()
	if err := Initialize(dir, true, "warn"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	l := Get(CategoryTasks)
	l.Info("info should be filtered")
	l.Warn("warn should appear")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_tasks.log"))
	if err != nil {
		t.Fatalf("reading tasks log: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "info should be filtered") {
		t.Error("info line leaked through warn level")
	}
	if !strings.Contains(content, "warn should appear") {
		t.Error("warn line missing")
	}
}

func TestRequestLoggerCarriesID(t *testing.T) {
	defer resetState()
	dir := t.TempDir()
	if err := Initialize(dir, true, "debug"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	rl := WithRequestID(CategoryAPI, "req-123").WithField("path", "/query")
	rl.Info("handled")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_api.log"))
	if err != nil {
		t.Fatalf("reading api log: %v", err)
	}
	if !strings.Contains(string(data), "[req:req-123]") {
		t.Errorf("request id missing from log line: %s", data)
	}
}

func TestTimerLogs(t *testing.T) {
	defer resetState()
	dir := t.TempDir()
	if err := Initialize(dir, true, "debug"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	timer := StartTimer(CategoryEmbed, "embed batch")
	time.Sleep(time.Millisecond)
	if elapsed := timer.Stop(); elapsed <= 0 {
		t.Error("timer returned non-positive duration")
	}
}
