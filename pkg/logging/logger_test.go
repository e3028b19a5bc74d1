// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "pipeline",
		Quiet:   true,
	})
	logger.Info("stage added", "stage", "raw_text")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	filename := "pipeline_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "stage added") {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"service":"pipeline"`) {
		t.Errorf("log file missing service attribute: %s", data)
	}
}

func TestWith_ChildLoggerInheritsDestinations(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "pipeline",
		Quiet:   true,
	})
	defer logger.Close()

	child := logger.With("run_id", "abc123")
	child.Debug("node starting")

	filename := "pipeline_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "abc123") {
		t.Errorf("child logger attribute missing: %s", data)
	}
}

// captureExporter records exported entries for assertions.
type captureExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed bool
	closed  bool
}

func (c *captureExporter) Export(_ context.Context, entry LogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *captureExporter) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed = true
	return nil
}

func (c *captureExporter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestExporter_ReceivesEntries(t *testing.T) {
	exporter := &captureExporter{}
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "pipeline",
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Warn("conflict above threshold", "conflict", 0.42)

	// Export is asynchronous; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		exporter.mu.Lock()
		n := len(exporter.entries)
		exporter.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	if len(exporter.entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(exporter.entries))
	}
	entry := exporter.entries[0]
	if entry.Level != LevelWarn {
		t.Errorf("Level = %v, want LevelWarn", entry.Level)
	}
	if entry.Message != "conflict above threshold" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Attrs["conflict"] != 0.42 {
		t.Errorf("Attrs[conflict] = %v, want 0.42", entry.Attrs["conflict"])
	}
}

func TestClose_FlushesExporter(t *testing.T) {
	exporter := &captureExporter{}
	logger := New(Config{
		Quiet:    true,
		Exporter: exporter,
	})

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	if !exporter.flushed {
		t.Error("exporter not flushed on Close")
	}
	if !exporter.closed {
		t.Error("exporter not closed on Close")
	}
}

func TestAttrsToMap(t *testing.T) {
	attrs := attrsToMap("key", "value", "count", 3)
	if attrs["key"] != "value" {
		t.Errorf("attrs[key] = %v", attrs["key"])
	}
	if attrs["count"] != 3 {
		t.Errorf("attrs[count] = %v", attrs["count"])
	}

	// Dangling key gets nil.
	attrs = attrsToMap("orphan")
	if v, ok := attrs["orphan"]; !ok || v != nil {
		t.Errorf("attrs[orphan] = %v, ok=%v", v, ok)
	}
}
