package wal

import (
	"path/filepath"
	"testing"
)

func TestLoadSequence_EmptyDirectory(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	defer func() { _ = w.Close() }()

	if w.sequence != 0 {
		t.Errorf("Empty directory should start at sequence 0, got %d", w.sequence)
	}
}

func TestLoadSequence_ExistingEntries(t *testing.T) {
	dir := t.TempDir()

	w1, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	_ = w1.Append(EntryCommitted, "o-1", nil)
	_ = w1.Append(EntryCommitted, "o-2", nil)
	_ = w1.Append(EntrySuperseded, "o-1", nil)
	_ = w1.Close()

	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open second WAL: %v", err)
	}
	defer func() { _ = w2.Close() }()

	if w2.sequence != 3 {
		t.Errorf("Expected sequence 3, got %d", w2.sequence)
	}

	_ = w2.Append(EntryCommitted, "o-3", nil)
	if w2.sequence != 4 {
		t.Errorf("Expected sequence 4 after append, got %d", w2.sequence)
	}
}

func TestLoadSequence_MultipleFiles(t *testing.T) {
	dir := t.TempDir()

	w1, _ := Open(dir)
	_ = w1.Append(EntryCommitted, "o-1", nil)
	_ = w1.Append(EntryCommitted, "o-2", nil)
	_ = w1.Close()

	w2, _ := Open(dir)
	_ = w2.Append(EntryCommitted, "o-3", nil)
	_ = w2.Append(EntryCommitted, "o-4", nil)
	_ = w2.Append(EntryCommitted, "o-5", nil)
	_ = w2.Close()

	w3, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open third WAL: %v", err)
	}
	defer func() { _ = w3.Close() }()

	if w3.sequence != 5 {
		t.Errorf("Expected sequence 5, got %d", w3.sequence)
	}
}

func TestFileRotation_SequenceContinuity(t *testing.T) {
	dir := t.TempDir()

	config := DefaultConfig()
	config.MaxFileSize = 500

	w, err := OpenWithConfig(dir, config)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	defer func() { _ = w.Close() }()

	for i := 0; i < 20; i++ {
		_ = w.Append(EntryCommitted, "o-1", "some data")
	}

	if w.sequence != 20 {
		t.Errorf("Expected sequence 20, got %d", w.sequence)
	}

	count := 0
	files, _ := filepath.Glob(filepath.Join(dir, "kredo-*.wal"))
	for _, file := range files {
		reader, _ := NewReader(file)
		for {
			if _, err := reader.Next(); err != nil {
				break
			}
			count++
		}
		_ = reader.Close()
	}

	if count != 20 {
		t.Errorf("Expected 20 entries across all files, got %d", count)
	}
}

func TestFileRotation_NoRotationWhenBelowLimit(t *testing.T) {
	dir := t.TempDir()

	config := DefaultConfig()
	config.MaxFileSize = 100 * 1024 * 1024

	w, err := OpenWithConfig(dir, config)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	for i := 0; i < 10; i++ {
		_ = w.Append(EntryCommitted, "o-1", "data")
	}
	_ = w.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "kredo-*.wal"))
	if len(files) != 1 {
		t.Errorf("Expected 1 file (no rotation), got %d", len(files))
	}
}
