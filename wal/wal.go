// Package wal is the append-only audit trail of committed attribution
// decisions. Each line is one JSON entry; files rotate by size.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/types"
)

// EntryType defines the type of WAL entry
type EntryType string

const (
	// EntryCommitted is the first decision for an order
	EntryCommitted EntryType = "committed"
	// EntrySuperseded replaces an earlier decision for the same order
	EntrySuperseded EntryType = "superseded"
)

// Entry represents a single WAL entry
type Entry struct {
	Timestamp       time.Time       `json:"timestamp"`
	Sequence        int64           `json:"sequence"`
	Type            EntryType       `json:"type"`
	OrderID         string          `json:"order_id,omitempty"`
	Version         int64           `json:"version,omitempty"`
	PreviousVersion int64           `json:"previous_version,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// Decision decodes the entry payload
func (e *Entry) Decision() (*types.Decision, error) {
	var d types.Decision
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &d, nil
}

// Config controls file naming, rotation and retention
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the default WAL configuration
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "kredo",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 365,
	}
}

// WAL provides audit logging of decision commits
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	config   Config
	now      func() time.Time
}

// Open creates or opens a WAL in the specified directory
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens a WAL with explicit configuration
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:    dir,
		config: config,
		now:    time.Now,
	}
	w.loadSequence()

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Dir returns the WAL directory
func (w *WAL) Dir() string {
	return w.dir
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType EntryType, orderID string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.append(Entry{
		Type:    entryType,
		OrderID: orderID,
		Data:    jsonData,
	})
}

// RecordCommit appends the stored decision as committed or superseded
func (w *WAL) RecordCommit(ctx context.Context, res storage.CommitResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	jsonData, err := json.Marshal(res.Stored)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	entry := Entry{
		Type:    EntryCommitted,
		OrderID: res.Stored.OrderID,
		Version: res.Stored.Version,
		Data:    jsonData,
	}
	if res.Superseded() {
		entry.Type = EntrySuperseded
		entry.PreviousVersion = res.Previous.Version
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.append(entry)
}

// append assigns the next sequence; it only advances on a successful write
func (w *WAL) append(entry Entry) error {
	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	entry.Sequence = w.sequence + 1
	entry.Timestamp = w.now().UTC()
	if err := w.writeEntry(entry); err != nil {
		return err
	}
	w.sequence = entry.Sequence
	return nil
}

// writeEntry writes a single entry to the WAL
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if _, err := w.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately for durability
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) openFile() error {
	// Microseconds keep names unique and lexically chronological
	filename := fmt.Sprintf("%s-%s.wal", w.config.FilePrefix, w.now().UTC().Format("20060102-150405.000000"))
	path := filepath.Join(w.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) // #nosec G304 -- name built from config
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

func (w *WAL) shouldRotate() bool {
	if w.config.MaxFileSize <= 0 {
		return false
	}
	return w.getCurrentFileSize() >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	return w.openFile()
}

func (w *WAL) getCurrentFileSize() int64 {
	if w.file == nil {
		return 0
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// loadSequence continues from the highest sequence already on disk
func (w *WAL) loadSequence() {
	w.sequence = findLastSequenceInFiles(w.listWALFiles())
}

func (w *WAL) listWALFiles() []string {
	return segmentFiles(w.dir, w.config.FilePrefix)
}

// Reader provides WAL replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a WAL reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry from the WAL
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry after since, in sequence order
func Replay(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	files := segmentFiles(dir, config.FilePrefix)

	var entries []*Entry
	for _, file := range files {
		if err := readFile(file, func(e *Entry) {
			if e.Timestamp.After(since) {
				entries = append(entries, e)
			}
		}); err != nil {
			return err
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	for _, e := range entries {
		if err := handler(e); err != nil {
			return err
		}
	}
	return nil
}

func readFile(path string, fn func(*Entry)) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		fn(entry)
	}
}
