package wal

import (
	"io"
	"path/filepath"
	"time"
)

// Stats represents WAL statistics
type Stats struct {
	// File statistics
	TotalFiles      int
	TotalSizeBytes  int64
	CurrentFileSize int64

	// Decision time span across files
	OldestEntry time.Time
	NewestEntry time.Time

	// Sequence statistics
	SequenceCount int64
	FirstSequence int64
	LastSequence  int64

	// Entry statistics
	EntriesByType map[EntryType]int
	Orders        int
	WritesPerFile map[string]int
}

// GetStats returns current WAL statistics
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := GetStatsFromDir(w.dir, w.config)
	stats.CurrentFileSize = w.getCurrentFileSize()
	return stats
}

// GetStatsFromDir returns statistics for a WAL directory (no active WAL needed)
func GetStatsFromDir(dir string, config Config) Stats {
	stats := Stats{
		EntriesByType: make(map[EntryType]int),
		WritesPerFile: make(map[string]int),
	}

	files := segmentFiles(dir, config.FilePrefix)
	if len(files) == 0 {
		return stats
	}

	orders := make(map[string]bool)
	stats.FirstSequence = -1
	segs := loadSegments(files, func(file string, e *Entry) {
		stats.WritesPerFile[filepath.Base(file)]++
		stats.EntriesByType[e.Type]++
		if e.OrderID != "" {
			orders[e.OrderID] = true
		}
		if stats.FirstSequence < 0 || e.Sequence < stats.FirstSequence {
			stats.FirstSequence = e.Sequence
		}
		if e.Sequence > stats.LastSequence {
			stats.LastSequence = e.Sequence
		}
	})
	stats.TotalFiles = len(segs)
	stats.TotalSizeBytes, stats.OldestEntry, stats.NewestEntry = coverage(segs)
	stats.Orders = len(orders)

	if stats.FirstSequence < 0 {
		stats.FirstSequence = 0
		return stats
	}
	stats.SequenceCount = stats.LastSequence - stats.FirstSequence + 1
	return stats
}

// scanFile visits readable entries, skipping corrupted lines
func scanFile(path string, fn func(*Entry)) {
	reader, err := NewReader(path)
	if err != nil {
		return
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return
			}
			continue
		}
		fn(entry)
	}
}

// findLastSequenceInFiles finds highest sequence across files
func findLastSequenceInFiles(files []string) int64 {
	maxSeq := int64(0)
	for _, file := range files {
		scanFile(file, func(e *Entry) {
			if e.Sequence > maxSeq {
				maxSeq = e.Sequence
			}
		})
	}
	return maxSeq
}

// HealthStatus represents WAL health
type HealthStatus struct {
	Healthy          bool
	DiskUsagePercent float64
	OldestEntryAge   time.Duration
	NeedsRotation    bool
	NeedsCleanup     bool
	Issues           []string
}

// GetHealth returns WAL health status
func (w *WAL) GetHealth() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	health := HealthStatus{Issues: []string{}}

	w.checkDiskUsage(&health)
	w.checkFileAge(&health)
	w.checkRotationNeeded(&health)

	health.Healthy = len(health.Issues) == 0
	return health
}

// checkDiskUsage checks current file size
func (w *WAL) checkDiskUsage(health *HealthStatus) {
	if w.config.MaxFileSize <= 0 {
		return
	}
	size := w.getCurrentFileSize()
	health.DiskUsagePercent = float64(size) / float64(w.config.MaxFileSize) * 100

	if health.DiskUsagePercent > 90 {
		health.Issues = append(health.Issues, "current file >90% of max size")
	}
}

// checkFileAge flags segments a cleanup would remove
func (w *WAL) checkFileAge(health *HealthStatus) {
	segs := loadSegments(w.listWALFiles(), nil)
	if len(segs) == 0 {
		return
	}

	now := w.now()
	_, oldest, _ := coverage(segs)
	health.OldestEntryAge = now.Sub(oldest)

	if len(expired(segs, retentionCutoff(now, w.config.RetentionDays))) > 0 {
		health.NeedsCleanup = true
		health.Issues = append(health.Issues, "segments past retention period")
	}
}

// checkRotationNeeded checks if rotation is imminent
func (w *WAL) checkRotationNeeded(health *HealthStatus) {
	if w.shouldRotate() {
		health.NeedsRotation = true
		health.Issues = append(health.Issues, "file rotation needed")
	}
}
