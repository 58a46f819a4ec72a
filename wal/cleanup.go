package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Archiver copies an expired audit segment somewhere durable before removal
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// segment is one audit file and the span of decisions it recorded
type segment struct {
	path    string
	size    int64
	modTime time.Time
	first   time.Time
	last    time.Time
	entries int
}

// span is the earliest and latest decision time in the segment. Files with
// no timestamped entries fall back to their modification time.
func (s segment) span() (time.Time, time.Time) {
	if s.first.IsZero() {
		return s.modTime, s.modTime
	}
	return s.first, s.last
}

// segmentFiles lists the prefix's audit files. Names embed the creation
// time, so glob order is chronological.
func segmentFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	return files
}

// loadSegments stats and scans each file once, handing every readable
// entry to visit when it is non-nil
func loadSegments(files []string, visit func(file string, e *Entry)) []segment {
	segs := make([]segment, 0, len(files))
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		seg := segment{path: file, size: info.Size(), modTime: info.ModTime()}
		scanFile(file, func(e *Entry) {
			seg.entries++
			if visit != nil {
				visit(file, e)
			}
			if e.Timestamp.IsZero() {
				return
			}
			if seg.first.IsZero() || e.Timestamp.Before(seg.first) {
				seg.first = e.Timestamp
			}
			if e.Timestamp.After(seg.last) {
				seg.last = e.Timestamp
			}
		})
		segs = append(segs, seg)
	}
	return segs
}

// expired returns the segments whose newest decision predates cutoff. The
// latest segment is where a running writer appends, so it never expires.
func expired(segs []segment, cutoff time.Time) []segment {
	if len(segs) < 2 {
		return nil
	}
	var out []segment
	for _, seg := range segs[:len(segs)-1] {
		if _, last := seg.span(); last.Before(cutoff) {
			out = append(out, seg)
		}
	}
	return out
}

// coverage sums sizes and returns the decision span across segments
func coverage(segs []segment) (size int64, oldest, newest time.Time) {
	for _, seg := range segs {
		size += seg.size
		first, last := seg.span()
		if oldest.IsZero() || first.Before(oldest) {
			oldest = first
		}
		if last.After(newest) {
			newest = last
		}
	}
	return size, oldest, newest
}

func retentionCutoff(now time.Time, retentionDays int) time.Time {
	return now.AddDate(0, 0, -retentionDays)
}

// CleanupStats reports what a cleanup removed
type CleanupStats struct {
	FilesRemoved  int
	FilesArchived int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// CleanupWithArchive removes segments whose decisions are all older than
// the retention period. With an archiver, every expired segment is copied
// first; on the first archive failure nothing is removed.
func CleanupWithArchive(ctx context.Context, dir string, config Config, archiver Archiver) (CleanupStats, error) {
	var stats CleanupStats
	segs := expired(loadSegments(segmentFiles(dir, config.FilePrefix), nil),
		retentionCutoff(time.Now(), config.RetentionDays))
	if len(segs) == 0 {
		return stats, nil
	}

	if archiver != nil {
		for _, seg := range segs {
			if err := archiver.Archive(ctx, seg.path); err != nil {
				return stats, fmt.Errorf("failed to archive %s: %w", filepath.Base(seg.path), err)
			}
			stats.FilesArchived++
		}
	}

	for _, seg := range segs {
		if err := os.Remove(seg.path); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", filepath.Base(seg.path), err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += seg.size
	}
	_, stats.OldestRemoved, stats.NewestRemoved = coverage(segs)
	return stats, nil
}
