// Package limits enforces hard ceilings on the file write volume a
// session may produce inside its sandbox. The ceilings are process-wide
// constants; caller-supplied limits can only tighten them.
package limits

import (
	"fmt"
	"strings"
	"sync"
)

// Hard ceilings. A WriteLimits constructed with larger values is clamped
// down to these at construction time, so a misconfigured caller cannot
// raise them.
const (
	CeilingMaxFileSizeBytes   = 10 * 1024 * 1024  // 10 MiB per file
	CeilingMaxFilesCreated    = 500               // new files per session
	CeilingMaxFilesModified   = 1000              // modified files per session
	CeilingMaxTotalWriteBytes = 100 * 1024 * 1024 // 100 MiB per session
	CeilingMaxLinesPerFile    = 50000             // lines per file
)

// ViolationKind names the limit a write would exceed.
type ViolationKind string

const (
	ViolationFileTooLarge    ViolationKind = "file_too_large"
	ViolationTooManyCreated  ViolationKind = "too_many_files_created"
	ViolationTooManyModified ViolationKind = "too_many_files_modified"
	ViolationTotalVolume     ViolationKind = "total_volume_exceeded"
	ViolationTooManyLines    ViolationKind = "too_many_lines"
)

// Violation describes a rejected write: the limit, the observed value,
// and the offending path.
type Violation struct {
	Kind   ViolationKind
	Path   string
	Limit  int64
	Actual int64
}

func (v *Violation) Error() string {
	return fmt.Sprintf("write limit %s: %s (limit %d, actual %d)", v.Kind, v.Path, v.Limit, v.Actual)
}

// WriteLimits is an immutable set of per-session write ceilings.
// Construct via NewWriteLimits; zero or negative fields take the ceiling.
type WriteLimits struct {
	MaxFileSizeBytes   int64
	MaxFilesCreated    int
	MaxFilesModified   int
	MaxTotalWriteBytes int64
	MaxLinesPerFile    int
}

// NewWriteLimits clamps every field into (0, ceiling]. Values above the
// ceiling or not positive become the ceiling itself.
func NewWriteLimits(fileSize int64, created, modified int, totalBytes int64, lines int) WriteLimits {
	return WriteLimits{
		MaxFileSizeBytes:   clamp64(fileSize, CeilingMaxFileSizeBytes),
		MaxFilesCreated:    clampInt(created, CeilingMaxFilesCreated),
		MaxFilesModified:   clampInt(modified, CeilingMaxFilesModified),
		MaxTotalWriteBytes: clamp64(totalBytes, CeilingMaxTotalWriteBytes),
		MaxLinesPerFile:    clampInt(lines, CeilingMaxLinesPerFile),
	}
}

// DefaultWriteLimits returns limits at the ceilings.
func DefaultWriteLimits() WriteLimits {
	return NewWriteLimits(0, 0, 0, 0, 0)
}

func clamp64(v, ceiling int64) int64 {
	if v <= 0 || v > ceiling {
		return ceiling
	}
	return v
}

func clampInt(v, ceiling int) int {
	if v <= 0 || v > ceiling {
		return ceiling
	}
	return v
}

// Stats is a point-in-time snapshot of accumulated write volume.
type Stats struct {
	FilesCreated  int   `json:"files_created"`
	FilesModified int   `json:"files_modified"`
	TotalBytes    int64 `json:"total_bytes"`
	LargestFile   int64 `json:"largest_file"`
}

// Tracker accumulates write volume for one session and evaluates every
// write against the limits before it happens. Safe for concurrent use.
type Tracker struct {
	limits WriteLimits

	mu       sync.Mutex
	created  map[string]struct{}
	modified map[string]struct{}
	total    int64
	largest  int64
}

// NewTracker creates a tracker bound to the given limits.
func NewTracker(l WriteLimits) *Tracker {
	return &Tracker{
		limits:   l,
		created:  make(map[string]struct{}),
		modified: make(map[string]struct{}),
	}
}

// Limits returns the (already clamped) limits this tracker enforces.
func (t *Tracker) Limits() WriteLimits { return t.limits }

// CheckWrite evaluates a pending write. A nil return means the write is
// allowed; the caller must then RecordWrite after performing it.
// Re-writing a path already counted does not consume another file slot.
func (t *Tracker) CheckWrite(path, content string, isNewFile bool) *Violation {
	size := int64(len(content))
	lines := int64(strings.Count(content, "\n")) + 1

	t.mu.Lock()
	defer t.mu.Unlock()

	if size > t.limits.MaxFileSizeBytes {
		return &Violation{Kind: ViolationFileTooLarge, Path: path, Limit: t.limits.MaxFileSizeBytes, Actual: size}
	}
	if int(lines) > t.limits.MaxLinesPerFile {
		return &Violation{Kind: ViolationTooManyLines, Path: path, Limit: int64(t.limits.MaxLinesPerFile), Actual: lines}
	}
	if t.total+size > t.limits.MaxTotalWriteBytes {
		return &Violation{Kind: ViolationTotalVolume, Path: path, Limit: t.limits.MaxTotalWriteBytes, Actual: t.total + size}
	}
	if isNewFile {
		if _, seen := t.created[path]; !seen && len(t.created) >= t.limits.MaxFilesCreated {
			return &Violation{Kind: ViolationTooManyCreated, Path: path, Limit: int64(t.limits.MaxFilesCreated), Actual: int64(len(t.created) + 1)}
		}
	} else {
		if _, seen := t.modified[path]; !seen && len(t.modified) >= t.limits.MaxFilesModified {
			return &Violation{Kind: ViolationTooManyModified, Path: path, Limit: int64(t.limits.MaxFilesModified), Actual: int64(len(t.modified) + 1)}
		}
	}
	return nil
}

// RecordWrite accumulates a completed write into the tracker state.
func (t *Tracker) RecordWrite(path, content string, isNewFile bool) {
	size := int64(len(content))

	t.mu.Lock()
	defer t.mu.Unlock()

	if isNewFile {
		t.created[path] = struct{}{}
	} else {
		t.modified[path] = struct{}{}
	}
	t.total += size
	if size > t.largest {
		t.largest = size
	}
}

// Stats returns a snapshot of accumulated volume.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		FilesCreated:  len(t.created),
		FilesModified: len(t.modified),
		TotalBytes:    t.total,
		LargestFile:   t.largest,
	}
}
