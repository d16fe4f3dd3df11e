package session

import (
	"errors"
	"fmt"

	"github.com/moyoez/courseupload/types"
)

const (
	// MaxParts is the provider limit on parts per multipart upload.
	MaxParts         = 10000
	DefaultChunkSize = 5 << 20
	mib              = 1 << 20
)

var ErrInvalidSession = errors.New("invalid session record")

// PlanChunkSize returns the chunk size actually used for a payload of totalSize bytes.
// The requested size is grown (to a whole MiB) when it would need more than MaxParts parts.
func PlanChunkSize(totalSize, requested int64) int64 {
	chunk := requested
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if totalSize > 0 && (totalSize+chunk-1)/chunk > MaxParts {
		needed := (totalSize + MaxParts - 1) / MaxParts
		chunk = (needed + mib - 1) / mib * mib
	}
	return chunk
}

// PartCount is the number of parts for totalSize at partSize. An empty payload is one part.
func PartCount(totalSize, partSize int64) int {
	if totalSize <= 0 || partSize <= 0 {
		return 1
	}
	return int((totalSize + partSize - 1) / partSize)
}

// Partition splits [0, totalSize) into contiguous half-open ranges of partSize bytes,
// the last one possibly shorter. All parts start pending.
func Partition(totalSize, partSize int64) []types.PartRecord {
	if partSize <= 0 {
		partSize = max(totalSize, 1)
	}
	count := PartCount(totalSize, partSize)
	parts := make([]types.PartRecord, count)
	for i := range parts {
		start := int64(i) * partSize
		end := min(start+partSize, totalSize)
		parts[i] = types.PartRecord{
			Index:      i,
			Start:      start,
			End:        end,
			PartNumber: i + 1,
			Status:     types.PartPending,
		}
	}
	return parts
}

// hydrate recomputes the byte ranges of a session loaded from storage.
func hydrate(s *types.UploadSession) error {
	if s.PartSize <= 0 || s.TotalSize < 0 {
		return fmt.Errorf("%w: part size %d, total size %d", ErrInvalidSession, s.PartSize, s.TotalSize)
	}
	layout := Partition(s.TotalSize, s.PartSize)
	if len(layout) != len(s.Parts) {
		return fmt.Errorf("%w: %d parts stored, %d expected", ErrInvalidSession, len(s.Parts), len(layout))
	}
	for i := range s.Parts {
		s.Parts[i].Start = layout[i].Start
		s.Parts[i].End = layout[i].End
		s.Parts[i].PartNumber = layout[i].PartNumber
	}
	return Validate(s)
}

// Validate checks the partition and counter invariants of s.
func Validate(s *types.UploadSession) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidSession)
	}
	if s.TotalParts != len(s.Parts) || len(s.Parts) == 0 {
		return fmt.Errorf("%w: totalParts %d with %d records", ErrInvalidSession, s.TotalParts, len(s.Parts))
	}
	var next int64
	completed := 0
	for i, p := range s.Parts {
		if p.Index != i || p.PartNumber != i+1 {
			return fmt.Errorf("%w: part %d has index %d, number %d", ErrInvalidSession, i, p.Index, p.PartNumber)
		}
		if p.Start != next || p.End < p.Start {
			return fmt.Errorf("%w: part %d covers [%d,%d), expected start %d", ErrInvalidSession, i, p.Start, p.End, next)
		}
		next = p.End
		if !p.Status.Valid() {
			return fmt.Errorf("%w: part %d has status %q", ErrInvalidSession, i, p.Status)
		}
		if (p.Status == types.PartCompleted) != (p.ETag != "") {
			return fmt.Errorf("%w: part %d status %s with eTag %q", ErrInvalidSession, i, p.Status, p.ETag)
		}
		if p.Status == types.PartCompleted {
			completed++
		}
	}
	if next != s.TotalSize {
		return fmt.Errorf("%w: parts end at %d, total size %d", ErrInvalidSession, next, s.TotalSize)
	}
	if completed != s.CompletedParts {
		return fmt.Errorf("%w: completedParts %d, counted %d", ErrInvalidSession, s.CompletedParts, completed)
	}
	return nil
}

func countCompleted(parts []types.PartRecord) int {
	n := 0
	for _, p := range parts {
		if p.Status == types.PartCompleted {
			n++
		}
	}
	return n
}
