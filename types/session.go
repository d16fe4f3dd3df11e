package types

import "time"

// PartStatus is the lifecycle status of one part of a multipart upload.
type PartStatus string

const (
	PartPending   PartStatus = "pending"
	PartInFlight  PartStatus = "in_flight"
	PartCompleted PartStatus = "completed"
	PartFailed    PartStatus = "failed"
)

// Valid reports whether s is one of the known part statuses.
func (s PartStatus) Valid() bool {
	switch s {
	case PartPending, PartInFlight, PartCompleted, PartFailed:
		return true
	}
	return false
}

// SessionState is the transfer state machine position of a session.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateTransferring SessionState = "transferring"
	StateVerifying    SessionState = "verifying"
	StateCompleting   SessionState = "completing"
	StateDone         SessionState = "done"
	StateFailed       SessionState = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionState) Terminal() bool {
	return s == StateDone
}

// PartRecord describes a single byte range [Start, End) of the uploaded payload.
type PartRecord struct {
	Index      int        `json:"index"`
	Start      int64      `json:"-"`
	End        int64      `json:"-"`
	PartNumber int        `json:"-"`
	Status     PartStatus `json:"status"`
	ETag       string     `json:"eTag,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
}

// Size returns the number of bytes covered by the part.
func (p PartRecord) Size() int64 {
	return p.End - p.Start
}

// UploadSession is the durable, resumable record of one multipart upload.
type UploadSession struct {
	ID              string            `json:"id"`
	FileID          string            `json:"fileId"`
	FileName        string            `json:"fileName"`
	ContentType     string            `json:"contentType,omitempty"`
	SourcePath      string            `json:"sourcePath,omitempty"`
	PayloadPath     string            `json:"payloadPath,omitempty"`
	ObjectKey       string            `json:"objectKey"`
	MultipartHandle string            `json:"multipartHandle"`
	TotalSize       int64             `json:"totalSize"`
	PartSize        int64             `json:"partSize"`
	TotalParts      int               `json:"totalParts"`
	Parts           []PartRecord      `json:"parts"`
	CompletedParts  int               `json:"completedParts"`
	State           SessionState      `json:"state"`
	Aborted         bool              `json:"aborted,omitempty"`
	Encrypted       bool              `json:"encrypted,omitempty"`
	Location        string            `json:"location,omitempty"`
	ObjectETag      string            `json:"objectETag,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastUpdatedAt   time.Time         `json:"lastUpdatedAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers never share part slices or metadata maps with the store.
func (s *UploadSession) Clone() *UploadSession {
	if s == nil {
		return nil
	}
	copied := *s
	copied.Parts = make([]PartRecord, len(s.Parts))
	copy(copied.Parts, s.Parts)
	if s.Metadata != nil {
		copied.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

// CompletedBytes sums the sizes of completed parts.
func (s *UploadSession) CompletedBytes() int64 {
	var n int64
	for _, p := range s.Parts {
		if p.Status == PartCompleted {
			n += p.Size()
		}
	}
	return n
}

// PendingIndices lists, in ascending order, every part that still has to be uploaded.
func (s *UploadSession) PendingIndices() []int {
	out := make([]int, 0, len(s.Parts)-s.CompletedParts)
	for _, p := range s.Parts {
		if p.Status != PartCompleted {
			out = append(out, p.Index)
		}
	}
	return out
}

// SessionEvent is delivered to store subscribers after a mutation has been persisted.
type SessionEvent struct {
	Kind    string         `json:"kind"` // created, part, state, removed, expired, evicted
	Session *UploadSession `json:"session,omitempty"`
	ID      string         `json:"id"`
	Index   int            `json:"index,omitempty"`
}

const (
	SessionEventCreated = "created"
	SessionEventPart    = "part"
	SessionEventState   = "state"
	SessionEventRemoved = "removed"
	SessionEventExpired = "expired"
	SessionEventEvicted = "evicted"
)
