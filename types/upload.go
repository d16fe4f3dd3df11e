package types

import "time"

// MultipartInit is returned by the storage provider when a multipart upload is opened.
type MultipartInit struct {
	MultipartHandle string `json:"uploadId"`
	ObjectKey       string `json:"key"`
}

// CompletedPart is one entry of the ordered completion list.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// CompletionResult is returned by the provider once the object has been assembled.
type CompletionResult struct {
	Location string `json:"location"`
	ETag     string `json:"etag"`
}

// AssetRegistration is passed to the asset-registration callback after completion.
type AssetRegistration struct {
	ObjectKey   string            `json:"objectKey"`
	ObjectURL   string            `json:"objectUrl"`
	FileName    string            `json:"fileName"`
	FileSize    int64             `json:"fileSize"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Encryption  *EncryptionInfo   `json:"encryption,omitempty"`
}

// FileRef identifies the local file handed to the uploader.
type FileRef struct {
	Path        string `json:"path"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Destination describes where and how the object is stored.
type Destination struct {
	ObjectKey string            `json:"objectKey"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UploadPhase is the user-visible phase of an upload.
type UploadPhase string

const (
	PhaseEncrypting UploadPhase = "encrypting"
	PhaseUploading  UploadPhase = "uploading"
	PhaseFinalizing UploadPhase = "finalizing"
	PhaseDone       UploadPhase = "done"
	PhaseFailed     UploadPhase = "failed"
	PhaseCancelled  UploadPhase = "cancelled"
)

// UploadStatus is a point-in-time snapshot of a running upload.
type UploadStatus struct {
	SessionID string       `json:"sessionId"`
	Phase     UploadPhase  `json:"phase"`
	Percent   float64      `json:"percent"`
	State     SessionState `json:"state,omitempty"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
