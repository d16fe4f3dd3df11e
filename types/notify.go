package types

import "time"

// Event types published on the notification bus.
const (
	EventUploadStart        = "upload_start"
	EventPhase              = "phase"
	EventProgress           = "progress"
	EventPartCompleted      = "part_completed"
	EventPartFailed         = "part_failed"
	EventEncryptionFallback = "encryption_fallback"
	EventUploadDone         = "upload_done"
	EventUploadFailed       = "upload_failed"
	EventUploadCancelled    = "upload_cancelled"
)

// Event is an upload notification, broadcast to websocket clients and the notify socket.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Phase     UploadPhase    `json:"phase,omitempty"`
	Percent   float64        `json:"percent,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}
