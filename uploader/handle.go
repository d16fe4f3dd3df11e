package uploader

import (
	"context"
	"sync"
	"time"

	"github.com/moyoez/courseupload/types"
)

// Result is the outcome of one upload run.
type Result struct {
	SessionID string `json:"sessionId"`
	ObjectKey string `json:"objectKey"`
	Location  string `json:"location,omitempty"`
	ETag      string `json:"etag,omitempty"`
	Encrypted bool   `json:"encrypted"`
	// EncryptionFallback is set when encryption was requested but the file went up in plaintext.
	EncryptionFallback bool                  `json:"encryptionFallback,omitempty"`
	Encryption         *types.EncryptionInfo `json:"encryption,omitempty"`
	Cancelled          bool                  `json:"cancelled,omitempty"`
	PartsUploaded      int                   `json:"partsUploaded"`
}

// Handle tracks a running upload.
type Handle struct {
	id string

	stop     chan struct{}
	stopOnce sync.Once
	// abort cancels the run context; Cancel only stops new work
	abort context.CancelFunc
	done  chan struct{}
	// unpin lets the store sweep the session again
	unpin func()

	mu     sync.Mutex
	status types.UploadStatus
	result *Result
	err    error
}

func newHandle(id string, abort context.CancelFunc) *Handle {
	return &Handle{
		id:    id,
		stop:  make(chan struct{}),
		abort: abort,
		done:  make(chan struct{}),
		unpin: func() {},
		status: types.UploadStatus{
			SessionID: id,
			Phase:     types.PhaseEncrypting,
			State:     types.StateInitializing,
			UpdatedAt: time.Now(),
		},
	}
}

func (h *Handle) ID() string { return h.id }

// Status returns a snapshot of the upload's phase and progress.
func (h *Handle) Status() types.UploadStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run has finished.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Cancel stops dispatching new parts; parts already in flight finish and are recorded.
// The session stays resumable.
func (h *Handle) Cancel() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Handle) cancelled() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

func (h *Handle) update(fn func(*types.UploadStatus)) types.UploadStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.status)
	h.status.UpdatedAt = time.Now()
	return h.status
}

func (h *Handle) finish(res *Result, err error) {
	h.mu.Lock()
	h.result = res
	h.err = err
	h.mu.Unlock()
	h.abort()
	close(h.done)
}
