// Package uploader is the entry point for callers: it encrypts, sizes, checkpoints,
// transfers, completes and registers a file, and lets the caller cancel, resume or
// discard the upload.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"golang.org/x/time/rate"

	"github.com/moyoez/courseupload/netprobe"
	"github.com/moyoez/courseupload/notify"
	"github.com/moyoez/courseupload/session"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/transfer"
	"github.com/moyoez/courseupload/types"
)

var (
	// ErrMaterialUnavailable means an encrypted session cannot continue because its key
	// material or ciphertext spool file is gone, typically after a restart.
	ErrMaterialUnavailable = errors.New("encryption material unavailable")
	ErrRegistration        = errors.New("asset registration failed")
	ErrBusy                = errors.New("upload already running for this session")
)

// Metadata keys set on every session.
const (
	MetaEncrypted    = "encrypted"
	MetaOriginalSize = "original-size"
)

const (
	defaultMaterialTTL = 24 * time.Hour
	finishedHandleTTL  = time.Hour
	registerAttempts   = 3
	evictAbortTimeout  = 30 * time.Second
)

// ProfileSource supplies the network profile for a run.
type ProfileSource interface {
	Measure(ctx context.Context) types.NetworkProfile
}

// Deps are the collaborators of an Uploader. Aborter and Bus are optional.
type Deps struct {
	Store      *session.Store
	Sampler    ProfileSource
	Initiator  transfer.MultipartInitiator
	Issuer     transfer.PartURLIssuer
	Completer  transfer.Completer
	Registrar  transfer.AssetRegistrar
	Aborter    transfer.Aborter
	Bus        *notify.Bus
	HTTPClient *http.Client
}

type Config struct {
	// SpoolDir holds ciphertext of encrypted uploads until they are registered.
	SpoolDir   string
	Encryption types.EncryptionConfig
	Network    types.NetworkConfig
	Limiter    *rate.Limiter
	// CompletionAttempts overrides the profile retry limit for completion.
	CompletionAttempts int
	// MaterialTTL is how long key material of an unfinished upload is kept in memory.
	MaterialTTL time.Duration
	// RegisterAttempts bounds asset registration calls per run.
	RegisterAttempts int
	Backoff          func(base time.Duration) func(attempt int) time.Duration
}

// Options tune a single Start call.
type Options struct {
	// Encrypt requests client-side encryption in addition to Config.Encryption.Enabled.
	Encrypt     bool
	ChunkSize   int64
	Concurrency int
	ResumeID    string
}

type Uploader struct {
	deps Deps
	cfg  Config
	ctrl *transfer.Controller

	mu       sync.Mutex
	running  map[string]*Handle
	finished *ttlworker.Cache[string, *Handle]
	// key material is never persisted
	materials *ttlworker.Cache[string, *types.EncryptionMaterial]

	unsubscribe func()
	evictions   sync.WaitGroup
}

func New(deps Deps, cfg Config) (*Uploader, error) {
	if deps.Store == nil || deps.Initiator == nil || deps.Issuer == nil || deps.Completer == nil || deps.Registrar == nil {
		return nil, errors.New("uploader: store, initiator, issuer, completer and registrar are required")
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(os.TempDir(), "courseupload-spool")
	}
	if cfg.RegisterAttempts <= 0 {
		cfg.RegisterAttempts = registerAttempts
	}
	if cfg.MaterialTTL <= 0 {
		cfg.MaterialTTL = defaultMaterialTTL
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = tool.NewTransferClient()
	}
	u := &Uploader{
		deps: deps,
		cfg:  cfg,
		ctrl: transfer.NewController(transfer.Options{
			Store:              deps.Store,
			Issuer:             deps.Issuer,
			Completer:          deps.Completer,
			HTTPClient:         deps.HTTPClient,
			Limiter:            cfg.Limiter,
			CompletionAttempts: cfg.CompletionAttempts,
			Backoff:            cfg.Backoff,
		}),
		running:   make(map[string]*Handle),
		finished:  ttlworker.NewCache[string, *Handle](finishedHandleTTL),
		materials: ttlworker.NewCache[string, *types.EncryptionMaterial](cfg.MaterialTTL),
	}
	u.unsubscribe = deps.Store.Subscribe(u.onSessionEvent)
	return u, nil
}

// Start uploads file to dest in the background. ctx bounds only the checks done before
// Start returns; the run itself is stopped with Handle.Cancel, Discard or Close.
func (u *Uploader) Start(ctx context.Context, file types.FileRef, dest types.Destination, opts Options) (*Handle, error) {
	ref, err := tool.InspectFile(file)
	if err != nil {
		return nil, err
	}
	if dest.ObjectKey == "" {
		return nil, errors.New("destination object key is required")
	}
	fileID := tool.FileID(ref.Name, ref.Size)

	if opts.ResumeID != "" {
		sess, err := u.deps.Store.Get(ctx, opts.ResumeID)
		switch {
		case err == nil:
			if sess.FileID != fileID {
				return nil, fmt.Errorf("%w: session %s belongs to another file", session.ErrMismatch, sess.ID)
			}
			return u.resume(ctx, sess, opts)
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
			tool.DefaultLogger.Infof("[Uploader] Session %s is gone, starting %s fresh", opts.ResumeID, ref.Name)
		default:
			return nil, err
		}
	}

	h, runCtx, err := u.claim(ctx, fileID)
	if err != nil {
		return nil, err
	}

	// a fresh start replaces whatever upload this file had before
	if _, err := u.deps.Store.Get(ctx, fileID); err == nil {
		tool.DefaultLogger.Infof("[Uploader] Replacing earlier session %s", fileID)
		if err := u.discardState(ctx, fileID); err != nil {
			u.release(h, nil, err)
			return nil, err
		}
	}

	u.publish(types.Event{Type: types.EventUploadStart, SessionID: fileID, Message: ref.Name,
		Data: map[string]any{"objectKey": dest.ObjectKey, "size": ref.Size}})
	go u.startRun(runCtx, h, ref, dest, opts)
	return h, nil
}

// Resume continues a stored session: pending parts are uploaded, a completed transfer is
// finalized and a finalized object is registered.
func (u *Uploader) Resume(ctx context.Context, sessionID string) (*Handle, error) {
	sess, err := u.deps.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return u.resume(ctx, sess, Options{})
}

func (u *Uploader) resume(ctx context.Context, sess *types.UploadSession, opts Options) (*Handle, error) {
	var material *types.EncryptionMaterial
	if sess.Encrypted {
		material = u.materials.Get(sess.ID)
		if material == nil {
			return nil, fmt.Errorf("%w: key for session %s is not held by this process", ErrMaterialUnavailable, sess.ID)
		}
	}
	needPayload := sess.State != types.StateDone && sess.CompletedParts < sess.TotalParts
	if needPayload {
		info, err := os.Stat(sess.PayloadPath)
		switch {
		case err != nil && sess.Encrypted:
			return nil, fmt.Errorf("%w: %v", ErrMaterialUnavailable, err)
		case err != nil:
			return nil, fmt.Errorf("source file unavailable: %w", err)
		case info.Size() != sess.TotalSize:
			return nil, fmt.Errorf("%w: %s is %d bytes, session expects %d", session.ErrMismatch, sess.PayloadPath, info.Size(), sess.TotalSize)
		}
	}

	h, runCtx, err := u.claim(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	resumed, _, err := u.deps.Store.Initialize(ctx, session.InitRequest{FileID: sess.FileID, ResumeID: sess.ID}, nil)
	if err != nil {
		u.release(h, nil, err)
		return nil, err
	}
	tool.DefaultLogger.Infof("[Uploader] Resuming %s: %d of %d parts stored, state %s",
		resumed.ID, resumed.CompletedParts, resumed.TotalParts, resumed.State)
	u.publish(types.Event{Type: types.EventUploadStart, SessionID: resumed.ID, Message: resumed.FileName,
		Data: map[string]any{"objectKey": resumed.ObjectKey, "resumed": true}})

	res := &Result{
		SessionID: resumed.ID,
		ObjectKey: resumed.ObjectKey,
		Encrypted: resumed.Encrypted,
	}
	go func() {
		profile := u.profile(runCtx, opts)
		u.transferRun(runCtx, h, resumed, material, profile, res)
	}()
	return h, nil
}

// Cancel cooperatively stops a running upload.
func (u *Uploader) Cancel(h *Handle) {
	if h != nil {
		h.Cancel()
	}
}

// CancelSession cancels the running upload of sessionID, or marks an idle session aborted.
func (u *Uploader) CancelSession(ctx context.Context, sessionID string) error {
	u.mu.Lock()
	h := u.running[sessionID]
	u.mu.Unlock()
	if h != nil {
		h.Cancel()
		return nil
	}
	_, err := u.deps.Store.MarkAborted(ctx, sessionID, true)
	return err
}

// Discard stops any run of sessionID, aborts its multipart upload and forgets the session,
// its spool file and its key material.
func (u *Uploader) Discard(ctx context.Context, sessionID string) error {
	u.mu.Lock()
	h := u.running[sessionID]
	u.mu.Unlock()
	if h != nil {
		h.Cancel()
		h.abort()
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := u.discardState(ctx, sessionID); err != nil {
		return err
	}
	u.finished.Delete(sessionID)
	tool.DefaultLogger.Infof("[Uploader] Discarded %s", sessionID)
	return nil
}

func (u *Uploader) discardState(ctx context.Context, sessionID string) error {
	payload := u.spoolPath(sessionID)
	if sess, err := u.deps.Store.Get(ctx, sessionID); err == nil && sess.Encrypted && sess.PayloadPath != "" {
		payload = sess.PayloadPath
	}
	if err := transfer.AbortSession(ctx, u.deps.Store, u.deps.Aborter, sessionID); err != nil {
		return err
	}
	u.materials.Delete(sessionID)
	u.removeSpool(payload)
	return nil
}

// Store is the session store the uploader checkpoints into.
func (u *Uploader) Store() *session.Store { return u.deps.Store }

// ListActive lists stored sessions, newest first.
func (u *Uploader) ListActive(ctx context.Context) ([]*types.UploadSession, error) {
	return u.deps.Store.ListActive(ctx)
}

// Handle returns the running or recently finished handle of sessionID.
func (u *Uploader) Handle(sessionID string) (*Handle, bool) {
	u.mu.Lock()
	h := u.running[sessionID]
	u.mu.Unlock()
	if h != nil {
		return h, true
	}
	h = u.finished.Get(sessionID)
	return h, h != nil
}

// Close aborts every running upload and waits for them to stop.
func (u *Uploader) Close() {
	u.mu.Lock()
	handles := make([]*Handle, 0, len(u.running))
	for _, h := range u.running {
		handles = append(handles, h)
	}
	u.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
		h.abort()
		<-h.Done()
	}
	u.unsubscribe()
	u.evictions.Wait()
}

// onSessionEvent releases what a session swept by the store retention policy still holds:
// its key material, its spool file and the provider's multipart upload.
func (u *Uploader) onSessionEvent(ev types.SessionEvent) {
	if ev.Kind != types.SessionEventEvicted || ev.Session == nil {
		return
	}
	sess := ev.Session
	u.materials.Delete(sess.ID)
	if sess.Encrypted {
		path := sess.PayloadPath
		if path == "" {
			path = u.spoolPath(sess.ID)
		}
		u.removeSpool(path)
	}
	if u.deps.Aborter == nil || sess.MultipartHandle == "" {
		return
	}
	// runs under the store's session lock, so the network call goes elsewhere
	u.evictions.Add(1)
	go func() {
		defer u.evictions.Done()
		ctx, cancel := context.WithTimeout(context.Background(), evictAbortTimeout)
		defer cancel()
		err := u.deps.Aborter.AbortMultipart(ctx, sess.ObjectKey, sess.MultipartHandle)
		if err != nil && !errors.Is(err, transfer.ErrHandleExpired) {
			tool.DefaultLogger.Warnf("[Uploader] Failed to abort multipart upload of swept session %s: %v", sess.ID, err)
			return
		}
		tool.DefaultLogger.Infof("[Uploader] Aborted multipart upload of swept session %s", sess.ID)
	}()
}

func (u *Uploader) claim(ctx context.Context, id string) (*Handle, context.Context, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.running[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	runCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	h := newHandle(id, abort)
	h.unpin = u.deps.Store.Pin(id)
	u.running[id] = h
	u.finished.Delete(id)
	return h, runCtx, nil
}

func (u *Uploader) release(h *Handle, res *Result, err error) {
	u.mu.Lock()
	if u.running[h.id] == h {
		delete(u.running, h.id)
	}
	u.mu.Unlock()
	h.unpin()
	u.finished.Set(h.id, h)
	h.finish(res, err)
}

func (u *Uploader) profile(ctx context.Context, opts Options) types.NetworkProfile {
	var p types.NetworkProfile
	if u.deps.Sampler != nil {
		p = u.deps.Sampler.Measure(ctx)
	} else {
		p = netprobe.ProfileFor(0, types.ConnectionUnknown, u.cfg.Network)
	}
	// overrides get the same bounds as measured advice
	if opts.ChunkSize > 0 {
		p.RecommendedChunkBytes = netprobe.ClampChunk(opts.ChunkSize, u.cfg.Network)
		if p.RecommendedChunkBytes != opts.ChunkSize {
			tool.DefaultLogger.Warnf("[Uploader] Chunk size %d out of bounds, using %d", opts.ChunkSize, p.RecommendedChunkBytes)
		}
	}
	if opts.Concurrency > 0 {
		p.RecommendedConcurrency = netprobe.ClampConcurrency(opts.Concurrency, u.cfg.Network)
	}
	tool.DefaultLogger.Debugf("[Uploader] Profile: %.1f Mbps (%s), chunk %d, concurrency %d, retries %d",
		p.DownloadMbps, p.EffectiveConnectionClass, p.RecommendedChunkBytes, p.RecommendedConcurrency, p.RetryLimit)
	return p
}

func (u *Uploader) spoolPath(id string) string {
	return filepath.Join(u.cfg.SpoolDir, id+".enc")
}

func (u *Uploader) removeSpool(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		tool.DefaultLogger.Warnf("[Uploader] Failed to remove spool file %s: %v", path, err)
	}
}

func (u *Uploader) publish(ev types.Event) {
	u.deps.Bus.Publish(ev)
}

func baseMetadata(dest types.Destination, ref types.FileRef, encrypted bool) map[string]string {
	meta := make(map[string]string, len(dest.Metadata)+2)
	for k, v := range dest.Metadata {
		meta[k] = v
	}
	meta[MetaEncrypted] = strconv.FormatBool(encrypted)
	meta[MetaOriginalSize] = strconv.FormatInt(ref.Size, 10)
	return meta
}
