// Package session is the durable, resumable record of multipart uploads.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

const (
	DefaultRetention   = 7 * 24 * time.Hour
	DefaultMaxSessions = 64
	cacheTTL           = 10 * time.Minute
)

var (
	ErrNotFound          = errors.New("upload session not found")
	ErrExpired           = errors.New("upload session expired")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrMismatch          = errors.New("upload session belongs to another file")
	ErrIndexOutOfRange   = errors.New("part index out of range")
)

// Options configures retention. Zero values fall back to the defaults.
type Options struct {
	Retention   time.Duration
	MaxSessions int
	Now         func() time.Time
}

// InitRequest describes the payload a session is opened for.
type InitRequest struct {
	FileID      string
	FileName    string
	ContentType string
	SourcePath  string
	PayloadPath string
	ObjectKey   string
	TotalSize   int64
	ChunkSize   int64
	Encrypted   bool
	Metadata    map[string]string
	ResumeID    string
}

// OpenFunc obtains the multipart handle for a fresh session.
type OpenFunc func(ctx context.Context, objectKey string) (*types.MultipartInit, error)

// Store serializes every mutation of one session behind its own mutex and persists it
// before returning. Different sessions never contend.
type Store struct {
	backend Backend
	opts    Options
	cache   *ttlworker.Cache[string, *types.UploadSession]

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	// pinned sessions have a transfer running and are never swept
	pinsMu sync.Mutex
	pins   map[string]int

	subsMu  sync.RWMutex
	subs    map[int]func(types.SessionEvent)
	nextSub int
}

// NewStore wraps backend and sweeps expired sessions once.
func NewStore(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		backend: backend,
		opts:    opts,
		cache:   ttlworker.NewCache[string, *types.UploadSession](cacheTTL),
		locks:   make(map[string]*sessionLock),
		pins:    make(map[string]int),
		subs:    make(map[int]func(types.SessionEvent)),
	}
	if _, err := s.Sweep(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Subscribe registers fn for every persisted mutation. Events of one session arrive in
// mutation order. fn runs while the session is locked and must not call back into the Store.
func (s *Store) Subscribe(fn func(types.SessionEvent)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) publish(ev types.SessionEvent) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, fn := range s.subs {
		fn(ev)
	}
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lock takes the per-session mutex. The entry is dropped once nobody holds or waits for it.
func (s *Store) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

// Pin keeps id out of Sweep until the returned function is called. Pins nest.
func (s *Store) Pin(id string) (unpin func()) {
	s.pinsMu.Lock()
	s.pins[id]++
	s.pinsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.pinsMu.Lock()
			if s.pins[id]--; s.pins[id] <= 0 {
				delete(s.pins, id)
			}
			s.pinsMu.Unlock()
		})
	}
}

func (s *Store) pinned(id string) bool {
	s.pinsMu.Lock()
	defer s.pinsMu.Unlock()
	return s.pins[id] > 0
}

func (s *Store) expired(sess *types.UploadSession) bool {
	return s.opts.Now().Sub(sess.LastUpdatedAt) > s.opts.Retention
}

// load returns the stored session; the caller holds the session lock and must not mutate it.
func (s *Store) load(ctx context.Context, id string) (*types.UploadSession, error) {
	if sess := s.cache.Get(id); sess != nil {
		return sess, nil
	}
	sess, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, sess)
	return sess, nil
}

func (s *Store) save(ctx context.Context, sess *types.UploadSession) error {
	sess.LastUpdatedAt = s.opts.Now()
	if err := s.backend.Save(ctx, sess); err != nil {
		// the cached copy may now be ahead of disk
		s.cache.Delete(sess.ID)
		return fmt.Errorf("failed to persist session %s: %w", sess.ID, err)
	}
	s.cache.Set(sess.ID, sess)
	return nil
}

// mutate applies fn to a copy of the session and persists the result.
func (s *Store) mutate(ctx context.Context, id string, kind string, index int, fn func(*types.UploadSession) (bool, error)) (*types.UploadSession, error) {
	unlock := s.lock(id)
	defer unlock()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.expired(current) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	next := current.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current.Clone(), nil
	}
	if err := s.save(ctx, next); err != nil {
		return nil, err
	}
	s.publish(types.SessionEvent{Kind: kind, ID: id, Index: index, Session: next.Clone()})
	return next.Clone(), nil
}

// Initialize resumes req.ResumeID when it names a live session for the same file, and
// otherwise opens a new multipart upload through open and persists a fresh session.
// The boolean result reports whether an existing session was resumed.
func (s *Store) Initialize(ctx context.Context, req InitRequest, open OpenFunc) (*types.UploadSession, bool, error) {
	if req.FileID == "" {
		return nil, false, errors.New("file id is required")
	}
	if req.ResumeID != "" {
		sess, err := s.resume(ctx, req)
		switch {
		case err == nil:
			return sess, true, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired):
			tool.DefaultLogger.Infof("[Session] Resume %s unavailable (%v), starting fresh", req.ResumeID, err)
		default:
			return nil, false, err
		}
	}
	if open == nil {
		return nil, false, errors.New("no multipart opener")
	}

	id := req.FileID
	unlock := s.lock(id)
	partSize := PlanChunkSize(req.TotalSize, req.ChunkSize)
	init, err := open(ctx, req.ObjectKey)
	if err != nil {
		unlock()
		return nil, false, fmt.Errorf("failed to open multipart upload: %w", err)
	}
	if init == nil || init.MultipartHandle == "" {
		unlock()
		return nil, false, errors.New("provider returned no multipart handle")
	}
	objectKey := init.ObjectKey
	if objectKey == "" {
		objectKey = req.ObjectKey
	}
	now := s.opts.Now()
	parts := Partition(req.TotalSize, partSize)
	sess := &types.UploadSession{
		ID:              id,
		FileID:          req.FileID,
		FileName:        req.FileName,
		ContentType:     req.ContentType,
		SourcePath:      req.SourcePath,
		PayloadPath:     req.PayloadPath,
		ObjectKey:       objectKey,
		MultipartHandle: init.MultipartHandle,
		TotalSize:       req.TotalSize,
		PartSize:        partSize,
		TotalParts:      len(parts),
		Parts:           parts,
		State:           types.StateInitializing,
		Encrypted:       req.Encrypted,
		CreatedAt:       now,
		Metadata:        maps.Clone(req.Metadata),
	}
	if err := s.save(ctx, sess); err != nil {
		unlock()
		return nil, false, err
	}
	tool.DefaultLogger.Infof("[Session] Created %s: %d parts of %d bytes for %s", id, len(parts), partSize, objectKey)
	s.publish(types.SessionEvent{Kind: types.SessionEventCreated, ID: id, Session: sess.Clone()})
	out := sess.Clone()
	unlock()

	if _, err := s.Sweep(ctx); err != nil {
		tool.DefaultLogger.Warnf("[Session] Sweep after create failed: %v", err)
	}
	return out, false, nil
}

func (s *Store) resume(ctx context.Context, req InitRequest) (*types.UploadSession, error) {
	return s.mutate(ctx, req.ResumeID, types.SessionEventState, 0, func(sess *types.UploadSession) (bool, error) {
		if sess.FileID != req.FileID {
			return false, fmt.Errorf("%w: session %s is for file %s", ErrMismatch, sess.ID, sess.FileID)
		}
		changed := false
		for i := range sess.Parts {
			// a crashed run can leave parts claimed with no worker behind them
			if sess.Parts[i].Status == types.PartInFlight {
				sess.Parts[i].Status = types.PartPending
				changed = true
			}
		}
		if sess.Aborted {
			sess.Aborted = false
			changed = true
		}
		return changed, nil
	})
}

// UpdatePart is the only mutator of part records. It keeps completedParts equal to the
// number of completed records, treats completed as terminal and requires an eTag exactly
// when the new status is completed.
func (s *Store) UpdatePart(ctx context.Context, id string, index int, status types.PartStatus, eTag string) (*types.UploadSession, error) {
	return s.mutate(ctx, id, types.SessionEventPart, index, func(sess *types.UploadSession) (bool, error) {
		if index < 0 || index >= len(sess.Parts) {
			return false, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(sess.Parts))
		}
		if !status.Valid() {
			return false, fmt.Errorf("%w: unknown part status %q", ErrInvalidTransition, status)
		}
		if sess.State == types.StateDone {
			return false, fmt.Errorf("%w: session %s is done", ErrInvalidTransition, id)
		}
		if (status == types.PartCompleted) != (eTag != "") {
			return false, fmt.Errorf("%w: status %s with eTag %q", ErrInvalidTransition, status, eTag)
		}
		part := &sess.Parts[index]
		if part.Status == types.PartCompleted {
			if status == types.PartCompleted && part.ETag == eTag {
				return false, nil
			}
			return false, fmt.Errorf("%w: part %d already completed", ErrInvalidTransition, index)
		}
		part.Status = status
		part.ETag = eTag
		if status == types.PartInFlight {
			part.Attempts++
		}
		sess.CompletedParts = countCompleted(sess.Parts)
		return true, nil
	})
}

var transitions = map[types.SessionState][]types.SessionState{
	types.StateInitializing: {types.StateTransferring, types.StateFailed},
	types.StateTransferring: {types.StateTransferring, types.StateVerifying, types.StateFailed},
	types.StateVerifying:    {types.StateCompleting, types.StateFailed},
	types.StateCompleting:   {types.StateDone, types.StateFailed},
	types.StateFailed:       {types.StateTransferring, types.StateVerifying, types.StateFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to types.SessionState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *Store) SetState(ctx context.Context, id string, state types.SessionState) (*types.UploadSession, error) {
	return s.mutate(ctx, id, types.SessionEventState, 0, func(sess *types.UploadSession) (bool, error) {
		if !CanTransition(sess.State, state) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, state)
		}
		if sess.State == state {
			return false, nil
		}
		sess.State = state
		return true, nil
	})
}

// MarkAborted flags a session the user cancelled. Parts are left untouched.
func (s *Store) MarkAborted(ctx context.Context, id string, aborted bool) (*types.UploadSession, error) {
	return s.mutate(ctx, id, types.SessionEventState, 0, func(sess *types.UploadSession) (bool, error) {
		if sess.Aborted == aborted {
			return false, nil
		}
		sess.Aborted = aborted
		return true, nil
	})
}

// RecordCompletion stores what the provider returned for the assembled object.
func (s *Store) RecordCompletion(ctx context.Context, id, location, eTag string) (*types.UploadSession, error) {
	return s.mutate(ctx, id, types.SessionEventState, 0, func(sess *types.UploadSession) (bool, error) {
		sess.Location = location
		sess.ObjectETag = eTag
		return true, nil
	})
}

func (s *Store) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	unlock := s.lock(id)
	defer unlock()
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.expired(sess) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return sess.Clone(), nil
}

// ListActive returns every unexpired session, most recently updated first.
func (s *Store) ListActive(ctx context.Context) ([]*types.UploadSession, error) {
	if _, err := s.Sweep(ctx); err != nil {
		return nil, err
	}
	all, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.UploadSession, 0, len(all))
	for _, sess := range all {
		if s.expired(sess) {
			continue
		}
		out = append(out, sess)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
	})
	return out, nil
}

// Complete removes a session whose object has been assembled and registered.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.remove(ctx, id, types.SessionEventRemoved, nil)
}

// Expire removes a session that will never be finished.
func (s *Store) Expire(ctx context.Context, id string) error {
	return s.remove(ctx, id, types.SessionEventExpired, nil)
}

func (s *Store) remove(ctx context.Context, id, kind string, sess *types.UploadSession) error {
	unlock := s.lock(id)
	defer unlock()
	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	s.cache.Delete(id)
	s.publish(types.SessionEvent{Kind: kind, ID: id, Session: sess})
	return nil
}

// Sweep applies the retention policy: sessions idle longer than Retention are removed,
// then the oldest sessions beyond MaxSessions. Pinned sessions are skipped and do not count
// toward MaxSessions. Removals publish SessionEventEvicted carrying the removed session so
// subscribers can release what it referenced. It returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	all, err := s.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].LastUpdatedAt.After(all[j].LastUpdatedAt)
	})
	removed := 0
	kept := 0
	for _, sess := range all {
		if s.pinned(sess.ID) {
			continue
		}
		if !s.expired(sess) && kept < s.opts.MaxSessions {
			kept++
			continue
		}
		if err := s.remove(ctx, sess.ID, types.SessionEventEvicted, sess.Clone()); err != nil {
			return removed, err
		}
		tool.DefaultLogger.Infof("[Session] Swept %s (last updated %s)", sess.ID, sess.LastUpdatedAt.Format(time.DateTime))
		removed++
	}
	return removed, nil
}
