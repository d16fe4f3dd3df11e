package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/moyoez/courseupload/session"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

// Options wires a Controller to its collaborators.
type Options struct {
	Store      *session.Store
	Issuer     PartURLIssuer
	Completer  Completer
	HTTPClient *http.Client
	// Limiter caps the combined part upload rate; nil is unlimited.
	Limiter *rate.Limiter
	// CompletionAttempts overrides the profile retry limit for the completion call.
	CompletionAttempts int
	// Backoff builds the delay schedule from a base delay. Nil uses tool.NewRetryPolicy's jitter.
	Backoff func(base time.Duration) func(attempt int) time.Duration
}

// Controller runs the transfer state machine of sessions held in a Store.
type Controller struct {
	opts Options
}

func NewController(opts Options) *Controller {
	if opts.HTTPClient == nil {
		opts.HTTPClient = tool.NewTransferClient()
	}
	return &Controller{opts: opts}
}

func (c *Controller) retryPolicy(attempts int, profile types.NetworkProfile) tool.RetryPolicy {
	base := time.Duration(profile.BaseBackoffMs) * time.Millisecond
	policy := tool.NewRetryPolicy(attempts, base)
	if c.opts.Backoff != nil {
		policy.Delay = c.opts.Backoff(base)
	}
	return policy
}

// PartEvent reports the outcome of one part attempt.
type PartEvent struct {
	Index      int
	PartNumber int
	Attempt    int
	Status     types.PartStatus
	ETag       string
	Err        error
}

// Request is one run over a session's outstanding parts.
type Request struct {
	SessionID string
	Profile   types.NetworkProfile
	Payload   io.ReaderAt
	// Stop, when closed, stops dispatching new parts. In-flight parts finish.
	Stop <-chan struct{}
	// OnProgress receives completed bytes (including parts finished in earlier runs) and the total.
	OnProgress func(completed, total int64)
	OnPart     func(PartEvent)
	// OnVerify is called once every part is stored, before the completion call.
	OnVerify func()
}

// Result summarizes a run.
type Result struct {
	SessionID   string
	Completed   bool
	Cancelled   bool
	Uploaded    []int
	Failed      []int
	MaxInFlight int
	Location    string
	ETag        string
}

// Transfer uploads every part of the session that is not completed yet, then verifies the
// part list and completes the multipart upload.
//
// A cooperative stop returns a Result with Cancelled set and a nil error. Parts that exhaust
// their retries produce a *PartialFailureError. ErrHandleExpired is returned as soon as the
// provider reports the upload gone.
func (c *Controller) Transfer(ctx context.Context, req Request) (*Result, error) {
	store := c.opts.Store
	unpin := store.Pin(req.SessionID)
	defer unpin()
	sess, err := store.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	result := &Result{SessionID: sess.ID}
	if sess.State.Terminal() {
		result.Completed = true
		result.Location = sess.Location
		result.ETag = sess.ObjectETag
		return result, nil
	}
	if sess.State == types.StateVerifying || sess.State == types.StateCompleting {
		// interrupted during completion; re-enter through failed
		if _, err := store.SetState(ctx, sess.ID, types.StateFailed); err != nil {
			return nil, err
		}
	}
	if sess.CompletedParts < sess.TotalParts && req.Payload == nil {
		return nil, errors.New("no payload to read parts from")
	}
	if _, err := store.SetState(ctx, sess.ID, types.StateTransferring); err != nil {
		return nil, err
	}

	queue := sess.PendingIndices()
	tool.DefaultLogger.Infof("[Transfer] %s: %d of %d parts outstanding, concurrency %d",
		sess.ID, len(queue), sess.TotalParts, req.Profile.RecommendedConcurrency)

	run := &run{
		c:        c,
		req:      req,
		sess:     sess,
		queue:    queue,
		claimed:  make(map[int]bool, len(queue)),
		progress: sess.CompletedBytes(),
	}
	if req.OnProgress != nil {
		req.OnProgress(run.progress, sess.TotalSize)
	}
	if len(queue) > 0 {
		workers := max(req.Profile.RecommendedConcurrency, 1)
		workers = min(workers, len(queue))
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				run.work(ctx)
				return nil
			})
		}
		_ = g.Wait()
	}

	result.Uploaded = run.uploaded
	result.MaxInFlight = run.maxInFlight
	sort.Ints(run.failed)
	result.Failed = run.failed
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case run.fatal != nil:
		if sessionGone(run.fatal) {
			return result, run.fatal
		}
		if _, err := store.SetState(persistCtx, sess.ID, types.StateFailed); err != nil {
			tool.DefaultLogger.Warnf("[Transfer] %s: failed to record failure: %v", sess.ID, err)
		}
		return result, run.fatal
	case ctx.Err() != nil:
		return result, ctx.Err()
	case run.stopObserved:
		tool.DefaultLogger.Infof("[Transfer] %s: stopped, %d parts uploaded in this run", sess.ID, len(run.uploaded))
		result.Cancelled = true
		return result, nil
	case len(run.failed) > 0:
		if _, err := store.SetState(persistCtx, sess.ID, types.StateFailed); err != nil {
			tool.DefaultLogger.Warnf("[Transfer] %s: failed to record failure: %v", sess.ID, err)
		}
		return result, &PartialFailureError{Indices: run.failed}
	}

	if req.OnVerify != nil {
		req.OnVerify()
	}
	done, err := c.complete(ctx, sess.ID, req.Profile)
	if err != nil {
		return result, err
	}
	result.Completed = true
	result.Location = done.Location
	result.ETag = done.ObjectETag
	return result, nil
}

// RetryCompletion re-runs verification and completion for a session whose parts are all stored.
func (c *Controller) RetryCompletion(ctx context.Context, sessionID string, profile types.NetworkProfile) (*Result, error) {
	done, err := c.complete(ctx, sessionID, profile)
	if err != nil {
		return nil, err
	}
	return &Result{SessionID: sessionID, Completed: true, Location: done.Location, ETag: done.ObjectETag}, nil
}

func (c *Controller) complete(ctx context.Context, id string, profile types.NetworkProfile) (*types.UploadSession, error) {
	store := c.opts.Store
	sess, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return sess, nil
	}
	switch sess.State {
	case types.StateInitializing:
		if _, err := store.SetState(ctx, id, types.StateTransferring); err != nil {
			return nil, err
		}
	case types.StateVerifying, types.StateCompleting:
		if _, err := store.SetState(ctx, id, types.StateFailed); err != nil {
			return nil, err
		}
	}
	if _, err := store.SetState(ctx, id, types.StateVerifying); err != nil {
		return nil, err
	}
	persistCtx := context.WithoutCancel(ctx)
	fail := func(err error) (*types.UploadSession, error) {
		if _, serr := store.SetState(persistCtx, id, types.StateFailed); serr != nil {
			tool.DefaultLogger.Warnf("[Transfer] %s: failed to record failure: %v", id, serr)
		}
		return nil, err
	}

	// reload so the list reflects what was persisted, not what this run believes
	sess, err = store.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	parts, err := OrderedParts(sess)
	if err != nil {
		return fail(err)
	}
	if _, err := store.SetState(ctx, id, types.StateCompleting); err != nil {
		return fail(err)
	}

	attempts := c.opts.CompletionAttempts
	if attempts <= 0 {
		attempts = max(profile.RetryLimit, 1)
	}
	policy := c.retryPolicy(attempts, profile)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		tool.DefaultLogger.Warnf("[Transfer] %s: completion attempt %d failed: %v, retrying in %s", id, attempt+1, err, wait)
	}
	var completion *types.CompletionResult
	err = tool.Retry(ctx, policy, func(int) error {
		res, err := c.opts.Completer.CompleteMultipart(ctx, sess.ObjectKey, sess.MultipartHandle, parts)
		if err != nil {
			return err
		}
		completion = res
		return nil
	}, retriable)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrCompletion, err))
	}
	if completion == nil {
		completion = &types.CompletionResult{}
	}
	if _, err := store.RecordCompletion(ctx, id, completion.Location, completion.ETag); err != nil {
		return fail(err)
	}
	done, err := store.SetState(ctx, id, types.StateDone)
	if err != nil {
		return nil, err
	}
	tool.DefaultLogger.Infof("[Transfer] %s: completed %d parts into %s", id, len(parts), sess.ObjectKey)
	return done, nil
}

// run is the shared state of one Transfer call's workers.
type run struct {
	c    *Controller
	req  Request
	sess *types.UploadSession

	mu           sync.Mutex
	queue        []int
	claimed      map[int]bool
	inFlight     int
	maxInFlight  int
	uploaded     []int
	failed       []int
	fatal        error
	stopObserved bool

	// serializes OnProgress so reported bytes never go backwards
	progressMu sync.Mutex
	progress   int64
}

func (r *run) stopped() bool {
	select {
	case <-r.req.Stop:
		return true
	default:
		return false
	}
}

// claim hands out the next pending index exactly once.
func (r *run) claim(ctx context.Context) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 || r.fatal != nil || ctx.Err() != nil {
		return 0, false
	}
	if r.stopped() {
		r.stopObserved = true
		return 0, false
	}
	idx := r.queue[0]
	r.queue = r.queue[1:]
	if r.claimed[idx] {
		// unreachable while the queue holds unique indices
		return 0, false
	}
	r.claimed[idx] = true
	r.inFlight++
	r.maxInFlight = max(r.maxInFlight, r.inFlight)
	return idx, true
}

func (r *run) setFatal(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
}

// sessionGone reports whether the session record disappeared under a running transfer.
func sessionGone(err error) bool {
	return errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired)
}

func (r *run) release() {
	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
}

func (r *run) work(ctx context.Context) {
	for {
		idx, ok := r.claim(ctx)
		if !ok {
			return
		}
		r.uploadPart(ctx, idx)
		r.release()
	}
}

func (r *run) emit(ev PartEvent) {
	if r.req.OnPart != nil {
		r.req.OnPart(ev)
	}
}

func (r *run) uploadPart(ctx context.Context, idx int) {
	c := r.c
	store := c.opts.Store
	part := r.sess.Parts[idx]
	profile := r.req.Profile
	persistCtx := context.WithoutCancel(ctx)

	var etag string
	policy := c.retryPolicy(max(profile.RetryLimit, 1), profile)
	policy.Stop = r.req.Stop
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		tool.DefaultLogger.Debugf("[Transfer] %s: part %d attempt %d failed: %v, retrying in %s", r.sess.ID, part.PartNumber, attempt+1, err, wait)
		r.emit(PartEvent{Index: idx, PartNumber: part.PartNumber, Attempt: attempt + 1, Status: types.PartInFlight, Err: err})
	}
	err := tool.Retry(ctx, policy, func(int) error {
		if _, err := store.UpdatePart(ctx, r.sess.ID, idx, types.PartInFlight, ""); err != nil {
			return permanent{err}
		}
		url, err := c.opts.Issuer.PartUploadURL(ctx, r.sess.ObjectKey, r.sess.MultipartHandle, part.PartNumber)
		if err != nil {
			return fmt.Errorf("failed to get part URL: %w", err)
		}
		body := tool.NewRateLimitedReader(ctx, io.NewSectionReader(r.req.Payload, part.Start, part.Size()), c.opts.Limiter)
		etag, err = PutPart(ctx, c.opts.HTTPClient, url, body, part.Size())
		return err
	}, retriable)

	if err == nil {
		updated, uerr := store.UpdatePart(persistCtx, r.sess.ID, idx, types.PartCompleted, etag)
		if uerr != nil {
			err = permanent{uerr}
		} else {
			r.mu.Lock()
			r.uploaded = append(r.uploaded, idx)
			r.mu.Unlock()
			r.emit(PartEvent{Index: idx, PartNumber: part.PartNumber, Status: types.PartCompleted, ETag: etag})
			r.progressMu.Lock()
			r.progress = max(r.progress, updated.CompletedBytes())
			if r.req.OnProgress != nil {
				r.req.OnProgress(r.progress, updated.TotalSize)
			}
			r.progressMu.Unlock()
			return
		}
	}

	switch {
	case errors.Is(err, tool.ErrRetryStopped), ctx.Err() != nil:
		r.mu.Lock()
		r.stopObserved = r.stopObserved || errors.Is(err, tool.ErrRetryStopped)
		r.mu.Unlock()
		if _, uerr := store.UpdatePart(persistCtx, r.sess.ID, idx, types.PartPending, ""); uerr != nil {
			tool.DefaultLogger.Warnf("[Transfer] %s: failed to release part %d: %v", r.sess.ID, idx, uerr)
		}
		return
	case sessionGone(err):
		r.setFatal(err)
		tool.DefaultLogger.Errorf("[Transfer] %s: session removed at part %d: %v", r.sess.ID, part.PartNumber, err)
		r.emit(PartEvent{Index: idx, PartNumber: part.PartNumber, Status: types.PartFailed, Err: err})
		return
	case errors.Is(err, ErrHandleExpired):
		r.setFatal(err)
		tool.DefaultLogger.Errorf("[Transfer] %s: multipart handle expired at part %d: %v", r.sess.ID, part.PartNumber, err)
	default:
		tool.DefaultLogger.Errorf("[Transfer] %s: part %d failed: %v", r.sess.ID, part.PartNumber, err)
	}
	if _, uerr := store.UpdatePart(persistCtx, r.sess.ID, idx, types.PartFailed, ""); uerr != nil {
		tool.DefaultLogger.Warnf("[Transfer] %s: failed to mark part %d failed: %v", r.sess.ID, idx, uerr)
	}
	r.mu.Lock()
	r.failed = append(r.failed, idx)
	r.mu.Unlock()
	r.emit(PartEvent{Index: idx, PartNumber: part.PartNumber, Status: types.PartFailed, Err: err})
}
