package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/courseupload/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func opener(handle string) OpenFunc {
	return func(_ context.Context, key string) (*types.MultipartInit, error) {
		return &types.MultipartInit{MultipartHandle: handle, ObjectKey: key}, nil
	}
}

func newFileStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	store, err := NewStore(context.Background(), backend, opts)
	require.NoError(t, err)
	return store
}

func lectureRequest(id string) InitRequest {
	return InitRequest{
		FileID:      id,
		FileName:    "lecture.mp4",
		ContentType: "video/mp4",
		ObjectKey:   "courses/42/lecture.mp4",
		TotalSize:   100 << 20,
		ChunkSize:   10 << 20,
		Metadata:    map[string]string{"title": "Intro"},
	}
}

func TestInitializeFresh(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})

	sess, resumed, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp-1"))
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, "f1", sess.ID)
	assert.Equal(t, "mp-1", sess.MultipartHandle)
	assert.Equal(t, 10, sess.TotalParts)
	assert.Equal(t, types.StateInitializing, sess.State)
	assert.Equal(t, "Intro", sess.Metadata["title"])
	require.NoError(t, Validate(sess))
}

func TestInitializeOpenFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	_, _, err := store.Initialize(ctx, lectureRequest("f1"), func(context.Context, string) (*types.MultipartInit, error) {
		return nil, fmt.Errorf("boom")
	})
	require.Error(t, err)
	_, err = store.Get(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResumeAfterRestartSkipsCompletedParts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newFileStore(t, dir, Options{})

	sess, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp-1"))
	require.NoError(t, err)
	_, err = store.UpdatePart(ctx, sess.ID, 3, types.PartInFlight, "")
	require.NoError(t, err)
	_, err = store.UpdatePart(ctx, sess.ID, 3, types.PartCompleted, "etag-3")
	require.NoError(t, err)
	_, err = store.UpdatePart(ctx, sess.ID, 7, types.PartCompleted, "etag-7")
	require.NoError(t, err)
	_, err = store.UpdatePart(ctx, sess.ID, 5, types.PartInFlight, "")
	require.NoError(t, err)

	// simulated restart: a new store over the same directory
	reopened := newFileStore(t, dir, Options{})
	req := lectureRequest("f1")
	req.ResumeID = "f1"
	resumed, ok, err := reopened.Initialize(ctx, req, func(context.Context, string) (*types.MultipartInit, error) {
		t.Fatal("resume must not open a new multipart upload")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "mp-1", resumed.MultipartHandle)
	assert.Equal(t, 2, resumed.CompletedParts)
	assert.Equal(t, []int{0, 1, 2, 4, 5, 6, 8, 9}, resumed.PendingIndices())
	assert.Equal(t, types.PartPending, resumed.Parts[5].Status)
	assert.Equal(t, 1, resumed.Parts[5].Attempts)
	assert.Equal(t, "etag-7", resumed.Parts[7].ETag)
	assert.Equal(t, int64(70<<20), resumed.Parts[7].Start)
}

func TestResumeMismatchedFile(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	_, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp-1"))
	require.NoError(t, err)

	req := lectureRequest("f2")
	req.ResumeID = "f1"
	_, _, err = store.Initialize(ctx, req, opener("mp-2"))
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestResumeUnknownStartsFresh(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	req := lectureRequest("f1")
	req.ResumeID = "missing"
	sess, resumed, err := store.Initialize(ctx, req, opener("mp-9"))
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, "mp-9", sess.MultipartHandle)
}

func TestUpdatePartRules(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	sess, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp-1"))
	require.NoError(t, err)

	_, err = store.UpdatePart(ctx, sess.ID, 10, types.PartInFlight, "")
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = store.UpdatePart(ctx, sess.ID, -1, types.PartInFlight, "")
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartFailed, "etag")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartStatus("bogus"), "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for i := 0; i < 3; i++ {
		_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartInFlight, "")
		require.NoError(t, err)
		_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartFailed, "")
		require.NoError(t, err)
	}
	got, err := store.UpdatePart(ctx, sess.ID, 0, types.PartCompleted, "abc")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Parts[0].Attempts)
	assert.Equal(t, 1, got.CompletedParts)

	// same eTag again is a no-op, anything else is rejected
	_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartCompleted, "abc")
	require.NoError(t, err)
	_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartCompleted, "xyz")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartPending, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.UpdatePart(ctx, "nope", 0, types.PartPending, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentUpdatePartKeepsCounter(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	req := lectureRequest("f1")
	req.TotalSize = 64 << 20
	req.ChunkSize = 1 << 20
	sess, _, err := store.Initialize(ctx, req, opener("mp-1"))
	require.NoError(t, err)
	require.Equal(t, 64, sess.TotalParts)

	var mu sync.Mutex
	var violations []string
	unsubscribe := store.Subscribe(func(ev types.SessionEvent) {
		if ev.Session == nil {
			return
		}
		if err := Validate(ev.Session); err != nil {
			mu.Lock()
			violations = append(violations, err.Error())
			mu.Unlock()
		}
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < sess.TotalParts; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, err := store.UpdatePart(ctx, sess.ID, index, types.PartInFlight, "")
			assert.NoError(t, err)
			_, err = store.UpdatePart(ctx, sess.ID, index, types.PartCompleted, fmt.Sprintf("etag-%d", index))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	final, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, final.TotalParts, final.CompletedParts)
	require.NoError(t, Validate(final))
	assert.Empty(t, violations)
}

func TestSetStateMachine(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	sess, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp-1"))
	require.NoError(t, err)

	_, err = store.SetState(ctx, sess.ID, types.StateDone)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, st := range []types.SessionState{types.StateTransferring, types.StateFailed, types.StateTransferring, types.StateVerifying, types.StateCompleting, types.StateDone} {
		_, err = store.SetState(ctx, sess.ID, st)
		require.NoError(t, err, "-> %s", st)
	}
	_, err = store.SetState(ctx, sess.ID, types.StateFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = store.UpdatePart(ctx, sess.ID, 0, types.PartInFlight, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkAbortedAndRecordCompletion(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	sess, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp-1"))
	require.NoError(t, err)

	got, err := store.MarkAborted(ctx, sess.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Aborted)

	got, err = store.RecordCompletion(ctx, sess.ID, "https://cdn/obj", "etag-full")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/obj", got.Location)
	assert.Equal(t, "etag-full", got.ObjectETag)
	assert.True(t, got.Aborted)
}

func TestRetentionAndEviction(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	dir := t.TempDir()
	store := newFileStore(t, dir, Options{Retention: time.Hour, MaxSessions: 3, Now: clock.Now})

	for i := 0; i < 3; i++ {
		_, _, err := store.Initialize(ctx, lectureRequest(fmt.Sprintf("f%d", i)), opener("mp"))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "f2", active[0].ID)

	// a fourth session evicts the oldest
	_, _, err = store.Initialize(ctx, lectureRequest("f3"), opener("mp"))
	require.NoError(t, err)
	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"f3", "f2", "f1"}, ids)

	clock.Advance(5 * time.Minute)
	_, err = store.UpdatePart(ctx, "f1", 0, types.PartInFlight, "")
	require.NoError(t, err)
	clock.Advance(58 * time.Minute)
	_, err = store.Get(ctx, "f2")
	assert.ErrorIs(t, err, ErrExpired)

	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "f1", active[0].ID)

	// the sweep removed the files too
	reopened := newFileStore(t, dir, Options{Retention: time.Hour, Now: clock.Now})
	_, err = reopened.Get(ctx, "f3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteAndExpirePublish(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	var kinds []string
	store.Subscribe(func(ev types.SessionEvent) { kinds = append(kinds, ev.Kind) })

	_, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp"))
	require.NoError(t, err)
	_, err = store.UpdatePart(ctx, "f1", 0, types.PartInFlight, "")
	require.NoError(t, err)
	_, err = store.SetState(ctx, "f1", types.StateTransferring)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "f1"))
	_, err = store.Get(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = store.Initialize(ctx, lectureRequest("f2"), opener("mp"))
	require.NoError(t, err)
	require.NoError(t, store.Expire(ctx, "f2"))

	assert.Equal(t, []string{
		types.SessionEventCreated, types.SessionEventPart, types.SessionEventState, types.SessionEventRemoved,
		types.SessionEventCreated, types.SessionEventExpired,
	}, kinds)
}

func TestFileBackendRejectsTraversal(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	_, err = backend.Load(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, backend.Delete(context.Background(), "../x"))
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	backend, err := OpenSQLiteBackend(ctx, path, "correct horse")
	require.NoError(t, err)
	store, err := NewStore(ctx, backend, Options{})
	require.NoError(t, err)

	sess, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp-1"))
	require.NoError(t, err)
	_, err = store.UpdatePart(ctx, sess.ID, 2, types.PartCompleted, "etag-2")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	backend, err = OpenSQLiteBackend(ctx, path, "correct horse")
	require.NoError(t, err)
	defer backend.Close()
	loaded, err := backend.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "etag-2", loaded.Parts[2].ETag)
	assert.Equal(t, 1, loaded.CompletedParts)
	assert.Equal(t, int64(20<<20), loaded.Parts[2].Start)

	list, err := backend.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, backend.Delete(ctx, "f1"))
	_, err = backend.Load(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepSkipsPinnedSessions(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := newFileStore(t, t.TempDir(), Options{MaxSessions: 1, Now: clock.Now})
	var evicted []*types.UploadSession
	store.Subscribe(func(ev types.SessionEvent) {
		if ev.Kind == types.SessionEventEvicted {
			evicted = append(evicted, ev.Session)
		}
	})

	_, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp-1"))
	require.NoError(t, err)
	unpin := store.Pin("f1")
	clock.Advance(time.Minute)

	_, _, err = store.Initialize(ctx, lectureRequest("f2"), opener("mp-2"))
	require.NoError(t, err)
	_, err = store.Get(ctx, "f1")
	require.NoError(t, err, "a pinned session survives the cap")
	assert.Empty(t, evicted)

	unpin()
	unpin()
	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = store.Get(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.Len(t, evicted, 1)
	require.NotNil(t, evicted[0])
	assert.Equal(t, "f1", evicted[0].ID)
	assert.Equal(t, "mp-1", evicted[0].MultipartHandle)
	assert.Equal(t, "courses/42/lecture.mp4", evicted[0].ObjectKey)
}

func TestSessionLocksAreDropped(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, t.TempDir(), Options{})
	_, _, err := store.Initialize(ctx, lectureRequest("f1"), opener("mp"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.UpdatePart(ctx, "f1", i, types.PartInFlight, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.NoError(t, store.Complete(ctx, "f1"))

	store.locksMu.Lock()
	defer store.locksMu.Unlock()
	assert.Empty(t, store.locks)
}
