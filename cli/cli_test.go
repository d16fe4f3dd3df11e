package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/courseupload/notify"
	"github.com/moyoez/courseupload/session"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

func writeConfig(t *testing.T, baseURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	cfg := fmt.Sprintf("backend: http\nstateDir: %s\nendpoint:\n  baseURL: %s\n  initPath: /init\n  partURLPath: /part\n  completePath: /complete\n  abortPath: /abort\n  registerPath: /register\n", stateDir, baseURL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, stateDir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--log", "none"}, args...))
	err := root.Execute()
	return out.String(), err
}

func seedSession(t *testing.T, stateDir, id string) {
	t.Helper()
	ctx := context.Background()
	backend, err := session.NewFileBackend(filepath.Join(stateDir, "sessions"))
	require.NoError(t, err)
	store, err := session.NewStore(ctx, backend, session.Options{})
	require.NoError(t, err)
	defer store.Close()
	_, _, err = store.Initialize(ctx, session.InitRequest{
		FileID:    id,
		FileName:  "lecture-01.mp4",
		ObjectKey: "courses/101/lecture-01.mp4",
		TotalSize: 12 * tool.MiB,
		ChunkSize: 5 * tool.MiB,
	}, func(ctx context.Context, objectKey string) (*types.MultipartInit, error) {
		return &types.MultipartInit{MultipartHandle: "mp-seed", ObjectKey: objectKey}, nil
	})
	require.NoError(t, err)
}

func TestListEmpty(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")
	out, err := runCmd(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no upload sessions")
}

func TestListShowsSessions(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, "http://127.0.0.1:1")
	seedSession(t, stateDir, "file-abc")

	out, err := runCmd(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "file-abc")
	assert.Contains(t, out, "0/3")
	assert.Contains(t, out, "courses/101/lecture-01.mp4")

	out, err = runCmd(t, "--config", cfgPath, "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"multipartHandle": "mp-seed"`)
}

func TestStateDirFlagOverridesConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")
	other := t.TempDir()
	seedSession(t, other, "file-other")

	out, err := runCmd(t, "--config", cfgPath, "--state-dir", other, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "file-other")
}

func TestDiscardAbortsMultipartUpload(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfgPath, stateDir := writeConfig(t, srv.URL)
	seedSession(t, stateDir, "file-gone")

	out, err := runCmd(t, "--config", cfgPath, "discard", "file-gone")
	require.NoError(t, err)
	assert.Contains(t, out, "discarded file-gone")

	mu.Lock()
	assert.Contains(t, paths, "/abort")
	mu.Unlock()

	out, err = runCmd(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no upload sessions")
}

func TestHTTPBackendNeedsBaseURL(t *testing.T) {
	cfgPath, _ := writeConfig(t, `""`)
	_, err := runCmd(t, "--config", cfgPath, "discard", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint.baseURL")
}

func TestUploadRequiresFile(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")
	_, err := runCmd(t, "--config", cfgPath, "upload")
	require.Error(t, err)
}

func TestProgressLoggerSteps(t *testing.T) {
	var lines []string
	p := newProgressLogger("s1")
	p.log = func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }

	bus := notify.NewBus()
	defer p.follow(bus)()

	bus.Publish(types.Event{Type: types.EventPhase, SessionID: "s1", Phase: types.PhaseUploading, Percent: 30})
	for _, pct := range []float64{30.5, 31, 34.9, 35, 36, 52} {
		bus.Publish(types.Event{Type: types.EventProgress, SessionID: "s1", Percent: pct})
	}
	bus.Publish(types.Event{Type: types.EventProgress, SessionID: "other", Percent: 99})
	bus.Publish(types.Event{Type: types.EventPhase, SessionID: "s1", Phase: types.PhaseUploading, Percent: 60})

	require.Len(t, lines, 4)
	assert.Equal(t, "[Upload] uploading (30%)", lines[0])
	assert.Equal(t, "[Upload] uploading 30%", lines[1])
	assert.Equal(t, "[Upload] uploading 35%", lines[2])
	assert.Equal(t, "[Upload] uploading 50%", lines[3])
}
