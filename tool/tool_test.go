package tool

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/courseupload/types"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, "http", cfg.Backend)
	assert.Equal(t, 7*24*time.Hour, cfg.Store.Retention)
	assert.Equal(t, 64, cfg.Store.MaxSessions)
	assert.Equal(t, int64(5*MiB), cfg.Network.MinChunkBytes)
	assert.Equal(t, int64(64*MiB), cfg.Network.MaxChunkBytes)
}

func TestLoadConfigNormalizesBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("backend: s3\nnetwork:\n  minChunkBytes: 1024\n  maxConcurrency: 0\nstore:\n  driver: sqlite\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Backend)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, int64(5*MiB), cfg.Network.MinChunkBytes)
	assert.GreaterOrEqual(t, cfg.Network.MaxConcurrency, cfg.Network.MinConcurrency)
}

func TestLoadConfigRejectsDirectory(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}

func TestFileIDStable(t *testing.T) {
	a := FileID("lecture-01.mp4", 104857600)
	assert.Len(t, a, 32)
	assert.Equal(t, a, FileID("lecture-01.mp4", 104857600))
	assert.NotEqual(t, a, FileID("lecture-01.mp4", 104857601))
	assert.NotEqual(t, a, FileID("lecture-02.mp4", 104857600))
}

func TestInspectFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello course"), 0o644))

	ref, err := InspectFile(types.FileRef{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", ref.Name)
	assert.Equal(t, int64(12), ref.Size)
	assert.Contains(t, ref.ContentType, "text/plain")

	ref, err = InspectFile(types.FileRef{Path: path, Name: "renamed.txt", ContentType: "video/mp4"})
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", ref.Name)
	assert.Equal(t, "video/mp4", ref.ContentType)

	_, err = InspectFile(types.FileRef{Path: filepath.Dir(path)})
	assert.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o600))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRateLimitedReaderPassThrough(t *testing.T) {
	src := bytes.NewReader([]byte("abc"))
	assert.Same(t, io.Reader(src), NewRateLimitedReader(context.Background(), src, nil))
	assert.Nil(t, NewBandwidthLimiter(0))
}

func TestRateLimitedReaderCopiesEverything(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 512*1024)
	limiter := NewBandwidthLimiter(1 << 30)
	require.NotNil(t, limiter)
	assert.Equal(t, maxLimiterBurst, limiter.Burst())

	r := NewRateLimitedReader(context.Background(), bytes.NewReader(payload), limiter)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
