package netprobe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/courseupload/types"
)

var testCfg = types.NetworkConfig{
	MinChunkBytes:  5 * mib,
	MaxChunkBytes:  64 * mib,
	MinConcurrency: 1,
	MaxConcurrency: 8,
	ProbeTimeout:   5 * time.Second,
}

func TestProfileIsMonotonic(t *testing.T) {
	prev := ProfileFor(0.01, types.ConnectionSlow2G, testCfg)
	for mbps := 0.02; mbps < 2000; mbps *= 1.3 {
		cur := ProfileFor(mbps, ClassifyMbps(mbps), testCfg)
		assert.GreaterOrEqual(t, cur.RecommendedChunkBytes, prev.RecommendedChunkBytes, "mbps %.2f", mbps)
		assert.GreaterOrEqual(t, cur.RecommendedConcurrency, prev.RecommendedConcurrency, "mbps %.2f", mbps)
		assert.LessOrEqual(t, cur.RetryLimit, prev.RetryLimit, "mbps %.2f", mbps)
		assert.LessOrEqual(t, cur.BaseBackoffMs, prev.BaseBackoffMs, "mbps %.2f", mbps)
		prev = cur
	}
}

func TestProfileBounds(t *testing.T) {
	for _, mbps := range []float64{0.001, 1, 50, 10000} {
		p := ProfileFor(mbps, types.ConnectionUnknown, testCfg)
		assert.GreaterOrEqual(t, p.RecommendedChunkBytes, int64(5*mib))
		assert.LessOrEqual(t, p.RecommendedChunkBytes, int64(64*mib))
		assert.Zero(t, p.RecommendedChunkBytes%mib)
		assert.GreaterOrEqual(t, p.RecommendedConcurrency, 1)
		assert.LessOrEqual(t, p.RecommendedConcurrency, 8)
	}

	narrow := testCfg
	narrow.MaxConcurrency = 2
	assert.Equal(t, 2, ProfileFor(10000, types.Connection4G, narrow).RecommendedConcurrency)
	assert.Equal(t, int64(64*mib), ProfileFor(10000, types.Connection4G, testCfg).RecommendedChunkBytes)
	assert.Equal(t, 8, ProfileFor(10000, types.Connection4G, testCfg).RecommendedConcurrency)
}

func TestClampOverrides(t *testing.T) {
	assert.Equal(t, int64(5*mib), ClampChunk(1, testCfg))
	assert.Equal(t, int64(64*mib), ClampChunk(1<<40, testCfg))
	assert.Equal(t, int64(10*mib), ClampChunk(10*mib, testCfg))
	assert.Equal(t, int64(5*mib), ClampChunk(1, types.NetworkConfig{}), "unset bounds still keep parts at the provider minimum")
	assert.Equal(t, int64(64*mib), ClampChunk(1<<40, types.NetworkConfig{}))

	assert.Equal(t, 1, ClampConcurrency(0, testCfg))
	assert.Equal(t, 8, ClampConcurrency(100, testCfg))
	assert.Equal(t, 8, ClampConcurrency(100, types.NetworkConfig{}))
}

func TestProfileFallsBackToClassNominal(t *testing.T) {
	p := ProfileFor(0, types.ConnectionSlow2G, testCfg)
	assert.Equal(t, 0.05, p.DownloadMbps)
	assert.Equal(t, 1, p.RecommendedConcurrency)
	assert.Equal(t, 6, p.RetryLimit)
	assert.Equal(t, 2000, p.BaseBackoffMs)
}

func TestClassifyLatency(t *testing.T) {
	assert.Equal(t, types.ConnectionUnknown, ClassifyLatency(0))
	assert.Equal(t, types.Connection4G, ClassifyLatency(40))
	assert.Equal(t, types.Connection3G, ClassifyLatency(150))
	assert.Equal(t, types.Connection2G, ClassifyLatency(800))
	assert.Equal(t, types.ConnectionSlow2G, ClassifyLatency(2500))

	// classification and nominal rate agree
	for _, c := range []types.ConnectionClass{types.ConnectionSlow2G, types.Connection2G, types.Connection3G, types.Connection4G} {
		assert.Equal(t, c, ClassifyMbps(NominalMbps(c)))
	}
}

func TestMeasureWithDownloadProbe(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 1<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cfg := testCfg
	cfg.ProbeURL = srv.URL
	s := NewSampler(cfg, srv.Client())
	p := s.Measure(context.Background())
	assert.True(t, p.Measured)
	assert.Greater(t, p.DownloadMbps, 0.0)
	assert.Greater(t, p.RecommendedChunkBytes, int64(0))
}

func TestMeasureFallsBackToLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testCfg
	cfg.ProbeURL = srv.URL
	cfg.PingHost = "storage.example"
	s := NewSampler(cfg, srv.Client())
	s.ping = func(ctx context.Context, host string) (time.Duration, error) {
		assert.Equal(t, "storage.example", host)
		return 700 * time.Millisecond, nil
	}
	p := s.Measure(context.Background())
	assert.False(t, p.Measured)
	assert.Equal(t, types.Connection2G, p.EffectiveConnectionClass)
	assert.InDelta(t, 700, p.LatencyMs, 0.001)
	assert.Equal(t, 1, p.RecommendedConcurrency)
}

func TestMeasureWithNothingAvailable(t *testing.T) {
	cfg := testCfg
	cfg.PingHost = "unreachable.example"
	s := NewSampler(cfg, nil)
	s.ping = func(context.Context, string) (time.Duration, error) { return 0, errors.New("blocked") }
	p := s.Measure(context.Background())
	require.False(t, p.Measured)
	assert.Equal(t, types.ConnectionUnknown, p.EffectiveConnectionClass)
	assert.Equal(t, NominalMbps(types.ConnectionUnknown), p.DownloadMbps)
	assert.Equal(t, int64(5*mib), p.RecommendedChunkBytes)
}
