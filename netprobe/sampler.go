// Package netprobe measures the link to the storage provider and advises chunk size,
// concurrency and retry pacing for a transfer.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

const maxProbeBytes = 4 << 20

// PingFunc returns the average round-trip time to host.
type PingFunc func(ctx context.Context, host string) (time.Duration, error)

// Sampler measures network conditions. It holds no transfer state.
type Sampler struct {
	cfg    types.NetworkConfig
	client *http.Client
	ping   PingFunc
}

func NewSampler(cfg types.NetworkConfig, client *http.Client) *Sampler {
	if client == nil {
		client = tool.NewHTTPClient()
	}
	return &Sampler{cfg: cfg, client: client, ping: icmpPing}
}

// Measure samples the network once. It never fails: when nothing can be measured the
// profile falls back to the conservative defaults of the unknown class.
func (s *Sampler) Measure(ctx context.Context) types.NetworkProfile {
	timeout := s.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var latencyMs float64
	if s.cfg.PingHost != "" && s.ping != nil {
		rtt, err := s.ping(ctx, s.cfg.PingHost)
		if err != nil {
			tool.DefaultLogger.Debugf("[Probe] ping %s failed: %v", s.cfg.PingHost, err)
		} else {
			latencyMs = float64(rtt) / float64(time.Millisecond)
		}
	}

	if s.cfg.ProbeURL != "" {
		mbps, ttfb, err := s.downloadProbe(ctx)
		if err == nil {
			if latencyMs == 0 {
				latencyMs = float64(ttfb) / float64(time.Millisecond)
			}
			profile := ProfileFor(mbps, ClassifyMbps(mbps), s.cfg)
			profile.Measured = true
			profile.LatencyMs = latencyMs
			tool.DefaultLogger.Infof("[Probe] measured %.2f Mbps, latency %.0fms, chunk %d, concurrency %d",
				mbps, latencyMs, profile.RecommendedChunkBytes, profile.RecommendedConcurrency)
			return profile
		}
		tool.DefaultLogger.Warnf("[Probe] throughput probe failed: %v", err)
	}

	class := ClassifyLatency(latencyMs)
	profile := ProfileFor(NominalMbps(class), class, s.cfg)
	profile.LatencyMs = latencyMs
	tool.DefaultLogger.Infof("[Probe] using class %s (latency %.0fms), chunk %d, concurrency %d",
		class, latencyMs, profile.RecommendedChunkBytes, profile.RecommendedConcurrency)
	return profile
}

func (s *Sampler) downloadProbe(ctx context.Context) (float64, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ProbeURL, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			tool.DefaultLogger.Errorf("[Probe] Failed to close response body: %v", closeErr)
		}
	}()
	ttfb := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, ttfb, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBytes))
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return 0, ttfb, err
	}
	if n == 0 || elapsed <= 0 {
		return 0, ttfb, errors.New("probe transferred no data")
	}
	mbps := float64(n) * 8 / elapsed.Seconds() / 1e6
	return mbps, ttfb, nil
}

func icmpPing(ctx context.Context, host string) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, err
	}
	pinger.Count = 3
	pinger.Interval = 200 * time.Millisecond
	pinger.Timeout = 3 * time.Second
	pinger.SetPrivileged(false)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()
	if err := pinger.Run(); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("no reply from %s", host)
	}
	return stats.AvgRtt, nil
}
