package netprobe

import (
	"math"

	"github.com/moyoez/courseupload/types"
)

const (
	mib = 1 << 20
	// a part should take roughly this many seconds at the measured rate
	targetPartSeconds = 4
)

// NominalMbps is the conservative throughput assumed for a connection class.
func NominalMbps(class types.ConnectionClass) float64 {
	switch class {
	case types.ConnectionSlow2G:
		return 0.05
	case types.Connection2G:
		return 0.25
	case types.Connection4G:
		return 10
	default: // 3g and unknown
		return 1.5
	}
}

// ClassifyLatency maps a round-trip time to a connection class. Zero means unknown.
func ClassifyLatency(latencyMs float64) types.ConnectionClass {
	switch {
	case latencyMs <= 0 || math.IsNaN(latencyMs):
		return types.ConnectionUnknown
	case latencyMs < 100:
		return types.Connection4G
	case latencyMs < 300:
		return types.Connection3G
	case latencyMs < 1400:
		return types.Connection2G
	default:
		return types.ConnectionSlow2G
	}
}

// ClassifyMbps maps a measured throughput to the class whose nominal rate it is closest to.
func ClassifyMbps(mbps float64) types.ConnectionClass {
	switch {
	case mbps < 0.15:
		return types.ConnectionSlow2G
	case mbps < 0.7:
		return types.Connection2G
	case mbps < 5:
		return types.Connection3G
	default:
		return types.Connection4G
	}
}

// ProfileFor turns a throughput estimate into transfer advice bounded by cfg.
// Higher throughput never yields smaller chunks, fewer workers, more retries or longer backoff.
func ProfileFor(mbps float64, class types.ConnectionClass, cfg types.NetworkConfig) types.NetworkProfile {
	if mbps <= 0 || math.IsNaN(mbps) || math.IsInf(mbps, 0) {
		mbps = NominalMbps(class)
	}
	bytesPerSecond := mbps * 1e6 / 8
	chunk := int64(math.Ceil(bytesPerSecond*targetPartSeconds/mib)) * mib

	return types.NetworkProfile{
		DownloadMbps:             mbps,
		EffectiveConnectionClass: class,
		RecommendedChunkBytes:    ClampChunk(chunk, cfg),
		RecommendedConcurrency:   ClampConcurrency(concurrencyFor(mbps), cfg),
		RetryLimit:               retryLimitFor(mbps),
		BaseBackoffMs:            backoffFor(mbps),
	}
}

// ClampChunk bounds a part size to cfg. Unset bounds default to 5 MiB and 64 MiB.
func ClampChunk(chunk int64, cfg types.NetworkConfig) int64 {
	minChunk, maxChunk := cfg.MinChunkBytes, cfg.MaxChunkBytes
	if minChunk <= 0 {
		minChunk = 5 * mib
	}
	if maxChunk < minChunk {
		maxChunk = max(minChunk, 64*mib)
	}
	return min(max(chunk, minChunk), maxChunk)
}

// ClampConcurrency bounds a worker count to cfg, defaulting to [1, 8].
func ClampConcurrency(n int, cfg types.NetworkConfig) int {
	minConc, maxConc := cfg.MinConcurrency, cfg.MaxConcurrency
	if minConc < 1 {
		minConc = 1
	}
	if maxConc < minConc {
		maxConc = max(minConc, 8)
	}
	return min(max(n, minConc), maxConc)
}

func concurrencyFor(mbps float64) int {
	switch {
	case mbps < 5:
		return 1
	case mbps < 10:
		return 2
	case mbps < 25:
		return 3
	case mbps < 50:
		return 4
	case mbps < 100:
		return 6
	default:
		return 8
	}
}

func retryLimitFor(mbps float64) int {
	switch {
	case mbps < 5:
		return 6
	case mbps < 25:
		return 5
	case mbps < 100:
		return 4
	default:
		return 3
	}
}

func backoffFor(mbps float64) int {
	switch {
	case mbps < 5:
		return 2000
	case mbps < 25:
		return 1000
	case mbps < 100:
		return 500
	default:
		return 250
	}
}
