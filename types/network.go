package types

// ConnectionClass is the coarse connection quality used when throughput cannot be measured.
type ConnectionClass string

const (
	ConnectionSlow2G  ConnectionClass = "slow-2g"
	Connection2G      ConnectionClass = "2g"
	Connection3G      ConnectionClass = "3g"
	Connection4G      ConnectionClass = "4g"
	ConnectionUnknown ConnectionClass = "unknown"
)

// NetworkProfile is advice for one transfer run. It never carries transfer state.
type NetworkProfile struct {
	DownloadMbps             float64         `json:"downloadMbps"`
	LatencyMs                float64         `json:"latencyMs,omitempty"`
	Measured                 bool            `json:"measured"`
	EffectiveConnectionClass ConnectionClass `json:"effectiveConnectionClass"`
	RecommendedChunkBytes    int64           `json:"recommendedChunkBytes"`
	RecommendedConcurrency   int             `json:"recommendedConcurrency"`
	RetryLimit               int             `json:"retryLimit"`
	BaseBackoffMs            int             `json:"baseBackoffMs"`
}
