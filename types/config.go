package types

import "time"

// AppConfig represents the application configuration loaded from config file
type AppConfig struct {
	Backend    string           `yaml:"backend"` // http | s3
	Endpoint   EndpointConfig   `yaml:"endpoint"`
	S3         S3Config         `yaml:"s3"`
	StateDir   string           `yaml:"stateDir"`
	Store      StoreConfig      `yaml:"store"`
	Network    NetworkConfig    `yaml:"network"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Server     ServerConfig     `yaml:"server"`
}

// EndpointConfig points at the platform routes that mint part URLs and finalize uploads.
type EndpointConfig struct {
	BaseURL      string        `yaml:"baseURL"`
	Token        string        `yaml:"token,omitempty"`
	InitPath     string        `yaml:"initPath"`
	PartURLPath  string        `yaml:"partURLPath"`
	CompletePath string        `yaml:"completePath"`
	AbortPath    string        `yaml:"abortPath"`
	RegisterPath string        `yaml:"registerPath"`
	Timeout      time.Duration `yaml:"timeout"`
}

type S3Config struct {
	Region        string        `yaml:"region"`
	Bucket        string        `yaml:"bucket"`
	Endpoint      string        `yaml:"endpoint,omitempty"` // custom endpoint, e.g. MinIO
	UsePathStyle  bool          `yaml:"usePathStyle,omitempty"`
	PresignTTL    time.Duration `yaml:"presignTTL"`
	PublicBaseURL string        `yaml:"publicBaseURL,omitempty"`
	// Static credentials; when empty the default AWS credential chain is used.
	AccessKeyID     string `yaml:"accessKeyID,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"` // file | sqlite
	Passphrase  string        `yaml:"passphrase,omitempty"`
	Retention   time.Duration `yaml:"retention"`
	MaxSessions int           `yaml:"maxSessions"`
}

// NetworkConfig bounds what the network sampler may recommend.
type NetworkConfig struct {
	ProbeURL       string        `yaml:"probeURL,omitempty"`
	PingHost       string        `yaml:"pingHost,omitempty"`
	ProbeTimeout   time.Duration `yaml:"probeTimeout"`
	MinChunkBytes  int64         `yaml:"minChunkBytes"`
	MaxChunkBytes  int64         `yaml:"maxChunkBytes"`
	MinConcurrency int           `yaml:"minConcurrency"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
}

type EncryptionConfig struct {
	Enabled                bool `yaml:"enabled"`
	AllowPlaintextFallback bool `yaml:"allowPlaintextFallback"`
}

type TransferConfig struct {
	MaxBytesPerSecond  int64 `yaml:"maxBytesPerSecond"`
	CompletionAttempts int   `yaml:"completionAttempts"`
}

type ServerConfig struct {
	Port         int    `yaml:"port"`
	NotifySocket string `yaml:"notifySocket,omitempty"`
}
