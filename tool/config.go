package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moyoez/courseupload/types"
)

const MiB = 1 << 20

var (
	ConfigPath = "config.yaml" // be aware that it can be changed, default to ./config.yaml
)

func DefaultConfig() types.AppConfig {
	return types.AppConfig{
		Backend: "http",
		Endpoint: types.EndpointConfig{
			BaseURL:      "http://127.0.0.1:3000",
			InitPath:     "/api/uploads/multipart/init",
			PartURLPath:  "/api/uploads/multipart/part-url",
			CompletePath: "/api/uploads/multipart/complete",
			AbortPath:    "/api/uploads/multipart/abort",
			RegisterPath: "/api/assets",
			Timeout:      30 * time.Second,
		},
		S3: types.S3Config{
			Region:     "us-east-1",
			PresignTTL: 15 * time.Minute,
		},
		StateDir: ".courseupload",
		Store: types.StoreConfig{
			Driver:      "file",
			Retention:   7 * 24 * time.Hour, // sessions untouched for a week are swept
			MaxSessions: 64,
		},
		Network: types.NetworkConfig{
			ProbeTimeout:   10 * time.Second,
			MinChunkBytes:  5 * MiB,
			MaxChunkBytes:  64 * MiB,
			MinConcurrency: 1,
			MaxConcurrency: 8,
		},
		Encryption: types.EncryptionConfig{
			Enabled:                false,
			AllowPlaintextFallback: true,
		},
		Transfer: types.TransferConfig{
			CompletionAttempts: 5,
		},
		Server: types.ServerConfig{
			Port: 53318,
		},
	}
}

// LoadConfig reads path (or ConfigPath) and fills zero values with defaults.
// A missing file is created with the defaults.
func LoadConfig(path string) (types.AppConfig, error) {
	if path == "" {
		path = ConfigPath
	}
	ConfigPath = path

	cfg := DefaultConfig()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if writeErr := writeDefaultConfig(path, cfg); writeErr != nil {
				return cfg, fmt.Errorf("config file not found, and failed to generate default config: %w", writeErr)
			}
			DefaultLogger.Infof("Created new config file at %s", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.IsDir() {
		return cfg, fmt.Errorf("config file path is a directory: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	NormalizeConfig(&cfg)
	return cfg, nil
}

// NormalizeConfig repairs values that would make the engine misbehave.
func NormalizeConfig(cfg *types.AppConfig) {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.StateDir == "" {
		cfg.StateDir = def.StateDir
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.Retention <= 0 {
		cfg.Store.Retention = def.Store.Retention
	}
	if cfg.Store.MaxSessions <= 0 {
		cfg.Store.MaxSessions = def.Store.MaxSessions
	}
	n := &cfg.Network
	if n.MinChunkBytes < 5*MiB {
		n.MinChunkBytes = 5 * MiB // provider minimum for non-final parts
	}
	if n.MaxChunkBytes < n.MinChunkBytes {
		n.MaxChunkBytes = n.MinChunkBytes
	}
	if n.MinConcurrency < 1 {
		n.MinConcurrency = 1
	}
	if n.MaxConcurrency < n.MinConcurrency {
		n.MaxConcurrency = n.MinConcurrency
	}
	if n.ProbeTimeout <= 0 {
		n.ProbeTimeout = def.Network.ProbeTimeout
	}
	if cfg.Endpoint.Timeout <= 0 {
		cfg.Endpoint.Timeout = def.Endpoint.Timeout
	}
	if cfg.S3.PresignTTL <= 0 {
		cfg.S3.PresignTTL = def.S3.PresignTTL
	}
	if cfg.Transfer.CompletionAttempts <= 0 {
		cfg.Transfer.CompletionAttempts = def.Transfer.CompletionAttempts
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = def.Server.Port
	}
}

func writeDefaultConfig(path string, cfg types.AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
