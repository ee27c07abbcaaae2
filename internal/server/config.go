package server

import (
	"github.com/eteran/keeper/internal/auth"
	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/storage"
)

type Config struct {
	DataDir       string
	MetadataPath  string
	Region        string
	Store         metadata.Store
	Backend       storage.Backend
	Authenticator auth.AuthEngine
	MinPartSize   int64
}

type ConfigOption func(*Config)

func WithMetadataStore(store metadata.Store) ConfigOption {
	return func(cfg *Config) {
		cfg.Store = store
	}
}

func WithStorageBackend(backend storage.Backend) ConfigOption {
	return func(cfg *Config) {
		cfg.Backend = backend
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

// WithMetadataPath overrides the location of the SQLite metadata database,
// which otherwise lives under the data directory.
func WithMetadataPath(path string) ConfigOption {
	return func(cfg *Config) {
		cfg.MetadataPath = path
	}
}

// WithMinPartSize sets the smallest size accepted for every multipart part
// except the last.
func WithMinPartSize(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MinPartSize = n
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
