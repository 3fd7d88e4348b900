package storage

import (
	"context"
	"fmt"
	"strings"
)

// StorageType selects the object storage backend.
type StorageType string

const (
	StorageTypeNone         StorageType = "none"
	StorageTypeLocal        StorageType = "local"
	StorageTypeR2           StorageType = "r2"
	StorageTypeS3           StorageType = "s3"
	StorageTypeS3Compatible StorageType = "s3compatible"
)

// Config holds settings for every supported backend.
type Config struct {
	Type      StorageType
	LocalDir  string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	PublicURL string // Public URL prefix for R2.dev, a CDN or a static file server
}

// NewStorage creates an ObjectStorage instance based on the configuration.
// Parameters:
//   - ctx: context used while creating cloud clients.
//   - cfg: storage configuration.
//
// Returns:
//   - ObjectStorage: initialized storage, or nil when cfg names no backend
//     or type "none" and image retention is disabled.
//   - error: non-nil if the storage client cannot be created.
func NewStorage(ctx context.Context, cfg *Config) (ObjectStorage, error) {
	if cfg == nil || cfg.Type == StorageTypeNone || (cfg.Type == "" && cfg.Endpoint == "" && cfg.LocalDir == "") {
		return nil, nil
	}
	if cfg.Type == "" {
		if cfg.Endpoint == "" {
			cfg.Type = StorageTypeLocal
		} else {
			cfg.Type = detectStorageType(cfg.Endpoint)
		}
	}

	switch cfg.Type {
	case StorageTypeLocal:
		return NewLocalStorage(cfg.LocalDir, cfg.PublicURL)
	case StorageTypeS3, StorageTypeR2, StorageTypeS3Compatible:
		return NewS3Storage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
