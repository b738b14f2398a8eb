package storageconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/blob"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

// Backend names accepted in a storage config.
const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
)

var (
	// ErrNoPending is returned by Activate when nothing is staged.
	ErrNoPending = errors.New("storageconfig: no pending configuration")
	// ErrServerRunning is returned by Activate when the lock file points
	// at a live process.
	ErrServerRunning = errors.New("storageconfig: server appears to be running")
)

// Config is one storage backend snapshot, stored as JSON in the
// metadata store's active and pending slots.
type Config struct {
	Backend string `json:"backend"`

	// Filesystem backend.
	Path string `json:"path,omitempty"`

	// S3 backend.
	Bucket       string `json:"bucket,omitempty"`
	Region       string `json:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	AccessKey    string `json:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty"`
}

// Validate checks the config names a usable backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFilesystem:
		if c.Path == "" {
			return fmt.Errorf("filesystem backend requires a path")
		}
	case BackendS3:
		if c.Bucket == "" {
			return fmt.Errorf("s3 backend requires a bucket")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	return nil
}

// Parse decodes and validates a JSON config snapshot.
func Parse(raw string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode storage config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode renders the config to its stored JSON form.
func (c *Config) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode storage config: %w", err)
	}
	return string(raw), nil
}

// Redacted returns a copy safe for API responses, with credentials
// masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.AccessKey != "" {
		out.AccessKey = "***"
	}
	if out.SecretKey != "" {
		out.SecretKey = "***"
	}
	return &out
}

// BuildStore constructs the blob store a config describes.
func BuildStore(ctx context.Context, cfg *Config) (blob.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendFilesystem:
		return blob.NewFileSystemStore(cfg.Path)
	case BackendS3:
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			UsePathStyle: cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// LoadActive reads the active slot. When none has been written yet, the
// fallback is persisted as active and returned, so first boot is
// self-configuring.
func LoadActive(ctx context.Context, store metadata.Store, fallback *Config) (*Config, error) {
	row, err := store.GetStorageConfig(ctx, metadata.StorageSlotActive)
	if errors.Is(err, metadata.ErrNotFound) {
		raw, encErr := fallback.Encode()
		if encErr != nil {
			return nil, encErr
		}
		if err := store.SetStorageConfig(ctx, metadata.StorageSlotActive, raw); err != nil {
			return nil, fmt.Errorf("seed active storage config: %w", err)
		}
		return fallback, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active storage config: %w", err)
	}
	return Parse(row.Config)
}

// Slot reads one slot; ErrNotFound from the store passes through.
func Slot(ctx context.Context, store metadata.Store, slot string) (*Config, time.Time, error) {
	row, err := store.GetStorageConfig(ctx, slot)
	if err != nil {
		return nil, time.Time{}, err
	}
	cfg, err := Parse(row.Config)
	if err != nil {
		return nil, time.Time{}, err
	}
	return cfg, row.UpdatedAt, nil
}

// StagePending validates and writes the pending slot. The running
// process is unaffected until the pending config is activated.
func StagePending(ctx context.Context, store metadata.Store, cfg *Config) error {
	raw, err := cfg.Encode()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return store.SetStorageConfig(ctx, metadata.StorageSlotPending, raw)
}

// Activate promotes pending to active. It refuses while the lock file
// points at a live server process; activation is an offline operation.
func Activate(ctx context.Context, store metadata.Store, lockPath string) (*Config, error) {
	if pid, running := lockedPID(lockPath); running {
		return nil, fmt.Errorf("%w (pid %d holds %s)", ErrServerRunning, pid, lockPath)
	}

	row, err := store.GetStorageConfig(ctx, metadata.StorageSlotPending)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("load pending storage config: %w", err)
	}

	cfg, err := Parse(row.Config)
	if err != nil {
		return nil, fmt.Errorf("pending config is invalid: %w", err)
	}

	if err := store.SetStorageConfig(ctx, metadata.StorageSlotActive, row.Config); err != nil {
		return nil, fmt.Errorf("promote storage config: %w", err)
	}
	return cfg, nil
}
