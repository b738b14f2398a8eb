package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when a blob key does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store is the archive storage contract shared by the filesystem and S3
// backends.
type Store interface {
	// EnsureReady verifies the backend is usable (directory exists and is
	// writable, bucket is reachable). Called at startup and when a staged
	// storage config is validated.
	EnsureReady(ctx context.Context) error

	// Put writes the blob under key. Writing the same key twice is allowed;
	// keys embed the content hash so a rewrite carries identical bytes.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the blob for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys under the given prefix. Used by garbage
	// collection to find orphaned archives.
	List(ctx context.Context, prefix string) ([]string, error)

	// DownloadURL returns a direct URL for the blob valid for ttl, or
	// ("", nil) when the backend cannot serve direct downloads and the
	// registry must stream the archive itself.
	DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Key prefixes separating hosted uploads from upstream-cached archives.
const (
	hostedPrefix = "hosted-packages"
	cachedPrefix = "cached-packages"
)

// ArchiveKey is the storage key for a hosted package archive.
func ArchiveKey(pkg, version, sha256 string) string {
	return fmt.Sprintf("%s/%s/%s/%s.tar.gz", hostedPrefix, pkg, version, sha256)
}

// CachedArchiveKey is the storage key for an archive cached from upstream.
func CachedArchiveKey(pkg, version, sha256 string) string {
	return fmt.Sprintf("%s/%s/%s/%s.tar.gz", cachedPrefix, pkg, version, sha256)
}

// HostedPrefix returns the key prefix for hosted archives.
func HostedPrefix() string { return hostedPrefix + "/" }

// CachedPrefix returns the key prefix for cached archives.
func CachedPrefix() string { return cachedPrefix + "/" }
