package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/blob"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
	"github.com/gsmlg-opt/repub-sub002/pkg/registry"
)

const (
	defaultListingTTL = 5 * time.Minute
	listingCacheSize  = 1024
)

// freshness tracks when a package's listing was last synced from
// upstream.
type freshness struct {
	syncedAt time.Time
}

// Cache is the upstream proxy-cache. It serves listings for packages the
// registry does not host by syncing them from upstream, and fetches
// archives lazily on first download.
type Cache struct {
	store   metadata.Store
	blobs   blob.Store
	client  *Client
	logger  *observability.Logger
	metrics *observability.Metrics

	baseURL string
	ttl     time.Duration

	group  singleflight.Group
	synced *expirable.LRU[string, freshness]
	now    func() time.Time
}

// NewCache assembles the proxy-cache. ttl of zero uses the five minute
// default; the store's upstream_listing_ttl_seconds config, when set,
// overrides it per lookup.
func NewCache(store metadata.Store, blobs blob.Store, client *Client, logger *observability.Logger, metrics *observability.Metrics, baseURL string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultListingTTL
	}
	return &Cache{
		store:   store,
		blobs:   blobs,
		client:  client,
		logger:  logger,
		metrics: metrics,
		baseURL: baseURL,
		ttl:     ttl,
		// Entries live well past the freshness window so a stale copy is
		// available to serve while a refresh runs.
		synced: expirable.NewLRU[string, freshness](listingCacheSize, nil, 24*time.Hour),
		now:    time.Now,
	}
}

// Listing returns the merged version listing for a proxied package,
// syncing from upstream when the local copy is missing or stale.
//
// Hosted packages never fall through to here; callers route only misses
// and upstream-cache packages into the proxy.
func (c *Cache) Listing(ctx context.Context, pkg string) (*registry.Listing, error) {
	local, err := c.store.GetPackage(ctx, pkg)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, apierr.E(apierr.KindInternal, err, "look up package")
	}
	if local != nil && !local.IsUpstreamCache {
		return nil, apierr.New(apierr.KindNotFound, "package %s is hosted, not proxied", pkg)
	}

	fresh, haveSyncTime := c.synced.Get(pkg)
	isFresh := haveSyncTime && c.now().Sub(fresh.syncedAt) < c.ttl

	switch {
	case local != nil && isFresh:
		if c.metrics != nil {
			c.metrics.ProxyCacheHitsTotal.WithLabelValues("listing").Inc()
		}
		return c.localListing(ctx, pkg)

	case local != nil && !isFresh:
		// Stale-while-revalidate: serve the stale copy now, refresh in
		// the background. Singleflight bounds this to one refresh per
		// key across all requests.
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if _, err, _ := c.group.Do("listing:"+pkg, func() (interface{}, error) {
				return nil, c.syncListing(bg, pkg)
			}); err != nil {
				c.logger.WithError(err).WithField("package", pkg).Warn("background listing refresh failed")
			}
		}()
		return c.localListing(ctx, pkg)

	default:
		// Cold miss: the first request blocks on the sync; concurrent
		// requests for the same package share the flight. The sync runs
		// under its own context so one caller cancelling leaves the
		// other waiters intact.
		ch := c.group.DoChan("listing:"+pkg, func() (interface{}, error) {
			bg, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			return nil, c.syncListing(bg, pkg)
		})
		select {
		case res := <-ch:
			if res.Shared && c.metrics != nil {
				c.metrics.ProxySingleflightDup.Inc()
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return c.localListing(ctx, pkg)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Cache) localListing(ctx context.Context, pkg string) (*registry.Listing, error) {
	info, err := c.store.GetPackageInfo(ctx, pkg)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apierr.New(apierr.KindNotFound, "package %s not found", pkg)
	}
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "load cached package")
	}
	return registry.BuildListing(c.baseURL, info), nil
}

// syncListing fetches the upstream listing and records every version not
// yet persisted. Archives are not pre-fetched; versions are recorded
// with their upstream URL and an empty archive key.
func (c *Cache) syncListing(ctx context.Context, pkg string) error {
	start := c.now()
	upstream, err := c.client.GetListing(ctx, pkg)
	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.ProxyFetchesTotal.WithLabelValues("listing", status).Inc()
		c.metrics.ProxyFetchDuration.WithLabelValues("listing").Observe(c.now().Sub(start).Seconds())
	}
	if err != nil {
		// A stale local copy still serves; only propagate when there is
		// nothing local at all.
		if _, lookupErr := c.store.GetPackage(ctx, pkg); lookupErr == nil {
			c.logger.WithError(err).WithField("package", pkg).Warn("upstream refresh failed, serving stale")
			return nil
		}
		return err
	}

	pkgRow := &metadata.Package{Name: pkg, IsUpstreamCache: true}
	for _, v := range upstream.Versions {
		exists, err := c.store.VersionExists(ctx, pkg, v.Version)
		if err != nil {
			return apierr.E(apierr.KindInternal, err, "check version %s", v.Version)
		}
		if exists {
			continue
		}

		publishedAt := c.now().UTC()
		if v.Published != "" {
			if t, err := time.Parse(time.RFC3339, v.Published); err == nil {
				publishedAt = t.UTC()
			}
		}
		ver := &metadata.PackageVersion{
			PackageName:   pkg,
			Version:       v.Version,
			Pubspec:       v.Pubspec,
			ArchiveSHA256: v.ArchiveSHA256,
			UpstreamURL:   v.ArchiveURL,
			PublishedAt:   publishedAt,
			IsRetracted:   v.Retracted,
		}
		if _, err := c.store.UpsertPackageVersion(ctx, pkgRow, ver); err != nil {
			return apierr.E(apierr.KindInternal, err, "record cached version %s", v.Version)
		}
	}

	c.synced.Add(pkg, freshness{syncedAt: c.now()})
	return nil
}

// Archive returns a reader over the archive for a cached version,
// fetching and persisting it from upstream on first access.
func (c *Cache) Archive(ctx context.Context, pkg, version string) (io.ReadCloser, error) {
	ver, err := c.store.GetPackageVersion(ctx, pkg, version)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apierr.New(apierr.KindNotFound, "version %s of %s not found", version, pkg)
	}
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "load version")
	}

	if ver.ArchiveKey != "" {
		if c.metrics != nil {
			c.metrics.ProxyCacheHitsTotal.WithLabelValues("archive").Inc()
		}
		body, err := c.blobs.Get(ctx, ver.ArchiveKey)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, blob.ErrNotFound) {
			return nil, apierr.E(apierr.KindInternal, err, "open cached archive")
		}
		// Key recorded but blob missing: refetch below.
	}

	// The fetch is detached from the requesting context: waiters sharing
	// the flight must not lose the archive because the first caller
	// disconnected.
	key := fmt.Sprintf("blob:%s:%s", pkg, version)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return nil, c.fetchArchive(bg, ver)
	})
	select {
	case res := <-ch:
		if res.Shared && c.metrics != nil {
			c.metrics.ProxySingleflightDup.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	blobKey := blob.CachedArchiveKey(pkg, version, ver.ArchiveSHA256)
	return c.blobs.Get(ctx, blobKey)
}

// fetchArchive downloads, verifies, and persists one upstream archive.
func (c *Cache) fetchArchive(ctx context.Context, ver *metadata.PackageVersion) error {
	if ver.UpstreamURL == "" {
		return apierr.New(apierr.KindNotFound, "no upstream source for %s %s", ver.PackageName, ver.Version)
	}

	blobKey := blob.CachedArchiveKey(ver.PackageName, ver.Version, ver.ArchiveSHA256)

	// Write-once: a concurrent fetch may have won.
	if ok, err := c.blobs.Exists(ctx, blobKey); err == nil && ok {
		return c.recordKey(ctx, ver, blobKey)
	}

	start := c.now()
	body, err := c.client.GetArchive(ctx, ver.UpstreamURL)
	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.ProxyFetchesTotal.WithLabelValues("archive", status).Inc()
		c.metrics.ProxyFetchDuration.WithLabelValues("archive").Observe(c.now().Sub(start).Seconds())
	}
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return apierr.E(apierr.KindUpstreamUnavailable, err, "read upstream archive")
	}

	sum := sha256.Sum256(data)
	gotSHA := hex.EncodeToString(sum[:])
	if ver.ArchiveSHA256 != "" && gotSHA != ver.ArchiveSHA256 {
		c.logger.WithFields(map[string]interface{}{
			"package":  ver.PackageName,
			"version":  ver.Version,
			"expected": ver.ArchiveSHA256,
			"actual":   gotSHA,
		}).Error("upstream_hash_mismatch")
		return apierr.New(apierr.KindUpstreamUnavailable,
			"upstream archive for %s %s failed checksum verification", ver.PackageName, ver.Version)
	}

	if err := c.blobs.Put(ctx, blobKey, bytes.NewReader(data)); err != nil {
		return apierr.E(apierr.KindInternal, err, "persist cached archive")
	}
	return c.recordKey(ctx, ver, blobKey)
}

func (c *Cache) recordKey(ctx context.Context, ver *metadata.PackageVersion, blobKey string) error {
	if err := c.store.SetVersionArchiveKey(ctx, ver.PackageName, ver.Version, blobKey); err != nil {
		return apierr.E(apierr.KindInternal, err, "record archive key")
	}
	return nil
}
