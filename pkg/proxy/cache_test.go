package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/blob"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

// fakeUpstream serves a configurable pub repository.
type fakeUpstream struct {
	listingHits int64
	archiveHits int64

	archive  []byte
	sha      string
	failWith int
	missing  bool
	badBytes bool

	// delay is added to every response so tests can hold flights open
	// long enough to overlap.
	delay time.Duration
}

func newFakeUpstream() *fakeUpstream {
	archive := []byte("upstream-archive-bytes")
	sum := sha256.Sum256(archive)
	return &fakeUpstream{archive: archive, sha: hex.EncodeToString(sum[:])}
}

func (f *fakeUpstream) handler(baseURL *string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/packages/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.listingHits, 1)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		if f.missing {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		listing := UpstreamListing{
			Name: "remote_pkg",
			Versions: []UpstreamVersion{
				{
					Version:       "1.0.0",
					ArchiveURL:    *baseURL + "/archives/remote_pkg-1.0.0.tar.gz",
					ArchiveSHA256: f.sha,
					Pubspec:       map[string]interface{}{"name": "remote_pkg", "version": "1.0.0"},
				},
			},
		}
		w.Header().Set("Content-Type", "application/vnd.pub.v2+json")
		json.NewEncoder(w).Encode(listing)
	})
	mux.HandleFunc("/archives/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.archiveHits, 1)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.badBytes {
			w.Write([]byte("corrupted"))
			return
		}
		w.Write(f.archive)
	})
	return mux
}

func newTestCache(t *testing.T, f *fakeUpstream, ttl time.Duration) (*Cache, metadata.Store, *httptest.Server) {
	t.Helper()
	var baseURL string
	srv := httptest.NewServer(f.handler(&baseURL))
	baseURL = srv.URL
	t.Cleanup(srv.Close)

	store, err := metadata.OpenSQLite(filepath.Join(t.TempDir(), "proxy.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	blobs, err := blob.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	cache := NewCache(store, blobs, NewClient(srv.URL), logger, nil, "https://registry.local", ttl)
	return cache, store, srv
}

func TestListingColdMissSyncsFromUpstream(t *testing.T) {
	f := newFakeUpstream()
	cache, store, _ := newTestCache(t, f, time.Minute)
	ctx := context.Background()

	listing, err := cache.Listing(ctx, "remote_pkg")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if listing.Name != "remote_pkg" || len(listing.Versions) != 1 {
		t.Fatalf("listing = %+v", listing)
	}
	// The archive URL is rewritten to this registry, not upstream.
	want := "https://registry.local/api/packages/remote_pkg/versions/1.0.0/archive.tar.gz"
	if listing.Versions[0].ArchiveURL != want {
		t.Errorf("archive_url = %q, want %q", listing.Versions[0].ArchiveURL, want)
	}

	// Metadata is persisted as an upstream cache entry with no blob yet.
	pkg, err := store.GetPackage(ctx, "remote_pkg")
	if err != nil || !pkg.IsUpstreamCache {
		t.Fatalf("package = %+v, %v", pkg, err)
	}
	v, err := store.GetPackageVersion(ctx, "remote_pkg", "1.0.0")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v.ArchiveKey != "" || v.UpstreamURL == "" {
		t.Errorf("version should be lazy: key=%q upstream=%q", v.ArchiveKey, v.UpstreamURL)
	}
}

func TestListingFreshServedLocally(t *testing.T) {
	f := newFakeUpstream()
	cache, _, _ := newTestCache(t, f, time.Minute)
	ctx := context.Background()

	if _, err := cache.Listing(ctx, "remote_pkg"); err != nil {
		t.Fatalf("first listing: %v", err)
	}
	if _, err := cache.Listing(ctx, "remote_pkg"); err != nil {
		t.Fatalf("second listing: %v", err)
	}
	if hits := atomic.LoadInt64(&f.listingHits); hits != 1 {
		t.Errorf("upstream listing hits = %d, want 1 within TTL", hits)
	}
}

func TestListingUnknownUpstream(t *testing.T) {
	f := newFakeUpstream()
	f.missing = true
	cache, _, _ := newTestCache(t, f, time.Minute)

	_, err := cache.Listing(context.Background(), "remote_pkg")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestListingUpstreamDownNoLocalCopy(t *testing.T) {
	f := newFakeUpstream()
	f.failWith = http.StatusInternalServerError
	cache, _, _ := newTestCache(t, f, time.Minute)

	_, err := cache.Listing(context.Background(), "remote_pkg")
	if !apierr.Is(err, apierr.KindUpstreamUnavailable) {
		t.Fatalf("err = %v, want upstream-unavailable", err)
	}
}

func TestListingUpstreamDownServesStale(t *testing.T) {
	f := newFakeUpstream()
	cache, _, _ := newTestCache(t, f, time.Minute)
	ctx := context.Background()

	if _, err := cache.Listing(ctx, "remote_pkg"); err != nil {
		t.Fatalf("warm up: %v", err)
	}

	// Upstream dies; force a sync by expiring freshness.
	f.failWith = http.StatusBadGateway
	cache.synced.Purge()

	listing, err := cache.Listing(ctx, "remote_pkg")
	if err != nil {
		t.Fatalf("stale listing: %v", err)
	}
	if len(listing.Versions) != 1 {
		t.Errorf("stale listing lost versions: %+v", listing)
	}
}

func TestListingHostedPackageRefused(t *testing.T) {
	f := newFakeUpstream()
	cache, store, _ := newTestCache(t, f, time.Minute)
	ctx := context.Background()

	if _, err := store.UpsertPackageVersion(ctx,
		&metadata.Package{Name: "hosted_here"},
		&metadata.PackageVersion{
			PackageName: "hosted_here", Version: "1.0.0",
			Pubspec:       map[string]interface{}{"name": "hosted_here"},
			ArchiveSHA256: "x", PublishedAt: time.Now().UTC(),
		}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := cache.Listing(ctx, "hosted_here")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("err = %v, want not-found (no proxy fallback for hosted)", err)
	}
	if atomic.LoadInt64(&f.listingHits) != 0 {
		t.Error("proxy reached upstream for a hosted package")
	}
}

func TestArchiveLazyFetchAndVerify(t *testing.T) {
	f := newFakeUpstream()
	cache, store, _ := newTestCache(t, f, time.Minute)
	ctx := context.Background()

	if _, err := cache.Listing(ctx, "remote_pkg"); err != nil {
		t.Fatalf("listing: %v", err)
	}

	rc, err := cache.Archive(ctx, "remote_pkg", "1.0.0")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != string(f.archive) {
		t.Error("archive bytes mismatch")
	}

	// The blob is persisted and the version points at it.
	v, _ := store.GetPackageVersion(ctx, "remote_pkg", "1.0.0")
	wantKey := blob.CachedArchiveKey("remote_pkg", "1.0.0", f.sha)
	if v.ArchiveKey != wantKey {
		t.Errorf("archive_key = %q, want %q", v.ArchiveKey, wantKey)
	}

	// Second download is a local hit.
	rc, err = cache.Archive(ctx, "remote_pkg", "1.0.0")
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	rc.Close()
	if hits := atomic.LoadInt64(&f.archiveHits); hits != 1 {
		t.Errorf("upstream archive hits = %d, want 1", hits)
	}
}

func TestArchiveChecksumMismatchRejected(t *testing.T) {
	f := newFakeUpstream()
	f.badBytes = true
	cache, store, _ := newTestCache(t, f, time.Minute)
	ctx := context.Background()

	if _, err := cache.Listing(ctx, "remote_pkg"); err != nil {
		t.Fatalf("listing: %v", err)
	}

	_, err := cache.Archive(ctx, "remote_pkg", "1.0.0")
	if !apierr.Is(err, apierr.KindUpstreamUnavailable) {
		t.Fatalf("err = %v, want upstream-unavailable on hash mismatch", err)
	}

	// Nothing was persisted.
	v, _ := store.GetPackageVersion(ctx, "remote_pkg", "1.0.0")
	if v.ArchiveKey != "" {
		t.Error("corrupted archive was recorded")
	}
}

func TestArchiveUnknownVersion(t *testing.T) {
	f := newFakeUpstream()
	cache, _, _ := newTestCache(t, f, time.Minute)

	_, err := cache.Archive(context.Background(), "remote_pkg", "9.9.9")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestConcurrentColdMissSingleUpstreamFetch(t *testing.T) {
	f := newFakeUpstream()
	f.delay = 200 * time.Millisecond
	cache, _, _ := newTestCache(t, f, time.Minute)
	ctx := context.Background()

	const readers = 8
	start := make(chan struct{})
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := cache.Listing(ctx, "remote_pkg")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent listing: %v", err)
		}
	}
	if hits := atomic.LoadInt64(&f.listingHits); hits != 1 {
		t.Errorf("upstream listing hits = %d, want 1 shared flight", hits)
	}
}

func TestListingWaiterSurvivesOriginatorCancel(t *testing.T) {
	f := newFakeUpstream()
	f.delay = 300 * time.Millisecond
	cache, _, _ := newTestCache(t, f, time.Minute)

	originatorCtx, cancel := context.WithCancel(context.Background())
	originatorErr := make(chan error, 1)
	go func() {
		_, err := cache.Listing(originatorCtx, "remote_pkg")
		originatorErr <- err
	}()

	// Join the in-flight sync, then pull the originator out from under it.
	time.Sleep(50 * time.Millisecond)
	waiterErr := make(chan error, 1)
	go func() {
		_, err := cache.Listing(context.Background(), "remote_pkg")
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-originatorErr; !errors.Is(err, context.Canceled) {
		t.Errorf("originator err = %v, want context.Canceled", err)
	}
	if err := <-waiterErr; err != nil {
		t.Fatalf("waiter failed after originator cancel: %v", err)
	}
	if hits := atomic.LoadInt64(&f.listingHits); hits != 1 {
		t.Errorf("upstream listing hits = %d, want 1", hits)
	}
}

func TestArchiveWaiterSurvivesOriginatorCancel(t *testing.T) {
	f := newFakeUpstream()
	cache, _, _ := newTestCache(t, f, time.Minute)

	if _, err := cache.Listing(context.Background(), "remote_pkg"); err != nil {
		t.Fatalf("listing: %v", err)
	}
	f.delay = 300 * time.Millisecond

	originatorCtx, cancel := context.WithCancel(context.Background())
	originatorErr := make(chan error, 1)
	go func() {
		rc, err := cache.Archive(originatorCtx, "remote_pkg", "1.0.0")
		if rc != nil {
			rc.Close()
		}
		originatorErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	waiterErr := make(chan error, 1)
	go func() {
		rc, err := cache.Archive(context.Background(), "remote_pkg", "1.0.0")
		if err == nil {
			got, readErr := io.ReadAll(rc)
			rc.Close()
			if readErr != nil {
				err = readErr
			} else if string(got) != string(f.archive) {
				err = errors.New("archive bytes mismatch")
			}
		}
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-originatorErr; !errors.Is(err, context.Canceled) {
		t.Errorf("originator err = %v, want context.Canceled", err)
	}
	if err := <-waiterErr; err != nil {
		t.Fatalf("waiter failed after originator cancel: %v", err)
	}
	if hits := atomic.LoadInt64(&f.archiveHits); hits != 1 {
		t.Errorf("upstream archive hits = %d, want 1", hits)
	}
}

func TestListingSyncIdempotent(t *testing.T) {
	f := newFakeUpstream()
	cache, store, _ := newTestCache(t, f, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cache.synced.Purge()
		if _, err := cache.Listing(ctx, "remote_pkg"); err != nil {
			t.Fatalf("listing %d: %v", i, err)
		}
		// Wait out any background refresh before purging again.
		time.Sleep(50 * time.Millisecond)
	}

	info, err := store.GetPackageInfo(ctx, "remote_pkg")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.Versions) != 1 {
		t.Errorf("versions = %d, want 1 (no duplicates on re-sync)", len(info.Versions))
	}
}
