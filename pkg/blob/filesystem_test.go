package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"testing"
	"time"
)

func newTestFS(t *testing.T) *FileSystemStore {
	t.Helper()
	store, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestFileSystemPutGetRoundTrip(t *testing.T) {
	store := newTestFS(t)
	ctx := context.Background()
	key := ArchiveKey("retry", "1.0.0", "abc123")
	payload := []byte("archive-bytes")

	if err := store.Put(ctx, key, bytes.NewReader(payload)); err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("content = %q, want %q", got, payload)
	}
}

func TestFileSystemGetMissing(t *testing.T) {
	store := newTestFS(t)
	_, err := store.Get(context.Background(), ArchiveKey("missing", "1.0.0", "000"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileSystemExistsAndDelete(t *testing.T) {
	store := newTestFS(t)
	ctx := context.Background()
	key := ArchiveKey("pkg", "1.0.0", "abc")

	ok, err := store.Exists(ctx, key)
	if err != nil || ok {
		t.Fatalf("exists before put = %v, %v", ok, err)
	}

	if err := store.Put(ctx, key, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err = store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("exists after put = %v, %v", ok, err)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	ok, _ = store.Exists(ctx, key)
	if ok {
		t.Error("blob survived delete")
	}
}

func TestFileSystemPutOverwriteIdempotent(t *testing.T) {
	store := newTestFS(t)
	ctx := context.Background()
	key := ArchiveKey("pkg", "1.0.0", "abc")

	for i := 0; i < 2; i++ {
		if err := store.Put(ctx, key, bytes.NewReader([]byte("same-bytes"))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "same-bytes" {
		t.Errorf("content = %q", got)
	}
}

func TestFileSystemRejectsTraversalKeys(t *testing.T) {
	store := newTestFS(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "/absolute", "a/../../b"} {
		if err := store.Put(ctx, key, bytes.NewReader(nil)); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
}

func TestFileSystemList(t *testing.T) {
	store := newTestFS(t)
	ctx := context.Background()

	keys := []string{
		ArchiveKey("a", "1.0.0", "s1"),
		ArchiveKey("a", "2.0.0", "s2"),
		CachedArchiveKey("b", "1.0.0", "s3"),
	}
	for _, k := range keys {
		if err := store.Put(ctx, k, bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	hosted, err := store.List(ctx, HostedPrefix())
	if err != nil {
		t.Fatalf("list hosted: %v", err)
	}
	sort.Strings(hosted)
	if len(hosted) != 2 || hosted[0] != keys[0] || hosted[1] != keys[1] {
		t.Errorf("hosted keys = %v", hosted)
	}

	cached, err := store.List(ctx, CachedPrefix())
	if err != nil {
		t.Fatalf("list cached: %v", err)
	}
	if len(cached) != 1 || cached[0] != keys[2] {
		t.Errorf("cached keys = %v", cached)
	}

	// Listing a prefix with no blobs is empty, not an error.
	none, err := store.List(ctx, "no-such-prefix/")
	if err != nil || len(none) != 0 {
		t.Errorf("empty prefix = %v, %v", none, err)
	}
}

func TestFileSystemDownloadURLEmpty(t *testing.T) {
	store := newTestFS(t)
	url, err := store.DownloadURL(context.Background(), ArchiveKey("a", "1.0.0", "s"), time.Minute)
	if err != nil || url != "" {
		t.Fatalf("url = %q, err = %v; filesystem backend has no direct downloads", url, err)
	}
}

func TestFileSystemEnsureReady(t *testing.T) {
	store := newTestFS(t)
	if err := store.EnsureReady(context.Background()); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
}

func TestArchiveKeyLayout(t *testing.T) {
	key := ArchiveKey("http_retry", "1.2.3", "deadbeef")
	want := "hosted-packages/http_retry/1.2.3/deadbeef.tar.gz"
	if key != want {
		t.Errorf("ArchiveKey = %q, want %q", key, want)
	}
	cached := CachedArchiveKey("http_retry", "1.2.3", "deadbeef")
	wantCached := "cached-packages/http_retry/1.2.3/deadbeef.tar.gz"
	if cached != wantCached {
		t.Errorf("CachedArchiveKey = %q, want %q", cached, wantCached)
	}
}
