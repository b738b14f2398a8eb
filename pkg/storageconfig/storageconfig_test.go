package storageconfig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

func newTestStore(t *testing.T) metadata.Store {
	t.Helper()
	store, err := metadata.OpenSQLite(filepath.Join(t.TempDir(), "storage.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestParseValidate(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"filesystem", `{"backend":"filesystem","path":"/var/lib/repub"}`, false},
		{"s3", `{"backend":"s3","bucket":"archives","region":"us-east-1"}`, false},
		{"filesystem no path", `{"backend":"filesystem"}`, true},
		{"s3 no bucket", `{"backend":"s3","region":"us-east-1"}`, true},
		{"unknown backend", `{"backend":"tape"}`, true},
		{"not json", `backend=filesystem`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Errorf("Parse(%q) err = %v, wantErr %v", tc.raw, err, tc.wantErr)
			}
		})
	}
}

func TestRedactedMasksCredentials(t *testing.T) {
	cfg := &Config{Backend: BackendS3, Bucket: "b", AccessKey: "AKIA123", SecretKey: "shhh"}
	red := cfg.Redacted()
	if red.AccessKey != "***" || red.SecretKey != "***" {
		t.Errorf("credentials leaked: %+v", red)
	}
	if cfg.AccessKey != "AKIA123" {
		t.Error("original mutated")
	}
	if red.Bucket != "b" {
		t.Error("non-secret field lost")
	}
}

func TestLoadActiveSeedsFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fallback := &Config{Backend: BackendFilesystem, Path: t.TempDir()}

	cfg, err := LoadActive(ctx, store, fallback)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != fallback.Path {
		t.Errorf("cfg = %+v", cfg)
	}

	// The fallback was persisted as the active slot.
	row, err := store.GetStorageConfig(ctx, metadata.StorageSlotActive)
	if err != nil {
		t.Fatalf("active slot not seeded: %v", err)
	}
	if parsed, _ := Parse(row.Config); parsed.Path != fallback.Path {
		t.Errorf("seeded config = %s", row.Config)
	}
}

func TestStageAndActivate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lockPath := filepath.Join(t.TempDir(), "repub.pid")

	if _, err := LoadActive(ctx, store, &Config{Backend: BackendFilesystem, Path: "/old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	pending := &Config{Backend: BackendS3, Bucket: "archives", Region: "eu-west-1"}
	if err := StagePending(ctx, store, pending); err != nil {
		t.Fatalf("stage: %v", err)
	}

	// Staging does not touch active.
	active, _, err := Slot(ctx, store, metadata.StorageSlotActive)
	if err != nil || active.Backend != BackendFilesystem {
		t.Fatalf("active changed early: %+v, %v", active, err)
	}

	promoted, err := Activate(ctx, store, lockPath)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if promoted.Bucket != "archives" {
		t.Errorf("promoted = %+v", promoted)
	}

	active, _, err = Slot(ctx, store, metadata.StorageSlotActive)
	if err != nil || active.Backend != BackendS3 || active.Bucket != "archives" {
		t.Errorf("active after promote = %+v, %v", active, err)
	}
}

func TestActivateWithoutPending(t *testing.T) {
	store := newTestStore(t)
	lockPath := filepath.Join(t.TempDir(), "repub.pid")

	_, err := Activate(context.Background(), store, lockPath)
	if !errors.Is(err, ErrNoPending) {
		t.Fatalf("err = %v, want ErrNoPending", err)
	}
}

func TestActivateRefusedWhileLocked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lockPath := filepath.Join(t.TempDir(), "repub.pid")

	if err := StagePending(ctx, store, &Config{Backend: BackendFilesystem, Path: "/new"}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	// This test process plays the running server.
	if err := AcquireLock(lockPath); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err := Activate(ctx, store, lockPath)
	if !errors.Is(err, ErrServerRunning) {
		t.Fatalf("err = %v, want ErrServerRunning", err)
	}

	if err := ReleaseLock(lockPath); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := Activate(ctx, store, lockPath); err != nil {
		t.Fatalf("activate after release: %v", err)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "repub.pid")
	// A PID that cannot be a live process.
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(1<<22+12345)), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	if err := AcquireLock(lockPath); err != nil {
		t.Fatalf("stale lock not reclaimed: %v", err)
	}
	t.Cleanup(func() { ReleaseLock(lockPath) })
}

func TestBuildStoreFilesystem(t *testing.T) {
	dir := t.TempDir()
	store, err := BuildStore(context.Background(), &Config{Backend: BackendFilesystem, Path: dir})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := store.EnsureReady(context.Background()); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
}
