package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/auth"
	"github.com/gsmlg-opt/repub-sub002/pkg/blob"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

// Webhook event types emitted by the registry.
const (
	EventPackagePublished  = "package.published"
	EventPackageDownloaded = "package.downloaded"
	EventVersionRetracted  = "version.retracted"
	EventPackageDeleted    = "package.deleted"
)

// Events receives registry events for webhook fan-out. Emit must not
// block the calling request.
type Events interface {
	Emit(eventType string, payload map[string]interface{})
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) Emit(string, map[string]interface{}) {}

const (
	defaultUploadSessionTTL = 10 * time.Minute
	defaultMaxUploadSizeMB  = 100
)

// Options configures a Service.
type Options struct {
	BaseURL      string
	SessionTTL   time.Duration
	SignedURLTTL time.Duration
}

// Service ties the metadata store, blob store, and event dispatch into
// the registry's publish and resolution operations.
type Service struct {
	store     metadata.Store
	blobs     blob.Store
	events    Events
	logger    *observability.Logger
	metrics   *observability.Metrics
	downloads *DownloadCounter
	opts      Options
	now       func() time.Time
}

// NewService assembles the registry core.
func NewService(store metadata.Store, blobs blob.Store, events Events, logger *observability.Logger, metrics *observability.Metrics, downloads *DownloadCounter, opts Options) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultUploadSessionTTL
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = time.Hour
	}
	if events == nil {
		events = NopEvents{}
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		events:    events,
		logger:    logger,
		metrics:   metrics,
		downloads: downloads,
		opts:      opts,
		now:       time.Now,
	}
}

// SetBlobStore swaps the blob backend. Used when a staged storage
// configuration is activated at startup.
func (s *Service) SetBlobStore(b blob.Store) { s.blobs = b }

// --- Publish pipeline ---

// UploadInstruction is the step-1 response body: where to send the
// archive and the fields to include.
type UploadInstruction struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// StartUpload opens an upload session and returns the instruction
// pointing at the upload endpoint.
func (s *Service) StartUpload(ctx context.Context, userID string) (*UploadInstruction, error) {
	now := s.now().UTC()
	session := &metadata.UploadSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     metadata.SessionOpen,
		ExpiresAt: now.Add(s.opts.SessionTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateUploadSession(ctx, session); err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "create upload session")
	}
	return &UploadInstruction{
		URL:    fmt.Sprintf("%s/api/packages/versions/newUpload", s.opts.BaseURL),
		Fields: map[string]string{"upload_id": session.ID},
	}, nil
}

// PublishResult describes a completed upload.
type PublishResult struct {
	Name        string
	Version     string
	SHA256      string
	PublishedAt time.Time
}

// ProcessUpload runs the step-2 validation and persistence for an
// uploaded archive. scopes are the authenticated caller's token scopes;
// actor identifies the caller for the activity log.
func (s *Service) ProcessUpload(ctx context.Context, sessionID string, archive io.Reader, scopes []string, actor *metadata.User) (*PublishResult, error) {
	session, err := s.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	maxBytes := s.maxUploadBytes(ctx)
	data, err := readBounded(archive, maxBytes)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])

	manifest, err := ValidateArchive(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	// Publishing into the upstream-cache namespace is never allowed.
	existing, err := s.store.GetPackage(ctx, manifest.Name)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, apierr.E(apierr.KindInternal, err, "look up package")
	}
	if existing != nil && existing.IsUpstreamCache {
		return nil, apierr.New(apierr.KindForbidden,
			"package %s is cached from upstream and cannot be published to", manifest.Name)
	}

	if !auth.CanPublish(scopes, manifest.Name) {
		return nil, apierr.New(apierr.KindForbidden,
			"token lacks publish scope for %s", manifest.Name)
	}

	key := blob.ArchiveKey(manifest.Name, manifest.Version, shaHex)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "store archive")
	}

	now := s.now().UTC()
	pkg := &metadata.Package{Name: manifest.Name, Description: manifest.Description}
	ver := &metadata.PackageVersion{
		PackageName:   manifest.Name,
		Version:       manifest.Version,
		Pubspec:       manifest.Pubspec,
		ArchiveKey:    key,
		ArchiveSHA256: shaHex,
		PublishedAt:   now,
	}
	// A failure past the blob write leaves the blob behind; keys embed
	// the content hash so gc can collect it later.
	inserted, err := s.store.UpsertPackageVersion(ctx, pkg, ver)
	if err != nil {
		switch {
		case errors.Is(err, metadata.ErrVersionExists):
			return nil, apierr.E(apierr.KindVersionExists, err,
				"%s %s already exists with different content", manifest.Name, manifest.Version)
		case errors.Is(err, metadata.ErrUpstreamCacheImmutable):
			return nil, apierr.E(apierr.KindForbidden, err,
				"package %s is cached from upstream and cannot be published to", manifest.Name)
		default:
			return nil, apierr.E(apierr.KindInternal, err, "record package version")
		}
	}

	if err := s.store.CompleteUploadSession(ctx, session.ID); err != nil {
		s.logger.WithError(err).WithField("session", session.ID).Error("mark session completed")
	}

	// An identical re-publish succeeds silently without recording
	// activity, notifying webhooks, or counting a publish.
	if inserted {
		s.logActivity(ctx, "package_published", actor, "package", manifest.Name, map[string]interface{}{
			"version": manifest.Version,
			"sha256":  shaHex,
		})
		s.events.Emit(EventPackagePublished, map[string]interface{}{
			"name":         manifest.Name,
			"version":      manifest.Version,
			"sha256":       shaHex,
			"published_at": now.Format(time.RFC3339),
		})
		if s.metrics != nil {
			s.metrics.PublishTotal.WithLabelValues("success").Inc()
		}

		s.logger.WithFields(map[string]interface{}{
			"package": manifest.Name,
			"version": manifest.Version,
			"sha256":  shaHex,
		}).Info("package published")
	}

	return &PublishResult{
		Name:        manifest.Name,
		Version:     manifest.Version,
		SHA256:      shaHex,
		PublishedAt: now,
	}, nil
}

// FinalizeUpload is step 3: confirm that the session completed.
func (s *Service) FinalizeUpload(ctx context.Context, sessionID string) error {
	session, err := s.store.GetUploadSession(ctx, sessionID)
	if errors.Is(err, metadata.ErrNotFound) {
		return apierr.New(apierr.KindNotFound, "unknown upload session")
	}
	if err != nil {
		return apierr.E(apierr.KindInternal, err, "look up session")
	}
	if session.State != metadata.SessionCompleted {
		return apierr.New(apierr.KindUploadExpired, "upload session was not completed")
	}
	return nil
}

func (s *Service) openSession(ctx context.Context, sessionID string) (*metadata.UploadSession, error) {
	if sessionID == "" {
		return nil, apierr.New(apierr.KindBadRequest, "upload_id is required")
	}
	session, err := s.store.GetUploadSession(ctx, sessionID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apierr.New(apierr.KindUploadExpired, "unknown upload session")
	}
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "look up session")
	}
	if session.State != metadata.SessionOpen {
		return nil, apierr.New(apierr.KindUploadExpired, "upload session already used")
	}
	if session.Expired(s.now().UTC()) {
		return nil, apierr.New(apierr.KindUploadExpired, "upload session expired")
	}
	return session, nil
}

// MaxUploadBytes returns the effective archive size limit. The HTTP
// layer uses it to cap upload request bodies before multipart parsing.
func (s *Service) MaxUploadBytes(ctx context.Context) int64 {
	return s.maxUploadBytes(ctx)
}

func (s *Service) maxUploadBytes(ctx context.Context) int64 {
	mb := int64(defaultMaxUploadSizeMB)
	if raw, err := s.store.GetConfig(ctx, metadata.ConfigMaxUploadSizeMB); err == nil {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			mb = n
		}
	}
	return mb * 1024 * 1024
}

// readBounded reads at most limit bytes, failing with PayloadTooLarge
// when the input exceeds it.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, apierr.E(apierr.KindBadRequest, err, "read upload")
	}
	if int64(len(data)) > limit {
		return nil, apierr.New(apierr.KindPayloadTooLarge,
			"archive exceeds the %d MB upload limit", limit/(1024*1024))
	}
	if len(data) == 0 {
		return nil, apierr.New(apierr.KindBadRequest, "upload is empty")
	}
	return data, nil
}

// --- Resolution ---

// GetListing returns the version-listing document for a hosted or cached
// package. Unknown packages return NotFound; proxy fallback is layered
// above this in the HTTP handler.
func (s *Service) GetListing(ctx context.Context, name string) (*Listing, error) {
	info, err := s.store.GetPackageInfo(ctx, name)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apierr.New(apierr.KindNotFound, "package %s not found", name)
	}
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "load package %s", name)
	}
	return BuildListing(s.opts.BaseURL, info), nil
}

// GetVersion returns the listing entry for one version.
func (s *Service) GetVersion(ctx context.Context, name, version string) (*VersionEntry, error) {
	listing, err := s.GetListing(ctx, name)
	if err != nil {
		return nil, err
	}
	entry := listing.EntryFor(version)
	if entry == nil {
		return nil, apierr.New(apierr.KindNotFound, "version %s of %s not found", version, name)
	}
	return entry, nil
}

// ArchiveSource is how a download should be served: a redirect to a
// signed URL, or a stream from the blob store.
type ArchiveSource struct {
	RedirectURL string
	Body        io.ReadCloser
}

// OpenArchive resolves the stored archive for a version and records the
// download. Cached versions whose blobs have not been fetched yet return
// NotFound here; the proxy layer handles the lazy fetch.
func (s *Service) OpenArchive(ctx context.Context, name, version string) (*ArchiveSource, error) {
	ver, err := s.store.GetPackageVersion(ctx, name, version)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apierr.New(apierr.KindNotFound, "version %s of %s not found", version, name)
	}
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "load version")
	}
	if ver.ArchiveKey == "" {
		return nil, apierr.New(apierr.KindNotFound, "archive for %s %s not cached", name, version)
	}

	src := &ArchiveSource{}
	if url, err := s.blobs.DownloadURL(ctx, ver.ArchiveKey, s.opts.SignedURLTTL); err == nil && url != "" {
		src.RedirectURL = url
	} else {
		body, err := s.blobs.Get(ctx, ver.ArchiveKey)
		if errors.Is(err, blob.ErrNotFound) {
			return nil, apierr.New(apierr.KindNotFound, "archive for %s %s missing from storage", name, version)
		}
		if err != nil {
			return nil, apierr.E(apierr.KindInternal, err, "open archive")
		}
		src.Body = body
	}

	if s.downloads != nil {
		s.downloads.Add(name, version)
	}
	if s.metrics != nil {
		namespace := "hosted"
		if strings.HasPrefix(ver.ArchiveKey, blob.CachedPrefix()) {
			namespace = "cached"
		}
		s.metrics.DownloadsTotal.WithLabelValues(namespace).Inc()
	}
	s.events.Emit(EventPackageDownloaded, map[string]interface{}{
		"name":    name,
		"version": version,
	})
	return src, nil
}

// RecordDownload counts a download served outside OpenArchive, such as
// a lazily fetched proxy archive.
func (s *Service) RecordDownload(name, version string) {
	if s.downloads != nil {
		s.downloads.Add(name, version)
	}
	if s.metrics != nil {
		s.metrics.DownloadsTotal.WithLabelValues("cached").Inc()
	}
	s.events.Emit(EventPackageDownloaded, map[string]interface{}{
		"name":    name,
		"version": version,
	})
}

// --- Administration ---

// Retract marks a version retracted.
func (s *Service) Retract(ctx context.Context, name, version string, message *string, actor *metadata.User) error {
	if err := s.store.RetractVersion(ctx, name, version, message); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return apierr.New(apierr.KindNotFound, "version %s of %s not found", version, name)
		}
		return apierr.E(apierr.KindInternal, err, "retract version")
	}
	s.logActivity(ctx, "version_retracted", actor, "package", name, map[string]interface{}{
		"version": version,
	})
	s.events.Emit(EventVersionRetracted, map[string]interface{}{
		"name":    name,
		"version": version,
	})
	return nil
}

// Unretract clears a retraction.
func (s *Service) Unretract(ctx context.Context, name, version string, actor *metadata.User) error {
	if err := s.store.UnretractVersion(ctx, name, version); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return apierr.New(apierr.KindNotFound, "version %s of %s not found", version, name)
		}
		return apierr.E(apierr.KindInternal, err, "unretract version")
	}
	s.logActivity(ctx, "version_unretracted", actor, "package", name, map[string]interface{}{
		"version": version,
	})
	return nil
}

// Discontinue marks a package discontinued, optionally naming a
// replacement.
func (s *Service) Discontinue(ctx context.Context, name string, replacedBy *string, actor *metadata.User) error {
	if err := s.store.DiscontinuePackage(ctx, name, replacedBy); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return apierr.New(apierr.KindNotFound, "package %s not found", name)
		}
		return apierr.E(apierr.KindInternal, err, "discontinue package")
	}
	s.logActivity(ctx, "package_discontinued", actor, "package", name, nil)
	return nil
}

// DeletePackage removes a package, its versions, and its blobs.
func (s *Service) DeletePackage(ctx context.Context, name string, actor *metadata.User) (int, error) {
	info, err := s.store.GetPackageInfo(ctx, name)
	if errors.Is(err, metadata.ErrNotFound) {
		return 0, apierr.New(apierr.KindNotFound, "package %s not found", name)
	}
	if err != nil {
		return 0, apierr.E(apierr.KindInternal, err, "load package")
	}

	deleted, err := s.store.DeletePackage(ctx, name)
	if err != nil {
		return 0, apierr.E(apierr.KindInternal, err, "delete package")
	}

	// Blob removal is best effort; orphans are swept by gc.
	for _, v := range info.Versions {
		if v.ArchiveKey == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, v.ArchiveKey); err != nil {
			s.logger.WithError(err).WithField("key", v.ArchiveKey).Warn("delete archive blob")
		}
	}

	s.logActivity(ctx, "package_deleted", actor, "package", name, map[string]interface{}{
		"versions": deleted,
	})
	s.events.Emit(EventPackageDeleted, map[string]interface{}{
		"name": name,
	})
	return deleted, nil
}

// GarbageCollect removes hosted blobs that no version references.
// Returns the keys removed.
func (s *Service) GarbageCollect(ctx context.Context, dryRun bool) ([]string, error) {
	referenced := make(map[string]bool)
	page := 1
	for {
		pkgs, err := s.store.ListPackages(ctx, page, 200)
		if err != nil {
			return nil, fmt.Errorf("list packages: %w", err)
		}
		for _, p := range pkgs.Packages {
			info, err := s.store.GetPackageInfo(ctx, p.Name)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", p.Name, err)
			}
			for _, v := range info.Versions {
				if v.ArchiveKey != "" {
					referenced[v.ArchiveKey] = true
				}
			}
		}
		if !pkgs.HasNextPage {
			break
		}
		page++
	}

	var removed []string
	for _, prefix := range []string{blob.HostedPrefix(), blob.CachedPrefix()} {
		keys, err := s.blobs.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list blobs: %w", err)
		}
		for _, key := range keys {
			if referenced[key] {
				continue
			}
			if !dryRun {
				if err := s.blobs.Delete(ctx, key); err != nil {
					s.logger.WithError(err).WithField("key", key).Warn("gc delete failed")
					continue
				}
			}
			removed = append(removed, key)
		}
	}
	return removed, nil
}

func (s *Service) logActivity(ctx context.Context, activityType string, actor *metadata.User, targetType, targetID string, meta map[string]interface{}) {
	entry := &metadata.ActivityEntry{
		ID:           uuid.NewString(),
		ActivityType: activityType,
		ActorType:    metadata.ActorSystem,
		TargetType:   targetType,
		TargetID:     targetID,
		Metadata:     meta,
		CreatedAt:    s.now().UTC(),
	}
	if actor != nil {
		entry.ActorType = metadata.ActorUser
		entry.ActorID = actor.ID
		entry.ActorEmail = actor.Email
	}
	if err := s.store.LogActivity(ctx, entry); err != nil {
		s.logger.WithError(err).Warn("record activity")
	}
}
