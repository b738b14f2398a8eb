// Package registry implements the core package registry semantics: the
// multi-step publish pipeline, archive and manifest validation, the
// version-listing document served to pub clients, retraction and
// discontinuation, and download accounting.
//
// # Publish pipeline
//
// Publishing is the three-step flow of the Hosted Pub Repository spec:
// a session is opened, the archive is uploaded as multipart form data,
// and a finalize call confirms the session completed. Validation happens
// during upload: the archive must be a gzipped tar with a root
// pubspec.yaml, no unsafe paths, a valid package name and a semver
// version. Archive bytes are written to the blob store before metadata
// is recorded; a failure after the blob write leaves a content-addressed
// blob behind for garbage collection rather than attempting rollback.
//
// # Version listing
//
// BuildListing produces the resolution document pub consumes. The latest
// pointer prefers the greatest non-retracted stable version by semver
// precedence, then the greatest non-retracted prerelease, then any
// greatest version. A latest_non_retracted pointer is exposed alongside.
//
// # Download accounting
//
// Download counts are incremented through a coalescing counter that
// flushes to the store at most once per minute per version, trading exact
// real-time counts for write amplification.
package registry
