// Package blob stores package archives.
//
// Two backends implement the Store interface:
//
//   - FileSystemStore keeps archives under a local root directory. Writes
//     go to a temp file first and are renamed into place so readers never
//     observe a partial archive.
//
//   - S3Store keeps archives in an S3-compatible bucket using the AWS SDK,
//     and can mint presigned GET URLs so archive downloads bypass the
//     registry process entirely.
//
// Keys are derived with ArchiveKey and CachedArchiveKey; the sha256 of the
// archive content is part of the key, which makes blob writes naturally
// idempotent and lets garbage collection match blobs against metadata
// without reading them.
package blob
