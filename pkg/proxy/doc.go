// Package proxy implements the upstream proxy-cache: on a miss for a
// package the registry does not host, the listing is fetched from the
// configured upstream repository, its versions are recorded as cached
// metadata, and archives are fetched lazily on first download.
//
// Concurrency is bounded with singleflight so one upstream fetch serves
// all concurrent requests for the same package or archive. Listings are
// held in an expiring LRU cache with a stale-while-revalidate window:
// after the TTL passes, the stale listing is still served while one
// background refresh runs.
//
// Cached archives are verified against the upstream sha256 before being
// persisted; a mismatch is logged and the archive is rejected. Blob
// writes are write-once: a key that already exists is never overwritten.
package proxy
