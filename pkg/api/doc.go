// Package api is the registry's HTTP surface.
//
// Three route groups hang off one gorilla/mux router:
//
//   - /api/packages/... — the hosted pub repository v2 protocol:
//     version listings, single versions, archive downloads, search, and
//     the three-step publish flow (new → newUpload → newUploadFinish).
//   - /api/account/... — self-service token management for
//     authenticated users.
//   - /admin/api/... — the admin console API, gated on the admin scope:
//     stats, package administration, users, tokens, webhooks, site and
//     storage configuration, cache clearing, and garbage collection.
//
// Listings are served with Content-Type application/vnd.pub.v2+json.
// Errors use the envelope {"error":{"code","message"}} with the status
// derived from the error kind. Unknown packages fall through to the
// upstream proxy-cache when one is configured.
package api
