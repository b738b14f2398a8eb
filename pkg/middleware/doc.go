// Package middleware holds the HTTP middleware chain of the registry:
// bearer-token authentication, scope enforcement, request identifiers,
// access logging, and rate limiting.
//
// # Authentication
//
// The Authenticator resolves "Authorization: Bearer repub_..." headers
// through the token service and stores the resulting Identity (token +
// user) on the request context. Require rejects unauthenticated
// requests; Optional lets anonymous requests through but still rejects
// a presented-but-invalid token, so a misconfigured client fails loudly
// instead of silently downloading as anonymous.
//
// # Rate limiting
//
// Two Limiter implementations share one middleware: an in-memory
// sliding-window limiter for single-instance deployments, and a
// Redis-backed fixed-window limiter for fleets. Rejected requests get
// 429 with a Retry-After header. The Redis limiter fails open on
// backend errors so a Redis outage degrades to unlimited rather than
// refusing traffic.
package middleware
