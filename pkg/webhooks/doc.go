// Package webhooks delivers registry events to registered HTTP endpoints.
//
// # Dispatch
//
// Events enter through Dispatcher.Emit, which never blocks the caller:
// events are queued to a buffered channel and a worker goroutine fans
// them out to every active webhook subscribed to the event type. A full
// queue drops the event with a log line rather than stalling a publish.
//
// # Signing
//
// Each delivery carries:
//
//	X-Repub-Event:       the event type
//	X-Repub-Delivery-Id: a UUID identifying this delivery attempt
//	X-Repub-Signature:   sha256=<hex HMAC-SHA256(secret, body)>
//
// The signature is computed over the exact request body bytes; receivers
// must verify against what was delivered, with no canonicalisation.
//
// # Retries and auto-disable
//
// Failed deliveries retry with the backoff schedule 1s, 5s, 30s, 2m, 10m
// plus jitter, five attempts in total. Every terminal outcome updates the
// webhook's failure counter in the store; when the counter crosses the
// configured threshold the webhook is disabled automatically.
package webhooks
