// Package httputil provides HTTP handler utilities for consistent JSON
// encoding, request parsing, pagination, and client identification.
package httputil
