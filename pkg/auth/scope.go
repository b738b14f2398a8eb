package auth

import (
	"fmt"
	"strings"
)

// Scope is one grant carried by a token.
type Scope string

// Well-known scopes. Package-level publish scopes are constructed with
// PublishScope.
const (
	ScopeAdmin      Scope = "admin"
	ScopePublishAll Scope = "publish:all"
	ScopeReadAll    Scope = "read:all"
)

const publishPkgPrefix = "publish:pkg:"

// PublishScope returns the scope granting publish access to one package.
func PublishScope(pkg string) Scope {
	return Scope(publishPkgPrefix + pkg)
}

// ParseScope validates a scope string.
func ParseScope(s string) (Scope, error) {
	switch {
	case s == string(ScopeAdmin), s == string(ScopePublishAll), s == string(ScopeReadAll):
		return Scope(s), nil
	case strings.HasPrefix(s, publishPkgPrefix):
		if s == publishPkgPrefix {
			return "", fmt.Errorf("scope %q names no package", s)
		}
		return Scope(s), nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}

// ParseScopes validates a list of scope strings.
func ParseScopes(raw []string) ([]Scope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one scope is required")
	}
	scopes := make([]Scope, 0, len(raw))
	for _, s := range raw {
		scope, err := ParseScope(s)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// Covers reports whether this scope satisfies the required scope.
// admin covers everything; publish scopes imply read access.
func (s Scope) Covers(required Scope) bool {
	if s == ScopeAdmin || s == required {
		return true
	}
	switch {
	case strings.HasPrefix(string(required), publishPkgPrefix):
		return s == ScopePublishAll
	case required == ScopeReadAll:
		return s == ScopePublishAll || strings.HasPrefix(string(s), publishPkgPrefix)
	}
	return false
}

// AnyCovers reports whether any held scope satisfies the requirement.
func AnyCovers(held []string, required Scope) bool {
	for _, h := range held {
		if Scope(h).Covers(required) {
			return true
		}
	}
	return false
}

// CanPublish reports whether the held scopes allow publishing pkg.
func CanPublish(held []string, pkg string) bool {
	return AnyCovers(held, PublishScope(pkg))
}

// CanPublishAny reports whether the held scopes allow publishing at
// least one package. The upload endpoints gate on this before the
// archive is parsed and the package name is known; the per-package
// check runs afterwards.
func CanPublishAny(held []string) bool {
	for _, h := range held {
		if h == string(ScopeAdmin) || h == string(ScopePublishAll) ||
			strings.HasPrefix(h, publishPkgPrefix) {
			return true
		}
	}
	return false
}
