package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

// Authentication errors surfaced to callers. Handlers map all of them to
// the same 401 so responses do not disclose which check failed.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrUserInactive = errors.New("auth: user is inactive")
)

// TokenService creates and authenticates bearer tokens against the
// metadata store.
type TokenService struct {
	store metadata.Store
	now   func() time.Time

	mu        sync.Mutex
	lastTouch map[string]time.Time
}

// NewTokenService returns a service backed by the given store.
func NewTokenService(store metadata.Store) *TokenService {
	return &TokenService{
		store:     store,
		now:       time.Now,
		lastTouch: make(map[string]time.Time),
	}
}

// CreateToken mints a new token for the user. The plaintext is returned
// exactly once. When the site config sets token_max_ttl_days, tokens must
// expire and may not outlive that bound.
func (s *TokenService) CreateToken(ctx context.Context, userID, label string, rawScopes []string, expiresAt *time.Time) (*metadata.AuthToken, string, error) {
	if label == "" {
		return nil, "", fmt.Errorf("token label is required")
	}
	scopes, err := ParseScopes(rawScopes)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	if maxTTL, ok := s.maxTokenTTL(ctx); ok {
		limit := now.Add(maxTTL)
		if expiresAt == nil {
			return nil, "", fmt.Errorf("tokens must expire within %d days", int(maxTTL.Hours()/24))
		}
		if expiresAt.After(limit) {
			return nil, "", fmt.Errorf("token expiry exceeds the %d day maximum", int(maxTTL.Hours()/24))
		}
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, "", fmt.Errorf("token expiry is in the past")
	}

	plaintext, hash, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}

	scopeStrs := make([]string, len(scopes))
	for i, sc := range scopes {
		scopeStrs[i] = string(sc)
	}
	token := &metadata.AuthToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		Label:     label,
		Scopes:    scopeStrs,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return nil, "", err
	}
	return token, plaintext, nil
}

// Authenticate resolves a presented bearer token to its stored record.
// Expired tokens and tokens of deactivated users are rejected.
func (s *TokenService) Authenticate(ctx context.Context, presented string) (*metadata.AuthToken, *metadata.User, error) {
	if err := ValidateTokenFormat(presented); err != nil {
		return nil, nil, ErrInvalidToken
	}

	hash := HashToken(presented)
	token, err := s.store.GetTokenByHash(ctx, hash)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	if token.ExpiresAt != nil && now.After(*token.ExpiresAt) {
		return nil, nil, ErrTokenExpired
	}

	user, err := s.store.GetUser(ctx, token.UserID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrUserInactive
	}

	s.touch(ctx, hash, now)
	return token, user, nil
}

// touch updates last_used_at, coalesced to at most one write per token
// per minute so hot tokens do not hammer the store.
func (s *TokenService) touch(ctx context.Context, hash string, now time.Time) {
	s.mu.Lock()
	last, seen := s.lastTouch[hash]
	if seen && now.Sub(last) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.lastTouch[hash] = now
	s.mu.Unlock()

	// Best effort; a failed touch never fails the request.
	_ = s.store.TouchToken(ctx, hash, now)
}

func (s *TokenService) maxTokenTTL(ctx context.Context) (time.Duration, bool) {
	raw, err := s.store.GetConfig(ctx, metadata.ConfigTokenMaxTTLDays)
	if err != nil {
		return 0, false
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return 0, false
	}
	return time.Duration(days) * 24 * time.Hour, true
}
