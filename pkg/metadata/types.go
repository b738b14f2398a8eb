package metadata

import (
	"encoding/json"
	"time"
)

// Package represents a package namespace, hosted or cached.
type Package struct {
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	IsDiscontinued  bool      `json:"is_discontinued"`
	ReplacedBy      *string   `json:"replaced_by,omitempty"`
	IsUpstreamCache bool      `json:"is_upstream_cache"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PackageVersion represents a single published or cached version.
type PackageVersion struct {
	PackageName       string                 `json:"package_name"`
	Version           string                 `json:"version"`
	Pubspec           map[string]interface{} `json:"pubspec"`
	ArchiveKey        string                 `json:"archive_key,omitempty"`
	ArchiveSHA256     string                 `json:"archive_sha256"`
	UpstreamURL       string                 `json:"upstream_url,omitempty"`
	PublishedAt       time.Time              `json:"published_at"`
	IsRetracted       bool                   `json:"is_retracted"`
	RetractedAt       *time.Time             `json:"retracted_at,omitempty"`
	RetractionMessage *string                `json:"retraction_message,omitempty"`
	DownloadCount     int64                  `json:"download_count"`
}

// PubspecJSON returns the canonical JSON encoding of the pubspec map.
func (v *PackageVersion) PubspecJSON() (string, error) {
	data, err := json.Marshal(v.Pubspec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PackageInfo bundles a package with all of its versions.
type PackageInfo struct {
	Package  *Package          `json:"package"`
	Versions []*PackageVersion `json:"versions"`
}

// PackagePage is a page of packages with pagination envelope fields.
type PackagePage struct {
	Packages    []*Package `json:"packages"`
	Total       int        `json:"total"`
	Page        int        `json:"page"`
	Limit       int        `json:"limit"`
	TotalPages  int        `json:"total_pages"`
	HasPrevPage bool       `json:"has_prev_page"`
	HasNextPage bool       `json:"has_next_page"`
}

// User represents a registry user account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// AdminUser represents a console administrator, a namespace separate from
// registry users.
type AdminUser struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	PasswordHash       string     `json:"-"`
	MustChangePassword bool       `json:"must_change_password"`
	LoginCount         int64      `json:"login_count"`
	CreatedAt          time.Time  `json:"created_at"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
}

// AuthToken is the stored form of an opaque bearer token. Only the SHA-256
// hash of the raw token is persisted.
type AuthToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	TokenHash  string     `json:"-"`
	Label      string     `json:"label"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Upload session states.
const (
	SessionOpen      = "open"
	SessionCompleted = "completed"
	SessionExpired   = "expired"
)

// UploadSession tracks one two-step publish upload.
type UploadSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the session TTL has passed at the given instant.
func (s *UploadSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Webhook is a registered event delivery target.
type Webhook struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Secret          string     `json:"-"`
	IsActive        bool       `json:"is_active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SubscribedTo reports whether the webhook wants the given event type.
// The wildcard "*" subscribes to everything.
func (w *Webhook) SubscribedTo(eventType string) bool {
	for _, e := range w.Events {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}

// WebhookDelivery is one recorded delivery attempt.
type WebhookDelivery struct {
	ID          string    `json:"id"`
	WebhookID   string    `json:"webhook_id"`
	EventType   string    `json:"event_type"`
	DeliveredAt time.Time `json:"delivered_at"`
	StatusCode  int       `json:"status_code"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	Success     bool      `json:"success"`
}

// Actor types for activity entries.
const (
	ActorUser      = "user"
	ActorAdmin     = "admin"
	ActorAnonymous = "anonymous"
	ActorSystem    = "system"
)

// ActivityEntry is one row in the activity log.
type ActivityEntry struct {
	ID           string                 `json:"id"`
	ActivityType string                 `json:"activity_type"`
	ActorType    string                 `json:"actor_type"`
	ActorID      string                 `json:"actor_id,omitempty"`
	ActorEmail   string                 `json:"actor_email,omitempty"`
	TargetType   string                 `json:"target_type,omitempty"`
	TargetID     string                 `json:"target_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Storage config slots.
const (
	StorageSlotActive  = "active"
	StorageSlotPending = "pending"
)

// StorageConfigRow holds one staged storage configuration snapshot.
type StorageConfigRow struct {
	Slot      string    `json:"slot"`
	Config    string    `json:"config"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RegistryStats summarises the registry for the admin console.
type RegistryStats struct {
	HostedPackages int64 `json:"hosted_packages"`
	CachedPackages int64 `json:"cached_packages"`
	TotalVersions  int64 `json:"total_versions"`
	TotalDownloads int64 `json:"total_downloads"`
	Users          int64 `json:"users"`
	ActiveTokens   int64 `json:"active_tokens"`
	Webhooks       int64 `json:"webhooks"`
}

// Site config keys used by the registry core.
const (
	ConfigMaxUploadSizeMB  = "max_upload_size_mb"
	ConfigTokenMaxTTLDays  = "token_max_ttl_days"
	ConfigUpstreamTTL      = "upstream_listing_ttl_seconds"
	ConfigWebhookThreshold = "webhook_failure_threshold"
)
