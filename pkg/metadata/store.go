package metadata

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by both backends.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("metadata: not found")
	// ErrAlreadyExists is returned when a uniqueness constraint is violated.
	ErrAlreadyExists = errors.New("metadata: already exists")
	// ErrVersionExists is returned when a (package, version) is re-published
	// with a different archive sha256.
	ErrVersionExists = errors.New("metadata: version exists with different archive")
	// ErrUpstreamCacheImmutable is returned when is_upstream_cache would be
	// toggled on an existing package.
	ErrUpstreamCacheImmutable = errors.New("metadata: is_upstream_cache may not change")
)

// Health describes the store's health check result.
type Health struct {
	Status string `json:"status"`
	Type   string `json:"type"`
}

// Store is the capability set shared by the embedded and network SQL
// backends. All mutations that span tables run inside store transactions.
type Store interface {
	// Package operations
	GetPackage(ctx context.Context, name string) (*Package, error)
	GetPackageInfo(ctx context.Context, name string) (*PackageInfo, error)
	GetPackageVersion(ctx context.Context, name, version string) (*PackageVersion, error)
	VersionExists(ctx context.Context, name, version string) (bool, error)
	UpsertPackageVersion(ctx context.Context, pkg *Package, ver *PackageVersion) (bool, error)
	ListPackages(ctx context.Context, page, limit int) (*PackagePage, error)
	ListPackagesByType(ctx context.Context, isUpstreamCache bool, page, limit int) (*PackagePage, error)
	SearchPackages(ctx context.Context, query string, page, limit int) (*PackagePage, error)
	DeletePackage(ctx context.Context, name string) (int, error)
	DiscontinuePackage(ctx context.Context, name string, replacedBy *string) error
	RetractVersion(ctx context.Context, name, version string, message *string) error
	UnretractVersion(ctx context.Context, name, version string) error
	AddDownloads(ctx context.Context, name, version string, n int64) error
	SetVersionArchiveKey(ctx context.Context, name, version, key string) error

	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, id string) error
	TouchUserLogin(ctx context.Context, id string, when time.Time) error

	// Admin user operations
	CreateAdminUser(ctx context.Context, admin *AdminUser) error
	GetAdminUser(ctx context.Context, username string) (*AdminUser, error)
	ListAdminUsers(ctx context.Context) ([]*AdminUser, error)
	DeleteAdminUser(ctx context.Context, username string) error
	RecordAdminLogin(ctx context.Context, username string, when time.Time) error

	// Token operations
	CreateToken(ctx context.Context, token *AuthToken) error
	GetTokenByHash(ctx context.Context, hash string) (*AuthToken, error)
	ListTokens(ctx context.Context, userID string) ([]*AuthToken, error)
	DeleteToken(ctx context.Context, userID, label string) error
	TouchToken(ctx context.Context, hash string, when time.Time) error

	// Upload sessions
	CreateUploadSession(ctx context.Context, session *UploadSession) error
	GetUploadSession(ctx context.Context, id string) (*UploadSession, error)
	CompleteUploadSession(ctx context.Context, id string) error
	CleanupExpiredSessions(ctx context.Context, now time.Time) (int, error)

	// Activity log
	LogActivity(ctx context.Context, entry *ActivityEntry) error
	GetRecentActivity(ctx context.Context, limit int) ([]*ActivityEntry, error)

	// Webhooks
	CreateWebhook(ctx context.Context, hook *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooks(ctx context.Context) ([]*Webhook, error)
	UpdateWebhook(ctx context.Context, hook *Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	RecordWebhookDelivery(ctx context.Context, delivery *WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, webhookID string, limit int) ([]*WebhookDelivery, error)
	RecordWebhookResult(ctx context.Context, webhookID string, success bool, when time.Time) (failureCount int, err error)
	SetWebhookActive(ctx context.Context, id string, active bool) error

	// Site configuration
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	GetAllConfig(ctx context.Context) (map[string]string, error)

	// Staged storage configuration
	GetStorageConfig(ctx context.Context, slot string) (*StorageConfigRow, error)
	SetStorageConfig(ctx context.Context, slot, config string) error

	// Stats, backup, health
	GetStats(ctx context.Context) (*RegistryStats, error)
	Export(ctx context.Context) (*Backup, error)
	Import(ctx context.Context, backup *Backup, dryRun bool) (*ImportCounts, error)
	HealthCheck(ctx context.Context) Health

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
