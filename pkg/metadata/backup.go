package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BackupFormatVersion is the current export format. Import refuses backups
// written by a newer format.
const BackupFormatVersion = 1

// Backup is a full portable snapshot of the metadata store. Blobs are not
// included; archive keys reference the blob store, which the operator
// replicates separately.
type Backup struct {
	FormatVersion int        `json:"formatVersion"`
	CreatedAt     time.Time  `json:"createdAt"`
	DatabaseType  string     `json:"databaseType"`
	Data          BackupData `json:"data"`
}

// BackupData holds every persistent table. The API-facing row types hide
// credential hashes from JSON, so users, admin users, tokens and webhooks
// get dedicated wire types here that carry them.
type BackupData struct {
	Packages        []*Package          `json:"packages"`
	PackageVersions []*PackageVersion   `json:"packageVersions"`
	Users           []*BackupUser       `json:"users"`
	AdminUsers      []*BackupAdminUser  `json:"adminUsers"`
	AuthTokens      []*BackupToken      `json:"authTokens"`
	ActivityLog     []*ActivityEntry    `json:"activityLog"`
	Webhooks        []*BackupWebhook    `json:"webhooks,omitempty"`
	SiteConfig      map[string]string   `json:"siteConfig,omitempty"`
	StorageConfig   []*StorageConfigRow `json:"storageConfig,omitempty"`
}

type BackupUser struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"passwordHash"`
	IsActive     bool       `json:"isActive"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

type BackupAdminUser struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	PasswordHash       string     `json:"passwordHash"`
	MustChangePassword bool       `json:"mustChangePassword"`
	LoginCount         int64      `json:"loginCount"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastLoginAt        *time.Time `json:"lastLoginAt,omitempty"`
}

type BackupToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	TokenHash  string     `json:"tokenHash"`
	Label      string     `json:"label"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type BackupWebhook struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Secret          string     `json:"secret,omitempty"`
	IsActive        bool       `json:"isActive"`
	FailureCount    int        `json:"failureCount"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ImportCounts reports how many rows an import wrote (or would write,
// for a dry run).
type ImportCounts struct {
	Packages   int `json:"packages"`
	Versions   int `json:"versions"`
	Users      int `json:"users"`
	AdminUsers int `json:"adminUsers"`
	Tokens     int `json:"tokens"`
	Activity   int `json:"activity"`
	Webhooks   int `json:"webhooks"`
	ConfigKeys int `json:"configKeys"`
}

func (s *sqlStore) Export(ctx context.Context) (*Backup, error) {
	b := &Backup{
		FormatVersion: BackupFormatVersion,
		CreatedAt:     time.Now().UTC(),
		DatabaseType:  s.d.name,
		Data:          BackupData{SiteConfig: map[string]string{}},
	}

	rows, err := s.query(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("export packages: %w", err)
	}
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("export scan package: %w", err)
		}
		b.Data.Packages = append(b.Data.Packages, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.query(ctx,
		`SELECT `+versionColumns+` FROM package_versions ORDER BY package_name, version`)
	if err != nil {
		return nil, fmt.Errorf("export versions: %w", err)
	}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("export scan version: %w", err)
		}
		b.Data.PackageVersions = append(b.Data.PackageVersions, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		b.Data.Users = append(b.Data.Users, &BackupUser{
			ID: u.ID, Email: u.Email, PasswordHash: u.PasswordHash,
			IsActive: u.IsActive, CreatedAt: u.CreatedAt, LastLoginAt: u.LastLoginAt,
		})
		tokens, err := s.ListTokens(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tokens {
			b.Data.AuthTokens = append(b.Data.AuthTokens, &BackupToken{
				ID: t.ID, UserID: t.UserID, TokenHash: t.TokenHash, Label: t.Label,
				Scopes: t.Scopes, ExpiresAt: t.ExpiresAt, LastUsedAt: t.LastUsedAt,
				CreatedAt: t.CreatedAt,
			})
		}
	}

	admins, err := s.ListAdminUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range admins {
		b.Data.AdminUsers = append(b.Data.AdminUsers, &BackupAdminUser{
			ID: a.ID, Username: a.Username, PasswordHash: a.PasswordHash,
			MustChangePassword: a.MustChangePassword, LoginCount: a.LoginCount,
			CreatedAt: a.CreatedAt, LastLoginAt: a.LastLoginAt,
		})
	}

	if b.Data.ActivityLog, err = s.exportActivity(ctx); err != nil {
		return nil, err
	}

	hooks, err := s.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range hooks {
		b.Data.Webhooks = append(b.Data.Webhooks, &BackupWebhook{
			ID: w.ID, URL: w.URL, Events: w.Events, Secret: w.Secret,
			IsActive: w.IsActive, FailureCount: w.FailureCount,
			LastTriggeredAt: w.LastTriggeredAt, CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
		})
	}

	if b.Data.SiteConfig, err = s.GetAllConfig(ctx); err != nil {
		return nil, err
	}
	for _, slot := range []string{StorageSlotActive, StorageSlotPending} {
		row, err := s.GetStorageConfig(ctx, slot)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		b.Data.StorageConfig = append(b.Data.StorageConfig, row)
	}
	return b, nil
}

// exportActivity reads the whole activity log in insertion order.
func (s *sqlStore) exportActivity(ctx context.Context) ([]*ActivityEntry, error) {
	rows, err := s.query(ctx,
		`SELECT id, activity_type, actor_type, actor_id, actor_email, target_type, target_id, metadata, created_at
		 FROM activity_log ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("export activity: %w", err)
	}
	defer rows.Close()

	var entries []*ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.ActivityType, &e.ActorType, &e.ActorID, &e.ActorEmail,
			&e.TargetType, &e.TargetID, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("export scan activity: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("export decode activity metadata: %w", err)
			}
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Import loads a backup into the store. Existing rows with the same keys are
// left in place; only missing rows are written. With dryRun set, nothing is
// written and the counts report what a real run would add.
func (s *sqlStore) Import(ctx context.Context, backup *Backup, dryRun bool) (*ImportCounts, error) {
	if backup.FormatVersion > BackupFormatVersion {
		return nil, fmt.Errorf("backup format %d is newer than supported format %d",
			backup.FormatVersion, BackupFormatVersion)
	}

	counts := &ImportCounts{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		insert := func(q string, args ...interface{}) (bool, error) {
			res, err := tx.ExecContext(ctx, s.d.rebind(q), args...)
			if err != nil {
				return false, err
			}
			n, _ := res.RowsAffected()
			return n > 0, nil
		}

		for _, p := range backup.Data.Packages {
			added, err := insert(
				`INSERT INTO packages (name, description, is_discontinued, replaced_by, is_upstream_cache, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`,
				p.Name, p.Description, p.IsDiscontinued, nullString(p.ReplacedBy),
				p.IsUpstreamCache, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
			if err != nil {
				return fmt.Errorf("import package %s: %w", p.Name, err)
			}
			if added {
				counts.Packages++
			}
		}

		for _, v := range backup.Data.PackageVersions {
			pubspec, err := v.PubspecJSON()
			if err != nil {
				return fmt.Errorf("import version %s %s: %w", v.PackageName, v.Version, err)
			}
			added, err := insert(
				`INSERT INTO package_versions (package_name, version, pubspec, archive_key, archive_sha256, upstream_url, published_at, is_retracted, retracted_at, retraction_message, download_count)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (package_name, version) DO NOTHING`,
				v.PackageName, v.Version, pubspec, v.ArchiveKey, v.ArchiveSHA256,
				v.UpstreamURL, v.PublishedAt.UTC(), v.IsRetracted,
				nullTime(v.RetractedAt), nullString(v.RetractionMessage), v.DownloadCount)
			if err != nil {
				return fmt.Errorf("import version %s %s: %w", v.PackageName, v.Version, err)
			}
			if added {
				counts.Versions++
			}
		}

		for _, u := range backup.Data.Users {
			added, err := insert(
				`INSERT INTO users (id, email, password_hash, is_active, created_at, last_login_at)
				 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
				u.ID, u.Email, u.PasswordHash, u.IsActive, u.CreatedAt.UTC(), nullTime(u.LastLoginAt))
			if err != nil {
				return fmt.Errorf("import user %s: %w", u.Email, err)
			}
			if added {
				counts.Users++
			}
		}

		for _, a := range backup.Data.AdminUsers {
			added, err := insert(
				`INSERT INTO admin_users (id, username, password_hash, must_change_password, login_count, created_at, last_login_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (username) DO NOTHING`,
				a.ID, a.Username, a.PasswordHash, a.MustChangePassword, a.LoginCount,
				a.CreatedAt.UTC(), nullTime(a.LastLoginAt))
			if err != nil {
				return fmt.Errorf("import admin user %s: %w", a.Username, err)
			}
			if added {
				counts.AdminUsers++
			}
		}

		for _, t := range backup.Data.AuthTokens {
			added, err := insert(
				`INSERT INTO auth_tokens (id, user_id, token_hash, label, scopes, expires_at, last_used_at, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
				t.ID, t.UserID, t.TokenHash, t.Label, strings.Join(t.Scopes, ","),
				nullTime(t.ExpiresAt), nullTime(t.LastUsedAt), t.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("import token %s: %w", t.Label, err)
			}
			if added {
				counts.Tokens++
			}
		}

		for _, e := range backup.Data.ActivityLog {
			meta := "{}"
			if e.Metadata != nil {
				data, err := json.Marshal(e.Metadata)
				if err != nil {
					return fmt.Errorf("import activity %s: %w", e.ID, err)
				}
				meta = string(data)
			}
			added, err := insert(
				`INSERT INTO activity_log (id, activity_type, actor_type, actor_id, actor_email, target_type, target_id, metadata, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
				e.ID, e.ActivityType, e.ActorType, e.ActorID, e.ActorEmail,
				e.TargetType, e.TargetID, meta, e.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("import activity %s: %w", e.ID, err)
			}
			if added {
				counts.Activity++
			}
		}

		for _, w := range backup.Data.Webhooks {
			added, err := insert(
				`INSERT INTO webhooks (id, url, events, secret, is_active, failure_count, last_triggered_at, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
				w.ID, w.URL, strings.Join(w.Events, ","), w.Secret, w.IsActive,
				w.FailureCount, nullTime(w.LastTriggeredAt), w.CreatedAt.UTC(), w.UpdatedAt.UTC())
			if err != nil {
				return fmt.Errorf("import webhook %s: %w", w.URL, err)
			}
			if added {
				counts.Webhooks++
			}
		}

		for k, v := range backup.Data.SiteConfig {
			added, err := insert(
				`INSERT INTO site_config (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`, k, v)
			if err != nil {
				return fmt.Errorf("import config key %s: %w", k, err)
			}
			if added {
				counts.ConfigKeys++
			}
		}

		for _, row := range backup.Data.StorageConfig {
			if _, err := insert(
				`INSERT INTO storage_config (slot, config, updated_at) VALUES (?, ?, ?) ON CONFLICT (slot) DO NOTHING`,
				row.Slot, row.Config, row.UpdatedAt.UTC()); err != nil {
				return fmt.Errorf("import storage config %s: %w", row.Slot, err)
			}
		}

		if dryRun {
			return errDryRunRollback
		}
		return nil
	})
	if err == errDryRunRollback {
		return counts, nil
	}
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// errDryRunRollback forces the import transaction to roll back while keeping
// the computed counts.
var errDryRunRollback = fmt.Errorf("metadata: dry run rollback")
