package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3" // embedded backend driver
)

// dialect abstracts the differences between the sqlite and postgres drivers.
type dialect struct {
	name string

	// rebind rewrites ? placeholders into the driver's native form.
	rebind func(query string) string

	// lockMigrations takes an exclusive cross-process lock for the duration
	// of the surrounding transaction.
	lockMigrations func(ctx context.Context, tx *sql.Tx) error

	// isUniqueViolation reports whether err is a uniqueness constraint error.
	isUniqueViolation func(err error) bool
}

var sqliteDialect = dialect{
	name:   "embedded",
	rebind: func(q string) string { return q },
	lockMigrations: func(ctx context.Context, tx *sql.Tx) error {
		// SQLite serialises writers at the file level; the transaction
		// itself is the lock.
		return nil
	},
	isUniqueViolation: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

var postgresDialect = dialect{
	name: "sql",
	rebind: func(q string) string {
		var b strings.Builder
		n := 0
		for i := 0; i < len(q); i++ {
			if q[i] == '?' {
				n++
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(n))
			} else {
				b.WriteByte(q[i])
			}
		}
		return b.String()
	},
	lockMigrations: func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey)
		return err
	},
	isUniqueViolation: func(err error) bool {
		if pqErr, ok := err.(*pq.Error); ok {
			return pqErr.Code == "23505"
		}
		return false
	},
}

// sqlStore implements Store over database/sql for both backends.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// OpenSQLite opens (creating if needed) the embedded single-file store.
func OpenSQLite(path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between pooled writers.
	db.SetMaxOpenConns(1)
	return &sqlStore{db: db, d: sqliteDialect}, nil
}

// OpenPostgres opens the network SQL store.
func OpenPostgres(url string) (Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	return &sqlStore{db: db, d: postgresDialect}, nil
}

// Open dispatches on the database URL scheme: postgres:// URLs open the
// network store, anything else is treated as an sqlite file path.
func Open(databaseURL string) (Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return OpenPostgres(databaseURL)
	}
	return OpenSQLite(strings.TrimPrefix(databaseURL, "sqlite://"))
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db, s.d)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) HealthCheck(ctx context.Context) Health {
	h := Health{Status: "ok", Type: s.d.name}
	if err := s.db.PingContext(ctx); err != nil {
		h.Status = "unavailable"
	}
	return h
}

// exec is a rebind-aware ExecContext.
func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(query), args...)
}

// query is a rebind-aware QueryContext.
func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(query), args...)
}

// queryRow is a rebind-aware QueryRowContext.
func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// --- Package operations ---

const packageColumns = `name, description, is_discontinued, replaced_by, is_upstream_cache, created_at, updated_at`

func scanPackage(row interface{ Scan(...interface{}) error }) (*Package, error) {
	var p Package
	var replacedBy sql.NullString
	err := row.Scan(&p.Name, &p.Description, &p.IsDiscontinued, &replacedBy,
		&p.IsUpstreamCache, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ReplacedBy = stringPtr(replacedBy)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *sqlStore) GetPackage(ctx context.Context, name string) (*Package, error) {
	p, err := scanPackage(s.queryRow(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get package %s: %w", name, err)
	}
	return p, nil
}

const versionColumns = `package_name, version, pubspec, archive_key, archive_sha256, upstream_url,
	published_at, is_retracted, retracted_at, retraction_message, download_count`

func scanVersion(row interface{ Scan(...interface{}) error }) (*PackageVersion, error) {
	var v PackageVersion
	var pubspec string
	var retractedAt sql.NullTime
	var retractionMsg sql.NullString
	err := row.Scan(&v.PackageName, &v.Version, &pubspec, &v.ArchiveKey, &v.ArchiveSHA256,
		&v.UpstreamURL, &v.PublishedAt, &v.IsRetracted, &retractedAt, &retractionMsg,
		&v.DownloadCount)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pubspec), &v.Pubspec); err != nil {
		return nil, fmt.Errorf("decode pubspec: %w", err)
	}
	v.PublishedAt = v.PublishedAt.UTC()
	v.RetractedAt = timePtr(retractedAt)
	v.RetractionMessage = stringPtr(retractionMsg)
	return &v, nil
}

func (s *sqlStore) GetPackageVersion(ctx context.Context, name, version string) (*PackageVersion, error) {
	v, err := scanVersion(s.queryRow(ctx,
		`SELECT `+versionColumns+` FROM package_versions WHERE package_name = ? AND version = ?`,
		name, version))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version %s/%s: %w", name, version, err)
	}
	return v, nil
}

func (s *sqlStore) VersionExists(ctx context.Context, name, version string) (bool, error) {
	var count int
	err := s.queryRow(ctx,
		`SELECT COUNT(1) FROM package_versions WHERE package_name = ? AND version = ?`,
		name, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("version exists %s/%s: %w", name, version, err)
	}
	return count > 0, nil
}

func (s *sqlStore) GetPackageInfo(ctx context.Context, name string) (*PackageInfo, error) {
	pkg, err := s.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	rows, err := s.query(ctx,
		`SELECT `+versionColumns+` FROM package_versions WHERE package_name = ? ORDER BY published_at`,
		name)
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", name, err)
	}
	defer rows.Close()

	info := &PackageInfo{Package: pkg}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		info.Versions = append(info.Versions, v)
	}
	return info, rows.Err()
}

// UpsertPackageVersion atomically creates the package row if missing,
// enforces the is_upstream_cache invariant, and creates or confirms the
// version row. A conflicting sha256 fails with ErrVersionExists. The
// returned bool reports whether the version row was actually inserted;
// an identical re-publish returns false so callers can skip
// publish side-effects.
func (s *sqlStore) UpsertPackageVersion(ctx context.Context, pkg *Package, ver *PackageVersion) (bool, error) {
	pubspecJSON, err := ver.PubspecJSON()
	if err != nil {
		return false, fmt.Errorf("encode pubspec: %w", err)
	}

	var inserted bool
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		// ON CONFLICT DO NOTHING keeps the transaction healthy on both
		// backends when a concurrent publish wins the insert race.
		_, err := tx.ExecContext(ctx, s.d.rebind(
			`INSERT INTO packages (name, description, is_discontinued, replaced_by, is_upstream_cache, created_at, updated_at)
			 VALUES (?, ?, FALSE, NULL, ?, ?, ?)
			 ON CONFLICT (name) DO NOTHING`),
			pkg.Name, pkg.Description, pkg.IsUpstreamCache, now, now)
		if err != nil {
			return fmt.Errorf("insert package: %w", err)
		}

		existing, err := scanPackage(tx.QueryRowContext(ctx,
			s.d.rebind(`SELECT `+packageColumns+` FROM packages WHERE name = ?`), pkg.Name))
		if err != nil {
			return fmt.Errorf("read package: %w", err)
		}
		if existing.IsUpstreamCache != pkg.IsUpstreamCache {
			return ErrUpstreamCacheImmutable
		}

		res, err := tx.ExecContext(ctx, s.d.rebind(
			`INSERT INTO package_versions (package_name, version, pubspec, archive_key, archive_sha256,
			 upstream_url, published_at, is_retracted, download_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, 0)
			 ON CONFLICT (package_name, version) DO NOTHING`),
			ver.PackageName, ver.Version, pubspecJSON, ver.ArchiveKey, ver.ArchiveSHA256,
			ver.UpstreamURL, ver.PublishedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			existingVer, err := scanVersion(tx.QueryRowContext(ctx,
				s.d.rebind(`SELECT `+versionColumns+` FROM package_versions WHERE package_name = ? AND version = ?`),
				ver.PackageName, ver.Version))
			if err != nil {
				return fmt.Errorf("read version: %w", err)
			}
			if existingVer.ArchiveSHA256 != ver.ArchiveSHA256 {
				return ErrVersionExists
			}
			// Identical re-publish is a no-op; published_at unchanged.
			return nil
		}
		inserted = true

		// Denormalise the latest description onto the package row.
		if desc, ok := ver.Pubspec["description"].(string); ok && desc != "" {
			_, err = tx.ExecContext(ctx, s.d.rebind(
				`UPDATE packages SET description = ?, updated_at = ? WHERE name = ?`),
				desc, now, pkg.Name)
		} else {
			_, err = tx.ExecContext(ctx, s.d.rebind(
				`UPDATE packages SET updated_at = ? WHERE name = ?`), now, pkg.Name)
		}
		if err != nil {
			return fmt.Errorf("touch package: %w", err)
		}
		return nil
	})
	return inserted, err
}

func (s *sqlStore) listPackagesWhere(ctx context.Context, where string, args []interface{}, page, limit int) (*PackagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	countQuery := `SELECT COUNT(1) FROM packages` + where
	if err := s.queryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count packages: %w", err)
	}

	listQuery := `SELECT ` + packageColumns + ` FROM packages` + where +
		` ORDER BY name LIMIT ? OFFSET ?`
	listArgs := append(append([]interface{}{}, args...), limit, (page-1)*limit)
	rows, err := s.query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	result := &PackagePage{
		Packages: []*Package{},
		Total:    total,
		Page:     page,
		Limit:    limit,
	}
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		result.Packages = append(result.Packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.TotalPages = (total + limit - 1) / limit
	if result.TotalPages < 1 {
		result.TotalPages = 1
	}
	result.HasPrevPage = page > 1
	result.HasNextPage = page < result.TotalPages
	return result, nil
}

func (s *sqlStore) ListPackages(ctx context.Context, page, limit int) (*PackagePage, error) {
	return s.listPackagesWhere(ctx, ``, nil, page, limit)
}

func (s *sqlStore) ListPackagesByType(ctx context.Context, isUpstreamCache bool, page, limit int) (*PackagePage, error) {
	return s.listPackagesWhere(ctx, ` WHERE is_upstream_cache = ?`,
		[]interface{}{isUpstreamCache}, page, limit)
}

func (s *sqlStore) SearchPackages(ctx context.Context, query string, page, limit int) (*PackagePage, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	return s.listPackagesWhere(ctx, ` WHERE LOWER(name) LIKE ?`,
		[]interface{}{pattern}, page, limit)
}

func (s *sqlStore) DeletePackage(ctx context.Context, name string) (int, error) {
	var deleted int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.d.rebind(`DELETE FROM package_versions WHERE package_name = ?`), name)
		if err != nil {
			return fmt.Errorf("delete versions: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted = int(n)

		res, err = tx.ExecContext(ctx,
			s.d.rebind(`DELETE FROM packages WHERE name = ?`), name)
		if err != nil {
			return fmt.Errorf("delete package: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *sqlStore) DiscontinuePackage(ctx context.Context, name string, replacedBy *string) error {
	res, err := s.exec(ctx,
		`UPDATE packages SET is_discontinued = TRUE, replaced_by = ?, updated_at = ? WHERE name = ?`,
		nullString(replacedBy), time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("discontinue %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) RetractVersion(ctx context.Context, name, version string, message *string) error {
	res, err := s.exec(ctx,
		`UPDATE package_versions SET is_retracted = TRUE, retracted_at = ?, retraction_message = ?
		 WHERE package_name = ? AND version = ?`,
		time.Now().UTC(), nullString(message), name, version)
	if err != nil {
		return fmt.Errorf("retract %s/%s: %w", name, version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) UnretractVersion(ctx context.Context, name, version string) error {
	res, err := s.exec(ctx,
		`UPDATE package_versions SET is_retracted = FALSE, retracted_at = NULL, retraction_message = NULL
		 WHERE package_name = ? AND version = ?`,
		name, version)
	if err != nil {
		return fmt.Errorf("unretract %s/%s: %w", name, version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) AddDownloads(ctx context.Context, name, version string, n int64) error {
	_, err := s.exec(ctx,
		`UPDATE package_versions SET download_count = download_count + ?
		 WHERE package_name = ? AND version = ?`,
		n, name, version)
	if err != nil {
		return fmt.Errorf("add downloads %s/%s: %w", name, version, err)
	}
	return nil
}

// SetVersionArchiveKey records the blob key for a version once its
// archive has been fetched and persisted locally.
func (s *sqlStore) SetVersionArchiveKey(ctx context.Context, name, version, key string) error {
	res, err := s.exec(ctx,
		`UPDATE package_versions SET archive_key = ? WHERE package_name = ? AND version = ?`,
		key, name, version)
	if err != nil {
		return fmt.Errorf("set archive key %s/%s: %w", name, version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetStats(ctx context.Context) (*RegistryStats, error) {
	stats := &RegistryStats{}
	type countQuery struct {
		dest  *int64
		query string
	}
	queries := []countQuery{
		{&stats.HostedPackages, `SELECT COUNT(1) FROM packages WHERE is_upstream_cache = FALSE`},
		{&stats.CachedPackages, `SELECT COUNT(1) FROM packages WHERE is_upstream_cache = TRUE`},
		{&stats.TotalVersions, `SELECT COUNT(1) FROM package_versions`},
		{&stats.TotalDownloads, `SELECT COALESCE(SUM(download_count), 0) FROM package_versions`},
		{&stats.Users, `SELECT COUNT(1) FROM users`},
		{&stats.ActiveTokens, `SELECT COUNT(1) FROM auth_tokens`},
		{&stats.Webhooks, `SELECT COUNT(1) FROM webhooks`},
	}
	for _, q := range queries {
		if err := s.queryRow(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return stats, nil
}
