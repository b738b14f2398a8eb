package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- User operations ---

const userColumns = `id, email, password_hash, is_active, created_at, last_login_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.exec(ctx,
		`INSERT INTO users (id, email, password_hash, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.IsActive, user.CreatedAt.UTC())
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *sqlStore) DeleteUser(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Token cleanup is explicit: sqlite only honors ON DELETE CASCADE
		// when foreign keys are enabled, and the DSN flag is easy to lose.
		if _, err := tx.ExecContext(ctx,
			s.d.rebind(`DELETE FROM auth_tokens WHERE user_id = ?`), id); err != nil {
			return fmt.Errorf("delete user tokens: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM users WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sqlStore) TouchUserLogin(ctx context.Context, id string, when time.Time) error {
	_, err := s.exec(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, when.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch user login: %w", err)
	}
	return nil
}

// --- Admin user operations ---

const adminColumns = `id, username, password_hash, must_change_password, login_count, created_at, last_login_at`

func scanAdmin(row interface{ Scan(...interface{}) error }) (*AdminUser, error) {
	var a AdminUser
	var lastLogin sql.NullTime
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.MustChangePassword,
		&a.LoginCount, &a.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastLoginAt = timePtr(lastLogin)
	return &a, nil
}

func (s *sqlStore) CreateAdminUser(ctx context.Context, admin *AdminUser) error {
	_, err := s.exec(ctx,
		`INSERT INTO admin_users (id, username, password_hash, must_change_password, login_count, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		admin.ID, admin.Username, admin.PasswordHash, admin.MustChangePassword, admin.CreatedAt.UTC())
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create admin user: %w", err)
	}
	return nil
}

func (s *sqlStore) GetAdminUser(ctx context.Context, username string) (*AdminUser, error) {
	a, err := scanAdmin(s.queryRow(ctx,
		`SELECT `+adminColumns+` FROM admin_users WHERE username = ?`, username))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin user: %w", err)
	}
	return a, nil
}

func (s *sqlStore) ListAdminUsers(ctx context.Context) ([]*AdminUser, error) {
	rows, err := s.query(ctx, `SELECT `+adminColumns+` FROM admin_users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list admin users: %w", err)
	}
	defer rows.Close()

	var admins []*AdminUser
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admin user: %w", err)
		}
		admins = append(admins, a)
	}
	return admins, rows.Err()
}

func (s *sqlStore) DeleteAdminUser(ctx context.Context, username string) error {
	res, err := s.exec(ctx, `DELETE FROM admin_users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete admin user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) RecordAdminLogin(ctx context.Context, username string, when time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE admin_users SET login_count = login_count + 1, last_login_at = ? WHERE username = ?`,
		when.UTC(), username)
	if err != nil {
		return fmt.Errorf("record admin login: %w", err)
	}
	return nil
}

// --- Token operations ---

const tokenColumns = `id, user_id, token_hash, label, scopes, expires_at, last_used_at, created_at`

func scanToken(row interface{ Scan(...interface{}) error }) (*AuthToken, error) {
	var t AuthToken
	var scopes string
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Label, &scopes,
		&expiresAt, &lastUsedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if scopes != "" {
		t.Scopes = strings.Split(scopes, ",")
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = timePtr(expiresAt)
	t.LastUsedAt = timePtr(lastUsedAt)
	return &t, nil
}

func (s *sqlStore) CreateToken(ctx context.Context, token *AuthToken) error {
	_, err := s.exec(ctx,
		`INSERT INTO auth_tokens (id, user_id, token_hash, label, scopes, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.UserID, token.TokenHash, token.Label,
		strings.Join(token.Scopes, ","), nullTime(token.ExpiresAt), token.CreatedAt.UTC())
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

func (s *sqlStore) GetTokenByHash(ctx context.Context, hash string) (*AuthToken, error) {
	t, err := scanToken(s.queryRow(ctx,
		`SELECT `+tokenColumns+` FROM auth_tokens WHERE token_hash = ?`, hash))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token by hash: %w", err)
	}
	return t, nil
}

func (s *sqlStore) ListTokens(ctx context.Context, userID string) ([]*AuthToken, error) {
	rows, err := s.query(ctx,
		`SELECT `+tokenColumns+` FROM auth_tokens WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*AuthToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *sqlStore) DeleteToken(ctx context.Context, userID, label string) error {
	res, err := s.exec(ctx,
		`DELETE FROM auth_tokens WHERE user_id = ? AND label = ?`, userID, label)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) TouchToken(ctx context.Context, hash string, when time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE auth_tokens SET last_used_at = ? WHERE token_hash = ?`, when.UTC(), hash)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

// --- Upload sessions ---

func (s *sqlStore) CreateUploadSession(ctx context.Context, session *UploadSession) error {
	_, err := s.exec(ctx,
		`INSERT INTO upload_sessions (id, user_id, state, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.State, session.ExpiresAt.UTC(), session.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create upload session: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUploadSession(ctx context.Context, id string) (*UploadSession, error) {
	var sess UploadSession
	err := s.queryRow(ctx,
		`SELECT id, user_id, state, expires_at, created_at FROM upload_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.State, &sess.ExpiresAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload session: %w", err)
	}
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	sess.CreatedAt = sess.CreatedAt.UTC()
	return &sess, nil
}

func (s *sqlStore) CompleteUploadSession(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE upload_sessions SET state = ? WHERE id = ? AND state = ?`,
		SessionCompleted, id, SessionOpen)
	if err != nil {
		return fmt.Errorf("complete upload session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CleanupExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx,
		`DELETE FROM upload_sessions WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
