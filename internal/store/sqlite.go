// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Single-statement conditional updates make request resolution happen exactly once

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-approve/internal/devicelogin"
)

// timeFormat is fixed width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			identifier       TEXT PRIMARY KEY,
			password_hash    TEXT NOT NULL,
			role             TEXT NOT NULL,
			permissions_json TEXT,
			created_at       TEXT NOT NULL,

			CHECK (role IN ('user', 'admin'))
		);

		CREATE TABLE IF NOT EXISTS device_requests (
			id          TEXT PRIMARY KEY,
			code        TEXT NOT NULL,
			identifier  TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			created_at  TEXT NOT NULL,
			expires_at  TEXT NOT NULL,
			resolved_at TEXT,
			resolved_by TEXT,
			token       TEXT,

			CHECK (status IN ('pending', 'approved', 'denied', 'expired', 'deleted')),
			CHECK (expires_at > created_at)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_device_requests_pending_code
			ON device_requests(code) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_device_requests_identifier
			ON device_requests(identifier, created_at);
		CREATE INDEX IF NOT EXISTS idx_device_requests_expiry
			ON device_requests(status, expires_at);

		CREATE TABLE IF NOT EXISTS push_tokens (
			token      TEXT PRIMARY KEY,
			identifier TEXT NOT NULL REFERENCES users(identifier) ON DELETE CASCADE,
			platform   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_push_tokens_identifier ON push_tokens(identifier);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateUser inserts a user. Returns ErrDuplicate if the identifier is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (identifier, password_hash, role, permissions_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.Identifier, u.PasswordHash, u.Role, string(perms), formatTime(u.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	s.logger.Debug("created user", "identifier", u.Identifier, "role", u.Role)
	return nil
}

// GetUser retrieves a user by identifier.
func (s *SQLiteStore) GetUser(ctx context.Context, identifier string) (*User, error) {
	var u User
	var perms sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT identifier, password_hash, role, permissions_json, created_at
		FROM users WHERE identifier = ?
	`, identifier).Scan(&u.Identifier, &u.PasswordHash, &u.Role, &perms, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if perms.Valid && perms.String != "" {
		if err := json.Unmarshal([]byte(perms.String), &u.Permissions); err != nil {
			return nil, fmt.Errorf("decoding permissions: %w", err)
		}
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// UpdateUserRole replaces the user's role and permissions.
func (s *SQLiteStore) UpdateUserRole(ctx context.Context, identifier, role string, permissions []string) error {
	perms, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET role = ?, permissions_json = ? WHERE identifier = ?
	`, role, string(perms), identifier)
	if err != nil {
		return fmt.Errorf("updating user role: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	s.logger.Info("updated user role", "identifier", identifier, "role", role)
	return nil
}

// DeleteUser implements Store.
func (s *SQLiteStore) DeleteUser(ctx context.Context, identifier string, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM device_requests WHERE identifier = ? AND status = 'pending'
	`, identifier)
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning request id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE device_requests
		SET status = 'deleted', resolved_at = ?, resolved_by = 'system', token = NULL
		WHERE identifier = ? AND status IN ('pending', 'approved')
	`, formatTime(at), identifier); err != nil {
		return nil, fmt.Errorf("marking requests deleted: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE identifier = ?`, identifier)
	if err != nil {
		return nil, fmt.Errorf("deleting user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	s.logger.Info("deleted user", "identifier", identifier, "requests_marked", len(ids))
	return ids, nil
}

// CreateDeviceRequest implements Store.
func (s *SQLiteStore) CreateDeviceRequest(ctx context.Context, r *DeviceRequest) error {
	if !r.ExpiresAt.After(r.CreatedAt) {
		return devicelogin.ErrInvalidWindow
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_requests (id, code, identifier, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Code, r.Identifier, devicelogin.StatusPending, formatTime(r.CreatedAt), formatTime(r.ExpiresAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting device request: %w", err)
	}
	r.Status = devicelogin.StatusPending
	s.logger.Debug("created device request", "id", r.ID, "code", r.Code, "identifier", r.Identifier)
	return nil
}

const requestColumns = `id, code, identifier, status, created_at, expires_at, resolved_at, resolved_by, token`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*DeviceRequest, error) {
	var r DeviceRequest
	var createdAt, expiresAt string
	var resolvedAt, resolvedBy, token sql.NullString

	if err := row.Scan(&r.ID, &r.Code, &r.Identifier, &r.Status, &createdAt, &expiresAt,
		&resolvedAt, &resolvedBy, &token); err != nil {
		return nil, err
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing resolved_at: %w", err)
		}
		r.ResolvedAt = &t
	}
	r.ResolvedBy = resolvedBy.String
	r.Token = token.String
	return &r, nil
}

// GetDeviceRequest retrieves a request by id.
func (s *SQLiteStore) GetDeviceRequest(ctx context.Context, id string) (*DeviceRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM device_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device request: %w", err)
	}
	return r, nil
}

// GetDeviceRequestByCode implements Store.
func (s *SQLiteStore) GetDeviceRequestByCode(ctx context.Context, identifier, code string) (*DeviceRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM device_requests
		WHERE code = ? AND identifier = ?
		ORDER BY status = 'pending' DESC, created_at DESC
		LIMIT 1
	`, code, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device request by code: %w", err)
	}
	return r, nil
}

// ListDeviceRequests implements Store.
func (s *SQLiteStore) ListDeviceRequests(ctx context.Context, identifier string, limit int) ([]*DeviceRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM (
			SELECT * FROM device_requests
			WHERE identifier = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`, identifier, limit)
	if err != nil {
		return nil, fmt.Errorf("listing device requests: %w", err)
	}
	defer rows.Close()

	var out []*DeviceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveDeviceRequest implements Store.
func (s *SQLiteStore) ResolveDeviceRequest(ctx context.Context, id string, res Resolution) error {
	at := formatTime(res.At)
	var token any
	if res.Token != "" {
		token = res.Token
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE device_requests
		SET status = ?, resolved_at = ?, resolved_by = ?, token = ?
		WHERE id = ? AND status = 'pending' AND expires_at > ?
	`, res.Status, at, res.ResolvedBy, token, id, at)
	if err != nil {
		return fmt.Errorf("resolving device request: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		s.logger.Info("resolved device request", "id", id, "status", res.Status, "by", res.ResolvedBy)
		return nil
	}

	current, err := s.GetDeviceRequest(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == devicelogin.StatusExpired ||
		(current.Status == devicelogin.StatusPending && !current.ExpiresAt.After(res.At)) {
		return ErrExpired
	}
	if current.Status == devicelogin.StatusDeleted {
		return ErrNotFound
	}
	return ErrAlreadyResolved
}

// ExpireDeviceRequests implements Store.
func (s *SQLiteStore) ExpireDeviceRequests(ctx context.Context, now time.Time) ([]*DeviceRequest, error) {
	at := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM device_requests
		WHERE status = 'pending' AND expires_at <= ?
	`, at)
	if err != nil {
		return nil, fmt.Errorf("listing overdue requests: %w", err)
	}
	var expired []*DeviceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning device request: %w", err)
		}
		r.Status = devicelogin.StatusExpired
		expired = append(expired, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE device_requests SET status = 'expired', resolved_at = ?, resolved_by = 'system'
		WHERE status = 'pending' AND expires_at <= ?
	`, at, at); err != nil {
		return nil, fmt.Errorf("expiring requests: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}

	if len(expired) > 0 {
		s.logger.Debug("expired device requests", "count", len(expired))
	}
	return expired, nil
}

// PurgeDeviceRequests implements Store.
func (s *SQLiteStore) PurgeDeviceRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM device_requests WHERE status != 'pending' AND expires_at <= ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging device requests: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("purged device requests", "count", n)
	}
	return n, nil
}

// UpsertPushToken implements Store.
func (s *SQLiteStore) UpsertPushToken(ctx context.Context, t *PushToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_tokens (token, identifier, platform, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			identifier = excluded.identifier,
			platform = excluded.platform,
			updated_at = excluded.updated_at
	`, t.Token, t.Identifier, t.Platform, formatTime(t.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrNotFound
		}
		return fmt.Errorf("upserting push token: %w", err)
	}
	return nil
}

// ListPushTokens implements Store.
func (s *SQLiteStore) ListPushTokens(ctx context.Context, identifier string) ([]*PushToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, identifier, platform, updated_at
		FROM push_tokens WHERE identifier = ?
		ORDER BY updated_at DESC
	`, identifier)
	if err != nil {
		return nil, fmt.Errorf("listing push tokens: %w", err)
	}
	defer rows.Close()

	var out []*PushToken
	for rows.Next() {
		var t PushToken
		var updatedAt string
		if err := rows.Scan(&t.Token, &t.Identifier, &t.Platform, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning push token: %w", err)
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeletePushToken implements Store.
func (s *SQLiteStore) DeletePushToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("deleting push token: %w", err)
	}
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
