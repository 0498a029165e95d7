package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"credentials_service/internal/models"

	"github.com/gofrs/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteStorage keeps every timestamp as unix milliseconds so that expiry
// predicates compare integers rather than formatted strings.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// NewSQLiteStorage opens the database at path. ":memory:" gives a private
// in-memory database bound to a single connection.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	const op = "storage.NewSQLiteStorage"

	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%s: storage path is required", op)
	}

	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%s: create db dir: %w", op, err)
		}
		dsn = filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	const op = "storage.sqlite.Migrate"

	schema, err := loadSchema("sqlite.sql")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return sqliteError(op, err)
	}

	return nil
}

func (s *SQLiteStorage) CreateUser(ctx context.Context, user models.User) error {
	const op = "storage.sqlite.CreateUser"

	query := fmt.Sprintf(`INSERT INTO %s(id, email, password_hash, first_name, last_name, phone, user_role, is_verified, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, usersTable)

	_, err := s.db.ExecContext(ctx, query,
		user.ID.String(), user.Email, user.PasswordHash, user.FirstName, user.LastName,
		user.Phone, user.Role, user.IsVerified, toMillis(user.CreatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		return sqliteError(op, err)
	}

	return nil
}

const sqliteUserColumns = "id, email, password_hash, first_name, last_name, phone, user_role, is_verified, created_at, last_login_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (models.User, error) {
	var (
		user      models.User
		createdAt int64
		lastLogin sql.NullInt64
	)

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&user.Phone,
		&user.Role,
		&user.IsVerified,
		&createdAt,
		&lastLogin,
	)
	if err != nil {
		return models.User{}, err
	}

	user.CreatedAt = fromMillis(createdAt)
	if lastLogin.Valid {
		t := fromMillis(lastLogin.Int64)
		user.LastLoginAt = &t
	}

	return user, nil
}

func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.sqlite.GetUserByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=?", sqliteUserColumns, usersTable)

	user, err := scanSQLiteUser(s.db.QueryRowContext(ctx, query, email))
	if err != nil {
		return models.User{}, sqliteError(op, err)
	}

	return user, nil
}

func (s *SQLiteStorage) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "storage.sqlite.GetUserByID"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=?", sqliteUserColumns, usersTable)

	user, err := scanSQLiteUser(s.db.QueryRowContext(ctx, query, userID.String()))
	if err != nil {
		return models.User{}, sqliteError(op, err)
	}

	return user, nil
}

func (s *SQLiteStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	const op = "storage.sqlite.ListUsers"

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at", sqliteUserColumns, usersTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, sqliteError(op, err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, sqliteError(op, err)
		}

		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError(op+" (rows)", err)
	}

	return users, nil
}

func (s *SQLiteStorage) UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const op = "storage.sqlite.UpdateLastLogin"

	query := fmt.Sprintf("UPDATE %s SET last_login_at=? WHERE id=?", usersTable)

	res, err := s.db.ExecContext(ctx, query, toMillis(at), userID.String())
	if err != nil {
		return sqliteError(op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return sqliteError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (s *SQLiteStorage) CreateSession(ctx context.Context, session models.Session) error {
	const op = "storage.sqlite.CreateSession"

	query := fmt.Sprintf("INSERT INTO %s(token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)", sessionsTable)

	_, err := s.db.ExecContext(ctx, query,
		session.Token, session.UserID.String(), toMillis(session.ExpiresAt), toMillis(session.CreatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, ErrSessionExists)
		}
		return sqliteError(op, err)
	}

	return nil
}

func scanSQLiteSession(row rowScanner) (models.Session, error) {
	var (
		session   models.Session
		expiresAt int64
		createdAt int64
	)

	if err := row.Scan(&session.Token, &session.UserID, &expiresAt, &createdAt); err != nil {
		return models.Session{}, err
	}

	session.ExpiresAt = fromMillis(expiresAt)
	session.CreatedAt = fromMillis(createdAt)

	return session, nil
}

func (s *SQLiteStorage) FindLiveSession(ctx context.Context, userID uuid.UUID, now time.Time) (models.Session, error) {
	const op = "storage.sqlite.FindLiveSession"

	query := fmt.Sprintf(`SELECT token, user_id, expires_at, created_at FROM %s
	WHERE user_id=? AND expires_at > ?
	ORDER BY expires_at DESC LIMIT 1`, sessionsTable)

	session, err := scanSQLiteSession(s.db.QueryRowContext(ctx, query, userID.String(), toMillis(now)))
	if err != nil {
		return models.Session{}, sqliteError(op, err)
	}

	return session, nil
}

func (s *SQLiteStorage) FindSession(ctx context.Context, userID uuid.UUID, token string) (models.Session, error) {
	const op = "storage.sqlite.FindSession"

	query := fmt.Sprintf("SELECT token, user_id, expires_at, created_at FROM %s WHERE user_id=? AND token=?", sessionsTable)

	session, err := scanSQLiteSession(s.db.QueryRowContext(ctx, query, userID.String(), token))
	if err != nil {
		return models.Session{}, sqliteError(op, err)
	}

	return session, nil
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, userID uuid.UUID, token string) error {
	const op = "storage.sqlite.DeleteSession"

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id=? AND token=?", sessionsTable)
	if _, err := s.db.ExecContext(ctx, query, userID.String(), token); err != nil {
		return sqliteError(op, err)
	}

	return nil
}

func (s *SQLiteStorage) DeleteUserSessions(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.sqlite.DeleteUserSessions"

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id=?", sessionsTable)
	if _, err := s.db.ExecContext(ctx, query, userID.String()); err != nil {
		return sqliteError(op, err)
	}

	return nil
}

func (s *SQLiteStorage) DeleteExpiredUserSessions(ctx context.Context, userID uuid.UUID, before time.Time) (int64, error) {
	const op = "storage.sqlite.DeleteExpiredUserSessions"

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id=? AND expires_at <= ?", sessionsTable)

	return s.execCount(ctx, op, query, userID.String(), toMillis(before))
}

func (s *SQLiteStorage) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.sqlite.DeleteExpiredSessions"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < ?", sessionsTable)

	return s.execCount(ctx, op, query, toMillis(before))
}

func (s *SQLiteStorage) InsertRevocation(ctx context.Context, entry models.RevokedToken) error {
	const op = "storage.sqlite.InsertRevocation"

	query := fmt.Sprintf(`INSERT INTO %s(token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (token) DO NOTHING`, revocationsTable)

	_, err := s.db.ExecContext(ctx, query,
		entry.Token, entry.UserID.String(), toMillis(entry.ExpiresAt), toMillis(entry.CreatedAt),
	)
	if err != nil {
		return sqliteError(op, err)
	}

	return nil
}

func (s *SQLiteStorage) FindRevocation(ctx context.Context, token string) (models.RevokedToken, error) {
	const op = "storage.sqlite.FindRevocation"

	query := fmt.Sprintf("SELECT token, user_id, expires_at, created_at FROM %s WHERE token=?", revocationsTable)

	var (
		entry     models.RevokedToken
		expiresAt int64
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx, query, token).Scan(&entry.Token, &entry.UserID, &expiresAt, &createdAt)
	if err != nil {
		return models.RevokedToken{}, sqliteError(op, err)
	}

	entry.ExpiresAt = fromMillis(expiresAt)
	entry.CreatedAt = fromMillis(createdAt)

	return entry, nil
}

func (s *SQLiteStorage) DeleteExpiredRevocations(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.sqlite.DeleteExpiredRevocations"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < ?", revocationsTable)

	return s.execCount(ctx, op, query, toMillis(before))
}

func (s *SQLiteStorage) UpsertAccount(ctx context.Context, account models.Account) error {
	const op = "storage.sqlite.UpsertAccount"

	query := fmt.Sprintf(`INSERT INTO %s(user_id, access_token, expires_at, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE
	   SET access_token = excluded.access_token,
	       expires_at = excluded.expires_at,
	       updated_at = excluded.updated_at`, accountsTable)

	_, err := s.db.ExecContext(ctx, query,
		account.UserID.String(), account.AccessToken, toMillis(account.ExpiresAt), toMillis(account.UpdatedAt),
	)
	if err != nil {
		return sqliteError(op, err)
	}

	return nil
}

func (s *SQLiteStorage) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStorage) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, sqliteError(op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, sqliteError(op, err)
	}

	return n, nil
}

func sqliteError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3lib.SQLITE_CONSTRAINT:
		return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}
