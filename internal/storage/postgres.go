package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credentials_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const pgUniqueViolation = "23505"

type PostgresStorage struct {
	db *pgxpool.Pool
}

var _ Storage = (*PostgresStorage)(nil)

func NewPostgresStorage(ctx context.Context, dbURL string) (*PostgresStorage, error) {
	const op = "storage.NewPostgresStorage"

	conn, err := pgxpool.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	return &PostgresStorage{
		db: conn,
	}, nil
}

func (p *PostgresStorage) Migrate(ctx context.Context) error {
	const op = "storage.postgres.Migrate"

	schema, err := loadSchema("postgres.sql")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := p.db.Exec(ctx, schema); err != nil {
		return pgError(op, err)
	}

	return nil
}

func (p *PostgresStorage) CreateUser(ctx context.Context, user models.User) error {
	const op = "storage.postgres.CreateUser"

	query := fmt.Sprintf(`INSERT INTO %s(id, email, password_hash, first_name, last_name, phone, user_role, is_verified, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, usersTable)

	_, err := p.db.Exec(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName,
		user.Phone, user.Role, user.IsVerified, user.CreatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		return pgError(op, err)
	}

	return nil
}

const pgUserColumns = "id, email, password_hash, first_name, last_name, phone, user_role, is_verified, created_at, last_login_at"

func scanPgUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&user.Phone,
		&user.Role,
		&user.IsVerified,
		&user.CreatedAt,
		&user.LastLoginAt,
	)
	return user, err
}

func (p *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.postgres.GetUserByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=$1", pgUserColumns, usersTable)

	user, err := scanPgUser(p.db.QueryRow(ctx, query, email))
	if err != nil {
		return models.User{}, pgError(op, err)
	}

	return user, nil
}

func (p *PostgresStorage) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "storage.postgres.GetUserByID"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1", pgUserColumns, usersTable)

	user, err := scanPgUser(p.db.QueryRow(ctx, query, userID))
	if err != nil {
		return models.User{}, pgError(op, err)
	}

	return user, nil
}

func (p *PostgresStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	const op = "storage.postgres.ListUsers"

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at", pgUserColumns, usersTable)

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, pgError(op, err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanPgUser(rows)
		if err != nil {
			return nil, pgError(op, err)
		}

		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(op+" (rows)", err)
	}

	return users, nil
}

func (p *PostgresStorage) UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const op = "storage.postgres.UpdateLastLogin"

	query := fmt.Sprintf("UPDATE %s SET last_login_at=$1 WHERE id=$2", usersTable)

	tag, err := p.db.Exec(ctx, query, at, userID)
	if err != nil {
		return pgError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

func (p *PostgresStorage) CreateSession(ctx context.Context, session models.Session) error {
	const op = "storage.postgres.CreateSession"

	query := fmt.Sprintf(`INSERT INTO %s(token, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`, sessionsTable)

	_, err := p.db.Exec(ctx, query, session.Token, session.UserID, session.ExpiresAt, session.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, ErrSessionExists)
		}
		return pgError(op, err)
	}

	return nil
}

func (p *PostgresStorage) FindLiveSession(ctx context.Context, userID uuid.UUID, now time.Time) (models.Session, error) {
	const op = "storage.postgres.FindLiveSession"

	query := fmt.Sprintf(`SELECT token, user_id, expires_at, created_at FROM %s
	WHERE user_id=$1 AND expires_at > $2
	ORDER BY expires_at DESC LIMIT 1`, sessionsTable)

	var s models.Session
	err := p.db.QueryRow(ctx, query, userID, now).Scan(&s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return models.Session{}, pgError(op, err)
	}

	return s, nil
}

func (p *PostgresStorage) FindSession(ctx context.Context, userID uuid.UUID, token string) (models.Session, error) {
	const op = "storage.postgres.FindSession"

	query := fmt.Sprintf(`SELECT token, user_id, expires_at, created_at FROM %s WHERE user_id=$1 AND token=$2`, sessionsTable)

	var s models.Session
	err := p.db.QueryRow(ctx, query, userID, token).Scan(&s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return models.Session{}, pgError(op, err)
	}

	return s, nil
}

func (p *PostgresStorage) DeleteSession(ctx context.Context, userID uuid.UUID, token string) error {
	const op = "storage.postgres.DeleteSession"

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id=$1 AND token=$2", sessionsTable)
	if _, err := p.db.Exec(ctx, query, userID, token); err != nil {
		return pgError(op, err)
	}

	return nil
}

func (p *PostgresStorage) DeleteUserSessions(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.postgres.DeleteUserSessions"

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id=$1", sessionsTable)
	if _, err := p.db.Exec(ctx, query, userID); err != nil {
		return pgError(op, err)
	}

	return nil
}

func (p *PostgresStorage) DeleteExpiredUserSessions(ctx context.Context, userID uuid.UUID, before time.Time) (int64, error) {
	const op = "storage.postgres.DeleteExpiredUserSessions"

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id=$1 AND expires_at <= $2", sessionsTable)

	tag, err := p.db.Exec(ctx, query, userID, before)
	if err != nil {
		return 0, pgError(op, err)
	}

	return tag.RowsAffected(), nil
}

func (p *PostgresStorage) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.postgres.DeleteExpiredSessions"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1", sessionsTable)

	tag, err := p.db.Exec(ctx, query, before)
	if err != nil {
		return 0, pgError(op, err)
	}

	return tag.RowsAffected(), nil
}

func (p *PostgresStorage) InsertRevocation(ctx context.Context, entry models.RevokedToken) error {
	const op = "storage.postgres.InsertRevocation"

	query := fmt.Sprintf(`INSERT INTO %s(token, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)
	ON CONFLICT (token) DO NOTHING`, revocationsTable)

	if _, err := p.db.Exec(ctx, query, entry.Token, entry.UserID, entry.ExpiresAt, entry.CreatedAt); err != nil {
		return pgError(op, err)
	}

	return nil
}

func (p *PostgresStorage) FindRevocation(ctx context.Context, token string) (models.RevokedToken, error) {
	const op = "storage.postgres.FindRevocation"

	query := fmt.Sprintf("SELECT token, user_id, expires_at, created_at FROM %s WHERE token=$1", revocationsTable)

	var r models.RevokedToken
	err := p.db.QueryRow(ctx, query, token).Scan(&r.Token, &r.UserID, &r.ExpiresAt, &r.CreatedAt)
	if err != nil {
		return models.RevokedToken{}, pgError(op, err)
	}

	return r, nil
}

func (p *PostgresStorage) DeleteExpiredRevocations(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.postgres.DeleteExpiredRevocations"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1", revocationsTable)

	tag, err := p.db.Exec(ctx, query, before)
	if err != nil {
		return 0, pgError(op, err)
	}

	return tag.RowsAffected(), nil
}

func (p *PostgresStorage) UpsertAccount(ctx context.Context, account models.Account) error {
	const op = "storage.postgres.UpsertAccount"

	query := fmt.Sprintf(`INSERT INTO %s(user_id, access_token, expires_at, updated_at) VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id) DO UPDATE
	   SET access_token = EXCLUDED.access_token,
	       expires_at = EXCLUDED.expires_at,
	       updated_at = EXCLUDED.updated_at`, accountsTable)

	if _, err := p.db.Exec(ctx, query, account.UserID, account.AccessToken, account.ExpiresAt, account.UpdatedAt); err != nil {
		return pgError(op, err)
	}

	return nil
}

func (p *PostgresStorage) Close() {
	p.db.Close()
}

func pgError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
