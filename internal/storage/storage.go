package storage

import (
	"context"
	"embed"
	"errors"
	"time"

	"credentials_service/internal/models"

	"github.com/gofrs/uuid"
)

const (
	usersTable       = "users"
	sessionsTable    = "sessions"
	revocationsTable = "revoked_tokens"
	accountsTable    = "accounts"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUserExists    = errors.New("user already exists")
	ErrSessionExists = errors.New("session already exists")
	// ErrUnavailable wraps every failure of the underlying database.
	ErrUnavailable = errors.New("store unavailable")
)

//go:embed schema/*.sql
var schemaFS embed.FS

type Storage interface {

	// Users
	CreateUser(ctx context.Context, user models.User) error
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error

	// Sessions
	CreateSession(ctx context.Context, session models.Session) error
	FindLiveSession(ctx context.Context, userID uuid.UUID, now time.Time) (models.Session, error)
	FindSession(ctx context.Context, userID uuid.UUID, token string) (models.Session, error)
	DeleteSession(ctx context.Context, userID uuid.UUID, token string) error
	DeleteUserSessions(ctx context.Context, userID uuid.UUID) error
	DeleteExpiredUserSessions(ctx context.Context, userID uuid.UUID, before time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)

	// Revocations
	InsertRevocation(ctx context.Context, entry models.RevokedToken) error
	FindRevocation(ctx context.Context, token string) (models.RevokedToken, error)
	DeleteExpiredRevocations(ctx context.Context, before time.Time) (int64, error)

	// Accounts
	UpsertAccount(ctx context.Context, account models.Account) error

	Migrate(ctx context.Context) error
	Close()
}

func loadSchema(name string) (string, error) {
	b, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
