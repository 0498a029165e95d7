package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"credentials_service/internal/auth"
	"credentials_service/internal/lib/logger"
	"credentials_service/internal/models"
	"credentials_service/internal/storage"

	"github.com/gofrs/uuid"
)

const DefaultTTL = 7 * 24 * time.Hour

// Store is the part of storage.Storage the manager needs.
type Store interface {
	CreateSession(ctx context.Context, session models.Session) error
	FindLiveSession(ctx context.Context, userID uuid.UUID, now time.Time) (models.Session, error)
	FindSession(ctx context.Context, userID uuid.UUID, token string) (models.Session, error)
	DeleteSession(ctx context.Context, userID uuid.UUID, token string) error
	DeleteUserSessions(ctx context.Context, userID uuid.UUID) error
	DeleteExpiredUserSessions(ctx context.Context, userID uuid.UUID, before time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// Manager keeps at most one live session per user. The store's unique index
// on the user column is what enforces it; the manager only reacts to it.
type Manager struct {
	store    Store
	log      *slog.Logger
	ttl      time.Duration
	now      func() time.Time
	newToken func() (string, error)
}

func NewManager(store Store, log *slog.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:    store,
		log:      log,
		ttl:      ttl,
		now:      time.Now,
		newToken: auth.NewSessionToken,
	}
}

// Fingerprint identifies a session inside an access token without exposing
// the session token itself.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ResolveOrCreate returns the user's live session, creating one when none exists.
func (m *Manager) ResolveOrCreate(ctx context.Context, userID uuid.UUID) (models.Session, error) {
	const op = "session.ResolveOrCreate"

	log := m.log.With(slog.String("op", op), slog.String("user_id", userID.String()))

	now := m.now()

	live, err := m.store.FindLiveSession(ctx, userID, now)
	if err == nil {
		return live, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	token, err := m.newToken()
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	pruned, err := m.store.DeleteExpiredUserSessions(ctx, userID, now)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}
	if pruned > 0 {
		log.Debug("pruned expired sessions", slog.Int64("count", pruned))
	}

	session := models.Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}

	err = m.store.CreateSession(ctx, session)
	if err == nil {
		log.Debug("session created")
		return session, nil
	}
	if !errors.Is(err, storage.ErrSessionExists) {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	// A concurrent login inserted first; its session is the one to share.
	log.Debug("concurrent session insert, re-reading")

	live, err = m.store.FindLiveSession(ctx, userID, m.now())
	if err != nil {
		log.Error("failed to re-read session after conflict", logger.Err(err))
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return live, nil
}

// Invalidate deletes one session. A missing row is not an error.
func (m *Manager) Invalidate(ctx context.Context, userID uuid.UUID, token string) error {
	const op = "session.Invalidate"

	if err := m.store.DeleteSession(ctx, userID, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (m *Manager) InvalidateAll(ctx context.Context, userID uuid.UUID) error {
	const op = "session.InvalidateAll"

	if err := m.store.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (m *Manager) IsLive(ctx context.Context, userID uuid.UUID, token string) (bool, error) {
	const op = "session.IsLive"

	s, err := m.store.FindSession(ctx, userID, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return s.Live(m.now()), nil
}

// Matches reports whether the user's live session is the one with the given
// fingerprint. A token issued under a session that has since been deleted or
// replaced never matches.
func (m *Manager) Matches(ctx context.Context, userID uuid.UUID, fingerprint string) (bool, error) {
	const op = "session.Matches"

	if fingerprint == "" {
		return false, nil
	}

	live, err := m.store.FindLiveSession(ctx, userID, m.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return subtle.ConstantTimeCompare([]byte(Fingerprint(live.Token)), []byte(fingerprint)) == 1, nil
}

// Sweep deletes sessions that expired before now.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int64, error) {
	const op = "session.Sweep"

	n, err := m.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}
