package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"credentials_service/internal/auth"
	"credentials_service/internal/lib/logger"
	"credentials_service/internal/models"
	"credentials_service/internal/revocation"
	"credentials_service/internal/session"
	"credentials_service/internal/storage"

	"github.com/gofrs/uuid"
)

const DefaultAccessTTL = 24 * time.Hour

var ErrInvalidInput = errors.New("invalid input")

// UserStore is the part of storage.Storage used directly by the service.
type UserStore interface {
	CreateUser(ctx context.Context, user models.User) error
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error
	UpsertAccount(ctx context.Context, account models.Account) error
}

type Options struct {
	AccessTTL time.Duration
	// RequireSession makes VerifyAccess demand that the session the token was
	// issued under is still the subject's live session.
	RequireSession bool
}

type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

type LoginResult struct {
	AccessToken      string             `json:"accessToken"`
	SessionToken     string             `json:"sessionToken"`
	AccessExpiresAt  time.Time          `json:"accessExpiresAt"`
	SessionExpiresAt time.Time          `json:"sessionExpiresAt"`
	User             models.UserSummary `json:"user"`
}

type Service struct {
	storage  UserStore
	sessions *session.Manager
	revoked  *revocation.Registry
	signer   auth.Signer
	hasher   auth.Hasher
	log      *slog.Logger

	accessTTL      time.Duration
	requireSession bool
	now            func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func New(
	st UserStore,
	sessions *session.Manager,
	revoked *revocation.Registry,
	signer auth.Signer,
	hasher auth.Hasher,
	log *slog.Logger,
	opts Options,
) *Service {
	if opts.AccessTTL < auth.MinTTL {
		opts.AccessTTL = DefaultAccessTTL
	}
	return &Service{
		storage:        st,
		sessions:       sessions,
		revoked:        revoked,
		signer:         signer,
		hasher:         hasher,
		log:            log,
		accessTTL:      opts.AccessTTL,
		requireSession: opts.RequireSession,
		now:            time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (models.User, error) {
	const op = "service.RegisterUser"

	log := s.log.With(slog.String("op", op))

	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return models.User{}, fmt.Errorf("%s: %w: email and password are required", op, ErrInvalidInput)
	}

	_, err := s.storage.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return models.User{}, fmt.Errorf("%s: %w", op, auth.ErrConflict)
	case !errors.Is(err, storage.ErrNotFound):
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	passwordHash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	user := models.User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Phone:        strings.TrimSpace(in.Phone),
		Role:         models.RoleClient,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.storage.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return models.User{}, fmt.Errorf("%s: %w", op, auth.ErrConflict)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.String("user_id", user.ID.String()))

	user.PasswordHash = ""

	return user, nil
}

// ValidateCredentials returns the same error for an unknown email and a wrong
// password, and spends one bcrypt comparison in both cases.
func (s *Service) ValidateCredentials(ctx context.Context, email, password string) (models.User, error) {
	const op = "service.ValidateCredentials"

	user, err := s.storage.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_, _ = s.hasher.Verify(password, s.dummyPasswordHash())
			return models.User{}, fmt.Errorf("%s: %w", op, auth.ErrInvalidCredentials)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, auth.ErrInvalidCredentials)
	}

	user.PasswordHash = ""

	return user, nil
}

func (s *Service) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		secret, err := auth.RandomToken(16)
		if err != nil {
			secret = "credentials-service-dummy"
		}
		s.dummyHash, _ = s.hasher.Hash(secret)
	})
	return s.dummyHash
}

// Login opens (or reuses) the user's session and issues a fresh access token.
func (s *Service) Login(ctx context.Context, user models.User) (LoginResult, error) {
	const op = "service.Login"

	log := s.log.With(slog.String("op", op), slog.String("user_id", user.ID.String()))

	sess, err := s.sessions.ResolveOrCreate(ctx, user.ID)
	if err != nil {
		log.Error("failed to resolve session", logger.Err(err))
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, accessExpiresAt, err := s.signer.Sign(auth.Claims{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		Name:      user.Name(),
		SessionID: session.Fingerprint(sess.Token),
	}, s.accessTTL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now().UTC()

	err = s.storage.UpsertAccount(ctx, models.Account{
		UserID:      user.ID,
		AccessToken: accessToken,
		ExpiresAt:   accessExpiresAt,
		UpdatedAt:   now,
	})
	if err != nil {
		log.Error("failed to record account token", logger.Err(err))
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.storage.UpdateLastLogin(ctx, user.ID, now); err != nil {
		log.Error("failed to update last login", logger.Err(err))
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in")

	return LoginResult{
		AccessToken:      accessToken,
		SessionToken:     sess.Token,
		AccessExpiresAt:  accessExpiresAt,
		SessionExpiresAt: sess.ExpiresAt,
		User:             user.Summary(),
	}, nil
}

func (s *Service) Authenticate(ctx context.Context, email, password string) (LoginResult, error) {
	const op = "service.Authenticate"

	user, err := s.ValidateCredentials(ctx, email, password)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}

	res, err := s.Login(ctx, user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

// Logout revokes accessToken and drops the session. An empty sessionToken
// drops every session of the token's subject. An already revoked token adds
// no revocation row, but the session is still dropped so a retry after a
// failed invalidation completes the logout.
func (s *Service) Logout(ctx context.Context, accessToken, sessionToken string) error {
	const op = "service.Logout"

	log := s.log.With(slog.String("op", op))

	claims, err := s.signer.Verify(accessToken)
	if err != nil {
		if auth.IsExpired(err) {
			log.Info("logout with expired token")
		} else {
			log.Warn("logout with unverifiable token", logger.Err(err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	log = log.With(slog.String("user_id", claims.UserID.String()))

	revoked, err := s.revoked.Contains(ctx, accessToken)
	if err != nil {
		log.Error("failed to check revocation", logger.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if revoked {
		log.Info("token already revoked")
	} else if err := s.revoked.Add(ctx, claims.UserID, accessToken, claims.ExpiresAtTime()); err != nil {
		log.Error("failed to revoke token", logger.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if sessionToken != "" {
		err = s.sessions.Invalidate(ctx, claims.UserID, sessionToken)
	} else {
		err = s.sessions.InvalidateAll(ctx, claims.UserID)
	}
	if err != nil {
		log.Error("failed to invalidate session", logger.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out")

	return nil
}

// VerifyAccess is the per-request decision. Revocation is checked right after
// the signature and wins over any session state.
func (s *Service) VerifyAccess(ctx context.Context, accessToken string) (*auth.Claims, error) {
	const op = "service.VerifyAccess"

	claims, err := s.signer.Verify(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	revoked, err := s.revoked.Contains(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if revoked {
		return nil, fmt.Errorf("%s: %w", op, auth.ErrRevokedToken)
	}

	if s.requireSession {
		live, err := s.sessions.Matches(ctx, claims.UserID, claims.SessionID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !live {
			return nil, fmt.Errorf("%s: %w", op, auth.ErrSessionExpired)
		}
	}

	return claims, nil
}

func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "service.Profile"

	user, err := s.storage.GetUserByID(ctx, userID)
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	user.PasswordHash = ""

	return user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	const op = "service.ListUsers"

	users, err := s.storage.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for i := range users {
		users[i].PasswordHash = ""
	}

	return users, nil
}
