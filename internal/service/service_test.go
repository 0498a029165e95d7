package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"credentials_service/internal/auth"
	"credentials_service/internal/lib/logger"
	"credentials_service/internal/revocation"
	"credentials_service/internal/service"
	"credentials_service/internal/session"
	"credentials_service/internal/storage"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	svc      *service.Service
	st       *storage.SQLiteStorage
	sessions *session.Manager
	revoked  *revocation.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	return newFixtureWithSessionStore(t, func(st *storage.SQLiteStorage) session.Store { return st })
}

func newFixtureWithSessionStore(t *testing.T, sessionStore func(*storage.SQLiteStorage) session.Store) fixture {
	t.Helper()

	st, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))

	log := logger.NewDiscard()
	sessions := session.NewManager(sessionStore(st), log, 0)
	revoked := revocation.NewRegistry(st)

	svc := service.New(
		st,
		sessions,
		revoked,
		auth.NewJWTSigner([]byte("service-test-signing-key"), "test"),
		auth.NewBcryptHasher(bcrypt.MinCost),
		log,
		service.Options{AccessTTL: time.Hour, RequireSession: true},
	)

	return fixture{svc: svc, st: st, sessions: sessions, revoked: revoked}
}

func register(t *testing.T, f fixture, email, password string) {
	t.Helper()

	_, err := f.svc.RegisterUser(context.Background(), service.RegisterInput{
		Email:     email,
		Password:  password,
		FirstName: "Alice",
		LastName:  "Liddell",
	})
	require.NoError(t, err)
}

func login(t *testing.T, f fixture, email, password string) service.LoginResult {
	t.Helper()

	res, err := f.svc.Authenticate(context.Background(), email, password)
	require.NoError(t, err)

	return res
}

func TestRegisterUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.RegisterUser(ctx, service.RegisterInput{
		Email:    "  Alice@Example.com ",
		Password: "pw123",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "CLIENT", user.Role)
	assert.Empty(t, user.PasswordHash)

	stored, err := f.st.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, "pw123", stored.PasswordHash)

	_, err = f.svc.RegisterUser(ctx, service.RegisterInput{Email: "alice@example.com", Password: "other"})
	assert.ErrorIs(t, err, auth.ErrConflict)

	_, err = f.svc.RegisterUser(ctx, service.RegisterInput{Email: "", Password: "pw"})
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestValidateCredentials_RegisteredUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		email := fmt.Sprintf("user%d@example.com", i)
		password := fmt.Sprintf("secret-%d", i)
		register(t, f, email, password)

		user, err := f.svc.ValidateCredentials(ctx, email, password)
		require.NoError(t, err)
		assert.Equal(t, email, user.Email)
		assert.Empty(t, user.PasswordHash)
	}
}

func TestValidateCredentials_EnumerationSafe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")

	_, wrongPassword := f.svc.ValidateCredentials(ctx, "alice@example.com", "wrong")
	_, unknownEmail := f.svc.ValidateCredentials(ctx, "nobody@example.com", "wrong")

	require.ErrorIs(t, wrongPassword, auth.ErrInvalidCredentials)
	require.ErrorIs(t, unknownEmail, auth.ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestLogin_TokensAndSessionReuse(t *testing.T) {
	f := newFixture(t)
	register(t, f, "alice@example.com", "pw123")

	first := login(t, f, "alice@example.com", "pw123")
	assert.NotEmpty(t, first.AccessToken)
	assert.NotEmpty(t, first.SessionToken)
	assert.NotEqual(t, first.AccessToken, first.SessionToken)
	assert.Equal(t, "alice@example.com", first.User.Email)
	assert.Equal(t, "Alice Liddell", first.User.Name)

	second := login(t, f, "alice@example.com", "pw123")
	assert.Equal(t, first.SessionToken, second.SessionToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	user, err := f.st.GetUserByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.NotNil(t, user.LastLoginAt)

	claims, err := f.svc.VerifyAccess(context.Background(), second.AccessToken)
	require.NoError(t, err)
	assert.True(t, second.AccessExpiresAt.Equal(claims.ExpiresAtTime()))
	assert.Equal(t, session.Fingerprint(second.SessionToken), claims.SessionID)
}

func TestVerifyAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")
	res := login(t, f, "alice@example.com", "pw123")

	claims, err := f.svc.VerifyAccess(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "CLIENT", claims.Role)

	_, err = f.svc.VerifyAccess(ctx, "garbage")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyAccess_RevocationWinsOverLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")
	res := login(t, f, "alice@example.com", "pw123")

	require.NoError(t, f.revoked.Add(ctx, res.User.ID, res.AccessToken, time.Now().Add(time.Hour)))

	live, err := f.sessions.IsLive(ctx, res.User.ID, res.SessionToken)
	require.NoError(t, err)
	require.True(t, live)

	_, err = f.svc.VerifyAccess(ctx, res.AccessToken)
	assert.ErrorIs(t, err, auth.ErrRevokedToken)
}

func TestVerifyAccess_SessionCrossCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")
	res := login(t, f, "alice@example.com", "pw123")

	require.NoError(t, f.sessions.InvalidateAll(ctx, res.User.ID))

	_, err := f.svc.VerifyAccess(ctx, res.AccessToken)
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")
	res := login(t, f, "alice@example.com", "pw123")

	require.NoError(t, f.svc.Logout(ctx, res.AccessToken, res.SessionToken))

	_, err := f.svc.VerifyAccess(ctx, res.AccessToken)
	assert.ErrorIs(t, err, auth.ErrRevokedToken)

	live, err := f.sessions.IsLive(ctx, res.User.ID, res.SessionToken)
	require.NoError(t, err)
	assert.False(t, live)

	// Second logout is a success and adds no row.
	require.NoError(t, f.svc.Logout(ctx, res.AccessToken, res.SessionToken))

	n, err := f.revoked.Sweep(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestLogout_WithoutSessionTokenDropsAllSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")
	res := login(t, f, "alice@example.com", "pw123")

	require.NoError(t, f.svc.Logout(ctx, res.AccessToken, ""))

	live, err := f.sessions.IsLive(ctx, res.User.ID, res.SessionToken)
	require.NoError(t, err)
	assert.False(t, live)
}

func TestLogout_InvalidToken(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Logout(context.Background(), "not-a-token", "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	other := auth.NewJWTSigner([]byte("some-other-signing-key"), "test")
	foreign, _, err := other.Sign(auth.Claims{UserID: mustUUID(t), Email: "x@example.com"}, time.Hour)
	require.NoError(t, err)

	err = f.svc.Logout(context.Background(), foreign, "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestLogout_StoreFailureIsNotSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")
	res := login(t, f, "alice@example.com", "pw123")

	f.st.Close()

	err := f.svc.Logout(ctx, res.AccessToken, res.SessionToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestValidateCredentials_StoreFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.st.Close()

	_, err := f.svc.ValidateCredentials(context.Background(), "alice@example.com", "pw123")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NotErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestProfileAndListUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")
	register(t, f, "bob@example.com", "pw456")
	res := login(t, f, "alice@example.com", "pw123")

	user, err := f.svc.Profile(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Empty(t, user.PasswordHash)

	_, err = f.svc.Profile(ctx, mustUUID(t))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	users, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.Empty(t, u.PasswordHash)
	}
}

func TestVerifyAccess_TokenDiesWithItsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")

	first := login(t, f, "alice@example.com", "pw123")
	second := login(t, f, "alice@example.com", "pw123")
	require.Equal(t, first.SessionToken, second.SessionToken)

	require.NoError(t, f.svc.Logout(ctx, first.AccessToken, first.SessionToken))

	_, err := f.svc.VerifyAccess(ctx, second.AccessToken)
	require.ErrorIs(t, err, auth.ErrSessionExpired)

	third := login(t, f, "alice@example.com", "pw123")
	require.NotEqual(t, first.SessionToken, third.SessionToken)

	_, err = f.svc.VerifyAccess(ctx, second.AccessToken)
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	_, err = f.svc.VerifyAccess(ctx, third.AccessToken)
	assert.NoError(t, err)
}

// failingDeletes fails the first n DeleteSession calls.
type failingDeletes struct {
	*storage.SQLiteStorage
	n int
}

func (s *failingDeletes) DeleteSession(ctx context.Context, userID uuid.UUID, token string) error {
	if s.n > 0 {
		s.n--
		return fmt.Errorf("delete session: %w", storage.ErrUnavailable)
	}
	return s.SQLiteStorage.DeleteSession(ctx, userID, token)
}

func TestLogout_RetryAfterFailedInvalidation(t *testing.T) {
	flaky := &failingDeletes{}
	f := newFixtureWithSessionStore(t, func(st *storage.SQLiteStorage) session.Store {
		flaky.SQLiteStorage = st
		return flaky
	})
	ctx := context.Background()
	register(t, f, "alice@example.com", "pw123")
	res := login(t, f, "alice@example.com", "pw123")

	flaky.n = 1

	err := f.svc.Logout(ctx, res.AccessToken, res.SessionToken)
	require.ErrorIs(t, err, storage.ErrUnavailable)

	revoked, err := f.revoked.Contains(ctx, res.AccessToken)
	require.NoError(t, err)
	require.True(t, revoked)

	live, err := f.sessions.IsLive(ctx, res.User.ID, res.SessionToken)
	require.NoError(t, err)
	require.True(t, live)

	require.NoError(t, f.svc.Logout(ctx, res.AccessToken, res.SessionToken))

	live, err = f.sessions.IsLive(ctx, res.User.ID, res.SessionToken)
	require.NoError(t, err)
	assert.False(t, live)
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()

	id, err := uuid.NewV4()
	require.NoError(t, err)

	return id
}
