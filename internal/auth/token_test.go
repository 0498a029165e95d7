package auth_test

import (
	"strings"
	"testing"
	"time"

	"credentials_service/internal/auth"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func testClaims(t *testing.T) auth.Claims {
	t.Helper()

	id, err := uuid.NewV4()
	require.NoError(t, err)

	return auth.Claims{
		UserID: id,
		Email:  "alice@example.com",
		Role:   "CLIENT",
		Name:   "Alice Liddell",
	}
}

func TestJWTSigner_RoundTrip(t *testing.T) {
	signer := auth.NewJWTSigner(testKey, "credentials_service")

	for _, ttl := range []time.Duration{time.Minute, time.Hour, 24 * time.Hour, 30 * 24 * time.Hour} {
		in := testClaims(t)

		token, exp, err := signer.Sign(in, ttl)
		require.NoError(t, err)

		out, err := signer.Verify(token)
		require.NoError(t, err)

		assert.True(t, exp.Equal(out.ExpiresAtTime()))
		assert.Equal(t, in.UserID, out.UserID)
		assert.Equal(t, in.Email, out.Email)
		assert.Equal(t, in.Role, out.Role)
		assert.Equal(t, in.Name, out.Name)
		assert.Equal(t, in.UserID.String(), out.Subject)
		assert.Equal(t, "credentials_service", out.Issuer)
		assert.NotEmpty(t, out.ID)
		assert.Equal(t, ttl, out.ExpiresAtTime().Sub(out.IssuedAtTime()))
	}
}

func TestJWTSigner_TokensAreUnique(t *testing.T) {
	signer := auth.NewJWTSigner(testKey, "")
	claims := testClaims(t)

	a, _, err := signer.Sign(claims, time.Hour)
	require.NoError(t, err)
	b, _, err := signer.Sign(claims, time.Hour)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestJWTSigner_RejectsShortTTL(t *testing.T) {
	signer := auth.NewJWTSigner(testKey, "")

	for _, ttl := range []time.Duration{-time.Second, 0, time.Millisecond, 999 * time.Millisecond} {
		_, _, err := signer.Sign(testClaims(t), ttl)
		assert.Error(t, err, ttl.String())
	}

	token, _, err := signer.Sign(testClaims(t), auth.MinTTL)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestJWTSigner_Leeway(t *testing.T) {
	now := time.Now()
	ahead := auth.NewJWTSigner(testKey, "", auth.WithClock(func() time.Time { return now.Add(10 * time.Second) }))

	token, _, err := ahead.Sign(testClaims(t), time.Hour)
	require.NoError(t, err)

	strict := auth.NewJWTSigner(testKey, "", auth.WithClock(func() time.Time { return now }))
	_, err = strict.Verify(token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenUsedBeforeIssued)

	tolerant := auth.NewJWTSigner(testKey, "",
		auth.WithClock(func() time.Time { return now }),
		auth.WithLeeway(30*time.Second),
	)
	_, err = tolerant.Verify(token)
	assert.NoError(t, err)
}

func TestJWTSigner_Expired(t *testing.T) {
	now := time.Now()
	issuer := auth.NewJWTSigner(testKey, "", auth.WithClock(func() time.Time { return now.Add(-2 * time.Hour) }))
	verifier := auth.NewJWTSigner(testKey, "", auth.WithClock(func() time.Time { return now }))

	token, _, err := issuer.Sign(testClaims(t), time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.True(t, auth.IsExpired(err))
}

func TestJWTSigner_InvalidTokens(t *testing.T) {
	signer := auth.NewJWTSigner(testKey, "")

	token, _, err := signer.Sign(testClaims(t), time.Hour)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	other := auth.NewJWTSigner([]byte("another-key"), "")
	foreign, _, err := other.Sign(testClaims(t), time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "x",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":       "",
		"garbage":     "not-a-jwt",
		"tampered":    tampered,
		"foreign key": foreign,
		"alg none":    unsigned,
	}

	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := signer.Verify(tok)
			assert.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}

func TestJWTSigner_IssuerMismatch(t *testing.T) {
	a := auth.NewJWTSigner(testKey, "issuer-a")
	b := auth.NewJWTSigner(testKey, "issuer-b")

	token, _, err := a.Sign(testClaims(t), time.Hour)
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
