package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	guuid "github.com/google/uuid"
)

// Claims is the payload carried by an access token. Subject always holds the
// string form of UserID.
type Claims struct {
	UserID uuid.UUID `json:"uid"`
	Email  string    `json:"email"`
	Role   string    `json:"role"`
	Name   string    `json:"name,omitempty"`
	// SessionID is the fingerprint of the session the token was issued under.
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// MinTTL is the smallest lifetime a token can carry; exp has whole-second precision.
const MinTTL = time.Second

type Signer interface {
	// Sign returns the token and its exp as encoded in it.
	Sign(claims Claims, ttl time.Duration) (string, time.Time, error)
	Verify(token string) (*Claims, error)
}

type JWTSigner struct {
	key    []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

type SignerOption func(*JWTSigner)

// WithClock replaces time.Now for issuing and validating tokens.
func WithClock(now func() time.Time) SignerOption {
	return func(s *JWTSigner) {
		s.now = now
	}
}

// WithLeeway tolerates clock skew between the issuing and verifying process.
func WithLeeway(d time.Duration) SignerOption {
	return func(s *JWTSigner) {
		if d > 0 {
			s.leeway = d
		}
	}
}

func NewJWTSigner(key []byte, issuer string, opts ...SignerOption) *JWTSigner {
	s := &JWTSigner{
		key:    key,
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign issues an HS256 token for claims valid for ttl. Registered claims
// (sub, iat, exp, jti, iss) are always set by the signer.
func (s *JWTSigner) Sign(claims Claims, ttl time.Duration) (string, time.Time, error) {
	const op = "auth.SignToken"

	if ttl < MinTTL {
		return "", time.Time{}, fmt.Errorf("%s: ttl must be at least %s, got %s", op, MinTTL, ttl)
	}
	if claims.UserID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("%s: empty user id", op)
	}

	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   claims.UserID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        guuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	return signed, claims.ExpiresAtTime(), nil
}

// Verify checks signature, algorithm and expiry. Every failure wraps ErrInvalidToken.
func (s *JWTSigner) Verify(tokenStr string) (*Claims, error) {
	const op = "auth.VerifyToken"

	if tokenStr == "" {
		return nil, fmt.Errorf("%s: %w: empty token", op, ErrInvalidToken)
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(s.leeway),
	}
	if s.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	}, parserOptions...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidToken, jwt.ErrTokenInvalidClaims)
	}

	if claims.UserID == uuid.Nil || claims.Subject != claims.UserID.String() {
		return nil, fmt.Errorf("%s: %w: subject mismatch", op, ErrInvalidToken)
	}

	return claims, nil
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
