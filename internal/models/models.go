package models

import (
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

const (
	RoleClient = "CLIENT"
	RoleAdmin  = "ADMIN"
)

type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FirstName    string     `json:"firstName,omitempty"`
	LastName     string     `json:"lastName,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Role         string     `json:"role"`
	IsVerified   bool       `json:"isVerified"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// Name joins first and last name, skipping empty parts.
func (u User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Summary is the non-sensitive view of a user returned to clients.
func (u User) Summary() UserSummary {
	return UserSummary{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name(),
		Role:  u.Role,
	}
}

type UserSummary struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name,omitempty"`
	Role  string    `json:"role"`
}

// Session is the server-side liveness anchor of a login.
type Session struct {
	Token     string
	UserID    uuid.UUID
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (s Session) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// RevokedToken is a blacklist entry. ExpiresAt is copied from the token's exp claim.
type RevokedToken struct {
	Token     string
	UserID    uuid.UUID
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Account keeps the latest access token issued to a user for auditing.
type Account struct {
	UserID      uuid.UUID
	AccessToken string
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}
