// Package revocation holds the blacklist of access tokens that must be
// rejected even though their signature and expiry are still valid.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credentials_service/internal/models"
	"credentials_service/internal/storage"

	"github.com/gofrs/uuid"
)

type Store interface {
	InsertRevocation(ctx context.Context, entry models.RevokedToken) error
	FindRevocation(ctx context.Context, token string) (models.RevokedToken, error)
	DeleteExpiredRevocations(ctx context.Context, before time.Time) (int64, error)
}

type Registry struct {
	store Store
	now   func() time.Time
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
	}
}

// Add revokes token until expiresAt. Adding the same token twice keeps the first entry.
func (r *Registry) Add(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	const op = "revocation.Add"

	if token == "" {
		return fmt.Errorf("%s: empty token", op)
	}

	entry := models.RevokedToken{
		Token:     token,
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: r.now(),
	}

	if err := r.store.InsertRevocation(ctx, entry); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *Registry) Contains(ctx context.Context, token string) (bool, error) {
	const op = "revocation.Contains"

	_, err := r.store.FindRevocation(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

// Sweep deletes entries whose expiry is before now and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (int64, error) {
	const op = "revocation.Sweep"

	n, err := r.store.DeleteExpiredRevocations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}
