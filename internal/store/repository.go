/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the loyalty-service. By defining an interface,
 * we decouple the stamp engine's business logic from the specific database
 * implementation (PostgreSQL in production, an in-memory store in tests).
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stampcard/loyalty-service/internal/domain"
)

var (
	ErrCardNotFound = errors.New("user card not found")
	// ErrStampTooSoon is returned by GrantStampAtomic when the rate window has
	// not elapsed. The check runs inside the per-card critical section, so it
	// is authoritative even under concurrent grants.
	ErrStampTooSoon = errors.New("stamp window has not elapsed")
)

// GrantOutcome is the result of a committed stamp grant.
// When GrantStampAtomic fails with ErrStampTooSoon, LastStampedAt is still
// populated so callers can compute the remaining wait.
type GrantOutcome struct {
	NewCount      int
	Entry         domain.StampLogEntry
	LastStampedAt *time.Time
}

// Repository defines the set of methods for interacting with loyalty state.
type Repository interface {
	// GetOrCreateUserCard returns the card for (userID, venueID), creating it
	// with a zero count on first use. Concurrent first-time callers must
	// converge on a single row: the loser of a creation race re-reads the
	// winner's row instead of erroring.
	GetOrCreateUserCard(ctx context.Context, userID, venueID uuid.UUID) (*domain.UserCard, error)
	GetUserCard(ctx context.Context, userID, venueID uuid.UUID) (*domain.UserCard, error)
	GetUserCardByID(ctx context.Context, cardID uuid.UUID) (*domain.UserCard, error)

	// LatestStampEntry returns the most recent ledger entry for a card, or
	// (nil, nil) when the card has never been stamped.
	LatestStampEntry(ctx context.Context, cardID uuid.UUID) (*domain.StampLogEntry, error)
	// ListStampEntries returns the full ledger for a card, newest first,
	// ties broken by insertion sequence.
	ListStampEntries(ctx context.Context, cardID uuid.UUID) ([]domain.StampLogEntry, error)

	// GrantStampAtomic executes the grant critical section for one card:
	// re-check the rate window against the latest ledger entry, append the
	// new entry, and increment the card count, all under a per-card lock so
	// that concurrent grants for the same card serialize. Returns
	// ErrStampTooSoon (with LastStampedAt set) when the window has not
	// elapsed, ErrCardNotFound when the card does not exist.
	GrantStampAtomic(ctx context.Context, cardID uuid.UUID, now time.Time, lat, lng float64, window time.Duration) (*GrantOutcome, error)

	CreateReward(ctx context.Context, reward *domain.Reward) error
	ListRewardsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Reward, error)
}
