/**
 * @description
 * This file defines the core domain models for the loyalty-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - `Venue` and `CardTemplate` are read-only views owned by the venue-service;
 *   the loyalty engine never writes them.
 * - `UserCard.CurrentCount` only ever changes by +1 inside the atomic grant
 *   transaction in the store layer.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Venue is the read-only venue projection served by the venue-service.
// Coordinates are nullable: a venue that has not been geocoded yet cannot
// accept check-ins.
type Venue struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
}

// CardTemplate is the per-venue loyalty program configuration, owned by the
// venue-service. Absence of a template means the venue runs no program.
type CardTemplate struct {
	VenueID           uuid.UUID `json:"venue_id"`
	TargetCount       int       `json:"target_count"`
	RewardDescription string    `json:"reward_description"`
	ExpiryDays        int       `json:"expiry_days"` // 0 means use the service default
}

// UserCard is the mutable aggregate, one row per (user, venue) pair.
// Created lazily on first check-in attempt, never deleted by this service.
type UserCard struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	VenueID      uuid.UUID `json:"venue_id"`
	CurrentCount int       `json:"current_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StampLogEntry is the immutable audit record of a single successful grant.
// Entries are append-only; the most recent StampedAt per card drives the rate
// window. Seq is the insertion sequence and breaks ordering ties between
// entries that share the same StampedAt.
type StampLogEntry struct {
	ID          uuid.UUID `json:"id"`
	UserCardID  uuid.UUID `json:"user_card_id"`
	Seq         int64     `json:"-"`
	StampedAt   time.Time `json:"stamped_at"`
	LocationLat float64   `json:"location_lat"`
	LocationLng float64   `json:"location_lng"`
}

// Reward statuses. Redemption (unused -> used) is owned by the redemption
// flow in another service; this engine only ever creates rewards as unused.
const (
	RewardStatusUnused = "unused"
	RewardStatusUsed   = "used"
)

// Reward is issued exactly once per threshold crossing of a card.
type Reward struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	VenueID     uuid.UUID `json:"venue_id"`
	Status      string    `json:"status"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckInRequest is the DTO for incoming check-in API requests. The user id
// never comes from the body; it is taken from the validated auth token.
type CheckInRequest struct {
	VenueID   uuid.UUID `json:"venue_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// GrantResult is the outcome of a successful stamp grant.
// RewardError carries the non-fatal warning for the documented case where the
// stamp committed but the reward row could not be written.
type GrantResult struct {
	Card           *UserCard `json:"card"`
	NewCount       int       `json:"new_count"`
	DistanceMeters float64   `json:"distance_meters"`
	RewardIssued   bool      `json:"reward_issued"`
	Reward         *Reward   `json:"reward,omitempty"`
	RewardError    string    `json:"reward_error,omitempty"`
}
