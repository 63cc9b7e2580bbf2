/**
 * @description
 * This file implements threshold-crossing detection and reward construction.
 * A reward is due whenever a card's count becomes an exact multiple of the
 * template's target. Exactly-once issuance follows from the atomic increment:
 * only one grant can ever observe a given resulting count, so at most one
 * caller sees each crossing.
 *
 * @dependencies
 * - github.com/google/uuid: Reward ids.
 * - internal/domain: Domain models.
 */

package app

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stampcard/loyalty-service/internal/domain"
)

// DefaultRewardExpiryDays applies when the card template has no expiry window.
const DefaultRewardExpiryDays = 180

// RewardIssuer builds reward records for threshold crossings.
type RewardIssuer struct {
	defaultExpiryDays int
}

// NewRewardIssuer creates an issuer with the given default expiry in days.
// A non-positive value falls back to the service default.
func NewRewardIssuer(defaultExpiryDays int) *RewardIssuer {
	if defaultExpiryDays <= 0 {
		defaultExpiryDays = DefaultRewardExpiryDays
	}
	return &RewardIssuer{defaultExpiryDays: defaultExpiryDays}
}

// MaybeIssue returns a reward when newCount crosses a multiple of the
// template's target, and reports whether one was issued. Crossing detection
// always uses the target read at grant time; mid-cycle template edits do not
// retroactively move past crossings.
func (ri *RewardIssuer) MaybeIssue(userID, venueID uuid.UUID, newCount int, template *domain.CardTemplate, now time.Time) (*domain.Reward, bool) {
	if template == nil || template.TargetCount <= 0 {
		return nil, false
	}
	if newCount <= 0 || newCount%template.TargetCount != 0 {
		return nil, false
	}

	expiryDays := template.ExpiryDays
	if expiryDays <= 0 {
		expiryDays = ri.defaultExpiryDays
	}

	reward := &domain.Reward{
		ID:          uuid.New(),
		UserID:      userID,
		VenueID:     venueID,
		Status:      domain.RewardStatusUnused,
		Title:       template.RewardDescription,
		Description: fmt.Sprintf("Earned after %d stamps", newCount),
		ExpiresAt:   now.AddDate(0, 0, expiryDays),
		CreatedAt:   now,
	}
	return reward, true
}
