/**
 * @description
 * This file contains the core business logic for the loyalty-service. The
 * `Service` struct coordinates a check-in from token to result: geofence
 * validation, rate limiting, the atomic grant (ledger append + counter
 * increment) and conditional reward issuance.
 *
 * Key invariants:
 * - All mutating work for one (user, venue) pair runs inside the store's
 *   per-card critical section; two concurrent check-ins for the same card can
 *   never both succeed within one rate window.
 * - A reward is created at most once per threshold crossing: only one grant
 *   can observe a given resulting count.
 * - A stamp that has committed is never unwound. A failure strictly limited
 *   to reward creation is reported on the result, not rolled back.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq, pkg/venueclient: External service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stampcard/loyalty-service/internal/domain"
	"github.com/stampcard/loyalty-service/internal/store"
	"github.com/stampcard/loyalty-service/pkg/rabbitmq"
	"github.com/stampcard/loyalty-service/pkg/venueclient"
)

var (
	ErrVenueNotFound       = errors.New("venue not found")
	ErrNoProgramConfigured = errors.New("venue has no loyalty program configured")
	ErrTooFar              = errors.New("device is too far from the venue")
	ErrTooSoon             = errors.New("checked in too recently")
	ErrRateLimited         = errors.New("too many check-in attempts")
)

// TooSoonError carries the remaining wait for a rate-limited grant.
type TooSoonError struct {
	RetryAfter time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("checked in too recently; retry in %s", e.RetryAfter)
}

func (e *TooSoonError) Is(target error) bool { return target == ErrTooSoon }

// RateLimitedError carries the remaining wait for a throttled request.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many check-in attempts; retry in %ds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// TooFarError carries the measured distance for a geofence rejection.
type TooFarError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("device is %.1fm from the venue; geofence radius is %.1fm", e.DistanceMeters, e.RadiusMeters)
}

func (e *TooFarError) Is(target error) bool { return target == ErrTooFar }

// VenueDirectory is the read-only interface to the venue collaborator. The
// HTTP client in pkg/venueclient implements it; not-found conditions surface
// as venueclient.ErrVenueNotFound and venueclient.ErrNoProgramConfigured.
type VenueDirectory interface {
	GetVenue(ctx context.Context, venueID uuid.UUID) (*domain.Venue, error)
	GetCardTemplate(ctx context.Context, venueID uuid.UUID) (*domain.CardTemplate, error)
}

// Service provides the core business logic for loyalty check-ins.
type Service struct {
	repo          store.Repository
	venues        VenueDirectory
	eventProducer rabbitmq.Publisher
	geo           *GeoValidator
	limiter       StampRateLimiter
	issuer        *RewardIssuer

	burstLimiter        CheckInRateLimiter
	burstLimitPerMinute int

	now func() time.Time
}

// NewService creates a new loyalty service instance.
func NewService(
	repo store.Repository,
	venues VenueDirectory,
	producer rabbitmq.Publisher,
	geofenceRadiusMeters float64,
	stampWindow time.Duration,
	defaultRewardExpiryDays int,
) *Service {
	return &Service{
		repo:          repo,
		venues:        venues,
		eventProducer: producer,
		geo:           NewGeoValidator(geofenceRadiusMeters),
		limiter:       NewStampRateLimiter(stampWindow),
		issuer:        NewRewardIssuer(defaultRewardExpiryDays),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetCheckInRateLimiter enables request throttling in front of the engine.
func (s *Service) SetCheckInRateLimiter(limiter CheckInRateLimiter, limitPerMinute int) {
	s.burstLimiter = limiter
	s.burstLimitPerMinute = limitPerMinute
}

// GrantStamp orchestrates one check-in attempt end to end. bypassGeofence is
// an operator capability asserted by the auth layer, never inferred from the
// request body.
func (s *Service) GrantStamp(ctx context.Context, userID uuid.UUID, req domain.CheckInRequest, bypassGeofence bool) (*domain.GrantResult, error) {
	now := s.now()

	// 0. Burst throttle (abuse protection, separate from the stamp window).
	if s.burstLimiter != nil && s.burstLimitPerMinute > 0 {
		count, retryAfter, err := s.burstLimiter.ConsumeRateLimit(ctx, "checkin", userID.String(), s.burstLimitPerMinute, time.Minute)
		if err != nil {
			// A broken limiter should not take check-ins down with it.
			log.Printf("level=warn component=service step=burst_limit msg=\"rate limiter unavailable; allowing request\" user_id=%s err=%v", userID, err)
		} else if count > s.burstLimitPerMinute {
			return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	// 1. Locate: resolve the venue and validate the geofence.
	venue, err := s.venues.GetVenue(ctx, req.VenueID)
	if err != nil {
		if errors.Is(err, venueclient.ErrVenueNotFound) {
			return nil, ErrVenueNotFound
		}
		return nil, fmt.Errorf("failed to resolve venue: %w", err)
	}

	distance, err := s.geo.Validate(venue, req.Latitude, req.Longitude, bypassGeofence)
	if err != nil {
		if errors.Is(err, ErrOutsideGeofence) {
			return nil, &TooFarError{DistanceMeters: distance, RadiusMeters: s.geo.RadiusMeters()}
		}
		return nil, err
	}
	if bypassGeofence {
		log.Printf("level=info component=service step=geofence msg=\"distance check bypassed\" user_id=%s venue_id=%s distance_m=%.1f", userID, venue.ID, distance)
	}

	// 2. The venue must run a loyalty program before any state is created.
	template, err := s.venues.GetCardTemplate(ctx, req.VenueID)
	if err != nil {
		if errors.Is(err, venueclient.ErrNoProgramConfigured) {
			return nil, ErrNoProgramConfigured
		}
		return nil, fmt.Errorf("failed to resolve card template: %w", err)
	}

	// 3. Load or lazily create the card, then pre-check the rate window for
	// an early rejection. The authoritative check runs again inside the
	// grant critical section.
	card, err := s.repo.GetOrCreateUserCard(ctx, userID, req.VenueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user card: %w", err)
	}

	latest, err := s.repo.LatestStampEntry(ctx, card.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest stamp: %w", err)
	}
	if latest != nil && !s.limiter.Eligible(&latest.StampedAt, now) {
		return nil, &TooSoonError{RetryAfter: s.limiter.RetryAfter(&latest.StampedAt, now)}
	}

	// 4. Atomic grant: ledger append + counter increment under the per-card
	// lock, with the rate window re-validated inside it.
	outcome, err := s.repo.GrantStampAtomic(ctx, card.ID, now, req.Latitude, req.Longitude, s.limiter.Window())
	if err != nil {
		if errors.Is(err, store.ErrStampTooSoon) {
			retryAfter := s.limiter.Window()
			if outcome != nil && outcome.LastStampedAt != nil {
				retryAfter = s.limiter.RetryAfter(outcome.LastStampedAt, now)
			}
			return nil, &TooSoonError{RetryAfter: retryAfter}
		}
		log.Printf("level=error component=service step=grant msg=\"grant transaction failed\" user_id=%s venue_id=%s err=%v", userID, req.VenueID, err)
		return nil, fmt.Errorf("failed to grant stamp: %w", err)
	}
	card.CurrentCount = outcome.NewCount
	card.UpdatedAt = now

	result := &domain.GrantResult{
		Card:           card,
		NewCount:       outcome.NewCount,
		DistanceMeters: distance,
	}

	// The grant has committed; everything below runs on a detached context so
	// caller cancellation cannot make the result inconsistent with the store.
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if s.eventProducer != nil {
		if err := s.eventProducer.PublishStampGranted(postCtx, rabbitmq.StampGrantedEvent{
			UserID:    userID,
			VenueID:   venue.ID,
			CardID:    card.ID,
			NewCount:  outcome.NewCount,
			StampedAt: outcome.Entry.StampedAt,
		}); err != nil {
			log.Printf("level=warn component=service step=publish msg=\"stamp granted event publish failed\" user_id=%s venue_id=%s err=%v", userID, venue.ID, err)
		}
	}

	// 5. Evaluate the threshold crossing. A reward-creation fault must not
	// lose the committed stamp: it is reported on the result instead.
	reward, due := s.issuer.MaybeIssue(userID, venue.ID, outcome.NewCount, template, now)
	if !due {
		return result, nil
	}

	if err := s.repo.CreateReward(postCtx, reward); err != nil {
		log.Printf("level=error component=service step=reward msg=\"reward creation failed after committed grant\" user_id=%s venue_id=%s count=%d err=%v", userID, venue.ID, outcome.NewCount, err)
		result.RewardError = "reward could not be recorded; the stamp still counts"
		return result, nil
	}

	result.RewardIssued = true
	result.Reward = reward

	if s.eventProducer != nil {
		if err := s.eventProducer.PublishRewardIssued(postCtx, rabbitmq.RewardIssuedEvent{
			RewardID:  reward.ID,
			UserID:    userID,
			VenueID:   venue.ID,
			Count:     outcome.NewCount,
			ExpiresAt: reward.ExpiresAt,
			Timestamp: now,
		}); err != nil {
			log.Printf("level=warn component=service step=publish msg=\"reward issued event publish failed\" reward_id=%s err=%v", reward.ID, err)
		}
	}

	return result, nil
}

// GetUserCard returns the card for a (user, venue) pair without creating it.
func (s *Service) GetUserCard(ctx context.Context, userID, venueID uuid.UUID) (*domain.UserCard, error) {
	return s.repo.GetUserCard(ctx, userID, venueID)
}

// ListStampHistory returns a card's ledger, newest first. The requester must
// own the card; foreign cards are indistinguishable from missing ones.
func (s *Service) ListStampHistory(ctx context.Context, requesterID, cardID uuid.UUID) ([]domain.StampLogEntry, error) {
	card, err := s.repo.GetUserCardByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.UserID != requesterID {
		return nil, store.ErrCardNotFound
	}
	return s.repo.ListStampEntries(ctx, cardID)
}

// ListRewards returns a user's rewards, newest first.
func (s *Service) ListRewards(ctx context.Context, userID uuid.UUID) ([]domain.Reward, error) {
	return s.repo.ListRewardsByUserID(ctx, userID)
}
