/**
 * @description
 * This file contains the HTTP handlers for the loyalty-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They map the
 * engine's rejection errors to actionable 4xx responses with machine-readable
 * reasons, and its faults to generic 5xx responses.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stampcard/loyalty-service/internal/app"
	"github.com/stampcard/loyalty-service/internal/domain"
	"github.com/stampcard/loyalty-service/internal/store"
)

// LoyaltyHandlers holds the application service that handlers will use.
type LoyaltyHandlers struct {
	service *app.Service
}

// NewLoyaltyHandlers creates a new instance of LoyaltyHandlers.
func NewLoyaltyHandlers(service *app.Service) *LoyaltyHandlers {
	return &LoyaltyHandlers{service: service}
}

// checkInResponse is sent back to the client after a successful check-in.
type checkInResponse struct {
	CardID         string         `json:"card_id"`
	NewCount       int            `json:"new_count"`
	DistanceMeters float64        `json:"distance_meters"`
	RewardIssued   bool           `json:"reward_issued"`
	Reward         *domain.Reward `json:"reward,omitempty"`
	Warning        string         `json:"warning,omitempty"`
}

// rejectionResponse is the machine-readable body for expected rejections.
type rejectionResponse struct {
	Reason            string   `json:"reason"`
	Message           string   `json:"message"`
	DistanceMeters    *float64 `json:"distance_meters,omitempty"`
	RetryAfterSeconds *int     `json:"retry_after_seconds,omitempty"`
}

// CheckInHandler handles requests to grant a stamp at a venue.
func (h *LoyaltyHandlers) CheckInHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var req domain.CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=checkin outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.VenueID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "venue_id is required")
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		h.writeError(w, http.StatusBadRequest, "Invalid coordinates")
		return
	}

	bypass := GetBypassGeofence(r.Context())
	result, err := h.service.GrantStamp(r.Context(), userID, req, bypass)
	if err != nil {
		h.writeGrantError(w, userID, req.VenueID, err)
		return
	}

	log.Printf("level=info component=api endpoint=checkin outcome=granted user_id=%s venue_id=%s new_count=%d reward_issued=%t", userID, req.VenueID, result.NewCount, result.RewardIssued)
	h.writeJSON(w, http.StatusCreated, checkInResponse{
		CardID:         result.Card.ID.String(),
		NewCount:       result.NewCount,
		DistanceMeters: result.DistanceMeters,
		RewardIssued:   result.RewardIssued,
		Reward:         result.Reward,
		Warning:        result.RewardError,
	})
}

// writeGrantError maps engine errors to HTTP responses. Rejections carry a
// machine-readable reason; faults stay generic.
func (h *LoyaltyHandlers) writeGrantError(w http.ResponseWriter, userID, venueID uuid.UUID, err error) {
	var tooFar *app.TooFarError
	if errors.As(err, &tooFar) {
		log.Printf("level=info component=api endpoint=checkin outcome=reject reason=too_far user_id=%s venue_id=%s distance_m=%.1f", userID, venueID, tooFar.DistanceMeters)
		distance := tooFar.DistanceMeters
		h.writeJSON(w, http.StatusForbidden, rejectionResponse{
			Reason:         "too_far",
			Message:        "You are too far from the venue. Move closer and try again.",
			DistanceMeters: &distance,
		})
		return
	}

	var tooSoon *app.TooSoonError
	if errors.As(err, &tooSoon) {
		retryAfter := int(math.Ceil(tooSoon.RetryAfter.Seconds()))
		log.Printf("level=info component=api endpoint=checkin outcome=reject reason=too_soon user_id=%s venue_id=%s retry_after_s=%d", userID, venueID, retryAfter)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		h.writeJSON(w, http.StatusConflict, rejectionResponse{
			Reason:            "too_soon",
			Message:           "You already checked in recently. Come back later.",
			RetryAfterSeconds: &retryAfter,
		})
		return
	}

	var rateLimited *app.RateLimitedError
	if errors.As(err, &rateLimited) {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", rateLimited.RetryAfterSeconds))
		h.writeJSON(w, http.StatusTooManyRequests, rejectionResponse{
			Reason:            "rate_limited",
			Message:           "Too many check-in attempts. Slow down.",
			RetryAfterSeconds: &rateLimited.RetryAfterSeconds,
		})
		return
	}

	switch {
	case errors.Is(err, app.ErrVenueNotFound):
		h.writeJSON(w, http.StatusNotFound, rejectionResponse{
			Reason:  "venue_not_found",
			Message: "Venue not found.",
		})
	case errors.Is(err, app.ErrVenueLocationMissing):
		log.Printf("level=warn component=api endpoint=checkin outcome=reject reason=venue_location_missing venue_id=%s", venueID)
		h.writeJSON(w, http.StatusUnprocessableEntity, rejectionResponse{
			Reason:  "venue_location_missing",
			Message: "This venue cannot accept check-ins yet.",
		})
	case errors.Is(err, app.ErrNoProgramConfigured):
		h.writeJSON(w, http.StatusNotFound, rejectionResponse{
			Reason:  "no_program_configured",
			Message: "This venue does not run a loyalty program.",
		})
	default:
		log.Printf("level=error component=api endpoint=checkin outcome=failed user_id=%s venue_id=%s err=%v", userID, venueID, err)
		h.writeError(w, http.StatusInternalServerError, "Check-in failed. Please try again.")
	}
}

// GetCardHandler returns the caller's card for a venue.
func (h *LoyaltyHandlers) GetCardHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	venueID, err := uuid.Parse(chi.URLParam(r, "venueID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid venue ID format")
		return
	}

	card, err := h.service.GetUserCard(r.Context(), userID, venueID)
	if err != nil {
		if errors.Is(err, store.ErrCardNotFound) {
			h.writeError(w, http.StatusNotFound, "No card for this venue")
			return
		}
		log.Printf("level=error component=api endpoint=get_card outcome=failed user_id=%s venue_id=%s err=%v", userID, venueID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load card")
		return
	}

	h.writeJSON(w, http.StatusOK, card)
}

// ListStampsHandler returns the stamp history for one of the caller's cards,
// newest first.
func (h *LoyaltyHandlers) ListStampsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	cardID, err := uuid.Parse(chi.URLParam(r, "cardID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid card ID format")
		return
	}

	entries, err := h.service.ListStampHistory(r.Context(), userID, cardID)
	if err != nil {
		if errors.Is(err, store.ErrCardNotFound) {
			h.writeError(w, http.StatusNotFound, "Card not found")
			return
		}
		log.Printf("level=error component=api endpoint=list_stamps outcome=failed user_id=%s card_id=%s err=%v", userID, cardID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load stamp history")
		return
	}

	if entries == nil {
		entries = []domain.StampLogEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// ListRewardsHandler returns the caller's rewards, newest first.
func (h *LoyaltyHandlers) ListRewardsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	rewards, err := h.service.ListRewards(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_rewards outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load rewards")
		return
	}

	if rewards == nil {
		rewards = []domain.Reward{}
	}
	h.writeJSON(w, http.StatusOK, rewards)
}

// authenticatedUserID extracts and parses the authenticated user id placed on
// the context by the auth middleware.
func (h *LoyaltyHandlers) authenticatedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id user_id=%s", userIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// writeJSON is a helper for writing JSON responses.
func (h *LoyaltyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LoyaltyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
