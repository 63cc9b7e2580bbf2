package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stampcard/loyalty-service/internal/app"
	"github.com/stampcard/loyalty-service/internal/domain"
	"github.com/stampcard/loyalty-service/internal/store"
)

type venueDirectoryStub struct {
	venue    *domain.Venue
	template *domain.CardTemplate
}

func (s *venueDirectoryStub) GetVenue(ctx context.Context, venueID uuid.UUID) (*domain.Venue, error) {
	return s.venue, nil
}

func (s *venueDirectoryStub) GetCardTemplate(ctx context.Context, venueID uuid.UUID) (*domain.CardTemplate, error) {
	return s.template, nil
}

// newTestRouter wires the handlers behind a router that injects the
// authenticated identity directly, standing in for the JWT middleware.
func newTestRouter(h *LoyaltyHandlers, userID string, bypass bool) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			if userID != "" {
				ctx = context.WithValue(ctx, userIDKey, userID)
				ctx = context.WithValue(ctx, bypassGeofenceKey, bypass)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Post("/checkins", h.CheckInHandler)
	r.Get("/venues/{venueID}/card", h.GetCardHandler)
	r.Get("/cards/{cardID}/stamps", h.ListStampsHandler)
	r.Get("/rewards", h.ListRewardsHandler)
	return r
}

func newTestHandlers() (*LoyaltyHandlers, uuid.UUID) {
	venueID := uuid.New()
	lat := 35.0
	lng := 136.0
	dir := &venueDirectoryStub{
		venue: &domain.Venue{ID: venueID, Name: "Kissaten", Latitude: &lat, Longitude: &lng},
		template: &domain.CardTemplate{
			VenueID:           venueID,
			TargetCount:       5,
			RewardDescription: "Free coffee",
			ExpiryDays:        30,
		},
	}
	svc := app.NewService(store.NewMemoryRepository(), dir, nil, 50, 24*time.Hour, 180)
	return NewLoyaltyHandlers(svc), venueID
}

func checkInBody(t *testing.T, venueID uuid.UUID, lat, lng float64) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"venue_id":  venueID,
		"latitude":  lat,
		"longitude": lng,
	})
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewBuffer(body)
}

func TestCheckInHandler_Granted(t *testing.T) {
	h, venueID := newTestHandlers()
	router := newTestRouter(h, uuid.New().String(), false)

	req := httptest.NewRequest(http.MethodPost, "/checkins", checkInBody(t, venueID, 35.0003, 136.0))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		CardID         string  `json:"card_id"`
		NewCount       int     `json:"new_count"`
		DistanceMeters float64 `json:"distance_meters"`
		RewardIssued   bool    `json:"reward_issued"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.NewCount != 1 {
		t.Fatalf("expected new_count 1, got %d", resp.NewCount)
	}
	if resp.RewardIssued {
		t.Fatal("expected no reward on first stamp")
	}
	if _, err := uuid.Parse(resp.CardID); err != nil {
		t.Fatalf("expected a card id, got %q", resp.CardID)
	}
	if resp.DistanceMeters < 30 || resp.DistanceMeters > 37 {
		t.Fatalf("expected ~33m distance in response, got %f", resp.DistanceMeters)
	}
}

func TestCheckInHandler_TooFar(t *testing.T) {
	h, venueID := newTestHandlers()
	router := newTestRouter(h, uuid.New().String(), false)

	req := httptest.NewRequest(http.MethodPost, "/checkins", checkInBody(t, venueID, 35.01, 136.0))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp rejectionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Reason != "too_far" {
		t.Fatalf("expected reason too_far, got %q", resp.Reason)
	}
	if resp.DistanceMeters == nil || *resp.DistanceMeters < 1000 {
		t.Fatalf("expected the measured distance in the rejection, got %+v", resp.DistanceMeters)
	}
}

func TestCheckInHandler_TooSoonSetsRetryAfter(t *testing.T) {
	h, venueID := newTestHandlers()
	userID := uuid.New().String()
	router := newTestRouter(h, userID, false)

	first := httptest.NewRequest(http.MethodPost, "/checkins", checkInBody(t, venueID, 35.0003, 136.0))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, first)
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup check-in failed with %d: %s", rec.Code, rec.Body.String())
	}

	second := httptest.NewRequest(http.MethodPost, "/checkins", checkInBody(t, venueID, 35.0003, 136.0))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, second)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on the too_soon rejection")
	}

	var resp rejectionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Reason != "too_soon" {
		t.Fatalf("expected reason too_soon, got %q", resp.Reason)
	}
	if resp.RetryAfterSeconds == nil || *resp.RetryAfterSeconds <= 0 {
		t.Fatalf("expected a positive retry_after_seconds, got %+v", resp.RetryAfterSeconds)
	}
}

func TestCheckInHandler_BypassGeofence(t *testing.T) {
	h, venueID := newTestHandlers()
	router := newTestRouter(h, uuid.New().String(), true)

	// Far outside the fence, allowed because the token carries the capability.
	req := httptest.NewRequest(http.MethodPost, "/checkins", checkInBody(t, venueID, 35.01, 136.0))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 under bypass, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCheckInHandler_BadRequests(t *testing.T) {
	h, venueID := newTestHandlers()
	router := newTestRouter(h, uuid.New().String(), false)

	tests := []struct {
		name string
		body *bytes.Buffer
	}{
		{name: "invalid json", body: bytes.NewBufferString("{not json")},
		{name: "missing venue id", body: checkInBody(t, uuid.Nil, 35.0, 136.0)},
		{name: "latitude out of range", body: checkInBody(t, venueID, 91.0, 136.0)},
		{name: "longitude out of range", body: checkInBody(t, venueID, 35.0, 181.0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/checkins", tt.body)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCheckInHandler_Unauthenticated(t *testing.T) {
	h, venueID := newTestHandlers()
	router := newTestRouter(h, "", false)

	req := httptest.NewRequest(http.MethodPost, "/checkins", checkInBody(t, venueID, 35.0003, 136.0))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rec.Code)
	}
}

func TestGetCardHandler(t *testing.T) {
	h, venueID := newTestHandlers()
	userID := uuid.New().String()
	router := newTestRouter(h, userID, false)

	// No card yet.
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/venues/%s/card", venueID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first check-in, got %d", rec.Code)
	}

	checkIn := httptest.NewRequest(http.MethodPost, "/checkins", checkInBody(t, venueID, 35.0003, 136.0))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, checkIn)
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup check-in failed with %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/venues/%s/card", venueID), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var card domain.UserCard
	if err := json.NewDecoder(rec.Body).Decode(&card); err != nil {
		t.Fatalf("failed to decode card: %v", err)
	}
	if card.CurrentCount != 1 {
		t.Fatalf("expected current_count 1, got %d", card.CurrentCount)
	}
}

func TestListStampsHandler_ForeignCardLooksMissing(t *testing.T) {
	h, venueID := newTestHandlers()
	owner := uuid.New().String()
	ownerRouter := newTestRouter(h, owner, false)

	checkIn := httptest.NewRequest(http.MethodPost, "/checkins", checkInBody(t, venueID, 35.0003, 136.0))
	rec := httptest.NewRecorder()
	ownerRouter.ServeHTTP(rec, checkIn)
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup check-in failed with %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		CardID string `json:"card_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// The owner sees the history.
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/cards/%s/stamps", resp.CardID), nil)
	rec = httptest.NewRecorder()
	ownerRouter.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the owner, got %d", rec.Code)
	}
	var entries []domain.StampLogEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("failed to decode entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	// Anyone else gets a 404, not a 403, so card ids are not probeable.
	strangerRouter := newTestRouter(h, uuid.New().String(), false)
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/cards/%s/stamps", resp.CardID), nil)
	rec = httptest.NewRecorder()
	strangerRouter.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a stranger, got %d", rec.Code)
	}
}

func TestListRewardsHandler_EmptyIsAnArray(t *testing.T) {
	h, _ := newTestHandlers()
	router := newTestRouter(h, uuid.New().String(), false)

	req := httptest.NewRequest(http.MethodGet, "/rewards", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Fatalf("expected an empty JSON array, got %q", body)
	}
}
