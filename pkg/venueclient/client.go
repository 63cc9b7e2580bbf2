/**
 * @description
 * This package provides a client for the venue-service, the owner of venue
 * metadata and per-venue loyalty card templates. The loyalty engine only ever
 * reads these; all writes happen in the venue-service.
 */
package venueclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stampcard/loyalty-service/internal/domain"
)

var (
	// ErrVenueNotFound is returned when the venue-service has no such venue.
	ErrVenueNotFound = errors.New("venue not found")
	// ErrNoProgramConfigured is returned when the venue exists but runs no
	// loyalty program (no card template).
	ErrNoProgramConfigured = errors.New("venue has no loyalty program configured")
)

// Client is a client for the venue service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new venue service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetVenue fetches a venue's read-only projection, including its registered
// coordinates (which may be absent for venues not yet geocoded).
func (c *Client) GetVenue(ctx context.Context, venueID uuid.UUID) (*domain.Venue, error) {
	var venue domain.Venue
	if err := c.get(ctx, fmt.Sprintf("/internal/venues/%s", venueID), ErrVenueNotFound, &venue); err != nil {
		return nil, err
	}
	return &venue, nil
}

// GetCardTemplate fetches the loyalty program configuration for a venue.
func (c *Client) GetCardTemplate(ctx context.Context, venueID uuid.UUID) (*domain.CardTemplate, error) {
	var template domain.CardTemplate
	if err := c.get(ctx, fmt.Sprintf("/internal/venues/%s/card-template", venueID), ErrNoProgramConfigured, &template); err != nil {
		return nil, err
	}
	return &template, nil
}

func (c *Client) get(ctx context.Context, path string, notFoundErr error, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("venue service base url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to venue service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return notFoundErr
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("venue service returned error status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode venue service response: %w", err)
	}
	return nil
}
