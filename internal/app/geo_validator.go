/**
 * @description
 * This file implements the geofence validation for check-ins. It computes the
 * great-circle distance between the device-reported position and the venue's
 * registered position and accepts the check-in only inside the configured
 * radius.
 *
 * @dependencies
 * - errors, math: Standard Go libraries.
 * - internal/domain: For the venue model.
 */

package app

import (
	"errors"
	"math"

	"github.com/stampcard/loyalty-service/internal/domain"
)

const (
	// earthRadiusMeters is the spherical-earth approximation used by the
	// haversine formula.
	earthRadiusMeters = 6371000.0

	// DefaultGeofenceRadiusMeters applies when no radius is configured.
	DefaultGeofenceRadiusMeters = 50.0
)

var (
	ErrVenueLocationMissing = errors.New("venue has no registered location")
	ErrOutsideGeofence      = errors.New("device is outside the venue geofence")
)

// GeoValidator decides whether a device-reported position is close enough to
// a venue to accept a check-in. It is a pure function of its inputs.
type GeoValidator struct {
	radiusMeters float64
}

// NewGeoValidator creates a validator with the given radius in meters.
// A non-positive radius falls back to the default.
func NewGeoValidator(radiusMeters float64) *GeoValidator {
	if radiusMeters <= 0 {
		radiusMeters = DefaultGeofenceRadiusMeters
	}
	return &GeoValidator{radiusMeters: radiusMeters}
}

// RadiusMeters returns the configured geofence radius.
func (g *GeoValidator) RadiusMeters() float64 {
	return g.radiusMeters
}

// Validate computes the distance between the device and the venue and checks
// it against the radius. When bypass is true (an operator capability asserted
// by the auth layer, never inferred from request data) the distance check is
// skipped but the measured distance is still returned for logging.
func (g *GeoValidator) Validate(venue *domain.Venue, userLat, userLng float64, bypass bool) (float64, error) {
	if venue == nil || venue.Latitude == nil || venue.Longitude == nil {
		return 0, ErrVenueLocationMissing
	}

	distance := haversineMeters(*venue.Latitude, *venue.Longitude, userLat, userLng)
	if bypass {
		return distance, nil
	}
	if distance > g.radiusMeters {
		return distance, ErrOutsideGeofence
	}
	return distance, nil
}

// haversineMeters returns the great-circle distance in meters between two
// points given in degrees.
func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lng2 - lng1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
