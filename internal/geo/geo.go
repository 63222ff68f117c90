// Package geo holds the reverse-geocoding contract and small geodesy helpers
// shared by the resolver implementations.
package geo

import (
	"context"
	"errors"
	"math"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// ErrResolutionUnavailable is returned when an address cannot be resolved.
// Callers degrade to coordinates only.
var ErrResolutionUnavailable = errors.New("geo: resolution unavailable")

// Resolver turns coordinates into an address.
type Resolver interface {
	Resolve(ctx context.Context, lat, lon float64) (*incident.Address, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, lat, lon float64) (*incident.Address, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, lat, lon float64) (*incident.Address, error) {
	return f(ctx, lat, lon)
}

const earthRadiusMeters = 6_371_000.0

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}
