package dedup

import (
	"fmt"
	"math"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

const metersPerDegreeLat = 111_320.0

// ClusterKey quantizes a location onto a grid of roughly cellMeters square
// cells. Longitude cells widen with latitude so cells stay square on the
// ground. Unlocated candidates key on their source.
func ClusterKey(loc *incident.Location, sourceID string, cellMeters float64) string {
	if loc == nil {
		return SourceKey(sourceID)
	}
	dLat := cellMeters / metersPerDegreeLat
	latCell := int64(math.Floor(loc.Lat / dLat))

	center := (float64(latCell) + 0.5) * dLat
	cos := math.Max(math.Cos(center*math.Pi/180), 0.01)
	dLon := cellMeters / (metersPerDegreeLat * cos)
	lonCell := int64(math.Floor(loc.Lon / dLon))

	return fmt.Sprintf("g:%d:%d", latCell, lonCell)
}

// SourceKey is the cluster key for candidates without a location.
func SourceKey(sourceID string) string {
	return "src:" + sourceID
}
