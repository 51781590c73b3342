package domain

import (
	"fmt"
	"math"
	"strings"
)

// ValidateCoordinates rejects missing, non-finite, out-of-range and
// null-island coordinates with ErrGeometry.
func ValidateCoordinates(lat, lon float64) error {
	switch {
	case math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0):
		return fmt.Errorf("%w: non-finite coordinate", ErrGeometry)
	case lat < -90 || lat > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrGeometry, lat)
	case lon < -180 || lon > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrGeometry, lon)
	case lat == 0 && lon == 0:
		return fmt.Errorf("%w: zero coordinate", ErrGeometry)
	}
	return nil
}

// ValidateStop validates a stop before it becomes a graph node.
func ValidateStop(s Stop) error {
	if strings.TrimSpace(s.ID) == "" {
		return NewRecordError("stop", s.ID, "id", ErrSchema)
	}
	if err := ValidateCoordinates(s.Lat, s.Lon); err != nil {
		return NewRecordError("stop", s.ID, "lat/lon", err)
	}
	return nil
}

// ValidateComplaint validates a normalized complaint before it is stored.
func ValidateComplaint(c Complaint) error {
	if strings.TrimSpace(c.Protocol) == "" {
		return NewRecordError("complaint", c.Protocol, "protocol", ErrSchema)
	}
	if c.OpenedAt.IsZero() {
		return NewRecordError("complaint", c.Protocol, "opened_at", ErrSchema)
	}
	if err := ValidateCoordinates(c.Lat, c.Lon); err != nil {
		return NewRecordError("complaint", c.Protocol, "lat/lon", err)
	}
	return nil
}
