// Package units provides shared constants and conversions for distance and
// speed units used by the API and dashboard.
package units

import "strings"

// Distance unit constants
const (
	Metres      = "m"
	Centimetres = "cm"
	Feet        = "ft"
)

// ValidUnits contains all valid distance unit values
var ValidUnits = []string{Metres, Centimetres, Feet}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertDistance converts a distance in metres to the target units.
// The controller stores every distance in metres.
func ConvertDistance(metres float64, targetUnits string) float64 {
	switch targetUnits {
	case Centimetres:
		return metres * 100
	case Feet:
		return metres * 3.28084
	default:
		return metres
	}
}

// ConvertSpeed converts metres per second into target distance units per
// second.
func ConvertSpeed(mps float64, targetUnits string) float64 {
	return ConvertDistance(mps, targetUnits)
}

// NormaliseDegrees wraps an angle into [0, 360).
func NormaliseDegrees(deg float64) float64 {
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	return deg
}

// WrapDegrees wraps an angle difference into (-180, 180].
func WrapDegrees(deg float64) float64 {
	deg = NormaliseDegrees(deg)
	if deg > 180 {
		deg -= 360
	}
	return deg
}
