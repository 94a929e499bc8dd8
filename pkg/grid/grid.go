// Package grid generates the candidate-site lattice for a city's bounds.
// Generation is pure: the same bounds and limits always produce the same
// ordered point set.
package grid

import (
	"fmt"
	"math"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/models"
)

// MinSpacing is the floor on lattice spacing in degrees. It bounds the total
// point count on large cities regardless of the requested density.
const MinSpacing = 0.004

// Spacing computes the adaptive lattice spacing for the bounds: wide enough
// that roughly maxPoints cells cover the area, never below MinSpacing.
func Spacing(b models.BoundingBox, maxPoints int) float64 {
	latSpan := b.TopRight.Lat - b.BottomLeft.Lat
	lonSpan := b.TopRight.Lon - b.BottomLeft.Lon
	spacing := math.Sqrt(latSpan * lonSpan / float64(maxPoints))
	if spacing < MinSpacing {
		spacing = MinSpacing
	}
	return spacing
}

// Generate produces the candidate lattice covering the bounds, ordered
// south to north, west to east. The result is non-empty for valid bounds
// and never exceeds maxPoints.
func Generate(b models.BoundingBox, maxPoints int) ([]models.GridPoint, error) {
	if err := validate(b, maxPoints); err != nil {
		return nil, err
	}
	return generate(b, Spacing(b, maxPoints), maxPoints), nil
}

// GenerateForCity is Generate with the city's configured spacing applied as
// an additional floor, matching per-city density preferences.
func GenerateForCity(city *config.CityConfig, maxPoints int) ([]models.GridPoint, error) {
	b := city.Bounds.Box()
	if err := validate(b, maxPoints); err != nil {
		return nil, err
	}
	spacing := Spacing(b, maxPoints)
	if city.Bounds.GridSpacing > spacing {
		spacing = city.Bounds.GridSpacing
	}
	return generate(b, spacing, maxPoints), nil
}

func validate(b models.BoundingBox, maxPoints int) error {
	if maxPoints <= 0 {
		return &config.ConfigurationError{Field: "max_points", Reason: "must be positive"}
	}
	coords := []float64{b.BottomLeft.Lat, b.BottomLeft.Lon, b.TopRight.Lat, b.TopRight.Lon}
	for _, v := range coords {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &config.ConfigurationError{Field: "bounds", Reason: "coordinates must be finite"}
		}
	}
	if b.BottomLeft.Lat >= b.TopRight.Lat || b.BottomLeft.Lon >= b.TopRight.Lon {
		return &config.ConfigurationError{
			Field:  "bounds",
			Reason: fmt.Sprintf("min corner (%.4f, %.4f) must be south-west of max corner (%.4f, %.4f)", b.BottomLeft.Lat, b.BottomLeft.Lon, b.TopRight.Lat, b.TopRight.Lon),
		}
	}
	return nil
}

func generate(b models.BoundingBox, spacing float64, maxPoints int) []models.GridPoint {
	latSpan := b.TopRight.Lat - b.BottomLeft.Lat
	lonSpan := b.TopRight.Lon - b.BottomLeft.Lon

	rows := int(latSpan/spacing) + 1
	cols := int(lonSpan/spacing) + 1

	// The +1 on each axis can overshoot the budget; widen once by the exact
	// overshoot ratio before falling back to trimming the tail.
	if rows*cols > maxPoints {
		spacing *= math.Sqrt(float64(rows*cols) / float64(maxPoints))
		rows = int(latSpan/spacing) + 1
		cols = int(lonSpan/spacing) + 1
	}

	points := make([]models.GridPoint, 0, rows*cols)
	for i := 0; i < rows; i++ {
		lat := b.BottomLeft.Lat + float64(i)*spacing
		for j := 0; j < cols; j++ {
			points = append(points, models.GridPoint{
				Latitude:  lat,
				Longitude: b.BottomLeft.Lon + float64(j)*spacing,
			})
		}
	}
	if len(points) > maxPoints {
		points = points[:maxPoints]
	}
	return points
}
