package grid

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/models"
)

func box(minLat, minLon, maxLat, maxLon float64) models.BoundingBox {
	return models.BoundingBox{
		BottomLeft: models.Location{Lat: minLat, Lon: minLon},
		TopRight:   models.Location{Lat: maxLat, Lon: maxLon},
	}
}

func TestGenerateDeterministic(t *testing.T) {
	b := box(30.10, -97.90, 30.44, -97.56) // Austin-sized window

	first, err := Generate(b, 500)
	require.NoError(t, err)
	second, err := Generate(b, 500)
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestGenerateRespectsMaxPoints(t *testing.T) {
	testCases := []struct {
		name      string
		b         models.BoundingBox
		maxPoints int
	}{
		{"small window", box(30.0, -97.0, 30.1, -96.9), 100},
		{"city window", box(35.10, -81.00, 35.36, -80.74), 600},
		{"wide metro", box(39.60, -105.20, 39.90, -104.70), 250},
		{"tight budget", box(27.80, -82.60, 28.10, -82.30), 16},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			points, err := Generate(tc.b, tc.maxPoints)
			require.NoError(t, err)
			assert.NotEmpty(t, points)
			assert.LessOrEqual(t, len(points), tc.maxPoints)
			for _, p := range points {
				assert.True(t, tc.b.Contains(p.Location()), "point (%f, %f) outside bounds", p.Latitude, p.Longitude)
			}
		})
	}
}

func TestGenerateSpacingFloor(t *testing.T) {
	// A tiny window with a huge budget would demand sub-floor spacing;
	// the floor keeps the lattice coarse instead.
	b := box(30.000, -97.000, 30.010, -96.990)

	points, err := Generate(b, 10000)
	require.NoError(t, err)
	assert.NotEmpty(t, points)
	assert.LessOrEqual(t, len(points), 9) // 3x3 at the 0.004 floor

	for i := 1; i < len(points); i++ {
		dLat := points[i].Latitude - points[i-1].Latitude
		dLon := points[i].Longitude - points[i-1].Longitude
		if dLat == 0 {
			assert.GreaterOrEqual(t, dLon, MinSpacing-1e-9)
		}
	}
}

func TestGenerateOrdering(t *testing.T) {
	points, err := Generate(box(30.0, -97.0, 30.02, -96.98), 100)
	require.NoError(t, err)
	require.NotEmpty(t, points)

	// South to north in the outer loop, west to east in the inner loop.
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		if cur.Latitude == prev.Latitude {
			assert.Greater(t, cur.Longitude, prev.Longitude)
		} else {
			assert.Greater(t, cur.Latitude, prev.Latitude)
		}
	}
}

func TestGenerateExampleScenario(t *testing.T) {
	// 0.1 x 0.1 degree box with a budget of 100 points.
	points, err := Generate(box(30.0, -97.0, 30.1, -96.9), 100)
	require.NoError(t, err)
	assert.NotEmpty(t, points)
	assert.LessOrEqual(t, len(points), 100)
}

func TestGenerateInvalidInput(t *testing.T) {
	testCases := []struct {
		name      string
		b         models.BoundingBox
		maxPoints int
	}{
		{"inverted latitude", box(31.0, -97.0, 30.0, -96.0), 100},
		{"inverted longitude", box(30.0, -96.0, 31.0, -97.0), 100},
		{"degenerate box", box(30.0, -97.0, 30.0, -97.0), 100},
		{"zero budget", box(30.0, -97.0, 31.0, -96.0), 0},
		{"negative budget", box(30.0, -97.0, 31.0, -96.0), -5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Generate(tc.b, tc.maxPoints)
			require.Error(t, err)
			var cfgErr *config.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestGenerateForCityAppliesConfiguredSpacing(t *testing.T) {
	r := config.NewRegistry()
	city, err := r.Get("tampa")
	require.NoError(t, err)

	points, err := GenerateForCity(city, 5000)
	require.NoError(t, err)
	require.NotEmpty(t, points)

	// With a generous budget the city's own spacing becomes the limit.
	var rowLats []float64
	seen := map[float64]bool{}
	for _, p := range points {
		if !seen[p.Latitude] {
			seen[p.Latitude] = true
			rowLats = append(rowLats, p.Latitude)
		}
	}
	require.Greater(t, len(rowLats), 1)
	assert.InDelta(t, city.Bounds.GridSpacing, rowLats[1]-rowLats[0], 1e-9)
}

func BenchmarkGenerate(b *testing.B) {
	budgets := []int{1000, 10000, 100000}
	window := box(39.60, -105.20, 39.90, -104.70)

	for _, budget := range budgets {
		b.Run(fmt.Sprintf("%d_points", budget), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, _ = Generate(window, budget)
			}
		})
	}
}
