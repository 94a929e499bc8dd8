package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/fetch"
	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/spatial"
)

var (
	southwestPoint = models.GridPoint{Latitude: 30.21, Longitude: -97.79}
	northeastPoint = models.GridPoint{Latitude: 30.39, Longitude: -97.61}
)

func testBundle() fetch.Bundle {
	return fetch.Bundle{
		Demographics: fetch.Dataset[models.RegionProfile]{
			Source:     "census",
			Provenance: models.ProvenanceLive,
			Records: []models.RegionProfile{
				{
					Location: models.Location{Lat: 30.20, Lon: -97.80},
					Profile:  models.DemographicProfile{MedianIncome: 55000, MedianAge: 30, PopulationDensity: 6000, Households: 9000},
				},
				{
					Location: models.Location{Lat: 30.40, Lon: -97.60},
					Profile:  models.DemographicProfile{MedianIncome: 98000, MedianAge: 41, PopulationDensity: 3000, Households: 7000},
				},
			},
		},
		Competitors: fetch.Dataset[models.CompetitorRecord]{
			Source:     "overpass",
			Provenance: models.ProvenanceLive,
			Records: []models.CompetitorRecord{
				{Name: "McDonald's", Latitude: 30.22, Longitude: -97.78, Rating: 3.5, ReviewCount: 800, Category: "fast_food"},
				{Name: "KFC", Latitude: 30.35, Longitude: -97.65, Rating: 3.2, ReviewCount: 400, Category: "fast_food"},
			},
		},
		Traffic: fetch.Dataset[models.TrafficSample]{
			Source:     "traffic",
			Provenance: models.ProvenanceLive,
			Records: []models.TrafficSample{
				{Location: models.Location{Lat: 30.20, Lon: -97.80}, TrafficScore: 45, CommercialScore: 38},
				{Location: models.Location{Lat: 30.40, Lon: -97.60}, TrafficScore: 82, CommercialScore: 71},
			},
		},
	}
}

func austin(t *testing.T) config.CityConfig {
	t.Helper()
	city, err := config.NewRegistry().Get("austin")
	require.NoError(t, err)
	return *city
}

func TestBuildResolvesNearestUnits(t *testing.T) {
	city := austin(t)
	points := []models.GridPoint{southwestPoint, northeastPoint}

	rows, stats, err := NewEngineer().Build(points, testBundle(), city)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, stats.Built)
	assert.Equal(t, 0, stats.Dropped)

	// Southwest point resolves to the southwest region and sample
	assert.Equal(t, 55000.0, rows[0].MedianIncome)
	assert.Equal(t, 30.0, rows[0].MedianAge)
	assert.Equal(t, 45.0, rows[0].TrafficScore)

	// Northeast point resolves to the northeast region and sample
	assert.Equal(t, 98000.0, rows[1].MedianIncome)
	assert.Equal(t, 82.0, rows[1].TrafficScore)

	// Config-level factors are carried onto every row
	assert.Equal(t, city.Competitors.MarketSaturation, rows[0].MarketSaturation)
	assert.Equal(t, city.Competitors.PreferenceScore, rows[0].PreferenceScore)
}

func TestBuildDerivedFeatures(t *testing.T) {
	city := austin(t)
	points := []models.GridPoint{southwestPoint}

	rows, _, err := NewEngineer().Build(points, testBundle(), city)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]

	assert.InDelta(t, 55000.0*30.0, row.IncomeAgeInteraction, 1e-9)
	assert.InDelta(t, 45.0*38.0, row.TrafficCommercialInteraction, 1e-9)

	center := city.Bounds.Center()
	dLat := southwestPoint.Latitude - center.Lat
	dLon := southwestPoint.Longitude - center.Lon
	wantCenterDist := math.Sqrt(dLat*dLat+dLon*dLon) * 69.0
	assert.InDelta(t, wantCenterDist, row.DistanceFromCenter, 1e-9)

	// McDonald's is the nearest competitor, about a mile out, and the only
	// one inside the competition radius
	wantMiles := spatial.DistanceMiles(southwestPoint.Latitude, southwestPoint.Longitude, 30.22, -97.78)
	assert.InDelta(t, wantMiles, row.DistanceToCompetitor, 1e-9)
	assert.Equal(t, 1.0, row.CompetitionDensity)
	assert.InDelta(t, 1.0/(wantMiles+0.1), row.CompetitionPressure, 1e-9)
}

func TestBuildDropsWhenNoCompetitors(t *testing.T) {
	bundle := testBundle()
	bundle.Competitors.Records = nil
	points := []models.GridPoint{southwestPoint, northeastPoint}

	rows, stats, err := NewEngineer().Build(points, bundle, austin(t))
	require.NoError(t, err)

	assert.Empty(t, rows)
	assert.Equal(t, 0, stats.Built)
	assert.Equal(t, 2, stats.Dropped)
	assert.Equal(t, 2, stats.Reasons[reasonNoCompetitor])
}

func TestBuildDropsWhenNoDemographics(t *testing.T) {
	bundle := testBundle()
	bundle.Demographics.Records = nil

	rows, stats, err := NewEngineer().Build([]models.GridPoint{southwestPoint}, bundle, austin(t))
	require.NoError(t, err)

	assert.Empty(t, rows)
	assert.Equal(t, 1, stats.Reasons[reasonNoRegion])
}

func TestBuildDropsNonFiniteRows(t *testing.T) {
	bundle := testBundle()
	bundle.Demographics.Records[0].Profile.MedianIncome = math.NaN()
	points := []models.GridPoint{southwestPoint, northeastPoint}

	rows, stats, err := NewEngineer().Build(points, bundle, austin(t))
	require.NoError(t, err)

	// The poisoned region only affects the point that resolves to it
	require.Len(t, rows, 1)
	assert.Equal(t, 98000.0, rows[0].MedianIncome)
	assert.Equal(t, 1, stats.Built)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 1, stats.Reasons[reasonNonFinite])
}

func TestBuildAccountsForEveryPoint(t *testing.T) {
	bundle := testBundle()
	bundle.Traffic.Records = nil
	points := []models.GridPoint{southwestPoint, northeastPoint}

	rows, stats, err := NewEngineer().Build(points, bundle, austin(t))
	require.NoError(t, err)

	assert.Len(t, rows, stats.Built)
	assert.Equal(t, len(points), stats.Built+stats.Dropped)
	assert.Equal(t, 2, stats.Reasons[reasonNoTraffic])
}
