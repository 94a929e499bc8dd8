// Package features merges grid points with fetched demographic, competitor,
// and traffic data into complete model-ready feature rows. Rows that cannot
// be fully resolved are dropped and accounted for, never zero-filled.
package features

import (
	"log/slog"
	"math"

	"github.com/kass/sitescout/pkg/config"
	"github.com/kass/sitescout/pkg/fetch"
	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/spatial"
)

// Degrees-to-miles conversion used for the distance-from-center feature.
const milesPerDegree = 69.0

// Radius in miles that defines a grid point's local competition.
const competitionRadiusMiles = 1.5

// Drop reasons tracked in BuildStats.
const (
	reasonNoRegion     = "no demographic region"
	reasonNoTraffic    = "no traffic sample"
	reasonNoCompetitor = "no competitor reference"
	reasonNonFinite    = "non-finite feature"
)

// BuildStats accounts for every grid point that entered feature engineering.
type BuildStats struct {
	Built   int
	Dropped int
	Reasons map[string]int
}

// Engineer builds feature rows for a city's grid.
type Engineer struct {
	logger *slog.Logger
}

// Option configures an Engineer.
type Option func(*Engineer)

// WithLogger sets the logger used for row-drop diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engineer) { e.logger = l }
}

// NewEngineer creates an Engineer.
func NewEngineer(opts ...Option) *Engineer {
	e := &Engineer{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Build resolves one feature row per grid point from the fetched bundle.
// Demographics and traffic resolve to the nearest fetched unit; competitor
// distance and density come from an R-Tree over the competitor set. Points
// with unresolved or non-finite fields are dropped and counted.
func (e *Engineer) Build(points []models.GridPoint, bundle fetch.Bundle, city config.CityConfig) ([]models.FeatureRow, BuildStats, error) {
	stats := BuildStats{Reasons: make(map[string]int)}

	index := spatial.NewCompetitorIndex()
	if err := index.IndexRecords(bundle.Competitors.Records); err != nil {
		return nil, stats, err
	}

	center := city.Bounds.Center()
	rows := make([]models.FeatureRow, 0, len(points))

	for _, point := range points {
		loc := point.Location()

		region, ok := nearestRegion(loc, bundle.Demographics.Records)
		if !ok {
			e.drop(&stats, loc, reasonNoRegion)
			continue
		}
		sample, ok := nearestSample(loc, bundle.Traffic.Records)
		if !ok {
			e.drop(&stats, loc, reasonNoTraffic)
			continue
		}
		_, competitorMiles, ok := index.Nearest(loc)
		if !ok {
			e.drop(&stats, loc, reasonNoCompetitor)
			continue
		}
		density := float64(index.CountWithin(loc, competitionRadiusMiles))

		dLat := point.Latitude - center.Lat
		dLon := point.Longitude - center.Lon
		distanceFromCenter := math.Sqrt(dLat*dLat+dLon*dLon) * milesPerDegree

		row := models.FeatureRow{
			Latitude:                     point.Latitude,
			Longitude:                    point.Longitude,
			MedianIncome:                 region.Profile.MedianIncome,
			MedianAge:                    region.Profile.MedianAge,
			PopulationDensity:            region.Profile.PopulationDensity,
			TrafficScore:                 sample.TrafficScore,
			CommercialScore:              sample.CommercialScore,
			DistanceToCompetitor:         competitorMiles,
			CompetitionDensity:           density,
			DistanceFromCenter:           distanceFromCenter,
			IncomeAgeInteraction:         region.Profile.MedianIncome * region.Profile.MedianAge,
			TrafficCommercialInteraction: sample.TrafficScore * sample.CommercialScore,
			CompetitionPressure:          density / (competitorMiles + 0.1),
			MarketSaturation:             city.Competitors.MarketSaturation,
			PreferenceScore:              city.Competitors.PreferenceScore,
		}

		if !finite(row) {
			e.drop(&stats, loc, reasonNonFinite)
			continue
		}

		rows = append(rows, row)
		stats.Built++
	}

	return rows, stats, nil
}

func (e *Engineer) drop(stats *BuildStats, loc models.Location, reason string) {
	stats.Dropped++
	stats.Reasons[reason]++
	e.logger.Debug("dropped grid point", "lat", loc.Lat, "lon", loc.Lon, "reason", reason)
}

// nearestRegion returns the region whose centroid is closest to the location.
func nearestRegion(loc models.Location, regions []models.RegionProfile) (models.RegionProfile, bool) {
	var best models.RegionProfile
	bestDist := math.Inf(1)
	for _, region := range regions {
		if d := squaredDegreeDistance(loc, region.Location); d < bestDist {
			bestDist = d
			best = region
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

// nearestSample returns the traffic sample closest to the location.
func nearestSample(loc models.Location, samples []models.TrafficSample) (models.TrafficSample, bool) {
	var best models.TrafficSample
	bestDist := math.Inf(1)
	for _, sample := range samples {
		if d := squaredDegreeDistance(loc, sample.Location); d < bestDist {
			bestDist = d
			best = sample
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

// squaredDegreeDistance is sufficient for nearest-of ordering at city scale.
func squaredDegreeDistance(a, b models.Location) float64 {
	dLat := a.Lat - b.Lat
	dLon := a.Lon - b.Lon
	return dLat*dLat + dLon*dLon
}

func finite(row models.FeatureRow) bool {
	for _, v := range append(row.Vector(), row.Latitude, row.Longitude) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
