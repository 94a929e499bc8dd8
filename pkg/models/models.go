package models

import "time"

// Location represents a geographic location with latitude and longitude
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BoundingBox represents a rectangular area defined by two corners
type BoundingBox struct {
	BottomLeft Location
	TopRight   Location
}

// Contains reports whether the location falls inside the box (inclusive).
func (b BoundingBox) Contains(loc Location) bool {
	return loc.Lat >= b.BottomLeft.Lat && loc.Lat <= b.TopRight.Lat &&
		loc.Lon >= b.BottomLeft.Lon && loc.Lon <= b.TopRight.Lon
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() Location {
	return Location{
		Lat: (b.BottomLeft.Lat + b.TopRight.Lat) / 2,
		Lon: (b.BottomLeft.Lon + b.TopRight.Lon) / 2,
	}
}

// GridPoint is one candidate site location on the generated lattice.
// Immutable once generated.
type GridPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Location converts the grid point to a Location.
func (p GridPoint) Location() Location {
	return Location{Lat: p.Latitude, Lon: p.Longitude}
}

// Provenance tags a fetched dataset as live or fallback data so downstream
// consumers can distinguish origin without inspecting values.
type Provenance int

const (
	ProvenanceLive Provenance = iota
	ProvenanceFallback
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceLive:
		return "live"
	case ProvenanceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Degradation records a data source that fell back to synthetic data during
// a pipeline run, and why. Recorded on the result set, never returned as an
// error.
type Degradation struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// CompetitorRecord describes one competing restaurant location.
type CompetitorRecord struct {
	Name        string  `json:"name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Rating      float64 `json:"rating"`
	ReviewCount int     `json:"review_count"`
	Category    string  `json:"category"`
}

// Location converts the record's coordinates to a Location.
func (c CompetitorRecord) Location() Location {
	return Location{Lat: c.Latitude, Lon: c.Longitude}
}

// DemographicProfile holds the demographic signals for one region.
type DemographicProfile struct {
	MedianIncome      float64 `json:"median_income"`
	MedianAge         float64 `json:"median_age"`
	PopulationDensity float64 `json:"population_density"`
	Households        float64 `json:"households"`
}

// RegionProfile is the fetch unit for demographics: a profile anchored to a
// region centroid. Grid points resolve to their nearest region.
type RegionProfile struct {
	Location Location           `json:"location"`
	Profile  DemographicProfile `json:"profile"`
}

// TrafficSample is the fetch unit for traffic: scores anchored to a sample
// location. Grid points resolve to their nearest sample.
type TrafficSample struct {
	Location        Location `json:"location"`
	TrafficScore    float64  `json:"traffic_score"`
	CommercialScore float64  `json:"commercial_score"`
}

// FeatureRow is the complete engineered feature vector for one grid point.
// Every field must be resolved and finite before the row may enter training
// or scoring. PredictedRevenue is filled in by the scoring stage.
type FeatureRow struct {
	Latitude                     float64 `json:"latitude"`
	Longitude                    float64 `json:"longitude"`
	MedianIncome                 float64 `json:"median_income"`
	MedianAge                    float64 `json:"median_age"`
	PopulationDensity            float64 `json:"population_density"`
	TrafficScore                 float64 `json:"traffic_score"`
	CommercialScore              float64 `json:"commercial_score"`
	DistanceToCompetitor         float64 `json:"distance_to_competitor"`
	CompetitionDensity           float64 `json:"competition_density"`
	DistanceFromCenter           float64 `json:"distance_from_center"`
	IncomeAgeInteraction         float64 `json:"income_age_interaction"`
	TrafficCommercialInteraction float64 `json:"traffic_commercial_interaction"`
	CompetitionPressure          float64 `json:"competition_pressure"`
	MarketSaturation             float64 `json:"market_saturation"`
	PreferenceScore              float64 `json:"preference_score"`

	PredictedRevenue float64 `json:"predicted_revenue,omitempty"`
}

// featureNames lists the model input features in Vector order. Coordinates
// are kept out of the model inputs; they identify the row, not the signal.
var featureNames = []string{
	"median_income",
	"median_age",
	"population_density",
	"traffic_score",
	"commercial_score",
	"distance_to_competitor",
	"competition_density",
	"distance_from_center",
	"income_age_interaction",
	"traffic_commercial_interaction",
	"competition_pressure",
	"market_saturation",
	"preference_score",
}

// FeatureNames returns the ordered names of the model input features.
func FeatureNames() []string {
	names := make([]string, len(featureNames))
	copy(names, featureNames)
	return names
}

// Vector returns the model input features in FeatureNames order.
func (r FeatureRow) Vector() []float64 {
	return []float64{
		r.MedianIncome,
		r.MedianAge,
		r.PopulationDensity,
		r.TrafficScore,
		r.CommercialScore,
		r.DistanceToCompetitor,
		r.CompetitionDensity,
		r.DistanceFromCenter,
		r.IncomeAgeInteraction,
		r.TrafficCommercialInteraction,
		r.CompetitionPressure,
		r.MarketSaturation,
		r.PreferenceScore,
	}
}

// ProgressEvent is one incremental status update from a pipeline run.
// Emitted, never stored.
type ProgressEvent struct {
	CityID             string        `json:"city_id"`
	RunID              string        `json:"run_id"`
	Stage              string        `json:"stage"`
	StepName           string        `json:"step_name"`
	Percent            float64       `json:"progress_percent"`
	ETA                time.Duration `json:"eta"`
	LocationsProcessed int           `json:"locations_processed"`
	TotalLocations     int           `json:"total_locations"`
}
