// Package config holds the city registry and runtime tuning for the
// analysis pipeline. City definitions come from a built-in registry that can
// be overlaid with YAML files; runtime knobs come from defaults overridden
// by SITESCOUT_* environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/kass/sitescout/pkg/models"
)

// ConfigurationError reports an invalid city or pipeline parameter.
// Fatal, never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Bounds describes a city's geographic extent and lattice spacing.
type Bounds struct {
	MinLat      float64 `yaml:"min_lat"`
	MaxLat      float64 `yaml:"max_lat"`
	MinLon      float64 `yaml:"min_lon"`
	MaxLon      float64 `yaml:"max_lon"`
	CenterLat   float64 `yaml:"center_lat"`
	CenterLon   float64 `yaml:"center_lon"`
	GridSpacing float64 `yaml:"grid_spacing"`
}

// Box converts the bounds to a BoundingBox.
func (b Bounds) Box() models.BoundingBox {
	return models.BoundingBox{
		BottomLeft: models.Location{Lat: b.MinLat, Lon: b.MinLon},
		TopRight:   models.Location{Lat: b.MaxLat, Lon: b.MaxLon},
	}
}

// Center returns the configured city center.
func (b Bounds) Center() models.Location {
	return models.Location{Lat: b.CenterLat, Lon: b.CenterLon}
}

// Demographics holds the prior value ranges used by the synthetic generator
// and by validation of fetched profiles.
type Demographics struct {
	IncomeRange  [2]float64 `yaml:"income_range"`
	AgeRange     [2]float64 `yaml:"age_range"`
	DensityRange [2]float64 `yaml:"density_range"`
}

// Market carries descriptive market context for a city.
type Market struct {
	County         string   `yaml:"county"`
	Universities   []string `yaml:"universities"`
	MajorEmployers []string `yaml:"major_employers"`
}

// Competitors configures the competitor search for a city.
type Competitors struct {
	Primary          string   `yaml:"primary"`
	SearchTerms      []string `yaml:"search_terms"`
	MarketSaturation float64  `yaml:"market_saturation"`
	PreferenceScore  float64  `yaml:"preference_score"`
}

// CityConfig is the read-only per-city configuration consumed by the
// pipeline.
type CityConfig struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	State        string       `yaml:"state"`
	Population   int          `yaml:"population"`
	Bounds       Bounds       `yaml:"bounds"`
	Demographics Demographics `yaml:"demographics"`
	Market       Market       `yaml:"market"`
	Competitors  Competitors  `yaml:"competitors"`
}

// Validate checks the city definition for values the pipeline cannot work
// with. Returns a ConfigurationError on the first problem found.
func (c *CityConfig) Validate() error {
	if c.ID == "" {
		return &ConfigurationError{Field: "id", Reason: "must not be empty"}
	}
	b := c.Bounds
	for field, v := range map[string]float64{
		"bounds.min_lat": b.MinLat, "bounds.max_lat": b.MaxLat,
		"bounds.min_lon": b.MinLon, "bounds.max_lon": b.MaxLon,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ConfigurationError{Field: field, Reason: "must be a finite coordinate"}
		}
	}
	if b.MinLat >= b.MaxLat {
		return &ConfigurationError{Field: "bounds", Reason: fmt.Sprintf("min_lat %.4f must be less than max_lat %.4f", b.MinLat, b.MaxLat)}
	}
	if b.MinLon >= b.MaxLon {
		return &ConfigurationError{Field: "bounds", Reason: fmt.Sprintf("min_lon %.4f must be less than max_lon %.4f", b.MinLon, b.MaxLon)}
	}
	if b.CenterLat < b.MinLat || b.CenterLat > b.MaxLat ||
		b.CenterLon < b.MinLon || b.CenterLon > b.MaxLon {
		return &ConfigurationError{Field: "bounds.center", Reason: "center must lie inside the bounds"}
	}
	if b.GridSpacing < 0 {
		return &ConfigurationError{Field: "bounds.grid_spacing", Reason: "must not be negative"}
	}
	if c.Demographics.IncomeRange[0] > c.Demographics.IncomeRange[1] {
		return &ConfigurationError{Field: "demographics.income_range", Reason: "low bound exceeds high bound"}
	}
	if c.Demographics.AgeRange[0] > c.Demographics.AgeRange[1] {
		return &ConfigurationError{Field: "demographics.age_range", Reason: "low bound exceeds high bound"}
	}
	if c.Competitors.MarketSaturation < 0 {
		return &ConfigurationError{Field: "competitors.market_saturation", Reason: "must not be negative"}
	}
	return nil
}

// Config carries the runtime tuning for the pipeline and its shells.
type Config struct {
	// Grid
	MaxGridPoints int

	// Fetching
	FetchTimeout  time.Duration // per attempt
	FetchRetries  uint64        // additional attempts after the first
	FetchInterval time.Duration // minimum delay between external calls
	FetchBurst    int

	// Cache and pipeline
	CacheTTL       time.Duration
	PipelineBudget time.Duration
	SnapshotPath   string

	// Model; zero values defer to the trainer defaults.
	MinTrainingRows int
	VarianceFloor   float64
	Seed            int64
	ModelTrees      int
	ModelFolds      int

	// Collaborator endpoints; a source with an empty URL runs synthetic.
	CensusURL   string
	TrafficURL  string
	OverpassURL string

	// Persistence and serving
	PostgresDSN string
	CitiesDir   string
	HTTPAddr    string
	MetricsAddr string
}

// Default returns the runtime configuration used when no environment
// overrides are present.
func Default() Config {
	return Config{
		MaxGridPoints:   600,
		FetchTimeout:    10 * time.Second,
		FetchRetries:    2,
		FetchInterval:   200 * time.Millisecond,
		FetchBurst:      4,
		CacheTTL:        time.Hour,
		PipelineBudget:  3 * time.Minute,
		MinTrainingRows: 25,
		VarianceFloor:   1e9,
		Seed:            42,
		HTTPAddr:        ":8080",
		MetricsAddr:     ":9090",
	}
}

// Load builds the runtime configuration from defaults plus SITESCOUT_*
// environment variables.
func Load() Config {
	cfg := Default()
	cfg.MaxGridPoints = getIntEnv("SITESCOUT_MAX_GRID_POINTS", cfg.MaxGridPoints)
	cfg.FetchTimeout = getDurationEnv("SITESCOUT_FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.FetchRetries = uint64(getIntEnv("SITESCOUT_FETCH_RETRIES", int(cfg.FetchRetries)))
	cfg.FetchInterval = getDurationEnv("SITESCOUT_FETCH_INTERVAL", cfg.FetchInterval)
	cfg.FetchBurst = getIntEnv("SITESCOUT_FETCH_BURST", cfg.FetchBurst)
	cfg.CacheTTL = getDurationEnv("SITESCOUT_CACHE_TTL", cfg.CacheTTL)
	cfg.PipelineBudget = getDurationEnv("SITESCOUT_PIPELINE_BUDGET", cfg.PipelineBudget)
	cfg.SnapshotPath = getEnv("SITESCOUT_SNAPSHOT_PATH", cfg.SnapshotPath)
	cfg.MinTrainingRows = getIntEnv("SITESCOUT_MIN_TRAINING_ROWS", cfg.MinTrainingRows)
	cfg.VarianceFloor = getFloatEnv("SITESCOUT_VARIANCE_FLOOR", cfg.VarianceFloor)
	cfg.Seed = int64(getIntEnv("SITESCOUT_SEED", int(cfg.Seed)))
	cfg.ModelTrees = getIntEnv("SITESCOUT_MODEL_TREES", cfg.ModelTrees)
	cfg.ModelFolds = getIntEnv("SITESCOUT_MODEL_FOLDS", cfg.ModelFolds)
	cfg.CensusURL = getEnv("SITESCOUT_CENSUS_URL", cfg.CensusURL)
	cfg.TrafficURL = getEnv("SITESCOUT_TRAFFIC_URL", cfg.TrafficURL)
	cfg.OverpassURL = getEnv("SITESCOUT_OVERPASS_URL", cfg.OverpassURL)
	cfg.PostgresDSN = getEnv("SITESCOUT_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.CitiesDir = getEnv("SITESCOUT_CITIES_DIR", cfg.CitiesDir)
	cfg.HTTPAddr = getEnv("SITESCOUT_HTTP_ADDR", cfg.HTTPAddr)
	cfg.MetricsAddr = getEnv("SITESCOUT_METRICS_ADDR", cfg.MetricsAddr)
	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
