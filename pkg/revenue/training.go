// Package revenue trains a bagged regression-tree ensemble that predicts
// annual restaurant revenue for candidate sites. Training targets are
// synthesized from the engineered features around a documented base-revenue
// anchor, so the model learns the feature interactions rather than memorizing
// an external label set.
package revenue

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/kass/sitescout/pkg/models"
)

// Revenue band for synthesized targets, in dollars per year.
const (
	minRevenue = 2.8e6
	maxRevenue = 8.5e6
)

// Reference points for the anchor impact factors. Midpoints follow the
// fallback demographic and traffic ranges.
const (
	incomeMidpoint     = 77500.0
	agePeak            = 35.0
	trafficMidpoint    = 57.5
	commercialMidpoint = 57.5
	saturationMidpoint = 0.85
	preferenceMidpoint = 0.85
	pressureScale      = 40.0
)

// Config holds the ensemble and training parameters.
type Config struct {
	Trees           int     // number of bagged trees (default: 180)
	MaxDepth        int     // maximum tree depth (default: 12)
	MinSamplesSplit int     // minimum rows to attempt a split (default: 5)
	SubsampleRatio  float64 // bootstrap sample fraction per tree (default: 0.8)
	Seed            int64   // rng seed for bootstrap and target noise
	Folds           int     // cross-validation folds (default: 5)
	MinTrainingRows int     // rows required to train at all (default: 25)
	VarianceFloor   float64 // target variance below which LowVariance is flagged; 0 disables
	BaseRevenue     float64 // anchor revenue before impact adjustment (default: 4.5M)
	NoiseFraction   float64 // +/- noise applied to each target (default: 0.08)
}

// DefaultConfig returns the default training configuration.
func DefaultConfig() Config {
	return Config{
		Trees:           180,
		MaxDepth:        12,
		MinSamplesSplit: 5,
		SubsampleRatio:  0.8,
		Seed:            42,
		Folds:           5,
		MinTrainingRows: 25,
		VarianceFloor:   1e9,
		BaseRevenue:     4.5e6,
		NoiseFraction:   0.08,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Trees <= 0 {
		c.Trees = d.Trees
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.MinSamplesSplit <= 0 {
		c.MinSamplesSplit = d.MinSamplesSplit
	}
	if c.SubsampleRatio <= 0 || c.SubsampleRatio > 1 {
		c.SubsampleRatio = d.SubsampleRatio
	}
	if c.Folds <= 0 {
		c.Folds = d.Folds
	}
	if c.MinTrainingRows <= 0 {
		c.MinTrainingRows = d.MinTrainingRows
	}
	if c.BaseRevenue <= 0 {
		c.BaseRevenue = d.BaseRevenue
	}
	return c
}

// Metrics summarizes a completed training run.
type Metrics struct {
	R2          float64 `json:"r2"`
	CVMAE       float64 `json:"cv_mae"`
	Variance    float64 `json:"variance"`
	LowVariance bool    `json:"low_variance"`
	Rows        int     `json:"rows"`
	Synthetic   bool    `json:"synthetic"`
}

// InsufficientDataError reports that too few complete rows survived feature
// engineering to train a model.
type InsufficientDataError struct {
	Rows int
	Min  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("training requires at least %d rows, got %d", e.Min, e.Rows)
}

// Train fits a bagged forest on the rows and reports model quality metrics.
// Training is deterministic for a fixed config seed. A LowVariance metric is
// a warning, not an error; training still succeeds.
func Train(rows []models.FeatureRow, cfg Config) (*Forest, Metrics, error) {
	cfg = cfg.withDefaults()

	if len(rows) < cfg.MinTrainingRows {
		return nil, Metrics{}, &InsufficientDataError{Rows: len(rows), Min: cfg.MinTrainingRows}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	xs := make([][]float64, len(rows))
	ys := make([]float64, len(rows))
	for i, row := range rows {
		xs[i] = row.Vector()
		noise := (rng.Float64()*2 - 1) * cfg.NoiseFraction
		ys[i] = anchorTarget(row, cfg.BaseRevenue, noise)
	}

	variance := sampleVariance(ys)
	cvMAE := crossValidateMAE(xs, ys, cfg)

	trees, importances := growForest(xs, ys, cfg, rng)
	forest := &Forest{
		Trees:        trees,
		FeatureNames: models.FeatureNames(),
		Importances:  importances,
	}

	predictions, err := forest.Predict(rows)
	if err != nil {
		return nil, Metrics{}, err
	}

	metrics := Metrics{
		R2:          rSquared(ys, predictions),
		CVMAE:       cvMAE,
		Variance:    variance,
		LowVariance: cfg.VarianceFloor > 0 && variance < cfg.VarianceFloor,
		Rows:        len(rows),
		Synthetic:   true,
	}
	return forest, metrics, nil
}

// anchorTarget synthesizes the training target for one row: the base revenue
// shifted by weighted impact factors and noise, clamped to the plausible
// revenue band.
func anchorTarget(row models.FeatureRow, baseRevenue, noise float64) float64 {
	incomeImpact := (row.MedianIncome - incomeMidpoint) / incomeMidpoint * 0.35
	// Revenue peaks near the prime fast-casual demographic and falls off on
	// both sides
	ageImpact := -math.Abs(row.MedianAge-agePeak) / agePeak * 0.10
	trafficImpact := (row.TrafficScore - trafficMidpoint) / trafficMidpoint * 0.25
	commercialImpact := (row.CommercialScore - commercialMidpoint) / commercialMidpoint * 0.15
	pressureImpact := -math.Min(row.CompetitionPressure/pressureScale, 1) * 0.20
	saturationImpact := -(row.MarketSaturation - saturationMidpoint) * 0.30
	preferenceImpact := (row.PreferenceScore - preferenceMidpoint) * 0.40

	multiplier := 1 + incomeImpact + ageImpact + trafficImpact + commercialImpact +
		pressureImpact + saturationImpact + preferenceImpact

	target := baseRevenue * multiplier * (1 + noise)
	return math.Min(math.Max(target, minRevenue), maxRevenue)
}

// crossValidateMAE estimates out-of-sample error with deterministic k-fold
// assignment (row index modulo fold count).
func crossValidateMAE(xs [][]float64, ys []float64, cfg Config) float64 {
	folds := cfg.Folds
	if folds < 2 || len(ys) < folds*2 {
		return 0
	}

	var total float64
	var counted int

	for fold := 0; fold < folds; fold++ {
		var trainX, testX [][]float64
		var trainY, testY []float64

		for i := range ys {
			if i%folds == fold {
				testX = append(testX, xs[i])
				testY = append(testY, ys[i])
			} else {
				trainX = append(trainX, xs[i])
				trainY = append(trainY, ys[i])
			}
		}
		if len(testY) == 0 || len(trainY) < cfg.MinSamplesSplit {
			continue
		}

		rng := rand.New(rand.NewSource(cfg.Seed + int64(fold) + 1))
		trees, _ := growForest(trainX, trainY, cfg, rng)
		foldForest := &Forest{Trees: trees}

		var mae float64
		for i, x := range testX {
			mae += math.Abs(foldForest.predictVector(x) - testY[i])
		}
		total += mae / float64(len(testY))
		counted++
	}

	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

// rSquared is the in-sample coefficient of determination, clamped to [0, 1].
func rSquared(ys, predictions []float64) float64 {
	sst := sumSquaredError(ys)
	if sst <= 0 {
		return 0
	}

	var sse float64
	for i, y := range ys {
		diff := y - predictions[i]
		sse += diff * diff
	}

	r2 := 1 - sse/sst
	return math.Min(math.Max(r2, 0), 1)
}

func sampleVariance(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	return sumSquaredError(ys) / float64(len(ys)-1)
}
