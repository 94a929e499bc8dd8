package revenue

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/sitescout/pkg/models"
)

func trainingRows(n int) []models.FeatureRow {
	rng := rand.New(rand.NewSource(7))
	rows := make([]models.FeatureRow, n)
	for i := range rows {
		income := 35000 + rng.Float64()*85000
		age := 25 + rng.Float64()*40
		traffic := 20 + rng.Float64()*75
		commercial := 25 + rng.Float64()*65
		dist := 0.1 + rng.Float64()*7.9
		compDensity := float64(rng.Intn(8))

		rows[i] = models.FeatureRow{
			Latitude:                     30.1 + rng.Float64()*0.4,
			Longitude:                    -97.9 + rng.Float64()*0.4,
			MedianIncome:                 income,
			MedianAge:                    age,
			PopulationDensity:            2000 + rng.Float64()*23000,
			TrafficScore:                 traffic,
			CommercialScore:              commercial,
			DistanceToCompetitor:         dist,
			CompetitionDensity:           compDensity,
			DistanceFromCenter:           rng.Float64() * 12,
			IncomeAgeInteraction:         income * age,
			TrafficCommercialInteraction: traffic * commercial,
			CompetitionPressure:          compDensity / (dist + 0.1),
			MarketSaturation:             0.82,
			PreferenceScore:              0.88,
		}
	}
	return rows
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Trees = 25
	cfg.MaxDepth = 8
	cfg.Folds = 3
	cfg.NoiseFraction = 0.05
	return cfg
}

func TestTrainProducesBoundedMetrics(t *testing.T) {
	rows := trainingRows(120)

	forest, metrics, err := Train(rows, testConfig())
	require.NoError(t, err)
	require.NotNil(t, forest)

	assert.GreaterOrEqual(t, metrics.R2, 0.0)
	assert.LessOrEqual(t, metrics.R2, 1.0)
	assert.Greater(t, metrics.R2, 0.5, "in-sample fit should explain most target variance")
	assert.Greater(t, metrics.CVMAE, 0.0)
	assert.Greater(t, metrics.Variance, 0.0)
	assert.False(t, metrics.LowVariance)
	assert.Equal(t, 120, metrics.Rows)
	assert.True(t, metrics.Synthetic)
}

func TestTrainDeterministic(t *testing.T) {
	rows := trainingRows(80)
	cfg := testConfig()

	forestA, metricsA, err := Train(rows, cfg)
	require.NoError(t, err)
	forestB, metricsB, err := Train(rows, cfg)
	require.NoError(t, err)

	predsA, err := forestA.Predict(rows)
	require.NoError(t, err)
	predsB, err := forestB.Predict(rows)
	require.NoError(t, err)

	assert.Equal(t, predsA, predsB)
	assert.Equal(t, metricsA, metricsB)

	// A different seed grows a different forest
	cfg.Seed = 99
	forestC, _, err := Train(rows, cfg)
	require.NoError(t, err)
	predsC, err := forestC.Predict(rows)
	require.NoError(t, err)
	assert.NotEqual(t, predsA, predsC)
}

func TestTrainInsufficientData(t *testing.T) {
	rows := trainingRows(10)

	forest, _, err := Train(rows, testConfig())
	require.Error(t, err)
	assert.Nil(t, forest)

	var insufficient *InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 10, insufficient.Rows)
	assert.Equal(t, 25, insufficient.Min)
	assert.Contains(t, err.Error(), "at least 25")
}

func TestPredictBeforeTraining(t *testing.T) {
	var forest Forest

	_, err := forest.Predict(trainingRows(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be trained")
}

func TestFeatureImportanceRanked(t *testing.T) {
	forest, _, err := Train(trainingRows(120), testConfig())
	require.NoError(t, err)

	importance := forest.FeatureImportance()
	require.Len(t, importance, len(models.FeatureNames()))

	var total float64
	for i, imp := range importance {
		assert.GreaterOrEqual(t, imp.Weight, 0.0)
		if i > 0 {
			assert.LessOrEqual(t, imp.Weight, importance[i-1].Weight)
		}
		total += imp.Weight
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestLowVarianceFlagged(t *testing.T) {
	// Identical rows with no target noise leave nothing to learn
	row := trainingRows(1)[0]
	rows := make([]models.FeatureRow, 30)
	for i := range rows {
		rows[i] = row
	}

	cfg := testConfig()
	cfg.NoiseFraction = 0

	forest, metrics, err := Train(rows, cfg)
	require.NoError(t, err, "low variance warns, it does not fail")
	require.NotNil(t, forest)

	assert.True(t, metrics.LowVariance)
	assert.InDelta(t, 0.0, metrics.Variance, 1.0)
}

func TestPredictionsWithinRevenueBand(t *testing.T) {
	rows := trainingRows(100)
	forest, _, err := Train(rows, testConfig())
	require.NoError(t, err)

	predictions, err := forest.Predict(rows)
	require.NoError(t, err)
	require.Len(t, predictions, len(rows))

	for _, p := range predictions {
		assert.GreaterOrEqual(t, p, minRevenue)
		assert.LessOrEqual(t, p, maxRevenue)
	}
}

func TestAnchorTargetClamped(t *testing.T) {
	high := models.FeatureRow{
		MedianIncome: 500000, MedianAge: 35, TrafficScore: 200,
		CommercialScore: 200, PreferenceScore: 3,
	}
	low := models.FeatureRow{
		MedianIncome: 1000, MedianAge: 90, TrafficScore: 0,
		CommercialScore: 0, CompetitionPressure: 500, MarketSaturation: 5,
	}

	assert.Equal(t, maxRevenue, anchorTarget(high, 4.5e6, 0))
	assert.Equal(t, minRevenue, anchorTarget(low, 4.5e6, 0))
}

// midBandRow sits near every impact midpoint so single-factor shifts stay
// inside the clamp band.
func midBandRow() models.FeatureRow {
	return models.FeatureRow{
		MedianIncome:         70000,
		MedianAge:            34,
		PopulationDensity:    8000,
		TrafficScore:         60,
		CommercialScore:      55,
		DistanceToCompetitor: 2,
		CompetitionDensity:   3,
		CompetitionPressure:  3 / 2.1,
		MarketSaturation:     0.82,
		PreferenceScore:      0.88,
	}
}

func TestAnchorTargetMonotonicInIncome(t *testing.T) {
	base := midBandRow()

	richer := base
	richer.MedianIncome = base.MedianIncome + 20000

	assert.Greater(t, anchorTarget(richer, 4.5e6, 0), anchorTarget(base, 4.5e6, 0))
}

func TestAnchorTargetPenalizesCompetitionPressure(t *testing.T) {
	base := midBandRow()

	crowded := base
	crowded.CompetitionPressure = base.CompetitionPressure + 10

	assert.Less(t, anchorTarget(crowded, 4.5e6, 0), anchorTarget(base, 4.5e6, 0))
}

func TestForestGobRoundTrip(t *testing.T) {
	rows := trainingRows(60)
	forest, _, err := Train(rows, testConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(forest))

	var restored Forest
	require.NoError(t, gob.NewDecoder(&buf).Decode(&restored))

	want, err := forest.Predict(rows)
	require.NoError(t, err)
	got, err := restored.Predict(rows)
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, forest.FeatureImportance(), restored.FeatureImportance())
}

func BenchmarkTrain200Rows(b *testing.B) {
	rows := trainingRows(200)
	cfg := testConfig()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, err := Train(rows, cfg)
		if err != nil {
			b.Fatal(err)
		}
	}
}
