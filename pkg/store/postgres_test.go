package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/sitescout/pkg/models"
	"github.com/kass/sitescout/pkg/pipeline"
	"github.com/kass/sitescout/pkg/revenue"
)

var _ pipeline.Store = (*Postgres)(nil)

// openTestStore connects to the database named by SITESCOUT_TEST_POSTGRES_DSN
// and skips the test when none is configured.
func openTestStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("SITESCOUT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SITESCOUT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.InitSchema(ctx))
	return p
}

func storedResult(cityID string, fetched time.Time) *pipeline.CityResultSet {
	return &pipeline.CityResultSet{
		CityID: cityID,
		RunID:  uuid.NewString(),
		Rows: []models.FeatureRow{
			{Latitude: 30.27, Longitude: -97.74, MedianIncome: 82000, TrafficScore: 71, CompetitionDensity: 2, DistanceToCompetitor: 0.8, PredictedRevenue: 5.4e6},
			{Latitude: 30.25, Longitude: -97.76, MedianIncome: 64000, TrafficScore: 55, CompetitionDensity: 4, DistanceToCompetitor: 0.3, PredictedRevenue: 4.6e6},
		},
		Metrics:        revenue.Metrics{R2: 0.88, CVMAE: 410000, Variance: 1.8e11, Rows: 2, Synthetic: true},
		Provenance:     map[string]string{"demographics": "fallback", "competitors": "fallback", "traffic": "fallback"},
		Degradations:   []models.Degradation{{Source: "census", Reason: "request failed"}},
		FetchedAt:      fetched,
		GenerationTime: 1500 * time.Millisecond,
	}
}

func TestPostgresSaveAndQuery(t *testing.T) {
	p := openTestStore(t)
	ctx := context.Background()
	cityID := "store-test-" + uuid.NewString()[:8]

	first := storedResult(cityID, time.Now().Add(-time.Hour))
	require.NoError(t, p.SaveRun(ctx, first))

	runs, err := p.RecentRuns(ctx, cityID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, first.RunID, runs[0].RunID)
	assert.Equal(t, 2, runs[0].RowsBuilt)
	assert.True(t, runs[0].Degraded)
	assert.InDelta(t, 0.88, runs[0].R2, 1e-9)
	assert.WithinDuration(t, first.FetchedAt, runs[0].FetchedAt, time.Second)

	second := storedResult(cityID, time.Now())
	require.NoError(t, p.SaveRun(ctx, second))

	runs, err = p.RecentRuns(ctx, cityID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID)

	// TopLocations reads only the newest run, ordered by revenue.
	top, err := p.TopLocations(ctx, cityID, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.InDelta(t, 5.4e6, top[0].PredictedRevenue, 1e-3)

	all, err := p.TopLocations(ctx, cityID, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.GreaterOrEqual(t, all[0].PredictedRevenue, all[1].PredictedRevenue)
}
